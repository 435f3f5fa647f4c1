package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig     `yaml:"log"`
	API       APIConfig         `yaml:"api"`
	State     StateConfig       `yaml:"state"`
	Oracle    OracleConfig      `yaml:"oracle"`
	Evaluator EvaluatorConfig   `yaml:"evaluator"`
	Contract  ContractConfig    `yaml:"contract"`
	Tokens    map[string]string `yaml:"tokens"`
	Dispatch  DispatchConfig    `yaml:"dispatch"`
	Scheduler SchedulerConfig   `yaml:"scheduler"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	Telegram  TelegramConfig    `yaml:"telegram"`
	Journal   JournalConfig     `yaml:"journal"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type APIConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	JWTSecret       string        `yaml:"jwt_secret"`
}

type StateConfig struct {
	// Driver selects the strategy store: "sqlite" or "postgres".
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
	DSN        string `yaml:"dsn"`
	// JournalDriver selects the dispatch journal kv store: "" (same as Driver) or "redis".
	JournalDriver string `yaml:"journal_driver"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type OracleConfig struct {
	BaseURL        string            `yaml:"base_url"`
	Timeout        time.Duration     `yaml:"timeout"`
	Feeds          map[string]string `yaml:"feeds"`
	ReferenceAsset string            `yaml:"reference_asset"`
	StreamURL      string            `yaml:"stream_url"`
	MaxStreamAge   time.Duration     `yaml:"max_stream_age"`
	ReconnectDelay time.Duration     `yaml:"reconnect_delay"`
	PingInterval   time.Duration     `yaml:"ping_interval"`
}

type EvaluatorConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ContractConfig struct {
	RPCURL          string        `yaml:"rpc_url"`
	Address         string        `yaml:"address"`
	ABIPath         string        `yaml:"abi_path"`
	VerifyMethod    string        `yaml:"verify_method"`
	VerifyLayout    string        `yaml:"verify_layout"`
	SwapMethod      string        `yaml:"swap_method"`
	NullifierMethod string        `yaml:"nullifier_method"`
	FeeTier         uint32        `yaml:"fee_tier"`
	VerifyTimeout   time.Duration `yaml:"verify_timeout"`
}

type DispatchConfig struct {
	PrivateKey          string        `yaml:"private_key"`
	GasMultiplier       float64       `yaml:"gas_multiplier"`
	ReceiptTimeout      time.Duration `yaml:"receipt_timeout"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
}

type SchedulerConfig struct {
	Interval          time.Duration `yaml:"interval"`
	Concurrency       int           `yaml:"concurrency"`
	MaxAttempts       int           `yaml:"max_attempts"`
	ReconcileSchedule string        `yaml:"reconcile_schedule"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type JournalConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"

	LayoutSignals = "signals"
	LayoutFields  = "fields"
)

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.API.Address == "" {
		cfg.API.Address = "127.0.0.1:5000"
	}
	if cfg.API.ReadTimeout == 0 {
		cfg.API.ReadTimeout = 30 * time.Second
	}
	if cfg.API.WriteTimeout == 0 {
		cfg.API.WriteTimeout = 60 * time.Second
	}
	if cfg.API.ShutdownTimeout == 0 {
		cfg.API.ShutdownTimeout = 10 * time.Second
	}
	if cfg.State.Driver == "" {
		cfg.State.Driver = DriverSQLite
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/strategies.db"
	}
	if cfg.Oracle.BaseURL == "" {
		cfg.Oracle.BaseURL = "https://hermes.pyth.network"
	}
	if cfg.Oracle.Timeout == 0 {
		cfg.Oracle.Timeout = 5 * time.Second
	}
	if cfg.Oracle.ReferenceAsset == "" {
		cfg.Oracle.ReferenceAsset = "ETH"
	}
	if cfg.Oracle.MaxStreamAge == 0 {
		cfg.Oracle.MaxStreamAge = 10 * time.Second
	}
	if cfg.Oracle.ReconnectDelay == 0 {
		cfg.Oracle.ReconnectDelay = 3 * time.Second
	}
	if cfg.Oracle.PingInterval == 0 {
		cfg.Oracle.PingInterval = 30 * time.Second
	}
	if cfg.Evaluator.URL == "" {
		cfg.Evaluator.URL = "http://localhost:5001/evaluateStrategy"
	}
	if cfg.Evaluator.Timeout == 0 {
		cfg.Evaluator.Timeout = 50 * time.Minute
	}
	if cfg.Contract.VerifyMethod == "" {
		cfg.Contract.VerifyMethod = "verifyProof"
	}
	if cfg.Contract.VerifyLayout == "" {
		cfg.Contract.VerifyLayout = LayoutSignals
	}
	if cfg.Contract.SwapMethod == "" {
		cfg.Contract.SwapMethod = "swap"
	}
	if cfg.Contract.FeeTier == 0 {
		cfg.Contract.FeeTier = 3000
	}
	if cfg.Contract.VerifyTimeout == 0 {
		cfg.Contract.VerifyTimeout = 15 * time.Second
	}
	if cfg.Dispatch.GasMultiplier == 0 {
		cfg.Dispatch.GasMultiplier = 1.2
	}
	if cfg.Dispatch.ReceiptTimeout == 0 {
		cfg.Dispatch.ReceiptTimeout = 5 * time.Minute
	}
	if cfg.Dispatch.ReceiptPollInterval == 0 {
		cfg.Dispatch.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = 30 * time.Second
	}
	if cfg.Scheduler.Concurrency == 0 {
		cfg.Scheduler.Concurrency = 4
	}
	if cfg.Scheduler.MaxAttempts == 0 {
		cfg.Scheduler.MaxAttempts = 5
	}
	if cfg.Scheduler.ReconcileSchedule == "" {
		cfg.Scheduler.ReconcileSchedule = "0 * * * * *"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Journal.Schema == "" {
		cfg.Journal.Schema = "public"
	}
	if cfg.Journal.QueueSize == 0 {
		cfg.Journal.QueueSize = 256
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Contract.RPCURL, "EXECUTOR_RPC_URL")
	overrideString(&cfg.Contract.Address, "EXECUTOR_CONTRACT_ADDRESS")
	overrideString(&cfg.Dispatch.PrivateKey, "EXECUTOR_PRIVATE_KEY")
	overrideString(&cfg.State.DSN, "EXECUTOR_DATABASE_DSN")
	overrideString(&cfg.State.RedisPassword, "EXECUTOR_REDIS_PASSWORD")
	overrideString(&cfg.Journal.DSN, "EXECUTOR_JOURNAL_DSN")
	overrideString(&cfg.API.JWTSecret, "EXECUTOR_JWT_SECRET")
	overrideString(&cfg.Telegram.Token, "EXECUTOR_TELEGRAM_TOKEN")
	overrideString(&cfg.Telegram.ChatID, "EXECUTOR_TELEGRAM_CHAT_ID")
}

func overrideString(dst *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}

// ReferenceFeed returns the feed id of the shared reference asset.
func (c *Config) ReferenceFeed() (string, bool) {
	for asset, feed := range c.Oracle.Feeds {
		if strings.EqualFold(asset, c.Oracle.ReferenceAsset) {
			feed = strings.TrimSpace(feed)
			return feed, feed != ""
		}
	}
	return "", false
}

func validate(cfg *Config) error {
	switch cfg.State.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(cfg.State.DSN) == "" {
			return errors.New("state.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported state.driver %q", cfg.State.Driver)
	}
	switch cfg.State.JournalDriver {
	case "":
	case DriverRedis:
		if strings.TrimSpace(cfg.State.RedisAddr) == "" {
			return errors.New("state.redis_addr is required for the redis journal driver")
		}
	default:
		return fmt.Errorf("unsupported state.journal_driver %q", cfg.State.JournalDriver)
	}
	if _, ok := cfg.ReferenceFeed(); !ok {
		return fmt.Errorf("oracle.feeds must contain a feed id for reference asset %s", cfg.Oracle.ReferenceAsset)
	}
	switch cfg.Contract.VerifyLayout {
	case LayoutSignals, LayoutFields:
	default:
		return fmt.Errorf("unsupported contract.verify_layout %q", cfg.Contract.VerifyLayout)
	}
	if cfg.Oracle.Timeout < 0 || cfg.Evaluator.Timeout < 0 || cfg.Contract.VerifyTimeout < 0 {
		return errors.New("timeouts must be >= 0")
	}
	if cfg.Scheduler.Interval < 0 {
		return errors.New("scheduler.interval must be >= 0")
	}
	if cfg.Scheduler.Concurrency < 0 {
		return errors.New("scheduler.concurrency must be >= 0")
	}
	if cfg.Scheduler.MaxAttempts < 0 {
		return errors.New("scheduler.max_attempts must be >= 0")
	}
	if cfg.Dispatch.GasMultiplier < 1 {
		return errors.New("dispatch.gas_multiplier must be >= 1")
	}
	if cfg.Dispatch.ReceiptPollInterval < 0 || cfg.Dispatch.ReceiptTimeout < 0 {
		return errors.New("dispatch receipt timings must be >= 0")
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Journal.Enabled && strings.TrimSpace(cfg.Journal.DSN) == "" {
		return errors.New("journal.dsn is required when journal is enabled")
	}
	return nil
}
