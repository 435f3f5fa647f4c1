package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"syphon-executor/internal/admission"
	"syphon-executor/internal/alerts"
	"syphon-executor/internal/api"
	"syphon-executor/internal/chain"
	"syphon-executor/internal/config"
	"syphon-executor/internal/cronrunner"
	"syphon-executor/internal/dispatch"
	"syphon-executor/internal/evaluator"
	"syphon-executor/internal/journal"
	"syphon-executor/internal/metrics"
	"syphon-executor/internal/oracle"
	"syphon-executor/internal/scheduler"
	"syphon-executor/internal/state"
	"syphon-executor/internal/state/postgres"
	"syphon-executor/internal/state/redis"
	"syphon-executor/internal/state/sqlite"
	"syphon-executor/internal/state/sqlstore"
	"syphon-executor/internal/ws"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      *sqlstore.Store
	kv         state.Store
	eth        *ethclient.Client
	stream     *oracle.StreamCache
	scheduler  *scheduler.Scheduler
	reconciler *dispatch.Reconciler
	api        *api.Server
	recorder   *journal.Writer
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if strings.TrimSpace(cfg.Contract.RPCURL) == "" {
		return nil, errors.New("contract.rpc_url is required (or EXECUTOR_RPC_URL)")
	}
	if strings.TrimSpace(cfg.Dispatch.PrivateKey) == "" {
		return nil, errors.New("dispatch.private_key is required (or EXECUTOR_PRIVATE_KEY)")
	}
	feed, ok := cfg.ReferenceFeed()
	if !ok {
		return nil, fmt.Errorf("no price feed configured for %s", cfg.Oracle.ReferenceAsset)
	}

	a := &App{cfg: cfg, log: log}
	built := false
	defer func() {
		if !built {
			a.close()
		}
	}()

	var err error
	if a.store, err = openStore(ctx, cfg.State); err != nil {
		return nil, fmt.Errorf("open strategy store: %w", err)
	}
	if a.kv, err = openJournalKV(ctx, cfg.State, a.store); err != nil {
		return nil, fmt.Errorf("open dispatch journal: %w", err)
	}
	if a.recorder, err = journal.New(cfg.Journal, log); err != nil {
		return nil, fmt.Errorf("open timescale journal: %w", err)
	}
	m, metricsHandler := newMetrics(cfg.Metrics)

	contract, err := chain.NewContract(cfg.Contract)
	if err != nil {
		return nil, err
	}
	signer, err := chain.NewSigner(cfg.Dispatch.PrivateKey)
	if err != nil {
		return nil, err
	}
	tokens, err := chain.NewTokens(cfg.Tokens)
	if err != nil {
		return nil, err
	}
	if a.eth, err = chain.Dial(ctx, cfg.Contract.RPCURL); err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	log.Info("settlement contract configured",
		zap.String("contract", contract.Address.Hex()),
		zap.String("executor", signer.Address().Hex()),
	)

	var prices oracle.Source = oracle.NewHermes(cfg.Oracle.BaseURL, cfg.Oracle.Timeout, log)
	a.stream, prices = withStream(cfg.Oracle, prices, log)

	dispatcher := dispatch.New(dispatch.Options{
		Client:              a.eth,
		Contract:            contract,
		Signer:              signer,
		Tokens:              tokens,
		Journal:             a.kv,
		GasMultiplier:       cfg.Dispatch.GasMultiplier,
		ReceiptTimeout:      cfg.Dispatch.ReceiptTimeout,
		ReceiptPollInterval: cfg.Dispatch.ReceiptPollInterval,
		OnSigned:            a.store.MarkSubmitted,
		Log:                 log.Named("dispatch"),
	})
	a.scheduler = scheduler.New(scheduler.Options{
		Store:         a.store,
		Oracle:        prices,
		Evaluator:     evaluator.New(cfg.Evaluator.URL, cfg.Evaluator.Timeout, log.Named("evaluator"), m.EvaluationErrors),
		Dispatcher:    dispatcher,
		ReferenceFeed: feed,
		Interval:      cfg.Scheduler.Interval,
		Concurrency:   cfg.Scheduler.Concurrency,
		MaxAttempts:   cfg.Scheduler.MaxAttempts,
		Notifier:      alerts.NewTelegram(cfg.Telegram, log.Named("alerts")),
		Recorder:      a.recorder,
		Metrics:       m,
		Log:           log.Named("scheduler"),
	})
	a.reconciler = dispatch.NewReconciler(a.store, a.eth, contract, a.kv, a.scheduler,
		cfg.Scheduler.MaxAttempts, log.Named("reconcile"), m)
	a.api = api.New(api.Options{
		Address:         cfg.API.Address,
		ReadTimeout:     cfg.API.ReadTimeout,
		WriteTimeout:    cfg.API.WriteTimeout,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
		AllowedOrigins:  cfg.API.AllowedOrigins,
		JWTSecret:       cfg.API.JWTSecret,
		Store:           a.store,
		Admission:       admission.New(a.eth, contract, cfg.Contract.VerifyLayout, cfg.Contract.VerifyTimeout, log.Named("admission"), m),
		Ready:           a.store.Ping,
		Metrics:         metricsHandler,
		MetricsPath:     cfg.Metrics.Path,
		Log:             log.Named("api"),
	})
	built = true
	return a, nil
}

// Run reconciles SUBMITTED strategies, then serves intake and runs the
// scheduler until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	a.recorder.Start(ctx)

	if err := a.reconciler.Run(ctx); err != nil {
		a.log.Warn("startup reconciliation failed", zap.Error(err))
	}
	cron := cronrunner.New(a.log, ctx)
	if _, err := cron.Add(a.cfg.Scheduler.ReconcileSchedule, "reconcile", a.reconciler.Run); err != nil {
		return fmt.Errorf("schedule reconciliation: %w", err)
	}
	cron.Start()
	defer cron.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.api.ListenAndServe(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	if a.stream != nil {
		g.Go(func() error {
			if err := a.stream.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("price stream stopped", zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *App) close() {
	if err := a.recorder.Close(); err != nil {
		a.log.Warn("journal close failed", zap.Error(err))
	}
	if a.kv != nil && a.kv != state.Store(a.store) {
		if err := a.kv.Close(); err != nil {
			a.log.Warn("dispatch journal close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("strategy store close failed", zap.Error(err))
		}
	}
	if a.eth != nil {
		a.eth.Close()
	}
}

func openStore(ctx context.Context, cfg config.StateConfig) (*sqlstore.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.New(ctx, cfg.DSN)
	case config.DriverSQLite, "":
		return sqlite.New(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported state driver %q", cfg.Driver)
	}
}

// openJournalKV returns the dispatch journal backend. Without a dedicated
// driver the journal shares the strategy database.
func openJournalKV(ctx context.Context, cfg config.StateConfig, store *sqlstore.Store) (state.Store, error) {
	switch cfg.JournalDriver {
	case "":
		return store, nil
	case config.DriverRedis:
		return redis.New(ctx, redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	default:
		return nil, fmt.Errorf("unsupported journal driver %q", cfg.JournalDriver)
	}
}

func newMetrics(cfg config.MetricsConfig) (*metrics.Metrics, http.Handler) {
	if !cfg.EnabledValue() {
		return metrics.NewNoop(), nil
	}
	prom := metrics.NewPrometheus()
	return prom.Metrics, prom.Handler()
}

// withStream layers the Hermes push stream over fallback when a stream URL
// is configured.
func withStream(cfg config.OracleConfig, fallback oracle.Source, log *zap.Logger) (*oracle.StreamCache, oracle.Source) {
	if strings.TrimSpace(cfg.StreamURL) == "" {
		return nil, fallback
	}
	feeds := make([]string, 0, len(cfg.Feeds))
	for _, id := range cfg.Feeds {
		feeds = append(feeds, id)
	}
	client := ws.New(cfg.StreamURL, cfg.ReconnectDelay, cfg.PingInterval, log.Named("ws"))
	stream := oracle.NewStreamCache(client, feeds, cfg.MaxStreamAge, log.Named("stream"))
	return stream, oracle.NewCachedOracle(stream, fallback)
}
