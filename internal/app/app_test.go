package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"syphon-executor/internal/config"
	"syphon-executor/internal/oracle"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const ethFeed = "0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace"

type staticSource map[string]decimal.Decimal

func (s staticSource) FetchPrices(ctx context.Context, feedIDs []string) map[string]decimal.Decimal {
	return s
}

func TestOpenStoreSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "strategies.db")
	store, err := openStore(context.Background(), config.StateConfig{Driver: config.DriverSQLite, SQLitePath: path})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := openStore(context.Background(), config.StateConfig{Driver: "mysql"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestJournalSharesStoreByDefault(t *testing.T) {
	store, err := openStore(context.Background(), config.StateConfig{SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	kv, err := openJournalKV(context.Background(), config.StateConfig{}, store)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if kv != store {
		t.Fatalf("expected the strategy store to back the journal")
	}
	if _, err := openJournalKV(context.Background(), config.StateConfig{JournalDriver: "etcd"}, store); err == nil {
		t.Fatalf("expected error for unknown journal driver")
	}
}

func TestNewMetrics(t *testing.T) {
	disabled := false
	m, handler := newMetrics(config.MetricsConfig{Enabled: &disabled})
	if m == nil || handler != nil {
		t.Fatalf("expected noop metrics without handler")
	}
	m.Cycles.Inc()

	enabled := true
	m, handler = newMetrics(config.MetricsConfig{Enabled: &enabled})
	m.Cycles.Inc()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "syphon_executor_scheduler_cycles_total 1") {
		t.Fatalf("expected cycle counter in exposition")
	}
}

func TestWithStream(t *testing.T) {
	fallback := staticSource{ethFeed: decimal.NewFromInt(3500)}
	stream, src := withStream(config.OracleConfig{}, fallback, zap.NewNop())
	if stream != nil {
		t.Fatalf("expected no stream without a url")
	}
	if _, ok := src.(staticSource); !ok {
		t.Fatalf("expected fallback source, got %T", src)
	}

	stream, src = withStream(config.OracleConfig{
		StreamURL: "ws://127.0.0.1:1/ws",
		Feeds:     map[string]string{"ETH": ethFeed},
	}, fallback, zap.NewNop())
	if stream == nil {
		t.Fatalf("expected stream cache")
	}
	if _, ok := src.(*oracle.CachedOracle); !ok {
		t.Fatalf("expected cached oracle, got %T", src)
	}
	got := src.FetchPrices(context.Background(), []string{ethFeed})
	if !got[ethFeed].Equal(decimal.NewFromInt(3500)) {
		t.Fatalf("expected fallback price for a cold stream, got %v", got)
	}
}

func TestNewRequiresChainSettings(t *testing.T) {
	cfg := &config.Config{}
	if _, err := New(context.Background(), cfg, zap.NewNop()); err == nil || !strings.Contains(err.Error(), "rpc_url") {
		t.Fatalf("expected rpc_url error, got %v", err)
	}
	cfg.Contract.RPCURL = "http://127.0.0.1:8545"
	if _, err := New(context.Background(), cfg, zap.NewNop()); err == nil || !strings.Contains(err.Error(), "private_key") {
		t.Fatalf("expected private_key error, got %v", err)
	}
	cfg.Dispatch.PrivateKey = "0x01"
	if _, err := New(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected missing feed error")
	}
}
