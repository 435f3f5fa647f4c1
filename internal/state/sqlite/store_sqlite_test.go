package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"syphon-executor/internal/state/sqlstore"
	"syphon-executor/internal/strategy"

	"github.com/shopspring/decimal"
)

func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newStrategy(id string, created time.Time) *strategy.Strategy {
	return &strategy.Strategy{
		ID:                  id,
		UserID:              "user-1",
		Type:                strategy.TypeBracketLong,
		AssetIn:             "USDC",
		AssetOut:            "ETH",
		Amount:              decimal.RequireFromString("2.5"),
		Recipient:           "0x2222222222222222222222222222222222222222",
		ZKPData:             `{"proof":["1"],"nullifier":"1"}`,
		EncryptedUpperBound: `"up"`,
		EncryptedLowerBound: `"down"`,
		ServerKey:           `"sk"`,
		EncryptedClientKey:  `"ck"`,
		Status:              strategy.StatusPending,
		CreatedAt:           created,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := openStore(t)

	ctx := context.Background()
	if err := store.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "key", "value2"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "value2" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestCreateAndGet(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	created := time.UnixMilli(1700000000123).UTC()
	if err := store.Create(ctx, newStrategy("a", created)); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.GetByID(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != strategy.StatusPending || got.Type != strategy.TypeBracketLong {
		t.Fatalf("unexpected strategy %+v", got)
	}
	if !got.Amount.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("expected amount 2.5, got %s", got.Amount)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("expected created %v, got %v", created, got.CreatedAt)
	}
	if _, err := store.GetByID(ctx, "missing"); !errors.Is(err, strategy.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetPendingOrderedByCreation(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	_ = store.Create(ctx, newStrategy("late", base.Add(time.Minute)))
	_ = store.Create(ctx, newStrategy("early", base))
	done := newStrategy("done", base)
	done.Status = strategy.StatusExecuted
	_ = store.Create(ctx, done)

	pending, err := store.GetPending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "early" || pending[1].ID != "late" {
		t.Fatalf("unexpected pending %+v", pending)
	}
}

func TestCompareAndSetStatus(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	_ = store.Create(ctx, newStrategy("a", time.Now()))

	ok, err := store.CompareAndSetStatus(ctx, "a", strategy.StatusPending, strategy.StatusSubmitted)
	if err != nil || !ok {
		t.Fatalf("expected claim to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = store.CompareAndSetStatus(ctx, "a", strategy.StatusPending, strategy.StatusSubmitted)
	if err != nil || ok {
		t.Fatalf("expected stale claim to fail, ok=%v err=%v", ok, err)
	}
	if _, err := store.CompareAndSetStatus(ctx, "a", strategy.StatusExecuted, strategy.StatusPending); !errors.Is(err, strategy.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	ok, err = store.CompareAndSetStatus(ctx, "a", strategy.StatusSubmitted, strategy.StatusExecuted)
	if err != nil || !ok {
		t.Fatalf("expected execute to succeed, ok=%v err=%v", ok, err)
	}
	got, _ := store.GetByID(ctx, "a")
	if got.Status != strategy.StatusExecuted {
		t.Fatalf("expected EXECUTED, got %s", got.Status)
	}
}

func TestRacingClaimsHaveOneWinner(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	_ = store.Create(ctx, newStrategy("a", time.Now()))

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.CompareAndSetStatus(ctx, "a", strategy.StatusPending, strategy.StatusSubmitted)
			if err != nil {
				t.Errorf("cas: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestMarkSubmittedRequiresSubmitted(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	_ = store.Create(ctx, newStrategy("a", time.Now()))
	if err := store.MarkSubmitted(ctx, "a", "0xabc"); !errors.Is(err, strategy.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	_, _ = store.CompareAndSetStatus(ctx, "a", strategy.StatusPending, strategy.StatusSubmitted)
	if err := store.MarkSubmitted(ctx, "a", "0xabc"); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	got, _ := store.GetByID(ctx, "a")
	if got.TxHash != "0xabc" {
		t.Fatalf("expected tx hash, got %q", got.TxHash)
	}
}

func TestRecordFailureCapsAttempts(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	_ = store.Create(ctx, newStrategy("a", time.Now()))

	for attempt := 1; attempt <= 2; attempt++ {
		_, _ = store.CompareAndSetStatus(ctx, "a", strategy.StatusPending, strategy.StatusSubmitted)
		status, err := store.RecordFailure(ctx, "a", "reverted", 2)
		if err != nil {
			t.Fatalf("record failure: %v", err)
		}
		want := strategy.StatusPending
		if attempt == 2 {
			want = strategy.StatusFailed
		}
		if status != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, status)
		}
	}
	got, _ := store.GetByID(ctx, "a")
	if got.Attempts != 2 || got.LastError != "reverted" || got.Status != strategy.StatusFailed {
		t.Fatalf("unexpected strategy %+v", got)
	}
	if _, err := store.RecordFailure(ctx, "a", "again", 2); !errors.Is(err, strategy.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict for terminal strategy, got %v", err)
	}
}

func TestRecordFailureUnbounded(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	_ = store.Create(ctx, newStrategy("a", time.Now()))
	for i := 0; i < 5; i++ {
		_, _ = store.CompareAndSetStatus(ctx, "a", strategy.StatusPending, strategy.StatusSubmitted)
		status, err := store.RecordFailure(ctx, "a", "rpc down", 0)
		if err != nil || status != strategy.StatusPending {
			t.Fatalf("expected PENDING, got %s err=%v", status, err)
		}
	}
}

func TestFileBackedStoreCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "strategies.db")
	store, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
