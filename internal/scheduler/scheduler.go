package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"syphon-executor/internal/dispatch"
	"syphon-executor/internal/journal"
	"syphon-executor/internal/metrics"
	"syphon-executor/internal/oracle"
	"syphon-executor/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Evaluator interface {
	Evaluate(ctx context.Context, s strategy.Strategy, price decimal.Decimal) bool
}

type Dispatcher interface {
	Execute(ctx context.Context, s strategy.Strategy, price decimal.Decimal) dispatch.Outcome
}

type Notifier interface {
	Executed(ctx context.Context, s strategy.Strategy, txHash string)
	Failed(ctx context.Context, s strategy.Strategy, reason string)
}

// Recorder receives price snapshots and execution outcomes for offline
// analysis. *journal.Writer satisfies it.
type Recorder interface {
	RecordPrices(at time.Time, prices map[string]decimal.Decimal)
	RecordExecution(ev journal.ExecutionEvent)
}

type Options struct {
	Store         strategy.Store
	Oracle        oracle.Source
	Evaluator     Evaluator
	Dispatcher    Dispatcher
	ReferenceFeed string
	Interval      time.Duration
	Concurrency   int
	MaxAttempts   int
	Notifier      Notifier
	Recorder      Recorder
	Metrics       *metrics.Metrics
	Log           *zap.Logger
}

// Scheduler polls pending strategies, prices them against the reference feed
// and dispatches the ones whose encrypted condition holds.
type Scheduler struct {
	store       strategy.Store
	oracle      oracle.Source
	evaluator   Evaluator
	dispatcher  Dispatcher
	feed        string
	interval    time.Duration
	concurrency int
	maxAttempts int
	notifier    Notifier
	recorder    Recorder
	metrics     *metrics.Metrics
	log         *zap.Logger
	now         func() time.Time

	flightMu sync.Mutex
	inFlight map[string]struct{}
}

func New(opts Options) *Scheduler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{
		store:       opts.Store,
		oracle:      opts.Oracle,
		evaluator:   opts.Evaluator,
		dispatcher:  opts.Dispatcher,
		feed:        oracle.CanonicalFeedID(opts.ReferenceFeed),
		interval:    interval,
		concurrency: concurrency,
		maxAttempts: opts.MaxAttempts,
		notifier:    opts.Notifier,
		recorder:    opts.Recorder,
		metrics:     m,
		log:         log,
		now:         time.Now,
		inFlight:    make(map[string]struct{}),
	}
}

// InFlight reports whether the strategy was claimed by this scheduler and
// its outcome is not committed yet.
func (s *Scheduler) InFlight(strategyID string) bool {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	_, ok := s.inFlight[strategyID]
	return ok
}

func (s *Scheduler) track(strategyID string) func() {
	s.flightMu.Lock()
	s.inFlight[strategyID] = struct{}{}
	s.flightMu.Unlock()
	return func() {
		s.flightMu.Lock()
		delete(s.inFlight, strategyID)
		s.flightMu.Unlock()
	}
}

// Run executes a cycle immediately and then once per interval until ctx is
// cancelled. A cycle in progress always completes.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.RunCycle(ctx); err != nil {
			s.log.Warn("scheduler cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle performs one poll of the pending set.
func (s *Scheduler) RunCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler cycle panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	s.metrics.Cycles.Inc()
	// Work started in this cycle outlives shutdown so a signed transaction
	// is never abandoned halfway.
	work := context.WithoutCancel(ctx)

	pending, err := s.store.GetPending(work)
	if err != nil {
		return fmt.Errorf("load pending: %w", err)
	}
	if len(pending) == 0 {
		s.log.Debug("no pending strategies")
		return nil
	}
	if s.feed == "" {
		s.metrics.CyclesSkipped.Inc()
		return errors.New("no reference price feed configured")
	}
	prices := s.oracle.FetchPrices(work, []string{s.feed})
	price, ok := prices[s.feed]
	if !ok {
		s.metrics.OracleFailures.Inc()
		s.metrics.CyclesSkipped.Inc()
		s.log.Warn("reference price unavailable, skipping cycle",
			zap.String("feed_id", s.feed), zap.Int("pending", len(pending)))
		return nil
	}
	if s.recorder != nil {
		s.recorder.RecordPrices(s.now().UTC(), prices)
	}
	s.log.Info("evaluating pending strategies",
		zap.Int("pending", len(pending)), zap.String("price", price.String()))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, st := range pending {
		g.Go(func() error {
			s.process(work, st, price)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) process(ctx context.Context, st strategy.Strategy, price decimal.Decimal) {
	log := s.log.With(zap.String("strategy_id", st.ID), zap.String("strategy_type", string(st.Type)))
	defer func() {
		if r := recover(); r != nil {
			log.Error("strategy processing panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()

	s.metrics.Evaluations.Inc()
	if !s.evaluator.Evaluate(ctx, st, price) {
		return
	}
	s.metrics.Triggers.Inc()
	log.Info("strategy triggered", zap.String("price", price.String()))

	// Marked before the claim so the reconciler never sees this SUBMITTED
	// row unmarked while the outcome is pending.
	defer s.track(st.ID)()

	current, err := s.store.GetByID(ctx, st.ID)
	if err != nil {
		log.Warn("reload triggered strategy failed", zap.Error(err))
		return
	}
	if current.Status != strategy.StatusPending {
		log.Info("strategy no longer pending", zap.String("status", string(current.Status)))
		return
	}
	claimed, err := s.store.CompareAndSetStatus(ctx, st.ID, strategy.StatusPending, strategy.StatusSubmitted)
	if err != nil {
		log.Warn("claim strategy failed", zap.Error(err))
		return
	}
	if !claimed {
		log.Info("strategy claimed elsewhere")
		return
	}
	current.Status = strategy.StatusSubmitted
	current.TxHash = ""

	out := s.dispatcher.Execute(ctx, current, price)
	switch {
	case out.Succeeded():
		s.settled(ctx, current, price, out, log)
	case out.Unresolved():
		s.metrics.DispatchFailed.Inc()
		log.Warn("settlement unconfirmed, leaving for reconciliation", zap.String("tx_hash", out.TxHash), zap.Error(out.Err))
		s.record(current, strategy.StatusSubmitted, price, out)
	default:
		s.failed(ctx, current, price, out, log)
	}
}

func (s *Scheduler) settled(ctx context.Context, st strategy.Strategy, price decimal.Decimal, out dispatch.Outcome, log *zap.Logger) {
	s.metrics.DispatchSucceeded.Inc()
	ok, err := s.store.CompareAndSetStatus(ctx, st.ID, strategy.StatusSubmitted, strategy.StatusExecuted)
	if err != nil {
		log.Error("commit executed status failed", zap.String("tx_hash", out.TxHash), zap.Error(err))
		return
	}
	if !ok {
		log.Warn("strategy left SUBMITTED before commit", zap.String("tx_hash", out.TxHash))
		return
	}
	log.Info("strategy executed", zap.String("tx_hash", out.TxHash))
	s.record(st, strategy.StatusExecuted, price, out)
	if s.notifier != nil {
		s.notifier.Executed(ctx, st, out.TxHash)
	}
}

func (s *Scheduler) failed(ctx context.Context, st strategy.Strategy, price decimal.Decimal, out dispatch.Outcome, log *zap.Logger) {
	s.metrics.DispatchFailed.Inc()
	reason := out.Err.Error()
	status, err := s.store.RecordFailure(ctx, st.ID, reason, s.maxAttempts)
	if err != nil {
		log.Error("record dispatch failure failed", zap.Error(err))
		return
	}
	st.Attempts++
	st.LastError = reason
	log.Warn("dispatch failed", zap.String("status", string(status)), zap.Int("attempts", st.Attempts), zap.Error(out.Err))
	s.record(st, status, price, out)
	if status == strategy.StatusFailed {
		s.metrics.StrategiesFailed.Inc()
		if s.notifier != nil {
			s.notifier.Failed(ctx, st, reason)
		}
	}
}

func (s *Scheduler) record(st strategy.Strategy, status strategy.Status, price decimal.Decimal, out dispatch.Outcome) {
	if s.recorder == nil {
		return
	}
	ev := journal.ExecutionEvent{
		Time:       s.now().UTC(),
		StrategyID: st.ID,
		UserID:     st.UserID,
		Type:       string(st.Type),
		Status:     string(status),
		Attempts:   st.Attempts,
		Price:      price,
		TxHash:     out.TxHash,
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	s.recorder.RecordExecution(ev)
}
