package dispatch

import (
	"context"
	"errors"
	"fmt"

	"syphon-executor/internal/chain"
	"syphon-executor/internal/metrics"
	"syphon-executor/internal/state"
	"syphon-executor/internal/strategy"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// InFlightChecker reports strategies claimed by this process whose outcome
// has not been committed yet.
type InFlightChecker interface {
	InFlight(strategyID string) bool
}

// Reconciler resolves strategies left SUBMITTED by a crash or a receipt
// timeout by asking the chain what happened to their transaction.
type Reconciler struct {
	store       strategy.Store
	client      chain.Client
	contract    *chain.Contract
	journal     state.Store
	inFlight    InFlightChecker
	maxAttempts int
	log         *zap.Logger
	metrics     *metrics.Metrics
}

func NewReconciler(store strategy.Store, client chain.Client, contract *chain.Contract, journal state.Store, inFlight InFlightChecker, maxAttempts int, log *zap.Logger, m *metrics.Metrics) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Reconciler{
		store:       store,
		client:      client,
		contract:    contract,
		journal:     journal,
		inFlight:    inFlight,
		maxAttempts: maxAttempts,
		log:         log,
		metrics:     m,
	}
}

// Run reconciles every SUBMITTED strategy once.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.client == nil {
		return ErrNotConfigured
	}
	submitted, err := r.store.ListByStatus(ctx, strategy.StatusSubmitted)
	if err != nil {
		return fmt.Errorf("list submitted: %w", err)
	}
	for _, s := range submitted {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.inFlight != nil && r.inFlight.InFlight(s.ID) {
			continue
		}
		if err := r.reconcile(ctx, s); err != nil {
			r.log.Warn("reconcile failed", zap.String("strategy_id", s.ID), zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context, s strategy.Strategy) error {
	log := r.log.With(zap.String("strategy_id", s.ID))
	var key string
	var inputs *strategy.PublicInputs
	if bundle, err := strategy.ParseProofBundle(s.ZKPData); err == nil {
		if in, err := bundle.Inputs(); err == nil {
			inputs = &in
			key = in.NullifierKey()
		}
	}

	txHash := s.TxHash
	if txHash == "" && key != "" {
		rec, ok, err := state.LoadDispatchRecord(ctx, r.journal, key)
		if err != nil {
			return err
		}
		if ok && rec.StrategyID == s.ID {
			txHash = rec.TxHash
		}
	}

	if txHash != "" {
		hash := common.HexToHash(txHash)
		receipt, err := r.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			return r.applyReceipt(ctx, s, key, receipt, log)
		case !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("receipt %s: %w", txHash, err)
		}
		_, _, err = r.client.TransactionByHash(ctx, hash)
		if err == nil {
			log.Info("settlement transaction still pending", zap.String("tx_hash", txHash))
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return fmt.Errorf("lookup %s: %w", txHash, err)
		}
	}

	if inputs != nil && r.contract != nil && r.contract.HasNullifierCheck() {
		spent, err := r.nullifierSpent(ctx, inputs)
		if err != nil {
			return err
		}
		if spent {
			return r.resolve(ctx, s, strategy.StatusExecuted, key, log)
		}
	}
	return r.resolve(ctx, s, strategy.StatusPending, key, log)
}

func (r *Reconciler) applyReceipt(ctx context.Context, s strategy.Strategy, key string, receipt *types.Receipt, log *zap.Logger) error {
	if receipt.Status == types.ReceiptStatusSuccessful {
		return r.resolve(ctx, s, strategy.StatusExecuted, key, log)
	}
	r.dropRecord(ctx, key)
	status, err := r.store.RecordFailure(ctx, s.ID, ErrReverted.Error(), r.maxAttempts)
	if err != nil {
		return err
	}
	r.metrics.ReconcileResolved.Inc()
	if status == strategy.StatusFailed {
		r.metrics.StrategiesFailed.Inc()
	}
	log.Info("reconciled reverted dispatch", zap.String("status", string(status)))
	return nil
}

func (r *Reconciler) resolve(ctx context.Context, s strategy.Strategy, to strategy.Status, key string, log *zap.Logger) error {
	ok, err := r.store.CompareAndSetStatus(ctx, s.ID, strategy.StatusSubmitted, to)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	r.dropRecord(ctx, key)
	r.metrics.ReconcileResolved.Inc()
	log.Info("reconciled submitted strategy", zap.String("status", string(to)))
	return nil
}

func (r *Reconciler) nullifierSpent(ctx context.Context, in *strategy.PublicInputs) (bool, error) {
	data, err := r.contract.PackNullifierSpent(in.Nullifier)
	if err != nil {
		return false, err
	}
	to := r.contract.Address
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("call %s: %w", r.contract.NullifierMethod, err)
	}
	return r.contract.UnpackBool(r.contract.NullifierMethod, out)
}

func (r *Reconciler) dropRecord(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := state.DeleteDispatchRecord(ctx, r.journal, key); err != nil {
		r.log.Warn("failed to drop dispatch journal entry", zap.String("nullifier", key), zap.Error(err))
	}
}
