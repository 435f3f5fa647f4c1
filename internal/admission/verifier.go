package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"syphon-executor/internal/chain"
	"syphon-executor/internal/metrics"
	"syphon-executor/internal/strategy"

	"github.com/ethereum/go-ethereum"
	"go.uber.org/zap"
)

var ErrNotConfigured = errors.New("admission verifier not configured")

// Verifier gates intake on a read-only proof check against the settlement
// contract. It fails closed: anything short of an explicit true rejects.
type Verifier struct {
	caller   chain.Caller
	contract *chain.Contract
	layout   string
	timeout  time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// New builds a verifier. caller or contract may be nil, in which case every
// submission is rejected.
func New(caller chain.Caller, contract *chain.Contract, layout string, timeout time.Duration, log *zap.Logger, m *metrics.Metrics) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Verifier{caller: caller, contract: contract, layout: layout, timeout: timeout, log: log, metrics: m}
}

func (v *Verifier) Verify(ctx context.Context, sub strategy.Submission) bool {
	ok, err := v.VerifyProof(ctx, sub.ProofJSON())
	if err != nil {
		v.log.Warn("admission check failed", zap.String("user_id", sub.UserID), zap.Error(err))
	}
	if ok {
		v.metrics.AdmissionsAccepted.Inc()
	} else {
		v.metrics.AdmissionsRejected.Inc()
		v.log.Info("admission rejected", zap.String("user_id", sub.UserID))
	}
	return ok
}

// VerifyProof runs the contract's proof check for a raw proof bundle.
func (v *Verifier) VerifyProof(ctx context.Context, zkpData string) (bool, error) {
	if v.caller == nil || v.contract == nil {
		return false, ErrNotConfigured
	}
	bundle, err := strategy.ParseProofBundle(zkpData)
	if err != nil {
		return false, err
	}
	data, err := v.contract.PackVerify(v.layout, bundle)
	if err != nil {
		return false, fmt.Errorf("pack %s: %w", v.contract.VerifyMethod, err)
	}
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	to := v.contract.Address
	out, err := v.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("call %s: %w", v.contract.VerifyMethod, err)
	}
	valid, err := v.contract.UnpackBool(v.contract.VerifyMethod, out)
	if err != nil {
		return false, fmt.Errorf("unpack %s: %w", v.contract.VerifyMethod, err)
	}
	return valid, nil
}
