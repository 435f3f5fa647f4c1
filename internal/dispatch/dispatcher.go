package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"syphon-executor/internal/chain"
	"syphon-executor/internal/state"
	"syphon-executor/internal/strategy"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNotConfigured  = errors.New("dispatcher not configured")
	ErrReverted       = errors.New("settlement transaction reverted")
	ErrReceiptTimeout = errors.New("timed out waiting for receipt")
	ErrNullifierTaken = errors.New("nullifier already dispatched by another strategy")

	// ErrBroadcastUnknown means the send failed but the node could not say
	// whether it holds the transaction. The journal entry is kept.
	ErrBroadcastUnknown = errors.New("broadcast outcome unknown")
)

// Outcome is the result of one dispatch. A zero Err means the settlement
// receipt reported success.
type Outcome struct {
	TxHash string
	Err    error
}

func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Unresolved reports a dispatch whose transaction may still mine. The
// strategy must stay SUBMITTED until the reconciler settles it.
func (o Outcome) Unresolved() bool {
	return errors.Is(o.Err, ErrReceiptTimeout) || errors.Is(o.Err, ErrBroadcastUnknown)
}

// SignedHook runs after a transaction is signed and journaled and before it
// is broadcast. An error aborts the dispatch without broadcasting.
type SignedHook func(ctx context.Context, strategyID, txHash string) error

type Options struct {
	Client              chain.Client
	Contract            *chain.Contract
	Signer              *chain.Signer
	Tokens              *chain.Tokens
	Journal             state.Store
	GasMultiplier       float64
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
	OnSigned            SignedHook
	Log                 *zap.Logger
}

// Dispatcher builds, signs, journals and broadcasts settlement swaps.
type Dispatcher struct {
	client         chain.Client
	contract       *chain.Contract
	signer         *chain.Signer
	tokens         *chain.Tokens
	journal        state.Store
	gasMultiplier  float64
	receiptTimeout time.Duration
	pollInterval   time.Duration
	onSigned       SignedHook
	log            *zap.Logger
	now            func() time.Time

	// sendMu serialises nonce allocation through broadcast.
	sendMu  sync.Mutex
	chainID *big.Int
}

func New(opts Options) *Dispatcher {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	mult := opts.GasMultiplier
	if mult < 1 {
		mult = 1
	}
	poll := opts.ReceiptPollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Dispatcher{
		client:         opts.Client,
		contract:       opts.Contract,
		signer:         opts.Signer,
		tokens:         opts.Tokens,
		journal:        opts.Journal,
		gasMultiplier:  mult,
		receiptTimeout: opts.ReceiptTimeout,
		pollInterval:   poll,
		onSigned:       opts.OnSigned,
		log:            log,
		now:            time.Now,
	}
}

// Execute settles a triggered strategy. It never panics and never returns
// an error out of band; every failure is reported in the Outcome.
func (d *Dispatcher) Execute(ctx context.Context, s strategy.Strategy, price decimal.Decimal) Outcome {
	log := d.log.With(zap.String("strategy_id", s.ID), zap.String("price", price.String()))
	out := d.execute(ctx, s, log)
	if out.Err != nil {
		log.Warn("dispatch failed", zap.String("tx_hash", out.TxHash), zap.Error(out.Err))
	} else {
		log.Info("dispatch confirmed", zap.String("tx_hash", out.TxHash))
	}
	return out
}

func (d *Dispatcher) execute(ctx context.Context, s strategy.Strategy, log *zap.Logger) Outcome {
	if d.client == nil || d.contract == nil || d.signer == nil || d.tokens == nil || d.journal == nil {
		return Outcome{Err: ErrNotConfigured}
	}
	bundle, err := strategy.ParseProofBundle(s.ZKPData)
	if err != nil {
		return Outcome{Err: err}
	}
	inputs, err := bundle.Inputs()
	if err != nil {
		return Outcome{Err: err}
	}
	key := inputs.NullifierKey()

	rec, ok, err := state.LoadDispatchRecord(ctx, d.journal, key)
	if err != nil {
		return Outcome{Err: fmt.Errorf("load dispatch journal: %w", err)}
	}
	if ok {
		if rec.StrategyID != s.ID {
			return Outcome{Err: fmt.Errorf("%w: %s", ErrNullifierTaken, rec.StrategyID)}
		}
		log.Info("resuming journaled dispatch", zap.String("tx_hash", rec.TxHash), zap.Uint64("nonce", rec.Nonce))
		return d.resume(ctx, s, key, rec)
	}

	args, err := d.swapArgs(s, bundle, inputs)
	if err != nil {
		return Outcome{Err: err}
	}
	data, err := d.contract.PackSwap(args)
	if err != nil {
		return Outcome{Err: fmt.Errorf("pack swap: %w", err)}
	}

	d.sendMu.Lock()
	tx, err := d.buildAndSign(ctx, data)
	if err != nil {
		d.sendMu.Unlock()
		return Outcome{Err: err}
	}
	hash := tx.Hash().Hex()
	if err := d.journalSigned(ctx, s.ID, key, tx); err != nil {
		d.sendMu.Unlock()
		return Outcome{TxHash: hash, Err: err}
	}
	err = d.broadcast(ctx, key, tx)
	d.sendMu.Unlock()
	if err != nil {
		return Outcome{TxHash: hash, Err: err}
	}
	log.Info("settlement transaction sent", zap.String("tx_hash", hash), zap.Uint64("nonce", tx.Nonce()))
	return d.settle(ctx, key, tx.Hash())
}

func (d *Dispatcher) swapArgs(s strategy.Strategy, bundle *strategy.ProofBundle, in strategy.PublicInputs) (chain.SwapArgs, error) {
	if in.Amount.Sign() <= 0 {
		return chain.SwapArgs{}, fmt.Errorf("%w: proof carries no amount", strategy.ErrMalformedProof)
	}
	src, err := d.tokens.Resolve(s.AssetIn)
	if err != nil {
		return chain.SwapArgs{}, fmt.Errorf("asset_in: %w", err)
	}
	dst, err := d.tokens.Resolve(s.AssetOut)
	if err != nil {
		return chain.SwapArgs{}, fmt.Errorf("asset_out: %w", err)
	}
	if !common.IsHexAddress(s.Recipient) {
		return chain.SwapArgs{}, fmt.Errorf("invalid recipient %q", s.Recipient)
	}
	return chain.SwapArgs{
		SrcToken:      src,
		DstToken:      dst,
		Recipient:     common.HexToAddress(s.Recipient),
		AmountIn:      in.Amount,
		MinAmountOut:  new(big.Int),
		Fee:           d.contract.FeeTier,
		Nullifier:     in.Nullifier,
		NewCommitment: in.NewCommitment,
		Proof:         []*big.Int(bundle.Proof),
	}, nil
}

func (d *Dispatcher) buildAndSign(ctx context.Context, data []byte) (*types.Transaction, error) {
	chainID, err := d.loadChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	from := d.signer.Address()
	to := d.contract.Address
	nonce, err := d.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := d.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := d.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	if head.BaseFee == nil {
		return nil, errors.New("chain does not report a base fee")
	}
	gas, err := d.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas = uint64(float64(gas) * d.gasMultiplier)
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	})
	signed, err := d.signer.SignTx(tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return signed, nil
}

func (d *Dispatcher) loadChainID(ctx context.Context) (*big.Int, error) {
	if d.chainID != nil {
		return d.chainID, nil
	}
	id, err := d.client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	d.chainID = id
	return id, nil
}

// journalSigned persists the signed bytes and hands the hash to the hook.
// If the hook refuses, the record is dropped since nothing was broadcast.
func (d *Dispatcher) journalSigned(ctx context.Context, strategyID, key string, tx *types.Transaction) error {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode tx: %w", err)
	}
	rec := state.DispatchRecord{
		StrategyID:    strategyID,
		TxHash:        tx.Hash().Hex(),
		RawTx:         raw,
		Nonce:         tx.Nonce(),
		SubmittedAtMS: d.now().UnixMilli(),
	}
	if err := state.SaveDispatchRecord(ctx, d.journal, key, rec); err != nil {
		return fmt.Errorf("save dispatch journal: %w", err)
	}
	if d.onSigned != nil {
		if err := d.onSigned(ctx, strategyID, rec.TxHash); err != nil {
			d.dropRecord(ctx, key)
			return fmt.Errorf("record tx hash: %w", err)
		}
	}
	return nil
}

// broadcast sends tx. When the send fails and the node does not know the
// transaction, the journal entry is dropped so the next attempt rebuilds.
// When the node cannot be asked, the entry stays and ErrBroadcastUnknown is
// returned.
func (d *Dispatcher) broadcast(ctx context.Context, key string, tx *types.Transaction) error {
	err := d.client.SendTransaction(ctx, tx)
	if err == nil || isAlreadyKnown(err) {
		return nil
	}
	_, _, lookupErr := d.client.TransactionByHash(ctx, tx.Hash())
	switch {
	case lookupErr == nil:
		return nil
	case errors.Is(lookupErr, ethereum.NotFound):
		d.dropRecord(ctx, key)
		return fmt.Errorf("broadcast: %w", err)
	default:
		return fmt.Errorf("%w: send: %w, lookup: %v", ErrBroadcastUnknown, err, lookupErr)
	}
}

// resume continues a journaled dispatch by resending the recorded bytes.
func (d *Dispatcher) resume(ctx context.Context, s strategy.Strategy, key string, rec state.DispatchRecord) Outcome {
	hash := common.HexToHash(rec.TxHash)
	if receipt, err := d.client.TransactionReceipt(ctx, hash); err == nil {
		return d.outcome(ctx, key, receipt)
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(rec.RawTx); err != nil {
		d.dropRecord(ctx, key)
		return Outcome{TxHash: rec.TxHash, Err: fmt.Errorf("decode journaled tx: %w", err)}
	}
	if d.onSigned != nil && s.TxHash != rec.TxHash {
		if err := d.onSigned(ctx, s.ID, rec.TxHash); err != nil {
			return Outcome{TxHash: rec.TxHash, Err: fmt.Errorf("record tx hash: %w", err)}
		}
	}
	d.sendMu.Lock()
	err := d.broadcast(ctx, key, &tx)
	d.sendMu.Unlock()
	if err != nil {
		return Outcome{TxHash: rec.TxHash, Err: err}
	}
	return d.settle(ctx, key, hash)
}

func (d *Dispatcher) settle(ctx context.Context, key string, hash common.Hash) Outcome {
	receipt, err := d.awaitReceipt(ctx, hash)
	if err != nil {
		return Outcome{TxHash: hash.Hex(), Err: err}
	}
	return d.outcome(ctx, key, receipt)
}

func (d *Dispatcher) outcome(ctx context.Context, key string, receipt *types.Receipt) Outcome {
	hash := receipt.TxHash.Hex()
	d.dropRecord(ctx, key)
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Outcome{TxHash: hash, Err: fmt.Errorf("%w in block %v", ErrReverted, receipt.BlockNumber)}
	}
	return Outcome{TxHash: hash}
}

func (d *Dispatcher) awaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if d.receiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.receiptTimeout)
		defer cancel()
	}
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := d.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			d.log.Debug("receipt lookup failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) dropRecord(ctx context.Context, key string) {
	if err := state.DeleteDispatchRecord(context.WithoutCancel(ctx), d.journal, key); err != nil {
		d.log.Warn("failed to drop dispatch journal entry", zap.String("nullifier", key), zap.Error(err))
	}
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
