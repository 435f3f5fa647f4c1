package dispatch

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"syphon-executor/internal/chain"
	"syphon-executor/internal/state/sqlite"
	"syphon-executor/internal/state/sqlstore"
	"syphon-executor/internal/strategy"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

const testKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2"

const vaultABI = `[
  {"type":"function","name":"swap","stateMutability":"nonpayable",
   "inputs":[{"name":"srcToken","type":"address"},{"name":"dstToken","type":"address"},{"name":"recipient","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"minAmountOut","type":"uint256"},{"name":"fee","type":"uint24"},{"name":"nullifier","type":"bytes32"},{"name":"newCommitment","type":"bytes32"},{"name":"proof","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"nullifierHashes","stateMutability":"view",
   "inputs":[{"name":"","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const testProof = `{"proof":["1","2"],"publicSignals":["0x4444444444444444444444444444444444444444","1000","77","88"]}`

type fakeChain struct {
	mu sync.Mutex

	chainID       *big.Int
	nonce         uint64
	baseFee       *big.Int
	tip           *big.Int
	gas           uint64
	estimateCalls int
	estimateErr   error
	sendErr       error
	lookupErr     error
	sent          []*types.Transaction

	// autoReceipt mines every sent transaction with receiptStatus after
	// receiptDelay lookups.
	autoReceipt   bool
	receiptStatus uint64
	receiptDelay  int
	lookups       map[common.Hash]int

	receipts map[common.Hash]*types.Receipt
	pending  map[common.Hash]*types.Transaction

	callResult bool
	calls      int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		chainID:       big.NewInt(11155111),
		nonce:         5,
		baseFee:       big.NewInt(10_000_000_000),
		tip:           big.NewInt(1_000_000_000),
		gas:           100_000,
		autoReceipt:   true,
		receiptStatus: types.ReceiptStatusSuccessful,
		lookups:       make(map[common.Hash]int),
		receipts:      make(map[common.Hash]*types.Receipt),
		pending:       make(map[common.Hash]*types.Transaction),
	}
}

func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return f.tip, nil
}

func (f *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimateCalls++
	return f.gas, f.estimateErr
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if f.sendErr != nil {
		return f.sendErr
	}
	f.nonce++
	f.pending[tx.Hash()] = tx
	if f.autoReceipt {
		f.receipts[tx.Hash()] = &types.Receipt{Status: f.receiptStatus, TxHash: tx.Hash(), BlockNumber: big.NewInt(101)}
	}
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups[hash]++
	receipt, ok := f.receipts[hash]
	if !ok || f.lookups[hash] <= f.receiptDelay {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeChain) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, false, f.lookupErr
	}
	if tx, ok := f.pending[hash]; ok {
		return tx, true, nil
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeChain) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	parsed, err := chain.ParseABI([]byte(vaultABI))
	if err != nil {
		return nil, err
	}
	return parsed.Methods["nullifierHashes"].Outputs.Pack(f.callResult)
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testContract(t *testing.T) *chain.Contract {
	t.Helper()
	parsed, err := chain.ParseABI([]byte(vaultABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return &chain.Contract{
		Address:         common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ABI:             parsed,
		SwapMethod:      "swap",
		NullifierMethod: "nullifierHashes",
		FeeTier:         3000,
	}
}

func testSigner(t *testing.T) *chain.Signer {
	t.Helper()
	signer, err := chain.NewSigner(testKey)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

func testTokens(t *testing.T) *chain.Tokens {
	t.Helper()
	tokens, err := chain.NewTokens(map[string]string{"USDC": "0x4444444444444444444444444444444444444444"})
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	return tokens
}

func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testStrategy(id string) strategy.Strategy {
	return strategy.Strategy{
		ID:                  id,
		UserID:              "user-1",
		Type:                strategy.TypeBracketLong,
		AssetIn:             "USDC",
		AssetOut:            "ETH",
		Amount:              decimal.NewFromInt(1),
		Recipient:           "0x2222222222222222222222222222222222222222",
		ZKPData:             testProof,
		EncryptedUpperBound: `"u"`,
		EncryptedLowerBound: `"l"`,
		ServerKey:           `"s"`,
		EncryptedClientKey:  `"c"`,
		Status:              strategy.StatusPending,
		CreatedAt:           time.Now(),
	}
}
