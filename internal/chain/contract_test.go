package chain

import (
	"bytes"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"syphon-executor/internal/config"
	"syphon-executor/internal/strategy"

	"github.com/ethereum/go-ethereum/common"
)

const vaultABI = `[
  {"type":"function","name":"verifyProof","stateMutability":"view",
   "inputs":[{"name":"proof","type":"uint256[8]"},{"name":"publicSignals","type":"uint256[]"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"verifyFields","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"nullifier","type":"bytes32"},{"name":"newCommitment","type":"bytes32"},{"name":"proof","type":"bytes"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"swap","stateMutability":"nonpayable",
   "inputs":[{"name":"srcToken","type":"address"},{"name":"dstToken","type":"address"},{"name":"recipient","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"minAmountOut","type":"uint256"},{"name":"fee","type":"uint24"},{"name":"nullifier","type":"bytes32"},{"name":"newCommitment","type":"bytes32"},{"name":"proof","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"nullifierHashes","stateMutability":"view",
   "inputs":[{"name":"","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

func testContract(t *testing.T) *Contract {
	t.Helper()
	parsed, err := ParseABI([]byte(vaultABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return &Contract{
		Address:         common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ABI:             parsed,
		VerifyMethod:    "verifyProof",
		SwapMethod:      "swap",
		NullifierMethod: "nullifierHashes",
		FeeTier:         3000,
	}
}

func words(n int) []*big.Int {
	out := make([]*big.Int, n)
	for i := range out {
		out[i] = big.NewInt(int64(i + 1))
	}
	return out
}

func TestPackVerifySignalsLayout(t *testing.T) {
	c := testContract(t)
	bundle := &strategy.ProofBundle{Proof: words(8), PublicSignals: []strategy.Uint256{{Int: big.NewInt(10)}, {Int: big.NewInt(20)}}}
	data, err := c.PackVerify(config.LayoutSignals, bundle)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	m := c.ABI.Methods["verifyProof"]
	if !bytes.Equal(data[:4], m.ID) {
		t.Fatalf("unexpected selector %x", data[:4])
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	proof := args[0].([8]*big.Int)
	if proof[7].Int64() != 8 {
		t.Fatalf("unexpected proof %v", proof)
	}
	signals := args[1].([]*big.Int)
	if len(signals) != 2 || signals[1].Int64() != 20 {
		t.Fatalf("unexpected signals %v", signals)
	}
}

func TestPackVerifyRejectsWrongProofLength(t *testing.T) {
	c := testContract(t)
	bundle := &strategy.ProofBundle{Proof: words(3)}
	if _, err := c.PackVerify(config.LayoutSignals, bundle); err == nil {
		t.Fatalf("expected error for short proof")
	}
}

func TestPackVerifyFieldsLayout(t *testing.T) {
	c := testContract(t)
	c.VerifyMethod = "verifyFields"
	asset := new(big.Int).SetBytes(common.HexToAddress("0x3333333333333333333333333333333333333333").Bytes())
	bundle := &strategy.ProofBundle{
		Proof:         words(2),
		PublicSignals: []strategy.Uint256{{Int: asset}, {Int: big.NewInt(500)}, {Int: big.NewInt(7)}, {Int: big.NewInt(9)}},
	}
	data, err := c.PackVerify(config.LayoutFields, bundle)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	args, err := c.ABI.Methods["verifyFields"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[0].(common.Address) != common.HexToAddress("0x3333333333333333333333333333333333333333") {
		t.Fatalf("unexpected asset %v", args[0])
	}
	nullifier := args[2].([32]byte)
	if nullifier[31] != 7 {
		t.Fatalf("unexpected nullifier %x", nullifier)
	}
	if len(args[4].([]byte)) != 64 {
		t.Fatalf("expected 64 proof bytes, got %d", len(args[4].([]byte)))
	}
}

func TestPackSwap(t *testing.T) {
	c := testContract(t)
	data, err := c.PackSwap(SwapArgs{
		SrcToken:      common.HexToAddress("0x4444444444444444444444444444444444444444"),
		DstToken:      NativeToken,
		Recipient:     common.HexToAddress("0x2222222222222222222222222222222222222222"),
		AmountIn:      big.NewInt(1_000_000),
		Fee:           3000,
		Nullifier:     big.NewInt(42),
		NewCommitment: big.NewInt(43),
		Proof:         words(8),
	})
	if err != nil {
		t.Fatalf("pack swap: %v", err)
	}
	args, err := c.ABI.Methods["swap"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[1].(common.Address) != NativeToken {
		t.Fatalf("unexpected dst token %v", args[1])
	}
	if args[4].(*big.Int).Sign() != 0 {
		t.Fatalf("expected zero min amount out, got %v", args[4])
	}
	if args[5].(*big.Int).Int64() != 3000 {
		t.Fatalf("expected fee 3000, got %v", args[5])
	}
	if len(args[8].([]byte)) != 8*32 {
		t.Fatalf("expected 256 proof bytes, got %d", len(args[8].([]byte)))
	}
}

func TestUnpackBool(t *testing.T) {
	c := testContract(t)
	out, err := c.ABI.Methods["verifyProof"].Outputs.Pack(true)
	if err != nil {
		t.Fatalf("pack output: %v", err)
	}
	ok, err := c.UnpackBool("verifyProof", out)
	if err != nil || !ok {
		t.Fatalf("expected true, got %v err=%v", ok, err)
	}
	if _, err := c.UnpackBool("verifyProof", []byte{0x01}); err == nil {
		t.Fatalf("expected error for short return data")
	}
}

func TestMissingMethod(t *testing.T) {
	c := testContract(t)
	c.SwapMethod = "execute"
	if _, err := c.PackSwap(SwapArgs{AmountIn: big.NewInt(1), Nullifier: big.NewInt(1), NewCommitment: big.NewInt(1)}); !errors.Is(err, ErrMissingMethod) {
		t.Fatalf("expected ErrMissingMethod, got %v", err)
	}
}

func TestLoadABIFromArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "SyphonVault.json")
	if err := os.WriteFile(path, []byte(`{"contractName":"SyphonVault","abi":`+vaultABI+`}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	parsed, err := LoadABI(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := parsed.Methods["swap"]; !ok {
		t.Fatalf("expected swap method")
	}
	if _, err := LoadABI(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestNullifierCheck(t *testing.T) {
	c := testContract(t)
	if !c.HasNullifierCheck() {
		t.Fatalf("expected nullifier check")
	}
	c.NullifierMethod = ""
	if c.HasNullifierCheck() {
		t.Fatalf("expected no nullifier check")
	}
}
