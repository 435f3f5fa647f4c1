package chain

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestTokensResolve(t *testing.T) {
	tokens, err := NewTokens(map[string]string{"usdc": "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"})
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	addr, err := tokens.Resolve("USDC")
	if err != nil || addr != common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238") {
		t.Fatalf("unexpected usdc address %s err=%v", addr.Hex(), err)
	}
	if addr, _ := tokens.Resolve("eth"); addr != NativeToken {
		t.Fatalf("expected native token for ETH, got %s", addr.Hex())
	}
	literal := "0x5555555555555555555555555555555555555555"
	if addr, _ := tokens.Resolve(literal); addr != common.HexToAddress(literal) {
		t.Fatalf("expected literal address passthrough")
	}
	if _, err := tokens.Resolve("DOGE"); err == nil {
		t.Fatalf("expected unknown token error")
	}
}

func TestTokensRejectBadAddress(t *testing.T) {
	if _, err := NewTokens(map[string]string{"USDC": "nope"}); err == nil {
		t.Fatalf("expected invalid address error")
	}
}

func TestSignerAddress(t *testing.T) {
	signer, err := NewSigner("0x4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	if signer.Address() != common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1") {
		t.Fatalf("unexpected address %s", signer.Address().Hex())
	}
	if _, err := NewSigner(""); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
