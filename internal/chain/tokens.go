package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NativeToken is the sentinel address the settlement contract uses for the
// chain's native asset.
var NativeToken = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// Tokens maps asset symbols to token contract addresses.
type Tokens struct {
	bySymbol map[string]common.Address
}

func NewTokens(symbols map[string]string) (*Tokens, error) {
	t := &Tokens{bySymbol: map[string]common.Address{"ETH": NativeToken}}
	for symbol, addr := range symbols {
		addr = strings.TrimSpace(addr)
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("token %s: invalid address %q", symbol, addr)
		}
		t.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))] = common.HexToAddress(addr)
	}
	return t, nil
}

// Resolve accepts either a configured symbol or a literal hex address.
func (t *Tokens) Resolve(asset string) (common.Address, error) {
	asset = strings.TrimSpace(asset)
	if common.IsHexAddress(asset) {
		return common.HexToAddress(asset), nil
	}
	if addr, ok := t.bySymbol[strings.ToUpper(asset)]; ok {
		return addr, nil
	}
	return common.Address{}, fmt.Errorf("unknown token %q", asset)
}
