package chain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"reflect"
	"strings"

	"syphon-executor/internal/config"
	"syphon-executor/internal/strategy"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrMissingMethod = errors.New("contract method not found in abi")

// Contract describes the settlement contract: its address, its ABI and the
// names of the methods the executor calls.
type Contract struct {
	Address         common.Address
	ABI             abi.ABI
	VerifyMethod    string
	SwapMethod      string
	NullifierMethod string
	FeeTier         uint32
}

func NewContract(cfg config.ContractConfig) (*Contract, error) {
	if !common.IsHexAddress(cfg.Address) {
		return nil, fmt.Errorf("contract address %q is not a hex address", cfg.Address)
	}
	parsed, err := LoadABI(cfg.ABIPath)
	if err != nil {
		return nil, err
	}
	return &Contract{
		Address:         common.HexToAddress(cfg.Address),
		ABI:             parsed,
		VerifyMethod:    cfg.VerifyMethod,
		SwapMethod:      cfg.SwapMethod,
		NullifierMethod: cfg.NullifierMethod,
		FeeTier:         cfg.FeeTier,
	}, nil
}

// LoadABI reads either a bare ABI array or a build artifact with an "abi"
// field.
func LoadABI(path string) (abi.ABI, error) {
	if strings.TrimSpace(path) == "" {
		return abi.ABI{}, errors.New("contract abi path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, err
	}
	return ParseABI(data)
}

func ParseABI(data []byte) (abi.ABI, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var artifact struct {
			ABI json.RawMessage `json:"abi"`
		}
		if err := json.Unmarshal(data, &artifact); err != nil {
			return abi.ABI{}, fmt.Errorf("parse abi artifact: %w", err)
		}
		if len(artifact.ABI) == 0 {
			return abi.ABI{}, errors.New("abi artifact has no abi field")
		}
		data = artifact.ABI
	}
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	return parsed, nil
}

func (c *Contract) method(name string) (abi.Method, error) {
	m, ok := c.ABI.Methods[name]
	if !ok {
		return abi.Method{}, fmt.Errorf("%w: %s", ErrMissingMethod, name)
	}
	return m, nil
}

// Pack encodes a call to name, converting each value to the Go type the ABI
// input expects.
func (c *Contract) Pack(name string, values ...any) ([]byte, error) {
	m, err := c.method(name)
	if err != nil {
		return nil, err
	}
	if len(m.Inputs) != len(values) {
		return nil, fmt.Errorf("%s expects %d inputs, have %d", name, len(m.Inputs), len(values))
	}
	args := make([]any, len(values))
	for i, v := range values {
		arg, err := coerce(m.Inputs[i].Type, v)
		if err != nil {
			return nil, fmt.Errorf("%s input %d (%s): %w", name, i, m.Inputs[i].Name, err)
		}
		args[i] = arg
	}
	return c.ABI.Pack(name, args...)
}

// UnpackBool decodes a single boolean return value.
func (c *Contract) UnpackBool(name string, data []byte) (bool, error) {
	out, err := c.ABI.Unpack(name, data)
	if err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, fmt.Errorf("%s returned %d values, want 1", name, len(out))
	}
	b, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s returned %T, want bool", name, out[0])
	}
	return b, nil
}

// PackVerify encodes the proof check for the given argument layout.
func (c *Contract) PackVerify(layout string, bundle *strategy.ProofBundle) ([]byte, error) {
	switch layout {
	case config.LayoutFields:
		in, err := bundle.Inputs()
		if err != nil {
			return nil, err
		}
		return c.Pack(c.VerifyMethod, in.Asset, in.Amount, in.Nullifier, in.NewCommitment, []*big.Int(bundle.Proof))
	case config.LayoutSignals, "":
		return c.Pack(c.VerifyMethod, []*big.Int(bundle.Proof), bundle.Signals())
	default:
		return nil, fmt.Errorf("unknown verify layout %q", layout)
	}
}

// SwapArgs are the settlement call inputs in contract order.
type SwapArgs struct {
	SrcToken      common.Address
	DstToken      common.Address
	Recipient     common.Address
	AmountIn      *big.Int
	MinAmountOut  *big.Int
	Fee           uint32
	Nullifier     *big.Int
	NewCommitment *big.Int
	Proof         []*big.Int
}

func (c *Contract) PackSwap(args SwapArgs) ([]byte, error) {
	minOut := args.MinAmountOut
	if minOut == nil {
		minOut = new(big.Int)
	}
	return c.Pack(c.SwapMethod,
		args.SrcToken,
		args.DstToken,
		args.Recipient,
		args.AmountIn,
		minOut,
		new(big.Int).SetUint64(uint64(args.Fee)),
		args.Nullifier,
		args.NewCommitment,
		args.Proof,
	)
}

func (c *Contract) HasNullifierCheck() bool {
	if c.NullifierMethod == "" {
		return false
	}
	_, ok := c.ABI.Methods[c.NullifierMethod]
	return ok
}

func (c *Contract) PackNullifierSpent(nullifier *big.Int) ([]byte, error) {
	return c.Pack(c.NullifierMethod, nullifier)
}

// coerce converts a logical value (address, integer, word list or bytes)
// into the Go representation go-ethereum packs for t.
func coerce(t abi.Type, v any) (any, error) {
	switch val := v.(type) {
	case common.Address:
		if t.T == abi.AddressTy {
			return val, nil
		}
		return coerce(t, new(big.Int).SetBytes(val.Bytes()))
	case *big.Int:
		if val == nil {
			return nil, errors.New("nil integer")
		}
		return coerceInt(t, val)
	case []*big.Int:
		return coerceWords(t, val)
	case []byte:
		if t.T == abi.BytesTy {
			return val, nil
		}
	}
	return nil, fmt.Errorf("cannot encode %T as %s", v, t.String())
}

func coerceInt(t abi.Type, v *big.Int) (any, error) {
	switch t.T {
	case abi.UintTy:
		if v.Sign() < 0 || v.BitLen() > t.Size {
			return nil, fmt.Errorf("value %s overflows %s", v, t.String())
		}
		switch t.Size {
		case 8:
			return uint8(v.Uint64()), nil
		case 16:
			return uint16(v.Uint64()), nil
		case 32:
			return uint32(v.Uint64()), nil
		case 64:
			return v.Uint64(), nil
		}
		return new(big.Int).Set(v), nil
	case abi.AddressTy:
		if v.BitLen() > 160 {
			return nil, fmt.Errorf("value %s overflows address", v)
		}
		return common.BigToAddress(v), nil
	case abi.FixedBytesTy:
		if v.Sign() < 0 || v.BitLen() > 8*t.Size {
			return nil, fmt.Errorf("value %s overflows %s", v, t.String())
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(v.FillBytes(make([]byte, t.Size))))
		return arr.Interface(), nil
	}
	return nil, fmt.Errorf("cannot encode integer as %s", t.String())
}

func coerceWords(t abi.Type, words []*big.Int) (any, error) {
	switch t.T {
	case abi.BytesTy:
		out := make([]byte, 0, len(words)*32)
		for _, w := range words {
			if w.Sign() < 0 || w.BitLen() > 256 {
				return nil, fmt.Errorf("word %s overflows uint256", w)
			}
			out = append(out, w.FillBytes(make([]byte, 32))...)
		}
		return out, nil
	case abi.SliceTy, abi.ArrayTy:
		if t.T == abi.ArrayTy && len(words) != t.Size {
			return nil, fmt.Errorf("%s needs %d words, have %d", t.String(), t.Size, len(words))
		}
		var out reflect.Value
		if t.T == abi.SliceTy {
			out = reflect.MakeSlice(t.GetType(), len(words), len(words))
		} else {
			out = reflect.New(t.GetType()).Elem()
		}
		for i, w := range words {
			ev, err := coerce(*t.Elem, w)
			if err != nil {
				return nil, err
			}
			out.Index(i).Set(reflect.ValueOf(ev))
		}
		return out.Interface(), nil
	}
	return nil, fmt.Errorf("cannot encode word list as %s", t.String())
}
