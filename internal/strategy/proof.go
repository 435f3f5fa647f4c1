package strategy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
)

var ErrMalformedProof = errors.New("malformed proof bundle")

const wordSize = 32

// Uint256 decodes a JSON number, decimal string or 0x-hex string into an
// unsigned 256-bit integer.
type Uint256 struct {
	Int *big.Int
}

func (u *Uint256) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return errors.New("uint256 is null")
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
	}
	if raw == "" {
		return errors.New("uint256 is empty")
	}
	v, ok := math.ParseBig256(raw)
	if !ok || v.Sign() < 0 {
		return fmt.Errorf("invalid uint256 %q", raw)
	}
	u.Int = v
	return nil
}

func (u Uint256) MarshalJSON() ([]byte, error) {
	if u.Int == nil {
		return []byte(`"0"`), nil
	}
	return json.Marshal(u.Int.String())
}

// ProofWords is either a JSON array of uint256 values or a single 0x-hex
// string whose length is a multiple of 32 bytes.
type ProofWords []*big.Int

func (p *ProofWords) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		raw, err := hexutil.Decode(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("proof hex: %w", err)
		}
		if len(raw)%wordSize != 0 {
			return fmt.Errorf("proof length %d is not a multiple of %d", len(raw), wordSize)
		}
		words := make(ProofWords, 0, len(raw)/wordSize)
		for i := 0; i < len(raw); i += wordSize {
			words = append(words, new(big.Int).SetBytes(raw[i:i+wordSize]))
		}
		*p = words
		return nil
	}
	var items []Uint256
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return err
	}
	words := make(ProofWords, len(items))
	for i, item := range items {
		words[i] = item.Int
	}
	*p = words
	return nil
}

// ProofBundle is the decoded zkp_data of a strategy.
type ProofBundle struct {
	Proof         ProofWords `json:"proof"`
	PublicSignals []Uint256  `json:"publicSignals"`
	Asset         *Uint256   `json:"asset,omitempty"`
	Amount        *Uint256   `json:"amount,omitempty"`
	NullifierHash *Uint256   `json:"nullifierHash,omitempty"`
	Nullifier     *Uint256   `json:"nullifier,omitempty"`
	NewCommitment *Uint256   `json:"newCommitment,omitempty"`
}

// PublicInputs are the values the settlement contract binds to the proof.
type PublicInputs struct {
	Asset         *big.Int
	Amount        *big.Int
	Nullifier     *big.Int
	NewCommitment *big.Int
}

// NullifierKey renders the nullifier as fixed-width hex, suitable as a
// storage key.
func (in PublicInputs) NullifierKey() string {
	return fmt.Sprintf("0x%064x", in.Nullifier)
}

func ParseProofBundle(raw string) (*ProofBundle, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedProof)
	}
	var bundle ProofBundle
	if err := json.Unmarshal([]byte(raw), &bundle); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	if len(bundle.Proof) == 0 {
		return nil, fmt.Errorf("%w: no proof words", ErrMalformedProof)
	}
	if _, err := bundle.Inputs(); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// Inputs resolves the public inputs. Explicit fields win; otherwise they are
// read from publicSignals in the order asset, amount, nullifier, newCommitment.
func (b *ProofBundle) Inputs() (PublicInputs, error) {
	in := PublicInputs{
		Asset:         pick(b.Asset, b.PublicSignals, 0),
		Amount:        pick(b.Amount, b.PublicSignals, 1),
		NewCommitment: pick(b.NewCommitment, b.PublicSignals, 3),
	}
	nullifier := b.NullifierHash
	if nullifier == nil {
		nullifier = b.Nullifier
	}
	in.Nullifier = pick(nullifier, b.PublicSignals, 2)
	if in.Nullifier == nil {
		return PublicInputs{}, fmt.Errorf("%w: missing nullifier", ErrMalformedProof)
	}
	if in.Asset == nil {
		in.Asset = new(big.Int)
	}
	if in.Amount == nil {
		in.Amount = new(big.Int)
	}
	if in.NewCommitment == nil {
		in.NewCommitment = new(big.Int)
	}
	return in, nil
}

func pick(explicit *Uint256, signals []Uint256, idx int) *big.Int {
	if explicit != nil && explicit.Int != nil {
		return explicit.Int
	}
	if idx < len(signals) {
		return signals[idx].Int
	}
	return nil
}

func (b *ProofBundle) Signals() []*big.Int {
	out := make([]*big.Int, len(b.PublicSignals))
	for i, s := range b.PublicSignals {
		out[i] = s.Int
	}
	return out
}
