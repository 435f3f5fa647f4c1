package strategy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrInvalidSubmission = errors.New("invalid strategy submission")

// Submission is the intake payload. Encrypted material may be any JSON
// value and is stored as its compact JSON text.
type Submission struct {
	UserID              string          `json:"user_id"`
	StrategyType        Type            `json:"strategy_type"`
	AssetIn             string          `json:"asset_in"`
	AssetOut            string          `json:"asset_out"`
	Amount              decimal.Decimal `json:"amount"`
	Recipient           string          `json:"recipient_address"`
	PriceFeedID         string          `json:"price_feed_id,omitempty"`
	ZKPData             json.RawMessage `json:"zkp_data"`
	EncryptedUpperBound json.RawMessage `json:"encrypted_upper_bound"`
	EncryptedLowerBound json.RawMessage `json:"encrypted_lower_bound"`
	ServerKey           json.RawMessage `json:"server_key"`
	EncryptedClientKey  json.RawMessage `json:"encrypted_client_key"`
}

func (s Submission) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return invalid("user_id is required")
	}
	if !s.StrategyType.Valid() {
		return invalid(fmt.Sprintf("unsupported strategy_type %q", s.StrategyType))
	}
	if strings.TrimSpace(s.AssetIn) == "" || strings.TrimSpace(s.AssetOut) == "" {
		return invalid("asset_in and asset_out are required")
	}
	if !s.Amount.IsPositive() {
		return invalid("amount must be positive")
	}
	if !common.IsHexAddress(s.Recipient) {
		return invalid("recipient_address must be a hex address")
	}
	if isAbsent(s.ZKPData) {
		return invalid("zkp_data is required")
	}
	for name, raw := range map[string]json.RawMessage{
		"encrypted_upper_bound": s.EncryptedUpperBound,
		"encrypted_lower_bound": s.EncryptedLowerBound,
		"server_key":            s.ServerKey,
		"encrypted_client_key":  s.EncryptedClientKey,
	} {
		if isAbsent(raw) {
			return invalid(name + " is required")
		}
	}
	return nil
}

// ProofJSON returns the proof bundle text. zkp_data may arrive either as an
// object or as a string holding the JSON document.
func (s Submission) ProofJSON() string {
	trimmed := bytes.TrimSpace(s.ZKPData)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err == nil {
			return strings.TrimSpace(inner)
		}
	}
	return compact(trimmed)
}

// NewStrategy builds a PENDING strategy with a fresh id.
func (s Submission) NewStrategy(now time.Time) Strategy {
	now = now.UTC()
	return Strategy{
		ID:                  uuid.NewString(),
		UserID:              strings.TrimSpace(s.UserID),
		Type:                s.StrategyType,
		AssetIn:             strings.TrimSpace(s.AssetIn),
		AssetOut:            strings.TrimSpace(s.AssetOut),
		Amount:              s.Amount,
		Recipient:           common.HexToAddress(s.Recipient).Hex(),
		PriceFeedID:         strings.TrimSpace(s.PriceFeedID),
		ZKPData:             s.ProofJSON(),
		EncryptedUpperBound: compact(s.EncryptedUpperBound),
		EncryptedLowerBound: compact(s.EncryptedLowerBound),
		ServerKey:           compact(s.ServerKey),
		EncryptedClientKey:  compact(s.EncryptedClientKey),
		Status:              StatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidSubmission, msg)
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`""`))
}

func compact(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(bytes.TrimSpace(raw))
	}
	return buf.String()
}
