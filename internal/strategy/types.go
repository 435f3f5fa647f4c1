package strategy

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusExecuted  Status = "EXECUTED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

// Type names the trigger shape the evaluator engine applies to the
// encrypted bounds.
type Type string

const (
	TypeBracketLong    Type = "BRACKET_ORDER_LONG"
	TypeBracketShort   Type = "BRACKET_ORDER_SHORT"
	TypeLimitBuyDip    Type = "LIMIT_BUY_DIP"
	TypeLimitSellRally Type = "LIMIT_SELL_RALLY"
)

func (t Type) Valid() bool {
	switch t {
	case TypeBracketLong, TypeBracketShort, TypeLimitBuyDip, TypeLimitSellRally:
		return true
	}
	return false
}

// Strategy is one admitted conditional trade. Encrypted fields hold the raw
// JSON the client submitted and are forwarded to the evaluator untouched.
type Strategy struct {
	ID                  string
	UserID              string
	Type                Type
	AssetIn             string
	AssetOut            string
	Amount              decimal.Decimal
	Recipient           string
	PriceFeedID         string
	ZKPData             string
	EncryptedUpperBound string
	EncryptedLowerBound string
	ServerKey           string
	EncryptedClientKey  string

	Status    Status
	Attempts  int
	LastError string
	TxHash    string
	CreatedAt time.Time
	UpdatedAt time.Time
}
