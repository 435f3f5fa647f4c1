package oracle

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// Source returns the latest price per requested feed. Feeds that could not
// be priced are absent from the result; failures never surface as errors.
type Source interface {
	FetchPrices(ctx context.Context, feedIDs []string) map[string]decimal.Decimal
}

// CanonicalFeedID lowercases a feed id and ensures the 0x prefix.
func CanonicalFeedID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return ""
	}
	return "0x" + strings.TrimPrefix(id, "0x")
}

type priceFeed struct {
	ID    string     `json:"id"`
	Price *priceData `json:"price"`
}

type priceData struct {
	Price       decimal.Decimal `json:"price"`
	Expo        int32           `json:"expo"`
	PublishTime int64           `json:"publish_time"`
}

// value scales the integer mantissa by 10^expo without float rounding.
func (p priceData) value() decimal.Decimal {
	return p.Price.Shift(p.Expo)
}
