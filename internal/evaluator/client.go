package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"syphon-executor/internal/metrics"
	"syphon-executor/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

type request struct {
	StrategyType        strategy.Type   `json:"strategy_type"`
	EncryptedUpperBound json.RawMessage `json:"encrypted_upper_bound"`
	EncryptedLowerBound json.RawMessage `json:"encrypted_lower_bound"`
	ServerKey           json.RawMessage `json:"server_key"`
	CurrentPriceCents   uint32          `json:"current_price_cents"`
	EncryptedClientKey  json.RawMessage `json:"encrypted_client_key"`
}

type response struct {
	IsTriggered *bool `json:"is_triggered"`
}

// Client asks the confidential compute engine whether a strategy's encrypted
// bounds are satisfied by the current price.
type Client struct {
	url    string
	http   *http.Client
	log    *zap.Logger
	errors metrics.Counter
}

func New(url string, timeout time.Duration, log *zap.Logger, errCounter metrics.Counter) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		url: url,
		http: &http.Client{
			Timeout: timeout,
		},
		log:    log,
		errors: errCounter,
	}
}

// Evaluate reports whether the strategy triggered. Any failure is logged
// and reported as not triggered.
func (c *Client) Evaluate(ctx context.Context, s strategy.Strategy, price decimal.Decimal) bool {
	triggered, err := c.Check(ctx, s, price)
	if err != nil {
		c.log.Warn("condition evaluation failed", zap.String("strategy_id", s.ID), zap.Error(err))
		if c.errors != nil {
			c.errors.Inc()
		}
		return false
	}
	c.log.Debug("condition evaluated", zap.String("strategy_id", s.ID), zap.Bool("triggered", triggered))
	return triggered
}

// Check is Evaluate with the failure reason exposed.
func (c *Client) Check(ctx context.Context, s strategy.Strategy, price decimal.Decimal) (bool, error) {
	cents, err := PriceCents(price)
	if err != nil {
		return false, err
	}
	payload, err := json.Marshal(request{
		StrategyType:        s.Type,
		EncryptedUpperBound: rawJSON(s.EncryptedUpperBound),
		EncryptedLowerBound: rawJSON(s.EncryptedLowerBound),
		ServerKey:           rawJSON(s.ServerKey),
		CurrentPriceCents:   cents,
		EncryptedClientKey:  rawJSON(s.EncryptedClientKey),
	})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return false, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode evaluator response: %w", err)
	}
	if out.IsTriggered == nil {
		return false, errors.New("evaluator response missing is_triggered")
	}
	return *out.IsTriggered, nil
}

// PriceCents converts a price to whole cents, rounding down.
func PriceCents(price decimal.Decimal) (uint32, error) {
	cents := price.Mul(hundred).Floor()
	if cents.IsNegative() {
		return 0, fmt.Errorf("negative price %s", price)
	}
	if cents.GreaterThan(decimal.NewFromInt(math.MaxUint32)) {
		return 0, fmt.Errorf("price %s overflows cents", price)
	}
	return uint32(cents.IntPart()), nil
}

// rawJSON forwards stored ciphertext as-is when it is JSON and as a JSON
// string otherwise.
func rawJSON(stored string) json.RawMessage {
	if json.Valid([]byte(stored)) {
		return json.RawMessage(stored)
	}
	quoted, _ := json.Marshal(stored)
	return quoted
}
