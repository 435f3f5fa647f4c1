package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Hermes reads the latest prices from a Pyth Hermes endpoint in one
// batched request.
type Hermes struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewHermes(baseURL string, timeout time.Duration, log *zap.Logger) *Hermes {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hermes{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

func (h *Hermes) FetchPrices(ctx context.Context, feedIDs []string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	if len(feedIDs) == 0 {
		return out
	}
	feeds, err := h.latest(ctx, feedIDs)
	if err != nil {
		h.log.Warn("price oracle request failed", zap.Strings("feeds", feedIDs), zap.Error(err))
		return out
	}
	for _, feed := range feeds {
		if feed.ID == "" || feed.Price == nil {
			continue
		}
		out[CanonicalFeedID(feed.ID)] = feed.Price.value()
	}
	return out
}

func (h *Hermes) latest(ctx context.Context, feedIDs []string) ([]priceFeed, error) {
	q := url.Values{}
	for _, id := range feedIDs {
		q.Add("ids[]", strings.TrimPrefix(CanonicalFeedID(id), "0x"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/latest_price_feeds?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	var feeds []priceFeed
	if err := json.NewDecoder(resp.Body).Decode(&feeds); err != nil {
		return nil, fmt.Errorf("decode price feeds: %w", err)
	}
	return feeds, nil
}
