package oracle

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Subscriber is the part of the websocket client the stream cache needs.
type Subscriber interface {
	Subscribe(ctx context.Context, sub any) error
	Run(ctx context.Context, handler func([]byte)) error
}

type subscribeMessage struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

type streamMessage struct {
	Type      string     `json:"type"`
	PriceFeed *priceFeed `json:"price_feed"`
}

type cachedPrice struct {
	value      decimal.Decimal
	receivedAt time.Time
}

// StreamCache keeps the most recent pushed price per feed.
type StreamCache struct {
	sub    Subscriber
	feeds  []string
	maxAge time.Duration
	log    *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	prices map[string]cachedPrice
}

func NewStreamCache(sub Subscriber, feedIDs []string, maxAge time.Duration, log *zap.Logger) *StreamCache {
	if log == nil {
		log = zap.NewNop()
	}
	feeds := make([]string, 0, len(feedIDs))
	for _, id := range feedIDs {
		if id = CanonicalFeedID(id); id != "" {
			feeds = append(feeds, strings.TrimPrefix(id, "0x"))
		}
	}
	return &StreamCache{
		sub:    sub,
		feeds:  feeds,
		maxAge: maxAge,
		log:    log,
		now:    time.Now,
		prices: make(map[string]cachedPrice),
	}
}

// Run subscribes to the configured feeds and consumes updates until ctx is
// cancelled.
func (s *StreamCache) Run(ctx context.Context) error {
	if err := s.sub.Subscribe(ctx, subscribeMessage{Type: "subscribe", IDs: s.feeds}); err != nil {
		return err
	}
	return s.sub.Run(ctx, s.handle)
}

func (s *StreamCache) handle(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug("price stream message ignored", zap.Error(err))
		return
	}
	if msg.Type != "price_update" || msg.PriceFeed == nil || msg.PriceFeed.Price == nil {
		return
	}
	id := CanonicalFeedID(msg.PriceFeed.ID)
	if id == "" {
		return
	}
	s.mu.Lock()
	s.prices[id] = cachedPrice{value: msg.PriceFeed.Price.value(), receivedAt: s.now()}
	s.mu.Unlock()
}

// Lookup returns the cached price if it is no older than maxAge.
func (s *StreamCache) Lookup(feedID string) (decimal.Decimal, bool) {
	s.mu.RLock()
	p, ok := s.prices[CanonicalFeedID(feedID)]
	s.mu.RUnlock()
	if !ok {
		return decimal.Decimal{}, false
	}
	if s.maxAge > 0 && s.now().Sub(p.receivedAt) > s.maxAge {
		return decimal.Decimal{}, false
	}
	return p.value, true
}

// CachedOracle serves fresh streamed prices and asks the fallback source
// for everything else.
type CachedOracle struct {
	stream   *StreamCache
	fallback Source
}

func NewCachedOracle(stream *StreamCache, fallback Source) *CachedOracle {
	return &CachedOracle{stream: stream, fallback: fallback}
}

func (c *CachedOracle) FetchPrices(ctx context.Context, feedIDs []string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(feedIDs))
	var missing []string
	for _, id := range feedIDs {
		if c.stream != nil {
			if price, ok := c.stream.Lookup(id); ok {
				out[CanonicalFeedID(id)] = price
				continue
			}
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 || c.fallback == nil {
		return out
	}
	for id, price := range c.fallback.FetchPrices(ctx, missing) {
		out[id] = price
	}
	return out
}
