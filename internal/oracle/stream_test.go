package oracle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	subs     []any
	messages [][]byte
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, sub any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	return nil
}

func (f *fakeSubscriber) Run(ctx context.Context, handler func([]byte)) error {
	for _, msg := range f.messages {
		handler(msg)
	}
	return nil
}

type fakeSource struct {
	calls  [][]string
	prices map[string]decimal.Decimal
}

func (f *fakeSource) FetchPrices(ctx context.Context, feedIDs []string) map[string]decimal.Decimal {
	f.calls = append(f.calls, feedIDs)
	out := make(map[string]decimal.Decimal)
	for _, id := range feedIDs {
		if p, ok := f.prices[CanonicalFeedID(id)]; ok {
			out[CanonicalFeedID(id)] = p
		}
	}
	return out
}

func TestStreamCacheSubscribesAndStores(t *testing.T) {
	sub := &fakeSubscriber{messages: [][]byte{
		[]byte(`{"type":"response","status":"success"}`),
		[]byte(`{"type":"price_update","price_feed":{"id":"FF61491A931112DDF1BD8147CD1B641375F79F5825126D665480874634FD0ACE","price":{"price":"360000000000","expo":-8,"publish_time":1}}}`),
		[]byte(`not json`),
	}}
	cache := NewStreamCache(sub, []string{ethFeed}, time.Minute, zap.NewNop())
	if err := cache.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	msg, ok := sub.subs[0].(subscribeMessage)
	if !ok || msg.Type != "subscribe" || len(msg.IDs) != 1 || msg.IDs[0] != ethFeed[2:] {
		t.Fatalf("unexpected subscription %+v", sub.subs)
	}
	price, ok := cache.Lookup(ethFeed)
	if !ok || !price.Equal(decimal.NewFromInt(3600)) {
		t.Fatalf("expected 3600, got %s ok=%v", price, ok)
	}
}

func TestCachedOracleFallsBackForStalePrices(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cache := NewStreamCache(&fakeSubscriber{}, []string{ethFeed}, 10*time.Second, zap.NewNop())
	cache.now = func() time.Time { return now }
	cache.prices[ethFeed] = cachedPrice{value: decimal.NewFromInt(3600), receivedAt: now.Add(-5 * time.Second)}

	fallback := &fakeSource{prices: map[string]decimal.Decimal{ethFeed: decimal.NewFromInt(3400)}}
	oracle := NewCachedOracle(cache, fallback)

	prices := oracle.FetchPrices(context.Background(), []string{ethFeed})
	if !prices[ethFeed].Equal(decimal.NewFromInt(3600)) || len(fallback.calls) != 0 {
		t.Fatalf("expected fresh cached price without fallback, got %v calls=%d", prices, len(fallback.calls))
	}

	now = now.Add(time.Minute)
	prices = oracle.FetchPrices(context.Background(), []string{ethFeed})
	if !prices[ethFeed].Equal(decimal.NewFromInt(3400)) || len(fallback.calls) != 1 {
		t.Fatalf("expected fallback price for stale entry, got %v calls=%d", prices, len(fallback.calls))
	}
}
