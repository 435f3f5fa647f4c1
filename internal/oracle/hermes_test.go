package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const ethFeed = "0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace"

func TestHermesNormalizesPrice(t *testing.T) {
	var gotIDs []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/latest_price_feeds" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotIDs = r.URL.Query()["ids[]"]
		_, _ = w.Write([]byte(`[
			{"id":"ff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace","price":{"price":"350000000000","conf":"1","expo":-8,"publish_time":1700000000}},
			{"id":"e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43","price":{"price":6500012345678,"expo":-8}}
		]`))
	}))
	defer server.Close()

	h := NewHermes(server.URL+"/", time.Second, zap.NewNop())
	prices := h.FetchPrices(context.Background(), []string{ethFeed, "0xE62DF6C8B4A85FE1A67DB44DC12DE5DB330F7AC66B72DC658AFEDF0F4A415B43"})

	if len(gotIDs) != 2 || gotIDs[0] != ethFeed[2:] {
		t.Fatalf("unexpected ids query %v", gotIDs)
	}
	eth, ok := prices[ethFeed]
	if !ok {
		t.Fatalf("expected eth price, got %v", prices)
	}
	if !eth.Equal(decimal.NewFromInt(3500)) {
		t.Fatalf("expected 3500, got %s", eth)
	}
	btc := prices["0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"]
	if !btc.Equal(decimal.RequireFromString("65000.12345678")) {
		t.Fatalf("expected 65000.12345678, got %s", btc)
	}
}

func TestHermesReturnsEmptyOnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	h := NewHermes(server.URL, time.Second, zap.NewNop())
	if prices := h.FetchPrices(context.Background(), []string{ethFeed}); len(prices) != 0 {
		t.Fatalf("expected empty map, got %v", prices)
	}
}

func TestHermesReturnsEmptyOnBadBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"an array"}`))
	}))
	defer server.Close()

	h := NewHermes(server.URL, time.Second, zap.NewNop())
	if prices := h.FetchPrices(context.Background(), []string{ethFeed}); len(prices) != 0 {
		t.Fatalf("expected empty map, got %v", prices)
	}
}

func TestHermesTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	h := NewHermes(server.URL, 20*time.Millisecond, zap.NewNop())
	if prices := h.FetchPrices(context.Background(), []string{ethFeed}); len(prices) != 0 {
		t.Fatalf("expected empty map on timeout, got %v", prices)
	}
}

func TestHermesNoFeedsMakesNoRequest(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	h := NewHermes(server.URL, time.Second, zap.NewNop())
	if prices := h.FetchPrices(context.Background(), nil); len(prices) != 0 || called {
		t.Fatalf("expected no request and empty map")
	}
}

func TestCanonicalFeedID(t *testing.T) {
	if got := CanonicalFeedID(" ABCD "); got != "0xabcd" {
		t.Fatalf("expected 0xabcd, got %s", got)
	}
	if got := CanonicalFeedID("0XABCD"); got != "0xabcd" {
		t.Fatalf("expected 0xabcd, got %s", got)
	}
}
