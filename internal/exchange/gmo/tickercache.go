package gmo

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// tickerCacheTTL bounds how stale a served quote may be.
const tickerCacheTTL = 5 * time.Second

type cachedTicker struct {
	ticker Ticker
	expiry time.Time
}

// tickerCache is a short-TTL quote cache keyed by symbol. Expired
// entries are never served; the client batch-fetches the misses.
type tickerCache struct {
	mu      sync.Mutex
	entries map[string]cachedTicker
	clk     clock.Clock
}

func newTickerCache(clk clock.Clock) *tickerCache {
	return &tickerCache{
		entries: map[string]cachedTicker{},
		clk:     clk,
	}
}

// get returns the fresh entries among symbols and the symbols that must
// be fetched.
func (c *tickerCache) get(symbols []string) (fresh map[string]Ticker, missing []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	fresh = map[string]Ticker{}
	for _, symbol := range symbols {
		entry, ok := c.entries[symbol]
		if ok && entry.expiry.After(now) {
			fresh[symbol] = entry.ticker
			continue
		}
		missing = append(missing, symbol)
	}
	return fresh, missing
}

// put stores tickers with a fresh TTL.
func (c *tickerCache) put(tickers []Ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry := c.clk.Now().Add(tickerCacheTTL)
	for _, t := range tickers {
		c.entries[t.Symbol] = cachedTicker{ticker: t, expiry: expiry}
	}
}
