// Package pnl holds pip and profit arithmetic plus the in-memory trade
// result history for the current trading day.
package pnl

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tomiyuta/gmo-coin-bot/internal/exchange/gmo"
)

// PipValue returns the conventional pip size for a symbol: 0.01 for
// JPY-quoted pairs, 0.0001 otherwise.
func PipValue(symbol string) float64 {
	if strings.HasSuffix(symbol, "JPY") {
		return 0.01
	}
	return 0.0001
}

// round2 rounds to two decimal places the way trade reports expect.
func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// ProfitPips converts an entry/exit price pair into signed pips for the
// given side. BUY profits on a rise, SELL on a fall.
func ProfitPips(entryPrice, exitPrice float64, side gmo.Side, symbol string) float64 {
	pip := PipValue(symbol)
	if side == gmo.SideBuy {
		return round2((exitPrice - entryPrice) / pip)
	}
	return round2((entryPrice - exitPrice) / pip)
}

// UnrealizedPips computes the pips a position would realize if closed
// against the current quote: bid for BUY exits, ask for SELL exits.
func UnrealizedPips(entryPrice float64, quote gmo.Ticker, side gmo.Side, symbol string) float64 {
	if side == gmo.SideBuy {
		return ProfitPips(entryPrice, quote.Bid, side, symbol)
	}
	return ProfitPips(entryPrice, quote.Ask, side, symbol)
}

// SpreadPips expresses a quote's spread in pips.
func SpreadPips(quote gmo.Ticker, symbol string) float64 {
	return quote.Spread() / PipValue(symbol)
}

// ProfitAmount converts a closed trade into account-currency profit.
// conversionRate is 1 for JPY-quoted symbols; otherwise the caller
// passes the quote-currency/JPY rate (unconverted profit when that rate
// is unavailable).
func ProfitAmount(entryPrice, exitPrice float64, side gmo.Side, symbol string, size, conversionRate float64) float64 {
	pips := ProfitPips(entryPrice, exitPrice, side, symbol)
	profit := pips * size * PipValue(symbol)
	if conversionRate > 0 {
		profit *= conversionRate
	}
	return round2(profit)
}

// TradeResult is one closed trade.
type TradeResult struct {
	Symbol       string
	Side         gmo.Side
	EntryPrice   float64
	ExitPrice    float64
	ProfitPips   float64
	ProfitAmount float64
	LotSize      float64
	EntryTime    time.Time
	ExitTime     time.Time
}

// History is the append-only list of the day's trade results, shared by
// the executor, the scheduler's finalize pass and the metrics reporter.
type History struct {
	mu      sync.Mutex
	results []TradeResult
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{}
}

// Add appends one closed trade.
func (h *History) Add(result TradeResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, result)
}

// All returns a copy of the accumulated results.
func (h *History) All() []TradeResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]TradeResult, len(h.results))
	copy(out, h.results)
	return out
}

// Len returns the number of accumulated results.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.results)
}

// LastExit returns the most recent exit time, used to keep day-crossing
// plan resolution continuous across cycles.
func (h *History) LastExit() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var last time.Time
	for _, r := range h.results {
		if r.ExitTime.After(last) {
			last = r.ExitTime
		}
	}
	return last, !last.IsZero()
}

// DrainBefore removes and returns the results whose exit falls strictly
// before cutoff, sorted by exit time. Later results stay behind and
// roll into the next day's history.
func (h *History) DrainBefore(cutoff time.Time) []TradeResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	var drained, remaining []TradeResult
	for _, r := range h.results {
		if r.ExitTime.Before(cutoff) {
			drained = append(drained, r)
		} else {
			remaining = append(remaining, r)
		}
	}
	h.results = remaining
	sort.Slice(drained, func(i, j int) bool { return drained[i].ExitTime.Before(drained[j].ExitTime) })
	return drained
}
