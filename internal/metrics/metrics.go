// Package metrics derives performance figures from the trade history
// and API call counters.
package metrics

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"

	"github.com/tomiyuta/gmo-coin-bot/internal/pnl"
)

// Collector accumulates per-trade and per-call counters. It satisfies
// gmo.CallRecorder so the exchange client can feed it directly.
type Collector struct {
	mu        sync.Mutex
	startedAt time.Time
	clk       clock.Clock

	apiCalls  int64
	apiErrors int64

	trades    int
	wins      int
	losses    int
	totalPips float64
	totalAmt  float64

	peakPips    float64
	peakAmt     float64
	drawdownPip float64
	drawdownAmt float64
}

func NewCollector(clk clock.Clock) *Collector {
	return &Collector{startedAt: clk.Now(), clk: clk}
}

func (c *Collector) RecordCall() {
	c.mu.Lock()
	c.apiCalls++
	c.mu.Unlock()
}

func (c *Collector) RecordError() {
	c.mu.Lock()
	c.apiErrors++
	c.mu.Unlock()
}

// RecordTrade folds one closed trade into the running totals and the
// running-peak drawdown tracking.
func (c *Collector) RecordTrade(result pnl.TradeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trades++
	if result.ProfitPips > 0 {
		c.wins++
	} else if result.ProfitPips < 0 {
		c.losses++
	}
	c.totalPips += result.ProfitPips
	c.totalAmt += result.ProfitAmount

	if c.totalPips > c.peakPips {
		c.peakPips = c.totalPips
	}
	if dd := c.peakPips - c.totalPips; dd > c.drawdownPip {
		c.drawdownPip = dd
	}
	if c.totalAmt > c.peakAmt {
		c.peakAmt = c.totalAmt
	}
	if dd := c.peakAmt - c.totalAmt; dd > c.drawdownAmt {
		c.drawdownAmt = dd
	}
}

// Snapshot is a point-in-time view of the collected figures.
type Snapshot struct {
	Uptime         time.Duration
	APICalls       int64
	APIErrors      int64
	Trades         int
	Wins           int
	Losses         int
	WinRate        float64 // percent, 0 when no trades
	TotalPips      float64
	TotalAmount    float64
	AveragePips    float64
	MaxDrawdownPip float64
	MaxDrawdownAmt float64
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Uptime:         c.clk.Now().Sub(c.startedAt),
		APICalls:       c.apiCalls,
		APIErrors:      c.apiErrors,
		Trades:         c.trades,
		Wins:           c.wins,
		Losses:         c.losses,
		TotalPips:      c.totalPips,
		TotalAmount:    c.totalAmt,
		MaxDrawdownPip: c.drawdownPip,
		MaxDrawdownAmt: c.drawdownAmt,
	}
	if c.trades > 0 {
		snap.WinRate = float64(c.wins) / float64(c.trades) * 100
		snap.AveragePips = c.totalPips / float64(c.trades)
	}
	return snap
}

// Report renders the snapshot for notifications and the command bot.
func (s Snapshot) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Trades: %d (W:%d / L:%d, win rate %.1f%%)\n",
		s.Trades, s.Wins, s.Losses, s.WinRate)
	fmt.Fprintf(&b, "Total: %s pips / %s JPY\n",
		formatPips(s.TotalPips), formatAmount(s.TotalAmount))
	fmt.Fprintf(&b, "Average: %s pips per trade\n", formatPips(s.AveragePips))
	fmt.Fprintf(&b, "Max drawdown: %s pips / %s JPY\n",
		formatPips(s.MaxDrawdownPip), formatAmount(s.MaxDrawdownAmt))
	fmt.Fprintf(&b, "API calls: %d (errors %d)\n", s.APICalls, s.APIErrors)
	fmt.Fprintf(&b, "Uptime: %s", s.Uptime.Truncate(time.Second))
	return b.String()
}

func formatPips(v float64) string {
	return decimal.NewFromFloat(v).Round(1).StringFixed(1)
}

func formatAmount(v float64) string {
	return decimal.NewFromFloat(v).Round(0).StringFixed(0)
}
