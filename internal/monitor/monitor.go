// Package monitor watches open positions for stop-loss/take-profit
// breaches and sweeps up positions no plan accounts for.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/tomiyuta/gmo-coin-bot/internal/alert"
	"github.com/tomiyuta/gmo-coin-bot/internal/config"
	"github.com/tomiyuta/gmo-coin-bot/internal/exchange/gmo"
	"github.com/tomiyuta/gmo-coin-bot/internal/executor"
	"github.com/tomiyuta/gmo-coin-bot/internal/pnl"
	"github.com/tomiyuta/gmo-coin-bot/internal/tradeplan"
)

// QuoteBatcher fetches quotes for several symbols in one round.
type QuoteBatcher interface {
	Tickers(ctx context.Context, symbols []string) (map[string]gmo.Ticker, error)
	OpenPositions(ctx context.Context, symbol string) ([]gmo.Position, error)
}

// Closer is the executor surface the monitor needs.
type Closer interface {
	CloseTrade(ctx context.Context, trade *executor.Trade, reason string) (pnl.TradeResult, error)
	ClosePosition(ctx context.Context, pos gmo.Position) error
}

// Monitor tracks live trades between entry and scheduled exit.
type Monitor struct {
	client   QuoteBatcher
	closer   Closer
	notifier alert.Notifier
	logger   *zap.Logger
	clk      clock.Clock
	cfg      *config.Config

	mu      sync.Mutex
	tracked map[int64]*executor.Trade
	windows []tradeplan.Window
}

func New(client QuoteBatcher, closer Closer, notifier alert.Notifier, cfg *config.Config, logger *zap.Logger, clk clock.Clock) *Monitor {
	return &Monitor{
		client:   client,
		closer:   closer,
		notifier: notifier,
		logger:   logger,
		clk:      clk,
		cfg:      cfg,
		tracked:  make(map[int64]*executor.Trade),
	}
}

// Track hands a resolved trade to the monitor until Untrack or close.
func (m *Monitor) Track(trade *executor.Trade) {
	m.mu.Lock()
	m.tracked[trade.PositionID] = trade
	m.mu.Unlock()
	m.logger.Info("tracking position",
		zap.Int64("positionId", trade.PositionID),
		zap.String("symbol", trade.Plan.Symbol))
}

// Untrack removes a trade, typically when the scheduler takes over for
// the scheduled close.
func (m *Monitor) Untrack(trade *executor.Trade) {
	m.mu.Lock()
	delete(m.tracked, trade.PositionID)
	m.mu.Unlock()
}

// SetWindows replaces the plan windows the sweep judges positions by.
func (m *Monitor) SetWindows(windows []tradeplan.Window) {
	m.mu.Lock()
	m.windows = windows
	m.mu.Unlock()
}

func (m *Monitor) snapshot() ([]*executor.Trade, []tradeplan.Window) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trades := make([]*executor.Trade, 0, len(m.tracked))
	for _, t := range m.tracked {
		trades = append(trades, t)
	}
	windows := make([]tradeplan.Window, len(m.windows))
	copy(windows, m.windows)
	return trades, windows
}

// Run drives the poll and sweep loops until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	poll := m.clk.Ticker(m.cfg.MonitorInterval())
	sweep := m.clk.Ticker(m.cfg.SweepInterval())
	defer poll.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			m.checkTracked(ctx)
		case <-sweep.C:
			m.sweep(ctx)
		}
	}
}

// checkTracked evaluates every tracked position against its SL/TP
// thresholds. A zero threshold disables that side.
func (m *Monitor) checkTracked(ctx context.Context) {
	trades, _ := m.snapshot()
	if len(trades) == 0 {
		return
	}

	symbols := make([]string, 0, len(trades))
	seen := map[string]bool{}
	for _, t := range trades {
		if !seen[t.Plan.Symbol] {
			seen[t.Plan.Symbol] = true
			symbols = append(symbols, t.Plan.Symbol)
		}
	}
	quotes, err := m.client.Tickers(ctx, symbols)
	if err != nil {
		m.logger.Warn("failed to fetch quotes for monitoring", zap.Error(err))
		return
	}

	for _, trade := range trades {
		quote, ok := quotes[trade.Plan.Symbol]
		if !ok {
			continue
		}
		pips := pnl.UnrealizedPips(trade.EntryPrice, quote, trade.Plan.Side, trade.Plan.Symbol)

		var reason string
		switch {
		case m.cfg.StopLossPips > 0 && pips <= -m.cfg.StopLossPips:
			reason = "stop_loss"
		case m.cfg.TakeProfitPips > 0 && pips >= m.cfg.TakeProfitPips:
			reason = "take_profit"
		default:
			continue
		}

		m.logger.Info("threshold breached",
			zap.Int64("positionId", trade.PositionID),
			zap.Float64("pips", pips),
			zap.String("reason", reason))
		m.closeTracked(ctx, trade, reason, pips)
	}
}

func (m *Monitor) closeTracked(ctx context.Context, trade *executor.Trade, reason string, pips float64) {
	m.Untrack(trade)
	if _, err := m.closer.CloseTrade(ctx, trade, reason); err != nil {
		if errors.Is(err, executor.ErrAlreadyClosing) {
			return // the scheduled exit won the race
		}
		m.logger.Error("threshold close failed",
			zap.Int64("positionId", trade.PositionID), zap.Error(err))
		m.notifyf("failed to close %s position %d on %s (%.1f pips): %v",
			trade.Plan.Symbol, trade.PositionID, reason, pips, err)
	}
}

// sweep force-closes exchange-reported positions that fall outside
// every plan window. Tracked positions are exempt: their scheduled
// exit owns them.
func (m *Monitor) sweep(ctx context.Context) {
	trades, windows := m.snapshot()
	tracked := make(map[int64]bool, len(trades))
	for _, t := range trades {
		tracked[t.PositionID] = true
	}

	positions, err := m.client.OpenPositions(ctx, "")
	if err != nil {
		m.logger.Warn("sweep could not list open positions", zap.Error(err))
		return
	}

	now := m.clk.Now()
	for _, pos := range positions {
		if tracked[pos.PositionID] {
			continue
		}
		if tradeplan.InAnyWindow(now, windows) {
			continue
		}
		m.logger.Warn("force-closing position outside plan windows",
			zap.Int64("positionId", pos.PositionID),
			zap.String("symbol", pos.Symbol))
		if err := m.closer.ClosePosition(ctx, pos); err != nil {
			m.logger.Error("sweep close failed",
				zap.Int64("positionId", pos.PositionID), zap.Error(err))
			m.notifyf("sweep failed to close orphaned %s position %d: %v",
				pos.Symbol, pos.PositionID, err)
		}
	}
}

// watchdogGrace bounds how long a failed entry keeps being probed
// past its intended exit.
const watchdogGrace = 10 * time.Minute

// RunWatchdog polls one symbol after a failed entry, closing any
// unrecognized position the exchange reports, until the intended exit
// time plus a grace period.
func (m *Monitor) RunWatchdog(ctx context.Context, symbol string, exitTime time.Time) {
	deadline := exitTime.Add(watchdogGrace)
	ticker := m.clk.Ticker(m.cfg.MonitorInterval())
	defer ticker.Stop()

	m.logger.Info("watchdog started",
		zap.String("symbol", symbol), zap.Time("deadline", deadline))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.clk.Now().Before(deadline) {
			m.logger.Info("watchdog finished", zap.String("symbol", symbol))
			return
		}

		positions, err := m.client.OpenPositions(ctx, symbol)
		if err != nil {
			m.logger.Warn("watchdog could not list positions",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		trades, _ := m.snapshot()
		tracked := make(map[int64]bool, len(trades))
		for _, t := range trades {
			tracked[t.PositionID] = true
		}
		for _, pos := range positions {
			if tracked[pos.PositionID] {
				continue
			}
			m.logger.Warn("watchdog found unrecognized position",
				zap.Int64("positionId", pos.PositionID))
			if err := m.closer.ClosePosition(ctx, pos); err != nil {
				m.notifyf("watchdog failed to close %s position %d: %v",
					symbol, pos.PositionID, err)
			}
		}
	}
}

func (m *Monitor) notifyf(format string, args ...any) {
	if err := m.notifier.Send(fmt.Sprintf(format, args...)); err != nil {
		m.logger.Error("failed to send notification", zap.Error(err))
	}
}
