// Package scheduler turns the day's plan into timed entry and exit
// actions and aggregates results at day end.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/tomiyuta/gmo-coin-bot/internal/alert"
	"github.com/tomiyuta/gmo-coin-bot/internal/config"
	"github.com/tomiyuta/gmo-coin-bot/internal/csvwriter"
	"github.com/tomiyuta/gmo-coin-bot/internal/exchange/gmo"
	"github.com/tomiyuta/gmo-coin-bot/internal/executor"
	"github.com/tomiyuta/gmo-coin-bot/internal/ledger"
	"github.com/tomiyuta/gmo-coin-bot/internal/pnl"
	"github.com/tomiyuta/gmo-coin-bot/internal/tradeplan"
)

// finalizeHour is the wall-clock cutoff for the daily report; results
// exiting later roll into the next day.
const finalizeHour = 19

// idleRecheck bounds how long an empty or exhausted plan sleeps before
// the plan file is re-read.
const idleRecheck = time.Hour

// EntryDriver is the executor surface the scheduler drives.
type EntryDriver interface {
	ExecuteEntry(ctx context.Context, plan tradeplan.Entry) (*executor.Trade, error)
	CloseTrade(ctx context.Context, trade *executor.Trade, reason string) (pnl.TradeResult, error)
}

// PositionTracker is the monitor surface the scheduler hands trades to.
type PositionTracker interface {
	Track(trade *executor.Trade)
	Untrack(trade *executor.Trade)
	SetWindows(windows []tradeplan.Window)
	RunWatchdog(ctx context.Context, symbol string, exitTime time.Time)
}

// BalanceFetcher supplies the balance for the day announcement.
type BalanceFetcher interface {
	Assets(ctx context.Context) (*gmo.AccountAssets, error)
}

// Scheduler drives trading days one after another.
type Scheduler struct {
	driver   EntryDriver
	tracker  PositionTracker
	client   BalanceFetcher
	history  *pnl.History
	notifier alert.Notifier
	cfg      *config.Config
	logger   *zap.Logger
	clk      clock.Clock
	rnd      *rand.Rand
}

func New(driver EntryDriver, tracker PositionTracker, client BalanceFetcher, history *pnl.History, notifier alert.Notifier, cfg *config.Config, logger *zap.Logger, clk clock.Clock) *Scheduler {
	return &Scheduler{
		driver:   driver,
		tracker:  tracker,
		client:   client,
		history:  history,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		clk:      clk,
		rnd:      rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// Run cycles trading days until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if err := s.RunDay(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("trading day aborted", zap.Error(err))
			s.notify(fmt.Sprintf("trading day aborted: %v", err))
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// RunDay resolves the plan once and executes every entry in order. An
// empty plan sleeps before the next re-read.
func (s *Scheduler) RunDay(ctx context.Context) error {
	rows, err := tradeplan.Load(s.cfg.TradePlanPath, s.logger)
	if err != nil {
		s.sleep(ctx, idleRecheck)
		return fmt.Errorf("failed to load trade plan: %w", err)
	}

	lastExit, _ := s.history.LastExit()
	entries := tradeplan.Resolve(rows, s.clk.Now(), lastExit)
	if len(entries) == 0 {
		s.logger.Warn("trade plan has no usable entries")
		s.sleep(ctx, idleRecheck)
		return nil
	}

	s.tracker.SetWindows(tradeplan.Windows(entries))
	s.announceDay(ctx, entries)

	for _, entry := range entries {
		if err := s.runEntry(ctx, entry); err != nil {
			if ctx.Err() != nil {
				return err
			}
			// One failed entry never takes down the rest of the day.
			s.logger.Error("plan entry failed",
				zap.String("symbol", entry.Symbol),
				zap.Int("line", entry.Line),
				zap.Error(err))
		}
	}
	return nil
}

// runEntry sleeps to the jittered entry time, opens the trade, hands
// it to the monitor until the jittered exit time, then forces the
// scheduled close.
func (s *Scheduler) runEntry(ctx context.Context, entry tradeplan.Entry) error {
	if err := s.sleepUntil(ctx, entry.EntryTime.Add(-s.jitter())); err != nil {
		return err
	}

	trade, err := s.driver.ExecuteEntry(ctx, entry)
	if err != nil {
		// Every terminal entry failure gets the bounded watchdog: the
		// exchange may still open a position later. Only a ledger
		// refusal is exempt, since no order was ever submitted.
		if ctx.Err() == nil && !errors.As(err, new(*ledger.ErrLimitExceeded)) {
			go s.tracker.RunWatchdog(ctx, entry.Symbol, entry.ExitTime)
		}
		return err
	}

	s.tracker.Track(trade)
	if err := s.sleepUntil(ctx, entry.ExitTime.Add(-s.jitter())); err != nil {
		return err
	}
	s.tracker.Untrack(trade)

	if _, err := s.driver.CloseTrade(ctx, trade, "scheduled"); err != nil {
		if errors.Is(err, executor.ErrAlreadyClosing) || trade.State() == executor.StateClosed {
			return nil // SL/TP got there first
		}
		return fmt.Errorf("scheduled close failed: %w", err)
	}
	return nil
}

// announceDay reports the resolved plan and account settings.
func (s *Scheduler) announceDay(ctx context.Context, entries []tradeplan.Entry) {
	balance := "unavailable"
	if assets, err := s.client.Assets(ctx); err == nil {
		balance = fmt.Sprintf("%.0f JPY", assets.AvailableAmount)
	} else {
		s.logger.Warn("could not fetch balance for day announcement", zap.Error(err))
	}

	msg := fmt.Sprintf(
		"trading day: %d entries, first %s, balance %s, leverage %.0f, autolot %t, SL %.1f / TP %.1f pips",
		len(entries),
		entries[0].EntryTime.Format("2006-01-02 15:04:05"),
		balance, s.cfg.Leverage, s.cfg.Autolot.Bool(),
		s.cfg.StopLossPips, s.cfg.TakeProfitPips)
	s.logger.Info("plan resolved", zap.Int("entries", len(entries)))
	s.notify(msg)
}

// FinalizeDay drains results that exited before today's cutoff into
// the CSV export and a summary notification. Later exits stay for the
// next day.
func (s *Scheduler) FinalizeDay(ctx context.Context) error {
	now := s.clk.Now()
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), finalizeHour, 0, 0, 0, now.Location())
	if now.Before(cutoff) {
		// Called early (shutdown); everything so far counts.
		cutoff = now
	}

	results := s.history.DrainBefore(cutoff)
	if len(results) == 0 {
		s.logger.Info("no trades to finalize")
		return nil
	}

	path, err := csvwriter.WriteDailyResults(s.cfg.ResultsDir, now, results, s.logger)
	if err != nil {
		return fmt.Errorf("failed to export daily results: %w", err)
	}

	var pips, amount float64
	wins := 0
	for _, r := range results {
		pips += r.ProfitPips
		amount += r.ProfitAmount
		if r.ProfitPips > 0 {
			wins++
		}
	}
	s.notify(fmt.Sprintf("daily report: %d trades, %d wins, %.1f pips, %.0f JPY (exported %s)",
		len(results), wins, pips, amount, path))
	return nil
}

// jitter draws a uniform delay in [0, jitter_seconds) so entries and
// exits never hit the exchange at the exact planned second.
func (s *Scheduler) jitter() time.Duration {
	max := s.cfg.Jitter()
	if max <= 0 {
		return 0
	}
	return time.Duration(s.rnd.Int63n(int64(max)))
}

func (s *Scheduler) sleepUntil(ctx context.Context, t time.Time) error {
	return s.sleep(ctx, t.Sub(s.clk.Now()))
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-s.clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) notify(message string) {
	if err := s.notifier.Send(message); err != nil {
		s.logger.Error("failed to send notification", zap.Error(err))
	}
}
