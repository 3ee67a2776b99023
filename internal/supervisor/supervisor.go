// Package supervisor owns the process lifecycle: health checks,
// bounded auto-restart, daily resets and the stop-all path.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/tomiyuta/gmo-coin-bot/internal/alert"
	"github.com/tomiyuta/gmo-coin-bot/internal/config"
	"github.com/tomiyuta/gmo-coin-bot/internal/exchange/gmo"
	"github.com/tomiyuta/gmo-coin-bot/internal/ledger"
	"github.com/tomiyuta/gmo-coin-bot/internal/metrics"
)

const (
	healthInterval = 6 * time.Hour
	backupInterval = 24 * time.Hour
	finalizeHour   = 19
)

// ApiProber is the client surface the supervisor probes and queries.
type ApiProber interface {
	Assets(ctx context.Context) (*gmo.AccountAssets, error)
	OpenPositions(ctx context.Context, symbol string) ([]gmo.Position, error)
	RateLimit() int
}

// AllCloser closes every open position, best-effort.
type AllCloser interface {
	CloseAll(ctx context.Context) error
}

// Finalizer produces the end-of-day report and export.
type Finalizer interface {
	FinalizeDay(ctx context.Context) error
}

// BackupRunner snapshots configuration and results.
type BackupRunner interface {
	Run(now time.Time) error
}

// Supervisor runs the long-lived maintenance loops and implements the
// operator command surface.
type Supervisor struct {
	client        ApiProber
	closer        AllCloser
	finalizer     Finalizer
	backup        BackupRunner
	volumes       *ledger.DailyVolume
	collector     *metrics.Collector
	notifier      alert.Notifier
	cfg           *config.Config
	logger        *zap.Logger
	clk           clock.Clock
	guard         *restartGuard
	requiredFiles []string

	// stop cancels the process-wide context; execFn replaces the
	// process image on restart. Both injectable for tests.
	stop   context.CancelFunc
	execFn func(argv0 string, argv []string, envv []string) error

	mu         sync.Mutex
	lastHealth HealthReport
	startedAt  time.Time
}

func New(client ApiProber, closer AllCloser, finalizer Finalizer, backup BackupRunner, volumes *ledger.DailyVolume, collector *metrics.Collector, notifier alert.Notifier, cfg *config.Config, logger *zap.Logger, clk clock.Clock, stop context.CancelFunc) *Supervisor {
	return &Supervisor{
		client:        client,
		closer:        closer,
		finalizer:     finalizer,
		backup:        backup,
		volumes:       volumes,
		collector:     collector,
		notifier:      notifier,
		cfg:           cfg,
		logger:        logger,
		clk:           clk,
		guard:         newRestartGuard(clk),
		requiredFiles: []string{cfg.TradePlanPath},
		stop:          stop,
		execFn:        syscall.Exec,
		startedAt:     clk.Now(),
	}
}

// Run starts every maintenance loop and blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []func(context.Context){
		s.healthLoop,
		s.finalizeLoop,
		s.midnightLoop,
		s.backupLoop,
	}
	if s.cfg.AutoRestartHour != nil {
		loops = append(loops, s.restartHourLoop)
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}
	wg.Wait()
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := s.clk.Ticker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := s.healthCheck(ctx)
			if !report.OK {
				s.logger.Error("health check failed", zap.String("report", report.String()))
				s.Restart("health check failure")
			}
		}
	}
}

func (s *Supervisor) finalizeLoop(ctx context.Context) {
	for {
		if !s.sleepUntilHour(ctx, finalizeHour) {
			return
		}
		if err := s.finalizer.FinalizeDay(ctx); err != nil {
			s.logger.Error("day finalize failed", zap.Error(err))
			s.notify(fmt.Sprintf("day finalize failed: %v", err))
		}
	}
}

func (s *Supervisor) midnightLoop(ctx context.Context) {
	for {
		if !s.sleepUntilHour(ctx, 0) {
			return
		}
		s.volumes.Reset()
		s.logger.Info("daily volume ledger reset")
	}
}

func (s *Supervisor) restartHourLoop(ctx context.Context) {
	hour := *s.cfg.AutoRestartHour
	for {
		if !s.sleepUntilHour(ctx, hour) {
			return
		}
		s.Restart("scheduled daily restart")
	}
}

func (s *Supervisor) backupLoop(ctx context.Context) {
	ticker := s.clk.Ticker(backupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.backup.Run(s.clk.Now()); err != nil {
				s.logger.Error("backup failed", zap.Error(err))
				s.notify(fmt.Sprintf("backup failed: %v", err))
			}
		}
	}
}

// sleepUntilHour blocks until the next local occurrence of hour.
// Returns false when ctx ended first.
func (s *Supervisor) sleepUntilHour(ctx context.Context, hour int) bool {
	now := s.clk.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.clk.After(next.Sub(now)):
		return true
	}
}

// Restart closes positions best-effort and replaces the process image,
// within the restart budget. A cooldown refusal skips this restart and
// keeps the process running; only an exhausted budget halts.
func (s *Supervisor) Restart(reason string) {
	if err := s.guard.allow(); err != nil {
		if errors.Is(err, ErrRestartCooldown) {
			s.logger.Warn("restart skipped", zap.String("reason", reason), zap.Error(err))
			s.notify(fmt.Sprintf("restart skipped (%s): %v", reason, err))
			return
		}
		s.logger.Error("restart refused", zap.String("reason", reason), zap.Error(err))
		s.notify(fmt.Sprintf("restart refused (%s): %v; manual intervention required", reason, err))
		s.Stop("restart budget exhausted")
		return
	}

	s.logger.Warn("restarting", zap.String("reason", reason), zap.Int("restarts", s.guard.used()))
	s.notify(fmt.Sprintf("restarting: %s (restart %d/%d)", reason, s.guard.used(), maxRestarts))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.closer.CloseAll(ctx); err != nil {
		s.logger.Error("close-all before restart incomplete", zap.Error(err))
	}

	exe, err := os.Executable()
	if err != nil {
		s.logger.Error("cannot locate executable, stopping instead", zap.Error(err))
		s.Stop("restart failed")
		return
	}
	if err := s.execFn(exe, os.Args, os.Environ()); err != nil {
		s.logger.Error("exec failed, stopping instead", zap.Error(err))
		s.Stop("restart failed")
	}
}

// Stop closes every position best-effort and cancels the process
// context. Close failures are reported, not retried; the process is
// going down either way.
func (s *Supervisor) Stop(reason string) {
	s.logger.Warn("stopping", zap.String("reason", reason))
	s.notify("stopping: " + reason)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.closer.CloseAll(ctx); err != nil {
		s.logger.Error("close-all on stop incomplete", zap.Error(err))
		s.notify(fmt.Sprintf("positions may remain open: %v", err))
	}
	s.stop()
}

// CloseAll satisfies the command bot's kill command.
func (s *Supervisor) CloseAll(ctx context.Context) error {
	return s.closer.CloseAll(ctx)
}

// RunBackup triggers an on-demand snapshot for the command bot.
func (s *Supervisor) RunBackup() error {
	return s.backup.Run(s.clk.Now())
}

// StatusText renders the one-line status for the command bot.
func (s *Supervisor) StatusText() string {
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()
	return fmt.Sprintf("running since %s (uptime %s), restarts %d/%d, rate limit %d/s",
		started.Format("2006-01-02 15:04:05"),
		s.clk.Now().Sub(started).Truncate(time.Second),
		s.guard.used(), maxRestarts, s.client.RateLimit())
}

// HealthText returns the latest health report, or runs one when none
// has completed yet.
func (s *Supervisor) HealthText() string {
	s.mu.Lock()
	report := s.lastHealth
	s.mu.Unlock()
	if report.Time.IsZero() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		report = s.healthCheck(ctx)
	}
	return report.String()
}

// LastHealth returns the most recent report for the HTTP handler.
func (s *Supervisor) LastHealth() HealthReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHealth
}

// PerformanceText renders the metrics snapshot.
func (s *Supervisor) PerformanceText() string {
	return s.collector.Snapshot().Report()
}

// PositionText lists the open positions as the exchange reports them.
func (s *Supervisor) PositionText(ctx context.Context) string {
	positions, err := s.client.OpenPositions(ctx, "")
	if err != nil {
		return fmt.Sprintf("failed to list positions: %v", err)
	}
	if len(positions) == 0 {
		return "no open positions"
	}
	var b strings.Builder
	for i, p := range positions {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s %s size %.0f @ %.3f (id %d)",
			p.Symbol, p.Side, p.Size, p.Price, p.PositionID)
	}
	return b.String()
}

func (s *Supervisor) notify(message string) {
	if err := s.notifier.Send(message); err != nil {
		s.logger.Error("failed to send notification", zap.Error(err))
	}
}
