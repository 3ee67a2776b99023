package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomiyuta/gmo-coin-bot/internal/alert"
	"github.com/tomiyuta/gmo-coin-bot/internal/config"
	"github.com/tomiyuta/gmo-coin-bot/internal/exchange/gmo"
	"github.com/tomiyuta/gmo-coin-bot/internal/ledger"
	"github.com/tomiyuta/gmo-coin-bot/internal/metrics"
)

type stubProber struct {
	assetsErr error
	positions []gmo.Position
}

func (s *stubProber) Assets(_ context.Context) (*gmo.AccountAssets, error) {
	if s.assetsErr != nil {
		return nil, s.assetsErr
	}
	return &gmo.AccountAssets{Balance: 100_000, AvailableAmount: 100_000}, nil
}

func (s *stubProber) OpenPositions(_ context.Context, _ string) ([]gmo.Position, error) {
	return s.positions, nil
}

func (s *stubProber) RateLimit() int { return 20 }

type stubCloser struct {
	calls int
	err   error
}

func (s *stubCloser) CloseAll(_ context.Context) error {
	s.calls++
	return s.err
}

type stubFinalizer struct{ calls int }

func (s *stubFinalizer) FinalizeDay(_ context.Context) error {
	s.calls++
	return nil
}

type stubBackup struct{ calls int }

func (s *stubBackup) Run(_ time.Time) error {
	s.calls++
	return nil
}

func newTestSupervisor(t *testing.T, clk clock.Clock) (*Supervisor, *stubCloser, *bool) {
	t.Helper()
	stopped := false
	closer := &stubCloser{}
	s := New(&stubProber{}, closer, &stubFinalizer{}, &stubBackup{},
		ledger.NewDailyVolume(15_000_000), metrics.NewCollector(clk),
		alert.NewNoOpNotifier(), &config.Config{TradePlanPath: "trades.csv"},
		zap.NewNop(), clk, func() { stopped = true })
	s.requiredFiles = nil
	s.execFn = func(_ string, _ []string, _ []string) error {
		return errors.New("exec disabled in tests")
	}
	return s, closer, &stopped
}

func TestRestartGuardCooldown(t *testing.T) {
	clk := clock.NewMock()
	g := newRestartGuard(clk)

	require.NoError(t, g.allow())
	err := g.allow()
	assert.ErrorIs(t, err, ErrRestartCooldown)

	clk.Add(301 * time.Second)
	assert.NoError(t, g.allow())
}

func TestRestartGuardBudget(t *testing.T) {
	clk := clock.NewMock()
	g := newRestartGuard(clk)

	for i := 0; i < maxRestarts; i++ {
		require.NoError(t, g.allow())
		clk.Add(restartCooldown)
	}
	err := g.allow()
	assert.ErrorIs(t, err, ErrRestartBudgetExhausted)

	// The budget never refills within one process lifetime.
	clk.Add(24 * time.Hour)
	assert.ErrorIs(t, g.allow(), ErrRestartBudgetExhausted)
}

func TestRestartCooldownSkipsButKeepsRunning(t *testing.T) {
	clk := clock.NewMock()
	s, closer, stopped := newTestSupervisor(t, clk)
	s.guard.count = 1
	s.guard.last = clk.Now().Add(-time.Minute)

	s.Restart("health check failure")

	assert.False(t, *stopped, "a cooldown refusal must not stop the bot")
	assert.Zero(t, closer.calls, "a skipped restart must not touch positions")
	assert.Equal(t, 1, s.guard.used(), "no restart slot is consumed")
}

func TestRestartExhaustedBudgetHalts(t *testing.T) {
	clk := clock.NewMock()
	s, closer, stopped := newTestSupervisor(t, clk)
	s.guard.count = maxRestarts

	s.Restart("health check failure")

	assert.True(t, *stopped, "exhausted budget must stop, not loop")
	assert.Equal(t, 1, closer.calls, "stop still closes positions")
}

func TestRestartClosesPositionsFirst(t *testing.T) {
	clk := clock.NewMock()
	s, closer, stopped := newTestSupervisor(t, clk)

	s.Restart("scheduled daily restart")

	// exec is stubbed to fail, so the restart degrades into a stop;
	// both paths must have tried to close positions.
	assert.GreaterOrEqual(t, closer.calls, 1)
	assert.True(t, *stopped)
}

func TestStopBestEffort(t *testing.T) {
	clk := clock.NewMock()
	s, closer, stopped := newTestSupervisor(t, clk)
	closer.err = errors.New("position 1 stuck")

	s.Stop("operator command")

	assert.Equal(t, 1, closer.calls)
	assert.True(t, *stopped, "close failure must not block the stop")
}

func TestSleepUntilHour(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC))
	s, _, _ := newTestSupervisor(t, clk)

	done := make(chan bool, 1)
	go func() { done <- s.sleepUntilHour(context.Background(), 19) }()

	time.Sleep(10 * time.Millisecond)
	clk.Add(time.Hour)
	assert.True(t, <-done)
}

func TestMidnightLoopResetsLedger(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC))
	s, _, _ := newTestSupervisor(t, clk)
	require.NoError(t, s.volumes.Reserve("USD_JPY", 5000))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.midnightLoop(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	clk.Add(time.Hour)
	time.Sleep(10 * time.Millisecond)

	assert.Zero(t, s.volumes.Volume("USD_JPY"))
	cancel()
	<-done
}

func TestRunBackupOnDemand(t *testing.T) {
	clk := clock.NewMock()
	s, _, _ := newTestSupervisor(t, clk)

	require.NoError(t, s.RunBackup())
	assert.Equal(t, 1, s.backup.(*stubBackup).calls)
}

func TestHealthReportString(t *testing.T) {
	report := HealthReport{
		Time: time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC),
		OK:   false,
		Checks: []CheckResult{
			{Name: "api", OK: true, Detail: "rate limit 20/s"},
			{Name: "disk", OK: false, Detail: "0.4 GiB free"},
		},
	}
	text := report.String()
	assert.Contains(t, text, "UNHEALTHY")
	assert.Contains(t, text, "disk")
	assert.Contains(t, text, "FAIL")
}

func TestStatusText(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	s, _, _ := newTestSupervisor(t, clk)
	clk.Add(90 * time.Minute)

	text := s.StatusText()
	assert.Contains(t, text, "1h30m0s")
	assert.Contains(t, text, "restarts 0/5")
	assert.Contains(t, text, "rate limit 20/s")
}

func TestPositionText(t *testing.T) {
	clk := clock.NewMock()
	s, _, _ := newTestSupervisor(t, clk)

	assert.Equal(t, "no open positions", s.PositionText(context.Background()))

	s.client.(*stubProber).positions = []gmo.Position{
		{PositionID: 501, Symbol: "USD_JPY", Side: gmo.SideBuy, Price: 150.123, Size: 10000},
	}
	text := s.PositionText(context.Background())
	assert.Contains(t, text, "USD_JPY BUY size 10000 @ 150.123 (id 501)")
}
