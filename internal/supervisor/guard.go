package supervisor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	restartCooldown = 300 * time.Second
	maxRestarts     = 5
)

// ErrRestartBudgetExhausted means the process must halt for manual
// intervention instead of restarting again.
var ErrRestartBudgetExhausted = errors.New("restart budget exhausted")

// ErrRestartCooldown means a restart happened too recently.
var ErrRestartCooldown = errors.New("restart cooldown active")

// restartGuard bounds automatic restarts per process lifetime.
type restartGuard struct {
	mu       sync.Mutex
	clk      clock.Clock
	cooldown time.Duration
	max      int
	count    int
	last     time.Time
}

func newRestartGuard(clk clock.Clock) *restartGuard {
	return &restartGuard{
		clk:      clk,
		cooldown: restartCooldown,
		max:      maxRestarts,
	}
}

// allow consumes one restart slot or explains why it cannot.
func (g *restartGuard) allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.count >= g.max {
		return fmt.Errorf("%w: %d restarts used", ErrRestartBudgetExhausted, g.count)
	}
	now := g.clk.Now()
	if !g.last.IsZero() && now.Sub(g.last) < g.cooldown {
		return fmt.Errorf("%w: last restart %s ago",
			ErrRestartCooldown, now.Sub(g.last).Truncate(time.Second))
	}
	g.count++
	g.last = now
	return nil
}

func (g *restartGuard) used() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}
