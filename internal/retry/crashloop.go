package retry

import (
	"fmt"
	"sync"
	"time"
)

// ── Crash-loop guard ─────────────────────────────────────────────────

// State is the guard's operational state.
type State int

const (
	// StateClosed is normal operation: respawns are allowed.
	StateClosed State = iota
	// StateOpen means the child is crash-looping: respawns are refused
	// until the cool-down elapses.
	StateOpen
	// StateHalfOpen allows one probe respawn after the cool-down.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CrashLoopConfig configures a [CrashLoop].
type CrashLoopConfig struct {
	// MaxCrashes is the number of crashes inside Window that opens the
	// guard (default 5).
	MaxCrashes int
	// Window is the sliding window crashes are counted in (default 60s).
	Window time.Duration
	// CoolDown is how long the guard stays open (default 30s).
	CoolDown time.Duration
	// StableAfter is how long a child must run before a later crash
	// no longer counts against a half-open probe (default 10s).
	StableAfter time.Duration
	// OnStateChange is called under the lock on every transition.
	OnStateChange func(from, to State)
}

// CrashLoop decides whether a supervisor may respawn a child process
// that just exited.  Planned exits (restart requests) are not crashes
// and never count against the budget.
type CrashLoop struct {
	mu      sync.Mutex
	cfg     CrashLoopConfig
	state   State
	crashes []time.Time
	opened  time.Time
	now     func() time.Time
}

// NewCrashLoop creates a guard with defaults filled in.
func NewCrashLoop(cfg CrashLoopConfig) *CrashLoop {
	if cfg.MaxCrashes <= 0 {
		cfg.MaxCrashes = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = 10 * time.Second
	}
	return &CrashLoop{cfg: cfg, state: StateClosed, now: time.Now}
}

// RecordExit registers a child exit.  planned is true when the child
// exited because a restart was requested.  ranFor is the child's
// lifetime, used to close a half-open guard after a stable run.
func (c *CrashLoop) RecordExit(planned bool, ranFor time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if planned || ranFor >= c.cfg.StableAfter {
		if c.state == StateHalfOpen {
			c.crashes = c.crashes[:0]
			c.transition(StateClosed)
		}
		if planned {
			return
		}
	}

	now := c.now()
	c.crashes = append(c.crashes, now)
	cutoff := now.Add(-c.cfg.Window)
	kept := c.crashes[:0]
	for _, t := range c.crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.crashes = kept

	if c.state == StateHalfOpen || len(c.crashes) >= c.cfg.MaxCrashes {
		c.opened = now
		c.transition(StateOpen)
	}
}

// Allow reports whether a respawn may happen now.  When refused, the
// error says how long the cool-down still runs.
func (c *CrashLoop) Allow() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		return nil
	}
	elapsed := c.now().Sub(c.opened)
	if elapsed >= c.cfg.CoolDown {
		c.transition(StateHalfOpen)
		return nil
	}
	return fmt.Errorf("crash loop: %d crashes within %v, respawn in %v",
		len(c.crashes), c.cfg.Window, (c.cfg.CoolDown - elapsed).Truncate(time.Second))
}

// CurrentState returns the guard state.
func (c *CrashLoop) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Crashes returns the number of crashes inside the current window.
func (c *CrashLoop) Crashes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.crashes)
}

// Reset forces the guard closed, e.g. after an operator restart.
func (c *CrashLoop) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crashes = c.crashes[:0]
	c.transition(StateClosed)
}

func (c *CrashLoop) transition(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to)
	}
}
