package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	mgerr "mudgate/internal/errors"
	"mudgate/internal/metrics"
	"mudgate/internal/retry"
	"mudgate/util"
)

// DefaultStopTimeout bounds how long Stop waits for the Server child
// after each signal.
const DefaultStopTimeout = 10 * time.Second

// SupervisorConfig describes the Server command the Portal keeps alive.
type SupervisorConfig struct {
	Command     string
	Args        []string
	Env         []string // appended to the Portal's environment
	Backoff     *retry.Backoff
	CrashLoop   retry.CrashLoopConfig
	StopTimeout time.Duration
	Stdout      io.Writer
	Stderr      io.Writer
}

// Supervisor spawns the Server command and respawns it after every
// exit until Stop.  Exit code 3 and exit code 0 are planned exits and
// respawn at once; anything else is a crash and respawns after a
// backoff, with a crash-loop guard that pauses respawning when the
// Server keeps dying.
type Supervisor struct {
	cfg     SupervisorConfig
	log     *util.Logger
	metrics *metrics.Collector
	guard   *retry.CrashLoop

	quit     chan struct{}
	quitOnce sync.Once

	mu        sync.Mutex
	cmd       *exec.Cmd
	exited    chan struct{}
	restartRq bool
	spawns    int
}

// NewSupervisor prepares a supervisor.  Nothing runs until Run.
func NewSupervisor(cfg SupervisorConfig, log *util.Logger, m *metrics.Collector) *Supervisor {
	if cfg.Backoff == nil {
		cfg.Backoff = retry.DefaultBackoff()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	log = log.With("supervisor")
	cl := cfg.CrashLoop
	cl.OnStateChange = func(from, to retry.State) {
		log.Warn("crash-loop guard %s -> %s", from, to)
	}
	return &Supervisor{
		cfg:     cfg,
		log:     log,
		metrics: m,
		guard:   retry.NewCrashLoop(cl),
		quit:    make(chan struct{}),
	}
}

// Run keeps the Server alive until ctx is done or Stop is called.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	crashes := 0
	for !s.quitting(ctx) {
		if err := s.guard.Allow(); err != nil {
			s.log.Error("server not respawned: %v", err)
			if !retry.Sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		started := time.Now()
		planned, err := s.runOnce()
		ranFor := time.Since(started)
		if s.quitting(ctx) {
			return nil
		}

		s.guard.RecordExit(planned, ranFor)
		s.metrics.ServerRestarted()

		var wait time.Duration
		if planned {
			crashes = 0
			s.log.Info("server exited after %s, respawning", ranFor.Truncate(time.Millisecond))
		} else {
			crashes++
			wait = s.cfg.Backoff.Delay(crashes)
			s.metrics.RecordError("supervisor", err.Error())
			s.log.Warn("server crashed after %s: %v (respawn in %s)", ranFor.Truncate(time.Millisecond), err, wait)
		}
		if wait > 0 && !retry.Sleep(ctx, wait) {
			return nil
		}
	}
	return nil
}

func (s *Supervisor) quitting(ctx context.Context) bool {
	select {
	case <-s.quit:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// runOnce starts the command and waits for it.  planned reports a
// restart or clean exit; err describes a crash.
func (s *Supervisor) runOnce() (planned bool, err error) {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Stdout = s.cfg.Stdout
	cmd.Stderr = s.cfg.Stderr

	exited := make(chan struct{})
	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		return true, nil
	default:
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}
	s.cmd = cmd
	s.exited = exited
	s.restartRq = false
	s.spawns++
	s.mu.Unlock()
	s.log.Verbose("started server pid %d", cmd.Process.Pid)

	werr := cmd.Wait()
	s.mu.Lock()
	requested := s.restartRq
	s.cmd = nil
	s.mu.Unlock()
	close(exited)

	code := cmd.ProcessState.ExitCode()
	switch {
	case werr == nil, code == mgerr.ExitRestart:
		return true, nil
	case requested:
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(werr, &ee) {
		return false, fmt.Errorf("exit status %d", code)
	}
	return false, werr
}

// Running reports whether a Server child is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// PID returns the child's pid, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Spawns returns how many times the command was started.
func (s *Supervisor) Spawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

// Restart interrupts the running child and respawns it without
// counting a crash.  It is the fallback when the Server is not
// attached and cannot be asked over the link.
func (s *Supervisor) Restart() error {
	s.mu.Lock()
	cmd := s.cmd
	if cmd != nil {
		s.restartRq = true
	}
	s.mu.Unlock()
	if cmd == nil {
		return errors.New("server is not running")
	}
	s.guard.Reset()
	s.log.Info("restarting server pid %d", cmd.Process.Pid)
	return interrupt(cmd.Process)
}

// Stop ends supervision and waits for the child.  A child still alive
// after half of StopTimeout is interrupted, and killed after another
// StopTimeout.
func (s *Supervisor) Stop() {
	s.Quit()

	s.mu.Lock()
	cmd, exited := s.cmd, s.exited
	s.mu.Unlock()
	if cmd == nil {
		return
	}

	select {
	case <-exited:
		return
	case <-time.After(s.cfg.StopTimeout / 2):
	}
	if err := interrupt(cmd.Process); err != nil {
		s.log.Debug("interrupt pid %d: %v", cmd.Process.Pid, err)
	}
	select {
	case <-exited:
		return
	case <-time.After(s.cfg.StopTimeout):
	}
	s.log.Warn("server pid %d ignored interrupt, killing", cmd.Process.Pid)
	_ = cmd.Process.Kill()
	<-exited
}

// Quit stops further respawns without touching the running child.
func (s *Supervisor) Quit() { s.quitOnce.Do(func() { close(s.quit) }) }

// interrupt asks the process to shut down, killing it where signals
// are unsupported.
func interrupt(p *os.Process) error {
	if err := p.Signal(os.Interrupt); err != nil {
		return p.Kill()
	}
	return nil
}
