// Package proc supervises the signal-cli subprocess: spawn, health probing,
// crash detection, and automatic restart.
package proc

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rfagundes/sigd/internal/bus"
	"github.com/rfagundes/sigd/internal/rpc"
	"github.com/rfagundes/sigd/internal/status"
	"go.uber.org/zap"
)

const (
	// probeInterval paces the startup capability probe.
	probeInterval = 500 * time.Millisecond
	// connectDeadline bounds the whole startup probe; signal-cli can take
	// over a minute to settle on slow hosts.
	connectDeadline = 2 * time.Minute
	// restartDelay spaces restart attempts after an unexpected exit.
	restartDelay = 5 * time.Second

	probeTimeout = 10 * time.Second
)

// Config describes how to launch the subprocess.
type Config struct {
	// Bin is the signal-cli executable (name or path).
	Bin string
	// Args are passed verbatim; the account and jsonRpc mode live here.
	Args []string
}

// Supervisor owns the subprocess lifecycle. The rpc client is attached to
// the child's stdin/stdout while it runs and detached on exit, which
// rejects any in-flight calls.
type Supervisor struct {
	cfg     Config
	client  *rpc.Client
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	// Overridable in tests.
	probeInterval   time.Duration
	connectDeadline time.Duration
	restartDelay    time.Duration

	mu           sync.Mutex
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	generation   int
	stopping     bool
	restartTimer *time.Timer
}

// NewSupervisor creates a supervisor; nothing runs until Connect.
func NewSupervisor(cfg Config, client *rpc.Client, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:             cfg,
		client:          client,
		machine:         machine,
		bus:             b,
		logger:          logger,
		probeInterval:   probeInterval,
		connectDeadline: connectDeadline,
		restartDelay:    restartDelay,
	}
}

// Connect spawns the subprocess and probes it until the channel is usable.
// On probe deadline the subprocess is killed and the transport goes back
// to Stopped with an error.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping || s.cmd != nil {
		s.mu.Unlock()
		return fmt.Errorf("proc: already connected or stopping")
	}
	s.mu.Unlock()

	if err := s.machine.Transition(status.Starting); err != nil {
		return err
	}
	if err := s.spawn(); err != nil {
		_ = s.machine.Transition(status.Stopped)
		return err
	}
	if err := s.probe(ctx); err != nil {
		// Invalidate the exit waiter first so the kill below does not
		// read as a crash and schedule a restart.
		s.mu.Lock()
		s.generation++
		s.mu.Unlock()
		s.client.Detach(rpc.ErrDisconnected)
		s.kill()
		_ = s.machine.Transition(status.Stopped)
		return err
	}
	s.becomeHealthy()
	return nil
}

func (s *Supervisor) spawn() error {
	cmd := exec.Command(s.cfg.Bin, s.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.Bin, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.logger.Info("subprocess started",
		zap.String("bin", s.cfg.Bin), zap.Int("pid", cmd.Process.Pid))

	s.client.Attach(stdin)
	go s.pump(stdout)
	go s.drainStderr(stderr)
	go s.waitExit(cmd, gen)
	return nil
}

// probe issues the capability call until it succeeds or the deadline hits.
// Probe errors are expected while the subprocess warms up.
func (s *Supervisor) probe(ctx context.Context) error {
	deadline := time.Now().Add(s.connectDeadline)
	probeCtx, cancelProbe := context.WithDeadline(ctx, deadline)
	defer cancelProbe()
	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()
	for {
		callCtx, cancel := context.WithTimeout(probeCtx, probeTimeout)
		_, err := s.client.Call(callCtx, "version", nil)
		cancel()
		if err == nil {
			return nil
		}
		s.logger.Debug("capability probe failed", zap.Error(err))
		if time.Now().After(deadline) {
			return fmt.Errorf("proc: subprocess not ready after %s: %w", s.connectDeadline, err)
		}
		select {
		case <-ticker.C:
		case <-probeCtx.Done():
			return fmt.Errorf("proc: subprocess not ready after %s: %w", s.connectDeadline, probeCtx.Err())
		}
	}
}

func (s *Supervisor) becomeHealthy() {
	if err := s.machine.Transition(status.Healthy); err != nil {
		s.logger.Warn("healthy transition rejected", zap.Error(err))
		return
	}
	s.logger.Info("transport healthy")
	s.bus.Publish(bus.Event{Kind: "transport.healthy", Timestamp: time.Now()})
}

func (s *Supervisor) pump(stdout io.Reader) {
	if err := s.client.ReadFrom(stdout); err != nil && err != io.EOF {
		s.logger.Debug("stdout pump ended", zap.Error(err))
	}
}

func (s *Supervisor) drainStderr(stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			s.logger.Debug("subprocess stderr", zap.ByteString("output", buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// waitExit reaps the subprocess. The generation guard keeps a stale waiter
// from acting after a restart replaced the process.
func (s *Supervisor) waitExit(cmd *exec.Cmd, gen int) {
	err := cmd.Wait()

	s.mu.Lock()
	if gen != s.generation || s.stopping {
		s.mu.Unlock()
		return
	}
	s.cmd = nil
	s.stdin = nil
	s.mu.Unlock()

	s.logger.Warn("subprocess exited unexpectedly", zap.Error(err))
	s.client.Detach(fmt.Errorf("subprocess exited: %w", errOrExit(err)))
	if terr := s.machine.Transition(status.Unhealthy); terr != nil {
		s.logger.Warn("unhealthy transition rejected", zap.Error(terr))
	}
	s.bus.Publish(bus.Event{Kind: "transport.unhealthy", Timestamp: time.Now()})
	s.scheduleRestart()
}

func errOrExit(err error) error {
	if err == nil {
		return fmt.Errorf("clean exit")
	}
	return err
}

func (s *Supervisor) scheduleRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.logger.Info("restart scheduled", zap.Duration("delay", s.restartDelay))
	s.restartTimer = time.AfterFunc(s.restartDelay, func() {
		if err := s.Connect(context.Background()); err != nil {
			// A failed attempt (spawn error, probe deadline) re-enters
			// the backoff instead of leaving the daemon stopped.
			s.logger.Error("restart failed", zap.Error(err))
			s.scheduleRestart()
		}
	})
}

// Disconnect stops the subprocess and cancels any pending restart. It is
// idempotent; calling it while already stopped is a no-op.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.mu.Unlock()

	s.client.Detach(rpc.ErrDisconnected)
	s.kill()
	if err := s.machine.Transition(status.Stopped); err != nil {
		s.logger.Warn("stopped transition rejected", zap.Error(err))
	}
	s.bus.Publish(bus.Event{Kind: "transport.stopped", Timestamp: time.Now()})
	s.logger.Info("transport stopped")
}

func (s *Supervisor) kill() {
	s.mu.Lock()
	cmd := s.cmd
	stdin := s.stdin
	s.cmd = nil
	s.stdin = nil
	s.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
