package xray

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/koltyakov/keyswap/internal/domain"
	"github.com/koltyakov/keyswap/internal/vless"
)

const (
	DefaultBinary       = "/usr/local/bin/xray"
	DefaultConfigPath   = "/tmp/xray_config.json"
	defaultStartupGrace = time.Second
	defaultStopGrace    = 5 * time.Second
	maxDiagnosticBytes  = 500
)

// ErrNoTunnels is returned by Restart when no link in the set parses.
var ErrNoTunnels = errors.New("no valid tunnels to launch")

// StartError reports a daemon that exited during its startup grace period.
type StartError struct {
	Output string
}

func (e *StartError) Error() string {
	if e.Output == "" {
		return "xray exited during startup"
	}
	return "xray exited during startup: " + e.Output
}

// State is the supervisor lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Options configures a [Supervisor].
type Options struct {
	Launcher     Launcher
	ConfigPath   string
	StartupGrace time.Duration
	StopGrace    time.Duration
	Logger       *slog.Logger
	// OnEvent, when set, is called after every restart and stop.
	OnEvent func(domain.Event)
}

// Supervisor owns the single daemon process. Restart and Stop are mutually
// exclusive; readers (IsRunning, Port, TunnelCount) never block on them.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	opMu sync.Mutex

	mu      sync.RWMutex
	state   State
	proc    Process
	tunnels []int64 // launched order; position i listens on SOCKSPort(i)
}

// NewSupervisor returns a stopped supervisor.
func NewSupervisor(opts Options) *Supervisor {
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{Binary: DefaultBinary}
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = DefaultConfigPath
	}
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = defaultStartupGrace
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{opts: opts, log: logger}
}

// Restart stops any running daemon, writes a fresh configuration for the
// tunnels in order, and launches a new daemon. A returned error means the
// daemon is not running; callers continue with direct connections.
func (s *Supervisor) Restart(ctx context.Context, tunnels []domain.TunnelRecord) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.stopLocked()

	ids, descriptors := parseTunnels(tunnels)
	if len(descriptors) == 0 {
		s.log.Warn("no valid tunnels, xray not started")
		return ErrNoTunnels
	}
	if err := s.writeConfig(descriptors); err != nil {
		s.log.Error("failed to write xray config", "path", s.opts.ConfigPath, "err", err)
		return err
	}

	s.setState(StateStarting)
	proc, err := s.opts.Launcher.Launch(ctx, s.opts.ConfigPath)
	if err != nil {
		s.setState(StateStopped)
		s.log.Error("failed to start xray", "err", err)
		return err
	}

	timer := time.NewTimer(s.opts.StartupGrace)
	defer timer.Stop()
	select {
	case <-proc.Done():
		s.setState(StateStopped)
		startErr := &StartError{Output: truncateOutput(proc.Output())}
		s.log.Error("xray failed to start", "output", startErr.Output)
		return startErr
	case <-ctx.Done():
		s.terminate(proc)
		s.setState(StateStopped)
		return ctx.Err()
	case <-timer.C:
	}

	s.mu.Lock()
	s.proc = proc
	s.tunnels = ids
	s.state = StateRunning
	s.mu.Unlock()
	go s.watch(proc)

	s.log.Info("xray started", "pid", proc.Pid(), "tunnels", len(ids), "config", s.opts.ConfigPath)
	s.emit(domain.Event{Kind: domain.EventDaemonRestart, Message: fmt.Sprintf("xray running with %d tunnels", len(ids))})
	return nil
}

// Stop terminates the daemon gracefully, force-killing after the stop grace.
func (s *Supervisor) Stop(_ context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.stopLocked() {
		s.emit(domain.Event{Kind: domain.EventDaemonStop, Message: "xray stopped"})
	}
	return nil
}

// IsRunning reports whether a daemon handle exists and has not exited.
func (s *Supervisor) IsRunning() bool {
	s.mu.RLock()
	proc := s.proc
	s.mu.RUnlock()
	if proc == nil {
		return false
	}
	select {
	case <-proc.Done():
		return false
	default:
		return true
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	if s.IsRunning() {
		return StateRunning
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateStarting {
		return StateStarting
	}
	return StateStopped
}

// TunnelCount is the number of tunnels of the last successful launch.
func (s *Supervisor) TunnelCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tunnels)
}

// PID returns the daemon process id, or 0 when not running.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	proc := s.proc
	s.mu.RUnlock()
	if proc == nil {
		return 0
	}
	return proc.Pid()
}

// Port returns the local SOCKS5 port serving tunnelID, if the running daemon
// was launched with it.
func (s *Supervisor) Port(tunnelID int64) (int, bool) {
	if !s.IsRunning() {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, id := range s.tunnels {
		if id == tunnelID {
			return domain.SOCKSPort(i), true
		}
	}
	return 0, false
}

// Drifted reports whether the daemon must be restarted to serve desired:
// it is not running, or was launched with a different tunnel count or order.
func (s *Supervisor) Drifted(desired []domain.TunnelRecord) bool {
	ids, _ := parseTunnels(desired)
	if !s.IsRunning() {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(ids) != len(s.tunnels) {
		return true
	}
	for i := range ids {
		if ids[i] != s.tunnels[i] {
			return true
		}
	}
	return false
}

func (s *Supervisor) watch(proc Process) {
	<-proc.Done()
	s.mu.Lock()
	crashed := s.proc == proc
	if crashed {
		s.proc = nil
		s.state = StateStopped
	}
	s.mu.Unlock()
	if crashed {
		s.log.Warn("xray exited unexpectedly", "pid", proc.Pid(), "output", truncateOutput(proc.Output()))
	}
}

// stopLocked requires opMu. It reports whether a process was stopped.
func (s *Supervisor) stopLocked() bool {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.state = StateStopped
	s.mu.Unlock()
	if proc == nil {
		return false
	}
	s.terminate(proc)
	s.log.Info("xray stopped", "pid", proc.Pid())
	return true
}

func (s *Supervisor) terminate(proc Process) {
	select {
	case <-proc.Done():
		return
	default:
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		_ = proc.Kill()
	}
	timer := time.NewTimer(s.opts.StopGrace)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return
	case <-timer.C:
	}
	s.log.Warn("xray did not exit after SIGTERM, killing", "pid", proc.Pid())
	_ = proc.Kill()
	timer.Reset(s.opts.StopGrace)
	select {
	case <-proc.Done():
	case <-timer.C:
		s.log.Error("xray did not exit after SIGKILL", "pid", proc.Pid())
	}
}

func (s *Supervisor) writeConfig(descriptors []vless.Descriptor) error {
	data, err := marshalConfig(GenerateConfig(descriptors))
	if err != nil {
		return err
	}
	path := s.opts.ConfigPath
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	s.log.Info("xray config saved", "path", path, "tunnels", len(descriptors))
	return nil
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) emit(ev domain.Event) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}

func parseTunnels(tunnels []domain.TunnelRecord) ([]int64, []vless.Descriptor) {
	ids := make([]int64, 0, len(tunnels))
	descriptors := make([]vless.Descriptor, 0, len(tunnels))
	for _, t := range tunnels {
		d, ok := vless.Parse(t.URL)
		if !ok {
			continue
		}
		ids = append(ids, t.ID)
		descriptors = append(descriptors, d)
	}
	return ids, descriptors
}

func truncateOutput(v string) string {
	if len(v) > maxDiagnosticBytes {
		return v[:maxDiagnosticBytes]
	}
	return v
}
