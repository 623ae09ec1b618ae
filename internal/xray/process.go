package xray

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

const outputBufferSize = 4 << 10

// Process is a running daemon instance.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Output returns the most recent combined stdout/stderr bytes.
	Output() string
}

// Launcher starts daemon processes for a configuration file.
type Launcher interface {
	Launch(ctx context.Context, configPath string) (Process, error)
}

// ExecLauncher runs `<Binary> run -config <path>`.
type ExecLauncher struct {
	Binary string
}

// Launch starts the daemon. The process is not bound to ctx; it lives until
// stopped through the returned handle.
func (l ExecLauncher) Launch(_ context.Context, configPath string) (Process, error) {
	if l.Binary == "" {
		return nil, errors.New("xray binary path not configured")
	}
	out := &tailBuffer{limit: outputBufferSize}
	cmd := exec.Command(l.Binary, "run", "-config", configPath)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Binary, err)
	}
	p := &execProcess{cmd: cmd, out: out, done: make(chan struct{})}
	// Reap in the background so Done reflects crashes as well as stops.
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	out     *tailBuffer
	done    chan struct{}
	waitErr error
}

func (p *execProcess) Pid() int                   { return p.cmd.Process.Pid }
func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                { return p.cmd.Process.Kill() }
func (p *execProcess) Done() <-chan struct{}      { return p.done }
func (p *execProcess) Output() string             { return p.out.String() }

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
