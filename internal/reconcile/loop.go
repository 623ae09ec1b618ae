// Package reconcile keeps credential balances and the tunnel daemon in line
// with the store. One Loop runs per server.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koltyakov/keyswap/internal/clock"
	"github.com/koltyakov/keyswap/internal/domain"
	"github.com/koltyakov/keyswap/internal/upstream"
)

const (
	DefaultInterval   = 10 * time.Second
	DefaultRetryDelay = 30 * time.Second
)

// Credentials is the part of the pool the loop drives.
type Credentials interface {
	List(ctx context.Context) ([]domain.Credential, error)
	UpdateBalance(ctx context.Context, id int64, balance *float64, nextReset *time.Time) error
	Deactivate(ctx context.Context, id int64) error
	Reactivate(ctx context.Context, id int64) error
}

// Tunnels lists the tunnels the daemon should be serving, in launch order.
type Tunnels interface {
	ListActiveTunnels(ctx context.Context) ([]domain.TunnelRecord, error)
}

type Prober interface {
	Probe(ctx context.Context, secret string, port int) domain.BalanceReport
}

// Daemon is implemented by *xray.Supervisor.
type Daemon interface {
	IsRunning() bool
	Port(tunnelID int64) (int, bool)
	Drifted(desired []domain.TunnelRecord) bool
	Restart(ctx context.Context, tunnels []domain.TunnelRecord) error
	Stop(ctx context.Context) error
}

type Options struct {
	Credentials Credentials
	Tunnels     Tunnels
	Prober      Prober
	Daemon      Daemon
	Clock       clock.Clock
	Logger      *slog.Logger

	Interval          time.Duration
	RetryDelay        time.Duration
	Threshold         float64
	ReactivateOnReset bool

	// OnReport receives every finished cycle, including failed ones.
	OnReport func(domain.CycleReport)
}

type Loop struct {
	opts  Options
	clock clock.Clock
	log   *slog.Logger

	cycleMu sync.Mutex
}

func New(opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	l := &Loop{opts: opts, clock: opts.Clock, log: opts.Logger}
	if l.clock == nil {
		l.clock = clock.Real()
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	return l
}

// Run executes cycles until ctx is cancelled. A failed cycle is retried
// after RetryDelay instead of Interval. Cancellation is only observed
// between cycles.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("reconciliation loop started", "interval", l.opts.Interval.String())
	for ctx.Err() == nil {
		delay := l.opts.Interval
		if _, err := l.RunOnce(ctx); err != nil {
			l.log.Error("reconciliation cycle failed", "err", err, "retry_in", l.opts.RetryDelay.String())
			delay = l.opts.RetryDelay
		}
		select {
		case <-ctx.Done():
		case <-l.clock.After(delay):
		}
	}
	l.log.Info("reconciliation loop stopped")
	return nil
}

// RunOnce performs a single cycle. Concurrent calls are serialised. The
// cycle runs to completion even if ctx is cancelled part way through.
func (l *Loop) RunOnce(ctx context.Context) (domain.CycleReport, error) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	report := domain.CycleReport{StartedAt: l.clock.Now().UTC()}
	err := l.cycle(ctx, &report)
	if err != nil {
		report.Error = err.Error()
	}
	report.DaemonRunning = l.opts.Daemon.IsRunning()
	report.Duration = l.clock.Now().Sub(report.StartedAt).String()
	if l.opts.OnReport != nil {
		l.opts.OnReport(report)
	}
	return report, err
}

func (l *Loop) cycle(ctx context.Context, report *domain.CycleReport) error {
	creds, err := l.opts.Credentials.List(ctx)
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}

	if l.opts.ReactivateOnReset {
		now := l.clock.Now()
		for i := range creds {
			c := &creds[i]
			if c.Active || c.NextResetAt == nil || c.NextResetAt.After(now) {
				continue
			}
			if err := l.opts.Credentials.Reactivate(ctx, c.ID); err != nil {
				return fmt.Errorf("reactivate credential %d: %w", c.ID, err)
			}
			c.Active = true
			report.Reactivated = append(report.Reactivated, c.ID)
			l.log.Info("credential reactivated after quota reset", "credential_id", c.ID, "reset_at", c.NextResetAt.UTC())
		}
	}

	running := l.opts.Daemon.IsRunning()
	for _, c := range creds {
		if !c.Active {
			continue
		}
		port := upstream.Direct
		if tid, ok := c.RoutedTunnel(); ok && running {
			if p, ok := l.opts.Daemon.Port(tid); ok {
				port = p
			}
		}

		probe := l.opts.Prober.Probe(ctx, c.Secret, port)
		report.Probed++
		if probe.Err != nil {
			report.ProbeFailures++
			l.log.Warn("balance probe failed", "credential_id", c.ID, "port", port, "err", probe.Err)
			continue
		}
		if err := l.opts.Credentials.UpdateBalance(ctx, c.ID, probe.Balance, probe.NextResetAt); err != nil {
			return fmt.Errorf("update balance of credential %d: %w", c.ID, err)
		}
		if probe.Balance != nil && *probe.Balance < l.opts.Threshold {
			if err := l.opts.Credentials.Deactivate(ctx, c.ID); err != nil {
				return fmt.Errorf("deactivate credential %d: %w", c.ID, err)
			}
			report.Deactivated = append(report.Deactivated, c.ID)
			l.log.Warn("credential deactivated",
				"credential_id", c.ID,
				"balance", fmt.Sprintf("%.2f", *probe.Balance),
				"threshold", fmt.Sprintf("%.2f", l.opts.Threshold),
			)
		}
	}

	return l.reconcileDaemon(ctx, report)
}

func (l *Loop) reconcileDaemon(ctx context.Context, report *domain.CycleReport) error {
	desired, err := l.opts.Tunnels.ListActiveTunnels(ctx)
	if err != nil {
		return fmt.Errorf("list active tunnels: %w", err)
	}
	report.DesiredTunnels = len(desired)

	d := l.opts.Daemon
	if len(desired) == 0 {
		if d.IsRunning() {
			l.log.Info("no active tunnels, stopping daemon")
			if err := d.Stop(ctx); err != nil {
				l.log.Warn("daemon stop failed", "err", err)
			}
		}
		return nil
	}
	if d.IsRunning() && !d.Drifted(desired) {
		return nil
	}

	l.log.Info("restarting daemon", "tunnels", len(desired), "was_running", d.IsRunning())
	if err := d.Restart(ctx, desired); err != nil {
		// Credentials fall back to direct routing until the next cycle.
		l.log.Error("daemon restart failed", "err", err)
		return nil
	}
	report.DaemonRestart = true
	return nil
}
