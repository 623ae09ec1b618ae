package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/koltyakov/keyswap/internal/clock"
	"github.com/koltyakov/keyswap/internal/domain"
	"github.com/koltyakov/keyswap/internal/upstream"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeCredentials struct {
	mu      sync.Mutex
	creds   []domain.Credential
	listErr error
	lists   int
}

func (f *fakeCredentials) List(context.Context) ([]domain.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return slices.Clone(f.creds), nil
}

func (f *fakeCredentials) find(id int64) *domain.Credential {
	for i := range f.creds {
		if f.creds[i].ID == id {
			return &f.creds[i]
		}
	}
	return nil
}

func (f *fakeCredentials) UpdateBalance(_ context.Context, id int64, balance *float64, nextReset *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(id)
	c.Balance = balance
	if nextReset != nil {
		c.NextResetAt = nextReset
	}
	return nil
}

func (f *fakeCredentials) Deactivate(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.find(id).Active = false
	return nil
}

func (f *fakeCredentials) Reactivate(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.find(id).Active = true
	return nil
}

func (f *fakeCredentials) get(id int64) domain.Credential {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.find(id)
}

type fakeTunnels struct {
	tunnels []domain.TunnelRecord
}

func (f *fakeTunnels) ListActiveTunnels(context.Context) ([]domain.TunnelRecord, error) {
	return slices.Clone(f.tunnels), nil
}

type probeCall struct {
	secret string
	port   int
}

type fakeProber struct {
	mu      sync.Mutex
	reports map[string]domain.BalanceReport
	calls   []probeCall
}

func (f *fakeProber) Probe(_ context.Context, secret string, port int) domain.BalanceReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, probeCall{secret: secret, port: port})
	return f.reports[secret]
}

type fakeDaemon struct {
	mu         sync.Mutex
	running    bool
	drifted    bool
	ports      map[int64]int
	restarts   int
	stops      int
	restartErr error
}

func (f *fakeDaemon) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeDaemon) Port(id int64) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.ports[id]
	return p, ok && f.running
}

func (f *fakeDaemon) Drifted([]domain.TunnelRecord) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drifted
}

func (f *fakeDaemon) Restart(context.Context, []domain.TunnelRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	if f.restartErr != nil {
		return f.restartErr
	}
	f.running = true
	f.drifted = false
	return nil
}

func (f *fakeDaemon) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	return nil
}

func balance(v float64) *float64 { return &v }

func int64Ptr(v int64) *int64 { return &v }

type fixture struct {
	creds   *fakeCredentials
	tunnels *fakeTunnels
	prober  *fakeProber
	daemon  *fakeDaemon
	clock   *clock.FakeClock
}

func newFixture() *fixture {
	return &fixture{
		creds:   &fakeCredentials{},
		tunnels: &fakeTunnels{},
		prober:  &fakeProber{reports: map[string]domain.BalanceReport{}},
		daemon:  &fakeDaemon{ports: map[int64]int{}},
		clock:   clock.Fake(epoch),
	}
}

func (f *fixture) loop(onReport func(domain.CycleReport)) *Loop {
	return New(Options{
		Credentials:       f.creds,
		Tunnels:           f.tunnels,
		Prober:            f.prober,
		Daemon:            f.daemon,
		Clock:             f.clock,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Threshold:         0.1,
		ReactivateOnReset: true,
		OnReport:          onReport,
	})
}

func TestRunOnceProbesAndDeactivates(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.creds.creds = []domain.Credential{
		{ID: 1, Secret: "sk_rich", Active: true, TunnelID: int64Ptr(7), TunnelActive: true},
		{ID: 2, Secret: "sk_poor", Active: true},
		{ID: 3, Secret: "sk_off", Active: false},
	}
	f.tunnels.tunnels = []domain.TunnelRecord{{ID: 7, ConfigIndex: 0, Active: true}}
	f.daemon.running = true
	f.daemon.ports[7] = 10801
	reset := epoch.Add(24 * time.Hour)
	f.prober.reports["sk_rich"] = domain.BalanceReport{Balance: balance(42), NextResetAt: &reset}
	f.prober.reports["sk_poor"] = domain.BalanceReport{Balance: balance(0.05)}

	report, err := f.loop(nil).RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if report.Probed != 2 || report.ProbeFailures != 0 {
		t.Fatalf("unexpected probe counts: %+v", report)
	}
	want := []probeCall{{"sk_rich", 10801}, {"sk_poor", upstream.Direct}}
	if !slices.Equal(f.prober.calls, want) {
		t.Fatalf("probe calls = %+v, want %+v", f.prober.calls, want)
	}
	if !slices.Equal(report.Deactivated, []int64{2}) {
		t.Fatalf("deactivated = %v", report.Deactivated)
	}
	rich := f.creds.get(1)
	if !rich.Active || *rich.Balance != 42 || !rich.NextResetAt.Equal(reset) {
		t.Fatalf("rich credential not updated: %+v", rich)
	}
	if poor := f.creds.get(2); poor.Active {
		t.Fatal("expected poor credential to be deactivated")
	}
	if report.DaemonRestart || f.daemon.restarts != 0 {
		t.Fatal("daemon restarted without drift")
	}
}

func TestRunOnceRoutesDirectWhenDaemonDown(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.creds.creds = []domain.Credential{{ID: 1, Secret: "sk_a", Active: true, TunnelID: int64Ptr(7), TunnelActive: true}}
	f.daemon.ports[7] = 10801
	f.daemon.restartErr = errors.New("boom")
	f.tunnels.tunnels = []domain.TunnelRecord{{ID: 7, Active: true}}
	f.prober.reports["sk_a"] = domain.BalanceReport{Balance: balance(5)}

	report, err := f.loop(nil).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("restart failure must not fail the cycle: %v", err)
	}
	if f.prober.calls[0].port != upstream.Direct {
		t.Fatalf("expected direct probe, got port %d", f.prober.calls[0].port)
	}
	if f.daemon.restarts != 1 || report.DaemonRestart || report.DaemonRunning {
		t.Fatalf("unexpected daemon outcome: restarts=%d report=%+v", f.daemon.restarts, report)
	}
}

func TestRunOnceKeepsBalanceOnProbeFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.creds.creds = []domain.Credential{{ID: 1, Secret: "sk_a", Active: true, Balance: balance(9)}}
	f.prober.reports["sk_a"] = domain.BalanceReport{Err: errors.New("balance check failed: 401")}

	report, err := f.loop(nil).RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.ProbeFailures != 1 {
		t.Fatalf("expected one probe failure, got %+v", report)
	}
	if c := f.creds.get(1); !c.Active || *c.Balance != 9 {
		t.Fatalf("credential changed on failed probe: %+v", c)
	}
}

func TestRunOnceReactivatesAfterReset(t *testing.T) {
	t.Parallel()

	f := newFixture()
	past := epoch.Add(-time.Minute)
	future := epoch.Add(time.Hour)
	f.creds.creds = []domain.Credential{
		{ID: 1, Secret: "sk_due", Active: false, Balance: balance(0), NextResetAt: &past},
		{ID: 2, Secret: "sk_later", Active: false, Balance: balance(0), NextResetAt: &future},
		{ID: 3, Secret: "sk_unknown", Active: false},
	}
	f.prober.reports["sk_due"] = domain.BalanceReport{Balance: balance(10)}

	report, err := f.loop(nil).RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(report.Reactivated, []int64{1}) {
		t.Fatalf("reactivated = %v", report.Reactivated)
	}
	if c := f.creds.get(1); !c.Active || *c.Balance != 10 {
		t.Fatalf("reactivated credential should be probed in the same cycle: %+v", c)
	}
	if f.creds.get(2).Active || f.creds.get(3).Active {
		t.Fatal("credentials without a passed reset must stay inactive")
	}
}

func TestRunOnceDaemonReconciliation(t *testing.T) {
	t.Parallel()

	tunnels := []domain.TunnelRecord{{ID: 1, Active: true}, {ID: 2, Active: true}}
	tests := []struct {
		name        string
		tunnels     []domain.TunnelRecord
		running     bool
		drifted     bool
		wantRestart int
		wantStop    int
	}{
		{name: "not running starts", tunnels: tunnels, wantRestart: 1},
		{name: "running in sync", tunnels: tunnels, running: true},
		{name: "running drifted restarts", tunnels: tunnels, running: true, drifted: true, wantRestart: 1},
		{name: "no tunnels stops", running: true, wantStop: 1},
		{name: "no tunnels stopped", running: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture()
			f.tunnels.tunnels = tt.tunnels
			f.daemon.running = tt.running
			f.daemon.drifted = tt.drifted

			report, err := f.loop(nil).RunOnce(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if f.daemon.restarts != tt.wantRestart || f.daemon.stops != tt.wantStop {
				t.Fatalf("restarts=%d stops=%d, want %d/%d", f.daemon.restarts, f.daemon.stops, tt.wantRestart, tt.wantStop)
			}
			if report.DaemonRestart != (tt.wantRestart == 1) {
				t.Fatalf("report.DaemonRestart = %v", report.DaemonRestart)
			}
			if report.DesiredTunnels != len(tt.tunnels) {
				t.Fatalf("desired = %d", report.DesiredTunnels)
			}
		})
	}
}

func TestRunRetriesAfterFailureAndStopsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.creds.listErr = errors.New("database is locked")
	reports := make(chan domain.CycleReport, 8)
	l := f.loop(func(r domain.CycleReport) { reports <- r })
	l.opts.Interval = 10 * time.Second
	l.opts.RetryDelay = 30 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	first := <-reports
	if first.Error == "" {
		t.Fatal("expected failed cycle report")
	}

	f.clock.WaitForTimers(1)
	f.clock.Advance(10 * time.Second)
	select {
	case <-reports:
		t.Fatal("failed cycle retried after the regular interval")
	case <-time.After(50 * time.Millisecond):
	}

	f.creds.mu.Lock()
	f.creds.listErr = nil
	f.creds.mu.Unlock()
	f.clock.Advance(20 * time.Second)
	if second := <-reports; second.Error != "" {
		t.Fatalf("unexpected error after recovery: %s", second.Error)
	}

	f.clock.WaitForTimers(1)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
}

func TestRunOnceSurvivesCancelledContext(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.creds.creds = []domain.Credential{{ID: 1, Secret: "sk_a", Active: true}}
	f.prober.reports["sk_a"] = domain.BalanceReport{Balance: balance(3)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.loop(nil).RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if c := f.creds.get(1); c.Balance == nil || *c.Balance != 3 {
		t.Fatalf("cycle did not complete: %+v", c)
	}
}
