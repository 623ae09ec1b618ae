package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koltyakov/keyswap/internal/auth"
	"github.com/koltyakov/keyswap/internal/config"
	"github.com/koltyakov/keyswap/internal/domain"
	"github.com/koltyakov/keyswap/internal/pool"
	"github.com/koltyakov/keyswap/internal/store/sqlite"
	"github.com/koltyakov/keyswap/internal/upstream"
	"github.com/koltyakov/keyswap/internal/xray"
)

type fakeDaemon struct {
	mu         sync.Mutex
	running    bool
	ports      map[int64]int
	restarts   int
	stops      int
	tunnels    int
	restartErr error
}

func (d *fakeDaemon) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *fakeDaemon) Port(id int64) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.ports[id]
	return p, ok && d.running
}

func (d *fakeDaemon) Restart(_ context.Context, tunnels []domain.TunnelRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restarts++
	if d.restartErr != nil {
		d.running = false
		return d.restartErr
	}
	d.running = true
	d.tunnels = len(tunnels)
	return nil
}

func (d *fakeDaemon) Stop(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	d.running = false
	d.tunnels = 0
	return nil
}

func (d *fakeDaemon) State() xray.State {
	if d.IsRunning() {
		return xray.StateRunning
	}
	return xray.StateStopped
}

func (d *fakeDaemon) PID() int {
	if d.IsRunning() {
		return 4242
	}
	return 0
}

func (d *fakeDaemon) TunnelCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tunnels
}

func (d *fakeDaemon) counts() (restarts, stops int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restarts, d.stops
}

type fakeProber struct {
	report domain.BalanceReport
	ok     bool
	ports  []int
}

func (p *fakeProber) Validate(_ context.Context, _ string, port int) (domain.BalanceReport, bool) {
	p.ports = append(p.ports, port)
	return p.report, p.ok
}

// routeRecorder notes the route of every attempt and sends all of them
// straight to the test upstream.
type routeRecorder struct {
	mu    sync.Mutex
	ports []int
	rt    *http.Transport
}

func (r *routeRecorder) For(port int) (http.RoundTripper, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports = append(r.ports, port)
	return r.rt, nil
}

func (r *routeRecorder) take() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.ports
	r.ports = nil
	return out
}

// logRecorder keeps every request-log entry on top of the real store.
type logRecorder struct {
	Store
	mu      sync.Mutex
	entries []domain.RequestLogEntry
}

func (l *logRecorder) LogRequest(ctx context.Context, e domain.RequestLogEntry) error {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return l.Store.LogRequest(ctx, e)
}

func (l *logRecorder) outcomes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Outcome
	}
	return out
}

func (l *logRecorder) credentialIDs() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int64, len(l.entries))
	for i, e := range l.entries {
		if e.CredentialID != nil {
			out[i] = *e.CredentialID
		}
	}
	return out
}

type testEnv struct {
	store   *sqlite.Store
	pool    *pool.Pool
	daemon  *fakeDaemon
	prober  *fakeProber
	server  *Server
	handler http.Handler
	token   string
}

const (
	testAdminToken = "admin-secret"
	plainTestLink  = "vless://id-c@c.example.com#C"
	wsTestLink     = "vless://id-a@a.example.com:443?type=ws&security=tls&sni=a.example.com&path=%2Fray#A"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, upstreamURL string, mutate func(*config.ServerConfig)) *testEnv {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.ServerConfig{
		Upstream:         upstreamURL,
		AdminToken:       testAdminToken,
		BalanceThreshold: 0.1,
		RequestTimeout:   5 * time.Second,
		MaxBodyBytes:     1 << 20,
		LogRetention:     24 * time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := testLogger()
	env := &testEnv{
		store:  store,
		pool:   pool.New(store, logger),
		daemon: &fakeDaemon{ports: map[int64]int{}},
		prober: &fakeProber{},
	}
	transports := upstream.NewTransports()
	t.Cleanup(transports.CloseIdleConnections)
	env.server = New(Options{
		Config:      cfg,
		Credentials: env.pool,
		Store:       store,
		Daemon:      env.daemon,
		Transports:  transports,
		Prober:      env.prober,
		Logger:      logger,
	})
	env.handler = env.server.Handler()
	env.token = env.issueToken(t, "test")
	return env
}

func (e *testEnv) recordRoutes(t *testing.T) *routeRecorder {
	t.Helper()
	rec := &routeRecorder{rt: &http.Transport{}}
	t.Cleanup(rec.rt.CloseIdleConnections)
	e.server.transports = rec
	return rec
}

func (e *testEnv) recordLogs() *logRecorder {
	rec := &logRecorder{Store: e.server.store}
	e.server.store = rec
	return rec
}

func (e *testEnv) issueToken(t *testing.T, name string) string {
	t.Helper()
	plain, err := auth.GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.store.CreateServiceToken(context.Background(), name, auth.HashToken(plain)); err != nil {
		t.Fatal(err)
	}
	return plain
}

func (e *testEnv) addKey(t *testing.T, secret string, balance float64) domain.Credential {
	t.Helper()
	cred, err := e.pool.AdmitProbed(context.Background(), secret, nil, &balance)
	if err != nil {
		t.Fatal(err)
	}
	return cred
}

func (e *testEnv) do(method, path string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) proxy(method, path string, body io.Reader) *httptest.ResponseRecorder {
	return e.do(method, path, body, http.Header{"Authorization": {"Bearer " + e.token}})
}

func (e *testEnv) requestStats(t *testing.T) domain.RequestStats {
	t.Helper()
	st, err := e.store.RequestStats(context.Background(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	var body domain.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestHealthAndStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "http://127.0.0.1:1", nil)
	ctx := context.Background()
	tun, _, err := env.store.AddTunnel(ctx, plainTestLink, "nl-1")
	if err != nil {
		t.Fatal(err)
	}
	bound := env.addKey(t, "sk_abcdef123456", 12.5)
	if err := env.pool.Rebind(ctx, bound.ID, &tun.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.pool.Admit(ctx, "sk_zz", nil); err != nil {
		t.Fatal(err)
	}
	unnamed, _, err := env.store.AddTunnel(ctx, wsTestLink, "")
	if err != nil {
		t.Fatal(err)
	}
	blank := env.addKey(t, "sk_yyyyyy", 1)
	if err := env.pool.Rebind(ctx, blank.ID, &unnamed.ID); err != nil {
		t.Fatal(err)
	}

	rr := env.do(http.MethodGet, "/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health status = %d", rr.Code)
	}
	var health domain.HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.ActiveCredentials != 3 || health.DaemonRunning {
		t.Fatalf("unexpected health: %+v", health)
	}

	// Control routes answer every method, without authentication.
	rr = env.do(http.MethodPost, "/status", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d", rr.Code)
	}
	var status struct {
		Credentials []struct {
			Masked  string   `json:"masked"`
			Balance *float64 `json:"balance"`
			Active  bool     `json:"active"`
			Tunnel  *string  `json:"tunnel"`
		} `json:"credentials"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if len(status.Credentials) != 3 {
		t.Fatalf("expected 3 credentials, got %d", len(status.Credentials))
	}
	byMask := map[string]int{}
	for i, c := range status.Credentials {
		byMask[c.Masked] = i
	}
	first := status.Credentials[byMask["sk_abc..."]]
	if first.Balance == nil || *first.Balance != 12.5 || first.Tunnel == nil || *first.Tunnel != "nl-1" {
		t.Fatalf("unexpected bound entry: %+v", first)
	}
	second := status.Credentials[byMask["sk_zz..."]]
	if second.Balance != nil || second.Tunnel != nil {
		t.Fatalf("unexpected unbound entry: %+v", second)
	}
	third := status.Credentials[byMask["sk_yyy..."]]
	if third.Tunnel != nil {
		t.Fatalf("tunnel without a remark must report null, got %q", *third.Tunnel)
	}
	if strings.Contains(rr.Body.String(), "sk_abcdef123456") {
		t.Fatal("status leaked a full secret")
	}
}

func TestProxyRejectsUnauthenticated(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer up.Close()

	env := newTestEnv(t, up.URL, nil)
	env.addKey(t, "sk_a", 5)
	revoked := env.issueToken(t, "revoked")
	tokens, err := env.store.TokenStats(context.Background(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.store.RevokeServiceToken(context.Background(), tokens[len(tokens)-1].Token.ID); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{name: "missing", header: "", code: "missing_token"},
		{name: "wrong scheme", header: "Basic abc", code: "missing_token"},
		{name: "empty bearer", header: "Bearer   ", code: "missing_token"},
		{name: "unknown", header: "Bearer ksw_nope", code: "invalid_token"},
		{name: "revoked", header: "Bearer " + revoked, code: "invalid_token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.header != "" {
				header.Set("Authorization", tt.header)
			}
			rr := env.do(http.MethodGet, "/v1/models", nil, header)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d", rr.Code)
			}
			if got := decodeError(t, rr).ErrorCode; got != tt.code {
				t.Fatalf("error_code = %q, want %q", got, tt.code)
			}
		})
	}
	if hits.Load() != 0 {
		t.Fatalf("upstream contacted %d times", hits.Load())
	}
}

func TestProxyRotatesOnPaymentRequired(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		mu.Lock()
		seen = append(seen, authz)
		mu.Unlock()
		if authz != "Bearer sk_third" {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"error":"insufficient pollen"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer up.Close()

	env := newTestEnv(t, up.URL, nil)
	first := env.addKey(t, "sk_first", 30)
	second := env.addKey(t, "sk_second", 20)
	third := env.addKey(t, "sk_third", 10)
	logs := env.recordLogs()

	rr := env.proxy(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"openai"}`))
	if rr.Code != http.StatusOK || rr.Body.String() != `{"ok":true}` {
		t.Fatalf("unexpected response %d %q", rr.Code, rr.Body.String())
	}
	want := []string{"Bearer sk_first", "Bearer sk_second", "Bearer sk_third"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("attempt order = %v, want %v", seen, want)
	}

	ctx := context.Background()
	for _, id := range []int64{first.ID, second.ID} {
		c, err := env.pool.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if c.Active || c.Balance == nil || *c.Balance != 0 {
			t.Fatalf("credential %d not exhausted: %+v", id, c)
		}
	}
	if c, _ := env.pool.Get(ctx, third.ID); !c.Active {
		t.Fatal("successful credential was deactivated")
	}

	st := env.requestStats(t)
	if st.Total != 3 || st.SuccessToday != 1 {
		t.Fatalf("request log = %+v, want 3 entries with 1 success", st)
	}
	wantOutcomes := []string{domain.OutcomeKeyExhausted, domain.OutcomeKeyExhausted, domain.OutcomeOK}
	if got := logs.outcomes(); !slices.Equal(got, wantOutcomes) {
		t.Fatalf("outcomes = %v, want %v", got, wantOutcomes)
	}
	wantIDs := []int64{first.ID, second.ID, third.ID}
	if got := logs.credentialIDs(); !slices.Equal(got, wantIDs) {
		t.Fatalf("logged credentials = %v, want %v", got, wantIDs)
	}
}

func TestProxyAllAttemptsExhausted(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer up.Close()

	env := newTestEnv(t, up.URL, nil)
	for _, k := range []string{"sk_1", "sk_2", "sk_3"} {
		env.addKey(t, k, 5)
	}
	spare := env.addKey(t, "sk_4", 1)
	logs := env.recordLogs()

	rr := env.proxy(http.MethodGet, "/v1/models", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeError(t, rr)
	if body.ErrorCode != "no_keys" || body.Error != msgNoKeys {
		t.Fatalf("unexpected body: %+v", body)
	}
	if hits.Load() != maxAttempts {
		t.Fatalf("upstream attempts = %d, want %d", hits.Load(), maxAttempts)
	}
	if c, _ := env.pool.Get(context.Background(), spare.ID); !c.Active {
		t.Fatal("fourth credential must not be touched")
	}
	want := []string{domain.OutcomeKeyExhausted, domain.OutcomeKeyExhausted, domain.OutcomeKeyExhausted, domain.OutcomeNoKeys}
	if got := logs.outcomes(); !slices.Equal(got, want) {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}
	if ids := logs.credentialIDs(); ids[3] != 0 || slices.Contains(ids[:3], spare.ID) {
		t.Fatalf("unexpected logged credentials %v", ids)
	}
}

func TestProxyWithoutCredentials(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "http://127.0.0.1:1", nil)
	rr := env.proxy(http.MethodGet, "/v1/models", nil)
	if rr.Code != http.StatusServiceUnavailable || decodeError(t, rr).ErrorCode != "no_keys" {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
	if st := env.requestStats(t); st.Total != 1 {
		t.Fatalf("request log total = %d", st.Total)
	}
}

func TestProxyTransportErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	up := httptest.NewServer(http.NotFoundHandler())
	upURL := up.URL
	up.Close()

	env := newTestEnv(t, upURL, nil)
	a := env.addKey(t, "sk_a", 9)
	env.addKey(t, "sk_b", 8)

	rr := env.proxy(http.MethodGet, "/v1/models", nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeError(t, rr)
	if body.ErrorCode != "upstream_failed" || body.Error != msgUpstream {
		t.Fatalf("unexpected body: %+v", body)
	}
	if c, _ := env.pool.Get(context.Background(), a.ID); !c.Active {
		t.Fatal("transport failure must not deactivate the credential")
	}
	if st := env.requestStats(t); st.Total != 1 {
		t.Fatalf("expected a single exception entry, got %d", st.Total)
	}
}

func TestProxyForwardsRequestAndFiltersHeaders(t *testing.T) {
	t.Parallel()

	type captured struct {
		method, path, query, body string
		header                    http.Header
	}
	got := make(chan captured, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- captured{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, body: string(b), header: r.Header.Clone()}
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("X-Request-Id", "upstream-id")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"short":"and stout"}`))
	}))
	defer up.Close()

	env := newTestEnv(t, up.URL, nil)
	env.addKey(t, "sk_forward", 3)

	header := http.Header{
		"Authorization":       {"Bearer " + env.token},
		"Connection":          {"X-Drop-Me"},
		"X-Drop-Me":           {"1"},
		"Keep-Alive":          {"300"},
		"Proxy-Authorization": {"Basic xyz"},
		"Upgrade":             {"h2c"},
		"X-Custom":            {"kept"},
		"X-Request-Id":        {"client-id-1"},
	}
	rr := env.do(http.MethodPost, "/v1/chat/completions?a=1&b=%20x", strings.NewReader(`{"q":1}`), header)

	req := <-got
	if req.method != http.MethodPost || req.path != "/v1/chat/completions" || req.query != "a=1&b=%20x" || req.body != `{"q":1}` {
		t.Fatalf("unexpected upstream request: %+v", req)
	}
	if v := req.header.Get("Authorization"); v != "Bearer sk_forward" {
		t.Fatalf("upstream Authorization = %q", v)
	}
	for _, h := range []string{"X-Drop-Me", "Keep-Alive", "Proxy-Authorization", "Upgrade"} {
		if v := req.header.Get(h); v != "" {
			t.Fatalf("hop-by-hop header %s forwarded as %q", h, v)
		}
	}
	if req.header.Get("X-Custom") != "kept" || req.header.Get("X-Request-Id") != "client-id-1" {
		t.Fatalf("end-to-end headers lost: %v", req.header)
	}

	if rr.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("Keep-Alive") != "" {
		t.Fatal("hop-by-hop response header relayed")
	}
	if rr.Header().Get("X-Upstream") != "yes" || rr.Header().Get("X-Request-Id") != "client-id-1" {
		t.Fatalf("unexpected response headers: %v", rr.Header())
	}
	if rr.Header().Get("Content-Length") != "21" || rr.Body.String() != `{"short":"and stout"}` {
		t.Fatalf("buffered body not relayed with length: %q %q", rr.Header().Get("Content-Length"), rr.Body.String())
	}
	if st := env.requestStats(t); st.Total != 1 || st.SuccessToday != 0 {
		t.Fatalf("418 must be logged as an error outcome: %+v", st)
	}
}

func TestProxyGeneratesRequestID(t *testing.T) {
	t.Parallel()

	seen := make(chan string, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("X-Request-Id")
	}))
	defer up.Close()

	env := newTestEnv(t, up.URL, nil)
	env.addKey(t, "sk_id", 3)

	rr := env.proxy(http.MethodGet, "/v1/models", nil)
	upstreamID := <-seen
	if upstreamID == "" || rr.Header().Get("X-Request-Id") != upstreamID {
		t.Fatalf("request id not propagated: upstream=%q response=%q", upstreamID, rr.Header().Get("X-Request-Id"))
	}
}

func TestProxyStreamsEventStream(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: one\n\n"))
		w.(http.Flusher).Flush()
		<-release
		_, _ = w.Write([]byte("data: two\n\n"))
	}))
	defer up.Close()

	env := newTestEnv(t, up.URL, nil)
	env.addKey(t, "sk_stream", 3)
	gw := httptest.NewServer(env.handler)
	defer gw.Close()
	defer unblock()

	req, err := http.NewRequest(http.MethodPost, gw.URL+"/v1/chat/completions", strings.NewReader(`{"stream":true}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+env.token)
	resp, err := gw.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.ContentLength != -1 {
		t.Fatalf("stream must not carry a Content-Length, got %d", resp.ContentLength)
	}
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "data: one\n" {
		t.Fatalf("first line = %q", line)
	}

	unblock()
	rest, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	if string(rest) != "\ndata: two\n\n" {
		t.Fatalf("rest = %q", rest)
	}
}

func TestProxyRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) }))
	defer up.Close()

	env := newTestEnv(t, up.URL, func(c *config.ServerConfig) { c.MaxBodyBytes = 16 })
	env.addKey(t, "sk_a", 3)

	rr := env.proxy(http.MethodPost, "/v1/chat/completions", strings.NewReader(strings.Repeat("x", 32)))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rr.Code)
	}
	if hits.Load() != 0 {
		t.Fatal("oversized request reached the upstream")
	}
}

func TestProxyRateLimitPerToken(t *testing.T) {
	t.Parallel()

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	env := newTestEnv(t, up.URL, func(c *config.ServerConfig) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})
	env.addKey(t, "sk_a", 3)
	other := env.issueToken(t, "other")

	if rr := env.proxy(http.MethodGet, "/v1/models", nil); rr.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rr.Code)
	}
	rr := env.proxy(http.MethodGet, "/v1/models", nil)
	if rr.Code != http.StatusTooManyRequests || decodeError(t, rr).ErrorCode != "rate_limited" {
		t.Fatalf("second request: %d %s", rr.Code, rr.Body.String())
	}
	rr = env.do(http.MethodGet, "/v1/models", nil, http.Header{"Authorization": {"Bearer " + other}})
	if rr.Code != http.StatusOK {
		t.Fatalf("other token limited: %d", rr.Code)
	}
}

func TestIsStreamingResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp *http.Response
		want bool
	}{
		{"sse", &http.Response{Header: http.Header{"Content-Type": {"text/event-stream; charset=utf-8"}}}, true},
		{"chunked", &http.Response{Header: http.Header{}, TransferEncoding: []string{"chunked"}}, true},
		{"json", &http.Response{Header: http.Header{"Content-Type": {"application/json"}}}, false},
		{"unknown length", &http.Response{Header: http.Header{"Content-Type": {"text/plain"}}, ContentLength: -1}, true},
		{"known length", &http.Response{Header: http.Header{"Content-Type": {"text/plain"}}, ContentLength: 12}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isStreamingResponse(tt.resp); got != tt.want {
				t.Fatalf("isStreamingResponse = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProxyForwardsPathVerbatim(t *testing.T) {
	t.Parallel()

	seen := make(chan string, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.RequestURI
		_, _ = w.Write([]byte("ok"))
	}))
	defer up.Close()

	env := newTestEnv(t, up.URL, nil)
	env.addKey(t, "sk_path", 3)

	tests := []struct {
		name string
		uri  string
	}{
		{name: "encoded question mark and percent", uri: "/text/what%20is%2050%25%3F"},
		{name: "encoded question mark before query", uri: "/text/a%3Fb?model=x"},
		{name: "double slash", uri: "/text/read%20https://example.com"},
		{name: "dot segments", uri: "/text/a/../b"},
		{name: "encoded slash", uri: "/image/a%2Fb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.proxy(http.MethodGet, tt.uri, nil)
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
			}
			if got := <-seen; got != tt.uri {
				t.Fatalf("upstream request uri = %q, want %q", got, tt.uri)
			}
		})
	}
}

func TestProxyStreamsUnknownLengthBody(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("part one\n"))
		w.(http.Flusher).Flush()
		<-release
		_, _ = w.Write([]byte("part two\n"))
	}))
	defer up.Close()

	env := newTestEnv(t, up.URL, nil)
	env.addKey(t, "sk_chunks", 3)
	gw := httptest.NewServer(env.handler)
	defer gw.Close()
	defer unblock()

	req, err := http.NewRequest(http.MethodGet, gw.URL+"/text/long%20story", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+env.token)
	resp, err := gw.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The first part arrives while the upstream is still blocked.
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "part one\n" {
		t.Fatalf("first line = %q", line)
	}

	unblock()
	rest, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	if string(rest) != "part two\n" {
		t.Fatalf("rest = %q", rest)
	}
}

func TestProxyRoutesThroughBoundTunnel(t *testing.T) {
	t.Parallel()

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer up.Close()

	env := newTestEnv(t, up.URL, nil)
	routes := env.recordRoutes(t)
	ctx := context.Background()
	tun, _, err := env.store.AddTunnel(ctx, plainTestLink, "C")
	if err != nil {
		t.Fatal(err)
	}
	balance := 5.0
	if _, err := env.pool.AdmitProbed(ctx, "sk_bound", &tun.ID, &balance); err != nil {
		t.Fatal(err)
	}

	env.daemon.mu.Lock()
	env.daemon.running = true
	env.daemon.ports[tun.ID] = 10801
	env.daemon.mu.Unlock()

	if rr := env.proxy(http.MethodGet, "/v1/models", nil); rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := routes.take(); !slices.Equal(got, []int{10801}) {
		t.Fatalf("routes with daemon running = %v, want [10801]", got)
	}

	env.daemon.mu.Lock()
	env.daemon.running = false
	env.daemon.mu.Unlock()

	if rr := env.proxy(http.MethodGet, "/v1/models", nil); rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := routes.take(); !slices.Equal(got, []int{upstream.Direct}) {
		t.Fatalf("routes with daemon down = %v, want direct", got)
	}

	// A disabled tunnel routes directly even while the daemon still runs it.
	env.daemon.mu.Lock()
	env.daemon.running = true
	env.daemon.mu.Unlock()
	if err := env.store.SetTunnelActive(ctx, tun.ID, false); err != nil {
		t.Fatal(err)
	}
	if rr := env.proxy(http.MethodGet, "/v1/models", nil); rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := routes.take(); !slices.Equal(got, []int{upstream.Direct}) {
		t.Fatalf("routes with tunnel disabled = %v, want direct", got)
	}
}
