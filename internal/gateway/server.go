// Package gateway is the HTTP front of keyswap: it authenticates service
// tokens, proxies requests upstream while rotating credentials, and serves
// the control and admin routes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/keyswap/internal/clock"
	"github.com/koltyakov/keyswap/internal/config"
	"github.com/koltyakov/keyswap/internal/domain"
	"github.com/koltyakov/keyswap/internal/xray"
)

// Credentials is implemented by *pool.Pool.
type Credentials interface {
	SelectBest(ctx context.Context, threshold float64, excluded map[int64]struct{}) (domain.Credential, bool, error)
	MarkExhausted(ctx context.Context, id int64) error
	List(ctx context.Context) ([]domain.Credential, error)
	Get(ctx context.Context, id int64) (domain.Credential, error)
	AdmitProbed(ctx context.Context, secret string, tunnelID *int64, balance *float64) (domain.Credential, error)
	Rebind(ctx context.Context, id int64, tunnelID *int64) error
	Remove(ctx context.Context, id int64) error
	Reactivate(ctx context.Context, id int64) error
	ReactivateAll(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (domain.CredentialStats, error)
}

// Store is the subset of *sqlite.Store the gateway reads and writes
// directly.
type Store interface {
	ResolveServiceToken(ctx context.Context, tokenHash string) (domain.ServiceToken, error)
	CreateServiceToken(ctx context.Context, name, tokenHash string) (domain.ServiceToken, error)
	RevokeServiceToken(ctx context.Context, id int64) error
	DeleteServiceToken(ctx context.Context, id int64) error
	TokenStats(ctx context.Context, since time.Time) ([]domain.TokenStats, error)

	LogRequest(ctx context.Context, e domain.RequestLogEntry) error
	RequestStats(ctx context.Context, since time.Time) (domain.RequestStats, error)
	PurgeRequestLog(ctx context.Context, olderThan time.Time, limit int) (int64, error)

	AddTunnel(ctx context.Context, url, remark string) (domain.TunnelRecord, bool, error)
	ListTunnels(ctx context.Context) ([]domain.TunnelRecord, error)
	ListActiveTunnels(ctx context.Context) ([]domain.TunnelRecord, error)
	GetTunnel(ctx context.Context, id int64) (domain.TunnelRecord, error)
	DeleteTunnel(ctx context.Context, id int64) error
	SetTunnelActive(ctx context.Context, id int64, active bool) error
	TunnelStats(ctx context.Context) (domain.TunnelStats, error)
}

// Daemon is implemented by *xray.Supervisor.
type Daemon interface {
	IsRunning() bool
	Port(tunnelID int64) (int, bool)
	Restart(ctx context.Context, tunnels []domain.TunnelRecord) error
	Stop(ctx context.Context) error
	State() xray.State
	PID() int
	TunnelCount() int
}

// Transports returns the round tripper for a route, as
// *upstream.Transports does.
type Transports interface {
	For(port int) (http.RoundTripper, error)
}

// Prober validates keys before admission.
type Prober interface {
	Validate(ctx context.Context, secret string, port int) (domain.BalanceReport, bool)
}

// Refresher runs one reconciliation cycle on demand.
type Refresher interface {
	RunOnce(ctx context.Context) (domain.CycleReport, error)
}

type Options struct {
	Config      config.ServerConfig
	Credentials Credentials
	Store       Store
	Daemon      Daemon
	Transports  Transports
	Prober      Prober
	Refresher   Refresher
	Events      *Hub
	Clock       clock.Clock
	Logger      *slog.Logger
}

type Server struct {
	cfg        config.ServerConfig
	creds      Credentials
	store      Store
	daemon     Daemon
	transports Transports
	prober     Prober
	refresher  Refresher
	events     *Hub
	clock      clock.Clock
	log        *slog.Logger

	tokens  *tokenCache
	limiter *rateLimiter
}

const (
	requestIDHeader = "X-Request-Id"
	maxAttempts     = 3
	logWriteTimeout = 5 * time.Second
	maxAdminBody    = 64 * 1024
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func New(opts Options) *Server {
	s := &Server{
		cfg:        opts.Config,
		creds:      opts.Credentials,
		store:      opts.Store,
		daemon:     opts.Daemon,
		transports: opts.Transports,
		prober:     opts.Prober,
		refresher:  opts.Refresher,
		events:     opts.Events,
		clock:      opts.Clock,
		log:        opts.Logger,
		tokens:     newTokenCache(),
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.events == nil {
		s.events = NewHub(s.log)
	}
	if s.cfg.RequestTimeout <= 0 {
		s.cfg.RequestTimeout = 180 * time.Second
	}
	if s.cfg.RateLimit > 0 {
		s.limiter = newRateLimiter(s.cfg.RateLimit, float64(max(1, s.cfg.RateBurst)))
	}
	return s
}

// Handler returns the routing tree: control routes, the admin API when an
// admin token is configured, and the proxy for everything else. Paths are
// dispatched as received so the proxy never sees a cleaned or redirected
// path.
func (s *Server) Handler() http.Handler {
	admin := s.adminHandler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch path := r.URL.Path; {
		case path == "/health":
			s.handleHealth(w, r)
		case path == "/status":
			s.handleStatus(w, r)
		case strings.HasPrefix(path, adminPrefix) && s.adminEnabled():
			admin.ServeHTTP(w, r)
		default:
			s.handleProxy(w, r)
		}
	})
}

func (s *Server) adminEnabled() bool {
	return strings.TrimSpace(s.cfg.AdminToken) != ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.creds.Stats(r.Context())
	if err != nil {
		s.internalError(w, "health stats failed", err)
		return
	}
	writeJSON(w, http.StatusOK, domain.HealthResponse{
		Status:            "ok",
		ActiveCredentials: stats.Active,
		DaemonRunning:     s.daemon.IsRunning(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	creds, err := s.creds.List(r.Context())
	if err != nil {
		s.internalError(w, "status list failed", err)
		return
	}
	resp := domain.StatusResponse{Credentials: make([]domain.StatusCredential, 0, len(creds))}
	for _, c := range creds {
		entry := domain.StatusCredential{
			Masked:  c.Masked(),
			Balance: c.Balance,
			Active:  c.Active,
		}
		if c.TunnelID != nil && c.TunnelRemark != "" {
			remark := c.TunnelRemark
			entry.Tunnel = &remark
		}
		resp.Credentials = append(resp.Credentials, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

// startOfDay is the lower bound of the "today" request counters.
func (s *Server) startOfDay() time.Time {
	now := s.clock.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.log.Error(msg, "err", err)
	writeJSON(w, http.StatusInternalServerError, domain.ErrorResponse{Error: "internal error"})
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, domain.ErrorResponse{Error: msg, ErrorCode: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
