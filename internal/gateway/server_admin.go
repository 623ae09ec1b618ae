package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/koltyakov/keyswap/internal/auth"
	"github.com/koltyakov/keyswap/internal/domain"
	"github.com/koltyakov/keyswap/internal/netutil"
	"github.com/koltyakov/keyswap/internal/upstream"
	"github.com/koltyakov/keyswap/internal/vless"
)

const adminPrefix = "/_admin/"

type keyView struct {
	ID          int64      `json:"id"`
	Index       int        `json:"index"`
	Masked      string     `json:"masked"`
	Active      bool       `json:"active"`
	Balance     *float64   `json:"balance"`
	TunnelID    *int64     `json:"tunnel_id"`
	Tunnel      string     `json:"tunnel,omitempty"`
	TunnelIndex *int       `json:"tunnel_config_index,omitempty"`
	NextResetAt *time.Time `json:"next_reset_at,omitempty"`
	CheckedAt   *time.Time `json:"checked_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type tunnelView struct {
	ID          int64     `json:"id"`
	Remark      string    `json:"remark"`
	Host        string    `json:"host,omitempty"`
	ConfigIndex int       `json:"config_index"`
	Active      bool      `json:"active"`
	Port        *int      `json:"port"`
	CreatedAt   time.Time `json:"created_at"`
}

type tokenView struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	domain.RequestStats
}

type daemonView struct {
	State   string `json:"state"`
	PID     int    `json:"pid,omitempty"`
	Tunnels int    `json:"tunnels"`
	Error   string `json:"error,omitempty"`
}

type statsResponse struct {
	Credentials domain.CredentialStats `json:"credentials"`
	Tunnels     domain.TunnelStats     `json:"tunnels"`
	Requests    domain.RequestStats    `json:"requests"`
	Daemon      daemonView             `json:"daemon"`
	Subscribers int                    `json:"subscribers"`
}

type tunnelMutationResponse struct {
	Tunnel  *tunnelView `json:"tunnel,omitempty"`
	Created bool        `json:"created,omitempty"`
	Daemon  daemonView  `json:"daemon"`
}

// adminHandler serves the management API. Handler only routes here when an
// admin token is configured.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_admin/stats", s.handleAdminStats)
	mux.HandleFunc("GET /_admin/events", s.handleEvents)

	mux.HandleFunc("GET /_admin/keys", s.handleListKeys)
	mux.HandleFunc("POST /_admin/keys", s.handleAddKey)
	mux.HandleFunc("POST /_admin/keys/refresh", s.handleRefreshKeys)
	mux.HandleFunc("POST /_admin/keys/reactivate", s.handleReactivateAll)
	mux.HandleFunc("DELETE /_admin/keys/{id}", s.handleRemoveKey)
	mux.HandleFunc("POST /_admin/keys/{id}/bind", s.handleBindKey)
	mux.HandleFunc("POST /_admin/keys/{id}/reactivate", s.handleReactivateKey)

	mux.HandleFunc("GET /_admin/tunnels", s.handleListTunnels)
	mux.HandleFunc("POST /_admin/tunnels", s.handleAddTunnel)
	mux.HandleFunc("POST /_admin/tunnels/restart", s.handleRestartTunnels)
	mux.HandleFunc("DELETE /_admin/tunnels/{id}", s.handleRemoveTunnel)
	mux.HandleFunc("POST /_admin/tunnels/{id}/enable", s.handleSetTunnelActive(true))
	mux.HandleFunc("POST /_admin/tunnels/{id}/disable", s.handleSetTunnelActive(false))

	mux.HandleFunc("GET /_admin/tokens", s.handleListTokens)
	mux.HandleFunc("POST /_admin/tokens", s.handleCreateToken)
	mux.HandleFunc("POST /_admin/tokens/{id}/revoke", s.handleRevokeToken)
	mux.HandleFunc("DELETE /_admin/tokens/{id}", s.handleDeleteToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, ok := netutil.BearerToken(r.Header.Get("Authorization"))
		if !ok || !auth.TokenMatches(presented, s.cfg.AdminToken) {
			writeError(w, http.StatusUnauthorized, "Invalid admin token", "unauthorized")
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	creds, err := s.creds.Stats(ctx)
	if err != nil {
		s.internalError(w, "credential stats failed", err)
		return
	}
	tunnels, err := s.store.TunnelStats(ctx)
	if err != nil {
		s.internalError(w, "tunnel stats failed", err)
		return
	}
	requests, err := s.store.RequestStats(ctx, s.startOfDay())
	if err != nil {
		s.internalError(w, "request stats failed", err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Credentials: creds,
		Tunnels:     tunnels,
		Requests:    requests,
		Daemon:      s.daemonStatus(nil),
		Subscribers: s.events.Subscribers(),
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	creds, err := s.creds.List(r.Context())
	if err != nil {
		s.internalError(w, "list keys failed", err)
		return
	}
	out := make([]keyView, 0, len(creds))
	for _, c := range creds {
		out = append(out, newKeyView(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAddKey validates the key upstream, over its tunnel when one is
// given and running, and stores it with the measured balance.
func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	var req domain.AddKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	secret := strings.TrimSpace(req.Key)
	if secret == "" {
		writeError(w, http.StatusBadRequest, "key is required", "invalid_request")
		return
	}

	port := upstream.Direct
	if req.TunnelID != nil {
		if _, err := s.store.GetTunnel(r.Context(), *req.TunnelID); err != nil {
			s.writeStoreError(w, "get tunnel failed", err)
			return
		}
		if p, ok := s.daemon.Port(*req.TunnelID); ok {
			port = p
		}
	}

	report, ok := s.prober.Validate(r.Context(), secret, port)
	if !ok {
		msg := "key rejected by upstream"
		if report.Err != nil {
			msg += ": " + report.Err.Error()
		}
		writeError(w, http.StatusBadRequest, msg, "invalid_key")
		return
	}

	cred, err := s.creds.AdmitProbed(r.Context(), secret, req.TunnelID, report.Balance)
	if err != nil {
		s.internalError(w, "admit key failed", err)
		return
	}
	s.log.Info("credential admitted", "credential_id", cred.ID, "index", cred.Index, "masked", cred.Masked())
	writeJSON(w, http.StatusCreated, newKeyView(cred))
}

func (s *Server) handleRefreshKeys(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciliation is not running", "unavailable")
		return
	}
	report, err := s.refresher.RunOnce(r.Context())
	if err != nil {
		s.log.Warn("manual reconciliation failed", "err", err)
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReactivateAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.creds.ReactivateAll(r.Context())
	if err != nil {
		s.internalError(w, "reactivate keys failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reactivated": n})
}

func (s *Server) handleRemoveKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.creds.Remove(r.Context(), id); err != nil {
		s.writeStoreError(w, "remove key failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBindKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req domain.BindKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TunnelID != nil {
		if _, err := s.store.GetTunnel(r.Context(), *req.TunnelID); err != nil {
			s.writeStoreError(w, "get tunnel failed", err)
			return
		}
	}
	if err := s.creds.Rebind(r.Context(), id, req.TunnelID); err != nil {
		s.writeStoreError(w, "bind key failed", err)
		return
	}
	cred, err := s.creds.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, "get key failed", err)
		return
	}
	writeJSON(w, http.StatusOK, newKeyView(cred))
}

func (s *Server) handleReactivateKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.creds.Reactivate(r.Context(), id); err != nil {
		s.writeStoreError(w, "reactivate key failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	tunnels, err := s.store.ListTunnels(r.Context())
	if err != nil {
		s.internalError(w, "list tunnels failed", err)
		return
	}
	out := make([]tunnelView, 0, len(tunnels))
	for _, t := range tunnels {
		out = append(out, s.newTunnelView(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAddTunnel rejects links that do not parse before anything is
// stored, then relaunches the daemon with the new tunnel set.
func (s *Server) handleAddTunnel(w http.ResponseWriter, r *http.Request) {
	var req domain.AddTunnelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	raw := strings.TrimSpace(req.URL)
	desc, err := vless.ParseStrict(raw)
	if errors.Is(err, domain.ErrInvalidTunnel) {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_tunnel")
		return
	}
	if err != nil {
		s.internalError(w, "parse tunnel failed", err)
		return
	}
	rec, created, err := s.store.AddTunnel(r.Context(), raw, desc.Remark)
	if err != nil {
		s.internalError(w, "add tunnel failed", err)
		return
	}
	s.log.Info("tunnel added", "tunnel_id", rec.ID, "remark", rec.Remark, "created", created)

	resp := tunnelMutationResponse{Created: created}
	if created {
		resp.Daemon = s.daemonStatus(s.syncDaemon(r.Context()))
	} else {
		resp.Daemon = s.daemonStatus(nil)
	}
	view := s.newTunnelView(rec)
	resp.Tunnel = &view
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleRestartTunnels(w http.ResponseWriter, r *http.Request) {
	err := s.syncDaemon(r.Context())
	writeJSON(w, http.StatusOK, tunnelMutationResponse{Daemon: s.daemonStatus(err)})
}

func (s *Server) handleRemoveTunnel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteTunnel(r.Context(), id); err != nil {
		s.writeStoreError(w, "remove tunnel failed", err)
		return
	}
	s.log.Info("tunnel removed", "tunnel_id", id)
	writeJSON(w, http.StatusOK, tunnelMutationResponse{Daemon: s.daemonStatus(s.syncDaemon(r.Context()))})
}

func (s *Server) handleSetTunnelActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := s.store.SetTunnelActive(r.Context(), id, active); err != nil {
			s.writeStoreError(w, "set tunnel active failed", err)
			return
		}
		rec, err := s.store.GetTunnel(r.Context(), id)
		if err != nil {
			s.writeStoreError(w, "get tunnel failed", err)
			return
		}
		syncErr := s.syncDaemon(r.Context())
		view := s.newTunnelView(rec)
		writeJSON(w, http.StatusOK, tunnelMutationResponse{Tunnel: &view, Daemon: s.daemonStatus(syncErr)})
	}
}

// syncDaemon relaunches the daemon for the current active tunnels, or stops
// it when there are none. The returned error is informational: the gateway
// keeps serving over direct routes.
func (s *Server) syncDaemon(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	tunnels, err := s.store.ListActiveTunnels(ctx)
	if err != nil {
		return err
	}
	if len(tunnels) == 0 {
		return s.daemon.Stop(ctx)
	}
	if err := s.daemon.Restart(ctx, tunnels); err != nil {
		s.log.Warn("daemon restart failed", "err", err)
		return err
	}
	return nil
}

func (s *Server) daemonStatus(err error) daemonView {
	v := daemonView{
		State:   s.daemon.State().String(),
		PID:     s.daemon.PID(),
		Tunnels: s.daemon.TunnelCount(),
	}
	if err != nil {
		v.Error = err.Error()
	}
	return v
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.TokenStats(r.Context(), s.startOfDay())
	if err != nil {
		s.internalError(w, "token stats failed", err)
		return
	}
	out := make([]tokenView, 0, len(stats))
	for _, ts := range stats {
		out = append(out, tokenView{
			ID:           ts.Token.ID,
			Name:         ts.Token.Name,
			Active:       ts.Token.Active,
			CreatedAt:    ts.Token.CreatedAt,
			RequestStats: ts.RequestStats,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required", "invalid_request")
		return
	}
	plain, err := auth.GenerateToken()
	if err != nil {
		s.internalError(w, "generate token failed", err)
		return
	}
	tok, err := s.store.CreateServiceToken(r.Context(), name, auth.HashToken(plain))
	if err != nil {
		s.internalError(w, "create token failed", err)
		return
	}
	s.log.Info("service token created", "token_id", tok.ID, "name", tok.Name)
	writeJSON(w, http.StatusCreated, domain.CreateTokenResponse{ID: tok.ID, Name: tok.Name, Token: plain})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.RevokeServiceToken(r.Context(), id); err != nil {
		s.writeStoreError(w, "revoke token failed", err)
		return
	}
	s.tokens.deleteByTokenID(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteServiceToken(r.Context(), id); err != nil {
		s.writeStoreError(w, "delete token failed", err)
		return
	}
	s.tokens.deleteByTokenID(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) newTunnelView(t domain.TunnelRecord) tunnelView {
	v := tunnelView{
		ID:          t.ID,
		Remark:      t.Remark,
		ConfigIndex: t.ConfigIndex,
		Active:      t.Active,
		CreatedAt:   t.CreatedAt,
	}
	if desc, ok := vless.Parse(t.URL); ok {
		v.Host = desc.Host
	}
	if p, ok := s.daemon.Port(t.ID); ok {
		v.Port = &p
	}
	return v
}

func newKeyView(c domain.Credential) keyView {
	return keyView{
		ID:          c.ID,
		Index:       c.Index,
		Masked:      c.Masked(),
		Active:      c.Active,
		Balance:     c.Balance,
		TunnelID:    c.TunnelID,
		Tunnel:      c.TunnelRemark,
		TunnelIndex: c.TunnelConfigIndex,
		NextResetAt: c.NextResetAt,
		CheckedAt:   c.CheckedAt,
		CreatedAt:   c.CreatedAt,
	}
}

// writeStoreError maps not-found sentinels to 404 and everything else to 500.
func (s *Server) writeStoreError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, domain.ErrCredentialNotFound),
		errors.Is(err, domain.ErrTunnelNotFound),
		errors.Is(err, domain.ErrTokenNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "not_found")
	default:
		s.internalError(w, msg, err)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id", "invalid_request")
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", "invalid_request")
		return false
	}
	return true
}
