package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/koltyakov/keyswap/internal/auth"
	"github.com/koltyakov/keyswap/internal/domain"
	"github.com/koltyakov/keyswap/internal/netutil"
	"github.com/koltyakov/keyswap/internal/upstream"
)

const (
	msgMissingToken = "Missing or invalid Authorization header. Use: Bearer <token>"
	msgInvalidToken = "Invalid or revoked token"
	msgNoKeys       = "No active API keys available"
	msgUpstream     = "Upstream connection failed"
)

var (
	errMissingToken = fmt.Errorf("%w: missing bearer token", domain.ErrUnauthorized)
	errInvalidToken = fmt.Errorf("%w: unknown or revoked token", domain.ErrUnauthorized)
)

// handleProxy forwards the request upstream, rotating to the next best
// credential whenever the upstream answers 402.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	w.Header().Set(requestIDHeader, reqID)
	log := s.log.With("request_id", reqID)

	token, err := s.authenticate(r)
	switch {
	case errors.Is(err, errMissingToken):
		writeError(w, http.StatusUnauthorized, msgMissingToken, "missing_token")
		return
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, msgInvalidToken, "invalid_token")
		return
	case err != nil:
		s.internalError(w, "token lookup failed", err)
		return
	}
	tokenID := token.ID

	if s.limiter != nil && !s.limiter.allow(strconv.FormatInt(tokenID, 10)) {
		s.logRequest(r, domain.OutcomeRateLimited, nil, &tokenID)
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", "rate_limited")
		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.rotate(ctx, r, body, reqID, tokenID, log)
	switch {
	case errors.Is(err, domain.ErrNoEligibleCredential):
		s.logRequest(r, domain.OutcomeNoKeys, nil, &tokenID)
		writeError(w, http.StatusServiceUnavailable, msgNoKeys, "no_keys")
	case errors.Is(err, domain.ErrUpstreamTransport):
		writeError(w, http.StatusBadGateway, msgUpstream, "upstream_failed")
	case err != nil:
		s.internalError(w, "credential selection failed", err)
	default:
		s.relay(w, resp, log)
	}
}

// rotate runs up to maxAttempts sequential attempts, each with the best
// credential not yet tried. Every attempt's outcome is logged here; the
// returned response is the first one that was not a 402.
func (s *Server) rotate(ctx context.Context, r *http.Request, body []byte, reqID string, tokenID int64, log *slog.Logger) (*http.Response, error) {
	excluded := make(map[int64]struct{}, maxAttempts)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cred, found, err := s.creds.SelectBest(ctx, s.cfg.BalanceThreshold, excluded)
		if err != nil {
			return nil, err
		}
		if !found {
			break
		}
		excluded[cred.ID] = struct{}{}
		credID := cred.ID

		resp, err := s.forward(ctx, r, cred, body, reqID)
		if err != nil {
			log.Error("upstream request failed", "credential_id", credID, "attempt", attempt, "err", err)
			s.logRequest(r, domain.OutcomeException, &credID, &tokenID)
			return nil, err
		}

		if resp.StatusCode == http.StatusPaymentRequired {
			drainBody(resp.Body)
			markCtx, markCancel := detached(ctx)
			if err := s.creds.MarkExhausted(markCtx, credID); err != nil {
				log.Error("failed to mark credential exhausted", "credential_id", credID, "err", err)
			}
			markCancel()
			s.logRequest(r, domain.OutcomeKeyExhausted, &credID, &tokenID)
			log.Info("credential exhausted, rotating", "credential_id", credID, "attempt", attempt)
			continue
		}

		s.logRequest(r, domain.OutcomeForStatus(resp.StatusCode), &credID, &tokenID)
		return resp, nil
	}

	log.Warn("no eligible credentials", "token_id", tokenID, "tried", len(excluded))
	return nil, domain.ErrNoEligibleCredential
}

func (s *Server) authenticate(r *http.Request) (domain.ServiceToken, error) {
	raw, ok := netutil.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return domain.ServiceToken{}, errMissingToken
	}
	hash := auth.HashToken(raw)
	if tok, ok := s.tokens.get(hash); ok {
		return tok, nil
	}
	tok, err := s.store.ResolveServiceToken(r.Context(), hash)
	if errors.Is(err, domain.ErrTokenNotFound) {
		return domain.ServiceToken{}, errInvalidToken
	}
	if err != nil {
		return domain.ServiceToken{}, err
	}
	s.tokens.set(hash, tok)
	return tok, nil
}

// readBody buffers the body of methods that carry one so that it can be
// replayed on every attempt.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, true
	}
	reader := r.Body
	if s.cfg.MaxBodyBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", "body_too_large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "Failed to read request body", "bad_request")
		return nil, false
	}
	return body, true
}

// forward sends one attempt with cred. Redirects are not followed.
func (s *Server) forward(ctx context.Context, r *http.Request, cred domain.Credential, body []byte, reqID string) (*http.Response, error) {
	port := upstream.Direct
	if tid, ok := cred.RoutedTunnel(); ok {
		if p, ok := s.daemon.Port(tid); ok {
			port = p
		}
	}
	rt, err := s.transports.For(port)
	if err != nil {
		return nil, &domain.UpstreamError{CredentialID: cred.ID, Op: "transport", Err: err}
	}

	// The escaped form keeps encoded '?', '%' and '/' intact.
	target := s.cfg.Upstream + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, reader)
	if err != nil {
		return nil, &domain.UpstreamError{CredentialID: cred.ID, Op: "build request", Err: err}
	}
	req.Header = r.Header.Clone()
	netutil.RemoveHopByHopHeaders(req.Header)
	req.Header.Set("Authorization", "Bearer "+cred.Secret)
	req.Header.Set(requestIDHeader, reqID)

	resp, err := rt.RoundTrip(req)
	if err != nil {
		return nil, &domain.UpstreamError{CredentialID: cred.ID, Op: "forward", Err: err}
	}
	return resp, nil
}

func (s *Server) logRequest(r *http.Request, outcome string, credentialID, tokenID *int64) {
	ctx, cancel := detached(r.Context())
	defer cancel()
	err := s.store.LogRequest(ctx, domain.RequestLogEntry{
		Path:         r.URL.Path,
		Method:       r.Method,
		Outcome:      outcome,
		CredentialID: credentialID,
		TokenID:      tokenID,
		CreatedAt:    s.clock.Now(),
	})
	if err != nil {
		s.log.Warn("failed to write request log", "path", r.URL.Path, "outcome", outcome, "err", err)
	}
}

// detached returns a short-lived context that survives cancellation of
// parent, for bookkeeping writes after the client is gone.
func detached(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), logWriteTimeout)
}

func requestID(r *http.Request) string {
	if id := r.Header.Get(requestIDHeader); id != "" && len(id) <= 128 {
		return id
	}
	return uuid.NewString()
}

func drainBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}
