package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/koltyakov/keyswap/internal/domain"
)

const (
	DefaultBaseURL      = "https://gen.pollinations.ai"
	DefaultProbeTimeout = 15 * time.Second

	balancePath = "/account/balance"
	profilePath = "/account/profile"

	maxProbeBody = 64 << 10
)

type balanceBody struct {
	Balance *float64 `json:"balance"`
}

type profileBody struct {
	Tier        string `json:"tier"`
	NextResetAt string `json:"nextResetAt"`
}

// Prober queries the upstream account endpoints for one credential.
type Prober struct {
	baseURL    string
	transports *Transports
	timeout    time.Duration
	log        *slog.Logger
}

func NewProber(baseURL string, transports *Transports, timeout time.Duration, logger *slog.Logger) *Prober {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		baseURL:    strings.TrimRight(baseURL, "/"),
		transports: transports,
		timeout:    timeout,
		log:        logger,
	}
}

// Probe fetches the balance and then the profile of secret over the given
// route. A failed balance request yields a nil Balance and a non-nil Err; a
// failed profile request only leaves Tier and NextResetAt empty.
func (p *Prober) Probe(ctx context.Context, secret string, port int) domain.BalanceReport {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	client, err := p.transports.Client(port)
	if err != nil {
		return domain.BalanceReport{Err: &domain.UpstreamError{Op: "probe", Err: err}}
	}

	var report domain.BalanceReport
	var bal balanceBody
	status, err := p.getJSON(ctx, client, balancePath, secret, &bal)
	switch {
	case err != nil:
		report.Err = &domain.UpstreamError{Op: "probe balance", Err: err}
		return report
	case status != http.StatusOK:
		report.Err = fmt.Errorf("balance check failed: %d", status)
		return report
	}
	balance := 0.0
	if bal.Balance != nil {
		balance = *bal.Balance
	}
	report.Balance = &balance

	var prof profileBody
	status, err = p.getJSON(ctx, client, profilePath, secret, &prof)
	if err != nil || status != http.StatusOK {
		p.log.Debug("profile probe failed", "status", status, "err", err)
		return report
	}
	report.Tier = prof.Tier
	if prof.NextResetAt != "" {
		if ts, err := time.Parse(time.RFC3339, prof.NextResetAt); err == nil {
			ts = ts.UTC()
			report.NextResetAt = &ts
		}
	}
	return report
}

// Validate reports whether secret is accepted upstream, returning the
// probe so callers can store the measured balance.
func (p *Prober) Validate(ctx context.Context, secret string, port int) (domain.BalanceReport, bool) {
	report := p.Probe(ctx, secret, port)
	return report, report.Balance != nil
}

func (p *Prober) getJSON(ctx context.Context, client *http.Client, path, secret string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody))
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProbeBody)).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}
