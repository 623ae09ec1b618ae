// Package domain defines the core data types shared across the keyswap
// gateway, store, pool, and reconciliation layers.
package domain

import (
	"strconv"
	"time"
)

// BaseSOCKSPort is the local port of the tunnel with config index 0. Every
// tunnel listens on BaseSOCKSPort + index.
const BaseSOCKSPort = 10801

// SOCKSPort returns the local listener port assigned to a tunnel index.
func SOCKSPort(configIndex int) int {
	return BaseSOCKSPort + configIndex
}

// Request log outcome tags.
const (
	OutcomeOK           = "ok"
	OutcomeKeyExhausted = "key_exhausted"
	OutcomeException    = "exception"
	OutcomeNoKeys       = "no_keys"
	OutcomeRateLimited  = "rate_limited"
)

// OutcomeForStatus maps a terminal upstream status to its log outcome tag.
func OutcomeForStatus(status int) string {
	if status < 400 {
		return OutcomeOK
	}
	return "error_" + strconv.Itoa(status)
}

// Credential is an upstream API key with its quota bookkeeping.
type Credential struct {
	ID          int64
	Secret      string
	Index       int
	TunnelID    *int64
	Active      bool
	Balance     *float64 // nil until the first balance probe
	NextResetAt *time.Time
	CheckedAt   *time.Time
	CreatedAt   time.Time

	// Joined from the bound tunnel; zero values when unbound.
	TunnelRemark      string
	TunnelConfigIndex *int
	TunnelActive      bool
}

// Masked returns the secret prefix shown on the public status route.
func (c Credential) Masked() string {
	return MaskSecret(c.Secret, 6)
}

// RoutedTunnel returns the tunnel this credential should be routed
// through, or false when it connects directly.
func (c Credential) RoutedTunnel() (int64, bool) {
	if c.TunnelID == nil || !c.TunnelActive {
		return 0, false
	}
	return *c.TunnelID, true
}

// MaskSecret keeps the first n characters of a secret.
func MaskSecret(secret string, n int) string {
	if len(secret) <= n {
		return secret + "..."
	}
	return secret[:n] + "..."
}

// TunnelRecord is a persisted outbound tunnel link.
type TunnelRecord struct {
	ID          int64
	URL         string
	Remark      string
	ConfigIndex int
	Active      bool
	CreatedAt   time.Time
}

// ServiceToken is a gateway access key. Only its hash is persisted.
type ServiceToken struct {
	ID        int64
	Name      string
	TokenHash string
	Active    bool
	CreatedAt time.Time
}

// RequestLogEntry is one append-only proxy outcome record.
type RequestLogEntry struct {
	Path         string
	Method       string
	Outcome      string
	CredentialID *int64
	TokenID      *int64
	CreatedAt    time.Time
}

// CredentialStats summarises the pool.
type CredentialStats struct {
	Total        int     `json:"total"`
	Active       int     `json:"active"`
	TotalBalance float64 `json:"total_balance"`
}

// TunnelStats counts configured tunnels.
type TunnelStats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// RequestStats counts request log entries.
type RequestStats struct {
	Today        int `json:"today"`
	SuccessToday int `json:"success_today"`
	Total        int `json:"total"`
}

// TokenStats pairs a service token with its request counters.
type TokenStats struct {
	Token ServiceToken
	RequestStats
}

// BalanceReport is the outcome of probing one credential upstream.
type BalanceReport struct {
	Balance     *float64
	Tier        string
	NextResetAt *time.Time
	Err         error
}

// CycleReport summarises one reconciliation pass.
type CycleReport struct {
	StartedAt      time.Time `json:"started_at"`
	Duration       string    `json:"duration"`
	Probed         int       `json:"probed"`
	ProbeFailures  int       `json:"probe_failures"`
	Deactivated    []int64   `json:"deactivated,omitempty"`
	Reactivated    []int64   `json:"reactivated,omitempty"`
	DesiredTunnels int       `json:"desired_tunnels"`
	DaemonRestart  bool      `json:"daemon_restart"`
	DaemonRunning  bool      `json:"daemon_running"`
	Error          string    `json:"error,omitempty"`
}
