// Package pool selects upstream credentials and applies their lifecycle
// transitions over a persistent [Store].
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/koltyakov/keyswap/internal/domain"
)

// Store is the persistence the pool needs. It is implemented by
// internal/store/sqlite.
type Store interface {
	ListCredentials(ctx context.Context) ([]domain.Credential, error)
	GetCredential(ctx context.Context, id int64) (domain.Credential, error)
	AdmitCredential(ctx context.Context, secret string, tunnelID *int64, balance *float64) (domain.Credential, bool, error)
	BindCredential(ctx context.Context, id int64, tunnelID *int64) error
	DeleteCredential(ctx context.Context, id int64) error
	SetCredentialActive(ctx context.Context, id int64, active bool) error
	ReactivateAllCredentials(ctx context.Context) (int64, error)
	UpdateCredentialBalance(ctx context.Context, id int64, balance *float64, nextReset *time.Time) error
	MarkCredentialExhausted(ctx context.Context, id int64) error
	CredentialStats(ctx context.Context) (domain.CredentialStats, error)
}

// Pool is safe for concurrent use; every call reads or writes the store
// directly and keeps no cached state.
type Pool struct {
	store Store
	log   *slog.Logger
}

func New(store Store, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{store: store, log: logger}
}

// Eligible reports whether c may serve requests at the given threshold.
func Eligible(c domain.Credential, threshold float64) bool {
	if !c.Active {
		return false
	}
	return c.Balance == nil || *c.Balance >= threshold
}

// Select returns the best eligible credential not in excluded: highest
// known balance first, unknown balances after all known ones, ties broken
// by ascending index.
func Select(creds []domain.Credential, threshold float64, excluded map[int64]struct{}) (domain.Credential, bool) {
	candidates := make([]domain.Credential, 0, len(creds))
	for _, c := range creds {
		if !Eligible(c, threshold) {
			continue
		}
		if _, skip := excluded[c.ID]; skip {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return domain.Credential{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return less(candidates[i], candidates[j])
	})
	return candidates[0], true
}

func less(a, b domain.Credential) bool {
	switch {
	case a.Balance != nil && b.Balance == nil:
		return true
	case a.Balance == nil && b.Balance != nil:
		return false
	case a.Balance != nil && *a.Balance != *b.Balance:
		return *a.Balance > *b.Balance
	}
	return a.Index < b.Index
}

// SelectBest reads a fresh snapshot and applies [Select].
func (p *Pool) SelectBest(ctx context.Context, threshold float64, excluded map[int64]struct{}) (domain.Credential, bool, error) {
	creds, err := p.store.ListCredentials(ctx)
	if err != nil {
		return domain.Credential{}, false, fmt.Errorf("list credentials: %w", err)
	}
	c, ok := Select(creds, threshold, excluded)
	return c, ok, nil
}

func (p *Pool) List(ctx context.Context) ([]domain.Credential, error) {
	return p.store.ListCredentials(ctx)
}

func (p *Pool) Get(ctx context.Context, id int64) (domain.Credential, error) {
	return p.store.GetCredential(ctx, id)
}

// Admit stores secret with the next index and returns that index. Admitting
// a known secret is a no-op returning its existing index.
func (p *Pool) Admit(ctx context.Context, secret string, tunnelID *int64) (int, error) {
	c, err := p.AdmitProbed(ctx, secret, tunnelID, nil)
	return c.Index, err
}

// AdmitProbed is [Pool.Admit] recording a balance measured before admission.
func (p *Pool) AdmitProbed(ctx context.Context, secret string, tunnelID *int64, balance *float64) (domain.Credential, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return domain.Credential{}, fmt.Errorf("admit credential: empty secret")
	}
	c, created, err := p.store.AdmitCredential(ctx, secret, tunnelID, balance)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("admit credential: %w", err)
	}
	if created {
		p.log.Info("credential admitted", "credential_id", c.ID, "index", c.Index)
	}
	return c, nil
}

func (p *Pool) Rebind(ctx context.Context, id int64, tunnelID *int64) error {
	return p.store.BindCredential(ctx, id, tunnelID)
}

func (p *Pool) Remove(ctx context.Context, id int64) error {
	return p.store.DeleteCredential(ctx, id)
}

func (p *Pool) Deactivate(ctx context.Context, id int64) error {
	return p.store.SetCredentialActive(ctx, id, false)
}

func (p *Pool) Reactivate(ctx context.Context, id int64) error {
	return p.store.SetCredentialActive(ctx, id, true)
}

// ReactivateAll returns the number of credentials that were reactivated.
func (p *Pool) ReactivateAll(ctx context.Context) (int64, error) {
	n, err := p.store.ReactivateAllCredentials(ctx)
	if err != nil {
		return 0, fmt.Errorf("reactivate credentials: %w", err)
	}
	if n > 0 {
		p.log.Info("credentials reactivated", "count", n)
	}
	return n, nil
}

func (p *Pool) UpdateBalance(ctx context.Context, id int64, balance *float64, nextReset *time.Time) error {
	return p.store.UpdateCredentialBalance(ctx, id, balance, nextReset)
}

// MarkExhausted deactivates id and zeroes its balance. Concurrent requests
// may discover the same exhaustion; repeating it is harmless.
func (p *Pool) MarkExhausted(ctx context.Context, id int64) error {
	if err := p.store.MarkCredentialExhausted(ctx, id); err != nil {
		return fmt.Errorf("mark credential %d exhausted: %w", id, err)
	}
	p.log.Warn("credential exhausted", "credential_id", id)
	return nil
}

func (p *Pool) Stats(ctx context.Context) (domain.CredentialStats, error) {
	return p.store.CredentialStats(ctx)
}
