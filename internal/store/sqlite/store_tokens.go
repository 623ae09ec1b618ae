package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/koltyakov/keyswap/internal/domain"
)

const tokenColumns = `id, name, token_hash, is_active, created_at`

func scanToken(row rowScanner) (domain.ServiceToken, error) {
	var t domain.ServiceToken
	var active int
	if err := row.Scan(&t.ID, &t.Name, &t.TokenHash, &active, &t.CreatedAt); err != nil {
		return domain.ServiceToken{}, err
	}
	t.Active = active == 1
	return t, nil
}

func (s *Store) CreateServiceToken(ctx context.Context, name, tokenHash string) (domain.ServiceToken, error) {
	t := domain.ServiceToken{
		Name:      name,
		TokenHash: tokenHash,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO service_tokens(name, token_hash, is_active, created_at)
VALUES(?, ?, 1, ?)`, t.Name, t.TokenHash, t.CreatedAt)
	if err != nil {
		return domain.ServiceToken{}, err
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return domain.ServiceToken{}, err
	}
	return t, nil
}

// ResolveServiceToken returns the active token with the given hash, or
// [domain.ErrTokenNotFound].
func (s *Store) ResolveServiceToken(ctx context.Context, tokenHash string) (domain.ServiceToken, error) {
	var row *sql.Row
	if stmt := s.resolveTokenStmt; stmt != nil {
		row = stmt.QueryRowContext(ctx, tokenHash)
	} else {
		row = s.db.QueryRowContext(ctx, resolveTokenQuery, tokenHash)
	}
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ServiceToken{}, domain.ErrTokenNotFound
	}
	return t, err
}

func (s *Store) ListServiceTokens(ctx context.Context) ([]domain.ServiceToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM service_tokens ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ServiceToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) RevokeServiceToken(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE service_tokens SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res, domain.ErrTokenNotFound)
}

func (s *Store) DeleteServiceToken(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM service_tokens WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res, domain.ErrTokenNotFound)
}
