package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/koltyakov/keyswap/internal/domain"
)

// LogRequest appends one proxy outcome.
func (s *Store) LogRequest(ctx context.Context, e domain.RequestLogEntry) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	args := []any{e.Path, e.Method, e.Outcome, nullableInt64(e.CredentialID), nullableInt64(e.TokenID), createdAt.UTC()}
	var err error
	if stmt := s.logRequestStmt; stmt != nil {
		_, err = stmt.ExecContext(ctx, args...)
	} else {
		_, err = s.db.ExecContext(ctx, logRequestQuery, args...)
	}
	return err
}

// RequestStats counts all logged requests, plus those created at or after
// since and those among them that succeeded.
func (s *Store) RequestStats(ctx context.Context, since time.Time) (domain.RequestStats, error) {
	var st domain.RequestStats
	var today, success sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(1),
	SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END),
	SUM(CASE WHEN created_at >= ? AND outcome = ? THEN 1 ELSE 0 END)
FROM request_log`, since.UTC(), since.UTC(), domain.OutcomeOK).Scan(&st.Total, &today, &success); err != nil {
		return domain.RequestStats{}, err
	}
	st.Today = int(today.Int64)
	st.SuccessToday = int(success.Int64)
	return st, nil
}

// TokenStats returns every service token with its request counters.
func (s *Store) TokenStats(ctx context.Context, since time.Time) ([]domain.TokenStats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT
	t.id, t.name, t.token_hash, t.is_active, t.created_at,
	COUNT(r.id),
	COALESCE(SUM(CASE WHEN r.created_at >= ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN r.created_at >= ? AND r.outcome = ? THEN 1 ELSE 0 END), 0)
FROM service_tokens t
LEFT JOIN request_log r ON r.token_id = t.id
GROUP BY t.id, t.name, t.token_hash, t.is_active, t.created_at
ORDER BY t.id ASC`, since.UTC(), since.UTC(), domain.OutcomeOK)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.TokenStats
	for rows.Next() {
		var ts domain.TokenStats
		var active int
		if err := rows.Scan(&ts.Token.ID, &ts.Token.Name, &ts.Token.TokenHash, &active, &ts.Token.CreatedAt,
			&ts.Total, &ts.Today, &ts.SuccessToday); err != nil {
			return nil, err
		}
		ts.Token.Active = active == 1
		out = append(out, ts)
	}
	return out, rows.Err()
}

// PurgeRequestLog deletes entries older than the cutoff. It limits each run
// to avoid long write transactions.
func (s *Store) PurgeRequestLog(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultRequestLogPurgeLimit
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM request_log
WHERE id IN (
	SELECT id
	FROM request_log
	WHERE created_at < ?
	ORDER BY id ASC
	LIMIT ?
)`, olderThan.UTC(), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
