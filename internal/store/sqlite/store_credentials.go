package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/koltyakov/keyswap/internal/domain"
)

func scanCredential(row rowScanner) (domain.Credential, error) {
	var c domain.Credential
	var (
		tunnelID    sql.NullInt64
		active      int
		balance     sql.NullFloat64
		nextReset   sql.NullTime
		checkedAt   sql.NullTime
		configIndex sql.NullInt64
		tunnelOn    int
	)
	if err := row.Scan(&c.ID, &c.Secret, &c.Index, &tunnelID, &active, &balance, &nextReset, &checkedAt, &c.CreatedAt,
		&c.TunnelRemark, &configIndex, &tunnelOn); err != nil {
		return domain.Credential{}, err
	}
	c.TunnelID = int64Ptr(tunnelID)
	c.Active = active == 1
	c.Balance = floatPtr(balance)
	c.NextResetAt = timePtr(nextReset)
	c.CheckedAt = timePtr(checkedAt)
	if configIndex.Valid {
		idx := int(configIndex.Int64)
		c.TunnelConfigIndex = &idx
	}
	c.TunnelActive = c.TunnelID != nil && tunnelOn == 1
	return c, nil
}

// ListCredentials returns every credential in index order, joined with the
// remark and state of its bound tunnel.
func (s *Store) ListCredentials(ctx context.Context) ([]domain.Credential, error) {
	var rows *sql.Rows
	var err error
	if stmt := s.listCredentialsStmt; stmt != nil {
		rows, err = stmt.QueryContext(ctx)
	} else {
		rows, err = s.db.QueryContext(ctx, listCredentialsQuery)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetCredential(ctx context.Context, id int64) (domain.Credential, error) {
	c, err := scanCredential(s.db.QueryRowContext(ctx, `SELECT`+credentialColumns+` WHERE c.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Credential{}, domain.ErrCredentialNotFound
	}
	return c, err
}

// AdmitCredential inserts secret with the next sequential index. When the
// secret is already stored, the existing credential is returned unchanged
// and created is false.
func (s *Store) AdmitCredential(ctx context.Context, secret string, tunnelID *int64, balance *float64) (domain.Credential, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Credential{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM credentials WHERE secret = ?`, secret).Scan(&existing)
	switch {
	case err == nil:
		if err = tx.Commit(); err != nil {
			return domain.Credential{}, false, err
		}
		c, err := s.GetCredential(ctx, existing)
		return c, false, err
	case !errors.Is(err, sql.ErrNoRows):
		return domain.Credential{}, false, err
	}

	now := time.Now().UTC()
	var checkedAt *time.Time
	if balance != nil {
		checkedAt = &now
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO credentials(secret, key_index, tunnel_id, is_active, balance, checked_at, created_at)
VALUES(?, (SELECT COALESCE(MAX(key_index), -1) + 1 FROM credentials), ?, 1, ?, ?, ?)`,
		secret, nullableInt64(tunnelID), nullableFloat(balance), nullableTime(checkedAt), now)
	if err != nil {
		return domain.Credential{}, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Credential{}, false, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Credential{}, false, err
	}
	c, err := s.GetCredential(ctx, id)
	return c, true, err
}

// BindCredential routes a credential through tunnelID, or directly when nil.
func (s *Store) BindCredential(ctx context.Context, id int64, tunnelID *int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE credentials SET tunnel_id = ? WHERE id = ?`, nullableInt64(tunnelID), id)
	if err != nil {
		return err
	}
	return requireAffected(res, domain.ErrCredentialNotFound)
}

func (s *Store) DeleteCredential(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res, domain.ErrCredentialNotFound)
}

func (s *Store) SetCredentialActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE credentials SET is_active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return err
	}
	return requireAffected(res, domain.ErrCredentialNotFound)
}

// ReactivateAllCredentials marks every inactive credential active and
// returns how many changed.
func (s *Store) ReactivateAllCredentials(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE credentials SET is_active = 1 WHERE is_active = 0`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateCredentialBalance records a probe result. A nil balance clears the
// stored value; a nil nextReset keeps the previous reset time.
func (s *Store) UpdateCredentialBalance(ctx context.Context, id int64, balance *float64, nextReset *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE credentials
SET balance = ?, next_reset_at = COALESCE(?, next_reset_at), checked_at = ?
WHERE id = ?`, nullableFloat(balance), nullableTime(nextReset), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireAffected(res, domain.ErrCredentialNotFound)
}

// MarkCredentialExhausted deactivates a credential and zeroes its balance.
func (s *Store) MarkCredentialExhausted(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE credentials
SET is_active = 0, balance = 0, checked_at = ?
WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireAffected(res, domain.ErrCredentialNotFound)
}

func (s *Store) CredentialStats(ctx context.Context) (domain.CredentialStats, error) {
	var st domain.CredentialStats
	var active sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1), SUM(is_active), COALESCE(SUM(balance), 0)
FROM credentials`).Scan(&st.Total, &active, &st.TotalBalance); err != nil {
		return domain.CredentialStats{}, err
	}
	st.Active = int(active.Int64)
	st.TotalBalance = math.Round(st.TotalBalance*100) / 100
	return st, nil
}
