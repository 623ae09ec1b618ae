package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/koltyakov/keyswap/internal/domain"
)

const tunnelColumns = `id, url, remark, config_index, is_active, created_at`

func scanTunnel(row rowScanner) (domain.TunnelRecord, error) {
	var t domain.TunnelRecord
	var active int
	if err := row.Scan(&t.ID, &t.URL, &t.Remark, &t.ConfigIndex, &active, &t.CreatedAt); err != nil {
		return domain.TunnelRecord{}, err
	}
	t.Active = active == 1
	return t, nil
}

func (s *Store) queryTunnels(ctx context.Context, query string, args ...any) ([]domain.TunnelRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.TunnelRecord
	for rows.Next() {
		t, err := scanTunnel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AddTunnel stores url with the next config index. Adding a url that is
// already stored returns the existing record with created false.
func (s *Store) AddTunnel(ctx context.Context, url, remark string) (domain.TunnelRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TunnelRecord{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO tunnels(url, remark, config_index, is_active, created_at)
VALUES(?, ?, (SELECT COALESCE(MAX(config_index), -1) + 1 FROM tunnels), 1, ?)`,
		url, remark, time.Now().UTC())
	if err != nil {
		return domain.TunnelRecord{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.TunnelRecord{}, false, err
	}
	t, err := scanTunnel(tx.QueryRowContext(ctx, `SELECT `+tunnelColumns+` FROM tunnels WHERE url = ?`, url))
	if err != nil {
		return domain.TunnelRecord{}, false, err
	}
	if err = tx.Commit(); err != nil {
		return domain.TunnelRecord{}, false, err
	}
	return t, affected > 0, nil
}

// ListTunnels returns all tunnels in config index order.
func (s *Store) ListTunnels(ctx context.Context) ([]domain.TunnelRecord, error) {
	return s.queryTunnels(ctx, `SELECT `+tunnelColumns+` FROM tunnels ORDER BY config_index ASC, id ASC`)
}

// ListActiveTunnels returns the tunnels the daemon should serve, in launch order.
func (s *Store) ListActiveTunnels(ctx context.Context) ([]domain.TunnelRecord, error) {
	return s.queryTunnels(ctx, `SELECT `+tunnelColumns+` FROM tunnels WHERE is_active = 1 ORDER BY config_index ASC, id ASC`)
}

func (s *Store) GetTunnel(ctx context.Context, id int64) (domain.TunnelRecord, error) {
	t, err := scanTunnel(s.db.QueryRowContext(ctx, `SELECT `+tunnelColumns+` FROM tunnels WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TunnelRecord{}, domain.ErrTunnelNotFound
	}
	return t, err
}

// DeleteTunnel removes a tunnel and unbinds every credential routed through it.
func (s *Store) DeleteTunnel(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `UPDATE credentials SET tunnel_id = NULL WHERE tunnel_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tunnels WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err = requireAffected(res, domain.ErrTunnelNotFound); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SetTunnelActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tunnels SET is_active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return err
	}
	return requireAffected(res, domain.ErrTunnelNotFound)
}

func (s *Store) TunnelStats(ctx context.Context) (domain.TunnelStats, error) {
	var st domain.TunnelStats
	var active sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1), SUM(is_active) FROM tunnels`).Scan(&st.Total, &active); err != nil {
		return domain.TunnelStats{}, err
	}
	st.Active = int(active.Int64)
	return st, nil
}
