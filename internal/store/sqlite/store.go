// Package sqlite implements the keyswap data store backed by a SQLite
// database. It persists upstream credentials, outbound tunnels, service
// tokens and the request log.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all keyswap persistence operations.
type Store struct {
	db *sql.DB

	listCredentialsStmt *sql.Stmt
	resolveTokenStmt    *sql.Stmt
	logRequestStmt      *sql.Stmt
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10
const defaultRequestLogPurgeLimit = 5000

const credentialColumns = `
 c.id, c.secret, c.key_index, c.tunnel_id, c.is_active, c.balance, c.next_reset_at, c.checked_at, c.created_at,
 COALESCE(t.remark, ''), t.config_index, COALESCE(t.is_active, 0)
FROM credentials c
LEFT JOIN tunnels t ON t.id = c.tunnel_id`

const listCredentialsQuery = `SELECT` + credentialColumns + `
ORDER BY c.key_index ASC`

const resolveTokenQuery = `
SELECT id, name, token_hash, is_active, created_at
FROM service_tokens
WHERE token_hash = ? AND is_active = 1`

const logRequestQuery = `
INSERT INTO request_log(path, method, outcome, credential_id, token_id, created_at)
VALUES(?, ?, ?, ?, ?, ?)`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.listCredentialsStmt, err = s.db.PrepareContext(ctx, listCredentialsQuery); err != nil {
		return fmt.Errorf("prepare list credentials query: %w", err)
	}
	if s.resolveTokenStmt, err = s.db.PrepareContext(ctx, resolveTokenQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare resolve token query: %w", err), closeErr)
	}
	if s.logRequestStmt, err = s.db.PrepareContext(ctx, logRequestQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare log request query: %w", err), closeErr)
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	var err error
	err = errors.Join(err, closeStmt(&s.listCredentialsStmt))
	err = errors.Join(err, closeStmt(&s.resolveTokenStmt))
	err = errors.Join(err, closeStmt(&s.logRequestStmt))
	return err
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS tunnels (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL UNIQUE,
	remark TEXT NOT NULL DEFAULT '',
	config_index INTEGER NOT NULL UNIQUE,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS credentials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	secret TEXT NOT NULL UNIQUE,
	key_index INTEGER NOT NULL UNIQUE,
	tunnel_id INTEGER NULL REFERENCES tunnels(id) ON DELETE SET NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	balance REAL NULL,
	next_reset_at DATETIME NULL,
	checked_at DATETIME NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS service_tokens (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS request_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL,
	method TEXT NOT NULL,
	outcome TEXT NOT NULL,
	credential_id INTEGER NULL,
	token_id INTEGER NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credentials_active ON credentials(is_active);
CREATE INDEX IF NOT EXISTS idx_credentials_tunnel_id ON credentials(tunnel_id);
CREATE INDEX IF NOT EXISTS idx_tunnels_active_index ON tunnels(is_active, config_index);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tunnels_config_index ON tunnels(config_index);
CREATE INDEX IF NOT EXISTS idx_service_tokens_hash ON service_tokens(token_hash);
CREATE INDEX IF NOT EXISTS idx_request_log_created_at ON request_log(created_at);
CREATE INDEX IF NOT EXISTS idx_request_log_token_created ON request_log(token_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	// Databases created before reset tracking lack next_reset_at.
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE credentials ADD COLUMN next_reset_at DATETIME NULL`); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
			return err
		}
	}
	return nil
}
