package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/bryan-buckman/bookvore/internal/common"
	"github.com/bryan-buckman/bookvore/internal/database/migrations"
	"github.com/bryan-buckman/bookvore/internal/logging"
	"github.com/bryan-buckman/bookvore/internal/model"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path and brings its
// schema up to date.
func New(ctx context.Context, path string) (*DB, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists per connection.
	conn.SetMaxOpenConns(1)

	if path != MemoryPath {
		// Enable WAL mode for better concurrency.
		if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set wal mode: %w", err)
		}
	}

	if err := RunMigrations(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{conn: conn}, nil
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, conn *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(gooseLogger{logging.L().Sugar()})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, conn, ".")
}

// gooseLogger routes goose output into zap at debug level.
type gooseLogger struct {
	s *zap.SugaredLogger
}

func (l gooseLogger) Printf(format string, v ...any) { l.s.Debugf(format, v...) }
func (l gooseLogger) Fatalf(format string, v ...any) { l.s.Fatalf(format, v...) }

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// --- Session Methods ---

// SaveSession replaces the stored session.
func (db *DB) SaveSession(ctx context.Context, s model.Session) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sessions (id, host, base_url, access_token, refresh_token, expires_at, username, api_key, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host = excluded.host,
			base_url = excluded.base_url,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			username = excluded.username,
			api_key = excluded.api_key,
			updated_at = excluded.updated_at`,
		s.Host, s.BaseURL, s.AccessToken, s.RefreshToken, s.ExpiresAt, s.Username, s.APIKey, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession returns the stored session.
func (db *DB) LoadSession(ctx context.Context) (model.Session, error) {
	var s model.Session
	err := db.conn.QueryRowContext(ctx, `
		SELECT host, base_url, access_token, refresh_token, expires_at, username, api_key
		FROM sessions WHERE id = 1`).
		Scan(&s.Host, &s.BaseURL, &s.AccessToken, &s.RefreshToken, &s.ExpiresAt, &s.Username, &s.APIKey)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, common.ErrNoSession
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("load session: %w", err)
	}
	return s, nil
}

// ClearSession removes the stored session. Clearing an empty store is not an
// error.
func (db *DB) ClearSession(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM sessions"); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// --- Settings Methods ---

// GetSetting retrieves a setting value.
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var val string
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return val, err
}

// SetSetting saves a setting.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, "INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", key, value)
	return err
}
