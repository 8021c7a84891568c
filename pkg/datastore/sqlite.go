// Package datastore persists registered credentials for the rendezvous directory.
package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/rendezvous/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// SQLiteStore stores credentials in a SQLite database file.
type SQLiteStore struct {
	DB *sql.DB
}

// NewSQLite opens (or creates) a SQLite database and runs migrations.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	// One connection serialises writers and keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &SQLiteStore{DB: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

// migrations are applied in order; each runs once per database file.
var migrations = []struct {
	version    int
	statements []string
}{
	{
		version: 1,
		statements: []string{`
	CREATE TABLE IF NOT EXISTS credentials (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT    NOT NULL UNIQUE CHECK(length(username) > 0 AND length(username) <= 32),
		password_hash TEXT    NOT NULL CHECK(length(password_hash) > 0),
		created_at    TEXT    NOT NULL DEFAULT (datetime('now'))
	);
	`},
	},
}

// SchemaVersion is the schema version a freshly migrated database reports.
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("datastore: migrate to v%d: %w", m.version, err)
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLiteStore) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// ---- Credentials ----

// InsertIfAbsent stores a credential unless the username is already taken.
// The UNIQUE constraint makes this atomic across processes sharing the file.
func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, cred model.Credential) (bool, error) {
	if err := model.ValidateUsername(cred.Username); err != nil {
		return false, fmt.Errorf("datastore: insert credential: %w", err)
	}
	if cred.Hash == "" {
		return false, fmt.Errorf("datastore: insert credential: empty hash")
	}
	createdAt := cred.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := s.DB.ExecContext(ctx,
		"INSERT INTO credentials (username, password_hash, created_at) VALUES (?, ?, ?) ON CONFLICT(username) DO NOTHING",
		cred.Username, cred.Hash, formatDBTime(createdAt))
	if err != nil {
		return false, fmt.Errorf("datastore: insert credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("datastore: insert credential: %w", err)
	}
	return n == 1, nil
}

// Exists reports whether username has a stored credential.
func (s *SQLiteStore) Exists(ctx context.Context, username string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, "SELECT 1 FROM credentials WHERE username = ?", username).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("datastore: credential exists: %w", err)
	}
	return true, nil
}

// LoadAll returns all stored credentials.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]model.Credential, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT username, password_hash, created_at FROM credentials ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("datastore: list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []model.Credential
	for rows.Next() {
		var c model.Credential
		var createdAt string
		if err := rows.Scan(&c.Username, &c.Hash, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan credential: %w", err)
		}
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan credential: %w", err)
		}
		c.CreatedAt = parsed
		creds = append(creds, c)
	}
	return creds, rows.Err()
}
