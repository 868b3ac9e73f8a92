// Package kvstore implements the Key/Value Store (component I): a single
// embedded, WAL-journaled SQLite file behind a small read/write/delete-
// older-than contract. The Connection Gateway and REST Surface never see
// SQL; they only see this interface.
package kvstore

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "modernc.org/sqlite"

	"termgate/internal/logging"

	"go.uber.org/zap"
)

// StalePurgeAge is how old a drafts/annotations row must be, measured
// from updated_at, before the startup purge removes it.
const StalePurgeAge = 7 * 24 * time.Hour

// Store is the Key/Value Store contract the rest of the core depends on.
// The core depends only on this interface; the Connection Gateway and
// REST Surface never construct SQL themselves.
type Store interface {
	// Get/Put back scalar settings, keyed by an arbitrary namespace+key.
	Get(identityHash, namespace, key string) (value []byte, updatedAt time.Time, ok bool)
	Put(identityHash, namespace, key string, value []byte) error

	// Drafts and annotations are first-class tables rather than
	// namespaced settings rows, since both carry a distinct purge policy.
	GetDraft(identityHash, sessionName string) (content string, updatedAt time.Time, ok bool)
	PutDraft(identityHash, sessionName, content string) error
	GetAnnotation(identityHash, sessionName, filePath string) (content string, updatedAt time.Time, ok bool)
	PutAnnotation(identityHash, sessionName, filePath, content string) error

	DeleteOlderThan(table string, age time.Duration) (int64, error)
	Close() error
}

// sqliteStore is the only implementation: an embedded SQLite file.
type sqliteStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite file under dataDir,
// applies WAL journal mode, runs all pending migrations, and purges
// stale drafts/annotations rows.
func Open(dataDir string) (Store, error) {
	dbPath := filepath.Join(dataDir, "termgate.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time avoids SQLITE_BUSY churn

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	store := &sqliteStore{db: db}
	if n, err := store.DeleteOlderThan("drafts", StalePurgeAge); err != nil {
		logging.L().Warn("kvstore: startup purge of drafts failed", zap.Error(err))
	} else if n > 0 {
		logging.L().Info("kvstore: purged stale drafts", zap.Int64("rows", n))
	}
	if n, err := store.DeleteOlderThan("annotations", StalePurgeAge); err != nil {
		logging.L().Warn("kvstore: startup purge of annotations failed", zap.Error(err))
	} else if n > 0 {
		logging.L().Info("kvstore: purged stale annotations", zap.Int64("rows", n))
	}

	return store, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("kvstore: migrate driver: %w", err)
	}
	sourceURL := fmt.Sprintf("file://%s", migrationsDir())
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("kvstore: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("kvstore: migrate up: %w", err)
	}
	return nil
}

// migrationsDir resolves the on-disk migrations directory from this source
// file's compile-time path, so it does not depend on the process's working
// directory. The migrations are not embedded in the binary: the directory
// must exist at that path when the store is opened.
func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "migrations")
}

// namedTables whitelists the only tables DeleteOlderThan may touch, so a
// caller can never turn a constant into an arbitrary SQL identifier.
var namedTables = map[string]bool{
	"drafts":      true,
	"annotations": true,
}

func (s *sqliteStore) Get(identityHash, namespace, key string) ([]byte, time.Time, bool) {
	var value string
	var updatedAt int64
	err := s.db.QueryRow(
		`SELECT value, updated_at FROM settings WHERE identity_hash = ? AND key = ?`,
		identityHash, settingsKey(namespace, key),
	).Scan(&value, &updatedAt)
	if err != nil {
		return nil, time.Time{}, false
	}
	return []byte(value), time.Unix(updatedAt, 0), true
}

func (s *sqliteStore) Put(identityHash, namespace, key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (identity_hash, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(identity_hash, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		identityHash, settingsKey(namespace, key), string(value), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("kvstore: put: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetDraft(identityHash, sessionName string) (string, time.Time, bool) {
	var content string
	var updatedAt int64
	err := s.db.QueryRow(
		`SELECT content, updated_at FROM drafts WHERE identity_hash = ? AND session_name = ?`,
		identityHash, sessionName,
	).Scan(&content, &updatedAt)
	if err != nil {
		return "", time.Time{}, false
	}
	return content, time.Unix(updatedAt, 0), true
}

func (s *sqliteStore) PutDraft(identityHash, sessionName, content string) error {
	_, err := s.db.Exec(
		`INSERT INTO drafts (identity_hash, session_name, content, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(identity_hash, session_name) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		identityHash, sessionName, content, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("kvstore: put draft: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetAnnotation(identityHash, sessionName, filePath string) (string, time.Time, bool) {
	var content string
	var updatedAt int64
	err := s.db.QueryRow(
		`SELECT content, updated_at FROM annotations WHERE identity_hash = ? AND session_name = ? AND file_path = ?`,
		identityHash, sessionName, filePath,
	).Scan(&content, &updatedAt)
	if err != nil {
		return "", time.Time{}, false
	}
	return content, time.Unix(updatedAt, 0), true
}

func (s *sqliteStore) PutAnnotation(identityHash, sessionName, filePath, content string) error {
	_, err := s.db.Exec(
		`INSERT INTO annotations (identity_hash, session_name, file_path, content, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(identity_hash, session_name, file_path) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		identityHash, sessionName, filePath, content, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("kvstore: put annotation: %w", err)
	}
	return nil
}

func (s *sqliteStore) DeleteOlderThan(table string, age time.Duration) (int64, error) {
	if !namedTables[table] {
		return 0, fmt.Errorf("kvstore: delete-older-than: unknown table %q", table)
	}
	cutoff := time.Now().Add(-age).Unix()
	res, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE updated_at < ?`, table), cutoff)
	if err != nil {
		return 0, fmt.Errorf("kvstore: delete-older-than %s: %w", table, err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// settingsKey namespaces a key inside the shared settings table, used for
// everything that isn't a first-class drafts/annotations row.
func settingsKey(namespace, key string) string {
	if namespace == "" {
		return key
	}
	return namespace + ":" + key
}

