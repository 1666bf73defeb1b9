// Package store provides storage backends for Sophia.
//
// This file implements an SQLite-backed store for sessions and schedules.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sophia-care/sophia/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	if path := sqlitePath(dsn); path != "" && path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		slog.Debug("SQLite database directory verified/created", "dir", dir)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// sqlitePath extracts the file path from a plain path or a file: URI.
func sqlitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

func (s *SQLiteStore) Get(ctx context.Context, userID string) (*models.Session, error) {
	var data string
	var gen int64
	err := s.db.QueryRowContext(ctx, `SELECT generation, data FROM sessions WHERE user_id = ?`, userID).Scan(&gen, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.Get: query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load session for %s: %w", userID, err)
	}
	return decodeSession([]byte(data), gen)
}

func (s *SQLiteStore) Save(ctx context.Context, sess models.Session) error {
	if sess.UserID == "" {
		return models.ErrEmptyUserID
	}
	data, err := encodeSession(sess)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, generation, state, data, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET state = excluded.state, data = excluded.data, updated_at = excluded.updated_at
		WHERE sessions.generation = excluded.generation`,
		sess.UserID, sess.Generation, string(sess.State), string(data), time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore.Save: upsert failed", "error", err, "userID", sess.UserID)
		return fmt.Errorf("failed to save session for %s: %w", sess.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save session rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Debug("SQLiteStore.Save: stale generation", "userID", sess.UserID, "generation", sess.Generation)
		return ErrStaleGeneration
	}
	return nil
}

func (s *SQLiteStore) Reset(ctx context.Context, userID string) (models.Session, error) {
	if userID == "" {
		return models.Session{}, models.ErrEmptyUserID
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to begin reset: %w", err)
	}
	defer tx.Rollback()

	var prev int64
	err = tx.QueryRowContext(ctx, `SELECT generation FROM sessions WHERE user_id = ?`, userID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, fmt.Errorf("failed to read generation for %s: %w", userID, err)
	}
	now := time.Now().UTC()
	fresh := models.NewSession(userID, prev+1, now)
	data, err := encodeSession(fresh)
	if err != nil {
		return models.Session{}, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (user_id, generation, state, data, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET generation = excluded.generation, state = excluded.state, data = excluded.data, updated_at = excluded.updated_at`,
		userID, fresh.Generation, string(fresh.State), string(data), now)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to reset session for %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Session{}, fmt.Errorf("failed to commit reset: %w", err)
	}
	slog.Debug("SQLiteStore.Reset: session reset", "userID", userID, "generation", fresh.Generation)
	return fresh, nil
}

func (s *SQLiteStore) SaveSchedule(ctx context.Context, sc models.Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (user_id, timezone, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET timezone = excluded.timezone`,
		sc.UserID, sc.Timezone, sc.CreatedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore.SaveSchedule failed", "error", err, "userID", sc.UserID)
		return fmt.Errorf("failed to save schedule for %s: %w", sc.UserID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete schedule for %s: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrScheduleNotFound
	}
	return nil
}

func (s *SQLiteStore) ListSchedules(ctx context.Context) ([]models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, timezone, created_at FROM schedules ORDER BY user_id`)
	if err != nil {
		slog.Error("SQLiteStore.ListSchedules query failed", "error", err)
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()
	var out []models.Schedule
	for rows.Next() {
		var sc models.Schedule
		if err := rows.Scan(&sc.UserID, &sc.Timezone, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate schedule rows: %w", err)
	}
	return out, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("SQLiteStore.Close: closing database")
	return s.db.Close()
}
