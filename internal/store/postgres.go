// Package store provides storage backends for Sophia.
//
// This file implements a PostgreSQL-backed store for sessions and schedules.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/sophia-care/sophia/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*models.Session, error) {
	var data string
	var gen int64
	err := s.db.QueryRowContext(ctx, `SELECT generation, data FROM sessions WHERE user_id = $1`, userID).Scan(&gen, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.Get: query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load session for %s: %w", userID, err)
	}
	return decodeSession([]byte(data), gen)
}

func (s *PostgresStore) Save(ctx context.Context, sess models.Session) error {
	if sess.UserID == "" {
		return models.ErrEmptyUserID
	}
	data, err := encodeSession(sess)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, generation, state, data, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET state = EXCLUDED.state, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
		WHERE sessions.generation = EXCLUDED.generation`,
		sess.UserID, sess.Generation, string(sess.State), string(data), time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore.Save: upsert failed", "error", err, "userID", sess.UserID)
		return fmt.Errorf("failed to save session for %s: %w", sess.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save session rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Debug("PostgresStore.Save: stale generation", "userID", sess.UserID, "generation", sess.Generation)
		return ErrStaleGeneration
	}
	return nil
}

func (s *PostgresStore) Reset(ctx context.Context, userID string) (models.Session, error) {
	if userID == "" {
		return models.Session{}, models.ErrEmptyUserID
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to begin reset: %w", err)
	}
	defer tx.Rollback()

	var prev int64
	err = tx.QueryRowContext(ctx, `SELECT generation FROM sessions WHERE user_id = $1 FOR UPDATE`, userID).Scan(&prev)
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
		INSERT INTO sessions (user_id, generation, state, data, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET generation = EXCLUDED.generation, state = EXCLUDED.state, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		userID, fresh.Generation, string(fresh.State), string(data), now)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to reset session for %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Session{}, fmt.Errorf("failed to commit reset: %w", err)
	}
	slog.Debug("PostgresStore.Reset: session reset", "userID", userID, "generation", fresh.Generation)
	return fresh, nil
}

func (s *PostgresStore) SaveSchedule(ctx context.Context, sc models.Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (user_id, timezone, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET timezone = EXCLUDED.timezone`,
		sc.UserID, sc.Timezone, sc.CreatedAt.UTC())
	if err != nil {
		slog.Error("PostgresStore.SaveSchedule failed", "error", err, "userID", sc.UserID)
		return fmt.Errorf("failed to save schedule for %s: %w", sc.UserID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteSchedule(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete schedule for %s: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrScheduleNotFound
	}
	return nil
}

func (s *PostgresStore) ListSchedules(ctx context.Context) ([]models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, timezone, created_at FROM schedules ORDER BY user_id`)
	if err != nil {
		slog.Error("PostgresStore.ListSchedules query failed", "error", err)
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

// Close closes the underlying database connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("PostgresStore.Close: closing database")
	return s.db.Close()
}
