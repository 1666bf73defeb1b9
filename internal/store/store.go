// Package store provides storage backends for Sophia.
//
// It persists sessions, inbound-message deduplication records and proactive
// schedules. The in-memory store is the default; SQLite and PostgreSQL are
// selected from the DSN.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sophia-care/sophia/internal/models"
)

// ErrStaleGeneration is returned by Save when the session was reset after it was loaded.
var ErrStaleGeneration = errors.New("stale session generation")

// SessionStore persists one session per user.
type SessionStore interface {
	// Get returns the session of userID, or nil when none exists.
	Get(ctx context.Context, userID string) (*models.Session, error)
	// Save writes s if the stored generation still equals s.Generation
	// (or no session exists). Otherwise it returns ErrStaleGeneration.
	Save(ctx context.Context, s models.Session) error
	// Reset replaces the session with a fresh one whose generation is
	// one above the previous generation.
	Reset(ctx context.Context, userID string) (models.Session, error)
}

// ScheduleRepo persists proactive-message registrations.
type ScheduleRepo interface {
	SaveSchedule(ctx context.Context, s models.Schedule) error
	// DeleteSchedule returns models.ErrScheduleNotFound when userID has no schedule.
	DeleteSchedule(ctx context.Context, userID string) error
	ListSchedules(ctx context.Context) ([]models.Schedule, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	SessionStore
	DedupRepo
	ScheduleRepo
	Close() error
}

// Opts holds configuration options for the persistent stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for the stores.
type Option func(*Opts)

// WithDSN sets the connection string; the backend is detected from it.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithSQLiteDSN sets the SQLite database path or URI.
func WithSQLiteDSN(dsn string) Option {
	return WithDSN(dsn)
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the store selected by the DSN: in-memory when empty,
// PostgreSQL or SQLite otherwise.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("store.Open: no DSN configured, sessions are kept in memory")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(cfg.DSN) {
	case "postgres":
		slog.Debug("store.Open: using PostgreSQL store")
		s, err := NewPostgresStore(WithPostgresDSN(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		slog.Debug("store.Open: using SQLite store", "path", cfg.DSN)
		s, err := NewSQLiteStore(WithSQLiteDSN(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
}
