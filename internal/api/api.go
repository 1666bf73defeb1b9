// Package api provides Sophia's HTTP surface: health check, the Twilio
// inbound webhook and a small admin API over sessions and schedules.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sophia-care/sophia/internal/store"
	"github.com/sophia-care/sophia/internal/twiliowhatsapp"
)

// Server defaults
const (
	DefaultAddr            = ":8080"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	// maxBodyBytes caps request bodies.
	maxBodyBytes = 64 << 10
)

// InboundHandler accepts messages received by the Twilio webhook.
type InboundHandler interface {
	HandleInbound(from, body, messageSID string) bool
}

// Resetter resets a user's conversation, cancelling any turn in flight.
type Resetter interface {
	Reset(userID string)
}

// ScheduleManager registers and removes proactive schedules.
type ScheduleManager interface {
	Schedule(ctx context.Context, userID, tz string) error
	Unschedule(ctx context.Context, userID string) error
}

// Opts holds configuration options for the Server.
type Opts struct {
	Addr             string
	APIToken         string
	Inbound          InboundHandler
	TwilioAuthToken  string
	TwilioWebhookURL string
	Resetter         Resetter
	Scheduler        ScheduleManager
}

// Option defines a configuration option for the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		if addr != "" {
			o.Addr = addr
		}
	}
}

// WithAPIToken requires "Authorization: Bearer <token>" on admin routes.
func WithAPIToken(token string) Option { return func(o *Opts) { o.APIToken = token } }

// WithTwilioWebhook enables POST /webhooks/twilio. When authToken is set,
// signatures are verified against publicURL.
func WithTwilioWebhook(h InboundHandler, authToken, publicURL string) Option {
	return func(o *Opts) {
		o.Inbound = h
		o.TwilioAuthToken = authToken
		o.TwilioWebhookURL = publicURL
	}
}

// WithResetter enables POST /sessions/{userID}/reset.
func WithResetter(r Resetter) Option { return func(o *Opts) { o.Resetter = r } }

// WithScheduler enables the /schedules routes.
func WithScheduler(s ScheduleManager) Option { return func(o *Opts) { o.Scheduler = s } }

// Server is the HTTP API server.
type Server struct {
	sessions  store.SessionStore
	opts      Opts
	validator *twiliowhatsapp.Validator
	router    chi.Router
}

// NewServer builds the router. Routes whose dependency is not configured
// are not mounted.
func NewServer(sessions store.SessionStore, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{sessions: sessions, opts: cfg}
	if cfg.Inbound != nil && cfg.TwilioAuthToken != "" {
		s.validator = twiliowhatsapp.NewValidator(cfg.TwilioAuthToken)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))

	if s.opts.Inbound != nil {
		r.Post("/webhooks/twilio", s.twilioWebhookHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/sessions/{userID}", s.getSessionHandler)
		if s.opts.Resetter != nil {
			r.Post("/sessions/{userID}/reset", s.resetSessionHandler)
		}
		if s.opts.Scheduler != nil {
			r.Put("/schedules/{userID}", s.putScheduleHandler)
			r.Delete("/schedules/{userID}", s.deleteScheduleHandler)
		}
	})
	return r
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	slog.Info("Server.Run: stopped")
	return nil
}

// requireToken enforces the bearer token when one is configured.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.APIToken)) != 1 {
			slog.Warn("Server.requireToken: unauthorized request", "path", r.URL.Path)
			writeError(w, r, http.StatusUnauthorized, "Unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}
