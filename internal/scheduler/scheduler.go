// Package scheduler sends proactive daily check-ins.
//
// Each registered user gets three cron entries (morning, midday, evening)
// evaluated in the user's own timezone. Registrations are persisted so they
// survive restarts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sophia-care/sophia/internal/models"
	"github.com/sophia-care/sophia/internal/prompt"
	"github.com/sophia-care/sophia/internal/store"
	"github.com/sophia-care/sophia/internal/util"
)

// DefaultSendTimeout bounds one proactive delivery.
const DefaultSendTimeout = 30 * time.Second

// DefaultTimes are the local times of the three daily slots.
var DefaultTimes = []string{"09:00", "13:00", "20:00"}

// Slot is one daily trigger and its template pool. Templates may contain {name}.
type Slot struct {
	Name      string
	Hour      int
	Minute    int
	Templates []string
}

// DefaultTemplates are the pools of the morning, midday and evening slots.
var DefaultTemplates = [3][]string{
	{
		"Bonjour {name}. Comment tu te sens en ce début de journée ?",
		"Salut {name}, petite pensée pour toi ce matin. Tu as réussi à dormir un peu ?",
		"Coucou {name}. Quelle est la première chose qui t'occupe l'esprit ce matin ?",
	},
	{
		"Hey {name}, comment se passe ta journée jusqu'ici ?",
		"Petite pause de midi, {name} : tu as pris un moment pour toi aujourd'hui ?",
		"Je pensais à toi, {name}. Ta batterie mentale, elle est à combien là ?",
	},
	{
		"Bonsoir {name}. Qu'est-ce qui a été le plus dur aujourd'hui, et le plus doux ?",
		"La journée touche à sa fin, {name}. Tu veux me raconter comment elle s'est passée ?",
		"Coucou {name}, avant de dormir : une petite victoire du jour à me partager ?",
	},
}

var slotNames = [3]string{"morning", "midday", "evening"}

// Sender delivers a proactive message.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Opts holds configuration options for the Scheduler.
type Opts struct {
	Slots       []Slot
	Rand        *rand.Rand
	SendTimeout time.Duration
}

// Option defines a configuration option for the Scheduler.
type Option func(*Opts)

// WithSlots replaces the default slots.
func WithSlots(slots []Slot) Option { return func(o *Opts) { o.Slots = slots } }

// WithRand injects the randomness used to pick templates.
func WithRand(r *rand.Rand) Option { return func(o *Opts) { o.Rand = r } }

// WithSendTimeout bounds one delivery.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.SendTimeout = d
		}
	}
}

// ParseTimes builds slots from "HH:MM" values, assigning the default
// template pools in order. It requires exactly three times.
func ParseTimes(times []string) ([]Slot, error) {
	if len(times) != len(DefaultTemplates) {
		return nil, fmt.Errorf("expected %d proactive times, got %d", len(DefaultTemplates), len(times))
	}
	slots := make([]Slot, 0, len(times))
	for i, t := range times {
		hs, ms, ok := strings.Cut(strings.TrimSpace(t), ":")
		if !ok {
			return nil, fmt.Errorf("invalid proactive time %q: expected HH:MM", t)
		}
		h, err := strconv.Atoi(hs)
		if err != nil || h < 0 || h > 23 {
			return nil, fmt.Errorf("invalid hour in proactive time %q", t)
		}
		m, err := strconv.Atoi(ms)
		if err != nil || m < 0 || m > 59 {
			return nil, fmt.Errorf("invalid minute in proactive time %q", t)
		}
		slots = append(slots, Slot{Name: slotNames[i], Hour: h, Minute: m, Templates: DefaultTemplates[i]})
	}
	return slots, nil
}

// Scheduler provides cron-based proactive messages.
type Scheduler struct {
	cron     *cron.Cron
	sender   Sender
	sessions store.SessionStore
	repo     store.ScheduleRepo
	opts     Opts

	mu      sync.Mutex
	entries map[string][]cron.EntryID

	randMu sync.Mutex
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(sender Sender, sessions store.SessionStore, repo store.ScheduleRepo, opts ...Option) *Scheduler {
	cfg := Opts{SendTimeout: DefaultSendTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.Slots) == 0 {
		cfg.Slots, _ = ParseTimes(DefaultTimes)
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	// Standard 5-field parser (min, hour, dom, month, dow); CRON_TZ prefixes are accepted.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	logger := slogCronLogger{}
	c := cron.New(cron.WithParser(parser), cron.WithLogger(logger), cron.WithChain(cron.Recover(logger)))
	c.Start()
	return &Scheduler{
		cron:     c,
		sender:   sender,
		sessions: sessions,
		repo:     repo,
		opts:     cfg,
		entries:  make(map[string][]cron.EntryID),
	}
}

// cronExpr returns the cron expression of a slot in timezone tz.
func cronExpr(tz string, slot Slot) string {
	return fmt.Sprintf("CRON_TZ=%s %d %d * * *", tz, slot.Minute, slot.Hour)
}

// Schedule registers the daily slots of userID in timezone tz, replacing any
// previous registration, and persists it. On failure the previous
// registration stays in place.
func (s *Scheduler) Schedule(ctx context.Context, userID, tz string) error {
	sc := models.Schedule{UserID: userID, Timezone: tz, CreatedAt: time.Now().UTC()}
	if err := sc.Validate(); err != nil {
		return err
	}
	ids, err := s.addEntries(userID, tz)
	if err != nil {
		return err
	}
	if s.repo != nil {
		if err := s.repo.SaveSchedule(ctx, sc); err != nil {
			s.removeEntries(ids)
			return fmt.Errorf("failed to persist schedule: %w", err)
		}
	}
	s.replace(userID, ids)
	slog.Info("Scheduler.Schedule: proactive messages scheduled", "userID", userID, "timezone", tz, "slots", len(s.opts.Slots))
	return nil
}

func (s *Scheduler) register(userID, tz string) error {
	ids, err := s.addEntries(userID, tz)
	if err != nil {
		return err
	}
	s.replace(userID, ids)
	return nil
}

// addEntries adds the cron entries of userID for tz. Entries already
// registered for userID keep running until replace.
func (s *Scheduler) addEntries(userID, tz string) ([]cron.EntryID, error) {
	ids := make([]cron.EntryID, 0, len(s.opts.Slots))
	for _, slot := range s.opts.Slots {
		slot := slot
		id, err := s.cron.AddFunc(cronExpr(tz, slot), func() { s.fire(context.Background(), userID, slot) })
		if err != nil {
			s.removeEntries(ids)
			return nil, fmt.Errorf("failed to schedule %s slot for %s: %w", slot.Name, userID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Scheduler) removeEntries(ids []cron.EntryID) {
	for _, id := range ids {
		s.cron.Remove(id)
	}
}

// replace swaps the entries of userID for ids.
func (s *Scheduler) replace(userID string, ids []cron.EntryID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(userID)
	s.entries[userID] = ids
}

// Unschedule removes the registration of userID.
func (s *Scheduler) Unschedule(ctx context.Context, userID string) error {
	had := s.remove(userID)
	if s.repo != nil {
		err := s.repo.DeleteSchedule(ctx, userID)
		if err != nil && !(had && errors.Is(err, models.ErrScheduleNotFound)) {
			return err
		}
	} else if !had {
		return models.ErrScheduleNotFound
	}
	slog.Info("Scheduler.Unschedule: proactive messages cancelled", "userID", userID)
	return nil
}

func (s *Scheduler) remove(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(userID)
}

func (s *Scheduler) removeLocked(userID string) bool {
	ids, ok := s.entries[userID]
	s.removeEntries(ids)
	delete(s.entries, userID)
	return ok
}

// Restore registers every persisted schedule. Invalid entries are logged and skipped.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	list, err := s.repo.ListSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list schedules: %w", err)
	}
	restored := 0
	for _, sc := range list {
		if err := s.register(sc.UserID, sc.Timezone); err != nil {
			slog.Warn("Scheduler.Restore: skipping schedule", "userID", sc.UserID, "timezone", sc.Timezone, "error", err)
			continue
		}
		restored++
	}
	slog.Info("Scheduler.Restore: schedules restored", "count", restored, "total", len(list))
	return restored, nil
}

// Entries returns the number of cron entries registered for userID.
func (s *Scheduler) Entries(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[userID])
}

// fire sends one proactive message. Users without a session or in an active
// emergency are skipped.
func (s *Scheduler) fire(ctx context.Context, userID string, slot Slot) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()

	sess, err := s.sessions.Get(ctx, userID)
	if err != nil {
		slog.Error("Scheduler.fire: failed to load session", "userID", userID, "slot", slot.Name, "error", err)
		return
	}
	if sess == nil {
		slog.Debug("Scheduler.fire: no session, skipping", "userID", userID, "slot", slot.Name)
		return
	}
	if sess.InEmergency() {
		slog.Info("Scheduler.fire: user in emergency protocol, skipping", "userID", userID, "slot", slot.Name)
		return
	}

	name := strings.TrimSpace(sess.Profile.Name)
	if name == "" {
		name = prompt.FallbackName
	}
	s.randMu.Lock()
	tmpl := util.Pick(s.opts.Rand, slot.Templates)
	s.randMu.Unlock()
	body := strings.ReplaceAll(tmpl, "{name}", name)

	if err := s.sender.SendMessage(ctx, userID, body); err != nil {
		slog.Error("Scheduler.fire: failed to send proactive message", "userID", userID, "slot", slot.Name, "error", err)
		return
	}
	slog.Debug("Scheduler.fire: proactive message sent", "userID", userID, "slot", slot.Name)
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// slogCronLogger routes cron's internal logs to slog.
type slogCronLogger struct{}

func (slogCronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("Scheduler.cron: "+msg, keysAndValues...)
}

func (slogCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("Scheduler.cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
