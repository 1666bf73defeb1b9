package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sophia-care/sophia/internal/models"
)

// InMemoryStore keeps everything in process memory. State is lost on restart.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]models.Session
	dedup     map[string]DedupRecord
	schedules map[string]models.Schedule
	now       func() time.Time
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]models.Session),
		dedup:     make(map[string]DedupRecord),
		schedules: make(map[string]models.Schedule),
		now:       time.Now,
	}
}

func (s *InMemoryStore) Get(ctx context.Context, userID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, nil
	}
	c := sess.Clone()
	return &c, nil
}

func (s *InMemoryStore) Save(ctx context.Context, sess models.Session) error {
	if sess.UserID == "" {
		return models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[sess.UserID]; ok && cur.Generation != sess.Generation {
		return ErrStaleGeneration
	}
	s.sessions[sess.UserID] = sess.Clone()
	return nil
}

func (s *InMemoryStore) Reset(ctx context.Context, userID string) (models.Session, error) {
	if userID == "" {
		return models.Session{}, models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var gen int64 = 1
	if cur, ok := s.sessions[userID]; ok {
		gen = cur.Generation + 1
	}
	fresh := models.NewSession(userID, gen, s.now())
	s.sessions[userID] = fresh
	return fresh.Clone(), nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, UserID: userID, ReceivedAt: s.now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := s.now()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}

func (s *InMemoryStore) SaveSchedule(ctx context.Context, sc models.Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sc.UserID] = sc
	return nil
}

func (s *InMemoryStore) DeleteSchedule(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[userID]; !ok {
		return models.ErrScheduleNotFound
	}
	delete(s.schedules, userID)
	return nil
}

func (s *InMemoryStore) ListSchedules(ctx context.Context) ([]models.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
