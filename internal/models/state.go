package models

import (
	"fmt"
	"time"
)

// SessionState is the conversation stage of a user.
type SessionState string

const (
	// StateAwaitingName waits for the user to give a first name.
	StateAwaitingName SessionState = "AWAITING_NAME"
	// StateAwaitingChoice waits for the user to pick guided or free-form intake.
	StateAwaitingChoice SessionState = "AWAITING_CHOICE"
	// StateAwaitingIntake waits for the answer to intake question Session.IntakeStep.
	StateAwaitingIntake SessionState = "AWAITING_INTAKE"
	// StateChatting is open conversation.
	StateChatting SessionState = "CHATTING"
)

// IntakeSteps is the number of intake questions.
const IntakeSteps = 3

// EmergencyStep is the safety side channel, orthogonal to SessionState.
type EmergencyStep int

const (
	// EmergencyNone means no danger detected.
	EmergencyNone EmergencyStep = iota
	// EmergencyAsked means the safety-check question was sent.
	EmergencyAsked
	// EmergencyReferred means emergency numbers were sent.
	EmergencyReferred
)

func (e EmergencyStep) String() string {
	switch e {
	case EmergencyNone:
		return "none"
	case EmergencyAsked:
		return "asked"
	case EmergencyReferred:
		return "referred"
	default:
		return fmt.Sprintf("EmergencyStep(%d)", int(e))
	}
}

// Session is the full persisted state of one user.
type Session struct {
	UserID       string            `json:"user_id"`
	Generation   int64             `json:"generation"`
	State        SessionState      `json:"state"`
	IntakeStep   int               `json:"intake_step,omitempty"`
	NameAttempts int               `json:"name_attempts,omitempty"`
	Emergency    EmergencyStep     `json:"emergency"`
	EmergencyAt  time.Time         `json:"emergency_at,omitempty"`
	Profile      UserProfile       `json:"profile"`
	History      []Turn            `json:"history"`
	Prefetch     *RetrievedContext `json:"prefetch,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NewSession returns a session at the start of the funnel.
func NewSession(userID string, generation int64, now time.Time) Session {
	return Session{
		UserID:     userID,
		Generation: generation,
		State:      StateAwaitingName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// AppendTurn adds a turn and keeps at most max stored turns.
func (s *Session) AppendTurn(t Turn, max int) {
	s.History = append(s.History, t)
	if max > 0 && len(s.History) > max {
		s.History = append([]Turn(nil), s.History[len(s.History)-max:]...)
	}
}

// TakePrefetch returns the pre-fetched context and clears it so it is used at most once.
func (s *Session) TakePrefetch() *RetrievedContext {
	p := s.Prefetch
	s.Prefetch = nil
	return p
}

// InEmergency reports whether the safety side channel is active.
func (s *Session) InEmergency() bool {
	return s.Emergency != EmergencyNone
}

// Clone returns a deep copy safe to mutate independently.
func (s Session) Clone() Session {
	c := s
	if s.History != nil {
		c.History = append([]Turn(nil), s.History...)
	}
	if s.Prefetch != nil {
		p := *s.Prefetch
		p.Records = append([]RetrievalRecord(nil), s.Prefetch.Records...)
		c.Prefetch = &p
	}
	return c
}
