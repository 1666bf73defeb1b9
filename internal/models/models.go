// Package models defines the core data structures for Sophia.
//
// It includes the user profile, conversation history, session state and
// retrieved context types, which are shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// NotSpecified is the sentinel rendered for profile fields the user never filled.
const NotSpecified = "Non précisé"

// Validation constants for inbound messages
const (
	// MaxMessageLength is the maximum accepted length of an inbound message body.
	MaxMessageLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID      = errors.New("user id cannot be empty")
	ErrEmptyMessage     = errors.New("message body cannot be empty")
	ErrMessageTooLong   = errors.New("message body exceeds maximum length")
	ErrInvalidTimezone  = errors.New("invalid timezone")
	ErrSessionNotFound  = errors.New("session not found")
	ErrScheduleNotFound = errors.New("schedule not found")
)

// Role identifies the author of a conversation turn.
type Role string

const (
	// RoleUser marks a turn written by the person talking to the bot.
	RoleUser Role = "user"
	// RoleAssistant marks a turn produced by the bot.
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the conversation history.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// UserProfile holds what the bot learned about the user during intake.
type UserProfile struct {
	Name           string `json:"name"`
	EmotionalState string `json:"emotional_state,omitempty"`
	SupportNetwork string `json:"support_network,omitempty"`
	PrimaryNeed    string `json:"primary_need,omitempty"`
	PersonaID      string `json:"persona_id,omitempty"`
	Guided         bool   `json:"guided,omitempty"`
	NoQuestions    bool   `json:"no_questions,omitempty"`
}

// Field returns value, or NotSpecified when value is blank.
func Field(value string) string {
	if strings.TrimSpace(value) == "" {
		return NotSpecified
	}
	return value
}

// IntakeComplete reports whether all three intake fields are filled.
func (p UserProfile) IntakeComplete() bool {
	return strings.TrimSpace(p.EmotionalState) != "" &&
		strings.TrimSpace(p.SupportNetwork) != "" &&
		strings.TrimSpace(p.PrimaryNeed) != ""
}

// RetrievalRecord is one archived exchange returned by the vector store.
type RetrievalRecord struct {
	Theme          string  `json:"theme"`
	SourceQuestion string  `json:"source_question"`
	SourceAnswer   string  `json:"source_answer"`
	Severity       string  `json:"severity,omitempty"`
	RiskFlag       bool    `json:"risk_flag"`
	Distance       float64 `json:"distance,omitempty"`
}

// RetrievedContext is the ordered result of one retrieval query.
type RetrievedContext struct {
	Query   string            `json:"query"`
	Records []RetrievalRecord `json:"records"`
}

// Empty reports whether the context carries no records.
func (c *RetrievedContext) Empty() bool {
	return c == nil || len(c.Records) == 0
}

// Outgoing is a message the bot wants delivered to a user.
type Outgoing struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// Response represents an incoming message from a user.
type Response struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id,omitempty"`
	Time      int64  `json:"time"`
}

// Validate checks an inbound message before it enters the state machine.
func (r Response) Validate() error {
	if strings.TrimSpace(r.From) == "" {
		return ErrEmptyUserID
	}
	if len(r.Body) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// Schedule is the proactive-notification registration of one user.
type Schedule struct {
	UserID    string    `json:"user_id"`
	Timezone  string    `json:"timezone"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks that the schedule names a user and a loadable IANA timezone.
func (s Schedule) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return ErrEmptyUserID
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil || s.Timezone == "" {
		return ErrInvalidTimezone
	}
	return nil
}
