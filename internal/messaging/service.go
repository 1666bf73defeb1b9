// Package messaging connects transports to the conversation engine.
//
// A Service delivers outbound text and exposes inbound messages on a channel.
// The Dispatcher consumes that channel and runs one conversational turn at a
// time per user.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/sophia-care/sophia/internal/models"
)

// Constants for service channels
const (
	// DefaultChannelBufferSize defines the buffer size of inbound response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds a blocked send on an inbound channel
	DefaultChannelTimeout = 1 * time.Second
	// minPhoneDigits is the shortest accepted phone number
	minPhoneDigits = 6
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and closes the Responses channel.
	Stop() error

	// Responses returns a channel of incoming user messages.
	Responses() <-chan models.Response
}

// canonicalPhone strips every non-digit and checks the remaining length.
func canonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, minPhoneDigits)
	}
	return canonical, nil
}

// inbox is a closable inbound channel shared by the services.
type inbox struct {
	mu     sync.RWMutex
	ch     chan models.Response
	closed bool
}

func newInbox() *inbox {
	return &inbox{ch: make(chan models.Response, DefaultChannelBufferSize)}
}

// emit forwards resp, dropping it when the inbox is closed or stays full
// for DefaultChannelTimeout.
func (b *inbox) emit(component string, resp models.Response) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		slog.Warn(component+".emit: service stopped, dropping inbound message", "from", resp.From)
		return false
	}
	select {
	case b.ch <- resp:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(component+".emit: responses channel blocked, dropping inbound message", "from", resp.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

func (b *inbox) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// close closes the channel once. It reports whether this call closed it.
func (b *inbox) close() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.closed = true
	close(b.ch)
	return true
}
