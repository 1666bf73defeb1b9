package messaging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sophia-care/sophia/internal/models"
	"github.com/sophia-care/sophia/internal/util"
)

// DefaultConsoleUser is the user id of the local console conversation.
const DefaultConsoleUser = "console"

// ConsoleService implements Service over line-oriented text streams.
// Every input line is one inbound message from a single local user.
type ConsoleService struct {
	in     io.Reader
	out    io.Writer
	userID string
	prefix string

	outMu sync.Mutex
	inbox *inbox
	once  sync.Once
	done  chan struct{}
}

// NewConsoleService reads messages from in and writes replies to out.
func NewConsoleService(in io.Reader, out io.Writer) *ConsoleService {
	return &ConsoleService{
		in:     in,
		out:    out,
		userID: DefaultConsoleUser,
		prefix: "Sophia> ",
		inbox:  newInbox(),
		done:   make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient accepts any non-empty id.
func (s *ConsoleService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return recipient, nil
}

// Start begins reading input lines. The Responses channel is closed when
// the input ends or the service is stopped.
func (s *ConsoleService) Start(ctx context.Context) error {
	go s.read(ctx)
	return nil
}

func (s *ConsoleService) read(ctx context.Context) {
	defer s.inbox.close()
	scanner := bufio.NewScanner(s.in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}
		s.inbox.emit("ConsoleService", models.Response{
			From:      s.userID,
			Body:      line,
			MessageID: util.NewMessageID(),
			Time:      time.Now().Unix(),
		})
	}
	if err := scanner.Err(); err != nil {
		slog.Error("ConsoleService.read: input error", "error", err)
	}
}

// Stop stops forwarding input lines.
func (s *ConsoleService) Stop() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// SendMessage writes body to the output stream.
func (s *ConsoleService) SendMessage(ctx context.Context, to string, body string) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if to != s.userID {
		_, err := fmt.Fprintf(s.out, "[%s] %s%s\n", to, s.prefix, body)
		return err
	}
	_, err := fmt.Fprintf(s.out, "%s%s\n", s.prefix, body)
	return err
}

// Responses returns the channel of input lines.
func (s *ConsoleService) Responses() <-chan models.Response {
	return s.inbox.ch
}
