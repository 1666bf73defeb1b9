package messaging

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sophia-care/sophia/internal/models"
	"github.com/sophia-care/sophia/internal/store"
	"go.uber.org/goleak"
)

// mockService is an in-memory Service.
type mockService struct {
	responses chan models.Response

	mu       sync.Mutex
	sent     []models.Outgoing
	sendHook func(to, body string)
}

func newMockService() *mockService {
	return &mockService{responses: make(chan models.Response, 10)}
}

func (m *mockService) ValidateAndCanonicalizeRecipient(r string) (string, error) {
	return canonicalPhone(r)
}

func (m *mockService) SendMessage(ctx context.Context, to, body string) error {
	m.mu.Lock()
	hook := m.sendHook
	m.mu.Unlock()
	if hook != nil {
		hook(to, body)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, models.Outgoing{To: to, Body: body})
	return nil
}

func (m *mockService) Start(ctx context.Context) error   { return nil }
func (m *mockService) Stop() error                       { return nil }
func (m *mockService) Responses() <-chan models.Response { return m.responses }

func (m *mockService) Sent() []models.Outgoing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Outgoing(nil), m.sent...)
}

// mockHandler echoes messages and records the turns it ran.
type mockHandler struct {
	mu       sync.Mutex
	handled  map[string][]string
	active   map[string]int
	overlap  bool
	resets   []string
	hook     func(ctx context.Context, userID, text string)
	finished chan string
}

func newMockHandler() *mockHandler {
	return &mockHandler{
		handled:  make(map[string][]string),
		active:   make(map[string]int),
		finished: make(chan string, 100),
	}
}

func (h *mockHandler) Handle(ctx context.Context, userID, text string) []models.Outgoing {
	h.mu.Lock()
	h.active[userID]++
	if h.active[userID] > 1 {
		h.overlap = true
	}
	h.handled[userID] = append(h.handled[userID], text)
	hook := h.hook
	h.mu.Unlock()

	if hook != nil {
		hook(ctx, userID, text)
	}

	h.mu.Lock()
	h.active[userID]--
	h.mu.Unlock()
	h.finished <- userID + ":" + text
	if ctx.Err() != nil {
		return nil
	}
	return []models.Outgoing{{To: userID, Body: "echo " + text}}
}

func (h *mockHandler) Reset(ctx context.Context, userID string) []models.Outgoing {
	h.mu.Lock()
	h.resets = append(h.resets, userID)
	h.mu.Unlock()
	h.finished <- userID + ":reset"
	return []models.Outgoing{{To: userID, Body: "bienvenue"}}
}

func (h *mockHandler) Resets() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.resets...)
}

func (h *mockHandler) Handled(userID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.handled[userID]...)
}

func waitFinished(t *testing.T, h *mockHandler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.finished:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for turn %d of %d", i+1, n)
		}
	}
}

func msg(from, body, id string) models.Response {
	return models.Response{From: from, Body: body, MessageID: id}
}

func TestDispatcher_PerUserOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc := newMockService()
	h := newMockHandler()
	h.hook = func(ctx context.Context, userID, text string) { time.Sleep(5 * time.Millisecond) }
	d := NewDispatcher(svc, h)
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		body := fmt.Sprintf("message %d", i)
		want = append(want, body)
		d.Submit(ctx, msg("+33 6 12 34 56 78", body, ""))
	}
	waitFinished(t, h, 5)
	d.Stop()

	if diff := cmp.Diff(want, h.Handled("33612345678")); diff != "" {
		t.Errorf("turn order mismatch (-want +got):\n%s", diff)
	}
	if h.overlap {
		t.Error("turns of the same user overlapped")
	}
	if got := len(svc.Sent()); got != 5 {
		t.Errorf("expected 5 replies, got %d", got)
	}
	if d.Pending() != 0 {
		t.Errorf("expected idle queues to be removed, got %d", d.Pending())
	}
}

func TestDispatcher_UsersRunInParallel(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc := newMockService()
	h := newMockHandler()
	other := make(chan struct{})
	h.hook = func(ctx context.Context, userID, text string) {
		switch userID {
		case "111111":
			select {
			case <-other:
			case <-time.After(5 * time.Second):
			}
		case "222222":
			close(other)
		}
	}
	d := NewDispatcher(svc, h)
	defer d.Stop()

	start := time.Now()
	d.Submit(context.Background(), msg("111111", "lent", ""))
	d.Submit(context.Background(), msg("222222", "rapide", ""))
	waitFinished(t, h, 2)
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("user turns were serialized across users (%v)", elapsed)
	}
}

func TestDispatcher_Dedup(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc := newMockService()
	h := newMockHandler()
	d := NewDispatcher(svc, h, WithDedup(store.NewInMemoryStore()))
	ctx := context.Background()

	d.Submit(ctx, msg("111111", "bonjour", "wamid-1"))
	waitFinished(t, h, 1)
	d.Submit(ctx, msg("111111", "bonjour", "wamid-1"))
	d.Submit(ctx, msg("111111", "encore", "wamid-2"))
	waitFinished(t, h, 1)
	d.Stop()

	if diff := cmp.Diff([]string{"bonjour", "encore"}, h.Handled("111111")); diff != "" {
		t.Errorf("dedup mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatcher_ResetBypassesQueue(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc := newMockService()
	h := newMockHandler()
	started := make(chan struct{})
	h.hook = func(ctx context.Context, userID, text string) {
		if text == "premier" {
			close(started)
			<-ctx.Done()
		}
	}
	d := NewDispatcher(svc, h)
	ctx := context.Background()

	d.Submit(ctx, msg("111111", "premier", ""))
	<-started
	d.Submit(ctx, msg("111111", "deuxième", ""))
	d.Submit(ctx, msg("111111", "/start", ""))
	d.Submit(ctx, msg("111111", "troisième", ""))
	waitFinished(t, h, 3)
	d.Stop()

	if diff := cmp.Diff([]string{"premier", "troisième"}, h.Handled("111111")); diff != "" {
		t.Errorf("reset should drop queued messages only (-want +got):\n%s", diff)
	}
	if resets := h.Resets(); len(resets) != 1 {
		t.Fatalf("expected one reset, got %v", resets)
	}
	want := []models.Outgoing{{To: "111111", Body: "bienvenue"}, {To: "111111", Body: "echo troisième"}}
	if diff := cmp.Diff(want, svc.Sent()); diff != "" {
		t.Errorf("greeting should precede later replies (-want +got):\n%s", diff)
	}
}

func TestDispatcher_SlowResetDoesNotBlockOtherUsers(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc := newMockService()
	release := make(chan struct{})
	svc.sendHook = func(to, body string) {
		if body == "bienvenue" {
			<-release
		}
	}
	h := newMockHandler()
	d := NewDispatcher(svc, h)

	done := make(chan error)
	go func() { done <- d.Run(context.Background()) }()
	svc.responses <- msg("111111", "/start", "")
	waitFinished(t, h, 1)
	svc.responses <- msg("222222", "salut", "")

	deadline := time.Now().Add(5 * time.Second)
	for !slices.Contains(svc.Sent(), models.Outgoing{To: "222222", Body: "echo salut"}) {
		if time.Now().After(deadline) {
			close(release)
			t.Fatal("a pending reset greeting blocked another user's reply")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	close(svc.responses)
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}

	sent := svc.Sent()
	if len(sent) != 2 || sent[0].To != "222222" || sent[1].Body != "bienvenue" {
		t.Errorf("unexpected deliveries %+v", sent)
	}
}

func TestDispatcher_RejectsInvalidInbound(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc := newMockService()
	h := newMockHandler()
	d := NewDispatcher(svc, h)
	d.Submit(context.Background(), msg("", "bonjour", ""))
	d.Submit(context.Background(), msg("12", "bonjour", ""))
	d.Submit(context.Background(), msg("111111", strings.Repeat("a", models.MaxMessageLength+1), ""))
	d.Stop()
	if d.Pending() != 0 || len(svc.Sent()) != 0 {
		t.Error("invalid messages must not be dispatched")
	}
}

func TestDispatcher_RunStopsWhenChannelCloses(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc := newMockService()
	h := newMockHandler()
	d := NewDispatcher(svc, h)

	done := make(chan error)
	go func() { done <- d.Run(context.Background()) }()
	svc.responses <- msg("111111", "salut", "")
	waitFinished(t, h, 1)
	close(svc.responses)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
}

func TestDispatcher_ChannelCloseFinishesQueuedWork(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc := newMockService()
	h := newMockHandler()
	h.hook = func(ctx context.Context, userID, text string) { time.Sleep(10 * time.Millisecond) }
	d := NewDispatcher(svc, h)

	svc.responses <- msg("111111", "/start", "")
	svc.responses <- msg("111111", "salut", "")
	close(svc.responses)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	want := []models.Outgoing{{To: "111111", Body: "bienvenue"}, {To: "111111", Body: "echo salut"}}
	if diff := cmp.Diff(want, svc.Sent()); diff != "" {
		t.Errorf("queued work lost on channel close (-want +got):\n%s", diff)
	}
}

func TestDispatcher_StopCancelsTurns(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc := newMockService()
	h := newMockHandler()
	h.hook = func(ctx context.Context, userID, text string) { <-ctx.Done() }
	d := NewDispatcher(svc, h)
	d.Submit(context.Background(), msg("111111", "bloqué", ""))
	d.Submit(context.Background(), msg("111111", "jamais traité", ""))

	stopped := make(chan struct{})
	go func() { d.Stop(); close(stopped) }()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not cancel the running turn")
	}
	if got := h.Handled("111111"); len(got) > 1 {
		t.Errorf("queued message ran after stop: %v", got)
	}
	if len(svc.Sent()) != 0 {
		t.Errorf("cancelled turn must not send replies, got %+v", svc.Sent())
	}
}
