package messaging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sophia-care/sophia/internal/twiliowhatsapp"
	"go.uber.org/goleak"
)

func TestTwilioService_SendAndInbound(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.SendMessage(context.Background(), "whatsapp:+33612345678", "Coucou"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sent := mock.Sent(); len(sent) != 1 || sent[0].To != "33612345678" {
		t.Errorf("unexpected sent messages %+v", sent)
	}

	if !svc.HandleInbound("whatsapp:+33612345678", "Salut", "SM123") {
		t.Fatal("expected inbound message to be accepted")
	}
	resp := <-svc.Responses()
	if resp.From != "33612345678" || resp.Body != "Salut" || resp.MessageID != "SM123" {
		t.Errorf("unexpected response %+v", resp)
	}
	if svc.HandleInbound("whatsapp:", "Salut", "SM124") {
		t.Error("expected invalid sender to be rejected")
	}

	svc.Stop()
	svc.Stop()
	if svc.HandleInbound("whatsapp:+33612345678", "Salut", "SM125") {
		t.Error("expected inbound after stop to be dropped")
	}
	if err := svc.SendMessage(context.Background(), "33612345678", "x"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestCanonicalPhone(t *testing.T) {
	tests := map[string]string{
		"+33 6 12 34 56 78":     "33612345678",
		"whatsapp:+14155238886": "14155238886",
		"(555) 123-4567":        "5551234567",
	}
	for in, want := range tests {
		got, err := canonicalPhone(in)
		if err != nil || got != want {
			t.Errorf("canonicalPhone(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "abc", "12345"} {
		if _, err := canonicalPhone(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestConsoleService(t *testing.T) {
	defer goleak.VerifyNone(t)
	var out bytes.Buffer
	svc := NewConsoleService(strings.NewReader("bonjour\n\n  Léa  \n"), &out)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var bodies []string
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case resp, ok := <-svc.Responses():
			if !ok {
				done = true
				break
			}
			if resp.From != DefaultConsoleUser || resp.MessageID == "" {
				t.Errorf("unexpected response %+v", resp)
			}
			bodies = append(bodies, resp.Body)
		case <-timeout:
			t.Fatal("console input not closed")
		}
	}
	if strings.Join(bodies, "|") != "bonjour|Léa" {
		t.Errorf("unexpected bodies %q", bodies)
	}

	if err := svc.SendMessage(context.Background(), DefaultConsoleUser, "Enchantée"); err != nil {
		t.Fatal(err)
	}
	if err := svc.SendMessage(context.Background(), "operator", "alerte"); err != nil {
		t.Fatal(err)
	}
	want := "Sophia> Enchantée\n[operator] Sophia> alerte\n"
	if out.String() != want {
		t.Errorf("unexpected output %q", out.String())
	}
	svc.Stop()
}

func TestConsoleService_StopEndsInput(t *testing.T) {
	defer goleak.VerifyNone(t)
	r, w := io.Pipe()
	svc := NewConsoleService(r, io.Discard)
	svc.Start(context.Background())
	svc.Stop()
	w.Write([]byte("ignored\n"))
	w.Close()
	for range svc.Responses() {
		t.Error("no message expected after stop")
	}
}
