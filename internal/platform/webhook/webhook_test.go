package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AananditKanwar/SehatSetu/internal/platform/events"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"type":"appointment.scheduled"}`)
	sig := SignPayload(payload, "s3cret")
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if !VerifySignature(payload, "s3cret", sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected wrong secret to fail")
	}
	if VerifySignature([]byte(`{}`), "s3cret", sig) {
		t.Error("expected altered payload to fail")
	}
}

func TestEventMatches(t *testing.T) {
	tests := []struct {
		pattern, event string
		want           bool
	}{
		{"appointment.scheduled", "appointment.scheduled", true},
		{"appointment.*", "appointment.cancelled", true},
		{"appointment.*", "intake.created", false},
		{"*.cancelled", "appointment.cancelled", true},
		{"*.cancelled", "appointment.completed", false},
		{"*", "intake.deleted", true},
		{"intake.created", "intake.deleted", false},
	}
	for _, tt := range tests {
		if got := eventMatches(tt.pattern, tt.event); got != tt.want {
			t.Errorf("eventMatches(%q, %q) = %v, want %v", tt.pattern, tt.event, got, tt.want)
		}
	}
}

func TestNew_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com/hook", "http://"} {
		if _, err := New([]Endpoint{{URL: u}}); err == nil {
			t.Errorf("expected error for %q", u)
		}
	}
}

type capture struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	received chan struct{}
}

func newCapture() *capture { return &capture{received: make(chan struct{}, 16)} }

func (c *capture) handler(status func(n int) int) http.HandlerFunc {
	var n int32
	return func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, b)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(status(int(atomic.AddInt32(&n, 1))))
		c.received <- struct{}{}
	}
}

func (c *capture) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.received:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i+1)
		}
	}
}

func TestPublisher_DeliversSignedEvent(t *testing.T) {
	c := newCapture()
	srv := httptest.NewServer(c.handler(func(int) int { return http.StatusNoContent }))
	defer srv.Close()

	p, err := New([]Endpoint{{URL: srv.URL, Secret: "k", Events: []string{"appointment.*"}}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer p.Close()

	ev := events.Event{ID: "ev-1", Type: events.AppointmentScheduled, RecordID: "r1", OwnerID: "p1", Slot: "09:00 AM"}
	if err := p.Publish(context.Background(), events.Event{ID: "skip", Type: events.IntakeCreated}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	c.wait(t, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bodies) != 1 {
		t.Fatalf("expected only the subscribed event, got %d deliveries", len(c.bodies))
	}
	var got events.Event
	if err := json.Unmarshal(c.bodies[0], &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "ev-1" || got.Slot != "09:00 AM" {
		t.Errorf("unexpected payload: %+v", got)
	}
	sig := strings.TrimPrefix(c.headers[0].Get("X-Webhook-Signature"), "sha256=")
	if !VerifySignature(c.bodies[0], "k", sig) {
		t.Error("signature header does not verify")
	}
	if c.headers[0].Get("X-Webhook-Event") != string(events.AppointmentScheduled) {
		t.Errorf("unexpected event header %q", c.headers[0].Get("X-Webhook-Event"))
	}
}

func TestPublisher_RetriesFailures(t *testing.T) {
	c := newCapture()
	srv := httptest.NewServer(c.handler(func(n int) int {
		if n < 3 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	}))
	defer srv.Close()

	p, err := New([]Endpoint{{URL: srv.URL}}, WithRetryDelays(time.Millisecond, time.Millisecond, time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Publish(context.Background(), events.Event{ID: "ev-2", Type: events.AppointmentCancelled}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	c.wait(t, 3)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.headers) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(c.headers))
	}
	if got := c.headers[2].Get("X-Webhook-Attempt"); got != "3" {
		t.Errorf("expected attempt header 3, got %q", got)
	}
}

func TestPublisher_QueueFull(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	p, err := New([]Endpoint{{URL: srv.URL}}, WithQueueSize(1), WithRetryDelays())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var full error
	for i := 0; i < 5 && full == nil; i++ {
		full = p.Publish(context.Background(), events.Event{Type: events.IntakeCreated})
	}
	if !errors.Is(full, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", full)
	}
}

func TestPublisher_PublishAfterClose(t *testing.T) {
	p, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Publish(context.Background(), events.Event{}); err == nil {
		t.Fatal("expected error publishing after close")
	}
	// Closing twice is safe.
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
