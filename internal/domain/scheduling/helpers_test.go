package scheduling

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/AananditKanwar/SehatSetu/internal/platform/classifier"
	"github.com/AananditKanwar/SehatSetu/internal/platform/events"
)

// -- Fakes --

type fakeClassifier struct {
	res   *classifier.Result
	err   error
	delay time.Duration
	calls int32
}

func (f *fakeClassifier) Classify(ctx context.Context, _ string) (*classifier.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.res, f.err
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) last(t events.Type) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return events.Event{}, false
}

// countingStore records writes made through the RecordStore.
type countingStore struct {
	*MemoryStore
	creates int32
	updates int32
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: NewMemoryStore()}
}

func (s *countingStore) Create(ctx context.Context, rec *IntakeRecord) error {
	atomic.AddInt32(&s.creates, 1)
	return s.MemoryStore.Create(ctx, rec)
}

func (s *countingStore) ConditionalUpdate(ctx context.Context, id uuid.UUID, pred Predicate, patch Patch) (*IntakeRecord, bool, error) {
	atomic.AddInt32(&s.updates, 1)
	return s.MemoryStore.ConditionalUpdate(ctx, id, pred, patch)
}

const testDay = "2026-03-02"

var (
	patient = Caller{AccountID: "patient-1"}
	other   = Caller{AccountID: "patient-2"}
	admin   = Caller{AccountID: "admin-1", Admin: true}
)

func validInput() IntakeInput {
	return IntakeInput{
		FullName:    "Asha Verma",
		DateOfBirth: "1990-04-12",
		Gender:      GenderFemale,
		Contact:     "+91 98765 43210",
		Email:       "asha@example.com",
		Symptoms:    "palpitations and dizziness",
		Department:  "Cardiology",
	}
}

func newTestService(opts ...Option) (*Service, *countingStore) {
	store := newCountingStore()
	return NewService(store, opts...), store
}

func mustCreate(t *testing.T, s *Service, caller Caller) *IntakeRecord {
	t.Helper()
	rec, err := s.CreateIntake(context.Background(), caller, validInput())
	if err != nil {
		t.Fatalf("create intake: %v", err)
	}
	return rec
}
