package scheduling

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AananditKanwar/SehatSetu/internal/platform/db"
)

func TestConditionalUpdateSQL_Reserve(t *testing.T) {
	id := uuid.New()
	scheduled := StatusScheduled
	key := SlotKey{Day: testDay, Label: "09:00 AM"}

	sql, args, err := conditionalUpdateSQL(id,
		Predicate{Statuses: []Status{StatusPending}, SlotFree: &key},
		Patch{Status: &scheduled, Slot: &key})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, frag := range []string{
		"UPDATE intake_record SET status = $2",
		"appointment_day = $3, appointment_slot = $4",
		"updated_at = NOW()",
		"WHERE id = $1 AND status = ANY($5)",
		"NOT EXISTS (SELECT 1 FROM intake_record o",
		"o.id <> $1",
		"RETURNING id, owner_id",
	} {
		if !strings.Contains(sql, frag) {
			t.Errorf("expected SQL to contain %q:\n%s", frag, sql)
		}
	}
	if len(args) != 7 || args[0] != id {
		t.Errorf("unexpected args %v", args)
	}
}

func TestConditionalUpdateSQL_ReleaseAndEnrich(t *testing.T) {
	cancelled := StatusCancelled
	key := SlotKey{Day: testDay, Label: "09:00 AM"}
	sql, _, err := conditionalUpdateSQL(uuid.New(),
		Predicate{HoldsSlot: &key}, Patch{Status: &cancelled, ClearSlot: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(sql, "appointment_day = NULL, appointment_slot = NULL") {
		t.Errorf("expected slot to be cleared:\n%s", sql)
	}
	if !strings.Contains(sql, "status IN ('Scheduled', 'Completed')") {
		t.Errorf("expected live-status guard:\n%s", sql)
	}

	d := "Flu"
	sql, _, _ = conditionalUpdateSQL(uuid.New(), Predicate{Unenriched: true},
		Patch{Enrichment: &Enrichment{PredictedDisease: &d}})
	if !strings.Contains(sql, "predicted_disease IS NULL") || !strings.Contains(sql, "extracted_symptoms = $4") {
		t.Errorf("unexpected enrichment SQL:\n%s", sql)
	}
}

func TestConditionalUpdateSQL_BadDay(t *testing.T) {
	key := SlotKey{Day: "soon", Label: "09:00 AM"}
	if _, _, err := conditionalUpdateSQL(uuid.New(), Predicate{SlotFree: &key}, Patch{}); err == nil {
		t.Error("expected error for unparsable day")
	}
}

// Integration tests below need a migrated database in INTAKE_TEST_DATABASE_URL.

func newPGTestStore(t *testing.T) *PGStore {
	t.Helper()
	url := os.Getenv("INTAKE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("INTAKE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: url, MaxConns: 10, MinConns: 1})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := db.NewMigrator(pool, os.DirFS("../../../migrations")).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cleanPG(t, pool)
	return NewPGStore(pool)
}

func cleanPG(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	if _, err := pool.Exec(context.Background(), `DELETE FROM intake_record`); err != nil {
		t.Fatalf("clean: %v", err)
	}
}

func TestPGStore_Lifecycle(t *testing.T) {
	s := newPGTestStore(t)
	ctx := context.Background()

	rec := &IntakeRecord{OwnerID: "p1", FullName: "Asha", DateOfBirth: "1990-04-12", Gender: GenderFemale,
		Contact: "1", Email: "a@example.com", Symptoms: "cough", Department: "General Medicine", Status: StatusPending}
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DateOfBirth != "1990-04-12" || got.Status != StatusPending || got.AppointmentDay != nil {
		t.Errorf("unexpected record %+v", got)
	}

	scheduled := StatusScheduled
	key := SlotKey{Day: testDay, Label: "09:00 AM"}
	got, applied, err := s.ConditionalUpdate(ctx, rec.ID,
		Predicate{Statuses: []Status{StatusPending}, SlotFree: &key}, Patch{Status: &scheduled, Slot: &key})
	if err != nil || !applied {
		t.Fatalf("reserve: applied=%v err=%v", applied, err)
	}
	if *got.AppointmentDay != testDay || *got.AppointmentSlot != "09:00 AM" {
		t.Errorf("unexpected slot %v %v", *got.AppointmentDay, *got.AppointmentSlot)
	}
	held, _ := s.HeldSlots(ctx, testDay)
	if len(held) != 1 {
		t.Errorf("expected one held slot, got %v", held)
	}

	ok, err := s.Delete(ctx, rec.ID)
	if err != nil || !ok {
		t.Fatalf("Delete: %v %v", ok, err)
	}
	if ok, _ := s.Delete(ctx, rec.ID); ok {
		t.Error("expected second delete to report false")
	}
	if _, err := s.Get(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPGStore_ConcurrentReserve(t *testing.T) {
	s := newPGTestStore(t)
	ctx := context.Background()
	alloc := NewAllocator(s, nil)
	key := SlotKey{Day: testDay, Label: "10:30 AM"}

	const n = 16
	recs := make([]*IntakeRecord, n)
	for i := range recs {
		recs[i] = &IntakeRecord{OwnerID: "p", FullName: "x", DateOfBirth: "1990-01-01", Gender: GenderOther,
			Contact: "1", Email: "x@example.com", Symptoms: "x", Department: "Neurology", Status: StatusPending}
		if err := s.Create(ctx, recs[i]); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	var mu sync.Mutex
	wins := 0
	var wg sync.WaitGroup
	for _, r := range recs {
		wg.Add(1)
		go func(r *IntakeRecord) {
			defer wg.Done()
			_, err := alloc.Reserve(ctx, key, r.ID, []Status{StatusPending}, Patch{})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrSlotConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(r)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one reservation, got %d", wins)
	}
}
