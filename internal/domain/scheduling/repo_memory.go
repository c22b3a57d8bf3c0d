package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	rec *IntakeRecord
	seq uint64
}

// MemoryStore is an in-process RecordStore. Every conditional update is
// evaluated and applied under the store mutex, and a slot index keeps the
// SlotFree check constant time.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*memEntry
	held    map[SlotKey]uuid.UUID
	seq     uint64
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uuid.UUID]*memEntry),
		held:    make(map[SlotKey]uuid.UUID),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, rec *IntakeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = uuid.New()
	now := s.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.seq++
	s.records[rec.ID] = &memEntry{rec: rec.Clone(), seq: s.seq}
	if key, ok := rec.SlotKey(); ok && rec.Status.HoldsSlot() {
		s.held[key] = rec.ID
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*IntakeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.rec.Clone(), nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*IntakeRecord, error) {
	return s.list(func(r *IntakeRecord) bool { return r.OwnerID == ownerID }), nil
}

func (s *MemoryStore) ListAll(_ context.Context) ([]*IntakeRecord, error) {
	return s.list(func(*IntakeRecord) bool { return true }), nil
}

func (s *MemoryStore) list(keep func(*IntakeRecord) bool) []*IntakeRecord {
	s.mu.RLock()
	entries := make([]*memEntry, 0, len(s.records))
	for _, e := range s.records {
		if keep(e.rec) {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			return a.rec.CreatedAt.After(b.rec.CreatedAt)
		}
		return a.seq > b.seq
	})
	out := make([]*IntakeRecord, len(entries))
	for i, e := range entries {
		out[i] = e.rec.Clone()
	}
	return out
}

func (s *MemoryStore) ConditionalUpdate(_ context.Context, id uuid.UUID, pred Predicate, patch Patch) (*IntakeRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	rec := e.rec
	if !s.matches(rec, pred) {
		return rec.Clone(), false, nil
	}
	if patch.Slot != nil {
		if holder, taken := s.held[*patch.Slot]; taken && holder != id {
			return rec.Clone(), false, nil
		}
	}

	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.ClearSlot {
		if key, ok := rec.SlotKey(); ok && s.held[key] == id {
			delete(s.held, key)
		}
		rec.AppointmentDay = nil
		rec.AppointmentSlot = nil
	}
	if patch.Slot != nil {
		if key, ok := rec.SlotKey(); ok && s.held[key] == id {
			delete(s.held, key)
		}
		rec.AppointmentDay = strPtr(patch.Slot.Day)
		rec.AppointmentSlot = strPtr(patch.Slot.Label)
		s.held[*patch.Slot] = id
	}
	if patch.AssignedDoctor != nil {
		rec.AssignedDoctor = strPtr(*patch.AssignedDoctor)
	}
	if patch.Notes != nil {
		rec.Notes = strPtr(*patch.Notes)
	}
	if en := patch.Enrichment; en != nil {
		rec.PredictedDisease = cloneStr(en.PredictedDisease)
		if en.PredictionConfidence != nil {
			v := *en.PredictionConfidence
			rec.PredictionConfidence = &v
		}
		rec.ExtractedSymptoms = append([]string{}, en.ExtractedSymptoms...)
	}
	rec.UpdatedAt = s.now().UTC()
	return rec.Clone(), true, nil
}

func (s *MemoryStore) matches(rec *IntakeRecord, pred Predicate) bool {
	if !pred.allowsStatus(rec.Status) {
		return false
	}
	if pred.SlotFree != nil {
		if holder, taken := s.held[*pred.SlotFree]; taken && holder != rec.ID {
			return false
		}
	}
	if pred.HoldsSlot != nil {
		key, ok := rec.SlotKey()
		if !ok || key != *pred.HoldsSlot || !rec.Status.HoldsSlot() {
			return false
		}
	}
	if pred.Unenriched && rec.Enriched() {
		return false
	}
	return true
}

func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[id]
	if !ok {
		return false, nil
	}
	if key, ok := e.rec.SlotKey(); ok && s.held[key] == id {
		delete(s.held, key)
	}
	delete(s.records, id)
	return true, nil
}

func (s *MemoryStore) HeldSlots(_ context.Context, day string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var labels []string
	for key := range s.held {
		if key.Day == day {
			labels = append(labels, key.Label)
		}
	}
	sort.Strings(labels)
	return labels, nil
}
