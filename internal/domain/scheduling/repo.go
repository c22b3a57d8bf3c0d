package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// Predicate is a condition over a record's current state that a
// ConditionalUpdate must observe before its patch may commit. Zero-valued
// fields are not checked.
type Predicate struct {
	// Statuses lists the statuses the record may currently be in.
	Statuses []Status
	// SlotFree requires that no other Scheduled or Completed record holds the key.
	SlotFree *SlotKey
	// HoldsSlot requires that the record itself holds the key.
	HoldsSlot *SlotKey
	// Unenriched requires that classification fields are still unset.
	Unenriched bool
}

func (p Predicate) allowsStatus(s Status) bool {
	if len(p.Statuses) == 0 {
		return true
	}
	for _, st := range p.Statuses {
		if st == s {
			return true
		}
	}
	return false
}

// Enrichment holds classifier-derived fields written at most once.
type Enrichment struct {
	PredictedDisease     *string
	PredictionConfidence *float64
	ExtractedSymptoms    []string
}

// Patch is the set of field changes a ConditionalUpdate applies. Nil fields
// are left untouched.
type Patch struct {
	Status         *Status
	Slot           *SlotKey
	ClearSlot      bool
	AssignedDoctor *string
	Notes          *string
	Enrichment     *Enrichment
}

func (p Patch) merge(o Patch) Patch {
	if o.Status != nil {
		p.Status = o.Status
	}
	if o.Slot != nil {
		p.Slot = o.Slot
	}
	if o.ClearSlot {
		p.ClearSlot = true
	}
	if o.AssignedDoctor != nil {
		p.AssignedDoctor = o.AssignedDoctor
	}
	if o.Notes != nil {
		p.Notes = o.Notes
	}
	if o.Enrichment != nil {
		p.Enrichment = o.Enrichment
	}
	return p
}

// RecordStore is the durable keyed storage for intake records.
//
// ConditionalUpdate evaluates the predicate and applies the patch as one
// atomic step. It returns the record as it stands after the call, and whether
// the patch was applied; an unknown id yields ErrNotFound. List operations
// return records newest-created first.
type RecordStore interface {
	Create(ctx context.Context, rec *IntakeRecord) error
	Get(ctx context.Context, id uuid.UUID) (*IntakeRecord, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*IntakeRecord, error)
	ListAll(ctx context.Context) ([]*IntakeRecord, error)
	ConditionalUpdate(ctx context.Context, id uuid.UUID, pred Predicate, patch Patch) (*IntakeRecord, bool, error)
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
	HeldSlots(ctx context.Context, day string) ([]string, error)
}
