package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Status is the appointment lifecycle state of an intake record.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusScheduled Status = "Scheduled"
	StatusCompleted Status = "Completed"
	StatusCancelled Status = "Cancelled"
)

var validStatuses = map[Status]bool{
	StatusPending: true, StatusScheduled: true,
	StatusCompleted: true, StatusCancelled: true,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return validStatuses[s] }

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// HoldsSlot reports whether a record in status s owns its slot reservation.
func (s Status) HoldsSlot() bool {
	return s == StatusScheduled || s == StatusCompleted
}

// Gender is the patient-reported gender on an intake form.
type Gender string

const (
	GenderMale   Gender = "Male"
	GenderFemale Gender = "Female"
	GenderOther  Gender = "Other"
)

var validGenders = map[Gender]bool{GenderMale: true, GenderFemale: true, GenderOther: true}

// Departments is the fixed list of departments an intake can be filed under.
var Departments = []string{
	"General Medicine",
	"Cardiology",
	"Neurology",
	"Orthopedics",
	"Pediatrics",
	"Dermatology",
	"Psychiatry",
	"Emergency Medicine",
}

// IntakeRecord maps to the intake_record table: one patient's appointment
// request and its evolving status.
type IntakeRecord struct {
	ID          uuid.UUID `db:"id" json:"id"`
	OwnerID     string    `db:"owner_id" json:"owner_id"`
	FullName    string    `db:"full_name" json:"full_name"`
	DateOfBirth string    `db:"dob" json:"dob"`
	Gender      Gender    `db:"gender" json:"gender"`
	Contact     string    `db:"contact" json:"contact"`
	Email       string    `db:"email" json:"email"`
	Symptoms    string    `db:"symptoms" json:"symptoms"`
	Department  string    `db:"department" json:"department"`

	PredictedDisease     *string  `db:"predicted_disease" json:"predicted_disease"`
	PredictionConfidence *float64 `db:"prediction_confidence" json:"prediction_confidence"`
	ExtractedSymptoms    []string `db:"extracted_symptoms" json:"extracted_symptoms"`

	Status          Status  `db:"status" json:"status"`
	AppointmentDay  *string `db:"appointment_day" json:"appointment_day"`
	AppointmentSlot *string `db:"appointment_slot" json:"appointment_slot"`
	AssignedDoctor  *string `db:"assigned_doctor" json:"assigned_doctor"`
	Notes           *string `db:"notes" json:"notes"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SlotKey returns the (day, slot) pair the record holds, if any.
func (r *IntakeRecord) SlotKey() (SlotKey, bool) {
	if r.AppointmentDay == nil || r.AppointmentSlot == nil {
		return SlotKey{}, false
	}
	return SlotKey{Day: *r.AppointmentDay, Label: *r.AppointmentSlot}, true
}

// Enriched reports whether classification fields have been populated.
func (r *IntakeRecord) Enriched() bool {
	return r.PredictedDisease != nil || r.PredictionConfidence != nil || r.ExtractedSymptoms != nil
}

// Clone returns a deep copy so callers never share pointers with a store.
func (r *IntakeRecord) Clone() *IntakeRecord {
	c := *r
	c.PredictedDisease = cloneStr(r.PredictedDisease)
	c.AppointmentDay = cloneStr(r.AppointmentDay)
	c.AppointmentSlot = cloneStr(r.AppointmentSlot)
	c.AssignedDoctor = cloneStr(r.AssignedDoctor)
	c.Notes = cloneStr(r.Notes)
	if r.PredictionConfidence != nil {
		v := *r.PredictionConfidence
		c.PredictionConfidence = &v
	}
	if r.ExtractedSymptoms != nil {
		c.ExtractedSymptoms = append([]string{}, r.ExtractedSymptoms...)
	}
	return &c
}

// IntakeInput is the typed body of an intake submission.
type IntakeInput struct {
	FullName    string `json:"full_name"`
	DateOfBirth string `json:"dob"`
	Gender      Gender `json:"gender"`
	Contact     string `json:"contact"`
	Email       string `json:"email"`
	Symptoms    string `json:"symptoms"`
	Department  string `json:"department"`
}

// StatusUpdate is an administrative status change with optional annotations.
type StatusUpdate struct {
	Status Status  `json:"status"`
	Doctor *string `json:"doctor,omitempty"`
	Notes  *string `json:"notes,omitempty"`
}

// Caller is the verified identity on whose behalf an operation runs.
type Caller struct {
	AccountID string
	Admin     bool
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func strPtr(s string) *string { return &s }
