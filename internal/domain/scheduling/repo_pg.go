package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const pgUniqueViolation = "23505"

// PGStore is the Postgres RecordStore. Slot exclusivity is enforced twice:
// by the NOT EXISTS guard in each reserving UPDATE and by the partial unique
// index uq_intake_record_slot.
type PGStore struct {
	db queryable
}

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{db: pool} }

const intakeCols = `id, owner_id, full_name, dob, gender, contact, email, symptoms, department,
	predicted_disease, prediction_confidence, extracted_symptoms,
	status, appointment_day, appointment_slot, assigned_doctor, notes, created_at, updated_at`

const liveStatuses = `('Scheduled', 'Completed')`

func scanIntake(row pgx.Row) (*IntakeRecord, error) {
	var (
		r              IntakeRecord
		dob            time.Time
		gender, status string
		day            *time.Time
	)
	err := row.Scan(&r.ID, &r.OwnerID, &r.FullName, &dob, &gender, &r.Contact, &r.Email,
		&r.Symptoms, &r.Department,
		&r.PredictedDisease, &r.PredictionConfidence, &r.ExtractedSymptoms,
		&status, &day, &r.AppointmentSlot, &r.AssignedDoctor, &r.Notes, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.DateOfBirth = dob.Format(DayLayout)
	r.Gender = Gender(gender)
	r.Status = Status(status)
	if day != nil {
		r.AppointmentDay = strPtr(day.Format(DayLayout))
	}
	return &r, nil
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

func (s *PGStore) Create(ctx context.Context, rec *IntakeRecord) error {
	dob, err := parseDate(rec.DateOfBirth)
	if err != nil {
		return err
	}
	rec.ID = uuid.New()
	var day *time.Time
	if rec.AppointmentDay != nil {
		d, err := parseDate(*rec.AppointmentDay)
		if err != nil {
			return err
		}
		day = &d
	}
	return s.db.QueryRow(ctx, `
		INSERT INTO intake_record (id, owner_id, full_name, dob, gender, contact, email, symptoms, department,
			predicted_disease, prediction_confidence, extracted_symptoms,
			status, appointment_day, appointment_slot, assigned_doctor, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING created_at, updated_at`,
		rec.ID, rec.OwnerID, rec.FullName, dob, string(rec.Gender), rec.Contact, rec.Email,
		rec.Symptoms, rec.Department,
		rec.PredictedDisease, rec.PredictionConfidence, rec.ExtractedSymptoms,
		string(rec.Status), day, rec.AppointmentSlot, rec.AssignedDoctor, rec.Notes,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*IntakeRecord, error) {
	rec, err := scanIntake(s.db.QueryRow(ctx, `SELECT `+intakeCols+` FROM intake_record WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *PGStore) ListByOwner(ctx context.Context, ownerID string) ([]*IntakeRecord, error) {
	return s.query(ctx, `SELECT `+intakeCols+` FROM intake_record WHERE owner_id = $1 ORDER BY created_at DESC, id`, ownerID)
}

func (s *PGStore) ListAll(ctx context.Context) ([]*IntakeRecord, error) {
	return s.query(ctx, `SELECT `+intakeCols+` FROM intake_record ORDER BY created_at DESC, id`)
}

func (s *PGStore) query(ctx context.Context, sql string, args ...interface{}) ([]*IntakeRecord, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*IntakeRecord
	for rows.Next() {
		r, err := scanIntake(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// conditionalUpdateSQL renders pred and patch as a single UPDATE ... RETURNING
// statement. $1 is always the record id.
func conditionalUpdateSQL(id uuid.UUID, pred Predicate, patch Patch) (string, []interface{}, error) {
	args := []interface{}{id}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var sets []string
	if patch.Status != nil {
		sets = append(sets, "status = "+arg(string(*patch.Status)))
	}
	if patch.ClearSlot && patch.Slot == nil {
		sets = append(sets, "appointment_day = NULL", "appointment_slot = NULL")
	}
	if patch.Slot != nil {
		d, err := parseDate(patch.Slot.Day)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, "appointment_day = "+arg(d), "appointment_slot = "+arg(patch.Slot.Label))
	}
	if patch.AssignedDoctor != nil {
		sets = append(sets, "assigned_doctor = "+arg(*patch.AssignedDoctor))
	}
	if patch.Notes != nil {
		sets = append(sets, "notes = "+arg(*patch.Notes))
	}
	if en := patch.Enrichment; en != nil {
		sets = append(sets,
			"predicted_disease = "+arg(en.PredictedDisease),
			"prediction_confidence = "+arg(en.PredictionConfidence),
			"extracted_symptoms = "+arg(append([]string{}, en.ExtractedSymptoms...)))
	}
	sets = append(sets, "updated_at = NOW()")

	where := []string{"id = $1"}
	if len(pred.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(lo.Map(pred.Statuses, func(s Status, _ int) string {
			return string(s)
		}))+")")
	}
	if k := pred.SlotFree; k != nil {
		d, err := parseDate(k.Day)
		if err != nil {
			return "", nil, err
		}
		where = append(where, `NOT EXISTS (SELECT 1 FROM intake_record o
			WHERE o.appointment_day = `+arg(d)+` AND o.appointment_slot = `+arg(k.Label)+`
			AND o.status IN `+liveStatuses+` AND o.id <> $1)`)
	}
	if k := pred.HoldsSlot; k != nil {
		d, err := parseDate(k.Day)
		if err != nil {
			return "", nil, err
		}
		where = append(where, "appointment_day = "+arg(d), "appointment_slot = "+arg(k.Label),
			"status IN "+liveStatuses)
	}
	if pred.Unenriched {
		where = append(where, "predicted_disease IS NULL", "prediction_confidence IS NULL", "extracted_symptoms IS NULL")
	}

	sql := "UPDATE intake_record SET " + strings.Join(sets, ", ") +
		" WHERE " + strings.Join(where, " AND ") +
		" RETURNING " + intakeCols
	return sql, args, nil
}

func (s *PGStore) ConditionalUpdate(ctx context.Context, id uuid.UUID, pred Predicate, patch Patch) (*IntakeRecord, bool, error) {
	sql, args, err := conditionalUpdateSQL(id, pred, patch)
	if err != nil {
		return nil, false, err
	}
	rec, err := scanIntake(s.db.QueryRow(ctx, sql, args...))
	if err == nil {
		return rec, true, nil
	}
	var pgErr *pgconn.PgError
	if !errors.Is(err, pgx.ErrNoRows) && !(errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation) {
		return nil, false, err
	}
	// Predicate failed or another writer took the slot first.
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

func (s *PGStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM intake_record WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) HeldSlots(ctx context.Context, day string) ([]string, error) {
	d, err := parseDate(day)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `SELECT appointment_slot FROM intake_record
		WHERE appointment_day = $1 AND status IN `+liveStatuses+` ORDER BY appointment_slot`, d)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var labels []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}
