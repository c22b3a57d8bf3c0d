package scheduling

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/AananditKanwar/SehatSetu/internal/platform/classifier"
	"github.com/AananditKanwar/SehatSetu/internal/platform/events"
)

// Classifier predicts a disease and specialist from free symptom text.
type Classifier interface {
	Classify(ctx context.Context, text string) (*classifier.Result, error)
}

// Enrichment outcomes reported on intake.enrichment events.
const (
	OutcomeEnriched    = "enriched"
	OutcomeAbstained   = "abstained"
	OutcomeUnavailable = "unavailable"
	OutcomeTimeout     = "timeout"
	OutcomeCancelled   = "cancelled"
)

const (
	defaultClassifyTimeout = 3 * time.Second
	maxTransitionAttempts  = 3
)

// Option configures a Service.
type Option func(*Service)

// WithClassifier enables best-effort enrichment bounded by timeout.
func WithClassifier(c Classifier, timeout time.Duration) Option {
	return func(s *Service) {
		s.classifier = c
		if timeout > 0 {
			s.classifyTimeout = timeout
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithLocker serializes reservations per (day, slot) through l in addition
// to the store's conditional write.
func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithCatalog(c *Catalog) Option {
	return func(s *Service) { s.catalog = c }
}

// Service is the entry point for intake submission, booking and lifecycle
// changes. It holds no per-record state; the RecordStore is the source of
// truth and every mutation goes through a conditional write.
type Service struct {
	store           RecordStore
	alloc           *Allocator
	locker          Locker
	catalog         *Catalog
	classifier      Classifier
	classifyTimeout time.Duration
	publisher       events.Publisher
	logger          zerolog.Logger
	now             func() time.Time
}

func NewService(store RecordStore, opts ...Option) *Service {
	s := &Service{
		store:           store,
		catalog:         DefaultCatalog(),
		classifyTimeout: defaultClassifyTimeout,
		publisher:       events.Discard{},
		logger:          zerolog.Nop(),
		now:             time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.alloc = NewAllocator(store, s.locker)
	return s
}

// Catalog returns the slot catalog in use.
func (s *Service) Catalog() *Catalog { return s.catalog }

func validateIntake(caller Caller, in *IntakeInput) error {
	var fields []string
	if strings.TrimSpace(caller.AccountID) == "" {
		fields = append(fields, "owner")
	}
	in.FullName = strings.TrimSpace(in.FullName)
	in.Contact = strings.TrimSpace(in.Contact)
	in.Email = strings.TrimSpace(in.Email)
	in.Symptoms = strings.TrimSpace(in.Symptoms)
	in.Department = strings.TrimSpace(in.Department)
	in.DateOfBirth = strings.TrimSpace(in.DateOfBirth)

	if in.FullName == "" {
		fields = append(fields, "full_name")
	}
	if dob, err := time.Parse(DayLayout, in.DateOfBirth); err != nil || dob.After(time.Now()) {
		fields = append(fields, "dob")
	}
	if !validGenders[in.Gender] {
		fields = append(fields, "gender")
	}
	if in.Contact == "" {
		fields = append(fields, "contact")
	}
	if _, err := mail.ParseAddress(in.Email); in.Email == "" || err != nil {
		fields = append(fields, "email")
	}
	if in.Symptoms == "" {
		fields = append(fields, "symptoms")
	}
	if !lo.Contains(Departments, in.Department) {
		fields = append(fields, "department")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// CreateIntake persists a Pending record owned by the caller, then runs the
// enrichment step. Enrichment never fails the call.
func (s *Service) CreateIntake(ctx context.Context, caller Caller, in IntakeInput) (*IntakeRecord, error) {
	if err := validateIntake(caller, &in); err != nil {
		return nil, err
	}
	rec := &IntakeRecord{
		OwnerID:     caller.AccountID,
		FullName:    in.FullName,
		DateOfBirth: in.DateOfBirth,
		Gender:      in.Gender,
		Contact:     in.Contact,
		Email:       in.Email,
		Symptoms:    in.Symptoms,
		Department:  in.Department,
		Status:      StatusPending,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, storeErr("create intake", err)
	}
	s.publish(ctx, events.IntakeCreated, rec, "")
	return s.enrich(ctx, rec), nil
}

type classifyResult struct {
	res *classifier.Result
	err error
}

// enrich awaits the classifier up to classifyTimeout and applies a non-empty
// result at most once. A result that arrives after the deadline is dropped.
func (s *Service) enrich(ctx context.Context, rec *IntakeRecord) *IntakeRecord {
	if s.classifier == nil {
		return rec
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.classifyTimeout)
	defer cancel()

	done := make(chan classifyResult, 1)
	go func() {
		res, err := s.classifier.Classify(cctx, rec.Symptoms)
		done <- classifyResult{res: res, err: err}
	}()

	log := s.logger.With().Str("record_id", rec.ID.String()).Logger()
	var out classifyResult
	select {
	case out = <-done:
	case <-cctx.Done():
		log.Warn().Dur("timeout", s.classifyTimeout).Msg("classifier timed out")
		s.publish(ctx, events.IntakeEnrichment, rec, OutcomeTimeout)
		return rec
	case <-ctx.Done():
		log.Info().Msg("enrichment abandoned: request cancelled")
		s.publish(ctx, events.IntakeEnrichment, rec, OutcomeCancelled)
		return rec
	}

	if out.err != nil {
		outcome := OutcomeUnavailable
		if errors.Is(out.err, context.DeadlineExceeded) {
			outcome = OutcomeTimeout
		}
		log.Warn().Err(out.err).Msg("classifier unavailable")
		s.publish(ctx, events.IntakeEnrichment, rec, outcome)
		return rec
	}
	if out.res.Abstained() {
		log.Info().Msg("classifier abstained")
		s.publish(ctx, events.IntakeEnrichment, rec, OutcomeAbstained)
		return rec
	}

	disease, confidence := out.res.Top()
	en := &Enrichment{
		PredictedDisease:     disease,
		PredictionConfidence: confidence,
		ExtractedSymptoms:    append([]string{}, out.res.ExtractedSymptoms...),
	}
	updated, applied, err := s.store.ConditionalUpdate(context.WithoutCancel(ctx), rec.ID,
		Predicate{Unenriched: true}, Patch{Enrichment: en})
	if err != nil {
		log.Error().Err(err).Msg("failed to store enrichment")
		return rec
	}
	if !applied {
		return updated
	}
	log.Info().Str("predicted_disease", lo.FromPtr(disease)).Msg("intake enriched")
	s.publish(ctx, events.IntakeEnrichment, updated, OutcomeEnriched)
	return updated
}

// ListIntakes returns ownerID's records, or every record when ownerID is
// empty, newest first.
func (s *Service) ListIntakes(ctx context.Context, ownerID string) ([]*IntakeRecord, error) {
	var (
		recs []*IntakeRecord
		err  error
	)
	if ownerID == "" {
		recs, err = s.store.ListAll(ctx)
	} else {
		recs, err = s.store.ListByOwner(ctx, ownerID)
	}
	if err != nil {
		return nil, storeErr("list intakes", err)
	}
	return recs, nil
}

func (s *Service) GetIntake(ctx context.Context, id uuid.UUID) (*IntakeRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr("get intake", err)
	}
	return rec, nil
}

// RequestBooking moves a Pending record to Scheduled holding (day, slot).
func (s *Service) RequestBooking(ctx context.Context, caller Caller, id uuid.UUID, day, slot string) (*IntakeRecord, error) {
	key, err := s.catalog.Key(day, slot)
	if err != nil {
		return nil, err
	}
	rec, err := s.GetIntake(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckTransition(rec.Status, StatusScheduled, ActorFor(caller, rec)); err != nil {
		return nil, err
	}

	updated, err := s.alloc.Reserve(ctx, key, id, []Status{StatusPending}, Patch{})
	if err != nil {
		if errors.Is(err, ErrSlotConflict) {
			s.logger.Info().Str("record_id", id.String()).Str("day", key.Day).Str("slot", key.Label).
				Msg("slot conflict")
		}
		return nil, err
	}
	s.publish(ctx, events.AppointmentScheduled, updated, "")
	return updated, nil
}

// UpdateStatus applies an administrative transition with optional doctor and
// notes. Scheduled is only reachable through RequestBooking.
func (s *Service) UpdateStatus(ctx context.Context, caller Caller, id uuid.UUID, upd StatusUpdate) (*IntakeRecord, error) {
	if !upd.Status.Valid() {
		return nil, &ValidationError{Fields: []string{"status"}}
	}
	if !caller.Admin {
		return nil, fmt.Errorf("%w: status updates require admin", ErrForbidden)
	}
	if upd.Status == StatusScheduled {
		rec, err := s.GetIntake(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &TransitionError{From: rec.Status, To: StatusScheduled}
	}
	return s.transition(ctx, caller, id, upd.Status, Patch{AssignedDoctor: upd.Doctor, Notes: upd.Notes})
}

// CancelIntake moves a Pending or Scheduled record to Cancelled, releasing
// any held slot.
func (s *Service) CancelIntake(ctx context.Context, caller Caller, id uuid.UUID) error {
	_, err := s.transition(ctx, caller, id, StatusCancelled, Patch{})
	return err
}

// transition re-reads the record and retries when a concurrent writer
// changes it between the check and the conditional write.
func (s *Service) transition(ctx context.Context, caller Caller, id uuid.UUID, to Status, extra Patch) (*IntakeRecord, error) {
	var last *IntakeRecord
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		rec, err := s.GetIntake(ctx, id)
		if err != nil {
			return nil, err
		}
		last = rec
		if err := CheckTransition(rec.Status, to, ActorFor(caller, rec)); err != nil {
			return nil, err
		}

		var (
			updated *IntakeRecord
			applied bool
		)
		if key, holds := rec.SlotKey(); holds && ReleasesSlot(rec.Status, to) {
			updated, applied, err = s.alloc.Release(ctx, key, id, extra)
		} else {
			updated, applied, err = s.store.ConditionalUpdate(ctx, id,
				Predicate{Statuses: []Status{rec.Status}}, extra.merge(Patch{Status: &to}))
			if err != nil {
				err = storeErr("update status", err)
			}
		}
		if err != nil {
			return nil, err
		}
		if applied {
			ev := updated
			if updated.AppointmentSlot == nil && rec.AppointmentSlot != nil {
				// report the released slot on the cancel event
				ev = updated.Clone()
				ev.AppointmentDay, ev.AppointmentSlot = rec.AppointmentDay, rec.AppointmentSlot
			}
			s.publish(ctx, statusEvent(to), ev, "")
			return updated, nil
		}
		if updated != nil {
			last = updated
		}
	}
	return nil, &TransitionError{From: last.Status, To: to}
}

func statusEvent(to Status) events.Type {
	switch to {
	case StatusScheduled:
		return events.AppointmentScheduled
	case StatusCompleted:
		return events.AppointmentCompleted
	default:
		return events.AppointmentCancelled
	}
}

// AnnotateIntake sets the assigned doctor and notes on a non-terminal record
// without changing its status.
func (s *Service) AnnotateIntake(ctx context.Context, caller Caller, id uuid.UUID, doctor, notes *string) (*IntakeRecord, error) {
	if !caller.Admin {
		return nil, fmt.Errorf("%w: annotations require admin", ErrForbidden)
	}
	if doctor == nil && notes == nil {
		return nil, &ValidationError{Fields: []string{"doctor", "notes"}}
	}
	updated, applied, err := s.store.ConditionalUpdate(ctx, id,
		Predicate{Statuses: []Status{StatusPending, StatusScheduled}},
		Patch{AssignedDoctor: doctor, Notes: notes})
	if err != nil {
		return nil, storeErr("annotate intake", err)
	}
	if !applied {
		return nil, fmt.Errorf("%w: %s records cannot be annotated", ErrInvalidTransition, updated.Status)
	}
	s.publish(ctx, events.IntakeAnnotated, updated, "")
	return updated, nil
}

// DeleteIntake hard-deletes a record regardless of status.
func (s *Service) DeleteIntake(ctx context.Context, caller Caller, id uuid.UUID) error {
	rec, err := s.GetIntake(ctx, id)
	if err != nil {
		return err
	}
	if ActorFor(caller, rec) == ActorOther {
		return fmt.Errorf("%w: only the owner or an admin may delete", ErrForbidden)
	}
	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return storeErr("delete intake", err)
	}
	if !ok {
		return ErrNotFound
	}
	s.publish(ctx, events.IntakeDeleted, rec, "")
	return nil
}

// AvailableSlots lists catalog labels on day not held by a live reservation.
func (s *Service) AvailableSlots(ctx context.Context, day string) ([]string, error) {
	d, err := ParseDay(day)
	if err != nil {
		return nil, err
	}
	held, err := s.store.HeldSlots(ctx, d)
	if err != nil {
		return nil, storeErr("held slots", err)
	}
	return lo.Without(s.catalog.Labels(), held...), nil
}

func (s *Service) publish(ctx context.Context, t events.Type, rec *IntakeRecord, outcome string) {
	ev := events.Event{
		ID:         uuid.NewString(),
		Type:       t,
		RecordID:   rec.ID.String(),
		OwnerID:    rec.OwnerID,
		Status:     string(rec.Status),
		Day:        lo.FromPtr(rec.AppointmentDay),
		Slot:       lo.FromPtr(rec.AppointmentSlot),
		Outcome:    outcome,
		OccurredAt: s.now().UTC(),
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn().Err(err).Str("event", string(t)).Str("record_id", ev.RecordID).
			Msg("event publish failed")
	}
}
