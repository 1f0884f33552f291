package clinical

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/pkg/pagination"
)

// PriceLookup resolves medication unit prices from the price table.
type PriceLookup interface {
	MedicationPrice(ctx context.Context, code string) (int64, error)
}

// Service keeps the encounter records consistent. It never touches patient
// status or payments; the workflow orchestrator layers those on top.
type Service struct {
	consultations ConsultationRepository
	prescriptions PrescriptionRepository
	labs          LabRequestRepository
	prices        PriceLookup
	tx            db.Transactor
	logger        zerolog.Logger
	now           func() time.Time
}

func NewService(c ConsultationRepository, p PrescriptionRepository, l LabRequestRepository,
	prices PriceLookup, tx db.Transactor, logger zerolog.Logger) *Service {
	return &Service{consultations: c, prescriptions: p, labs: l, prices: prices, tx: tx, logger: logger, now: time.Now}
}

var validPriorities = map[string]bool{PriorityNormal: true, PriorityUrgent: true, PriorityEmergency: true}

// -- Consultations --

// Open stores a new IN_PROGRESS consultation. The caller holds the patient lock.
func (s *Service) Open(ctx context.Context, c *Consultation) error {
	c.ChiefComplaint = strings.TrimSpace(c.ChiefComplaint)
	if c.ChiefComplaint == "" {
		return apperr.Validation("invalid consultation", map[string]string{"chief_complaint": "is required"})
	}
	c.Priority = strings.ToUpper(c.Priority)
	if c.Priority == "" {
		c.Priority = PriorityNormal
	}
	if !validPriorities[c.Priority] {
		return apperr.Validation("invalid consultation", map[string]string{"priority": "must be NORMAL, URGENT or EMERGENCY"})
	}
	c.Status = ConsultationInProgress
	return s.consultations.Create(ctx, c)
}

// Lock reads the consultation with a row lock.
func (s *Service) Lock(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return s.consultations.GetForUpdate(ctx, id)
}

func (s *Service) Save(ctx context.Context, c *Consultation) error {
	return s.consultations.Update(ctx, c)
}

func (s *Service) GetConsultation(ctx context.Context, id uuid.UUID) (*ConsultationDetail, error) {
	c, err := s.consultations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	rx, labs, err := s.Attachments(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ConsultationDetail{Consultation: c, Prescriptions: rx, LabRequests: labs}, nil
}

// Attachments returns the prescriptions and lab requests of a consultation.
func (s *Service) Attachments(ctx context.Context, consultationID uuid.UUID) ([]*Prescription, []*LabRequest, error) {
	rx, err := s.prescriptions.ListByConsultation(ctx, consultationID)
	if err != nil {
		return nil, nil, err
	}
	labs, err := s.labs.ListByConsultation(ctx, consultationID)
	if err != nil {
		return nil, nil, err
	}
	if rx == nil {
		rx = []*Prescription{}
	}
	if labs == nil {
		labs = []*LabRequest{}
	}
	return rx, labs, nil
}

func (s *Service) ListConsultations(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consultation, int, error) {
	pg := pagination.New(limit, offset)
	return s.consultations.ListByPatient(ctx, patientID, pg.Limit, pg.Offset)
}

// Latest returns the patient's most recent consultation, or nil if none.
func (s *Service) Latest(ctx context.Context, patientID uuid.UUID) (*Consultation, error) {
	c, err := s.consultations.Latest(ctx, patientID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// UpdateNotes edits the clinical fields of an open consultation.
func (s *Service) UpdateNotes(ctx context.Context, id uuid.UUID, notes ClinicalNotes, actor auth.Actor) (*Consultation, error) {
	var out *Consultation
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.lockOpen(ctx, id, actor)
		if err != nil {
			return err
		}
		notes.applyTo(c)
		if err := s.consultations.Update(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// Finish marks an open consultation COMPLETED with its final notes. An
// already completed consultation is returned with done=true and left as is.
func (s *Service) Finish(ctx context.Context, id uuid.UUID, notes ClinicalNotes, actor auth.Actor) (c *Consultation, done bool, err error) {
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err = s.consultations.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := CheckOwner(c, actor); err != nil {
			return err
		}
		switch c.Status {
		case ConsultationCompleted:
			done = true
			return nil
		case ConsultationInProgress:
		default:
			return apperr.Conflict("consultation is %s and cannot be completed", c.Status)
		}
		now := s.now()
		notes.applyTo(c)
		c.Status = ConsultationCompleted
		c.CompletedAt = &now
		return s.consultations.Update(ctx, c)
	})
	if err != nil {
		return nil, false, err
	}
	return c, done, nil
}

// Abandon cancels an open consultation. Its prescriptions are cancelled too
// so they never reach the pharmacy.
func (s *Service) Abandon(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Consultation, error) {
	var out *Consultation
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.lockOpen(ctx, id, actor)
		if err != nil {
			return err
		}
		now := s.now()
		c.Status = ConsultationCancelled
		c.CompletedAt = &now
		if err := s.consultations.Update(ctx, c); err != nil {
			return err
		}
		rx, labs, err := s.Attachments(ctx, id)
		if err != nil {
			return err
		}
		for _, p := range rx {
			if p.Status == PrescriptionPrescribed {
				p.Status = PrescriptionCancelled
				if err := s.prescriptions.Update(ctx, p); err != nil {
					return err
				}
			}
		}
		for _, l := range labs {
			if l.Open() {
				l.Status = LabCancelled
				if err := s.labs.Update(ctx, l); err != nil {
					return err
				}
			}
		}
		out = c
		return nil
	})
	return out, err
}

func (s *Service) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.prescriptions.GetByID(ctx, id)
}

func (s *Service) GetLabRequest(ctx context.Context, id uuid.UUID) (*LabRequest, error) {
	return s.labs.GetByID(ctx, id)
}

// lockOpen locks the consultation and checks it is still IN_PROGRESS and
// owned by actor.
func (s *Service) lockOpen(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Consultation, error) {
	c, err := s.consultations.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckOwner(c, actor); err != nil {
		return nil, err
	}
	if c.Status != ConsultationInProgress {
		return nil, apperr.Conflict("consultation is %s, not IN_PROGRESS", c.Status)
	}
	return c, nil
}

// CheckOwner allows the consultation's doctor and admins.
func CheckOwner(c *Consultation, actor auth.Actor) error {
	if actor.IsAdmin() || actor.ID == c.DoctorID {
		return nil
	}
	return apperr.Forbidden("only the attending doctor may change this consultation")
}

// MarkConsultationFeePaid flags the consultation fee as settled.
func (s *Service) MarkConsultationFeePaid(ctx context.Context, id uuid.UUID) error {
	c, err := s.consultations.GetForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if c.FeePaid {
		return nil
	}
	c.FeePaid = true
	return s.consultations.Update(ctx, c)
}

// MarkLabFeesPaid flags every billable lab request of the consultation as settled.
func (s *Service) MarkLabFeesPaid(ctx context.Context, consultationID uuid.UUID) error {
	labs, err := s.labs.ListByConsultation(ctx, consultationID)
	if err != nil {
		return err
	}
	for _, l := range labs {
		if l.FeePaid || !l.FeeRequired || l.Status == LabCancelled {
			continue
		}
		l.FeePaid = true
		if err := s.labs.Update(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

// -- Prescriptions --

func (s *Service) CreatePrescription(ctx context.Context, consultationID uuid.UUID, in PrescriptionInput, actor auth.Actor) (*Prescription, error) {
	p := &Prescription{
		ConsultationID:     consultationID,
		MedicationName:     strings.TrimSpace(in.MedicationName),
		MedicationCode:     strings.ToUpper(strings.TrimSpace(in.MedicationCode)),
		Strength:           in.Strength,
		DosageForm:         in.DosageForm,
		Frequency:          strings.ToUpper(in.Frequency),
		DosageInstructions: in.DosageInstructions,
		DurationDays:       in.DurationDays,
		QuantityPrescribed: in.QuantityPrescribed,
		UnitPrice:          in.UnitPrice,
		Status:             PrescriptionPrescribed,
	}

	details := map[string]string{}
	if p.MedicationName == "" {
		details["medication_name"] = "is required"
	}
	if !validFrequencies[p.Frequency] {
		details["frequency"] = "is not a known frequency"
	}
	if p.QuantityPrescribed < 1 {
		details["quantity_prescribed"] = "must be at least 1"
	}
	if p.DurationDays < 0 {
		details["duration_days"] = "cannot be negative"
	}
	if p.UnitPrice < 0 {
		details["unit_price"] = "cannot be negative"
	}
	if p.UnitPrice == 0 && p.MedicationCode == "" {
		details["unit_price"] = "is required when medication_code is not given"
	}
	if len(details) > 0 {
		return nil, apperr.Validation("invalid prescription", details)
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.lockOpen(ctx, consultationID, actor)
		if err != nil {
			return err
		}
		if p.UnitPrice == 0 {
			price, err := s.prices.MedicationPrice(ctx, p.MedicationCode)
			if errors.Is(err, apperr.ErrNotFound) {
				return apperr.Validation("medication has no price",
					map[string]string{"medication_code": p.MedicationCode})
			}
			if err != nil {
				return err
			}
			p.UnitPrice = price
		}
		p.TotalCost = int64(p.QuantityPrescribed) * p.UnitPrice
		p.PatientID = c.PatientID
		return s.prescriptions.Create(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CancelPrescription withdraws a prescription before the consultation is billed.
func (s *Service) CancelPrescription(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Prescription, error) {
	var out *Prescription
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.prescriptions.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if _, err := s.lockOpen(ctx, p.ConsultationID, actor); err != nil {
			return err
		}
		if p.Status == PrescriptionCancelled {
			out = p
			return nil
		}
		if p.Status != PrescriptionPrescribed {
			return apperr.Conflict("prescription is %s and cannot be cancelled", p.Status)
		}
		p.Status = PrescriptionCancelled
		if err := s.prescriptions.Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// Dispense hands over quantity units. The running total may never exceed
// what was prescribed.
func (s *Service) Dispense(ctx context.Context, id uuid.UUID, quantity int, actor auth.Actor) (*Prescription, error) {
	if quantity < 1 {
		return nil, apperr.Validation("invalid dispense", map[string]string{"quantity": "must be at least 1"})
	}
	var out *Prescription
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.prescriptions.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.Status == PrescriptionDispensed {
			return apperr.AlreadyCompleted("prescription", p.ID.String())
		}
		if !p.Outstanding() {
			return apperr.Conflict("prescription is %s", p.Status)
		}
		if quantity > p.Remaining() {
			return apperr.Validation("dispense exceeds prescription", map[string]string{
				"quantity": fmt.Sprintf("only %d remaining", p.Remaining()),
			})
		}
		if err := s.requireCompleted(ctx, p.ConsultationID); err != nil {
			return err
		}
		now := s.now()
		p.QuantityDispensed += quantity
		p.Status = PrescriptionPartiallyDispensed
		if p.Remaining() == 0 {
			p.Status = PrescriptionDispensed
		}
		p.DispensedBy = &actor.ID
		p.DispensedAt = &now
		if err := s.prescriptions.Update(ctx, p); err != nil {
			return err
		}
		s.logger.Info().Str("prescription_id", p.ID.String()).Int("quantity", quantity).
			Str("status", p.Status).Str("actor", actor.ID).Msg("medication dispensed")
		out = p
		return nil
	})
	return out, err
}

// Outstanding returns every prescription the patient is still owed,
// whichever consultation wrote it.
func (s *Service) Outstanding(ctx context.Context, patientID uuid.UUID) ([]*Prescription, error) {
	return s.prescriptions.ListOutstanding(ctx, patientID)
}

func (s *Service) PharmacyQueue(ctx context.Context, statuses []string, limit, offset int) ([]*Prescription, int, error) {
	if len(statuses) == 0 {
		statuses = []string{PrescriptionPrescribed, PrescriptionPartiallyDispensed}
	}
	pg := pagination.New(limit, offset)
	return s.prescriptions.ListByStatus(ctx, statuses, pg.Limit, pg.Offset)
}

// -- Lab requests --

func (s *Service) CreateLabRequest(ctx context.Context, consultationID uuid.UUID, in LabRequestInput, actor auth.Actor) (*LabRequest, error) {
	seen := map[string]bool{}
	var tests []string
	var unknown []string
	for _, id := range in.Tests {
		id = strings.ToLower(strings.TrimSpace(id))
		if _, ok := LookupLabTest(id); !ok {
			unknown = append(unknown, id)
			continue
		}
		if !seen[id] {
			seen[id] = true
			tests = append(tests, id)
		}
	}
	if len(unknown) > 0 {
		return nil, apperr.Validation("unknown lab tests", map[string]string{"tests": strings.Join(unknown, ",")})
	}
	if len(tests) == 0 {
		return nil, apperr.Validation("invalid lab request", map[string]string{"tests": "at least one test is required"})
	}
	sort.Strings(tests)

	l := &LabRequest{
		ConsultationID: consultationID,
		Tests:          tests,
		Results:        map[string]string{},
		ClinicalNotes:  in.ClinicalNotes,
		FeeRequired:    in.FeeRequired == nil || *in.FeeRequired,
		Status:         LabRequested,
		RequestedBy:    actor.ID,
	}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.lockOpen(ctx, consultationID, actor)
		if err != nil {
			return err
		}
		l.PatientID = c.PatientID
		return s.labs.Create(ctx, l)
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// StartLab claims a requested lab for processing.
func (s *Service) StartLab(ctx context.Context, id uuid.UUID, actor auth.Actor) (*LabRequest, error) {
	var out *LabRequest
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		l, err := s.labs.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if l.Status != LabRequested {
			return apperr.Conflict("lab request is %s, not REQUESTED", l.Status)
		}
		if err := s.requireCompleted(ctx, l.ConsultationID); err != nil {
			return err
		}
		l.Status = LabInProgress
		l.ProcessedBy = &actor.ID
		if err := s.labs.Update(ctx, l); err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

// CompleteLab stores results. Every requested test needs a non-empty result.
func (s *Service) CompleteLab(ctx context.Context, id uuid.UUID, results map[string]string, actor auth.Actor) (*LabRequest, error) {
	var out *LabRequest
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		l, err := s.labs.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if l.Status == LabCompleted {
			return apperr.AlreadyCompleted("lab request", l.ID.String())
		}
		if l.Status != LabInProgress {
			return apperr.Conflict("lab request is %s, not IN_PROGRESS", l.Status)
		}
		details := map[string]string{}
		requested := map[string]bool{}
		for _, test := range l.Tests {
			requested[test] = true
			if strings.TrimSpace(results[test]) == "" {
				details[test] = "result is required"
			}
		}
		for test := range results {
			if !requested[test] {
				details[test] = "was not requested"
			}
		}
		if len(details) > 0 {
			return apperr.Validation("incomplete lab results", details)
		}

		now := s.now()
		l.Results = make(map[string]string, len(results))
		for k, v := range results {
			l.Results[k] = strings.TrimSpace(v)
		}
		l.Status = LabCompleted
		l.ProcessedBy = &actor.ID
		l.CompletedAt = &now
		if err := s.labs.Update(ctx, l); err != nil {
			return err
		}
		s.logger.Info().Str("lab_request_id", l.ID.String()).Strs("tests", l.Tests).
			Str("actor", actor.ID).Msg("lab results recorded")
		out = l
		return nil
	})
	return out, err
}

func (s *Service) LabQueue(ctx context.Context, statuses []string, limit, offset int) ([]*LabRequest, int, error) {
	if len(statuses) == 0 {
		statuses = []string{LabRequested, LabInProgress}
	}
	pg := pagination.New(limit, offset)
	return s.labs.ListByStatus(ctx, statuses, pg.Limit, pg.Offset)
}

func (s *Service) requireCompleted(ctx context.Context, consultationID uuid.UUID) error {
	c, err := s.consultations.GetByID(ctx, consultationID)
	if err != nil {
		return err
	}
	if c.Status != ConsultationCompleted {
		return apperr.Conflict("consultation is %s, not COMPLETED", c.Status)
	}
	return nil
}
