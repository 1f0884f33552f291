// Package workflow drives a patient through the hospital. Every operation
// runs in one transaction: it changes the encounter records, raises or
// settles the matching payments and moves the patient along the status
// table, or does nothing at all.
package workflow

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/domain/clinical"
	"github.com/hms/hms/internal/domain/patient"
	"github.com/hms/hms/internal/domain/pharmacy"
	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/metrics"
)

type Orchestrator struct {
	patients *patient.Service
	clinical *clinical.Service
	billing  *billing.Service
	stock    *pharmacy.Service
	pricer   *billing.Pricer
	tx       db.Transactor
	events   Publisher
	logger   zerolog.Logger
}

func NewOrchestrator(patients *patient.Service, clin *clinical.Service, bill *billing.Service,
	stock *pharmacy.Service, pricer *billing.Pricer, tx db.Transactor, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{patients: patients, clinical: clin, billing: bill, stock: stock, pricer: pricer, tx: tx,
		events: nopPublisher{}, logger: logger}
}

// PublishTo sends queue events to p instead of discarding them.
func (o *Orchestrator) PublishTo(p Publisher) {
	if p == nil {
		p = nopPublisher{}
	}
	o.events = p
}

// move transitions the patient and journals the change.
func (o *Orchestrator) move(ctx context.Context, id uuid.UUID, req patient.TransitionRequest) (*patient.Patient, error) {
	before, err := o.patients.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := o.patients.Transition(ctx, id, req)
	if err != nil {
		return nil, err
	}
	journalFrom(ctx).moved(p, before.CurrentStatus)
	return p, nil
}

// =========== Registration ===========

// RegisterPatient stores the patient and its file fee. NORMAL patients wait
// in REGISTERED until the fee is settled; NHIF patients are covered and go
// straight to the doctor queue.
func (o *Orchestrator) RegisterPatient(ctx context.Context, d patient.Demographics, actor string) (*Registration, error) {
	ctx, j := withJournal(ctx)
	nhif := d.PatientType != nil && strings.EqualFold(strings.TrimSpace(*d.PatientType), patient.TypeNHIF)
	fee := o.pricer.FileFee()
	if nhif {
		fee = 0
	}

	var out Registration
	err := o.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := o.patients.Register(ctx, d, fee, actor)
		if err != nil {
			return err
		}
		journalFrom(ctx).moved(p, "")
		charge := billing.Charge{
			PatientID:   p.ID,
			PatientName: p.FullName,
			ServiceType: billing.ServiceFileFee,
			ServiceName: "Registration file fee",
			ReferenceID: p.ID,
			Amount:      fee,
			Actor:       actor,
		}

		if !p.IsNHIF() {
			out.Patient = p
			if out.FileFee, _, err = o.billing.EnsurePending(ctx, charge); err != nil {
				return err
			}
			journalFrom(ctx).payment(EventPaymentRaised, p.PatientNumber, out.FileFee)
			return nil
		}

		if out.FileFee, err = o.billing.RecordWaiver(ctx, charge, billing.MethodInsurance, "Covered by NHIF"); err != nil {
			return err
		}
		if _, err := o.patients.MarkFileFeePaid(ctx, p.ID, actor); err != nil {
			return err
		}
		out.Patient, err = o.move(ctx, p.ID, patient.TransitionRequest{
			To:    patient.StatusWaitingDoctor,
			Actor: actor,
			Note:  "NHIF patient admitted",
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, j)
	return &out, nil
}

// =========== Consultations ===========

// StartConsultation opens a consultation for a WAITING_DOCTOR patient and
// moves them to WITH_DOCTOR.
func (o *Orchestrator) StartConsultation(ctx context.Context, req StartRequest, actor auth.Actor) (*clinical.Consultation, error) {
	ctx, j := withJournal(ctx)
	if req.PatientID == uuid.Nil {
		return nil, apperr.Validation("invalid consultation", map[string]string{"patient_id": "is required"})
	}
	var out *clinical.Consultation
	err := o.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := o.patients.Lock(ctx, req.PatientID)
		if err != nil {
			return err
		}
		if p.ArchivedAt != nil {
			return apperr.Conflict("patient %s is archived", p.PatientNumber)
		}
		latest, err := o.clinical.Latest(ctx, p.ID)
		if err != nil {
			return err
		}
		if latest != nil && latest.Status == clinical.ConsultationInProgress {
			return apperr.Conflict("patient %s already has a consultation in progress", p.PatientNumber)
		}
		if p.CurrentStatus != patient.StatusWaitingDoctor {
			return apperr.InvalidTransition(string(p.CurrentStatus), string(patient.StatusWithDoctor))
		}

		priority := strings.ToUpper(strings.TrimSpace(req.Priority))
		fee, err := o.pricer.ConsultationFee(ctx, priority == clinical.PriorityEmergency)
		if err != nil {
			return err
		}
		c := &clinical.Consultation{
			PatientID:      p.ID,
			PatientName:    p.FullName,
			DoctorID:       actor.ID,
			ChiefComplaint: req.ChiefComplaint,
			Symptoms:       req.Symptoms,
			Priority:       priority,
			FeeRequired:    req.FeeRequired == nil || *req.FeeRequired,
			FeeAmount:      fee,
		}
		if err := o.clinical.Open(ctx, c); err != nil {
			return err
		}
		if _, err := o.move(ctx, p.ID, patient.TransitionRequest{
			To:    patient.StatusWithDoctor,
			Actor: actor.ID,
			Note:  "Consultation started",
		}); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, j)
	o.logger.Info().Str("consultation_id", out.ID.String()).Str("patient_id", out.PatientID.String()).
		Str("doctor", actor.ID).Str("priority", out.Priority).Msg("consultation started")
	return out, nil
}

// CompleteConsultation closes the consultation, raises its charges and sends
// the patient to finance.
func (o *Orchestrator) CompleteConsultation(ctx context.Context, id uuid.UUID, notes clinical.ClinicalNotes, actor auth.Actor) (*CompletionResult, error) {
	ctx, j := withJournal(ctx)
	var out CompletionResult
	err := o.tx.InTx(ctx, func(ctx context.Context) error {
		c, already, err := o.clinical.Finish(ctx, id, notes, actor)
		if err != nil {
			return err
		}
		out.Consultation = c
		out.AlreadyCompleted = already
		if already {
			if out.Payments, err = o.billing.ForReference(ctx, c.ID); err != nil {
				return err
			}
			out.Patient, err = o.patients.Get(ctx, c.PatientID)
			return err
		}

		p, err := o.patients.Lock(ctx, c.PatientID)
		if err != nil {
			return err
		}
		if out.Payments, err = o.raiseCharges(ctx, c, p.PatientNumber, actor.ID); err != nil {
			return err
		}
		if _, err := o.move(ctx, c.PatientID, patient.TransitionRequest{
			To:    patient.StatusPendingConsultationPayment,
			Actor: actor.ID,
			Note:  "Consultation completed",
		}); err != nil {
			return err
		}
		// Nothing billable leaves the patient free to move on at once.
		out.Patient, err = o.routeAfterPayment(ctx, c.PatientID, actor.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.Payments == nil {
		out.Payments = []*billing.ServicePayment{}
	}
	o.publish(ctx, j)
	if !out.AlreadyCompleted {
		metrics.RecordConsultationCompleted()
		o.logger.Info().Str("consultation_id", id.String()).Int("payments", len(out.Payments)).
			Str("doctor", actor.ID).Msg("consultation completed")
	}
	return &out, nil
}

// raiseCharges ensures one payment per billable service of the consultation.
func (o *Orchestrator) raiseCharges(ctx context.Context, c *clinical.Consultation, patientNumber, actor string) ([]*billing.ServicePayment, error) {
	rx, labs, err := o.clinical.Attachments(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	var medication int64
	for _, p := range rx {
		if p.Billable() {
			medication += p.TotalCost
		}
	}
	var lab int64
	for _, l := range labs {
		if l.Status == clinical.LabCancelled || !l.FeeRequired {
			continue
		}
		for _, id := range l.Tests {
			test, ok := clinical.LookupLabTest(id)
			if !ok {
				return nil, apperr.Validationf("lab test %q is not in the catalogue", id)
			}
			price, err := o.pricer.LabTestPrice(ctx, test.Code)
			if err != nil {
				return nil, err
			}
			lab += price
		}
	}

	charges := []billing.Charge{}
	if c.FeeRequired && c.FeeAmount > 0 {
		charges = append(charges, billing.Charge{ServiceType: billing.ServiceConsultation,
			ServiceName: "Doctor consultation", Amount: c.FeeAmount})
	}
	if medication > 0 {
		charges = append(charges, billing.Charge{ServiceType: billing.ServiceMedication,
			ServiceName: "Prescribed medication", Amount: medication})
	}
	if lab > 0 {
		charges = append(charges, billing.Charge{ServiceType: billing.ServiceLabTest,
			ServiceName: "Laboratory tests", Amount: lab})
	}

	payments := make([]*billing.ServicePayment, 0, len(charges))
	for _, ch := range charges {
		ch.PatientID = c.PatientID
		ch.PatientName = c.PatientName
		ch.ReferenceID = c.ID
		ch.Actor = actor
		p, created, err := o.billing.EnsurePending(ctx, ch)
		if err != nil {
			return nil, err
		}
		if created {
			journalFrom(ctx).payment(EventPaymentRaised, patientNumber, p)
		}
		payments = append(payments, p)
	}
	return payments, nil
}

// AbandonConsultation cancels an open consultation and returns the patient
// to the doctor queue.
func (o *Orchestrator) AbandonConsultation(ctx context.Context, id uuid.UUID, reason string, actor auth.Actor) (*clinical.Consultation, error) {
	ctx, j := withJournal(ctx)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("invalid request", map[string]string{"reason": "is required"})
	}
	var out *clinical.Consultation
	err := o.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := o.clinical.Abandon(ctx, id, actor)
		if err != nil {
			return err
		}
		if _, err := o.move(ctx, c.PatientID, patient.TransitionRequest{
			To:    patient.StatusWaitingDoctor,
			Actor: actor.ID,
			Note:  "Consultation abandoned: " + reason,
		}); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, j)
	o.logger.Info().Str("consultation_id", id.String()).Str("reason", reason).Str("actor", actor.ID).Msg("consultation abandoned")
	return out, nil
}

func (o *Orchestrator) ListPatientConsultations(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*clinical.Consultation, int, error) {
	if _, err := o.patients.Get(ctx, patientID); err != nil {
		return nil, 0, err
	}
	items, total, err := o.clinical.ListConsultations(ctx, patientID, limit, offset)
	if items == nil {
		items = []*clinical.Consultation{}
	}
	return items, total, err
}

// =========== Payments ===========

// SettlePayment takes payment for a PENDING charge. An empty method defaults
// to INSURANCE for NHIF patients and CASH otherwise.
func (o *Orchestrator) SettlePayment(ctx context.Context, id uuid.UUID, method string, actor auth.Actor) (*PaymentResult, error) {
	ctx, j := withJournal(ctx)
	var out PaymentResult
	err := o.tx.InTx(ctx, func(ctx context.Context) error {
		pay, err := o.billing.Get(ctx, id)
		if err != nil {
			return err
		}
		p, err := o.patients.Lock(ctx, pay.PatientID)
		if err != nil {
			return err
		}
		if strings.TrimSpace(method) == "" {
			method = billing.MethodCash
			if p.IsNHIF() {
				method = billing.MethodInsurance
			}
		}
		if out.Payment, err = o.billing.Settle(ctx, id, method, actor.ID); err != nil {
			return err
		}
		journalFrom(ctx).payment(EventPaymentResolved, p.PatientNumber, out.Payment)
		out.Patient, err = o.advance(ctx, out.Payment, actor.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, j)
	return &out, nil
}

// WaivePayment writes off a PENDING charge and advances the patient the same
// way settlement does.
func (o *Orchestrator) WaivePayment(ctx context.Context, id uuid.UUID, reason string, actor auth.Actor) (*PaymentResult, error) {
	ctx, j := withJournal(ctx)
	var out PaymentResult
	err := o.tx.InTx(ctx, func(ctx context.Context) error {
		pay, err := o.billing.Get(ctx, id)
		if err != nil {
			return err
		}
		p, err := o.patients.Lock(ctx, pay.PatientID)
		if err != nil {
			return err
		}
		if out.Payment, err = o.billing.Waive(ctx, id, reason, actor.ID); err != nil {
			return err
		}
		journalFrom(ctx).payment(EventPaymentResolved, p.PatientNumber, out.Payment)
		out.Patient, err = o.advance(ctx, out.Payment, actor.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, j)
	return &out, nil
}

// advance applies the consequences of a resolved payment.
func (o *Orchestrator) advance(ctx context.Context, pay *billing.ServicePayment, actor string) (*patient.Patient, error) {
	switch pay.ServiceType {
	case billing.ServiceFileFee:
		p, err := o.patients.MarkFileFeePaid(ctx, pay.PatientID, actor)
		if err != nil {
			return nil, err
		}
		if p.CurrentStatus != patient.StatusRegistered {
			return p, nil
		}
		return o.move(ctx, p.ID, patient.TransitionRequest{
			To:    patient.StatusWaitingDoctor,
			Actor: actor,
			Note:  "File fee settled",
		})
	case billing.ServiceConsultation:
		if err := o.clinical.MarkConsultationFeePaid(ctx, pay.ReferenceID); err != nil {
			return nil, err
		}
	case billing.ServiceLabTest:
		if err := o.clinical.MarkLabFeesPaid(ctx, pay.ReferenceID); err != nil {
			return nil, err
		}
	case billing.ServiceMedication:
	default:
		return o.patients.Get(ctx, pay.PatientID)
	}
	return o.routeAfterPayment(ctx, pay.PatientID, actor)
}

// routeAfterPayment moves a PENDING_CONSULTATION_PAYMENT patient on once
// nothing is left to pay for their latest consultation: to the lab if a
// request is open, else to the pharmacy if any consultation still owes
// medication, else out.
func (o *Orchestrator) routeAfterPayment(ctx context.Context, patientID uuid.UUID, actor string) (*patient.Patient, error) {
	p, err := o.patients.Lock(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if p.CurrentStatus != patient.StatusPendingConsultationPayment {
		return p, nil
	}
	c, err := o.clinical.Latest(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return p, nil
	}

	payments, err := o.billing.ForReference(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	for _, pay := range payments {
		if pay.Status == billing.StatusPending {
			return p, nil
		}
	}

	_, labs, err := o.clinical.Attachments(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	owed, err := o.clinical.Outstanding(ctx, patientID)
	if err != nil {
		return nil, err
	}
	next, note := patient.StatusCompleted, "Visit completed"
	switch {
	case anyLabOpen(labs):
		next, note = patient.StatusWaitingLab, "Sent to laboratory"
	case len(owed) > 0:
		next, note = patient.StatusWaitingPharmacy, "Sent to pharmacy"
	}
	return o.move(ctx, patientID, patient.TransitionRequest{To: next, Actor: actor, Note: note})
}

func anyLabOpen(labs []*clinical.LabRequest) bool {
	for _, l := range labs {
		if l.Open() {
			return true
		}
	}
	return false
}

// =========== Laboratory ===========

// StartLabWork claims a lab request. The first one claimed moves the
// patient from WAITING_LAB into the laboratory.
func (o *Orchestrator) StartLabWork(ctx context.Context, id uuid.UUID, actor auth.Actor) (*LabResult, error) {
	ctx, j := withJournal(ctx)
	var out LabResult
	err := o.tx.InTx(ctx, func(ctx context.Context) error {
		l, err := o.clinical.GetLabRequest(ctx, id)
		if err != nil {
			return err
		}
		if l.FeeRequired && !l.FeePaid {
			return apperr.Conflict("lab fee for request %s has not been settled", l.ID)
		}
		p, err := o.patients.Lock(ctx, l.PatientID)
		if err != nil {
			return err
		}
		if p.CurrentStatus != patient.StatusWaitingLab && p.CurrentStatus != patient.StatusInLab {
			return apperr.InvalidTransition(string(p.CurrentStatus), string(patient.StatusInLab))
		}
		if out.LabRequest, err = o.clinical.StartLab(ctx, id, actor); err != nil {
			return err
		}
		out.Patient = p
		if p.CurrentStatus == patient.StatusWaitingLab {
			out.Patient, err = o.move(ctx, p.ID, patient.TransitionRequest{
				To:    patient.StatusInLab,
				Actor: actor.ID,
				Note:  "Lab work started",
			})
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, j)
	return &out, nil
}

// CompleteLabWork records results. When the consultation has no other open
// lab request the patient's results are ready for review.
func (o *Orchestrator) CompleteLabWork(ctx context.Context, id uuid.UUID, results map[string]string, actor auth.Actor) (*LabResult, error) {
	ctx, j := withJournal(ctx)
	var out LabResult
	err := o.tx.InTx(ctx, func(ctx context.Context) error {
		l, err := o.clinical.CompleteLab(ctx, id, results, actor)
		if err != nil {
			return err
		}
		out.LabRequest = l
		p, err := o.patients.Lock(ctx, l.PatientID)
		if err != nil {
			return err
		}
		out.Patient = p
		_, labs, err := o.clinical.Attachments(ctx, l.ConsultationID)
		if err != nil {
			return err
		}
		if anyLabOpen(labs) || p.CurrentStatus != patient.StatusInLab {
			return nil
		}
		out.Patient, err = o.move(ctx, p.ID, patient.TransitionRequest{
			To:    patient.StatusLabResultsReady,
			Actor: actor.ID,
			Note:  "Lab results ready",
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, j)
	return &out, nil
}

// ReviewLabResults releases a LAB_RESULTS_READY patient: back to the doctor
// for follow-up, to the pharmacy when medication is owed, or out.
func (o *Orchestrator) ReviewLabResults(ctx context.Context, patientID uuid.UUID, review LabReview, actor auth.Actor) (*patient.Patient, error) {
	ctx, j := withJournal(ctx)
	var out *patient.Patient
	err := o.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := o.patients.Lock(ctx, patientID)
		if err != nil {
			return err
		}
		if p.CurrentStatus != patient.StatusLabResultsReady {
			return apperr.Conflict("patient %s is %s, not %s", p.PatientNumber, p.CurrentStatus, patient.StatusLabResultsReady)
		}

		next, note := patient.StatusCompleted, "Lab results reviewed"
		if review.FollowUp {
			next, note = patient.StatusWaitingDoctor, "Follow-up after lab results"
		} else {
			owed, err := o.clinical.Outstanding(ctx, patientID)
			if err != nil {
				return err
			}
			if len(owed) > 0 {
				next, note = patient.StatusWaitingPharmacy, "Sent to pharmacy"
			}
		}
		if review.Note != "" {
			note = review.Note
		}
		out, err = o.move(ctx, patientID, patient.TransitionRequest{To: next, Actor: actor.ID, Note: note})
		return err
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, j)
	return out, nil
}

// =========== Pharmacy ===========

// Dispense hands over medication and takes it out of stock. The first
// dispense moves the patient into the pharmacy; once nothing is outstanding
// on any of their consultations the visit is complete. Prescriptions without
// a medication code are not stock tracked.
func (o *Orchestrator) Dispense(ctx context.Context, id uuid.UUID, quantity int, actor auth.Actor) (*DispenseResult, error) {
	ctx, j := withJournal(ctx)
	var out DispenseResult
	var issued *pharmacy.StockMovement
	err := o.tx.InTx(ctx, func(ctx context.Context) error {
		rx, err := o.clinical.GetPrescription(ctx, id)
		if err != nil {
			return err
		}
		p, err := o.patients.Lock(ctx, rx.PatientID)
		if err != nil {
			return err
		}
		if p.CurrentStatus != patient.StatusWaitingPharmacy && p.CurrentStatus != patient.StatusInPharmacy {
			return apperr.InvalidTransition(string(p.CurrentStatus), string(patient.StatusInPharmacy))
		}
		if out.Prescription, err = o.clinical.Dispense(ctx, id, quantity, actor); err != nil {
			return err
		}
		if rx.MedicationCode != "" {
			med, mv, err := o.stock.Issue(ctx, rx.MedicationCode, quantity, rx.ID, actor.ID)
			if errors.Is(err, apperr.ErrNotFound) {
				return apperr.Conflict("medication %s is not in the pharmacy catalogue", rx.MedicationCode)
			}
			if err != nil {
				return err
			}
			issued = mv
			if med.LowStock() {
				journalFrom(ctx).stockLow(med)
			}
		}
		out.Patient = p
		if p.CurrentStatus == patient.StatusWaitingPharmacy {
			if out.Patient, err = o.move(ctx, p.ID, patient.TransitionRequest{
				To:    patient.StatusInPharmacy,
				Actor: actor.ID,
				Note:  "Dispensing started",
			}); err != nil {
				return err
			}
		}

		owed, err := o.clinical.Outstanding(ctx, p.ID)
		if err != nil {
			return err
		}
		if len(owed) > 0 {
			return nil
		}
		out.Patient, err = o.move(ctx, p.ID, patient.TransitionRequest{
			To:    patient.StatusCompleted,
			Actor: actor.ID,
			Note:  "Medication dispensed",
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, j)
	if issued != nil {
		metrics.RecordStockMovement(issued.MovementType, issued.Quantity)
	}
	return &out, nil
}

// =========== Manual Moves ===========

// CheckIn queues a returning COMPLETED or DISCHARGED patient for the doctor.
func (o *Orchestrator) CheckIn(ctx context.Context, id uuid.UUID, note string, actor auth.Actor) (*patient.Patient, error) {
	if note == "" {
		note = "Return visit"
	}
	return o.manualMove(ctx, id, patient.TransitionRequest{To: patient.StatusWaitingDoctor, Actor: actor.ID, Note: note},
		func(p *patient.Patient) error {
			if p.CurrentStatus != patient.StatusCompleted && p.CurrentStatus != patient.StatusDischarged {
				return apperr.InvalidTransition(string(p.CurrentStatus), string(patient.StatusWaitingDoctor))
			}
			return nil
		})
}

func (o *Orchestrator) Discharge(ctx context.Context, id uuid.UUID, note string, actor auth.Actor) (*patient.Patient, error) {
	if note == "" {
		note = "Discharged"
	}
	return o.manualMove(ctx, id, patient.TransitionRequest{To: patient.StatusDischarged, Actor: actor.ID, Note: note}, nil)
}

// OverrideStatus lets an admin move a patient along any edge of the status
// table, for corrections the workflow cannot express.
func (o *Orchestrator) OverrideStatus(ctx context.Context, id uuid.UUID, req patient.TransitionRequest, actor auth.Actor) (*patient.Patient, error) {
	if !actor.IsAdmin() {
		return nil, apperr.Forbidden("only an admin can override a patient's status")
	}
	req.Actor = actor.ID
	if req.Note == "" {
		req.Note = "Manual status override"
	}
	return o.manualMove(ctx, id, req, nil)
}

// manualMove runs a move that no encounter record drives. Consultations
// stay consistent with the patient: nobody enters WITH_DOCTOR without one,
// and nobody leaves it while one is open.
func (o *Orchestrator) manualMove(ctx context.Context, id uuid.UUID, req patient.TransitionRequest, check func(*patient.Patient) error) (*patient.Patient, error) {
	ctx, j := withJournal(ctx)
	var out *patient.Patient
	err := o.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := o.patients.Lock(ctx, id)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(p); err != nil {
				return err
			}
		}
		if err := o.guardConsultation(ctx, p, req.To); err != nil {
			return err
		}
		out, err = o.move(ctx, id, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, j)
	return out, nil
}

func (o *Orchestrator) guardConsultation(ctx context.Context, p *patient.Patient, to patient.Status) error {
	if to == patient.StatusWithDoctor {
		return apperr.Conflict("start a consultation to move %s to %s", p.PatientNumber, to)
	}
	if p.CurrentStatus != patient.StatusWithDoctor {
		return nil
	}
	latest, err := o.clinical.Latest(ctx, p.ID)
	if err != nil {
		return err
	}
	if latest != nil && latest.Status == clinical.ConsultationInProgress {
		return apperr.Conflict("patient %s has consultation %s in progress; complete or abandon it first",
			p.PatientNumber, latest.ID)
	}
	return nil
}
