package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/domain/patient"
	"github.com/hms/hms/internal/domain/pharmacy"
	"github.com/hms/hms/internal/platform/websocket"
)

// Event types published to the queue boards.
const (
	EventPatientMoved    = "patient.moved"
	EventPaymentRaised   = "payment.raised"
	EventPaymentResolved = "payment.resolved"
	EventStockLow        = "stock.low"
)

// Department boards. Patients also have a topic of their own, PatientTopic.
const (
	BoardReception = "reception"
	BoardDoctor    = "doctor"
	BoardFinance   = "finance"
	BoardLab       = "lab"
	BoardPharmacy  = "pharmacy"
)

// Publisher receives queue events once the transaction that caused them
// has committed.
type Publisher interface {
	Publish(ctx context.Context, event websocket.Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, websocket.Event) error { return nil }

// Board is the department screen that lists patients in status s.
func Board(s patient.Status) string {
	switch s {
	case patient.StatusWaitingDoctor, patient.StatusWithDoctor, patient.StatusLabResultsReady:
		return BoardDoctor
	case patient.StatusPendingConsultationPayment:
		return BoardFinance
	case patient.StatusWaitingLab, patient.StatusInLab:
		return BoardLab
	case patient.StatusWaitingPharmacy, patient.StatusInPharmacy:
		return BoardPharmacy
	default:
		return BoardReception
	}
}

func PatientTopic(patientNumber string) string { return "patient:" + patientNumber }

type move struct {
	From     patient.Status `json:"from"`
	To       patient.Status `json:"to"`
	Location string         `json:"location"`
}

// journal collects what an operation did so it can be announced after
// commit. Nothing is published for a rolled back operation.
type journal struct {
	events []websocket.Event
}

type journalKey struct{}

func withJournal(ctx context.Context) (context.Context, *journal) {
	j := &journal{}
	return context.WithValue(ctx, journalKey{}, j), j
}

func journalFrom(ctx context.Context) *journal {
	j, _ := ctx.Value(journalKey{}).(*journal)
	return j
}

func (j *journal) add(typ, patientNumber, resourceID string, boards []string, data interface{}) {
	j.emit(typ, patientNumber, resourceID, append(boards, PatientTopic(patientNumber)), data)
}

func (j *journal) emit(typ, patientNumber, resourceID string, topics []string, data interface{}) {
	if j == nil {
		return
	}
	raw, _ := json.Marshal(data)
	now := time.Now().UTC()
	for _, topic := range topics {
		j.events = append(j.events, websocket.Event{
			Type:       typ,
			Topic:      topic,
			PatientID:  patientNumber,
			ResourceID: resourceID,
			Timestamp:  now,
			Data:       raw,
		})
	}
}

func (j *journal) moved(p *patient.Patient, from patient.Status) {
	boards := []string{Board(p.CurrentStatus)}
	if from != "" && Board(from) != boards[0] {
		boards = append([]string{Board(from)}, boards...)
	}
	j.add(EventPatientMoved, p.PatientNumber, p.ID.String(), boards,
		move{From: from, To: p.CurrentStatus, Location: p.CurrentLocation})
}

func (j *journal) payment(typ, patientNumber string, pay *billing.ServicePayment) {
	j.add(typ, patientNumber, pay.ID.String(), []string{BoardFinance}, pay)
}

// stockLow tells the pharmacy board a medication reached its reorder level.
func (j *journal) stockLow(med *pharmacy.Medication) {
	j.emit(EventStockLow, "", med.ID.String(), []string{BoardPharmacy}, med)
}

// publish announces the journal. Delivery failures are logged and never
// undo the committed operation.
func (o *Orchestrator) publish(ctx context.Context, j *journal) {
	for _, ev := range j.events {
		if err := o.events.Publish(ctx, ev); err != nil {
			o.logger.Warn().Err(err).Str("topic", ev.Topic).Str("type", ev.Type).Msg("queue event not delivered")
		}
	}
	j.events = nil
}
