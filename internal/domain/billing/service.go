package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/metrics"
	"github.com/hms/hms/pkg/pagination"
)

// Service is the billing ledger. EnsurePending is the only way a billable
// charge comes into existence.
type Service struct {
	payments PaymentRepository
	prices   PriceRepository
	tx       db.Transactor
	loc      *time.Location
	currency string
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(payments PaymentRepository, prices PriceRepository, tx db.Transactor,
	loc *time.Location, currency string, logger zerolog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{payments: payments, prices: prices, tx: tx, loc: loc, currency: currency,
		logger: logger, now: time.Now}
}

func (s *Service) validateCharge(ch Charge) error {
	details := map[string]string{}
	if ch.PatientID == uuid.Nil {
		details["patient_id"] = "is required"
	}
	if ch.ReferenceID == uuid.Nil {
		details["reference_id"] = "is required"
	}
	if !validServiceTypes[ch.ServiceType] {
		details["service_type"] = "is not a known service type"
	}
	if len(details) > 0 {
		return apperr.Validation("invalid charge", details)
	}
	return nil
}

// EnsurePending returns the active payment for the charge's tuple, creating
// a PENDING one when none exists. created is false when an existing payment
// was returned.
func (s *Service) EnsurePending(ctx context.Context, ch Charge) (*ServicePayment, bool, error) {
	if err := s.validateCharge(ch); err != nil {
		return nil, false, err
	}
	if ch.Amount <= 0 {
		return nil, false, apperr.Validation("invalid charge", map[string]string{"amount": "must be positive"})
	}

	var out *ServicePayment
	var created bool
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		existing, err := s.payments.GetActive(ctx, ch.PatientID, ch.ServiceType, ch.ReferenceID)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}

		p := &ServicePayment{
			PatientID:   ch.PatientID,
			PatientName: ch.PatientName,
			ServiceType: ch.ServiceType,
			ServiceName: ch.ServiceName,
			ReferenceID: ch.ReferenceID,
			Amount:      ch.Amount,
			CreatedBy:   ch.Actor,
		}
		created, err = s.payments.CreatePending(ctx, p)
		if err != nil {
			return err
		}
		if !created {
			// Lost the race to a concurrent insert; hand back the winner.
			out, err = s.payments.GetActive(ctx, ch.PatientID, ch.ServiceType, ch.ReferenceID)
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		metrics.RecordPaymentCreated(out.ServiceType)
		s.logger.Info().Str("payment_id", out.ID.String()).Str("service_type", out.ServiceType).
			Int64("amount", out.Amount).Str("reference_id", out.ReferenceID.String()).Msg("payment raised")
	}
	return out, created, nil
}

// RecordWaiver stores a zero-cost WAIVED record for a service covered by a
// third party, such as the NHIF file fee. It is idempotent per tuple.
func (s *Service) RecordWaiver(ctx context.Context, ch Charge, method, note string) (*ServicePayment, error) {
	if err := s.validateCharge(ch); err != nil {
		return nil, err
	}
	if !validMethods[method] {
		return nil, apperr.Validation("invalid waiver", map[string]string{"payment_method": "is not a known method"})
	}
	var out *ServicePayment
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		existing, err := s.payments.ListByReference(ctx, ch.ReferenceID)
		if err != nil {
			return err
		}
		for _, p := range existing {
			if p.PatientID == ch.PatientID && p.ServiceType == ch.ServiceType && p.Resolved() {
				out = p
				return nil
			}
		}
		now := s.now()
		p := &ServicePayment{
			PatientID:     ch.PatientID,
			PatientName:   ch.PatientName,
			ServiceType:   ch.ServiceType,
			ServiceName:   ch.ServiceName,
			ReferenceID:   ch.ReferenceID,
			Amount:        ch.Amount,
			Status:        StatusWaived,
			PaymentMethod: &method,
			PaymentDate:   &now,
			CreatedBy:     ch.Actor,
			ProcessedBy:   &ch.Actor,
			Notes:         note,
		}
		if err := s.payments.Insert(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordPaymentSettled(out.ServiceType, StatusWaived, method, out.Amount)
	return out, nil
}

// Settle marks a PENDING payment PAID and issues its receipt number.
func (s *Service) Settle(ctx context.Context, id uuid.UUID, method, actor string) (*ServicePayment, error) {
	method = strings.ToUpper(method)
	if !validMethods[method] {
		return nil, apperr.Validation("invalid payment", map[string]string{"payment_method": "is not a known method"})
	}
	var out *ServicePayment
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.lockPending(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		day := now.In(s.loc)
		seq, err := s.payments.NextReceiptSeq(ctx, day)
		if err != nil {
			return err
		}
		receipt := FormatReceipt(day, seq)
		p.Status = StatusPaid
		p.PaymentMethod = &method
		p.ReceiptNumber = &receipt
		p.PaymentDate = &now
		p.ProcessedBy = &actor
		if err := s.payments.Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordPaymentSettled(out.ServiceType, StatusPaid, method, out.Amount)
	s.logger.Info().Str("payment_id", out.ID.String()).Str("receipt", *out.ReceiptNumber).
		Str("method", method).Int64("amount", out.Amount).Str("actor", actor).Msg("payment settled")
	return out, nil
}

// Waive writes off a PENDING payment. A reason is mandatory.
func (s *Service) Waive(ctx context.Context, id uuid.UUID, reason, actor string) (*ServicePayment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("invalid waiver", map[string]string{"reason": "is required"})
	}
	var out *ServicePayment
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.lockPending(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		p.Status = StatusWaived
		p.PaymentDate = &now
		p.ProcessedBy = &actor
		p.Notes = appendNote(p.Notes, "Waived: "+reason)
		if err := s.payments.Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordPaymentSettled(out.ServiceType, StatusWaived, "", out.Amount)
	s.logger.Info().Str("payment_id", out.ID.String()).Str("reason", reason).Str("actor", actor).Msg("payment waived")
	return out, nil
}

// Refund reverses a PAID payment. Patient status is not affected.
func (s *Service) Refund(ctx context.Context, id uuid.UUID, reason, actor string) (*ServicePayment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("invalid refund", map[string]string{"reason": "is required"})
	}
	var out *ServicePayment
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.payments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != StatusPaid {
			return apperr.Conflict("payment is %s, only PAID payments can be refunded", p.Status)
		}
		p.Status = StatusRefunded
		p.ProcessedBy = &actor
		p.Notes = appendNote(p.Notes, "Refunded: "+reason)
		if err := s.payments.Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	method := ""
	if out.PaymentMethod != nil {
		method = *out.PaymentMethod
	}
	metrics.RecordPaymentSettled(out.ServiceType, StatusRefunded, method, out.Amount)
	s.logger.Info().Str("payment_id", out.ID.String()).Str("reason", reason).Str("actor", actor).Msg("payment refunded")
	return out, nil
}

func (s *Service) lockPending(ctx context.Context, id uuid.UUID) (*ServicePayment, error) {
	p, err := s.payments.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, apperr.AlreadyPaid(p.ID.String(), p.Status)
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*ServicePayment, error) {
	return s.payments.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f PaymentFilter) ([]*ServicePayment, int, error) {
	pg := pagination.New(f.Limit, f.Offset)
	f.Limit, f.Offset = pg.Limit, pg.Offset
	f.Status = strings.ToUpper(f.Status)
	f.ServiceType = strings.ToUpper(f.ServiceType)
	return s.payments.List(ctx, f)
}

// ForReference returns every payment raised against one originating record.
func (s *Service) ForReference(ctx context.Context, referenceID uuid.UUID) ([]*ServicePayment, error) {
	return s.payments.ListByReference(ctx, referenceID)
}

// DailySummary totals PAID payments for the hospital-local calendar day of date.
func (s *Service) DailySummary(ctx context.Context, date time.Time) (*DailySummary, error) {
	from, to := dayBounds(date, s.loc)
	lines, err := s.payments.Summarize(ctx, from, to)
	if err != nil {
		return nil, err
	}
	pendingCount, pendingTotal, err := s.payments.PendingTotals(ctx)
	if err != nil {
		return nil, err
	}
	sum := &DailySummary{
		Date:          from.Format("2006-01-02"),
		Currency:      s.currency,
		Lines:         lines,
		ByServiceType: map[string]int64{},
		ByMethod:      map[string]int64{},
		PendingCount:  pendingCount,
		PendingTotal:  pendingTotal,
	}
	if sum.Lines == nil {
		sum.Lines = []SummaryLine{}
	}
	for _, l := range lines {
		sum.ByServiceType[l.ServiceType] += l.Total
		sum.ByMethod[l.PaymentMethod] += l.Total
		sum.Total += l.Total
	}
	return sum, nil
}

// Today returns the current time in the hospital time zone.
func (s *Service) Today() time.Time {
	return s.now().In(s.loc)
}

// Location is the hospital time zone.
func (s *Service) Location() *time.Location {
	return s.loc
}

// -- Price table --

func (s *Service) ListPrices(ctx context.Context, category string, includeInactive bool) ([]*ServicePrice, error) {
	items, err := s.prices.List(ctx, strings.ToUpper(category), includeInactive)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*ServicePrice{}
	}
	return items, nil
}

func (s *Service) GetPrice(ctx context.Context, code string) (*ServicePrice, error) {
	return s.prices.Get(ctx, strings.ToUpper(code))
}

func (s *Service) UpsertPrice(ctx context.Context, p *ServicePrice) error {
	p.ServiceCode = strings.ToUpper(strings.TrimSpace(p.ServiceCode))
	p.ServiceName = strings.TrimSpace(p.ServiceName)
	p.Category = strings.ToUpper(p.Category)

	details := map[string]string{}
	if p.ServiceCode == "" {
		details["service_code"] = "is required"
	}
	if p.ServiceName == "" {
		details["service_name"] = "is required"
	}
	if !validCategories[p.Category] {
		details["category"] = "is not a known category"
	}
	if p.StandardPrice < 0 {
		details["standard_price"] = "cannot be negative"
	}
	if p.EmergencyPrice != nil && *p.EmergencyPrice < 0 {
		details["emergency_price"] = "cannot be negative"
	}
	if len(details) > 0 {
		return apperr.Validation("invalid service price", details)
	}
	return s.prices.Upsert(ctx, p)
}

func (s *Service) DeactivatePrice(ctx context.Context, code string) error {
	return s.prices.Deactivate(ctx, strings.ToUpper(code))
}

func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}
