package billing

import (
	"context"
	"errors"

	"github.com/hms/hms/internal/platform/apperr"
)

// ConsultationCode is the tariff row used for doctor consultations.
const ConsultationCode = "CONSULT_GENERAL"

// Defaults are the configured fallbacks used when the tariff has no usable row.
type Defaults struct {
	FileFee      int64
	Consultation int64
	LabTest      int64
}

// Pricer resolves amounts from the price table. A missing, inactive or
// zero-priced row falls back to Defaults; medication has no fallback.
type Pricer struct {
	prices   PriceRepository
	defaults Defaults
}

func NewPricer(prices PriceRepository, defaults Defaults) *Pricer {
	return &Pricer{prices: prices, defaults: defaults}
}

func (p *Pricer) FileFee() int64 {
	return p.defaults.FileFee
}

// ConsultationFee uses the emergency price for EMERGENCY priority when one is set.
func (p *Pricer) ConsultationFee(ctx context.Context, emergency bool) (int64, error) {
	row, err := p.lookup(ctx, ConsultationCode)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return p.defaults.Consultation, nil
	}
	if emergency && row.EmergencyPrice != nil && *row.EmergencyPrice > 0 {
		return *row.EmergencyPrice, nil
	}
	return row.StandardPrice, nil
}

func (p *Pricer) LabTestPrice(ctx context.Context, code string) (int64, error) {
	row, err := p.lookup(ctx, code)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return p.defaults.LabTest, nil
	}
	return row.StandardPrice, nil
}

// MedicationPrice returns NotFound when the code has no active price.
func (p *Pricer) MedicationPrice(ctx context.Context, code string) (int64, error) {
	row, err := p.lookup(ctx, code)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, apperr.NotFound("service price", code)
	}
	return row.StandardPrice, nil
}

// lookup returns nil without error when the row is unusable.
func (p *Pricer) lookup(ctx context.Context, code string) (*ServicePrice, error) {
	row, err := p.prices.Get(ctx, code)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !row.IsActive || row.StandardPrice <= 0 {
		return nil, nil
	}
	return row, nil
}
