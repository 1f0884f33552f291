// Package pharmacy keeps the medication catalogue and its stock ledger.
// Every stock change, dispensing included, is written as a movement in the
// same transaction that changes current_stock.
package pharmacy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/metrics"
	"github.com/hms/hms/pkg/pagination"
)

type Service struct {
	repo   Repository
	tx     db.Transactor
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, tx db.Transactor, logger zerolog.Logger) *Service {
	return &Service{repo: repo, tx: tx, logger: logger, now: time.Now}
}

func normalizeCode(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }

func (s *Service) validate(in *MedicationInput) error {
	in.Code = normalizeCode(in.Code)
	in.Name = strings.TrimSpace(in.Name)
	in.Category = strings.ToUpper(strings.TrimSpace(in.Category))
	if in.Category == "" {
		in.Category = CategoryOther
	}
	details := map[string]string{}
	if in.Code == "" {
		details["code"] = "is required"
	}
	if in.Name == "" {
		details["name"] = "is required"
	}
	if !validCategories[in.Category] {
		details["category"] = "is not a known category"
	}
	if in.ReorderLevel != nil && *in.ReorderLevel < 0 {
		details["reorder_level"] = "must not be negative"
	}
	if in.InitialStock < 0 {
		details["initial_stock"] = "must not be negative"
	}
	if len(details) > 0 {
		return apperr.Validation("invalid medication", details)
	}
	return nil
}

// Upsert creates the medication or updates its catalogue fields. Stock is
// never overwritten here; InitialStock only applies on creation.
func (s *Service) Upsert(ctx context.Context, in MedicationInput, actor string) (*Medication, bool, error) {
	if err := s.validate(&in); err != nil {
		return nil, false, err
	}
	var out *Medication
	var created bool
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		m, err := s.repo.GetForUpdate(ctx, in.Code)
		switch {
		case err == nil:
			apply(m, in)
			if err := s.repo.Update(ctx, m); err != nil {
				return err
			}
			out = m
			return nil
		case !errors.Is(err, apperr.ErrNotFound):
			return err
		}

		m = &Medication{Code: in.Code, ReorderLevel: defaultReorderLevel, IsActive: true, CreatedBy: actor}
		apply(m, in)
		if in.InitialStock > 0 {
			now := s.now().UTC()
			m.CurrentStock = in.InitialStock
			m.LastRestocked = &now
		}
		if err := s.repo.Create(ctx, m); err != nil {
			return err
		}
		if in.InitialStock > 0 {
			if err := s.repo.AppendMovement(ctx, &StockMovement{
				MedicationID: m.ID, MedicationCode: m.Code, MovementType: MovementRestock,
				Quantity: in.InitialStock, PreviousStock: 0, NewStock: in.InitialStock,
				PerformedBy: actor, Notes: "Initial stock",
			}); err != nil {
				return err
			}
		}
		out, created = m, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created && in.InitialStock > 0 {
		metrics.RecordStockMovement(MovementRestock, in.InitialStock)
	}
	s.logger.Info().Str("code", out.Code).Bool("created", created).Str("actor", actor).Msg("medication saved")
	return out, created, nil
}

func apply(m *Medication, in MedicationInput) {
	m.Name = in.Name
	m.GenericName = strings.TrimSpace(in.GenericName)
	m.Manufacturer = strings.TrimSpace(in.Manufacturer)
	m.Category = in.Category
	m.Supplier = strings.TrimSpace(in.Supplier)
	if in.ReorderLevel != nil {
		m.ReorderLevel = *in.ReorderLevel
	}
	if in.IsActive != nil {
		m.IsActive = *in.IsActive
	}
}

func (s *Service) Get(ctx context.Context, code string) (*Medication, error) {
	return s.repo.GetByCode(ctx, normalizeCode(code))
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]*Medication, int, error) {
	pg := pagination.New(f.Limit, f.Offset)
	f.Limit, f.Offset = pg.Limit, pg.Offset
	f.Category = strings.ToUpper(f.Category)
	return s.repo.List(ctx, f)
}

func (s *Service) Movements(ctx context.Context, code string, limit, offset int) ([]*StockMovement, int, error) {
	m, err := s.Get(ctx, code)
	if err != nil {
		return nil, 0, err
	}
	pg := pagination.New(limit, offset)
	return s.repo.ListMovements(ctx, m.ID, pg.Limit, pg.Offset)
}

// Deactivate hides the medication from the catalogue and blocks dispensing.
// Its ledger is kept.
func (s *Service) Deactivate(ctx context.Context, code, actor string) (*Medication, error) {
	var out *Medication
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		m, err := s.repo.GetForUpdate(ctx, normalizeCode(code))
		if err != nil {
			return err
		}
		m.IsActive = false
		if err := s.repo.Update(ctx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("code", out.Code).Str("actor", actor).Msg("medication deactivated")
	return out, nil
}

// signedQuantity turns a manual movement into its effect on stock.
func signedQuantity(in MovementInput) (int, error) {
	switch in.Type {
	case MovementRestock, MovementReturn:
		if in.Quantity < 1 {
			return 0, apperr.Validation("invalid movement", map[string]string{"quantity": "must be at least 1"})
		}
		return in.Quantity, nil
	case MovementExpire, MovementDamage:
		if in.Quantity < 1 {
			return 0, apperr.Validation("invalid movement", map[string]string{"quantity": "must be at least 1"})
		}
		return -in.Quantity, nil
	case MovementAdjust:
		if in.Quantity == 0 {
			return 0, apperr.Validation("invalid movement", map[string]string{"quantity": "must not be zero"})
		}
		return in.Quantity, nil
	case MovementDispense:
		return 0, apperr.Validation("invalid movement", map[string]string{"movement_type": "DISPENSE is recorded by dispensing a prescription"})
	}
	return 0, apperr.Validation("invalid movement", map[string]string{"movement_type": "is not a known movement type"})
}

// Move applies a manual stock change. Stock never goes below zero.
func (s *Service) Move(ctx context.Context, code string, in MovementInput, actor string) (*StockMovement, error) {
	in.Type = strings.ToUpper(strings.TrimSpace(in.Type))
	delta, err := signedQuantity(in)
	if err != nil {
		return nil, err
	}
	var out *StockMovement
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		m, err := s.repo.GetForUpdate(ctx, normalizeCode(code))
		if err != nil {
			return err
		}
		if m.CurrentStock+delta < 0 {
			return apperr.Validation("stock cannot go negative", map[string]string{
				"quantity": fmt.Sprintf("only %d in stock", m.CurrentStock),
			})
		}
		if in.Type == MovementRestock {
			now := s.now().UTC()
			m.LastRestocked = &now
		}
		out, err = s.record(ctx, m, in.Type, delta, nil, actor, strings.TrimSpace(in.Notes))
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordStockMovement(out.MovementType, out.Quantity)
	return out, nil
}

// Issue takes quantity units out of stock for a prescription. It joins the
// caller's transaction; the caller records metrics after commit.
func (s *Service) Issue(ctx context.Context, code string, quantity int, prescriptionID uuid.UUID, actor string) (*Medication, *StockMovement, error) {
	var med *Medication
	var mv *StockMovement
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		m, err := s.repo.GetForUpdate(ctx, normalizeCode(code))
		if err != nil {
			return err
		}
		if !m.IsActive {
			return apperr.Conflict("medication %s is not active", m.Code)
		}
		if m.CurrentStock < quantity {
			return apperr.Conflict("insufficient stock for %s: %d requested, %d available", m.Code, quantity, m.CurrentStock)
		}
		ref := prescriptionID
		mv, err = s.record(ctx, m, MovementDispense, -quantity, &ref, actor, "")
		med = m
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return med, mv, nil
}

func (s *Service) record(ctx context.Context, m *Medication, typ string, delta int, ref *uuid.UUID, actor, notes string) (*StockMovement, error) {
	prev := m.CurrentStock
	m.CurrentStock += delta
	if err := s.repo.Update(ctx, m); err != nil {
		return nil, err
	}
	mv := &StockMovement{
		MedicationID: m.ID, MedicationCode: m.Code, MovementType: typ, Quantity: delta,
		PreviousStock: prev, NewStock: m.CurrentStock, ReferenceID: ref, PerformedBy: actor, Notes: notes,
	}
	if err := s.repo.AppendMovement(ctx, mv); err != nil {
		return nil, err
	}
	s.logger.Info().Str("code", m.Code).Str("movement_type", typ).Int("quantity", delta).
		Int("stock", m.CurrentStock).Str("actor", actor).Msg("stock moved")
	return mv, nil
}
