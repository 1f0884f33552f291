package patient

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists patients and their status history. Lookups return an
// apperr NotFound error when no row matches.
type Repository interface {
	NextPatientNumber(ctx context.Context) (string, error)
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByNumber(ctx context.Context, number string) (*Patient, error)
	// GetForUpdate reads the patient and locks the row until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Patient, error)
	PhoneInUse(ctx context.Context, phone string, exclude uuid.UUID) (bool, error)
	Update(ctx context.Context, p *Patient) error
	Search(ctx context.Context, f SearchFilter) ([]*Patient, int, error)

	AppendHistory(ctx context.Context, h *StatusHistoryEntry) error
	ListHistory(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*StatusHistoryEntry, int, error)
}
