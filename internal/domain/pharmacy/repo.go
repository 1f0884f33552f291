package pharmacy

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create fails with a Conflict error when the code is taken.
	Create(ctx context.Context, m *Medication) error
	GetByCode(ctx context.Context, code string) (*Medication, error)
	GetForUpdate(ctx context.Context, code string) (*Medication, error)
	Update(ctx context.Context, m *Medication) error
	List(ctx context.Context, f ListFilter) ([]*Medication, int, error)
	AppendMovement(ctx context.Context, mv *StockMovement) error
	ListMovements(ctx context.Context, medicationID uuid.UUID, limit, offset int) ([]*StockMovement, int, error)
}
