package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type PaymentRepository interface {
	// CreatePending inserts p as PENDING unless an active payment already
	// exists for its (patient, service type, reference) tuple, in which case
	// it reports false and leaves p untouched.
	CreatePending(ctx context.Context, p *ServicePayment) (bool, error)
	// Insert stores p with whatever status it carries.
	Insert(ctx context.Context, p *ServicePayment) error
	GetByID(ctx context.Context, id uuid.UUID) (*ServicePayment, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*ServicePayment, error)
	GetActive(ctx context.Context, patientID uuid.UUID, serviceType string, referenceID uuid.UUID) (*ServicePayment, error)
	Update(ctx context.Context, p *ServicePayment) error
	List(ctx context.Context, f PaymentFilter) ([]*ServicePayment, int, error)
	ListByReference(ctx context.Context, referenceID uuid.UUID) ([]*ServicePayment, error)
	// NextReceiptSeq increments and returns the receipt counter for day.
	NextReceiptSeq(ctx context.Context, day time.Time) (int, error)
	Summarize(ctx context.Context, from, to time.Time) ([]SummaryLine, error)
	PendingTotals(ctx context.Context) (int, int64, error)
}

type PriceRepository interface {
	Get(ctx context.Context, code string) (*ServicePrice, error)
	List(ctx context.Context, category string, includeInactive bool) ([]*ServicePrice, error)
	Upsert(ctx context.Context, p *ServicePrice) error
	Deactivate(ctx context.Context, code string) error
}
