package clinical

import (
	"context"

	"github.com/google/uuid"
)

type ConsultationRepository interface {
	// Create fails with a Conflict error when the patient already has an
	// IN_PROGRESS consultation.
	Create(ctx context.Context, c *Consultation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Consultation, error)
	// Latest returns the patient's most recently started consultation.
	Latest(ctx context.Context, patientID uuid.UUID) (*Consultation, error)
	Update(ctx context.Context, c *Consultation) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consultation, int, error)
}

type PrescriptionRepository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Prescription, error)
	Update(ctx context.Context, p *Prescription) error
	ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*Prescription, error)
	// ListOutstanding returns the patient's undispensed prescriptions across
	// every completed consultation.
	ListOutstanding(ctx context.Context, patientID uuid.UUID) ([]*Prescription, error)
	ListByStatus(ctx context.Context, statuses []string, limit, offset int) ([]*Prescription, int, error)
}

type LabRequestRepository interface {
	Create(ctx context.Context, l *LabRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*LabRequest, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*LabRequest, error)
	Update(ctx context.Context, l *LabRequest) error
	ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*LabRequest, error)
	ListByStatus(ctx context.Context, statuses []string, limit, offset int) ([]*LabRequest, int, error)
}
