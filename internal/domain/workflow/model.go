package workflow

import (
	"github.com/google/uuid"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/domain/clinical"
	"github.com/hms/hms/internal/domain/patient"
)

// Registration is a new patient together with its file fee record.
type Registration struct {
	Patient *patient.Patient        `json:"patient"`
	FileFee *billing.ServicePayment `json:"file_fee"`
}

// StartRequest opens a consultation for a waiting patient.
type StartRequest struct {
	PatientID      uuid.UUID `json:"patient_id"`
	ChiefComplaint string    `json:"chief_complaint"`
	Symptoms       string    `json:"symptoms"`
	Priority       string    `json:"priority"`
	FeeRequired    *bool     `json:"fee_required"`
}

// CompletionResult is what completing a consultation produced. Completing an
// already completed consultation returns the original payments with
// AlreadyCompleted set.
type CompletionResult struct {
	Consultation     *clinical.Consultation    `json:"consultation"`
	Payments         []*billing.ServicePayment `json:"payments"`
	Patient          *patient.Patient          `json:"patient"`
	AlreadyCompleted bool                      `json:"already_completed"`
}

// PaymentResult is a settled or waived payment and where the patient went next.
type PaymentResult struct {
	Payment *billing.ServicePayment `json:"payment"`
	Patient *patient.Patient        `json:"patient"`
}

type LabResult struct {
	LabRequest *clinical.LabRequest `json:"lab_request"`
	Patient    *patient.Patient     `json:"patient"`
}

type DispenseResult struct {
	Prescription *clinical.Prescription `json:"prescription"`
	Patient      *patient.Patient       `json:"patient"`
}

// LabReview is the doctor's decision once lab results are ready.
type LabReview struct {
	FollowUp bool   `json:"follow_up"`
	Note     string `json:"note"`
}
