package patient

import (
	"time"

	"github.com/google/uuid"
)

const (
	GenderMale   = "MALE"
	GenderFemale = "FEMALE"
	GenderOther  = "OTHER"

	TypeNormal = "NORMAL"
	TypeNHIF   = "NHIF"
)

type Patient struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	PatientNumber   string     `db:"patient_number" json:"patient_id"`
	FullName        string     `db:"full_name" json:"full_name"`
	PhoneNumber     string     `db:"phone_number" json:"phone_number"`
	DateOfBirth     *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Gender          string     `db:"gender" json:"gender"`
	PatientType     string     `db:"patient_type" json:"patient_type"`
	NHIFCardNumber  *string    `db:"nhif_card_number" json:"nhif_card_number,omitempty"`
	BloodGroup      *string    `db:"blood_group" json:"blood_group,omitempty"`
	Allergies       *string    `db:"allergies" json:"allergies,omitempty"`
	Address         *string    `db:"address" json:"address,omitempty"`
	FileFeeAmount   int64      `db:"file_fee_amount" json:"file_fee_amount"`
	FileFeePaid     bool       `db:"file_fee_paid" json:"file_fee_paid"`
	CurrentStatus   Status     `db:"current_status" json:"current_status"`
	CurrentLocation string     `db:"current_location" json:"current_location"`
	CreatedBy       string     `db:"created_by" json:"created_by"`
	LastUpdatedBy   string     `db:"last_updated_by" json:"last_updated_by"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	ArchivedAt      *time.Time `db:"archived_at" json:"archived_at,omitempty"`
}

// IsNHIF reports whether the patient is covered by the national insurance scheme.
func (p *Patient) IsNHIF() bool {
	return p.PatientType == TypeNHIF
}

// Summary is the row shape returned by Search.
type Summary struct {
	ID              uuid.UUID `json:"id"`
	PatientNumber   string    `json:"patient_id"`
	FullName        string    `json:"full_name"`
	PhoneNumber     string    `json:"phone_number"`
	PatientType     string    `json:"patient_type"`
	CurrentStatus   Status    `json:"current_status"`
	CurrentLocation string    `json:"current_location"`
}

func (p *Patient) Summary() *Summary {
	return &Summary{
		ID:              p.ID,
		PatientNumber:   p.PatientNumber,
		FullName:        p.FullName,
		PhoneNumber:     p.PhoneNumber,
		PatientType:     p.PatientType,
		CurrentStatus:   p.CurrentStatus,
		CurrentLocation: p.CurrentLocation,
	}
}

// StatusHistoryEntry is one immutable row of the transition audit trail.
type StatusHistoryEntry struct {
	ID               uuid.UUID `db:"id" json:"id"`
	PatientID        uuid.UUID `db:"patient_id" json:"patient_id"`
	PreviousStatus   Status    `db:"previous_status" json:"previous_status"`
	NewStatus        Status    `db:"new_status" json:"new_status"`
	PreviousLocation string    `db:"previous_location" json:"previous_location"`
	NewLocation      string    `db:"new_location" json:"new_location"`
	ChangedBy        string    `db:"changed_by" json:"changed_by"`
	ChangedAt        time.Time `db:"changed_at" json:"changed_at"`
	Notes            string    `db:"notes" json:"notes"`
}

// SearchFilter narrows Search. Query matches patient number, name or phone
// case-insensitively.
type SearchFilter struct {
	Query  string
	Status Status
	Limit  int
	Offset int
}

// Demographics is the mutable identity part of a patient, used for both
// registration and later edits. Nil fields are left unchanged on update.
type Demographics struct {
	FullName       *string `json:"full_name"`
	PhoneNumber    *string `json:"phone_number"`
	DateOfBirth    *string `json:"date_of_birth"` // YYYY-MM-DD
	Gender         *string `json:"gender"`
	PatientType    *string `json:"patient_type"`
	NHIFCardNumber *string `json:"nhif_card_number"`
	BloodGroup     *string `json:"blood_group"`
	Allergies      *string `json:"allergies"`
	Address        *string `json:"address"`
}
