package pharmacy

import (
	"time"

	"github.com/google/uuid"
)

const (
	CategoryAnalgesic   = "ANALGESIC"
	CategoryAntibiotic  = "ANTIBIOTIC"
	CategoryAntiviral   = "ANTIVIRAL"
	CategoryVitamin     = "VITAMIN"
	CategoryCardiac     = "CARDIAC"
	CategoryDiabetes    = "DIABETES"
	CategoryRespiratory = "RESPIRATORY"
	CategoryOther       = "OTHER"
)

var validCategories = map[string]bool{
	CategoryAnalgesic: true, CategoryAntibiotic: true, CategoryAntiviral: true, CategoryVitamin: true,
	CategoryCardiac: true, CategoryDiabetes: true, CategoryRespiratory: true, CategoryOther: true,
}

// Movement types. RESTOCK and RETURN add stock; DISPENSE, EXPIRE and DAMAGE
// remove it; ADJUST is a signed count correction.
const (
	MovementRestock  = "RESTOCK"
	MovementDispense = "DISPENSE"
	MovementExpire   = "EXPIRE"
	MovementAdjust   = "ADJUST"
	MovementDamage   = "DAMAGE"
	MovementReturn   = "RETURN"
)

const defaultReorderLevel = 10

// Medication is one stocked item. Code is what prescriptions carry in
// medication_code.
type Medication struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	Code          string     `db:"code" json:"code"`
	Name          string     `db:"name" json:"name"`
	GenericName   string     `db:"generic_name" json:"generic_name"`
	Manufacturer  string     `db:"manufacturer" json:"manufacturer"`
	Category      string     `db:"category" json:"category"`
	CurrentStock  int        `db:"current_stock" json:"current_stock"`
	ReorderLevel  int        `db:"reorder_level" json:"reorder_level"`
	Supplier      string     `db:"supplier" json:"supplier"`
	LastRestocked *time.Time `db:"last_restocked" json:"last_restocked,omitempty"`
	IsActive      bool       `db:"is_active" json:"is_active"`
	CreatedBy     string     `db:"created_by" json:"created_by"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// LowStock reports whether the item is at or below its reorder level.
func (m *Medication) LowStock() bool { return m.CurrentStock <= m.ReorderLevel }

// Available reports whether the item can be dispensed at all.
func (m *Medication) Available() bool { return m.IsActive && m.CurrentStock > 0 }

// StockMovement is one row of the stock ledger. Quantity is positive for
// additions and negative for removals.
type StockMovement struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	MedicationID   uuid.UUID  `db:"medication_id" json:"medication_id"`
	MedicationCode string     `db:"medication_code" json:"medication_code"`
	MovementType   string     `db:"movement_type" json:"movement_type"`
	Quantity       int        `db:"quantity" json:"quantity"`
	PreviousStock  int        `db:"previous_stock" json:"previous_stock"`
	NewStock       int        `db:"new_stock" json:"new_stock"`
	ReferenceID    *uuid.UUID `db:"reference_id" json:"reference_id,omitempty"`
	PerformedBy    string     `db:"performed_by" json:"performed_by"`
	Notes          string     `db:"notes" json:"notes"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// MedicationInput creates or updates a catalogue entry. Stock only changes
// through movements; InitialStock is recorded as the first RESTOCK.
type MedicationInput struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	GenericName  string `json:"generic_name"`
	Manufacturer string `json:"manufacturer"`
	Category     string `json:"category"`
	ReorderLevel *int   `json:"reorder_level"`
	Supplier     string `json:"supplier"`
	IsActive     *bool  `json:"is_active"`
	InitialStock int    `json:"initial_stock"`
}

// MovementInput is a manual stock change made by the pharmacy.
type MovementInput struct {
	Type     string `json:"movement_type"`
	Quantity int    `json:"quantity"`
	Notes    string `json:"notes"`
}

type ListFilter struct {
	Query           string
	Category        string
	LowStockOnly    bool
	IncludeInactive bool
	Limit           int
	Offset          int
}
