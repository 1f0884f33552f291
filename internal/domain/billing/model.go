package billing

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending  = "PENDING"
	StatusPaid     = "PAID"
	StatusRefunded = "REFUNDED"
	StatusWaived   = "WAIVED"
)

const (
	ServiceFileFee      = "FILE_FEE"
	ServiceConsultation = "CONSULTATION"
	ServiceLabTest      = "LAB_TEST"
	ServiceMedication   = "MEDICATION"
	ServiceNursing      = "NURSING"
	ServiceWard         = "WARD"
	ServiceProcedure    = "PROCEDURE"
	ServiceOther        = "OTHER"
)

var validServiceTypes = map[string]bool{
	ServiceFileFee: true, ServiceConsultation: true, ServiceLabTest: true, ServiceMedication: true,
	ServiceNursing: true, ServiceWard: true, ServiceProcedure: true, ServiceOther: true,
}

const (
	MethodCash         = "CASH"
	MethodMobileMoney  = "MOBILE_MONEY"
	MethodBankTransfer = "BANK_TRANSFER"
	MethodInsurance    = "INSURANCE"
	MethodCredit       = "CREDIT"
)

var validMethods = map[string]bool{
	MethodCash: true, MethodMobileMoney: true, MethodBankTransfer: true, MethodInsurance: true, MethodCredit: true,
}

// ValidMethod reports whether m is an accepted payment method.
func ValidMethod(m string) bool { return validMethods[m] }

// ServicePayment is one billable line owed by a patient. ReferenceID points
// at the record that caused it: the patient for FILE_FEE, the consultation
// for consultation, medication and lab charges.
type ServicePayment struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	PatientID     uuid.UUID  `db:"patient_id" json:"patient_id"`
	PatientName   string     `db:"patient_name" json:"patient_name"`
	ServiceType   string     `db:"service_type" json:"service_type"`
	ServiceName   string     `db:"service_name" json:"service_name"`
	ReferenceID   uuid.UUID  `db:"reference_id" json:"reference_id"`
	Amount        int64      `db:"amount" json:"amount"`
	Status        string     `db:"status" json:"status"`
	PaymentMethod *string    `db:"payment_method" json:"payment_method,omitempty"`
	ReceiptNumber *string    `db:"receipt_number" json:"receipt_number,omitempty"`
	PaymentDate   *time.Time `db:"payment_date" json:"payment_date,omitempty"`
	CreatedBy     string     `db:"created_by" json:"created_by"`
	ProcessedBy   *string    `db:"processed_by" json:"processed_by,omitempty"`
	Notes         string     `db:"notes" json:"notes,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// Active reports whether the payment is covered by the one-live-charge rule.
func (p *ServicePayment) Active() bool {
	return p.Status == StatusPending || p.Status == StatusPaid
}

// Resolved reports whether the charge no longer blocks the patient.
func (p *ServicePayment) Resolved() bool {
	return p.Status == StatusPaid || p.Status == StatusWaived
}

// Charge describes a payment to raise.
type Charge struct {
	PatientID   uuid.UUID
	PatientName string
	ServiceType string
	ServiceName string
	ReferenceID uuid.UUID
	Amount      int64
	Actor       string
}

type PaymentFilter struct {
	PatientID   *uuid.UUID
	ReferenceID *uuid.UUID
	Status      string
	ServiceType string
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}

// SummaryLine totals PAID payments for one service type and method.
type SummaryLine struct {
	ServiceType   string `json:"service_type"`
	PaymentMethod string `json:"payment_method"`
	Count         int    `json:"count"`
	Total         int64  `json:"total"`
}

type DailySummary struct {
	Date          string           `json:"date"`
	Currency      string           `json:"currency"`
	Lines         []SummaryLine    `json:"lines"`
	ByServiceType map[string]int64 `json:"by_service_type"`
	ByMethod      map[string]int64 `json:"by_payment_method"`
	Total         int64            `json:"total"`
	PendingCount  int              `json:"pending_count"`
	PendingTotal  int64            `json:"pending_total"`
}

const (
	CategoryConsultation = "CONSULTATION"
	CategoryLabTest      = "LAB_TEST"
	CategoryMedication   = "MEDICATION"
	CategoryNursing      = "NURSING"
	CategoryWard         = "WARD"
	CategoryProcedure    = "PROCEDURE"
	CategoryEmergency    = "EMERGENCY"
	CategoryOther        = "OTHER"
)

var validCategories = map[string]bool{
	CategoryConsultation: true, CategoryLabTest: true, CategoryMedication: true, CategoryNursing: true,
	CategoryWard: true, CategoryProcedure: true, CategoryEmergency: true, CategoryOther: true,
}

// ServicePrice is one row of the hospital tariff.
type ServicePrice struct {
	ServiceCode    string    `db:"service_code" json:"service_code"`
	ServiceName    string    `db:"service_name" json:"service_name"`
	Category       string    `db:"category" json:"category"`
	StandardPrice  int64     `db:"standard_price" json:"standard_price"`
	EmergencyPrice *int64    `db:"emergency_price" json:"emergency_price,omitempty"`
	Department     string    `db:"department" json:"department"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}
