package clinical

import (
	"time"

	"github.com/google/uuid"
)

const (
	ConsultationInProgress = "IN_PROGRESS"
	ConsultationCompleted  = "COMPLETED"
	ConsultationCancelled  = "CANCELLED"

	PriorityNormal    = "NORMAL"
	PriorityUrgent    = "URGENT"
	PriorityEmergency = "EMERGENCY"
)

type Consultation struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PatientID      uuid.UUID  `db:"patient_id" json:"patient_id"`
	PatientName    string     `db:"patient_name" json:"patient_name"`
	DoctorID       string     `db:"doctor_id" json:"doctor_id"`
	ChiefComplaint string     `db:"chief_complaint" json:"chief_complaint"`
	Symptoms       string     `db:"symptoms" json:"symptoms"`
	Diagnosis      string     `db:"diagnosis" json:"diagnosis"`
	TreatmentPlan  string     `db:"treatment_plan" json:"treatment_plan"`
	Priority       string     `db:"priority" json:"priority"`
	Temperature    *float64   `db:"temperature" json:"temperature,omitempty"`
	BloodPressure  *string    `db:"blood_pressure" json:"blood_pressure,omitempty"`
	HeartRate      *int       `db:"heart_rate" json:"heart_rate,omitempty"`
	Weight         *float64   `db:"weight" json:"weight,omitempty"`
	FeeRequired    bool       `db:"fee_required" json:"fee_required"`
	FeeAmount      int64      `db:"fee_amount" json:"fee_amount"`
	FeePaid        bool       `db:"fee_paid" json:"fee_paid"`
	Status         string     `db:"status" json:"status"`
	StartedAt      time.Time  `db:"started_at" json:"started_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// ConsultationDetail is a consultation with everything attached to it.
type ConsultationDetail struct {
	*Consultation
	Prescriptions []*Prescription `json:"prescriptions"`
	LabRequests   []*LabRequest   `json:"lab_requests"`
}

// ClinicalNotes are the doctor-editable fields of an open consultation.
// Nil fields are left unchanged.
type ClinicalNotes struct {
	Symptoms      *string  `json:"symptoms"`
	Diagnosis     *string  `json:"diagnosis"`
	TreatmentPlan *string  `json:"treatment_plan"`
	Temperature   *float64 `json:"temperature"`
	BloodPressure *string  `json:"blood_pressure"`
	HeartRate     *int     `json:"heart_rate"`
	Weight        *float64 `json:"weight"`
}

func (n ClinicalNotes) applyTo(c *Consultation) {
	if n.Symptoms != nil {
		c.Symptoms = *n.Symptoms
	}
	if n.Diagnosis != nil {
		c.Diagnosis = *n.Diagnosis
	}
	if n.TreatmentPlan != nil {
		c.TreatmentPlan = *n.TreatmentPlan
	}
	if n.Temperature != nil {
		c.Temperature = n.Temperature
	}
	if n.BloodPressure != nil {
		c.BloodPressure = n.BloodPressure
	}
	if n.HeartRate != nil {
		c.HeartRate = n.HeartRate
	}
	if n.Weight != nil {
		c.Weight = n.Weight
	}
}

const (
	PrescriptionPrescribed         = "PRESCRIBED"
	PrescriptionPartiallyDispensed = "PARTIALLY_DISPENSED"
	PrescriptionDispensed          = "DISPENSED"
	PrescriptionCancelled          = "CANCELLED"
)

var validFrequencies = map[string]bool{
	"ONCE_DAILY": true, "TWICE_DAILY": true, "THREE_TIMES_DAILY": true,
	"FOUR_TIMES_DAILY": true, "AS_NEEDED": true, "CUSTOM": true,
}

type Prescription struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	ConsultationID     uuid.UUID  `db:"consultation_id" json:"consultation_id"`
	PatientID          uuid.UUID  `db:"patient_id" json:"patient_id"`
	MedicationName     string     `db:"medication_name" json:"medication_name"`
	MedicationCode     string     `db:"medication_code" json:"medication_code,omitempty"`
	Strength           string     `db:"strength" json:"strength,omitempty"`
	DosageForm         string     `db:"dosage_form" json:"dosage_form,omitempty"`
	Frequency          string     `db:"frequency" json:"frequency"`
	DosageInstructions string     `db:"dosage_instructions" json:"dosage_instructions,omitempty"`
	DurationDays       int        `db:"duration_days" json:"duration_days"`
	QuantityPrescribed int        `db:"quantity_prescribed" json:"quantity_prescribed"`
	QuantityDispensed  int        `db:"quantity_dispensed" json:"quantity_dispensed"`
	UnitPrice          int64      `db:"unit_price" json:"unit_price"`
	TotalCost          int64      `db:"total_cost" json:"total_cost"`
	Status             string     `db:"status" json:"status"`
	DispensedBy        *string    `db:"dispensed_by" json:"dispensed_by,omitempty"`
	DispensedAt        *time.Time `db:"dispensed_at" json:"dispensed_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
}

// Remaining is the quantity still to be handed over.
func (p *Prescription) Remaining() int {
	return p.QuantityPrescribed - p.QuantityDispensed
}

// Billable reports whether the prescription counts toward the medication charge.
func (p *Prescription) Billable() bool {
	return p.Status != PrescriptionCancelled
}

// Outstanding reports whether the pharmacy still owes the patient medication.
func (p *Prescription) Outstanding() bool {
	return p.Status == PrescriptionPrescribed || p.Status == PrescriptionPartiallyDispensed
}

const (
	LabRequested  = "REQUESTED"
	LabInProgress = "IN_PROGRESS"
	LabCompleted  = "COMPLETED"
	LabCancelled  = "CANCELLED"
)

type LabRequest struct {
	ID             uuid.UUID         `db:"id" json:"id"`
	ConsultationID uuid.UUID         `db:"consultation_id" json:"consultation_id"`
	PatientID      uuid.UUID         `db:"patient_id" json:"patient_id"`
	Tests          []string          `db:"tests" json:"tests"`
	Results        map[string]string `db:"results" json:"results"`
	ClinicalNotes  string            `db:"clinical_notes" json:"clinical_notes,omitempty"`
	FeeRequired    bool              `db:"fee_required" json:"fee_required"`
	FeePaid        bool              `db:"fee_paid" json:"fee_paid"`
	Status         string            `db:"status" json:"status"`
	RequestedBy    string            `db:"requested_by" json:"requested_by"`
	ProcessedBy    *string           `db:"processed_by" json:"processed_by,omitempty"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	CompletedAt    *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
}

// Open reports whether the lab still has work to do on this request.
func (l *LabRequest) Open() bool {
	return l.Status == LabRequested || l.Status == LabInProgress
}

// LabTest is one orderable test and the price-table code it bills under.
type LabTest struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

var labTests = map[string]LabTest{
	"mrdt":              {"mrdt", "LAB_MRDT", "mRDT (Malaria)"},
	"bs":                {"bs", "LAB_BS", "Blood Slide"},
	"stool":             {"stool", "LAB_STOOL_ANALYSIS", "Stool Analysis"},
	"urine_sed":         {"urine_sed", "LAB_URINE_SED", "Urine Sediment"},
	"urinalysis":        {"urinalysis", "LAB_URINALYSIS", "Urinalysis"},
	"rpr":               {"rpr", "LAB_RPR", "RPR (Syphilis)"},
	"h_pylori":          {"h_pylori", "LAB_H_PYLORI", "H. pylori"},
	"hepatitis_b":       {"hepatitis_b", "LAB_HEPATITIS_B", "Hepatitis B"},
	"hepatitis_c":       {"hepatitis_c", "LAB_HEPATITIS_C", "Hepatitis C"},
	"ssat":              {"ssat", "LAB_SSAT", "SSAT"},
	"upt":               {"upt", "LAB_UPT", "Urine Pregnancy Test"},
	"glucose":           {"glucose", "LAB_BLOOD_SUGAR", "Blood Sugar"},
	"esr":               {"esr", "LAB_ESR", "ESR"},
	"b_grouping":        {"b_grouping", "LAB_BLOOD_GROUPING", "Blood Grouping"},
	"hb":                {"hb", "LAB_HB", "Haemoglobin"},
	"rheumatoid_factor": {"rheumatoid_factor", "LAB_RF", "Rheumatoid Factor"},
	"rbg":               {"rbg", "LAB_RBG", "Random Blood Glucose"},
	"fbg":               {"fbg", "LAB_FBG", "Fasting Blood Glucose"},
	"sickling_test":     {"sickling_test", "LAB_SICKLING_TEST", "Sickling Test"},
}

// LookupLabTest resolves a test id from the catalogue.
func LookupLabTest(id string) (LabTest, bool) {
	t, ok := labTests[id]
	return t, ok
}

// PrescriptionInput is what a doctor submits to prescribe.
type PrescriptionInput struct {
	MedicationName     string `json:"medication_name"`
	MedicationCode     string `json:"medication_code"`
	Strength           string `json:"strength"`
	DosageForm         string `json:"dosage_form"`
	Frequency          string `json:"frequency"`
	DosageInstructions string `json:"dosage_instructions"`
	DurationDays       int    `json:"duration_days"`
	QuantityPrescribed int    `json:"quantity_prescribed"`
	UnitPrice          int64  `json:"unit_price"`
}

// LabRequestInput is what a doctor submits to order tests.
type LabRequestInput struct {
	Tests         []string `json:"tests"`
	ClinicalNotes string   `json:"clinical_notes"`
	FeeRequired   *bool    `json:"fee_required"`
}
