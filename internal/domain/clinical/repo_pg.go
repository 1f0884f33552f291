package clinical

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgBase struct{ pool *pgxpool.Pool }

func (r *pgBase) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// =========== Consultation Repository ===========

const inProgressIndex = "consultations_one_in_progress_key"

type consultationRepoPG struct{ pgBase }

func NewConsultationRepoPG(pool *pgxpool.Pool) ConsultationRepository {
	return &consultationRepoPG{pgBase{pool: pool}}
}

const consultationCols = `id, patient_id, patient_name, doctor_id, chief_complaint, symptoms,
	diagnosis, treatment_plan, priority, temperature, blood_pressure, heart_rate, weight,
	fee_required, fee_amount, fee_paid, status, started_at, completed_at, updated_at`

func scanConsultation(row pgx.Row) (*Consultation, error) {
	var c Consultation
	err := row.Scan(&c.ID, &c.PatientID, &c.PatientName, &c.DoctorID, &c.ChiefComplaint, &c.Symptoms,
		&c.Diagnosis, &c.TreatmentPlan, &c.Priority, &c.Temperature, &c.BloodPressure, &c.HeartRate, &c.Weight,
		&c.FeeRequired, &c.FeeAmount, &c.FeePaid, &c.Status, &c.StartedAt, &c.CompletedAt, &c.UpdatedAt)
	return &c, err
}

func (r *consultationRepoPG) getOne(ctx context.Context, key, sql string, args ...interface{}) (*Consultation, error) {
	c, err := scanConsultation(r.conn(ctx).QueryRow(ctx, sql, args...))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("consultation", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get consultation %s: %w", key, err)
	}
	return c, nil
}

func (r *consultationRepoPG) Create(ctx context.Context, c *Consultation) error {
	c.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consultations (id, patient_id, patient_name, doctor_id, chief_complaint, symptoms,
			diagnosis, treatment_plan, priority, temperature, blood_pressure, heart_rate, weight,
			fee_required, fee_amount, fee_paid, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING started_at, updated_at`,
		c.ID, c.PatientID, c.PatientName, c.DoctorID, c.ChiefComplaint, c.Symptoms,
		c.Diagnosis, c.TreatmentPlan, c.Priority, c.Temperature, c.BloodPressure, c.HeartRate, c.Weight,
		c.FeeRequired, c.FeeAmount, c.FeePaid, c.Status,
	).Scan(&c.StartedAt, &c.UpdatedAt)
	if db.IsUniqueViolation(err, inProgressIndex) {
		return consultationInProgress(c.PatientID)
	}
	if err != nil {
		return fmt.Errorf("insert consultation: %w", err)
	}
	return nil
}

func (r *consultationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return r.getOne(ctx, id.String(), `SELECT `+consultationCols+` FROM consultations WHERE id = $1`, id)
}

func (r *consultationRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return r.getOne(ctx, id.String(), `SELECT `+consultationCols+` FROM consultations WHERE id = $1 FOR UPDATE`, id)
}

func (r *consultationRepoPG) Latest(ctx context.Context, patientID uuid.UUID) (*Consultation, error) {
	return r.getOne(ctx, patientID.String(), `SELECT `+consultationCols+` FROM consultations
		WHERE patient_id = $1 ORDER BY started_at DESC LIMIT 1`, patientID)
}

func (r *consultationRepoPG) Update(ctx context.Context, c *Consultation) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE consultations SET
			symptoms=$2, diagnosis=$3, treatment_plan=$4, priority=$5,
			temperature=$6, blood_pressure=$7, heart_rate=$8, weight=$9,
			fee_required=$10, fee_amount=$11, fee_paid=$12, status=$13, completed_at=$14,
			updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.Symptoms, c.Diagnosis, c.TreatmentPlan, c.Priority,
		c.Temperature, c.BloodPressure, c.HeartRate, c.Weight,
		c.FeeRequired, c.FeeAmount, c.FeePaid, c.Status, c.CompletedAt,
	).Scan(&c.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFound("consultation", c.ID.String())
	}
	if err != nil {
		return fmt.Errorf("update consultation: %w", err)
	}
	return nil
}

func (r *consultationRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consultation, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM consultations WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count consultations: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+consultationCols+` FROM consultations
		WHERE patient_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list consultations: %w", err)
	}
	defer rows.Close()
	var items []*Consultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

// =========== Prescription Repository ===========

type prescriptionRepoPG struct{ pgBase }

func NewPrescriptionRepoPG(pool *pgxpool.Pool) PrescriptionRepository {
	return &prescriptionRepoPG{pgBase{pool: pool}}
}

const prescriptionCols = `id, consultation_id, patient_id, medication_name, medication_code,
	strength, dosage_form, frequency, dosage_instructions, duration_days,
	quantity_prescribed, quantity_dispensed, unit_price, total_cost, status,
	dispensed_by, dispensed_at, created_at`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(&p.ID, &p.ConsultationID, &p.PatientID, &p.MedicationName, &p.MedicationCode,
		&p.Strength, &p.DosageForm, &p.Frequency, &p.DosageInstructions, &p.DurationDays,
		&p.QuantityPrescribed, &p.QuantityDispensed, &p.UnitPrice, &p.TotalCost, &p.Status,
		&p.DispensedBy, &p.DispensedAt, &p.CreatedAt)
	return &p, err
}

func (r *prescriptionRepoPG) getOne(ctx context.Context, sql string, id uuid.UUID) (*Prescription, error) {
	p, err := scanPrescription(r.conn(ctx).QueryRow(ctx, sql, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("prescription", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get prescription %s: %w", id, err)
	}
	return p, nil
}

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescriptions (id, consultation_id, patient_id, medication_name, medication_code,
			strength, dosage_form, frequency, dosage_instructions, duration_days,
			quantity_prescribed, quantity_dispensed, unit_price, total_cost, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at`,
		p.ID, p.ConsultationID, p.PatientID, p.MedicationName, p.MedicationCode,
		p.Strength, p.DosageForm, p.Frequency, p.DosageInstructions, p.DurationDays,
		p.QuantityPrescribed, p.QuantityDispensed, p.UnitPrice, p.TotalCost, p.Status,
	).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

func (r *prescriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return r.getOne(ctx, `SELECT `+prescriptionCols+` FROM prescriptions WHERE id = $1`, id)
}

func (r *prescriptionRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return r.getOne(ctx, `SELECT `+prescriptionCols+` FROM prescriptions WHERE id = $1 FOR UPDATE`, id)
}

func (r *prescriptionRepoPG) Update(ctx context.Context, p *Prescription) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescriptions SET
			quantity_dispensed=$2, unit_price=$3, total_cost=$4, status=$5,
			dispensed_by=$6, dispensed_at=$7
		WHERE id = $1`,
		p.ID, p.QuantityDispensed, p.UnitPrice, p.TotalCost, p.Status, p.DispensedBy, p.DispensedAt)
	if err != nil {
		return fmt.Errorf("update prescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("prescription", p.ID.String())
	}
	return nil
}

func (r *prescriptionRepoPG) ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*Prescription, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+prescriptionCols+` FROM prescriptions
		WHERE consultation_id = $1 ORDER BY created_at`, consultationID)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *prescriptionRepoPG) ListOutstanding(ctx context.Context, patientID uuid.UUID) ([]*Prescription, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+prescriptionCols+` FROM prescriptions
		WHERE patient_id = $1 AND status IN ($2, $3)
		  AND consultation_id IN (SELECT id FROM consultations WHERE status = $4)
		ORDER BY created_at`,
		patientID, PrescriptionPrescribed, PrescriptionPartiallyDispensed, ConsultationCompleted)
	if err != nil {
		return nil, fmt.Errorf("list outstanding prescriptions: %w", err)
	}
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// ListByStatus only returns prescriptions of completed consultations; open
// consultations have not been billed yet.
func (r *prescriptionRepoPG) ListByStatus(ctx context.Context, statuses []string, limit, offset int) ([]*Prescription, int, error) {
	qb := db.NewSearchQuery("prescriptions", prescriptionCols)
	qb.Add("consultation_id IN (SELECT id FROM consultations WHERE status = 'COMPLETED')")
	qb.AddIn("status", statuses)
	qb.OrderBy("created_at")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count prescriptions: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// =========== Lab Request Repository ===========

type labRequestRepoPG struct{ pgBase }

func NewLabRequestRepoPG(pool *pgxpool.Pool) LabRequestRepository {
	return &labRequestRepoPG{pgBase{pool: pool}}
}

const labRequestCols = `id, consultation_id, patient_id, tests, results, clinical_notes,
	fee_required, fee_paid, status, requested_by, processed_by, created_at, completed_at`

func scanLabRequest(row pgx.Row) (*LabRequest, error) {
	var l LabRequest
	err := row.Scan(&l.ID, &l.ConsultationID, &l.PatientID, &l.Tests, &l.Results, &l.ClinicalNotes,
		&l.FeeRequired, &l.FeePaid, &l.Status, &l.RequestedBy, &l.ProcessedBy, &l.CreatedAt, &l.CompletedAt)
	if l.Results == nil {
		l.Results = map[string]string{}
	}
	return &l, err
}

func (r *labRequestRepoPG) getOne(ctx context.Context, sql string, id uuid.UUID) (*LabRequest, error) {
	l, err := scanLabRequest(r.conn(ctx).QueryRow(ctx, sql, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("lab request", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get lab request %s: %w", id, err)
	}
	return l, nil
}

func (r *labRequestRepoPG) Create(ctx context.Context, l *LabRequest) error {
	l.ID = uuid.New()
	if l.Results == nil {
		l.Results = map[string]string{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_requests (id, consultation_id, patient_id, tests, results, clinical_notes,
			fee_required, fee_paid, status, requested_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at`,
		l.ID, l.ConsultationID, l.PatientID, l.Tests, l.Results, l.ClinicalNotes,
		l.FeeRequired, l.FeePaid, l.Status, l.RequestedBy,
	).Scan(&l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert lab request: %w", err)
	}
	return nil
}

func (r *labRequestRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*LabRequest, error) {
	return r.getOne(ctx, `SELECT `+labRequestCols+` FROM lab_requests WHERE id = $1`, id)
}

func (r *labRequestRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*LabRequest, error) {
	return r.getOne(ctx, `SELECT `+labRequestCols+` FROM lab_requests WHERE id = $1 FOR UPDATE`, id)
}

func (r *labRequestRepoPG) Update(ctx context.Context, l *LabRequest) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_requests SET
			results=$2, fee_required=$3, fee_paid=$4, status=$5, processed_by=$6, completed_at=$7
		WHERE id = $1`,
		l.ID, l.Results, l.FeeRequired, l.FeePaid, l.Status, l.ProcessedBy, l.CompletedAt)
	if err != nil {
		return fmt.Errorf("update lab request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("lab request", l.ID.String())
	}
	return nil
}

func (r *labRequestRepoPG) ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*LabRequest, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+labRequestCols+` FROM lab_requests
		WHERE consultation_id = $1 ORDER BY created_at`, consultationID)
	if err != nil {
		return nil, fmt.Errorf("list lab requests: %w", err)
	}
	defer rows.Close()
	var items []*LabRequest
	for rows.Next() {
		l, err := scanLabRequest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

// ListByStatus only returns requests of completed consultations.
func (r *labRequestRepoPG) ListByStatus(ctx context.Context, statuses []string, limit, offset int) ([]*LabRequest, int, error) {
	qb := db.NewSearchQuery("lab_requests", labRequestCols)
	qb.Add("consultation_id IN (SELECT id FROM consultations WHERE status = 'COMPLETED')")
	qb.AddIn("status", statuses)
	qb.OrderBy("created_at")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count lab requests: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list lab requests: %w", err)
	}
	defer rows.Close()
	var items []*LabRequest
	for rows.Next() {
		l, err := scanLabRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, l)
	}
	return items, total, rows.Err()
}

func consultationInProgress(patientID uuid.UUID) error {
	return apperr.Conflict("patient %s already has a consultation in progress", patientID)
}
