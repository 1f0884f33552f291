package patient

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

const phoneIndex = "patients_phone_active_key"

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &patientRepoPG{pool: pool} }

func (r *patientRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const patientCols = `id, patient_number, full_name, phone_number, date_of_birth, gender,
	patient_type, nhif_card_number, blood_group, allergies, address,
	file_fee_amount, file_fee_paid, current_status, current_location,
	created_by, last_updated_by, created_at, updated_at, archived_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var status string
	err := row.Scan(&p.ID, &p.PatientNumber, &p.FullName, &p.PhoneNumber, &p.DateOfBirth, &p.Gender,
		&p.PatientType, &p.NHIFCardNumber, &p.BloodGroup, &p.Allergies, &p.Address,
		&p.FileFeeAmount, &p.FileFeePaid, &status, &p.CurrentLocation,
		&p.CreatedBy, &p.LastUpdatedBy, &p.CreatedAt, &p.UpdatedAt, &p.ArchivedAt)
	if err != nil {
		return nil, err
	}
	p.CurrentStatus = Status(status)
	return &p, nil
}

func (r *patientRepoPG) getOne(ctx context.Context, key, sql string, arg interface{}) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, sql, arg))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("patient", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get patient %s: %w", key, err)
	}
	return p, nil
}

func (r *patientRepoPG) NextPatientNumber(ctx context.Context) (string, error) {
	var n int64
	if err := r.conn(ctx).QueryRow(ctx, `SELECT nextval('patient_number_seq')`).Scan(&n); err != nil {
		return "", fmt.Errorf("allocate patient number: %w", err)
	}
	return fmt.Sprintf("PAT%d", n), nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (id, patient_number, full_name, phone_number, date_of_birth, gender,
			patient_type, nhif_card_number, blood_group, allergies, address,
			file_fee_amount, file_fee_paid, current_status, current_location,
			created_by, last_updated_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientNumber, p.FullName, p.PhoneNumber, p.DateOfBirth, p.Gender,
		p.PatientType, p.NHIFCardNumber, p.BloodGroup, p.Allergies, p.Address,
		p.FileFeeAmount, p.FileFeePaid, string(p.CurrentStatus), p.CurrentLocation,
		p.CreatedBy, p.LastUpdatedBy,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if db.IsUniqueViolation(err, phoneIndex) {
		return duplicatePhone(p.PhoneNumber)
	}
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.getOne(ctx, id.String(), `SELECT `+patientCols+` FROM patients WHERE id = $1`, id)
}

func (r *patientRepoPG) GetByNumber(ctx context.Context, number string) (*Patient, error) {
	return r.getOne(ctx, number, `SELECT `+patientCols+` FROM patients WHERE patient_number = $1`, number)
}

func (r *patientRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.getOne(ctx, id.String(), `SELECT `+patientCols+` FROM patients WHERE id = $1 FOR UPDATE`, id)
}

func (r *patientRepoPG) PhoneInUse(ctx context.Context, phone string, exclude uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM patients
			WHERE phone_number = $1 AND archived_at IS NULL AND id <> $2)`, phone, exclude).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check phone: %w", err)
	}
	return exists, nil
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patients SET
			full_name=$2, phone_number=$3, date_of_birth=$4, gender=$5, patient_type=$6,
			nhif_card_number=$7, blood_group=$8, allergies=$9, address=$10,
			file_fee_amount=$11, file_fee_paid=$12, current_status=$13, current_location=$14,
			last_updated_by=$15, archived_at=$16, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.FullName, p.PhoneNumber, p.DateOfBirth, p.Gender, p.PatientType,
		p.NHIFCardNumber, p.BloodGroup, p.Allergies, p.Address,
		p.FileFeeAmount, p.FileFeePaid, string(p.CurrentStatus), p.CurrentLocation,
		p.LastUpdatedBy, p.ArchivedAt,
	).Scan(&p.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFound("patient", p.ID.String())
	}
	if db.IsUniqueViolation(err, phoneIndex) {
		return duplicatePhone(p.PhoneNumber)
	}
	if err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	return nil
}

func (r *patientRepoPG) Search(ctx context.Context, f SearchFilter) ([]*Patient, int, error) {
	qb := db.NewSearchQuery("patients", patientCols)
	qb.Add("archived_at IS NULL")
	qb.AddContains(f.Query, "patient_number", "full_name", "phone_number")
	qb.AddEq("current_status", string(f.Status))
	qb.OrderBy("created_at DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(), qb.DataArgs(f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search patients: %w", err)
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		patients = append(patients, p)
	}
	return patients, total, rows.Err()
}

func (r *patientRepoPG) AppendHistory(ctx context.Context, h *StatusHistoryEntry) error {
	h.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_status_history (id, patient_id, previous_status, new_status,
			previous_location, new_location, changed_by, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING changed_at`,
		h.ID, h.PatientID, string(h.PreviousStatus), string(h.NewStatus),
		h.PreviousLocation, h.NewLocation, h.ChangedBy, h.Notes,
	).Scan(&h.ChangedAt)
	if err != nil {
		return fmt.Errorf("append status history: %w", err)
	}
	return nil
}

func (r *patientRepoPG) ListHistory(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*StatusHistoryEntry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM patient_status_history WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count status history: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, previous_status, new_status, previous_location, new_location,
			changed_by, changed_at, notes
		FROM patient_status_history WHERE patient_id = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	var entries []*StatusHistoryEntry
	for rows.Next() {
		var h StatusHistoryEntry
		var prev, next string
		if err := rows.Scan(&h.ID, &h.PatientID, &prev, &next, &h.PreviousLocation, &h.NewLocation,
			&h.ChangedBy, &h.ChangedAt, &h.Notes); err != nil {
			return nil, 0, err
		}
		h.PreviousStatus, h.NewStatus = Status(prev), Status(next)
		entries = append(entries, &h)
	}
	return entries, total, rows.Err()
}

func duplicatePhone(phone string) error {
	return apperr.Validation("phone number is already registered",
		map[string]string{"phone_number": phone})
}
