package billing

import (
	"context"
	"fmt"
	"time"

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

// =========== Payment Repository ===========

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository { return &paymentRepoPG{pool: pool} }

func (r *paymentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const paymentCols = `id, patient_id, patient_name, service_type, service_name, reference_id,
	amount, status, payment_method, receipt_number, payment_date,
	created_by, processed_by, notes, created_at, updated_at`

func scanPayment(row pgx.Row) (*ServicePayment, error) {
	var p ServicePayment
	err := row.Scan(&p.ID, &p.PatientID, &p.PatientName, &p.ServiceType, &p.ServiceName, &p.ReferenceID,
		&p.Amount, &p.Status, &p.PaymentMethod, &p.ReceiptNumber, &p.PaymentDate,
		&p.CreatedBy, &p.ProcessedBy, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *paymentRepoPG) getOne(ctx context.Context, key, sql string, args ...interface{}) (*ServicePayment, error) {
	p, err := scanPayment(r.conn(ctx).QueryRow(ctx, sql, args...))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("payment", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", key, err)
	}
	return p, nil
}

func (r *paymentRepoPG) CreatePending(ctx context.Context, p *ServicePayment) (bool, error) {
	id := uuid.New()
	var createdAt, updatedAt time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO service_payments (id, patient_id, patient_name, service_type, service_name,
			reference_id, amount, status, created_by, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'PENDING',$8,$9)
		ON CONFLICT (patient_id, service_type, reference_id) WHERE status IN ('PENDING', 'PAID')
		DO NOTHING
		RETURNING created_at, updated_at`,
		id, p.PatientID, p.PatientName, p.ServiceType, p.ServiceName,
		p.ReferenceID, p.Amount, p.CreatedBy, p.Notes,
	).Scan(&createdAt, &updatedAt)
	if db.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	p.ID, p.Status, p.CreatedAt, p.UpdatedAt = id, StatusPending, createdAt, updatedAt
	return true, nil
}

func (r *paymentRepoPG) Insert(ctx context.Context, p *ServicePayment) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO service_payments (id, patient_id, patient_name, service_type, service_name,
			reference_id, amount, status, payment_method, receipt_number, payment_date,
			created_by, processed_by, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.PatientName, p.ServiceType, p.ServiceName,
		p.ReferenceID, p.Amount, p.Status, p.PaymentMethod, p.ReceiptNumber, p.PaymentDate,
		p.CreatedBy, p.ProcessedBy, p.Notes,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if db.IsUniqueViolation(err, "") {
		return apperr.Conflict("an active %s payment already exists", p.ServiceType)
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *paymentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ServicePayment, error) {
	return r.getOne(ctx, id.String(), `SELECT `+paymentCols+` FROM service_payments WHERE id = $1`, id)
}

func (r *paymentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*ServicePayment, error) {
	return r.getOne(ctx, id.String(), `SELECT `+paymentCols+` FROM service_payments WHERE id = $1 FOR UPDATE`, id)
}

func (r *paymentRepoPG) GetActive(ctx context.Context, patientID uuid.UUID, serviceType string, referenceID uuid.UUID) (*ServicePayment, error) {
	return r.getOne(ctx, referenceID.String(), `SELECT `+paymentCols+` FROM service_payments
		WHERE patient_id = $1 AND service_type = $2 AND reference_id = $3
			AND status IN ('PENDING', 'PAID')`, patientID, serviceType, referenceID)
}

func (r *paymentRepoPG) Update(ctx context.Context, p *ServicePayment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE service_payments SET
			status=$2, payment_method=$3, receipt_number=$4, payment_date=$5,
			processed_by=$6, notes=$7, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.Status, p.PaymentMethod, p.ReceiptNumber, p.PaymentDate, p.ProcessedBy, p.Notes,
	).Scan(&p.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFound("payment", p.ID.String())
	}
	if db.IsUniqueViolation(err, "") {
		return apperr.Conflict("payment %s conflicts with an existing payment", p.ID)
	}
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return nil
}

func (r *paymentRepoPG) List(ctx context.Context, f PaymentFilter) ([]*ServicePayment, int, error) {
	qb := db.NewSearchQuery("service_payments", paymentCols)
	if f.PatientID != nil {
		qb.Add(fmt.Sprintf("patient_id = $%d", qb.Idx()), *f.PatientID)
	}
	if f.ReferenceID != nil {
		qb.Add(fmt.Sprintf("reference_id = $%d", qb.Idx()), *f.ReferenceID)
	}
	qb.AddEq("status", f.Status)
	qb.AddEq("service_type", f.ServiceType)
	if f.From != nil {
		qb.Add(fmt.Sprintf("created_at >= $%d", qb.Idx()), *f.From)
	}
	if f.To != nil {
		qb.Add(fmt.Sprintf("created_at < $%d", qb.Idx()), *f.To)
	}
	qb.OrderBy("created_at DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(), qb.DataArgs(f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()
	var items []*ServicePayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *paymentRepoPG) ListByReference(ctx context.Context, referenceID uuid.UUID) ([]*ServicePayment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+paymentCols+` FROM service_payments
		WHERE reference_id = $1 ORDER BY created_at`, referenceID)
	if err != nil {
		return nil, fmt.Errorf("list payments by reference: %w", err)
	}
	defer rows.Close()
	var items []*ServicePayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *paymentRepoPG) NextReceiptSeq(ctx context.Context, day time.Time) (int, error) {
	var seq int
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO receipt_counters (day, seq) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET seq = receipt_counters.seq + 1
		RETURNING seq`, day.Format("2006-01-02")).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next receipt number: %w", err)
	}
	return seq, nil
}

func (r *paymentRepoPG) Summarize(ctx context.Context, from, to time.Time) ([]SummaryLine, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT service_type, COALESCE(payment_method, ''), COUNT(*), COALESCE(SUM(amount), 0)
		FROM service_payments
		WHERE status = 'PAID' AND payment_date >= $1 AND payment_date < $2
		GROUP BY service_type, payment_method
		ORDER BY service_type, payment_method`, from, to)
	if err != nil {
		return nil, fmt.Errorf("summarize payments: %w", err)
	}
	defer rows.Close()
	var lines []SummaryLine
	for rows.Next() {
		var l SummaryLine
		if err := rows.Scan(&l.ServiceType, &l.PaymentMethod, &l.Count, &l.Total); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *paymentRepoPG) PendingTotals(ctx context.Context) (int, int64, error) {
	var count int
	var total int64
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM service_payments WHERE status = 'PENDING'`).Scan(&count, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("pending totals: %w", err)
	}
	return count, total, nil
}

// =========== Price Repository ===========

type priceRepoPG struct{ pool *pgxpool.Pool }

func NewPriceRepoPG(pool *pgxpool.Pool) PriceRepository { return &priceRepoPG{pool: pool} }

func (r *priceRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const priceCols = `service_code, service_name, category, standard_price, emergency_price,
	department, is_active, updated_at`

func scanPrice(row pgx.Row) (*ServicePrice, error) {
	var p ServicePrice
	err := row.Scan(&p.ServiceCode, &p.ServiceName, &p.Category, &p.StandardPrice, &p.EmergencyPrice,
		&p.Department, &p.IsActive, &p.UpdatedAt)
	return &p, err
}

func (r *priceRepoPG) Get(ctx context.Context, code string) (*ServicePrice, error) {
	p, err := scanPrice(r.conn(ctx).QueryRow(ctx, `SELECT `+priceCols+` FROM service_prices WHERE service_code = $1`, code))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("service price", code)
	}
	if err != nil {
		return nil, fmt.Errorf("get price %s: %w", code, err)
	}
	return p, nil
}

func (r *priceRepoPG) List(ctx context.Context, category string, includeInactive bool) ([]*ServicePrice, error) {
	qb := db.NewSearchQuery("service_prices", priceCols)
	qb.AddEq("category", category)
	if !includeInactive {
		qb.Add("is_active")
	}
	qb.OrderBy("category, service_code")
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(), qb.DataArgs(1000, 0)...)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	defer rows.Close()
	var items []*ServicePrice
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *priceRepoPG) Upsert(ctx context.Context, p *ServicePrice) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO service_prices (service_code, service_name, category, standard_price,
			emergency_price, department, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (service_code) DO UPDATE SET
			service_name = EXCLUDED.service_name, category = EXCLUDED.category,
			standard_price = EXCLUDED.standard_price, emergency_price = EXCLUDED.emergency_price,
			department = EXCLUDED.department, is_active = EXCLUDED.is_active, updated_at = NOW()
		RETURNING updated_at`,
		p.ServiceCode, p.ServiceName, p.Category, p.StandardPrice,
		p.EmergencyPrice, p.Department, p.IsActive,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert price: %w", err)
	}
	return nil
}

func (r *priceRepoPG) Deactivate(ctx context.Context, code string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE service_prices SET is_active = FALSE, updated_at = NOW() WHERE service_code = $1`, code)
	if err != nil {
		return fmt.Errorf("deactivate price: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("service price", code)
	}
	return nil
}
