package pharmacy

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

const codeIndex = "medications_code_key"

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// =========== Medications ===========

const medicationCols = `id, code, name, generic_name, manufacturer, category, current_stock,
	reorder_level, supplier, last_restocked, is_active, created_by, created_at, updated_at`

func scanMedication(row pgx.Row) (*Medication, error) {
	var m Medication
	err := row.Scan(&m.ID, &m.Code, &m.Name, &m.GenericName, &m.Manufacturer, &m.Category, &m.CurrentStock,
		&m.ReorderLevel, &m.Supplier, &m.LastRestocked, &m.IsActive, &m.CreatedBy, &m.CreatedAt, &m.UpdatedAt)
	return &m, err
}

func (r *repoPG) getOne(ctx context.Context, sql, code string) (*Medication, error) {
	m, err := scanMedication(r.conn(ctx).QueryRow(ctx, sql, code))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("medication", code)
	}
	if err != nil {
		return nil, fmt.Errorf("get medication %s: %w", code, err)
	}
	return m, nil
}

func (r *repoPG) Create(ctx context.Context, m *Medication) error {
	m.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medications (id, code, name, generic_name, manufacturer, category, current_stock,
			reorder_level, supplier, last_restocked, is_active, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		m.ID, m.Code, m.Name, m.GenericName, m.Manufacturer, m.Category, m.CurrentStock,
		m.ReorderLevel, m.Supplier, m.LastRestocked, m.IsActive, m.CreatedBy,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if db.IsUniqueViolation(err, codeIndex) {
		return apperr.Conflict("medication %s already exists", m.Code)
	}
	if err != nil {
		return fmt.Errorf("insert medication: %w", err)
	}
	return nil
}

func (r *repoPG) GetByCode(ctx context.Context, code string) (*Medication, error) {
	return r.getOne(ctx, `SELECT `+medicationCols+` FROM medications WHERE code = $1`, code)
}

func (r *repoPG) GetForUpdate(ctx context.Context, code string) (*Medication, error) {
	return r.getOne(ctx, `SELECT `+medicationCols+` FROM medications WHERE code = $1 FOR UPDATE`, code)
}

func (r *repoPG) Update(ctx context.Context, m *Medication) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE medications SET name = $2, generic_name = $3, manufacturer = $4, category = $5,
			current_stock = $6, reorder_level = $7, supplier = $8, last_restocked = $9,
			is_active = $10, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		m.ID, m.Name, m.GenericName, m.Manufacturer, m.Category,
		m.CurrentStock, m.ReorderLevel, m.Supplier, m.LastRestocked, m.IsActive,
	).Scan(&m.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFound("medication", m.Code)
	}
	if err != nil {
		return fmt.Errorf("update medication %s: %w", m.Code, err)
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter) ([]*Medication, int, error) {
	qb := db.NewSearchQuery("medications", medicationCols)
	qb.AddContains(f.Query, "code", "name", "generic_name")
	qb.AddEq("category", f.Category)
	if !f.IncludeInactive {
		qb.Add("is_active")
	}
	if f.LowStockOnly {
		qb.Add("current_stock <= reorder_level")
	}
	qb.OrderBy("name, code")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count medications: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(), qb.DataArgs(f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list medications: %w", err)
	}
	defer rows.Close()
	var items []*Medication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

// =========== Stock Movements ===========

const movementCols = `id, medication_id, medication_code, movement_type, quantity, previous_stock,
	new_stock, reference_id, performed_by, notes, created_at`

func (r *repoPG) AppendMovement(ctx context.Context, mv *StockMovement) error {
	mv.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO stock_movements (id, medication_id, medication_code, movement_type, quantity,
			previous_stock, new_stock, reference_id, performed_by, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at`,
		mv.ID, mv.MedicationID, mv.MedicationCode, mv.MovementType, mv.Quantity,
		mv.PreviousStock, mv.NewStock, mv.ReferenceID, mv.PerformedBy, mv.Notes,
	).Scan(&mv.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert stock movement: %w", err)
	}
	return nil
}

func (r *repoPG) ListMovements(ctx context.Context, medicationID uuid.UUID, limit, offset int) ([]*StockMovement, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM stock_movements WHERE medication_id = $1`, medicationID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count stock movements: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+movementCols+` FROM stock_movements
		WHERE medication_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, medicationID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list stock movements: %w", err)
	}
	defer rows.Close()
	var items []*StockMovement
	for rows.Next() {
		var mv StockMovement
		if err := rows.Scan(&mv.ID, &mv.MedicationID, &mv.MedicationCode, &mv.MovementType, &mv.Quantity,
			&mv.PreviousStock, &mv.NewStock, &mv.ReferenceID, &mv.PerformedBy, &mv.Notes, &mv.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &mv)
	}
	return items, total, rows.Err()
}
