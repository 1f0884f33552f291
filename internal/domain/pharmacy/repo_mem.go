package pharmacy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/platform/apperr"
)

// MemoryRepo keeps the catalogue and the stock ledger in memory. Rows are
// stored as copies so callers cannot mutate them outside Update.
type MemoryRepo struct {
	mu        sync.Mutex
	byCode    map[string]*Medication
	movements []*StockMovement
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byCode: make(map[string]*Medication)}
}

func (r *MemoryRepo) Create(_ context.Context, m *Medication) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byCode[m.Code]; ok {
		return apperr.Conflict("medication %s already exists", m.Code)
	}
	now := time.Now().UTC()
	m.ID = uuid.New()
	m.CreatedAt, m.UpdatedAt = now, now
	cp := *m
	r.byCode[m.Code] = &cp
	return nil
}

func (r *MemoryRepo) GetByCode(_ context.Context, code string) (*Medication, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byCode[code]
	if !ok {
		return nil, apperr.NotFound("medication", code)
	}
	cp := *m
	return &cp, nil
}

// GetForUpdate relies on the LocalTransactor for isolation.
func (r *MemoryRepo) GetForUpdate(ctx context.Context, code string) (*Medication, error) {
	return r.GetByCode(ctx, code)
}

func (r *MemoryRepo) Update(_ context.Context, m *Medication) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byCode[m.Code]; !ok {
		return apperr.NotFound("medication", m.Code)
	}
	m.UpdatedAt = time.Now().UTC()
	cp := *m
	r.byCode[m.Code] = &cp
	return nil
}

func (r *MemoryRepo) List(_ context.Context, f ListFilter) ([]*Medication, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := strings.ToLower(f.Query)
	var out []*Medication
	for _, m := range r.byCode {
		if !f.IncludeInactive && !m.IsActive {
			continue
		}
		if f.Category != "" && m.Category != f.Category {
			continue
		}
		if f.LowStockOnly && !m.LowStock() {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(m.Code+" "+m.Name+" "+m.GenericName), q) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Code < out[j].Code
	})
	total := len(out)
	return page(out, f.Limit, f.Offset), total, nil
}

func (r *MemoryRepo) AppendMovement(_ context.Context, mv *StockMovement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mv.ID = uuid.New()
	mv.CreatedAt = time.Now().UTC()
	cp := *mv
	r.movements = append(r.movements, &cp)
	return nil
}

// ListMovements returns the newest movements first.
func (r *MemoryRepo) ListMovements(_ context.Context, medicationID uuid.UUID, limit, offset int) ([]*StockMovement, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*StockMovement
	for i := len(r.movements) - 1; i >= 0; i-- {
		if mv := r.movements[i]; mv.MedicationID == medicationID {
			cp := *mv
			out = append(out, &cp)
		}
	}
	total := len(out)
	return page(out, limit, offset), total, nil
}

// Snapshot implements db.Snapshotter.
func (r *MemoryRepo) Snapshot() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	byCode := make(map[string]*Medication, len(r.byCode))
	for k, v := range r.byCode {
		byCode[k] = v
	}
	movements := append([]*StockMovement(nil), r.movements...)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.byCode = byCode
		r.movements = movements
	}
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
