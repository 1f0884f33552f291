package patient

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/platform/apperr"
)

// MemoryRepo is an in-memory Repository. It enforces the same phone
// uniqueness as the Postgres index and hands out copies so callers cannot
// mutate stored rows without calling Update. Pair it with
// db.LocalTransactor for row-lock semantics.
type MemoryRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*Patient
	history  []*StatusHistoryEntry
	seq      int64
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{patients: make(map[uuid.UUID]*Patient)}
}

func clonePatient(p *Patient) *Patient {
	cp := *p
	return &cp
}

func (m *MemoryRepo) NextPatientNumber(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return fmt.Sprintf("PAT%d", m.seq), nil
}

func (m *MemoryRepo) phoneTaken(phone string, exclude uuid.UUID) bool {
	for _, p := range m.patients {
		if p.ID != exclude && p.ArchivedAt == nil && p.PhoneNumber == phone {
			return true
		}
	}
	return false
}

func (m *MemoryRepo) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phoneTaken(p.PhoneNumber, uuid.Nil) {
		return duplicatePhone(p.PhoneNumber)
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.patients[p.ID] = clonePatient(p)
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, apperr.NotFound("patient", id.String())
	}
	return clonePatient(p), nil
}

func (m *MemoryRepo) GetByNumber(_ context.Context, number string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.PatientNumber == number {
			return clonePatient(p), nil
		}
	}
	return nil, apperr.NotFound("patient", number)
}

func (m *MemoryRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return m.GetByID(ctx, id)
}

func (m *MemoryRepo) PhoneInUse(_ context.Context, phone string, exclude uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phoneTaken(phone, exclude), nil
}

func (m *MemoryRepo) Update(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.patients[p.ID]
	if !ok {
		return apperr.NotFound("patient", p.ID.String())
	}
	if p.ArchivedAt == nil && m.phoneTaken(p.PhoneNumber, p.ID) {
		return duplicatePhone(p.PhoneNumber)
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now()
	m.patients[p.ID] = clonePatient(p)
	return nil
}

func (m *MemoryRepo) Search(_ context.Context, f SearchFilter) ([]*Patient, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLower(f.Query)
	var matched []*Patient
	for _, p := range m.patients {
		if p.ArchivedAt != nil {
			continue
		}
		if f.Status != "" && p.CurrentStatus != f.Status {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(p.PatientNumber), q) &&
			!strings.Contains(strings.ToLower(p.FullName), q) &&
			!strings.Contains(p.PhoneNumber, q) {
			continue
		}
		matched = append(matched, clonePatient(p))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return page(matched, f.Limit, f.Offset), len(matched), nil
}

func (m *MemoryRepo) AppendHistory(_ context.Context, h *StatusHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.ID = uuid.New()
	h.ChangedAt = time.Now()
	cp := *h
	m.history = append(m.history, &cp)
	return nil
}

// ListHistory returns entries newest first.
func (m *MemoryRepo) ListHistory(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*StatusHistoryEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []*StatusHistoryEntry
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].PatientID == patientID {
			cp := *m.history[i]
			entries = append(entries, &cp)
		}
	}
	return page(entries, limit, offset), len(entries), nil
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

// Snapshot implements db.Snapshotter. Patient numbers are not returned on
// rollback, the same as a Postgres sequence.
func (m *MemoryRepo) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	patients := make(map[uuid.UUID]*Patient, len(m.patients))
	for id, p := range m.patients {
		patients[id] = p
	}
	history := append([]*StatusHistoryEntry(nil), m.history...)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.patients = patients
		m.history = history
	}
}
