package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/platform/apperr"
)

// MemoryPayments is an in-memory PaymentRepository enforcing the same
// one-active-payment-per-tuple rule as service_payments_active_key.
type MemoryPayments struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*ServicePayment
	counters map[string]int
}

func NewMemoryPayments() *MemoryPayments {
	return &MemoryPayments{payments: make(map[uuid.UUID]*ServicePayment), counters: make(map[string]int)}
}

func clonePayment(p *ServicePayment) *ServicePayment {
	cp := *p
	return &cp
}

func (m *MemoryPayments) active(patientID uuid.UUID, serviceType string, referenceID uuid.UUID, exclude uuid.UUID) *ServicePayment {
	for _, p := range m.payments {
		if p.ID != exclude && p.PatientID == patientID && p.ServiceType == serviceType &&
			p.ReferenceID == referenceID && p.Active() {
			return p
		}
	}
	return nil
}

func (m *MemoryPayments) CreatePending(_ context.Context, p *ServicePayment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active(p.PatientID, p.ServiceType, p.ReferenceID, uuid.Nil) != nil {
		return false, nil
	}
	p.ID = uuid.New()
	p.Status = StatusPending
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.payments[p.ID] = clonePayment(p)
	return true, nil
}

func (m *MemoryPayments) Insert(_ context.Context, p *ServicePayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Active() && m.active(p.PatientID, p.ServiceType, p.ReferenceID, uuid.Nil) != nil {
		return apperr.Conflict("an active %s payment already exists", p.ServiceType)
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.payments[p.ID] = clonePayment(p)
	return nil
}

func (m *MemoryPayments) GetByID(_ context.Context, id uuid.UUID) (*ServicePayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, apperr.NotFound("payment", id.String())
	}
	return clonePayment(p), nil
}

func (m *MemoryPayments) GetForUpdate(ctx context.Context, id uuid.UUID) (*ServicePayment, error) {
	return m.GetByID(ctx, id)
}

func (m *MemoryPayments) GetActive(_ context.Context, patientID uuid.UUID, serviceType string, referenceID uuid.UUID) (*ServicePayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.active(patientID, serviceType, referenceID, uuid.Nil); p != nil {
		return clonePayment(p), nil
	}
	return nil, apperr.NotFound("payment", referenceID.String())
}

func (m *MemoryPayments) Update(_ context.Context, p *ServicePayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return apperr.NotFound("payment", p.ID.String())
	}
	if p.Active() && m.active(p.PatientID, p.ServiceType, p.ReferenceID, p.ID) != nil {
		return apperr.Conflict("payment %s conflicts with an existing payment", p.ID)
	}
	p.UpdatedAt = time.Now()
	m.payments[p.ID] = clonePayment(p)
	return nil
}

func (m *MemoryPayments) List(_ context.Context, f PaymentFilter) ([]*ServicePayment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*ServicePayment
	for _, p := range m.payments {
		switch {
		case f.PatientID != nil && p.PatientID != *f.PatientID,
			f.ReferenceID != nil && p.ReferenceID != *f.ReferenceID,
			f.Status != "" && p.Status != f.Status,
			f.ServiceType != "" && p.ServiceType != f.ServiceType,
			f.From != nil && p.CreatedAt.Before(*f.From),
			f.To != nil && !p.CreatedAt.Before(*f.To):
			continue
		}
		items = append(items, clonePayment(p))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	total := len(items)
	if f.Offset >= len(items) {
		return nil, total, nil
	}
	items = items[f.Offset:]
	if f.Limit > 0 && f.Limit < len(items) {
		items = items[:f.Limit]
	}
	return items, total, nil
}

func (m *MemoryPayments) ListByReference(_ context.Context, referenceID uuid.UUID) ([]*ServicePayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*ServicePayment
	for _, p := range m.payments {
		if p.ReferenceID == referenceID {
			items = append(items, clonePayment(p))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (m *MemoryPayments) NextReceiptSeq(_ context.Context, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := day.Format("2006-01-02")
	m.counters[key]++
	return m.counters[key], nil
}

func (m *MemoryPayments) Summarize(_ context.Context, from, to time.Time) ([]SummaryLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct{ serviceType, method string }
	acc := map[key]*SummaryLine{}
	for _, p := range m.payments {
		if p.Status != StatusPaid || p.PaymentDate == nil ||
			p.PaymentDate.Before(from) || !p.PaymentDate.Before(to) {
			continue
		}
		k := key{serviceType: p.ServiceType}
		if p.PaymentMethod != nil {
			k.method = *p.PaymentMethod
		}
		line, ok := acc[k]
		if !ok {
			line = &SummaryLine{ServiceType: k.serviceType, PaymentMethod: k.method}
			acc[k] = line
		}
		line.Count++
		line.Total += p.Amount
	}
	lines := make([]SummaryLine, 0, len(acc))
	for _, l := range acc {
		lines = append(lines, *l)
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].ServiceType != lines[j].ServiceType {
			return lines[i].ServiceType < lines[j].ServiceType
		}
		return lines[i].PaymentMethod < lines[j].PaymentMethod
	})
	return lines, nil
}

func (m *MemoryPayments) PendingTotals(_ context.Context) (int, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int
	var total int64
	for _, p := range m.payments {
		if p.Status == StatusPending {
			count++
			total += p.Amount
		}
	}
	return count, total, nil
}

// MemoryPrices is an in-memory PriceRepository.
type MemoryPrices struct {
	mu     sync.Mutex
	prices map[string]*ServicePrice
}

func NewMemoryPrices(seed ...*ServicePrice) *MemoryPrices {
	m := &MemoryPrices{prices: make(map[string]*ServicePrice)}
	for _, p := range seed {
		cp := *p
		m.prices[p.ServiceCode] = &cp
	}
	return m
}

func (m *MemoryPrices) Get(_ context.Context, code string) (*ServicePrice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[code]
	if !ok {
		return nil, apperr.NotFound("service price", code)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryPrices) List(_ context.Context, category string, includeInactive bool) ([]*ServicePrice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*ServicePrice
	for _, p := range m.prices {
		if (category == "" || p.Category == category) && (includeInactive || p.IsActive) {
			cp := *p
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Category != items[j].Category {
			return items[i].Category < items[j].Category
		}
		return items[i].ServiceCode < items[j].ServiceCode
	})
	return items, nil
}

func (m *MemoryPrices) Upsert(_ context.Context, p *ServicePrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.UpdatedAt = time.Now()
	cp := *p
	m.prices[p.ServiceCode] = &cp
	return nil
}

func (m *MemoryPrices) Deactivate(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[code]
	if !ok {
		return apperr.NotFound("service price", code)
	}
	cp := *p
	cp.IsActive = false
	cp.UpdatedAt = time.Now()
	m.prices[code] = &cp
	return nil
}

// Snapshot implements db.Snapshotter. The receipt counters roll back too,
// like the receipt_counters row in Postgres.
func (m *MemoryPayments) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	payments := copyMap(m.payments)
	counters := copyMap(m.counters)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.payments = payments
		m.counters = counters
	}
}

// Snapshot implements db.Snapshotter.
func (m *MemoryPrices) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	prices := copyMap(m.prices)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.prices = prices
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
