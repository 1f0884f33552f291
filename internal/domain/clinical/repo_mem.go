package clinical

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/platform/apperr"
)

// MemoryStore holds consultations, prescriptions and lab requests in memory
// and exposes one repository view per table. Like the Postgres schema it
// allows at most one IN_PROGRESS consultation per patient.
type MemoryStore struct {
	mu            sync.Mutex
	consultations map[uuid.UUID]*Consultation
	prescriptions map[uuid.UUID]*Prescription
	labRequests   map[uuid.UUID]*LabRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		consultations: make(map[uuid.UUID]*Consultation),
		prescriptions: make(map[uuid.UUID]*Prescription),
		labRequests:   make(map[uuid.UUID]*LabRequest),
	}
}

func (s *MemoryStore) Consultations() ConsultationRepository { return memConsultations{s} }
func (s *MemoryStore) Prescriptions() PrescriptionRepository { return memPrescriptions{s} }
func (s *MemoryStore) LabRequests() LabRequestRepository     { return memLabRequests{s} }

func cloneLab(l *LabRequest) *LabRequest {
	cp := *l
	cp.Tests = append([]string(nil), l.Tests...)
	cp.Results = make(map[string]string, len(l.Results))
	for k, v := range l.Results {
		cp.Results[k] = v
	}
	return &cp
}

func completedIn(s *MemoryStore, consultationID uuid.UUID) bool {
	c, ok := s.consultations[consultationID]
	return ok && c.Status == ConsultationCompleted
}

func statusIn(status string, statuses []string) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
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

// -- consultations --

type memConsultations struct{ s *MemoryStore }

func (m memConsultations) Create(_ context.Context, c *Consultation) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if c.Status == ConsultationInProgress {
		for _, other := range m.s.consultations {
			if other.PatientID == c.PatientID && other.Status == ConsultationInProgress {
				return consultationInProgress(c.PatientID)
			}
		}
	}
	c.ID = uuid.New()
	c.StartedAt = time.Now()
	c.UpdatedAt = c.StartedAt
	cp := *c
	m.s.consultations[c.ID] = &cp
	return nil
}

func (m memConsultations) GetByID(_ context.Context, id uuid.UUID) (*Consultation, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.consultations[id]
	if !ok {
		return nil, apperr.NotFound("consultation", id.String())
	}
	cp := *c
	return &cp, nil
}

func (m memConsultations) GetForUpdate(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return m.GetByID(ctx, id)
}

func (m memConsultations) Latest(_ context.Context, patientID uuid.UUID) (*Consultation, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var latest *Consultation
	for _, c := range m.s.consultations {
		if c.PatientID == patientID && (latest == nil || c.StartedAt.After(latest.StartedAt)) {
			latest = c
		}
	}
	if latest == nil {
		return nil, apperr.NotFound("consultation", patientID.String())
	}
	cp := *latest
	return &cp, nil
}

func (m memConsultations) Update(_ context.Context, c *Consultation) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.consultations[c.ID]; !ok {
		return apperr.NotFound("consultation", c.ID.String())
	}
	c.UpdatedAt = time.Now()
	cp := *c
	m.s.consultations[c.ID] = &cp
	return nil
}

func (m memConsultations) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Consultation, int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var items []*Consultation
	for _, c := range m.s.consultations {
		if c.PatientID == patientID {
			cp := *c
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].StartedAt.After(items[j].StartedAt) })
	return page(items, limit, offset), len(items), nil
}

// -- prescriptions --

type memPrescriptions struct{ s *MemoryStore }

func (m memPrescriptions) Create(_ context.Context, p *Prescription) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	cp := *p
	m.s.prescriptions[p.ID] = &cp
	return nil
}

func (m memPrescriptions) GetByID(_ context.Context, id uuid.UUID) (*Prescription, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.prescriptions[id]
	if !ok {
		return nil, apperr.NotFound("prescription", id.String())
	}
	cp := *p
	return &cp, nil
}

func (m memPrescriptions) GetForUpdate(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return m.GetByID(ctx, id)
}

func (m memPrescriptions) Update(_ context.Context, p *Prescription) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.prescriptions[p.ID]; !ok {
		return apperr.NotFound("prescription", p.ID.String())
	}
	cp := *p
	m.s.prescriptions[p.ID] = &cp
	return nil
}

func (m memPrescriptions) ListByConsultation(_ context.Context, consultationID uuid.UUID) ([]*Prescription, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var items []*Prescription
	for _, p := range m.s.prescriptions {
		if p.ConsultationID == consultationID {
			cp := *p
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (m memPrescriptions) ListOutstanding(_ context.Context, patientID uuid.UUID) ([]*Prescription, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var items []*Prescription
	for _, p := range m.s.prescriptions {
		if p.PatientID == patientID && p.Outstanding() && completedIn(m.s, p.ConsultationID) {
			cp := *p
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (m memPrescriptions) ListByStatus(_ context.Context, statuses []string, limit, offset int) ([]*Prescription, int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var items []*Prescription
	for _, p := range m.s.prescriptions {
		if statusIn(p.Status, statuses) && completedIn(m.s, p.ConsultationID) {
			cp := *p
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return page(items, limit, offset), len(items), nil
}

// -- lab requests --

type memLabRequests struct{ s *MemoryStore }

func (m memLabRequests) Create(_ context.Context, l *LabRequest) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	l.ID = uuid.New()
	l.CreatedAt = time.Now()
	if l.Results == nil {
		l.Results = map[string]string{}
	}
	m.s.labRequests[l.ID] = cloneLab(l)
	return nil
}

func (m memLabRequests) GetByID(_ context.Context, id uuid.UUID) (*LabRequest, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	l, ok := m.s.labRequests[id]
	if !ok {
		return nil, apperr.NotFound("lab request", id.String())
	}
	return cloneLab(l), nil
}

func (m memLabRequests) GetForUpdate(ctx context.Context, id uuid.UUID) (*LabRequest, error) {
	return m.GetByID(ctx, id)
}

func (m memLabRequests) Update(_ context.Context, l *LabRequest) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.labRequests[l.ID]; !ok {
		return apperr.NotFound("lab request", l.ID.String())
	}
	m.s.labRequests[l.ID] = cloneLab(l)
	return nil
}

func (m memLabRequests) ListByConsultation(_ context.Context, consultationID uuid.UUID) ([]*LabRequest, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var items []*LabRequest
	for _, l := range m.s.labRequests {
		if l.ConsultationID == consultationID {
			items = append(items, cloneLab(l))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (m memLabRequests) ListByStatus(_ context.Context, statuses []string, limit, offset int) ([]*LabRequest, int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var items []*LabRequest
	for _, l := range m.s.labRequests {
		if statusIn(l.Status, statuses) && completedIn(m.s, l.ConsultationID) {
			items = append(items, cloneLab(l))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return page(items, limit, offset), len(items), nil
}

// Snapshot implements db.Snapshotter. Stored rows are replaced rather than
// mutated on update, so copying the maps is enough.
func (s *MemoryStore) Snapshot() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	consultations := copyMap(s.consultations)
	prescriptions := copyMap(s.prescriptions)
	labs := copyMap(s.labRequests)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.consultations = consultations
		s.prescriptions = prescriptions
		s.labRequests = labs
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
