package patient

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/metrics"
	"github.com/hms/hms/pkg/pagination"
)

var phonePattern = regexp.MustCompile(`^\+?1?\d{9,15}$`)

var validGenders = map[string]bool{GenderMale: true, GenderFemale: true, GenderOther: true}

var validTypes = map[string]bool{TypeNormal: true, TypeNHIF: true}

// Service owns the patient registry. Transition is the only code path that
// writes current_status.
type Service struct {
	repo   Repository
	tx     db.Transactor
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, tx db.Transactor, logger zerolog.Logger) *Service {
	return &Service{repo: repo, tx: tx, logger: logger, now: time.Now}
}

// TransitionRequest describes one status change. Location defaults to the
// target status's department.
type TransitionRequest struct {
	To       Status `json:"status"`
	Location string `json:"location"`
	Actor    string `json:"-"`
	Note     string `json:"note"`
}

// Register validates d, allocates the next patient number and stores the
// patient as REGISTERED together with its first history entry.
func (s *Service) Register(ctx context.Context, d Demographics, fileFee int64, actor string) (*Patient, error) {
	p := &Patient{}
	if err := s.apply(p, d, true); err != nil {
		return nil, err
	}
	p.FileFeeAmount = fileFee
	p.CurrentStatus = StatusRegistered
	p.CurrentLocation = StatusRegistered.DefaultLocation()
	p.CreatedBy = actor
	p.LastUpdatedBy = actor

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		inUse, err := s.repo.PhoneInUse(ctx, p.PhoneNumber, uuid.Nil)
		if err != nil {
			return err
		}
		if inUse {
			return duplicatePhone(p.PhoneNumber)
		}
		if p.PatientNumber, err = s.repo.NextPatientNumber(ctx); err != nil {
			return err
		}
		if err := s.repo.Create(ctx, p); err != nil {
			return err
		}
		return s.repo.AppendHistory(ctx, &StatusHistoryEntry{
			PatientID:   p.ID,
			NewStatus:   StatusRegistered,
			NewLocation: p.CurrentLocation,
			ChangedBy:   actor,
			Notes:       "Patient registered",
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordPatientRegistered(p.PatientType)
	s.logger.Info().Str("patient_id", p.PatientNumber).Str("patient_type", p.PatientType).
		Str("actor", actor).Msg("patient registered")
	return p, nil
}

// Lock reads the patient with a row lock. Callers must be inside InTx.
func (s *Service) Lock(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetForUpdate(ctx, id)
}

// Transition moves the patient along one edge of the workflow table.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, req TransitionRequest) (*Patient, error) {
	if !req.To.Valid() {
		return nil, apperr.Validation("unknown status", map[string]string{"status": string(req.To)})
	}
	var out *Patient
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.ArchivedAt != nil {
			return apperr.Conflict("patient %s is archived", p.PatientNumber)
		}
		from := p.CurrentStatus
		if !CanTransition(from, req.To) {
			return apperr.InvalidTransition(string(from), string(req.To))
		}
		if from == StatusRegistered && !p.FileFeePaid {
			return apperr.Conflict("file fee for %s has not been settled", p.PatientNumber)
		}

		prevLocation := p.CurrentLocation
		p.CurrentStatus = req.To
		p.CurrentLocation = req.Location
		if p.CurrentLocation == "" {
			p.CurrentLocation = req.To.DefaultLocation()
		}
		p.LastUpdatedBy = req.Actor
		if err := s.repo.Update(ctx, p); err != nil {
			return err
		}
		if err := s.repo.AppendHistory(ctx, &StatusHistoryEntry{
			PatientID:        p.ID,
			PreviousStatus:   from,
			NewStatus:        req.To,
			PreviousLocation: prevLocation,
			NewLocation:      p.CurrentLocation,
			ChangedBy:        req.Actor,
			Notes:            req.Note,
		}); err != nil {
			return err
		}
		metrics.RecordTransition(string(from), string(req.To))
		s.logger.Info().Str("patient_id", p.PatientNumber).Str("from", string(from)).
			Str("to", string(req.To)).Str("actor", req.Actor).Msg("patient status changed")
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkFileFeePaid records that the registration fee is settled or waived.
func (s *Service) MarkFileFeePaid(ctx context.Context, id uuid.UUID, actor string) (*Patient, error) {
	var out *Patient
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.FileFeePaid {
			out = p
			return nil
		}
		p.FileFeePaid = true
		p.LastUpdatedBy = actor
		if err := s.repo.Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByNumber looks a patient up by the human-facing PAT<n> identifier.
func (s *Service) GetByNumber(ctx context.Context, number string) (*Patient, error) {
	return s.repo.GetByNumber(ctx, strings.ToUpper(strings.TrimSpace(number)))
}

func (s *Service) Search(ctx context.Context, f SearchFilter) ([]*Summary, int, error) {
	pg := pagination.New(f.Limit, f.Offset)
	f.Limit, f.Offset = pg.Limit, pg.Offset
	f.Query = strings.TrimSpace(f.Query)
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.Validation("unknown status", map[string]string{"status": string(f.Status)})
	}
	patients, total, err := s.repo.Search(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Summary, 0, len(patients))
	for _, p := range patients {
		out = append(out, p.Summary())
	}
	return out, total, nil
}

func (s *Service) History(ctx context.Context, id uuid.UUID, limit, offset int) ([]*StatusHistoryEntry, int, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, 0, err
	}
	pg := pagination.New(limit, offset)
	return s.repo.ListHistory(ctx, id, pg.Limit, pg.Offset)
}

// UpdateDemographics applies the non-nil fields of d. Status and fees are
// not reachable from here.
func (s *Service) UpdateDemographics(ctx context.Context, id uuid.UUID, d Demographics, actor string) (*Patient, error) {
	var out *Patient
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.ArchivedAt != nil {
			return apperr.Conflict("patient %s is archived", p.PatientNumber)
		}
		if err := s.apply(p, d, false); err != nil {
			return err
		}
		inUse, err := s.repo.PhoneInUse(ctx, p.PhoneNumber, p.ID)
		if err != nil {
			return err
		}
		if inUse {
			return duplicatePhone(p.PhoneNumber)
		}
		p.LastUpdatedBy = actor
		if err := s.repo.Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// Archive soft-deletes a patient who is not mid-visit.
func (s *Service) Archive(ctx context.Context, id uuid.UUID, actor string) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.ArchivedAt != nil {
			return nil
		}
		switch p.CurrentStatus {
		case StatusRegistered, StatusCompleted, StatusDischarged:
		default:
			return apperr.Conflict("patient %s has an active visit (%s)", p.PatientNumber, p.CurrentStatus)
		}
		now := s.now()
		p.ArchivedAt = &now
		p.LastUpdatedBy = actor
		return s.repo.Update(ctx, p)
	})
}

// apply copies d onto p and validates the result. On create every required
// field must be present.
func (s *Service) apply(p *Patient, d Demographics, create bool) error {
	details := map[string]string{}

	if d.FullName != nil {
		p.FullName = strings.TrimSpace(*d.FullName)
	}
	if d.PhoneNumber != nil {
		p.PhoneNumber = strings.ReplaceAll(strings.TrimSpace(*d.PhoneNumber), " ", "")
	}
	if d.Gender != nil {
		p.Gender = strings.ToUpper(strings.TrimSpace(*d.Gender))
	}
	if d.PatientType != nil {
		p.PatientType = strings.ToUpper(strings.TrimSpace(*d.PatientType))
	} else if create {
		p.PatientType = TypeNormal
	}
	if d.NHIFCardNumber != nil {
		p.NHIFCardNumber = optional(*d.NHIFCardNumber)
	}
	if d.BloodGroup != nil {
		p.BloodGroup = optional(*d.BloodGroup)
	}
	if d.Allergies != nil {
		p.Allergies = optional(*d.Allergies)
	}
	if d.Address != nil {
		p.Address = optional(*d.Address)
	}
	if d.DateOfBirth != nil {
		if v := strings.TrimSpace(*d.DateOfBirth); v == "" {
			p.DateOfBirth = nil
		} else if dob, err := time.Parse("2006-01-02", v); err != nil {
			details["date_of_birth"] = "must be YYYY-MM-DD"
		} else if dob.After(s.now()) {
			details["date_of_birth"] = "cannot be in the future"
		} else {
			p.DateOfBirth = &dob
		}
	}

	if p.FullName == "" {
		details["full_name"] = "is required"
	}
	if !phonePattern.MatchString(p.PhoneNumber) {
		details["phone_number"] = "must be 9 to 15 digits, optionally prefixed with +"
	}
	if !validGenders[p.Gender] {
		details["gender"] = "must be MALE, FEMALE or OTHER"
	}
	if !validTypes[p.PatientType] {
		details["patient_type"] = "must be NORMAL or NHIF"
	}
	if p.PatientType == TypeNHIF && p.NHIFCardNumber == nil {
		details["nhif_card_number"] = "is required for NHIF patients"
	}

	if len(details) > 0 {
		return apperr.Validation("invalid patient details", details)
	}
	return nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
