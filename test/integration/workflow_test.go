package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/domain/clinical"
	"github.com/hms/hms/internal/domain/patient"
	"github.com/hms/hms/internal/domain/pharmacy"
	"github.com/hms/hms/internal/domain/workflow"
	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/migrations"
)

var (
	doctor  = auth.Actor{ID: "doc-1", Roles: []string{auth.RoleDoctor}}
	labTech = auth.Actor{ID: "lab-1", Roles: []string{auth.RoleLabTechnician}}
	chemist = auth.Actor{ID: "ph-1", Roles: []string{auth.RolePharmacist}}
	cashier = auth.Actor{ID: "fin-1", Roles: []string{auth.RoleFinance}}
)

// inTenant runs fn on a fresh tenant connection and fails the test on error.
func inTenant(t *testing.T, tenantID string, fn func(ctx context.Context) error) {
	t.Helper()
	if err := withTenantConn(context.Background(), globalDB.Pool, tenantID, fn); err != nil {
		t.Fatal(err)
	}
}

func admit(ctx context.Context, s *stack, phone string) (*patient.Patient, error) {
	reg, err := s.orch.RegisterPatient(ctx, demographics("Asha Mwinyi", phone), "rec-1")
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	res, err := s.orch.SettlePayment(ctx, reg.FileFee.ID, "", cashier)
	if err != nil {
		return nil, fmt.Errorf("settle file fee: %w", err)
	}
	return res.Patient, nil
}

// =========== Full visit ===========

func TestVisit_LabAndPharmacy(t *testing.T) {
	ctx := context.Background()
	tenantID := uniqueTenantID("visit")
	createTenantSchema(t, ctx, tenantID)
	defer dropTenantSchema(t, ctx, tenantID)
	s := newStack(globalDB.Pool)

	inTenant(t, tenantID, func(ctx context.Context) error {
		p, err := admit(ctx, s, "+255712345678")
		if err != nil {
			return err
		}
		if p.PatientNumber != "PAT1" {
			t.Errorf("expected first patient number PAT1, got %s", p.PatientNumber)
		}

		c, err := s.orch.StartConsultation(ctx, workflow.StartRequest{PatientID: p.ID, ChiefComplaint: "fever"}, doctor)
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		if _, err := s.clinical.CreatePrescription(ctx, c.ID, clinical.PrescriptionInput{
			MedicationName: "Paracetamol", Frequency: "TWICE_DAILY", QuantityPrescribed: 10, UnitPrice: 500,
		}, doctor); err != nil {
			return fmt.Errorf("prescribe: %w", err)
		}
		lab, err := s.clinical.CreateLabRequest(ctx, c.ID, clinical.LabRequestInput{Tests: []string{"MRDT"}}, doctor)
		if err != nil {
			return fmt.Errorf("lab request: %w", err)
		}

		done, err := s.orch.CompleteConsultation(ctx, c.ID, clinical.ClinicalNotes{}, doctor)
		if err != nil {
			return fmt.Errorf("complete: %w", err)
		}
		if len(done.Payments) != 3 {
			t.Fatalf("expected 3 payments, got %d", len(done.Payments))
		}
		amounts := map[string]int64{}
		for _, pay := range done.Payments {
			amounts[pay.ServiceType] = pay.Amount
		}
		if amounts[billing.ServiceConsultation] != 5000 || amounts[billing.ServiceMedication] != 5000 ||
			amounts[billing.ServiceLabTest] != 5000 {
			t.Errorf("unexpected amounts %v", amounts)
		}

		var last *patient.Patient
		for _, pay := range done.Payments {
			res, err := s.orch.SettlePayment(ctx, pay.ID, "", cashier)
			if err != nil {
				return fmt.Errorf("settle %s: %w", pay.ServiceType, err)
			}
			last = res.Patient
		}
		if last.CurrentStatus != patient.StatusWaitingLab {
			t.Fatalf("expected WAITING_LAB, got %s", last.CurrentStatus)
		}

		if _, err := s.orch.StartLabWork(ctx, lab.ID, labTech); err != nil {
			return fmt.Errorf("start lab: %w", err)
		}
		ready, err := s.orch.CompleteLabWork(ctx, lab.ID, map[string]string{"mrdt": "negative"}, labTech)
		if err != nil {
			return fmt.Errorf("complete lab: %w", err)
		}
		if ready.Patient.CurrentStatus != patient.StatusLabResultsReady {
			t.Fatalf("expected LAB_RESULTS_READY, got %s", ready.Patient.CurrentStatus)
		}

		reviewed, err := s.orch.ReviewLabResults(ctx, p.ID, workflow.LabReview{}, doctor)
		if err != nil {
			return fmt.Errorf("review: %w", err)
		}
		if reviewed.CurrentStatus != patient.StatusWaitingPharmacy {
			t.Fatalf("expected WAITING_PHARMACY, got %s", reviewed.CurrentStatus)
		}

		detail, err := s.clinical.GetConsultation(ctx, c.ID)
		if err != nil {
			return err
		}
		out, err := s.orch.Dispense(ctx, detail.Prescriptions[0].ID, 10, chemist)
		if err != nil {
			return fmt.Errorf("dispense: %w", err)
		}
		if out.Patient.CurrentStatus != patient.StatusCompleted {
			t.Errorf("expected COMPLETED, got %s", out.Patient.CurrentStatus)
		}

		entries, n, err := s.patients.History(ctx, p.ID, 1, 0)
		if err != nil {
			return err
		}
		if n != 10 {
			t.Errorf("expected 10 history entries, got %d", n)
		}
		if len(entries) != 1 || entries[0].NewStatus != patient.StatusCompleted {
			t.Errorf("expected newest history entry COMPLETED, got %+v", entries)
		}
		return nil
	})
}

// =========== Idempotent completion ===========

func TestCompleteConsultation_ConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	tenantID := uniqueTenantID("dup")
	createTenantSchema(t, ctx, tenantID)
	defer dropTenantSchema(t, ctx, tenantID)
	s := newStack(globalDB.Pool)

	var c *clinical.Consultation
	inTenant(t, tenantID, func(ctx context.Context) error {
		p, err := admit(ctx, s, "+255700000001")
		if err != nil {
			return err
		}
		c, err = s.orch.StartConsultation(ctx, workflow.StartRequest{PatientID: p.ID, ChiefComplaint: "cough"}, doctor)
		return err
	})

	const callers = 4
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- withTenantConn(ctx, globalDB.Pool, tenantID, func(ctx context.Context) error {
				_, err := s.orch.CompleteConsultation(ctx, c.ID, clinical.ClinicalNotes{}, doctor)
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("complete: %v", err)
		}
	}

	inTenant(t, tenantID, func(ctx context.Context) error {
		payments, err := s.billing.ForReference(ctx, c.ID)
		if err != nil {
			return err
		}
		if len(payments) != 1 {
			t.Errorf("expected exactly one consultation payment, got %d", len(payments))
		}
		return nil
	})
}

// =========== Atomic completion ===========

// count runs a COUNT(*) query on the tenant connection in ctx.
func count(ctx context.Context, t *testing.T, query string, args ...interface{}) int {
	t.Helper()
	var n int
	if err := db.ConnFromContext(ctx).QueryRow(ctx, query, args...).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestCompleteConsultation_FailedMoveRollsBack(t *testing.T) {
	ctx := context.Background()
	tenantID := uniqueTenantID("atom")
	createTenantSchema(t, ctx, tenantID)
	defer dropTenantSchema(t, ctx, tenantID)
	s := newStack(globalDB.Pool)

	inTenant(t, tenantID, func(ctx context.Context) error {
		p, err := admit(ctx, s, "+255700000020")
		if err != nil {
			return err
		}
		c, err := s.orch.StartConsultation(ctx, workflow.StartRequest{PatientID: p.ID, ChiefComplaint: "fever"}, doctor)
		if err != nil {
			return err
		}
		if _, err := s.clinical.CreatePrescription(ctx, c.ID, clinical.PrescriptionInput{
			MedicationName: "Paracetamol", Frequency: "TWICE_DAILY", QuantityPrescribed: 10, UnitPrice: 500,
		}, doctor); err != nil {
			return err
		}

		// Pull the patient out of WITH_DOCTOR behind the workflow's back so the
		// move to finance fails after the consultation row is finished.
		if _, err := db.ConnFromContext(ctx).Exec(ctx,
			`UPDATE patients SET current_status = 'WAITING_DOCTOR' WHERE id = $1`, p.ID); err != nil {
			return err
		}
		history := count(ctx, t, `SELECT COUNT(*) FROM patient_status_history WHERE patient_id = $1`, p.ID)

		if _, err := s.orch.CompleteConsultation(ctx, c.ID, clinical.ClinicalNotes{}, doctor); !errors.Is(err, apperr.ErrInvalidTransition) {
			t.Fatalf("expected invalid transition, got %v", err)
		}

		got, err := s.clinical.GetConsultation(ctx, c.ID)
		if err != nil {
			return err
		}
		if got.Status != clinical.ConsultationInProgress || got.CompletedAt != nil {
			t.Errorf("expected consultation IN_PROGRESS, got %s", got.Status)
		}
		if n := count(ctx, t, `SELECT COUNT(*) FROM service_payments WHERE patient_id = $1 AND service_type <> 'FILE_FEE'`, p.ID); n != 0 {
			t.Errorf("expected no visit payments, got %d", n)
		}
		if n := count(ctx, t, `SELECT COUNT(*) FROM patient_status_history WHERE patient_id = $1`, p.ID); n != history {
			t.Errorf("expected %d history rows, got %d", history, n)
		}
		return nil
	})
}

// =========== Pharmacy stock ===========

func TestDispense_StockLedger(t *testing.T) {
	ctx := context.Background()
	tenantID := uniqueTenantID("stock")
	createTenantSchema(t, ctx, tenantID)
	defer dropTenantSchema(t, ctx, tenantID)
	s := newStack(globalDB.Pool)

	inTenant(t, tenantID, func(ctx context.Context) error {
		if _, _, err := s.stock.Upsert(ctx, pharmacy.MedicationInput{
			Code: "amox500", Name: "Amoxicillin 500mg", Category: pharmacy.CategoryAntibiotic, InitialStock: 12,
		}, chemist.ID); err != nil {
			return fmt.Errorf("upsert: %w", err)
		}

		p, err := admit(ctx, s, "+255700000021")
		if err != nil {
			return err
		}
		c, err := s.orch.StartConsultation(ctx, workflow.StartRequest{PatientID: p.ID, ChiefComplaint: "cough"}, doctor)
		if err != nil {
			return err
		}
		rx, err := s.clinical.CreatePrescription(ctx, c.ID, clinical.PrescriptionInput{
			MedicationName: "Amoxicillin", MedicationCode: "AMOX500", Frequency: "TWICE_DAILY",
			QuantityPrescribed: 20, UnitPrice: 300,
		}, doctor)
		if err != nil {
			return err
		}
		done, err := s.orch.CompleteConsultation(ctx, c.ID, clinical.ClinicalNotes{}, doctor)
		if err != nil {
			return err
		}
		for _, pay := range done.Payments {
			if _, err := s.orch.SettlePayment(ctx, pay.ID, "", cashier); err != nil {
				return err
			}
		}

		if _, err := s.orch.Dispense(ctx, rx.ID, 20, chemist); !errors.Is(err, apperr.ErrConflict) {
			t.Fatalf("expected conflict for insufficient stock, got %v", err)
		}
		if n := count(ctx, t, `SELECT COUNT(*) FROM stock_movements WHERE reference_id = $1`, rx.ID); n != 0 {
			t.Errorf("expected no ledger rows after refusal, got %d", n)
		}

		out, err := s.orch.Dispense(ctx, rx.ID, 12, chemist)
		if err != nil {
			return fmt.Errorf("dispense: %w", err)
		}
		if out.Patient.CurrentStatus != patient.StatusInPharmacy {
			t.Errorf("expected IN_PHARMACY after a partial dispense, got %s", out.Patient.CurrentStatus)
		}
		med, err := s.stock.Get(ctx, "AMOX500")
		if err != nil {
			return err
		}
		if med.CurrentStock != 0 || !med.LowStock() {
			t.Errorf("expected empty low stock, got %d", med.CurrentStock)
		}
		moves, total, err := s.stock.Movements(ctx, "AMOX500", 10, 0)
		if err != nil {
			return err
		}
		if total != 2 || moves[0].MovementType != pharmacy.MovementDispense || moves[0].Quantity != -12 ||
			moves[0].PreviousStock != 12 || moves[0].NewStock != 0 {
			t.Errorf("unexpected ledger %d %+v", total, moves[0])
		}
		return nil
	})
}

// =========== Receipts ===========

func TestSettle_ReceiptSequence(t *testing.T) {
	ctx := context.Background()
	tenantID := uniqueTenantID("rct")
	createTenantSchema(t, ctx, tenantID)
	defer dropTenantSchema(t, ctx, tenantID)
	s := newStack(globalDB.Pool)

	day := time.Now().UTC().Format("20060102")
	inTenant(t, tenantID, func(ctx context.Context) error {
		for i := 1; i <= 3; i++ {
			reg, err := s.orch.RegisterPatient(ctx, demographics("Patient", fmt.Sprintf("+25570000010%d", i)), "rec-1")
			if err != nil {
				return err
			}
			res, err := s.orch.SettlePayment(ctx, reg.FileFee.ID, billing.MethodCash, cashier)
			if err != nil {
				return err
			}
			want := fmt.Sprintf("RCT-%s-%05d", day, i)
			if got := *res.Payment.ReceiptNumber; got != want {
				t.Errorf("expected receipt %s, got %s", want, got)
			}
			if _, err := s.orch.SettlePayment(ctx, reg.FileFee.ID, billing.MethodCash, cashier); !errors.Is(err, apperr.ErrAlreadyPaid) {
				t.Errorf("expected already paid on second settle, got %v", err)
			}
		}
		return nil
	})
}

// =========== Registration ===========

func TestRegister_DuplicatePhone(t *testing.T) {
	ctx := context.Background()
	tenantID := uniqueTenantID("phone")
	createTenantSchema(t, ctx, tenantID)
	defer dropTenantSchema(t, ctx, tenantID)
	s := newStack(globalDB.Pool)

	inTenant(t, tenantID, func(ctx context.Context) error {
		if _, err := s.orch.RegisterPatient(ctx, demographics("Asha", "+255700000009"), "rec-1"); err != nil {
			return err
		}
		_, err := s.orch.RegisterPatient(ctx, demographics("Other", "+255700000009"), "rec-1")
		if !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("expected validation error for duplicate phone, got %v", err)
		}
		return nil
	})
}

func TestTenants_IndependentPatientNumbers(t *testing.T) {
	ctx := context.Background()
	a, b := uniqueTenantID("ta"), uniqueTenantID("tb")
	createTenantSchema(t, ctx, a)
	defer dropTenantSchema(t, ctx, a)
	createTenantSchema(t, ctx, b)
	defer dropTenantSchema(t, ctx, b)
	s := newStack(globalDB.Pool)

	for _, tenantID := range []string{a, b} {
		inTenant(t, tenantID, func(ctx context.Context) error {
			reg, err := s.orch.RegisterPatient(ctx, demographics("Asha", "+255712345678"), "rec-1")
			if err != nil {
				return err
			}
			if reg.Patient.PatientNumber != "PAT1" {
				t.Errorf("tenant %s: expected PAT1, got %s", tenantID, reg.Patient.PatientNumber)
			}
			return nil
		})
	}
}

// =========== Migrations ===========

func TestMigrations_AllApplied(t *testing.T) {
	ctx := context.Background()
	tenantID := uniqueTenantID("mig")
	createTenantSchema(t, ctx, tenantID)
	defer dropTenantSchema(t, ctx, tenantID)

	statuses, err := db.NewMigrator(globalDB.Pool, migrations.FS).Status(ctx, "tenant_"+tenantID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) == 0 {
		t.Fatal("expected migrations")
	}
	for _, st := range statuses {
		if !st.Applied {
			t.Errorf("migration %d %s not applied", st.Version, st.Name)
		}
	}

	schema := "tenant_" + tenantID
	for _, chk := range []db.HealthCheck{
		db.PendingMigrations(db.NewMigrator(globalDB.Pool, migrations.FS), schema),
		db.TablesPresent(globalDB.Pool, schema, "receipt_counters", "medications", "stock_movements"),
	} {
		if _, err := chk.Run(ctx); err != nil {
			t.Errorf("%s: %v", chk.Name, err)
		}
	}
	if _, err := db.TablesPresent(globalDB.Pool, schema, "no_such_table").Run(ctx); err == nil {
		t.Error("expected a missing table to fail the check")
	}

	// Re-running is a no-op.
	n, err := db.NewMigrator(globalDB.Pool, migrations.FS).Up(ctx, "tenant_"+tenantID)
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no pending migrations, got %d", n)
	}
}
