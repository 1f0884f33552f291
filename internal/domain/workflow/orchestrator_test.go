package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/domain/clinical"
	"github.com/hms/hms/internal/domain/patient"
	"github.com/hms/hms/internal/domain/pharmacy"
	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
)

var (
	reception = auth.Actor{ID: "rec-1", Roles: []string{auth.RoleReceptionist}}
	doctor    = auth.Actor{ID: "doc-1", Roles: []string{auth.RoleDoctor}}
	otherDoc  = auth.Actor{ID: "doc-2", Roles: []string{auth.RoleDoctor}}
	labTech   = auth.Actor{ID: "lab-1", Roles: []string{auth.RoleLabTechnician}}
	chemist   = auth.Actor{ID: "ph-1", Roles: []string{auth.RolePharmacist}}
	cashier   = auth.Actor{ID: "fin-1", Roles: []string{auth.RoleFinance}}
)

type fixture struct {
	orch     *Orchestrator
	patients *patient.Service
	clinical *clinical.Service
	billing  *billing.Service
	stock    *pharmacy.Service
}

func newFixture() *fixture {
	log := zerolog.Nop()
	prices := billing.NewMemoryPrices(
		&billing.ServicePrice{ServiceCode: "LAB_MRDT", ServiceName: "mRDT", Category: billing.CategoryLabTest,
			StandardPrice: 8000, IsActive: true},
		&billing.ServicePrice{ServiceCode: "AMOX500", ServiceName: "Amoxicillin 500mg", Category: billing.CategoryMedication,
			StandardPrice: 300, IsActive: true},
		&billing.ServicePrice{ServiceCode: "ORS", ServiceName: "Oral rehydration salts", Category: billing.CategoryMedication,
			StandardPrice: 150, IsActive: true},
	)
	pricer := billing.NewPricer(prices, billing.Defaults{FileFee: 2000, Consultation: 5000, LabTest: 15000})

	store := clinical.NewMemoryStore()
	patients := patient.NewMemoryRepo()
	payments := billing.NewMemoryPayments()
	medications := pharmacy.NewMemoryRepo()
	tx := db.NewLocalTransactor(patients, store, payments, prices, medications)
	f := &fixture{
		patients: patient.NewService(patients, tx, log),
		clinical: clinical.NewService(store.Consultations(), store.Prescriptions(), store.LabRequests(), pricer, tx, log),
		billing:  billing.NewService(payments, prices, tx, time.UTC, "TZS", log),
		stock:    pharmacy.NewService(medications, tx, log),
	}
	if _, _, err := f.stock.Upsert(context.Background(), pharmacy.MedicationInput{
		Code: "AMOX500", Name: "Amoxicillin 500mg", Category: pharmacy.CategoryAntibiotic, InitialStock: 100,
	}, chemist.ID); err != nil {
		panic(err)
	}
	f.orch = NewOrchestrator(f.patients, f.clinical, f.billing, f.stock, pricer, tx, log)
	return f
}

func strPtr(s string) *string { return &s }

func demographics(name, phone string) patient.Demographics {
	return patient.Demographics{
		FullName:    strPtr(name),
		PhoneNumber: strPtr(phone),
		Gender:      strPtr("FEMALE"),
	}
}

func (f *fixture) register(t *testing.T, name, phone string) *Registration {
	t.Helper()
	reg, err := f.orch.RegisterPatient(context.Background(), demographics(name, phone), reception.ID)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

// admitted registers a NORMAL patient and settles the file fee.
func (f *fixture) admitted(t *testing.T, phone string) *patient.Patient {
	t.Helper()
	reg := f.register(t, "Asha Mwinyi", phone)
	res, err := f.orch.SettlePayment(context.Background(), reg.FileFee.ID, "", cashier)
	if err != nil {
		t.Fatalf("settle file fee: %v", err)
	}
	return res.Patient
}

func (f *fixture) start(t *testing.T, p *patient.Patient) *clinical.Consultation {
	t.Helper()
	c, err := f.orch.StartConsultation(context.Background(), StartRequest{PatientID: p.ID, ChiefComplaint: "fever"}, doctor)
	if err != nil {
		t.Fatalf("start consultation: %v", err)
	}
	return c
}

func (f *fixture) complete(t *testing.T, c *clinical.Consultation) *CompletionResult {
	t.Helper()
	res, err := f.orch.CompleteConsultation(context.Background(), c.ID, clinical.ClinicalNotes{}, doctor)
	if err != nil {
		t.Fatalf("complete consultation: %v", err)
	}
	return res
}

func (f *fixture) settleAll(t *testing.T, payments []*billing.ServicePayment) *patient.Patient {
	t.Helper()
	var last *patient.Patient
	for _, p := range payments {
		res, err := f.orch.SettlePayment(context.Background(), p.ID, "", cashier)
		if err != nil {
			t.Fatalf("settle %s: %v", p.ServiceType, err)
		}
		last = res.Patient
	}
	return last
}

func (f *fixture) status(t *testing.T, id uuid.UUID) patient.Status {
	t.Helper()
	p, err := f.patients.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get patient: %v", err)
	}
	return p.CurrentStatus
}

// assertHistoryConsistent checks the newest history entry matches the row.
func (f *fixture) assertHistoryConsistent(t *testing.T, id uuid.UUID) {
	t.Helper()
	entries, _, err := f.patients.History(context.Background(), id, 1, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected history entries")
	}
	if got := f.status(t, id); entries[0].NewStatus != got {
		t.Errorf("latest history entry %s does not match current status %s", entries[0].NewStatus, got)
	}
}

func paymentTypes(payments []*billing.ServicePayment) map[string]*billing.ServicePayment {
	out := map[string]*billing.ServicePayment{}
	for _, p := range payments {
		out[p.ServiceType] = p
	}
	return out
}

func TestAshaVisit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	reg := f.register(t, "Asha Mwinyi", "+255712345678")
	if reg.Patient.CurrentStatus != patient.StatusRegistered {
		t.Fatalf("expected REGISTERED, got %s", reg.Patient.CurrentStatus)
	}
	if reg.FileFee.Status != billing.StatusPending || reg.FileFee.Amount != 2000 {
		t.Fatalf("unexpected file fee %s/%d", reg.FileFee.Status, reg.FileFee.Amount)
	}

	fee, err := f.orch.SettlePayment(ctx, reg.FileFee.ID, "", cashier)
	if err != nil {
		t.Fatalf("settle file fee: %v", err)
	}
	if *fee.Payment.PaymentMethod != billing.MethodCash {
		t.Errorf("expected CASH default, got %s", *fee.Payment.PaymentMethod)
	}
	if fee.Patient.CurrentStatus != patient.StatusWaitingDoctor || !fee.Patient.FileFeePaid {
		t.Fatalf("expected WAITING_DOCTOR with fee paid, got %s/%v", fee.Patient.CurrentStatus, fee.Patient.FileFeePaid)
	}

	c := f.start(t, fee.Patient)
	if f.status(t, c.PatientID) != patient.StatusWithDoctor {
		t.Fatalf("expected WITH_DOCTOR")
	}
	if c.FeeAmount != 5000 {
		t.Errorf("expected default consultation fee 5000, got %d", c.FeeAmount)
	}

	_, err = f.clinical.CreatePrescription(ctx, c.ID, clinical.PrescriptionInput{
		MedicationName: "Paracetamol", Frequency: "TWICE_DAILY", QuantityPrescribed: 10, UnitPrice: 500,
	}, doctor)
	if err != nil {
		t.Fatalf("prescribe: %v", err)
	}

	done := f.complete(t, c)
	if done.AlreadyCompleted {
		t.Error("first completion reported already completed")
	}
	if len(done.Payments) != 2 {
		t.Fatalf("expected 2 payments, got %d", len(done.Payments))
	}
	byType := paymentTypes(done.Payments)
	if byType[billing.ServiceConsultation] == nil || byType[billing.ServiceMedication] == nil {
		t.Fatalf("expected CONSULTATION and MEDICATION payments, got %v", byType)
	}
	if byType[billing.ServiceMedication].Amount != 5000 {
		t.Errorf("expected medication 5000, got %d", byType[billing.ServiceMedication].Amount)
	}
	if done.Patient.CurrentStatus != patient.StatusPendingConsultationPayment {
		t.Fatalf("expected PENDING_CONSULTATION_PAYMENT, got %s", done.Patient.CurrentStatus)
	}

	all, total, err := f.billing.List(ctx, billing.PaymentFilter{PatientID: &c.PatientID})
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if total != 3 || len(all) != 3 {
		t.Errorf("expected 3 payments for the patient, got %d", total)
	}

	first, err := f.orch.SettlePayment(ctx, byType[billing.ServiceConsultation].ID, "", cashier)
	if err != nil {
		t.Fatalf("settle consultation: %v", err)
	}
	if first.Patient.CurrentStatus != patient.StatusPendingConsultationPayment {
		t.Errorf("expected patient to wait for the second payment, got %s", first.Patient.CurrentStatus)
	}
	second, err := f.orch.SettlePayment(ctx, byType[billing.ServiceMedication].ID, billing.MethodMobileMoney, cashier)
	if err != nil {
		t.Fatalf("settle medication: %v", err)
	}
	if second.Patient.CurrentStatus != patient.StatusWaitingPharmacy {
		t.Fatalf("expected WAITING_PHARMACY, got %s", second.Patient.CurrentStatus)
	}
	if *first.Payment.ReceiptNumber == *second.Payment.ReceiptNumber {
		t.Error("expected distinct receipt numbers")
	}

	consult, _ := f.clinical.GetConsultation(ctx, c.ID)
	if !consult.FeePaid {
		t.Error("expected consultation fee_paid")
	}

	rx := consult.Prescriptions[0]
	partial, err := f.orch.Dispense(ctx, rx.ID, 4, chemist)
	if err != nil {
		t.Fatalf("dispense: %v", err)
	}
	if partial.Patient.CurrentStatus != patient.StatusInPharmacy {
		t.Errorf("expected IN_PHARMACY after partial dispense, got %s", partial.Patient.CurrentStatus)
	}
	rest, err := f.orch.Dispense(ctx, rx.ID, 6, chemist)
	if err != nil {
		t.Fatalf("dispense rest: %v", err)
	}
	if rest.Prescription.Status != clinical.PrescriptionDispensed || rest.Patient.CurrentStatus != patient.StatusCompleted {
		t.Errorf("expected DISPENSED and COMPLETED, got %s/%s", rest.Prescription.Status, rest.Patient.CurrentStatus)
	}

	if _, err := f.orch.Discharge(ctx, c.PatientID, "", reception); err != nil {
		t.Fatalf("discharge: %v", err)
	}
	f.assertHistoryConsistent(t, c.PatientID)

	entries, n, _ := f.patients.History(ctx, c.PatientID, 100, 0)
	want := []patient.Status{
		patient.StatusDischarged, patient.StatusCompleted, patient.StatusInPharmacy, patient.StatusWaitingPharmacy,
		patient.StatusPendingConsultationPayment, patient.StatusWithDoctor, patient.StatusWaitingDoctor, patient.StatusRegistered,
	}
	if n != len(want) {
		t.Fatalf("expected %d history entries, got %d", len(want), n)
	}
	for i, e := range entries {
		if e.NewStatus != want[i] {
			t.Errorf("history[%d]: expected %s, got %s", i, want[i], e.NewStatus)
		}
	}
}

func TestCompleteConsultation_NoAttachments(t *testing.T) {
	f := newFixture()
	c := f.start(t, f.admitted(t, "+255700000001"))

	res := f.complete(t, c)
	if len(res.Payments) != 1 || res.Payments[0].ServiceType != billing.ServiceConsultation {
		t.Fatalf("expected exactly one CONSULTATION payment, got %d", len(res.Payments))
	}
	if res.Patient.CurrentStatus != patient.StatusPendingConsultationPayment {
		t.Errorf("expected PENDING_CONSULTATION_PAYMENT, got %s", res.Patient.CurrentStatus)
	}

	p := f.settleAll(t, res.Payments)
	if p.CurrentStatus != patient.StatusCompleted {
		t.Errorf("expected COMPLETED after paying, got %s", p.CurrentStatus)
	}
	f.assertHistoryConsistent(t, c.PatientID)
}

func TestCompleteConsultation_Idempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.start(t, f.admitted(t, "+255700000002"))
	if _, err := f.clinical.CreatePrescription(ctx, c.ID, clinical.PrescriptionInput{
		MedicationName: "Amoxicillin", MedicationCode: "amox500", Frequency: "THREE_TIMES_DAILY", QuantityPrescribed: 15,
	}, doctor); err != nil {
		t.Fatalf("prescribe: %v", err)
	}

	first := f.complete(t, c)
	second := f.complete(t, c)
	if !second.AlreadyCompleted {
		t.Error("expected second completion to report already completed")
	}
	if len(first.Payments) != len(second.Payments) {
		t.Fatalf("expected the same payment set, got %d and %d", len(first.Payments), len(second.Payments))
	}
	ids := map[uuid.UUID]bool{}
	for _, p := range first.Payments {
		ids[p.ID] = true
	}
	for _, p := range second.Payments {
		if !ids[p.ID] {
			t.Errorf("unexpected new payment %s on repeat completion", p.ID)
		}
	}
	med := paymentTypes(first.Payments)[billing.ServiceMedication]
	if med == nil || med.Amount != 4500 {
		t.Errorf("expected medication priced from the tariff at 4500, got %+v", med)
	}

	// Repeat completion still checks ownership.
	if _, err := f.orch.CompleteConsultation(ctx, c.ID, clinical.ClinicalNotes{}, otherDoc); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
	f.assertHistoryConsistent(t, c.PatientID)
}

func TestCompleteConsultation_Errors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if _, err := f.orch.CompleteConsultation(ctx, uuid.New(), clinical.ClinicalNotes{}, doctor); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	c := f.start(t, f.admitted(t, "+255700000003"))
	if _, err := f.orch.CompleteConsultation(ctx, c.ID, clinical.ClinicalNotes{}, otherDoc); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
	if f.status(t, c.PatientID) != patient.StatusWithDoctor {
		t.Error("a rejected completion must not move the patient")
	}
}

func TestStartConsultation_Concurrent(t *testing.T) {
	f := newFixture()
	p := f.admitted(t, "+255700000004")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, conflicts int
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.StartConsultation(context.Background(), StartRequest{PatientID: p.ID, ChiefComplaint: "cough"}, doctor)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || conflicts != 1 {
		t.Errorf("expected one success and one conflict, got %d/%d", ok, conflicts)
	}
	_, total, err := f.orch.ListPatientConsultations(context.Background(), p.ID, 10, 0)
	if err != nil {
		t.Fatalf("list consultations: %v", err)
	}
	if total != 1 {
		t.Errorf("expected exactly one consultation, got %d", total)
	}
	f.assertHistoryConsistent(t, p.ID)
}

func TestStartConsultation_Guards(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	reg := f.register(t, "Neema", "+255700000005")
	_, err := f.orch.StartConsultation(ctx, StartRequest{PatientID: reg.Patient.ID, ChiefComplaint: "headache"}, doctor)
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("expected invalid transition before the file fee is paid, got %v", err)
	}

	p := f.admitted(t, "+255700000006")
	if _, err := f.orch.StartConsultation(ctx, StartRequest{PatientID: p.ID}, doctor); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for missing complaint, got %v", err)
	}
	if f.status(t, p.ID) != patient.StatusWaitingDoctor {
		t.Error("a rejected start must not move the patient")
	}
	if _, err := f.orch.StartConsultation(ctx, StartRequest{PatientID: uuid.New(), ChiefComplaint: "x"}, doctor); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestStartConsultation_EmergencyPrice(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	emergency := int64(9000)
	if err := f.billing.UpsertPrice(ctx, &billing.ServicePrice{ServiceCode: billing.ConsultationCode,
		ServiceName: "General consultation", Category: billing.CategoryConsultation,
		StandardPrice: 6000, EmergencyPrice: &emergency, IsActive: true}); err != nil {
		t.Fatalf("upsert price: %v", err)
	}
	p := f.admitted(t, "+255700000007")
	c, err := f.orch.StartConsultation(ctx, StartRequest{PatientID: p.ID, ChiefComplaint: "trauma", Priority: "emergency"}, doctor)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.FeeAmount != 9000 || c.Priority != clinical.PriorityEmergency {
		t.Errorf("expected emergency fee 9000, got %d (%s)", c.FeeAmount, c.Priority)
	}
}

func TestRegisterNHIF(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	d := demographics("Juma Ali", "+255700000008")
	d.PatientType = strPtr("nhif")
	d.NHIFCardNumber = strPtr("NHIF-123")

	reg, err := f.orch.RegisterPatient(ctx, d, reception.ID)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Patient.CurrentStatus != patient.StatusWaitingDoctor || !reg.Patient.FileFeePaid {
		t.Errorf("expected NHIF patient in WAITING_DOCTOR with fee covered, got %s", reg.Patient.CurrentStatus)
	}
	if reg.FileFee.Status != billing.StatusWaived || reg.FileFee.Amount != 0 ||
		*reg.FileFee.PaymentMethod != billing.MethodInsurance {
		t.Errorf("unexpected file fee record %+v", reg.FileFee)
	}

	c := f.start(t, reg.Patient)
	res := f.complete(t, c)
	paid, err := f.orch.SettlePayment(ctx, res.Payments[0].ID, "", cashier)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if *paid.Payment.PaymentMethod != billing.MethodInsurance {
		t.Errorf("expected INSURANCE default for NHIF, got %s", *paid.Payment.PaymentMethod)
	}
	f.assertHistoryConsistent(t, reg.Patient.ID)
}

func TestRegister_DuplicatePhone(t *testing.T) {
	f := newFixture()
	f.register(t, "Asha", "+255700000009")
	_, err := f.orch.RegisterPatient(context.Background(), demographics("Other", "+255700000009"), reception.ID)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for duplicate phone, got %v", err)
	}
}

func TestLabVisit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.start(t, f.admitted(t, "+255700000010"))

	if _, err := f.clinical.CreatePrescription(ctx, c.ID, clinical.PrescriptionInput{
		MedicationName: "Artemether", Frequency: "TWICE_DAILY", QuantityPrescribed: 6, UnitPrice: 1000,
	}, doctor); err != nil {
		t.Fatalf("prescribe: %v", err)
	}
	lab, err := f.clinical.CreateLabRequest(ctx, c.ID, clinical.LabRequestInput{Tests: []string{"MRDT", "hb"}}, doctor)
	if err != nil {
		t.Fatalf("lab request: %v", err)
	}

	res := f.complete(t, c)
	byType := paymentTypes(res.Payments)
	if len(res.Payments) != 3 {
		t.Fatalf("expected 3 payments, got %d", len(res.Payments))
	}
	// mRDT from the tariff plus Hb at the default price.
	if byType[billing.ServiceLabTest].Amount != 8000+15000 {
		t.Errorf("expected lab total 23000, got %d", byType[billing.ServiceLabTest].Amount)
	}

	if _, err := f.orch.StartLabWork(ctx, lab.ID, labTech); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected conflict before the lab fee is paid, got %v", err)
	}

	if p := f.settleAll(t, res.Payments); p.CurrentStatus != patient.StatusWaitingLab {
		t.Fatalf("expected WAITING_LAB, got %s", p.CurrentStatus)
	}

	started, err := f.orch.StartLabWork(ctx, lab.ID, labTech)
	if err != nil {
		t.Fatalf("start lab: %v", err)
	}
	if started.Patient.CurrentStatus != patient.StatusInLab {
		t.Errorf("expected IN_LAB, got %s", started.Patient.CurrentStatus)
	}

	if _, err := f.orch.CompleteLabWork(ctx, lab.ID, map[string]string{"mrdt": "positive"}, labTech); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for missing result, got %v", err)
	}
	done, err := f.orch.CompleteLabWork(ctx, lab.ID, map[string]string{"mrdt": "positive", "hb": "11.2"}, labTech)
	if err != nil {
		t.Fatalf("complete lab: %v", err)
	}
	if done.Patient.CurrentStatus != patient.StatusLabResultsReady {
		t.Fatalf("expected LAB_RESULTS_READY, got %s", done.Patient.CurrentStatus)
	}

	// Pharmacy is closed to the patient until the doctor has reviewed the results.
	detail, _ := f.clinical.GetConsultation(ctx, c.ID)
	if _, err := f.orch.Dispense(ctx, detail.Prescriptions[0].ID, 6, chemist); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}

	p, err := f.orch.ReviewLabResults(ctx, c.PatientID, LabReview{}, doctor)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if p.CurrentStatus != patient.StatusWaitingPharmacy {
		t.Fatalf("expected WAITING_PHARMACY, got %s", p.CurrentStatus)
	}
	out, err := f.orch.Dispense(ctx, detail.Prescriptions[0].ID, 6, chemist)
	if err != nil {
		t.Fatalf("dispense: %v", err)
	}
	if out.Patient.CurrentStatus != patient.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", out.Patient.CurrentStatus)
	}
	f.assertHistoryConsistent(t, c.PatientID)
}

func TestReviewLabResults_FollowUp(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.start(t, f.admitted(t, "+255700000011"))
	lab, err := f.clinical.CreateLabRequest(ctx, c.ID, clinical.LabRequestInput{Tests: []string{"esr"}}, doctor)
	if err != nil {
		t.Fatalf("lab request: %v", err)
	}
	f.settleAll(t, f.complete(t, c).Payments)
	if _, err := f.orch.StartLabWork(ctx, lab.ID, labTech); err != nil {
		t.Fatalf("start lab: %v", err)
	}

	if _, err := f.orch.ReviewLabResults(ctx, c.PatientID, LabReview{FollowUp: true}, doctor); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected conflict while the patient is still in the lab, got %v", err)
	}
	if _, err := f.orch.CompleteLabWork(ctx, lab.ID, map[string]string{"esr": "20 mm/h"}, labTech); err != nil {
		t.Fatalf("complete lab: %v", err)
	}
	p, err := f.orch.ReviewLabResults(ctx, c.PatientID, LabReview{FollowUp: true, Note: "review ESR"}, doctor)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if p.CurrentStatus != patient.StatusWaitingDoctor {
		t.Errorf("expected WAITING_DOCTOR for follow-up, got %s", p.CurrentStatus)
	}
	f.start(t, p)
}

func TestCompleteConsultation_NothingBillable(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := f.admitted(t, "+255700000012")
	noFee := false
	c, err := f.orch.StartConsultation(ctx, StartRequest{PatientID: p.ID, ChiefComplaint: "review", FeeRequired: &noFee}, doctor)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	res := f.complete(t, c)
	if len(res.Payments) != 0 {
		t.Errorf("expected no payments, got %d", len(res.Payments))
	}
	if res.Patient.CurrentStatus != patient.StatusCompleted {
		t.Errorf("expected the patient to be released at once, got %s", res.Patient.CurrentStatus)
	}
	f.assertHistoryConsistent(t, p.ID)
}

func TestWaivePayment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	reg := f.register(t, "Mariam", "+255700000013")

	if _, err := f.orch.WaivePayment(ctx, reg.FileFee.ID, "", cashier); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for missing reason, got %v", err)
	}
	res, err := f.orch.WaivePayment(ctx, reg.FileFee.ID, "social welfare", cashier)
	if err != nil {
		t.Fatalf("waive: %v", err)
	}
	if res.Payment.Status != billing.StatusWaived || res.Patient.CurrentStatus != patient.StatusWaitingDoctor {
		t.Errorf("unexpected result %s/%s", res.Payment.Status, res.Patient.CurrentStatus)
	}
	if _, err := f.orch.SettlePayment(ctx, reg.FileFee.ID, "", cashier); !errors.Is(err, apperr.ErrAlreadyPaid) {
		t.Errorf("expected already paid, got %v", err)
	}
}

func TestAbandonConsultation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := f.admitted(t, "+255700000014")
	c := f.start(t, p)

	if _, err := f.orch.AbandonConsultation(ctx, c.ID, "", doctor); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := f.orch.AbandonConsultation(ctx, c.ID, "wrong patient", otherDoc); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
	out, err := f.orch.AbandonConsultation(ctx, c.ID, "wrong patient", doctor)
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if out.Status != clinical.ConsultationCancelled {
		t.Errorf("expected CANCELLED, got %s", out.Status)
	}
	if f.status(t, p.ID) != patient.StatusWaitingDoctor {
		t.Errorf("expected WAITING_DOCTOR after abandon")
	}
	f.start(t, p)
	f.assertHistoryConsistent(t, p.ID)
}

func TestReturnVisit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.start(t, f.admitted(t, "+255700000015"))
	f.settleAll(t, f.complete(t, c).Payments)

	p, err := f.orch.CheckIn(ctx, c.PatientID, "", reception)
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	second := f.start(t, p)
	res := f.complete(t, second)
	if len(res.Payments) != 1 || res.Payments[0].ReferenceID != second.ID {
		t.Errorf("expected a fresh consultation payment for the return visit")
	}
	if p := f.settleAll(t, res.Payments); p.CurrentStatus != patient.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", p.CurrentStatus)
	}
}

func TestCheckIn_RequiresFinishedVisit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	reg := f.register(t, "Neema", "+255700000020")

	if _, err := f.orch.CheckIn(ctx, reg.Patient.ID, "", reception); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("expected invalid transition for a REGISTERED patient, got %v", err)
	}
	c := f.start(t, f.admitted(t, "+255700000021"))
	if _, err := f.orch.CheckIn(ctx, c.PatientID, "", reception); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("expected invalid transition mid-consultation, got %v", err)
	}
}

func TestOverrideStatus(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	admin := auth.Actor{ID: "admin-1", Roles: []string{auth.RoleAdmin}}
	p := f.admitted(t, "+255700000022")

	if _, err := f.orch.OverrideStatus(ctx, p.ID, patient.TransitionRequest{To: patient.StatusDischarged}, reception); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected forbidden for a receptionist, got %v", err)
	}
	if _, err := f.orch.OverrideStatus(ctx, p.ID, patient.TransitionRequest{To: patient.StatusWithDoctor}, admin); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected conflict entering WITH_DOCTOR without a consultation, got %v", err)
	}
	if _, err := f.orch.OverrideStatus(ctx, p.ID, patient.TransitionRequest{To: patient.StatusInLab}, admin); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("expected invalid transition off the table, got %v", err)
	}
	out, err := f.orch.OverrideStatus(ctx, p.ID, patient.TransitionRequest{To: patient.StatusDischarged}, admin)
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if out.CurrentStatus != patient.StatusDischarged || out.LastUpdatedBy != admin.ID {
		t.Errorf("unexpected patient %s/%s", out.CurrentStatus, out.LastUpdatedBy)
	}
	entries, _, _ := f.patients.History(ctx, p.ID, 1, 0)
	if entries[0].Notes != "Manual status override" {
		t.Errorf("expected default override note, got %q", entries[0].Notes)
	}
}

func TestOverrideStatus_KeepsOpenConsultationReachable(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	admin := auth.Actor{ID: "admin-1", Roles: []string{auth.RoleAdmin}}
	c := f.start(t, f.admitted(t, "+255700000023"))

	_, err := f.orch.OverrideStatus(ctx, c.PatientID, patient.TransitionRequest{To: patient.StatusWaitingDoctor}, admin)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict leaving WITH_DOCTOR with an open consultation, got %v", err)
	}
	if _, err := f.orch.Discharge(ctx, c.PatientID, "", doctor); err == nil {
		t.Fatal("expected discharge to be refused mid-consultation")
	}
	if got := f.status(t, c.PatientID); got != patient.StatusWithDoctor {
		t.Fatalf("expected the patient to stay WITH_DOCTOR, got %s", got)
	}

	// The consultation can still be finished normally.
	res := f.complete(t, c)
	if res.Patient.CurrentStatus != patient.StatusPendingConsultationPayment {
		t.Errorf("expected PENDING_CONSULTATION_PAYMENT, got %s", res.Patient.CurrentStatus)
	}

	// Once abandoned elsewhere the override is allowed again.
	c2 := f.start(t, f.admitted(t, "+255700000024"))
	if _, err := f.orch.AbandonConsultation(ctx, c2.ID, "duplicate", doctor); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if _, err := f.orch.OverrideStatus(ctx, c2.PatientID, patient.TransitionRequest{To: patient.StatusDischarged}, admin); err != nil {
		t.Errorf("override after abandon: %v", err)
	}
}

func TestFollowUp_EarlierPrescriptionStillDispensed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.start(t, f.admitted(t, "+255700000025"))
	first, err := f.clinical.CreatePrescription(ctx, c.ID, clinical.PrescriptionInput{
		MedicationName: "Artemether", Frequency: "TWICE_DAILY", QuantityPrescribed: 6, UnitPrice: 1000,
	}, doctor)
	if err != nil {
		t.Fatalf("prescribe: %v", err)
	}
	lab, err := f.clinical.CreateLabRequest(ctx, c.ID, clinical.LabRequestInput{Tests: []string{"esr"}}, doctor)
	if err != nil {
		t.Fatalf("lab request: %v", err)
	}
	f.settleAll(t, f.complete(t, c).Payments)
	if _, err := f.orch.StartLabWork(ctx, lab.ID, labTech); err != nil {
		t.Fatalf("start lab: %v", err)
	}
	if _, err := f.orch.CompleteLabWork(ctx, lab.ID, map[string]string{"esr": "40 mm/h"}, labTech); err != nil {
		t.Fatalf("complete lab: %v", err)
	}
	p, err := f.orch.ReviewLabResults(ctx, c.PatientID, LabReview{FollowUp: true}, doctor)
	if err != nil {
		t.Fatalf("review: %v", err)
	}

	second := f.start(t, p)
	after := f.settleAll(t, f.complete(t, second).Payments)
	if after.CurrentStatus != patient.StatusWaitingPharmacy {
		t.Fatalf("expected WAITING_PHARMACY for the earlier prescription, got %s", after.CurrentStatus)
	}
	out, err := f.orch.Dispense(ctx, first.ID, 6, chemist)
	if err != nil {
		t.Fatalf("dispense: %v", err)
	}
	if out.Patient.CurrentStatus != patient.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", out.Patient.CurrentStatus)
	}
}

func TestReviewLabResults_EarlierPrescriptionRoutesToPharmacy(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.start(t, f.admitted(t, "+255700000026"))
	if _, err := f.clinical.CreatePrescription(ctx, c.ID, clinical.PrescriptionInput{
		MedicationName: "Paracetamol", Frequency: "AS_NEEDED", QuantityPrescribed: 4, UnitPrice: 200,
	}, doctor); err != nil {
		t.Fatalf("prescribe: %v", err)
	}
	lab, _ := f.clinical.CreateLabRequest(ctx, c.ID, clinical.LabRequestInput{Tests: []string{"esr"}}, doctor)
	f.settleAll(t, f.complete(t, c).Payments)
	f.orch.StartLabWork(ctx, lab.ID, labTech)
	f.orch.CompleteLabWork(ctx, lab.ID, map[string]string{"esr": "8 mm/h"}, labTech)
	p, _ := f.orch.ReviewLabResults(ctx, c.PatientID, LabReview{FollowUp: true}, doctor)

	// The follow-up orders a lab request only.
	second := f.start(t, p)
	lab2, _ := f.clinical.CreateLabRequest(ctx, second.ID, clinical.LabRequestInput{Tests: []string{"hb"}}, doctor)
	f.settleAll(t, f.complete(t, second).Payments)
	f.orch.StartLabWork(ctx, lab2.ID, labTech)
	f.orch.CompleteLabWork(ctx, lab2.ID, map[string]string{"hb": "13"}, labTech)

	out, err := f.orch.ReviewLabResults(ctx, c.PatientID, LabReview{}, doctor)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if out.CurrentStatus != patient.StatusWaitingPharmacy {
		t.Errorf("expected WAITING_PHARMACY, got %s", out.CurrentStatus)
	}
}

// stockedVisit leaves a patient in WAITING_PHARMACY with a prescription of
// quantity units of code.
func (f *fixture) stockedVisit(t *testing.T, phone, code string, quantity int) *clinical.Prescription {
	t.Helper()
	ctx := context.Background()
	c := f.start(t, f.admitted(t, phone))
	rx, err := f.clinical.CreatePrescription(ctx, c.ID, clinical.PrescriptionInput{
		MedicationName: "Amoxicillin", MedicationCode: code, Frequency: "TWICE_DAILY", QuantityPrescribed: quantity,
	}, doctor)
	if err != nil {
		t.Fatalf("prescribe: %v", err)
	}
	if p := f.settleAll(t, f.complete(t, c).Payments); p.CurrentStatus != patient.StatusWaitingPharmacy {
		t.Fatalf("expected WAITING_PHARMACY, got %s", p.CurrentStatus)
	}
	return rx
}

func TestDispense_DecrementsStock(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rx := f.stockedVisit(t, "+255700000027", "AMOX500", 30)

	if _, err := f.orch.Dispense(ctx, rx.ID, 30, chemist); err != nil {
		t.Fatalf("dispense: %v", err)
	}
	med, _ := f.stock.Get(ctx, "AMOX500")
	if med.CurrentStock != 70 {
		t.Errorf("expected 70 left, got %d", med.CurrentStock)
	}
	moves, _, _ := f.stock.Movements(ctx, "AMOX500", 1, 0)
	if moves[0].MovementType != pharmacy.MovementDispense || moves[0].Quantity != -30 || *moves[0].ReferenceID != rx.ID {
		t.Errorf("unexpected ledger row %+v", moves[0])
	}
}

func TestDispense_InsufficientStockRollsBack(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if _, err := f.stock.Move(ctx, "AMOX500", pharmacy.MovementInput{Type: pharmacy.MovementExpire, Quantity: 95}, chemist.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	rx := f.stockedVisit(t, "+255700000028", "AMOX500", 10)

	if _, err := f.orch.Dispense(ctx, rx.ID, 10, chemist); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for insufficient stock, got %v", err)
	}
	got, _ := f.clinical.GetPrescription(ctx, rx.ID)
	if got.QuantityDispensed != 0 || got.Status != clinical.PrescriptionPrescribed {
		t.Errorf("expected prescription untouched, got %s/%d", got.Status, got.QuantityDispensed)
	}
	if s := f.status(t, rx.PatientID); s != patient.StatusWaitingPharmacy {
		t.Errorf("expected WAITING_PHARMACY after the failed dispense, got %s", s)
	}
	med, _ := f.stock.Get(ctx, "AMOX500")
	if med.CurrentStock != 5 {
		t.Errorf("expected stock unchanged at 5, got %d", med.CurrentStock)
	}

	out, err := f.orch.Dispense(ctx, rx.ID, 5, chemist)
	if err != nil {
		t.Fatalf("partial dispense: %v", err)
	}
	if out.Patient.CurrentStatus != patient.StatusInPharmacy {
		t.Errorf("expected IN_PHARMACY, got %s", out.Patient.CurrentStatus)
	}
}

func TestDispense_StockRefusals(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	priced := f.stockedVisit(t, "+255700000029", "ORS", 2)
	if _, err := f.orch.Dispense(ctx, priced.ID, 2, chemist); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected conflict for a code missing from the catalogue, got %v", err)
	}

	rx := f.stockedVisit(t, "+255700000031", "AMOX500", 2)
	if _, err := f.stock.Deactivate(ctx, "AMOX500", chemist.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := f.orch.Dispense(ctx, rx.ID, 2, chemist); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected conflict for inactive medication, got %v", err)
	}
}

func TestCompleteConsultation_FailureLeavesNoTrace(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.start(t, f.admitted(t, "+255700000030"))
	if _, err := f.clinical.CreatePrescription(ctx, c.ID, clinical.PrescriptionInput{
		MedicationName: "Paracetamol", Frequency: "TWICE_DAILY", QuantityPrescribed: 10, UnitPrice: 500,
	}, doctor); err != nil {
		t.Fatalf("prescribe: %v", err)
	}
	_, before, _ := f.patients.History(ctx, c.PatientID, 100, 0)

	// Make the move to finance fail after the consultation is finished.
	if _, err := f.patients.Transition(ctx, c.PatientID, patient.TransitionRequest{To: patient.StatusWaitingDoctor, Actor: "admin-1"}); err != nil {
		t.Fatalf("force status: %v", err)
	}
	if _, err := f.orch.CompleteConsultation(ctx, c.ID, clinical.ClinicalNotes{}, doctor); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	got, _ := f.clinical.GetConsultation(ctx, c.ID)
	if got.Status != clinical.ConsultationInProgress {
		t.Errorf("expected consultation IN_PROGRESS after rollback, got %s", got.Status)
	}
	if _, n, _ := f.billing.List(ctx, billing.PaymentFilter{PatientID: &c.PatientID}); n != 1 {
		t.Errorf("expected only the file fee, got %d payments", n)
	}
	if _, after, _ := f.patients.History(ctx, c.PatientID, 100, 0); after != before+1 {
		t.Errorf("expected only the forced history row, got %d then %d", before, after)
	}
}
