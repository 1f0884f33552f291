package patient

// Status is a patient's position in the hospital workflow.
type Status string

const (
	StatusRegistered                 Status = "REGISTERED"
	StatusWaitingDoctor              Status = "WAITING_DOCTOR"
	StatusWithDoctor                 Status = "WITH_DOCTOR"
	StatusPendingConsultationPayment Status = "PENDING_CONSULTATION_PAYMENT"
	StatusWaitingLab                 Status = "WAITING_LAB"
	StatusInLab                      Status = "IN_LAB"
	StatusLabResultsReady            Status = "LAB_RESULTS_READY"
	StatusWaitingPharmacy            Status = "WAITING_PHARMACY"
	StatusInPharmacy                 Status = "IN_PHARMACY"
	StatusCompleted                  Status = "COMPLETED"
	StatusDischarged                 Status = "DISCHARGED"
)

// transitions is the adjacency table of the workflow. Any edge not listed
// here is rejected with ErrInvalidTransition.
var transitions = map[Status][]Status{
	StatusRegistered:                 {StatusWaitingDoctor},
	StatusWaitingDoctor:              {StatusWithDoctor, StatusDischarged},
	StatusWithDoctor:                 {StatusPendingConsultationPayment, StatusWaitingDoctor},
	StatusPendingConsultationPayment: {StatusWaitingLab, StatusWaitingPharmacy, StatusCompleted},
	StatusWaitingLab:                 {StatusInLab},
	StatusInLab:                      {StatusLabResultsReady},
	StatusLabResultsReady:            {StatusWaitingDoctor, StatusWaitingPharmacy, StatusCompleted},
	StatusWaitingPharmacy:            {StatusInPharmacy},
	StatusInPharmacy:                 {StatusCompleted},
	StatusCompleted:                  {StatusDischarged, StatusWaitingDoctor},
	StatusDischarged:                 {StatusWaitingDoctor},
}

var defaultLocations = map[Status]string{
	StatusRegistered:                 "Reception",
	StatusWaitingDoctor:              "Doctor Queue",
	StatusWithDoctor:                 "Consultation Room",
	StatusPendingConsultationPayment: "Finance",
	StatusWaitingLab:                 "Lab Queue",
	StatusInLab:                      "Laboratory",
	StatusLabResultsReady:            "Doctor Review",
	StatusWaitingPharmacy:            "Pharmacy Queue",
	StatusInPharmacy:                 "Pharmacy",
	StatusCompleted:                  "Completed",
	StatusDischarged:                 "Discharged",
}

// Valid reports whether s is a known workflow status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// DefaultLocation is the department label recorded when a transition does
// not name one.
func (s Status) DefaultLocation() string {
	return defaultLocations[s]
}

// CanTransition reports whether to is a permitted successor of from.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Successors returns the statuses reachable from s in one step.
func Successors(s Status) []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}
