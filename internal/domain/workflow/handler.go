package workflow

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/domain/clinical"
	"github.com/hms/hms/internal/domain/patient"
	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/pkg/pagination"
)

// Handler serves every endpoint that moves a patient.
type Handler struct {
	orch     *Orchestrator
	patients *patient.Handler
}

func NewHandler(orch *Orchestrator, patients *patient.Handler) *Handler {
	return &Handler{orch: orch, patients: patients}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	reception := api.Group("", auth.RequireRole(auth.RoleReceptionist))
	reception.POST("/patients", h.RegisterPatient)
	reception.POST("/patients/:id/check-in", h.CheckIn)

	discharge := api.Group("", auth.RequireRole(auth.RoleReceptionist, auth.RoleDoctor))
	discharge.POST("/patients/:id/discharge", h.Discharge)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/patients/:id/status", h.OverrideStatus)

	doctor := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.POST("/consultations", h.StartConsultation)
	doctor.POST("/consultations/:id/complete", h.CompleteConsultation)
	doctor.POST("/consultations/:id/abandon", h.AbandonConsultation)
	doctor.GET("/patients/:id/consultations", h.ListConsultations)
	doctor.POST("/patients/:id/lab-review", h.ReviewLabResults)

	lab := api.Group("", auth.RequireRole(auth.RoleLabTechnician))
	lab.POST("/lab-requests/:id/start", h.StartLabWork)
	lab.POST("/lab-requests/:id/complete", h.CompleteLabWork)

	pharmacy := api.Group("", auth.RequireRole(auth.RolePharmacist))
	pharmacy.POST("/prescriptions/:id/dispense", h.Dispense)

	finance := api.Group("", auth.RequireRole(auth.RoleFinance))
	finance.POST("/payments/:id/settle", h.SettlePayment)
	finance.POST("/payments/:id/waive", h.WaivePayment)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validationf("invalid id %q", c.Param("id"))
	}
	return id, nil
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validationf("invalid request body: %v", err)
	}
	return nil
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	var d patient.Demographics
	if err := bind(c, &d); err != nil {
		return err
	}
	ctx := c.Request().Context()
	reg, err := h.orch.RegisterPatient(ctx, d, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, reg)
}

func (h *Handler) StartConsultation(c echo.Context) error {
	var req StartRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	out, err := h.orch.StartConsultation(ctx, req, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, out)
}

// CompleteConsultation answers 200 both for the first completion and for a
// repeat, which reports already_completed.
func (h *Handler) CompleteConsultation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var notes clinical.ClinicalNotes
	if err := bind(c, &notes); err != nil {
		return err
	}
	ctx := c.Request().Context()
	out, err := h.orch.CompleteConsultation(ctx, id, notes, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) AbandonConsultation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	out, err := h.orch.AbandonConsultation(ctx, id, req.Reason, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListConsultations(c echo.Context) error {
	id, err := h.patients.ResolveID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.orch.ListPatientConsultations(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ReviewLabResults(c echo.Context) error {
	id, err := h.patients.ResolveID(c)
	if err != nil {
		return err
	}
	var req LabReview
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	p, err := h.orch.ReviewLabResults(ctx, id, req, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) StartLabWork(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	out, err := h.orch.StartLabWork(ctx, id, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

type labResultsRequest struct {
	Results map[string]string `json:"results"`
}

func (h *Handler) CompleteLabWork(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req labResultsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	out, err := h.orch.CompleteLabWork(ctx, id, req.Results, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

type dispenseRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) Dispense(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req dispenseRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	out, err := h.orch.Dispense(ctx, id, req.Quantity, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

type settleRequest struct {
	PaymentMethod string `json:"payment_method"`
}

func (h *Handler) SettlePayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req settleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	out, err := h.orch.SettlePayment(ctx, id, req.PaymentMethod, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) WaivePayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	out, err := h.orch.WaivePayment(ctx, id, req.Reason, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

type noteRequest struct {
	Note string `json:"note"`
}

func (h *Handler) CheckIn(c echo.Context) error {
	id, err := h.patients.ResolveID(c)
	if err != nil {
		return err
	}
	var req noteRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	p, err := h.orch.CheckIn(ctx, id, req.Note, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Discharge(c echo.Context) error {
	id, err := h.patients.ResolveID(c)
	if err != nil {
		return err
	}
	var req noteRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	p, err := h.orch.Discharge(ctx, id, req.Note, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) OverrideStatus(c echo.Context) error {
	id, err := h.patients.ResolveID(c)
	if err != nil {
		return err
	}
	var req patient.TransitionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	p, err := h.orch.OverrideStatus(ctx, id, req, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}
