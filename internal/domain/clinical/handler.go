package clinical

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/pkg/pagination"
)

// Handler serves the encounter record endpoints that do not move the
// patient. Start, complete, lab work and dispensing are served by the
// workflow handler.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	doctor := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.GET("/consultations/:id", h.GetConsultation)
	doctor.PATCH("/consultations/:id", h.UpdateNotes)
	doctor.POST("/consultations/:id/prescriptions", h.CreatePrescription)
	doctor.POST("/consultations/:id/lab-requests", h.CreateLabRequest)
	doctor.DELETE("/prescriptions/:id", h.CancelPrescription)

	lab := api.Group("", auth.RequireRole(auth.RoleLabTechnician, auth.RoleDoctor))
	lab.GET("/lab-requests", h.LabQueue)

	pharmacy := api.Group("", auth.RequireRole(auth.RolePharmacist, auth.RoleDoctor))
	pharmacy.GET("/prescriptions", h.PharmacyQueue)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validationf("invalid id %q", c.Param("id"))
	}
	return id, nil
}

func statusFilter(c echo.Context) []string {
	raw := c.QueryParam("status")
	if raw == "" {
		return nil
	}
	parts := strings.Split(strings.ToUpper(raw), ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func (h *Handler) GetConsultation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	detail, err := h.svc.GetConsultation(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) UpdateNotes(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var notes ClinicalNotes
	if err := c.Bind(&notes); err != nil {
		return apperr.Validationf("invalid request body: %v", err)
	}
	ctx := c.Request().Context()
	out, err := h.svc.UpdateNotes(ctx, id, notes, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CreatePrescription(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in PrescriptionInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validationf("invalid request body: %v", err)
	}
	ctx := c.Request().Context()
	p, err := h.svc.CreatePrescription(ctx, id, in, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) CancelPrescription(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	p, err := h.svc.CancelPrescription(ctx, id, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) CreateLabRequest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in LabRequestInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validationf("invalid request body: %v", err)
	}
	ctx := c.Request().Context()
	l, err := h.svc.CreateLabRequest(ctx, id, in, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, l)
}

func (h *Handler) LabQueue(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.LabQueue(c.Request().Context(), statusFilter(c), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) PharmacyQueue(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.PharmacyQueue(c.Request().Context(), statusFilter(c), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
