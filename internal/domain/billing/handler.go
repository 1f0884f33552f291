package billing

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/pkg/pagination"
)

// Handler serves the payment ledger and price table. Settling and waiving
// move the patient and are served by the workflow handler.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	finance := api.Group("", auth.RequireRole(auth.RoleFinance, auth.RoleReceptionist))
	finance.GET("/payments", h.ListPayments)
	finance.GET("/payments/summary", h.DailySummary)
	finance.GET("/payments/:id", h.GetPayment)

	refunds := api.Group("", auth.RequireRole(auth.RoleFinance))
	refunds.POST("/payments/:id/refund", h.Refund)

	staff := api.Group("", auth.RequireRole(auth.StaffRoles...))
	staff.GET("/prices", h.ListPrices)
	staff.GET("/prices/:code", h.GetPrice)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.PUT("/prices", h.UpsertPrice)
	admin.DELETE("/prices/:code", h.DeactivatePrice)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validationf("invalid id %q", c.Param("id"))
	}
	return id, nil
}

func optionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, apperr.Validation("invalid filter", map[string]string{name: "must be a uuid"})
	}
	return &id, nil
}

func (h *Handler) optionalDate(c echo.Context, name string) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation("2006-01-02", raw, h.svc.Location())
	if err != nil {
		return nil, apperr.Validation("invalid filter", map[string]string{name: "must be YYYY-MM-DD"})
	}
	return &t, nil
}

func (h *Handler) ListPayments(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := PaymentFilter{
		Status:      c.QueryParam("status"),
		ServiceType: c.QueryParam("service_type"),
		Limit:       pg.Limit,
		Offset:      pg.Offset,
	}
	var err error
	if f.PatientID, err = optionalUUID(c, "patient_id"); err != nil {
		return err
	}
	if f.ReferenceID, err = optionalUUID(c, "reference_id"); err != nil {
		return err
	}
	if f.From, err = h.optionalDate(c, "from"); err != nil {
		return err
	}
	if f.To, err = h.optionalDate(c, "to"); err != nil {
		return err
	}
	if f.To != nil {
		// "to" is inclusive of the whole day.
		end := f.To.AddDate(0, 0, 1)
		f.To = &end
	}

	items, total, err := h.svc.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*ServicePayment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetPayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DailySummary(c echo.Context) error {
	date := h.svc.Today()
	d, err := h.optionalDate(c, "date")
	if err != nil {
		return err
	}
	if d != nil {
		date = *d
	}
	sum, err := h.svc.DailySummary(c.Request().Context(), date)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Refund(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validationf("invalid request body: %v", err)
	}
	ctx := c.Request().Context()
	p, err := h.svc.Refund(ctx, id, req.Reason, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPrices(c echo.Context) error {
	includeInactive, _ := strconv.ParseBool(c.QueryParam("include_inactive"))
	items, err := h.svc.ListPrices(c.Request().Context(), c.QueryParam("category"), includeInactive)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetPrice(c echo.Context) error {
	p, err := h.svc.GetPrice(c.Request().Context(), c.Param("code"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpsertPrice(c echo.Context) error {
	var p ServicePrice
	p.IsActive = true
	if err := c.Bind(&p); err != nil {
		return apperr.Validationf("invalid request body: %v", err)
	}
	if err := h.svc.UpsertPrice(c.Request().Context(), &p); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, &p)
}

func (h *Handler) DeactivatePrice(c echo.Context) error {
	if err := h.svc.DeactivatePrice(c.Request().Context(), c.Param("code")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
