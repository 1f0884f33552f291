package pharmacy

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.StaffRoles...))
	read.GET("/medications", h.List)
	read.GET("/medications/:code", h.Get)
	read.GET("/medications/:code/movements", h.Movements)

	pharmacist := api.Group("", auth.RequireRole(auth.RolePharmacist))
	pharmacist.PUT("/medications", h.Upsert)
	pharmacist.POST("/medications/:code/movements", h.Move)
	pharmacist.DELETE("/medications/:code", h.Deactivate)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	lowStock, _ := strconv.ParseBool(c.QueryParam("low_stock"))
	inactive, _ := strconv.ParseBool(c.QueryParam("include_inactive"))
	items, total, err := h.svc.List(c.Request().Context(), ListFilter{
		Query:           c.QueryParam("q"),
		Category:        c.QueryParam("category"),
		LowStockOnly:    lowStock,
		IncludeInactive: inactive,
		Limit:           pg.Limit,
		Offset:          pg.Offset,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	m, err := h.svc.Get(c.Request().Context(), c.Param("code"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) Movements(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Movements(c.Request().Context(), c.Param("code"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Upsert(c echo.Context) error {
	var in MedicationInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validationf("invalid request body: %v", err)
	}
	ctx := c.Request().Context()
	m, created, err := h.svc.Upsert(ctx, in, auth.ActorFromContext(ctx).ID)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, m)
}

func (h *Handler) Move(c echo.Context) error {
	var in MovementInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validationf("invalid request body: %v", err)
	}
	ctx := c.Request().Context()
	mv, err := h.svc.Move(ctx, c.Param("code"), in, auth.ActorFromContext(ctx).ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, mv)
}

func (h *Handler) Deactivate(c echo.Context) error {
	ctx := c.Request().Context()
	m, err := h.svc.Deactivate(ctx, c.Param("code"), auth.ActorFromContext(ctx).ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}
