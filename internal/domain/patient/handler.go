package patient

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/pkg/pagination"
)

// Handler serves the registry endpoints. Registration itself lives with the
// workflow handler because it also raises the file fee.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.StaffRoles...))
	read.GET("/patients", h.Search)
	read.GET("/patients/:id", h.Get)
	read.GET("/patients/:id/history", h.History)

	reception := api.Group("", auth.RequireRole(auth.RoleReceptionist))
	reception.PATCH("/patients/:id", h.Update)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.DELETE("/patients/:id", h.Archive)
}

// ResolveID accepts either the row uuid or a PAT<n> patient number.
func (h *Handler) ResolveID(c echo.Context) (uuid.UUID, error) {
	raw := c.Param("id")
	if id, err := uuid.Parse(raw); err == nil {
		return id, nil
	}
	if strings.HasPrefix(strings.ToUpper(raw), "PAT") {
		p, err := h.svc.GetByNumber(c.Request().Context(), raw)
		if err != nil {
			return uuid.Nil, err
		}
		return p.ID, nil
	}
	return uuid.Nil, apperr.Validationf("invalid patient id %q", raw)
}

func (h *Handler) Search(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Search(c.Request().Context(), SearchFilter{
		Query:  c.QueryParam("q"),
		Status: Status(strings.ToUpper(c.QueryParam("status"))),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := h.ResolveID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) History(c echo.Context) error {
	id, err := h.ResolveID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.History(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Update(c echo.Context) error {
	id, err := h.ResolveID(c)
	if err != nil {
		return err
	}
	var d Demographics
	if err := c.Bind(&d); err != nil {
		return apperr.Validationf("invalid request body: %v", err)
	}
	ctx := c.Request().Context()
	p, err := h.svc.UpdateDemographics(ctx, id, d, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Archive(c echo.Context) error {
	id, err := h.ResolveID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.Archive(ctx, id, auth.UserIDFromContext(ctx)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
