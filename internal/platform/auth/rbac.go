package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Staff roles. Admin passes every role check.
const (
	RoleAdmin         = "admin"
	RoleReceptionist  = "receptionist"
	RoleDoctor        = "doctor"
	RoleLabTechnician = "lab_technician"
	RolePharmacist    = "pharmacist"
	RoleFinance       = "finance"
)

// StaffRoles is every role allowed to read patient records.
var StaffRoles = []string{RoleReceptionist, RoleDoctor, RoleLabTechnician, RolePharmacist, RoleFinance}

// HasRole reports whether the caller holds role, or is an admin.
func HasRole(ctx context.Context, role string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == role || has == RoleAdmin {
			return true
		}
	}
	return false
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			for _, required := range roles {
				if HasRole(ctx, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// Actor is the authenticated caller as domain services see it.
type Actor struct {
	ID    string
	Roles []string
}

func ActorFromContext(ctx context.Context) Actor {
	return Actor{ID: UserIDFromContext(ctx), Roles: RolesFromContext(ctx)}
}

// Has reports whether the actor holds role, or is an admin.
func (a Actor) Has(role string) bool {
	for _, r := range a.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

func (a Actor) IsAdmin() bool {
	for _, r := range a.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}
