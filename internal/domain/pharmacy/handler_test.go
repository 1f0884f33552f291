package pharmacy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
)

func newTestRouter(t *testing.T) (*echo.Echo, *Service) {
	t.Helper()
	svc, _ := newTestService()
	e := echo.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(zerolog.Nop())
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			roles := strings.Split(c.Request().Header.Get("X-Roles"), ",")
			ctx := auth.WithIdentity(c.Request().Context(), "user-1", roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(svc).RegisterRoutes(api)
	return e, svc
}

func serve(e *echo.Echo, method, path, body, roles string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Roles", roles)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_UpsertAndMove(t *testing.T) {
	e, _ := newTestRouter(t)

	body := `{"code":"amox500","name":"Amoxicillin 500mg","category":"ANTIBIOTIC","initial_stock":20}`
	rec := serve(e, http.MethodPut, "/api/v1/medications", body, auth.RolePharmacist)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = serve(e, http.MethodPut, "/api/v1/medications", body, auth.RolePharmacist)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on update, got %d", rec.Code)
	}

	rec = serve(e, http.MethodPost, "/api/v1/medications/AMOX500/movements",
		`{"movement_type":"EXPIRE","quantity":5,"notes":"batch 44"}`, auth.RolePharmacist)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var mv StockMovement
	json.Unmarshal(rec.Body.Bytes(), &mv)
	if mv.Quantity != -5 || mv.NewStock != 15 {
		t.Errorf("unexpected movement %+v", mv)
	}

	rec = serve(e, http.MethodGet, "/api/v1/medications/AMOX500/movements", "", auth.RoleDoctor)
	var page struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if rec.Code != http.StatusOK || page.Total != 2 {
		t.Errorf("expected 2 movements, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_RoutesRequireRoles(t *testing.T) {
	e, svc := newTestRouter(t)
	seed(t, svc, amoxicillin(5))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		roles  string
		want   int
	}{
		{"doctor can read", http.MethodGet, "/api/v1/medications/AMOX500", "", auth.RoleDoctor, http.StatusOK},
		{"finance can list", http.MethodGet, "/api/v1/medications?low_stock=true", "", auth.RoleFinance, http.StatusOK},
		{"doctor cannot restock", http.MethodPost, "/api/v1/medications/AMOX500/movements", `{"movement_type":"RESTOCK","quantity":1}`, auth.RoleDoctor, http.StatusForbidden},
		{"receptionist cannot deactivate", http.MethodDelete, "/api/v1/medications/AMOX500", "", auth.RoleReceptionist, http.StatusForbidden},
		{"unknown medication", http.MethodGet, "/api/v1/medications/NOPE", "", auth.RolePharmacist, http.StatusNotFound},
		{"overdraw", http.MethodPost, "/api/v1/medications/AMOX500/movements", `{"movement_type":"DAMAGE","quantity":6}`, auth.RolePharmacist, http.StatusBadRequest},
		{"pharmacist deactivates", http.MethodDelete, "/api/v1/medications/AMOX500", "", auth.RolePharmacist, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(e, tt.method, tt.path, tt.body, tt.roles)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}
