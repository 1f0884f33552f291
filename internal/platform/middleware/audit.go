package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/auth"
)

// AuditEntry is one staff access to a patient-facing API route.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string
	ResourceID string
	Operation  string
	Action     string // read, create, update, delete
	IPAddress  string
	Path       string
	Method     string
	TenantID   string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1 request after it completes, with the acting user,
// the resource touched and the outcome. Recorders, when given, receive the
// same entry; a recorder failure is logged and never fails the request.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			ctx := req.Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Action:     httpMethodToAction(req.Method),
				IPAddress:  c.RealIP(),
				Path:       path,
				Method:     req.Method,
				StatusCode: c.Response().Status,
				Timestamp:  time.Now().UTC(),
			}
			if he, ok := err.(*echo.HTTPError); ok {
				entry.StatusCode = he.Code
			}
			entry.Resource, entry.ResourceID, entry.Operation = splitResourcePath(path)
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.TenantID, _ = c.Get("tenant_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("operation", entry.Operation).
				Str("action", entry.Action).
				Int("status", entry.StatusCode).
				Str("remote_ip", entry.IPAddress).
				Msg("staff_access")

			return err
		}
	}
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// splitResourcePath turns /api/v1/consultations/<id>/complete into
// ("consultations", "<id>", "complete").
func splitResourcePath(path string) (resource, id, operation string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	resource = "unknown"
	if len(segments) > 0 && segments[0] != "" {
		resource = segments[0]
	}
	if len(segments) > 1 {
		id = segments[1]
	}
	if len(segments) > 2 {
		operation = strings.Join(segments[2:], "/")
	}
	return resource, id, operation
}
