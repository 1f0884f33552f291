package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
)

func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			status := c.Response().Status
			evt := logger.Info()
			if err != nil {
				// Domain errors are expected outcomes; only unknown errors are logged as failures.
				if appErr, ok := apperr.As(err); ok {
					status = appErr.HTTPStatus
					evt = logger.Warn().Str("error_code", appErr.Code).Str("error", appErr.Message)
				} else if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
					evt = logger.Warn().Err(err)
				} else {
					evt = logger.Error().Err(err)
				}
			}

			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("user_id", auth.UserIDFromContext(req.Context())).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
