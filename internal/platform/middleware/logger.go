package middleware

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger writes one structured line per request. Billing session and patient
// identifiers from the route are attached when present.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			status := c.Response().Status
			evt := logger.Info()
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case err != nil || status >= 400:
				evt = logger.Warn().Err(err)
			}

			evt = evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())
			if id := c.Param("id"); id != "" && strings.Contains(c.Path(), "/billing/sessions") {
				evt = evt.Str("session_id", id)
			}
			if pid := c.Param("patient_id"); pid != "" {
				evt = evt.Str("patient_id", pid)
			}
			evt.Msg("request")

			return err
		}
	}
}
