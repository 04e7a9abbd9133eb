package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AccessEntry records one request that could reveal or destroy protected
// values: reidentification, original downloads and erasure.
type AccessEntry struct {
	RequestID  string
	Action     string
	Route      string
	Target     string
	Method     string
	IPAddress  string
	UserAgent  string
	StatusCode int
	Timestamp  time.Time
}

// AccessRecorder persists access entries.
type AccessRecorder interface {
	RecordAccess(ctx context.Context, entry AccessEntry) error
}

// AccessRecorderFunc is a function adapter for AccessRecorder.
type AccessRecorderFunc func(ctx context.Context, entry AccessEntry) error

func (f AccessRecorderFunc) RecordAccess(ctx context.Context, entry AccessEntry) error {
	return f(ctx, entry)
}

// auditedRoutes maps route patterns to actions and the path parameter naming
// the record or artifact.
var auditedRoutes = map[string]struct{ action, param string }{
	"GET /reidentify/:fileReference":   {"reidentify", "fileReference"},
	"GET /records/:recordId/fields":    {"reidentify", "recordId"},
	"GET /download-original/:recordId": {"download_original", "recordId"},
	"DELETE /records/:recordId":        {"erase", "recordId"},
}

// Audit logs every access to an audited route after the handler ran, and
// hands the entry to recorder when one is given. A failing recorder never
// fails the request.
func Audit(logger zerolog.Logger, recorder AccessRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route, ok := auditedRoutes[c.Request().Method+" "+c.Path()]
			if !ok {
				return next(c)
			}

			err := next(c)

			req := c.Request()
			entry := AccessEntry{
				RequestID:  RequestIDFrom(c),
				Action:     route.action,
				Route:      c.Path(),
				Target:     c.Param(route.param),
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: statusOf(c, err),
				Timestamp:  time.Now().UTC(),
			}

			if recorder != nil {
				if recErr := recorder.RecordAccess(context.WithoutCancel(req.Context()), entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record access entry")
				}
			}

			evt := logger.Info()
			if entry.Action == "erase" {
				evt = logger.Warn()
			}
			evt.
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("action", entry.Action).
				Str("target", entry.Target).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

// statusOf returns the status the client will see, including errors the
// echo error handler has not written yet.
func statusOf(c echo.Context, err error) int {
	if err != nil {
		if he, ok := err.(*echo.HTTPError); ok {
			return he.Code
		}
		return http.StatusInternalServerError
	}
	return c.Response().Status
}
