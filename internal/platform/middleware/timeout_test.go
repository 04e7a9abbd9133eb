package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

// waitForCtx blocks until the request context ends, the way the pipeline
// does when a stage is slow, and returns its error without writing.
func waitForCtx(c echo.Context) error {
	<-c.Request().Context().Done()
	return c.Request().Context().Err()
}

func TestRequestTimeout(t *testing.T) {
	tests := []struct {
		name       string
		timeout    time.Duration
		handler    echo.HandlerFunc
		wantStatus int
		wantErr    bool
	}{
		{
			name:       "completes in time",
			timeout:    time.Second,
			handler:    func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
			wantStatus: http.StatusOK,
		},
		{
			name:       "deadline passes",
			timeout:    20 * time.Millisecond,
			handler:    waitForCtx,
			wantStatus: http.StatusGatewayTimeout,
		},
		{
			name:    "handler error within deadline",
			timeout: time.Second,
			handler: func(c echo.Context) error { return errors.New("ledger down") },
			wantErr: true,
		},
		{
			name:    "response already written",
			timeout: 20 * time.Millisecond,
			handler: func(c echo.Context) error {
				if err := c.String(http.StatusOK, "partial"); err != nil {
					return err
				}
				return waitForCtx(c)
			},
			wantStatus: http.StatusOK,
			wantErr:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := echo.New().NewContext(httptest.NewRequest(http.MethodPost, "/upload", nil), rec)

			err := RequestTimeout(tt.timeout)(tt.handler)(c)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantStatus != 0 && rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRequestTimeout_Body(t *testing.T) {
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodPost, "/upload", nil), rec)

	if err := RequestTimeout(10 * time.Millisecond)(waitForCtx)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body, got %s", rec.Body.String())
	}
	if body["error"] == "" {
		t.Error("expected an error message")
	}
}

func TestRequestTimeout_SetsDeadline(t *testing.T) {
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	_ = RequestTimeout(time.Minute)(func(c echo.Context) error {
		deadline, ok := c.Request().Context().Deadline()
		if !ok {
			t.Fatal("expected a deadline on the request context")
		}
		if time.Until(deadline) > time.Minute {
			t.Errorf("deadline too far out: %v", deadline)
		}
		return nil
	})(c)
}
