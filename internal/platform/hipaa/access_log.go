package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/deid/internal/platform/db"
)

// Outcome codes follow the FHIR AuditEvent outcome value set.
const (
	OutcomeSuccess        = "0"
	OutcomeMinorFailure   = "4"
	OutcomeSeriousFailure = "8"
)

// AccessEvent is one request that revealed or destroyed protected values,
// stored in the phi_access_log table.
type AccessEvent struct {
	ID         uuid.UUID `json:"id"`
	RequestID  string    `json:"request_id"`
	Action     string    `json:"action"`
	Route      string    `json:"route"`
	Target     string    `json:"target"`
	Method     string    `json:"method"`
	StatusCode int       `json:"status_code"`
	Outcome    string    `json:"outcome"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	AccessedAt time.Time `json:"accessed_at"`
}

// OutcomeFor maps an HTTP status to an outcome code.
func OutcomeFor(status int) string {
	switch {
	case status >= 500:
		return OutcomeSeriousFailure
	case status >= 400:
		return OutcomeMinorFailure
	default:
		return OutcomeSuccess
	}
}

// AccessLog writes access events to PostgreSQL.
type AccessLog struct {
	pool *pgxpool.Pool
}

func NewAccessLog(pool *pgxpool.Pool) *AccessLog {
	return &AccessLog{pool: pool}
}

// Log inserts ev, filling in the id, the outcome and the timestamp when they
// are unset. It joins the transaction carried by ctx, if any.
func (a *AccessLog) Log(ctx context.Context, ev *AccessEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Outcome == "" {
		ev.Outcome = OutcomeFor(ev.StatusCode)
	}
	if ev.AccessedAt.IsZero() {
		ev.AccessedAt = time.Now().UTC()
	}

	_, err := db.Conn(ctx, a.pool).Exec(ctx, `
		INSERT INTO phi_access_log (
			id, request_id, action, route, target, method,
			status_code, outcome, ip_address, user_agent, accessed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ev.ID, ev.RequestID, ev.Action, ev.Route, ev.Target, ev.Method,
		ev.StatusCode, ev.Outcome, ev.IPAddress, ev.UserAgent, ev.AccessedAt,
	)
	if err != nil {
		return fmt.Errorf("hipaa access log: %w", err)
	}
	return nil
}
