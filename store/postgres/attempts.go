package postgres

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrEthical07/authcore"
)

// AttemptSink is an audit sink that records login outcomes in the
// login_attempts table. Other event types are ignored.
type AttemptSink struct {
	db      *pgxpool.Pool
	logger  *slog.Logger
	timeout time.Duration
}

var _ authcore.AuditSink = (*AttemptSink)(nil)

func NewAttemptSink(db *pgxpool.Pool, logger *slog.Logger) *AttemptSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttemptSink{db: db, logger: logger, timeout: 2 * time.Second}
}

func recordsAttempt(eventType string) bool {
	return strings.HasPrefix(eventType, "login_") ||
		eventType == "account_locked" ||
		eventType == "mfa_success" ||
		eventType == "mfa_failure"
}

func (s *AttemptSink) Emit(ctx context.Context, event authcore.AuditEvent) {
	if !recordsAttempt(event.EventType) {
		return
	}
	id, err := uuid.Parse(event.ID)
	if err != nil {
		id = uuid.New()
	}
	reason := event.Error
	if r := event.Metadata["reason"]; r != "" {
		reason = r
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err = s.db.Exec(ctx,
		`INSERT INTO login_attempts (event_id, event_type, identity_id, ip_address, user_agent, success, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, event.EventType, event.UserID, event.IP, event.UserAgent, event.Success, reason, event.Timestamp,
	)
	if err != nil {
		s.logger.Warn("login attempt not recorded", "event_type", event.EventType, "error", err)
	}
}

// RecentAttempts returns the newest login attempts for identityID.
func (s *AttemptSink) RecentAttempts(ctx context.Context, identityID string, limit int) ([]authcore.AuditEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT event_id, event_type, ip_address, user_agent, success, reason, created_at
		 FROM login_attempts WHERE identity_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		identityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []authcore.AuditEvent
	for rows.Next() {
		var (
			ev authcore.AuditEvent
			id uuid.UUID
		)
		if err := rows.Scan(&id, &ev.EventType, &ev.IP, &ev.UserAgent, &ev.Success, &ev.Error, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.ID = id.String()
		ev.UserID = identityID
		out = append(out, ev)
	}
	return out, rows.Err()
}
