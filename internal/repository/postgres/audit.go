package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arklim/ipc-gateway/internal/core/domain"
	"github.com/arklim/ipc-gateway/internal/core/port"
)

const auditTable = "gateway.audit_events"

// AuditRepository implements port.AuditArchive over PostgreSQL. The archive
// is fed in batches from the audit flusher; queries serve operator tooling.
type AuditRepository struct {
	pool    *pgxpool.Pool
	builder squirrel.StatementBuilderType
}

// NewAuditRepository constructs an audit archive repository instance.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{
		pool:    pool,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Insert persists a batch of audit events in order.
func (r *AuditRepository) Insert(ctx context.Context, events []domain.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	insert := r.builder.Insert(auditTable).
		Columns("event_id", "occurred_at", "session_id", "command", "outcome", "reason", "severity", "detail")

	for _, ev := range events {
		detail, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		insert = insert.Values(ev.EventID, ev.Timestamp, ev.SessionID, ev.Command, string(ev.Outcome), string(ev.Reason), string(ev.Severity), detail)
	}

	stmt, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("build insert audit sql: %w", err)
	}

	if _, err := r.pool.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert audit events: %w", err)
	}

	return nil
}

// QueryBySession returns the newest events for a session, newest first.
func (r *AuditRepository) QueryBySession(ctx context.Context, sessionID string, limit int) ([]domain.AuditEvent, error) {
	stmt, args, err := r.selectColumns().
		Where(squirrel.Eq{"session_id": sessionID}).
		OrderBy("event_id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select audit by session sql: %w", err)
	}

	return r.queryEvents(ctx, stmt, args)
}

// QueryByTimeRange returns events within [from, to), oldest first.
func (r *AuditRepository) QueryByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]domain.AuditEvent, error) {
	stmt, args, err := r.selectColumns().
		Where(squirrel.GtOrEq{"occurred_at": from}).
		Where(squirrel.Lt{"occurred_at": to}).
		OrderBy("event_id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select audit by range sql: %w", err)
	}

	return r.queryEvents(ctx, stmt, args)
}

// PurgeOlderThan deletes events past the retention horizon and reports the
// number removed.
func (r *AuditRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	stmt, args, err := r.builder.Delete(auditTable).
		Where(squirrel.Lt{"occurred_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete audit sql: %w", err)
	}

	tag, err := r.pool.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}

	return tag.RowsAffected(), nil
}

func (r *AuditRepository) selectColumns() squirrel.SelectBuilder {
	return r.builder.Select(
		"event_id",
		"occurred_at",
		"session_id",
		"command",
		"outcome",
		"reason",
		"severity",
		"detail",
	).From(auditTable)
}

func (r *AuditRepository) queryEvents(ctx context.Context, stmt string, args []any) ([]domain.AuditEvent, error) {
	rows, err := r.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var (
			ev       domain.AuditEvent
			outcome  string
			reason   string
			severity string
			detail   []byte
		)
		if err := rows.Scan(&ev.EventID, &ev.Timestamp, &ev.SessionID, &ev.Command, &outcome, &reason, &severity, &detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Outcome = domain.Outcome(outcome)
		ev.Reason = domain.DenialReason(reason)
		ev.Severity = domain.Severity(severity)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &ev.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal audit detail: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}

	return events, nil
}

var _ port.AuditArchive = (*AuditRepository)(nil)
