package port

import (
	"context"
	"time"

	"github.com/arklim/ipc-gateway/internal/core/domain"
)

// AuditSink persists audit events in the order handed to it. Append is called
// from a single flusher goroutine; implementations do not need to reorder.
type AuditSink interface {
	Append(ctx context.Context, events []domain.AuditEvent) error
	Close() error
}

// AuditArchive is an optional queryable long-term store for audit events,
// fed from the same flusher that writes the sink.
type AuditArchive interface {
	Insert(ctx context.Context, events []domain.AuditEvent) error
	QueryBySession(ctx context.Context, sessionID string, limit int) ([]domain.AuditEvent, error)
	QueryByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]domain.AuditEvent, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
