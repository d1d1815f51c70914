package port

import (
	"context"

	"github.com/arklim/ipc-gateway/internal/core/domain"
)

// EventPublisher mirrors high-severity gateway decisions to an external
// monitoring channel. Publishing is best effort and must never block the
// command pipeline.
type EventPublisher interface {
	PublishSecurityAlert(ctx context.Context, event domain.AuditEvent) error
	Close() error
}
