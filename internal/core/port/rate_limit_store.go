package port

import (
	"context"
	"time"
)

// HandshakeLimitStore persists pre-auth attempt counters keyed by origin
// address, used to throttle session handshakes before any session exists.
type HandshakeLimitStore interface {
	TrimWindow(ctx context.Context, identifier string, window time.Duration, reference time.Time) error
	CountAttempts(ctx context.Context, identifier string, window time.Duration, reference time.Time) (int, error)
	RecordAttempt(ctx context.Context, identifier string, at time.Time) error
	OldestAttempt(ctx context.Context, identifier string, window time.Duration, reference time.Time) (time.Time, bool, error)
}
