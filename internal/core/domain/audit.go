package domain

import "time"

// Severity grades audit events for retention and alerting decisions.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Outcome is the final disposition of one gateway decision.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
)

// AuditEvent is the append-only record of one gateway decision. Events are
// immutable once recorded; within a session they are strictly ordered by
// timestamp, ties broken by EventID.
type AuditEvent struct {
	EventID   uint64         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	Command   string         `json:"command"`
	Outcome   Outcome        `json:"outcome"`
	Reason    DenialReason   `json:"reason,omitempty"`
	Severity  Severity       `json:"severity"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Critical reports whether the event must never be dropped silently:
// blocked-tier denials and anomaly-triggered flag transitions bypass the
// buffer's overflow policy and force a synchronous flush attempt.
func (e *AuditEvent) Critical() bool {
	if e.Severity == SeverityCritical {
		return true
	}
	return e.Outcome == OutcomeDenied && e.Reason == DenialBlocked
}
