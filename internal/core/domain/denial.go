package domain

import (
	"fmt"
	"time"
)

// DenialReason is the closed set of machine-readable denial codes. Every
// denied dispatch maps to exactly one of these.
type DenialReason string

const (
	DenialUnknownCommand          DenialReason = "unknown_command"
	DenialBlocked                 DenialReason = "blocked"
	DenialInsufficientPermissions DenialReason = "insufficient_permissions"
	DenialSecondFactorRequired    DenialReason = "second_factor_required"
	DenialRateLimited             DenialReason = "rate_limited"
	DenialSessionExpired          DenialReason = "session_expired"
	DenialValidationFailed        DenialReason = "validation_failed"
	DenialValidationTimeout       DenialReason = "validation_timeout"
)

// Denial carries a denial reason plus the structured context some reasons
// require: the failing field and rule for validation_failed, the retry hint
// for rate_limited. It satisfies error so pipeline stages can return it
// directly.
type Denial struct {
	Reason     DenialReason
	Field      string
	Rule       string
	RetryAfter time.Duration
	Detail     string
}

func (d *Denial) Error() string {
	switch d.Reason {
	case DenialValidationFailed:
		return fmt.Sprintf("denied: %s (field=%s rule=%s)", d.Reason, d.Field, d.Rule)
	case DenialRateLimited:
		return fmt.Sprintf("denied: %s (retry_after=%s)", d.Reason, d.RetryAfter)
	default:
		return fmt.Sprintf("denied: %s", d.Reason)
	}
}

// NewDenial builds a plain denial for reasons that carry no extra context.
func NewDenial(reason DenialReason) *Denial {
	return &Denial{Reason: reason}
}

// NewValidationDenial builds a validation_failed denial naming the offending
// field and the rule it violated.
func NewValidationDenial(field, rule string) *Denial {
	return &Denial{Reason: DenialValidationFailed, Field: field, Rule: rule}
}

// NewRateLimitDenial builds a rate_limited denial with a retry hint.
func NewRateLimitDenial(retryAfter time.Duration, detail string) *Denial {
	return &Denial{Reason: DenialRateLimited, RetryAfter: retryAfter, Detail: detail}
}
