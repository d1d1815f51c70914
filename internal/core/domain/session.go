package domain

import (
	"math"
	"time"
)

// SessionState tracks the lifecycle of a session.
// Created is transient (exists only during the handshake), Terminated is absorbing.
type SessionState string

const (
	SessionCreated    SessionState = "created"
	SessionActive     SessionState = "active"
	SessionFlagged    SessionState = "flagged"
	SessionTerminated SessionState = "terminated"
)

// Session represents one authenticated interaction context between the UI
// surface and the backend. It is owned exclusively by the session manager;
// other pipeline stages only read a snapshot for the duration of one request.
type Session struct {
	ID                string
	TokenHash         string
	State             SessionState
	Permissions       map[string]struct{}
	CreatedAt         time.Time
	LastAccessedAt    time.Time
	ExpiresAt         time.Time
	DeviceFingerprint string
	OriginAddress     string
	UserAgent         string
	ClientLabel       string
	RiskScore         int
	RequestCount      uint64
	FailedAttempts    int
	SecondFactorAt    *time.Time
	TerminatedReason  string
}

// IsExpired reports whether the session has passed its absolute expiry or the
// supplied idle timeout at the given moment.
func (s *Session) IsExpired(at time.Time, idleTimeout time.Duration) bool {
	if !at.Before(s.ExpiresAt) {
		return true
	}
	if idleTimeout > 0 && at.Sub(s.LastAccessedAt) > idleTimeout {
		return true
	}
	return false
}

// Touch refreshes last-accessed metadata and increments the request counter.
// LastAccessedAt is monotonically non-decreasing.
func (s *Session) Touch(at time.Time) {
	if at.After(s.LastAccessedAt) {
		s.LastAccessedAt = at
	}
	s.RequestCount++
}

// HasPermission reports whether the session carries the named capability.
func (s *Session) HasPermission(name string) bool {
	_, ok := s.Permissions[name]
	return ok
}

// HasAllPermissions reports whether the session's permission set is a
// superset of the required capabilities.
func (s *Session) HasAllPermissions(required []string) bool {
	for _, name := range required {
		if !s.HasPermission(name) {
			return false
		}
	}
	return true
}

// SecondFactorFresh reports whether a second-factor step completed within the
// freshness window ending at the given moment.
func (s *Session) SecondFactorFresh(at time.Time, window time.Duration) bool {
	if s.SecondFactorAt == nil {
		return false
	}
	return at.Sub(*s.SecondFactorAt) <= window
}

// AdjustRisk applies a delta to the risk score, clamped to [0,100], and
// returns the new value.
func (s *Session) AdjustRisk(delta int) int {
	s.RiskScore += delta
	if s.RiskScore < 0 {
		s.RiskScore = 0
	}
	if s.RiskScore > 100 {
		s.RiskScore = 100
	}
	return s.RiskScore
}

// DecayRisk reduces the risk score exponentially for the elapsed interval.
// The half-life controls how quickly scrutiny recedes after flagged activity
// stops.
func (s *Session) DecayRisk(elapsed time.Duration, halfLife time.Duration) {
	if s.RiskScore <= 0 || halfLife <= 0 || elapsed <= 0 {
		return
	}
	factor := math.Exp2(-elapsed.Seconds() / halfLife.Seconds())
	s.RiskScore = int(math.Floor(float64(s.RiskScore) * factor))
}

// Snapshot returns a copy safe to hand to downstream pipeline stages.
func (s *Session) Snapshot() Session {
	cp := *s
	cp.Permissions = make(map[string]struct{}, len(s.Permissions))
	for name := range s.Permissions {
		cp.Permissions[name] = struct{}{}
	}
	if s.SecondFactorAt != nil {
		at := *s.SecondFactorAt
		cp.SecondFactorAt = &at
	}
	return cp
}
