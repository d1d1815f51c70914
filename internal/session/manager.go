// Package session owns the lifecycle of authenticated sessions: handshake,
// validation, risk tracking, token rotation, and termination. All state is
// in-memory and sharded by token hash; sessions never leave the process and
// tokens are only ever stored hashed.
package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/ipc-gateway/internal/core/domain"
	"github.com/arklim/ipc-gateway/internal/core/port"
	"github.com/arklim/ipc-gateway/internal/infra/security"
)

// Config tunes session lifetimes and risk handling.
type Config struct {
	AbsoluteTTL       time.Duration
	IdleTimeout       time.Duration
	TokenBytes        int
	RiskFlagThreshold int
	RiskHalfLife      time.Duration
	MaxFailedAttempts int
	Shards            int
	DenylistCap       int
	HandshakeWindow   time.Duration
	HandshakeMaxPerIP int
}

func (c *Config) applyDefaults() {
	if c.AbsoluteTTL <= 0 {
		c.AbsoluteTTL = 24 * time.Hour
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.TokenBytes <= 0 {
		c.TokenBytes = 32
	}
	if c.RiskFlagThreshold <= 0 {
		c.RiskFlagThreshold = 70
	}
	if c.RiskHalfLife <= 0 {
		c.RiskHalfLife = 10 * time.Minute
	}
	if c.MaxFailedAttempts <= 0 {
		c.MaxFailedAttempts = 5
	}
	if c.Shards <= 0 {
		c.Shards = 16
	}
	if c.DenylistCap <= 0 {
		c.DenylistCap = 10000
	}
	if c.HandshakeWindow <= 0 {
		c.HandshakeWindow = time.Minute
	}
	if c.HandshakeMaxPerIP <= 0 {
		c.HandshakeMaxPerIP = 10
	}
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session // keyed by token hash
}

// Manager is the sole owner of session state. Other pipeline stages receive
// snapshots only.
type Manager struct {
	cfg    Config
	shards []*shard

	idMu    sync.Mutex
	byID    map[string]string // session id -> current token hash
	riskAt  map[string]time.Time

	denyMu    sync.Mutex
	denylist  map[string]struct{}
	denyOrder []string

	handshake port.HandshakeLimitStore
	totp      *security.TOTPVerifier
	expand    func([]string) map[string]struct{}
	onFlagged func(domain.Session)
	clock     func() time.Time
	log       *zap.Logger
}

type Option func(*Manager)

// WithClock injects a time source for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithHandshakeStore backs the pre-auth origin throttle with an external
// store so it survives restarts.
func WithHandshakeStore(store port.HandshakeLimitStore) Option {
	return func(m *Manager) { m.handshake = store }
}

// WithTOTP enables second-factor verification.
func WithTOTP(verifier *security.TOTPVerifier) Option {
	return func(m *Manager) { m.totp = verifier }
}

// WithPermissionExpander installs the hierarchy expansion applied to granted
// permission names at handshake time.
func WithPermissionExpander(expand func([]string) map[string]struct{}) Option {
	return func(m *Manager) { m.expand = expand }
}

// WithFlagHook registers a callback invoked once per flag transition with a
// snapshot of the flagged session.
func WithFlagHook(hook func(domain.Session)) Option {
	return func(m *Manager) { m.onFlagged = hook }
}

func NewManager(cfg Config, log *zap.Logger, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:      cfg,
		shards:   make([]*shard, cfg.Shards),
		byID:     make(map[string]string),
		riskAt:   make(map[string]time.Time),
		denylist: make(map[string]struct{}),
		clock:    time.Now,
		log:      log,
	}
	for i := range m.shards {
		m.shards[i] = &shard{sessions: make(map[string]*domain.Session)}
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.handshake == nil {
		m.handshake = newMemoryHandshakeStore()
	}
	if m.expand == nil {
		m.expand = func(granted []string) map[string]struct{} {
			out := make(map[string]struct{}, len(granted))
			for _, name := range granted {
				out[name] = struct{}{}
			}
			return out
		}
	}
	return m
}

// Create performs the handshake: throttles by origin, mints a session with
// an opaque token, and returns the plaintext token exactly once.
func (m *Manager) Create(ctx context.Context, origin, userAgent, clientLabel string, granted []string) (domain.Session, string, error) {
	now := m.clock()

	if err := m.handshake.TrimWindow(ctx, origin, m.cfg.HandshakeWindow, now); err != nil {
		return domain.Session{}, "", fmt.Errorf("trim handshake window: %w", err)
	}
	attempts, err := m.handshake.CountAttempts(ctx, origin, m.cfg.HandshakeWindow, now)
	if err != nil {
		return domain.Session{}, "", fmt.Errorf("count handshake attempts: %w", err)
	}
	if attempts >= m.cfg.HandshakeMaxPerIP {
		retry := m.cfg.HandshakeWindow
		if oldest, ok, err := m.handshake.OldestAttempt(ctx, origin, m.cfg.HandshakeWindow, now); err == nil && ok {
			retry = oldest.Add(m.cfg.HandshakeWindow).Sub(now)
		}
		return domain.Session{}, "", domain.NewRateLimitDenial(retry, "handshake throttled")
	}
	if err := m.handshake.RecordAttempt(ctx, origin, now); err != nil {
		return domain.Session{}, "", fmt.Errorf("record handshake attempt: %w", err)
	}

	token, err := security.GenerateSecureToken(m.cfg.TokenBytes)
	if err != nil {
		return domain.Session{}, "", err
	}
	hash := security.HashToken(token)

	sess := &domain.Session{
		ID:                uuid.NewString(),
		TokenHash:         hash,
		State:             domain.SessionActive,
		Permissions:       m.expand(granted),
		CreatedAt:         now,
		LastAccessedAt:    now,
		ExpiresAt:         now.Add(m.cfg.AbsoluteTTL),
		DeviceFingerprint: security.Fingerprint(origin, userAgent, clientLabel),
		OriginAddress:     origin,
		UserAgent:         userAgent,
		ClientLabel:       clientLabel,
	}

	sh := m.shardFor(hash)
	sh.mu.Lock()
	sh.sessions[hash] = sess
	snapshot := sess.Snapshot()
	sh.mu.Unlock()

	m.idMu.Lock()
	m.byID[sess.ID] = hash
	m.riskAt[sess.ID] = now
	m.idMu.Unlock()

	m.log.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("client_label", clientLabel),
	)

	return snapshot, token, nil
}

// Validate authenticates a token and returns a session snapshot. Expired,
// terminated, denylisted, and unknown tokens all map to the same denial so
// callers cannot probe session existence. Risk decays lazily here and the
// presented origin and agent are checked against the handshake fingerprint.
func (m *Manager) Validate(token, origin, userAgent string) (domain.Session, *domain.Denial) {
	hash := security.HashToken(token)
	now := m.clock()

	if m.isDenylisted(hash) {
		return domain.Session{}, domain.NewDenial(domain.DenialSessionExpired)
	}

	sh := m.shardFor(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[hash]
	if !ok || sess.State == domain.SessionTerminated {
		return domain.Session{}, domain.NewDenial(domain.DenialSessionExpired)
	}
	if sess.IsExpired(now, m.cfg.IdleTimeout) {
		m.terminateLocked(sess, "expired", now)
		return domain.Session{}, domain.NewDenial(domain.DenialSessionExpired)
	}

	m.decayLocked(sess, now)

	fp := security.Fingerprint(origin, userAgent, sess.ClientLabel)
	if fp != sess.DeviceFingerprint {
		// Mid-session origin or agent change is an anomaly signal, not an
		// immediate denial: the session takes a risk hit and may flag.
		m.raiseRiskLocked(sess, 25, now, "fingerprint mismatch")
	}

	sess.Touch(now)
	return sess.Snapshot(), nil
}

// AdjustRisk applies a delta to the session's risk score, flagging it when
// the score crosses the threshold. Returns the new score and whether this
// call caused the flag transition.
func (m *Manager) AdjustRisk(sessionID string, delta int, cause string) (int, bool) {
	hash, ok := m.hashForID(sessionID)
	if !ok {
		return 0, false
	}
	now := m.clock()

	sh := m.shardFor(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[hash]
	if !ok || sess.State == domain.SessionTerminated {
		return 0, false
	}

	m.decayLocked(sess, now)
	wasFlagged := sess.State == domain.SessionFlagged
	score := m.raiseRiskLocked(sess, delta, now, cause)
	return score, !wasFlagged && sess.State == domain.SessionFlagged
}

// NoteFailedAttempt counts a denied command against the session and
// terminates it once the failure budget is exhausted. Returns true when this
// call terminated the session.
func (m *Manager) NoteFailedAttempt(sessionID string) bool {
	hash, ok := m.hashForID(sessionID)
	if !ok {
		return false
	}
	now := m.clock()

	sh := m.shardFor(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[hash]
	if !ok || sess.State == domain.SessionTerminated {
		return false
	}
	sess.FailedAttempts++
	if sess.FailedAttempts >= m.cfg.MaxFailedAttempts {
		m.terminateLocked(sess, "failed attempt budget exhausted", now)
		return true
	}
	return false
}

// ClearFailedAttempts resets the failure counter after an allowed command.
func (m *Manager) ClearFailedAttempts(sessionID string) {
	hash, ok := m.hashForID(sessionID)
	if !ok {
		return
	}
	sh := m.shardFor(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sess, ok := sh.sessions[hash]; ok {
		sess.FailedAttempts = 0
	}
}

// VerifySecondFactor checks a TOTP code and, on success, records the step's
// completion time on the session. Verification is also how a flagged session
// regains trust: it returns to active with part of its risk score forgiven.
func (m *Manager) VerifySecondFactor(token, code string) *domain.Denial {
	if m.totp == nil {
		return domain.NewDenial(domain.DenialSecondFactorRequired)
	}
	hash := security.HashToken(token)
	now := m.clock()

	sh := m.shardFor(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[hash]
	if !ok || sess.State == domain.SessionTerminated || sess.IsExpired(now, m.cfg.IdleTimeout) {
		return domain.NewDenial(domain.DenialSessionExpired)
	}

	if !m.totp.Verify(sess.ClientLabel, code, now) {
		sess.FailedAttempts++
		if sess.FailedAttempts >= m.cfg.MaxFailedAttempts {
			m.terminateLocked(sess, "second factor failures", now)
			return domain.NewDenial(domain.DenialSessionExpired)
		}
		return domain.NewDenial(domain.DenialSecondFactorRequired)
	}

	sess.FailedAttempts = 0
	at := now
	sess.SecondFactorAt = &at
	if sess.State == domain.SessionFlagged {
		sess.AdjustRisk(-20)
		sess.State = domain.SessionActive
		m.log.Info("flagged session re-verified",
			zap.String("session_id", sess.ID),
			zap.Int("risk_score", sess.RiskScore),
		)
	}
	return nil
}

// EnrollSecondFactor provisions a TOTP secret for the session's client label
// and returns the shared secret with its otpauth URL. Enrollment is refused
// once a secret exists; the session keeps using the one it enrolled with.
func (m *Manager) EnrollSecondFactor(token string) (string, string, *domain.Denial) {
	if m.totp == nil {
		return "", "", domain.NewDenial(domain.DenialSecondFactorRequired)
	}
	hash := security.HashToken(token)
	now := m.clock()

	sh := m.shardFor(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[hash]
	if !ok || sess.State == domain.SessionTerminated || sess.IsExpired(now, m.cfg.IdleTimeout) {
		return "", "", domain.NewDenial(domain.DenialSessionExpired)
	}

	secret, url, err := m.totp.Enroll(sess.ClientLabel)
	if err != nil {
		return "", "", domain.NewDenial(domain.DenialSecondFactorRequired)
	}
	m.log.Info("second factor enrolled",
		zap.String("session_id", sess.ID),
		zap.String("client_label", sess.ClientLabel),
	)
	return secret, url, nil
}

// Refresh rotates the session token: the old token joins the denylist and a
// fresh token is returned. The session keeps its identity, permissions, and
// risk history.
func (m *Manager) Refresh(token string) (string, *domain.Denial) {
	oldHash := security.HashToken(token)
	now := m.clock()

	if m.isDenylisted(oldHash) {
		return "", domain.NewDenial(domain.DenialSessionExpired)
	}

	newToken, err := security.GenerateSecureToken(m.cfg.TokenBytes)
	if err != nil {
		return "", domain.NewDenial(domain.DenialSessionExpired)
	}
	newHash := security.HashToken(newToken)

	oldShard := m.shardFor(oldHash)
	oldShard.mu.Lock()
	sess, ok := oldShard.sessions[oldHash]
	if !ok || sess.State == domain.SessionTerminated || sess.IsExpired(now, m.cfg.IdleTimeout) {
		oldShard.mu.Unlock()
		return "", domain.NewDenial(domain.DenialSessionExpired)
	}
	delete(oldShard.sessions, oldHash)
	oldShard.mu.Unlock()

	sess.TokenHash = newHash
	sess.Touch(now)

	newShard := m.shardFor(newHash)
	newShard.mu.Lock()
	newShard.sessions[newHash] = sess
	newShard.mu.Unlock()

	m.idMu.Lock()
	m.byID[sess.ID] = newHash
	m.idMu.Unlock()

	m.denylistHash(oldHash)

	m.log.Info("session token rotated", zap.String("session_id", sess.ID))
	return newToken, nil
}

// Terminate ends the session behind the token. Termination is absorbing; a
// terminated session can never validate again.
func (m *Manager) Terminate(token, reason string) bool {
	hash := security.HashToken(token)
	sh := m.shardFor(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[hash]
	if !ok || sess.State == domain.SessionTerminated {
		return false
	}
	m.terminateLocked(sess, reason, m.clock())
	return true
}

// TerminateByID ends a session by its identifier, for operator tooling.
func (m *Manager) TerminateByID(sessionID, reason string) bool {
	hash, ok := m.hashForID(sessionID)
	if !ok {
		return false
	}
	sh := m.shardFor(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[hash]
	if !ok || sess.State == domain.SessionTerminated {
		return false
	}
	m.terminateLocked(sess, reason, m.clock())
	return true
}

// Sweep removes expired and terminated sessions and returns how many were
// dropped. Run periodically; expiry is otherwise enforced lazily on access.
func (m *Manager) Sweep() int {
	now := m.clock()
	removed := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for hash, sess := range sh.sessions {
			if sess.State == domain.SessionTerminated || sess.IsExpired(now, m.cfg.IdleTimeout) {
				delete(sh.sessions, hash)
				m.idMu.Lock()
				delete(m.byID, sess.ID)
				delete(m.riskAt, sess.ID)
				m.idMu.Unlock()
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Stats summarizes live session state for the stats endpoint.
type Stats struct {
	Active     int `json:"active"`
	Flagged    int `json:"flagged"`
	Denylisted int `json:"denylisted_tokens"`
}

func (m *Manager) Stats() Stats {
	var st Stats
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, sess := range sh.sessions {
			switch sess.State {
			case domain.SessionActive:
				st.Active++
			case domain.SessionFlagged:
				st.Flagged++
			}
		}
		sh.mu.Unlock()
	}
	m.denyMu.Lock()
	st.Denylisted = len(m.denylist)
	m.denyMu.Unlock()
	return st
}

// raiseRiskLocked applies a positive risk delta and handles the flag
// transition. Caller holds the shard lock.
func (m *Manager) raiseRiskLocked(sess *domain.Session, delta int, now time.Time, cause string) int {
	score := sess.AdjustRisk(delta)
	m.idMu.Lock()
	m.riskAt[sess.ID] = now
	m.idMu.Unlock()

	if score >= m.cfg.RiskFlagThreshold && sess.State == domain.SessionActive {
		sess.State = domain.SessionFlagged
		m.log.Warn("session flagged",
			zap.String("session_id", sess.ID),
			zap.Int("risk_score", score),
			zap.String("cause", cause),
		)
		if m.onFlagged != nil {
			m.onFlagged(sess.Snapshot())
		}
	}
	return score
}

// decayLocked applies lazy exponential decay since the last risk update.
// Caller holds the shard lock.
func (m *Manager) decayLocked(sess *domain.Session, now time.Time) {
	m.idMu.Lock()
	last, ok := m.riskAt[sess.ID]
	m.riskAt[sess.ID] = now
	m.idMu.Unlock()
	if !ok {
		return
	}
	sess.DecayRisk(now.Sub(last), m.cfg.RiskHalfLife)
	// Decay lowers the score but never unflags: the only exits from the
	// flagged state are a successful second-factor verification or
	// termination.
}

func (m *Manager) terminateLocked(sess *domain.Session, reason string, now time.Time) {
	sess.State = domain.SessionTerminated
	sess.TerminatedReason = reason
	if now.After(sess.LastAccessedAt) {
		sess.LastAccessedAt = now
	}
	m.log.Info("session terminated",
		zap.String("session_id", sess.ID),
		zap.String("reason", reason),
	)
}

func (m *Manager) hashForID(sessionID string) (string, bool) {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	hash, ok := m.byID[sessionID]
	return hash, ok
}

func (m *Manager) isDenylisted(hash string) bool {
	m.denyMu.Lock()
	defer m.denyMu.Unlock()
	_, ok := m.denylist[hash]
	return ok
}

// denylistHash records a rotated-out token hash, evicting the oldest entries
// once the cap is reached.
func (m *Manager) denylistHash(hash string) {
	m.denyMu.Lock()
	defer m.denyMu.Unlock()
	if _, ok := m.denylist[hash]; ok {
		return
	}
	m.denylist[hash] = struct{}{}
	m.denyOrder = append(m.denyOrder, hash)
	for len(m.denyOrder) > m.cfg.DenylistCap {
		oldest := m.denyOrder[0]
		m.denyOrder = m.denyOrder[1:]
		delete(m.denylist, oldest)
	}
}

func (m *Manager) shardFor(hash string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hash))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}
