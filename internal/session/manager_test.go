package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/ipc-gateway/internal/core/domain"
	"github.com/arklim/ipc-gateway/internal/infra/security"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, clock *fakeClock, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewManager(Config{
		AbsoluteTTL:       24 * time.Hour,
		IdleTimeout:       30 * time.Minute,
		RiskFlagThreshold: 70,
		RiskHalfLife:      10 * time.Minute,
		MaxFailedAttempts: 5,
		HandshakeMaxPerIP: 3,
		HandshakeWindow:   time.Minute,
	}, zaptest.NewLogger(t), opts...)
}

func mustCreate(t *testing.T, m *Manager, origin string) (domain.Session, string) {
	t.Helper()
	sess, token, err := m.Create(context.Background(), origin, "test-agent/1.0", "desktop-ui", []string{"user"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess, token
}

func TestCreateAndValidate(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	created, token := mustCreate(t, m, "10.0.0.1")
	if created.State != domain.SessionActive {
		t.Fatalf("expected active session, got %s", created.State)
	}

	got, denial := m.Validate(token, "10.0.0.1", "test-agent/1.0")
	if denial != nil {
		t.Fatalf("unexpected denial: %v", denial)
	}
	if got.ID != created.ID {
		t.Fatal("validate returned a different session")
	}
	if got.RequestCount != 1 {
		t.Fatalf("expected request count 1, got %d", got.RequestCount)
	}
}

func TestValidateUnknownTokenDenied(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	_, denial := m.Validate("not-a-real-token", "10.0.0.1", "test-agent/1.0")
	if denial == nil || denial.Reason != domain.DenialSessionExpired {
		t.Fatalf("expected session_expired, got %v", denial)
	}
}

func TestIdleTimeoutExpiresSession(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	_, token := mustCreate(t, m, "10.0.0.1")

	clock.Advance(31 * time.Minute)

	_, denial := m.Validate(token, "10.0.0.1", "test-agent/1.0")
	if denial == nil || denial.Reason != domain.DenialSessionExpired {
		t.Fatalf("expected session_expired after idle timeout, got %v", denial)
	}
}

func TestAbsoluteExpiry(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	_, token := mustCreate(t, m, "10.0.0.1")

	// Keep the session warm past its absolute lifetime.
	for i := 0; i < 49; i++ {
		clock.Advance(29 * time.Minute)
		m.Validate(token, "10.0.0.1", "test-agent/1.0")
	}
	clock.Advance(29 * time.Minute)

	_, denial := m.Validate(token, "10.0.0.1", "test-agent/1.0")
	if denial == nil || denial.Reason != domain.DenialSessionExpired {
		t.Fatalf("expected session_expired after absolute TTL, got %v", denial)
	}
}

func TestTerminationIsAbsorbing(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	_, token := mustCreate(t, m, "10.0.0.1")

	if !m.Terminate(token, "client logout") {
		t.Fatal("terminate should succeed")
	}
	if m.Terminate(token, "again") {
		t.Fatal("second terminate should be a no-op")
	}

	_, denial := m.Validate(token, "10.0.0.1", "test-agent/1.0")
	if denial == nil || denial.Reason != domain.DenialSessionExpired {
		t.Fatalf("terminated session must not validate, got %v", denial)
	}
}

func TestFingerprintMismatchRaisesRiskAndFlags(t *testing.T) {
	clock := newFakeClock()
	var flagged []domain.Session
	m := newTestManager(t, clock, WithFlagHook(func(s domain.Session) {
		flagged = append(flagged, s)
	}))
	created, token := mustCreate(t, m, "10.0.0.1")

	// Same token presented from a different origin: risk climbs 25 per hit.
	got, denial := m.Validate(token, "192.168.9.9", "test-agent/1.0")
	if denial != nil {
		t.Fatalf("mismatch should not deny outright: %v", denial)
	}
	if got.RiskScore != 25 {
		t.Fatalf("expected risk 25, got %d", got.RiskScore)
	}

	m.Validate(token, "192.168.9.9", "test-agent/1.0")
	got, _ = m.Validate(token, "192.168.9.9", "test-agent/1.0")
	if got.State != domain.SessionFlagged {
		t.Fatalf("expected flagged state at risk %d", got.RiskScore)
	}
	if len(flagged) != 1 || flagged[0].ID != created.ID {
		t.Fatalf("expected exactly one flag transition, got %d", len(flagged))
	}
}

func TestRiskDecaysButFlagPersists(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	created, token := mustCreate(t, m, "10.0.0.1")

	score, transitioned := m.AdjustRisk(created.ID, 80, "test")
	if score != 80 || !transitioned {
		t.Fatalf("expected flag transition at 80, got score=%d transitioned=%v", score, transitioned)
	}

	// One half-life halves the score: 80 -> 40. The flag stays; only
	// re-verification or termination clears it.
	clock.Advance(10 * time.Minute)
	got, denial := m.Validate(token, "10.0.0.1", "test-agent/1.0")
	if denial != nil {
		t.Fatalf("unexpected denial: %v", denial)
	}
	if got.RiskScore != 40 {
		t.Fatalf("expected decayed risk 40, got %d", got.RiskScore)
	}
	if got.State != domain.SessionFlagged {
		t.Fatalf("decay must not unflag, got %s", got.State)
	}
}

func TestSecondFactorRestoresFlaggedSession(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "test", AccountName: "desktop-ui"})
	if err != nil {
		t.Fatalf("generate totp key: %v", err)
	}

	clock := newFakeClock()
	verifier := security.NewTOTPVerifier("test", map[string]string{"desktop-ui": key.Secret()})
	m := newTestManager(t, clock, WithTOTP(verifier))
	created, token := mustCreate(t, m, "10.0.0.1")

	m.AdjustRisk(created.ID, 80, "test")

	code, err := totp.GenerateCode(key.Secret(), clock.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if denial := m.VerifySecondFactor(token, code); denial != nil {
		t.Fatalf("valid code rejected: %v", denial)
	}

	got, denial := m.Validate(token, "10.0.0.1", "test-agent/1.0")
	if denial != nil {
		t.Fatalf("unexpected denial: %v", denial)
	}
	if got.State != domain.SessionActive {
		t.Fatalf("expected active after re-verification, got %s", got.State)
	}
	if got.RiskScore != 60 {
		t.Fatalf("expected risk 80-20=60 after re-verification, got %d", got.RiskScore)
	}
}

func TestRefreshRotatesTokenAndDenylistsOld(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	created, oldToken := mustCreate(t, m, "10.0.0.1")

	newToken, denial := m.Refresh(oldToken)
	if denial != nil {
		t.Fatalf("refresh failed: %v", denial)
	}
	if newToken == oldToken {
		t.Fatal("refresh must mint a new token")
	}

	got, denial := m.Validate(newToken, "10.0.0.1", "test-agent/1.0")
	if denial != nil {
		t.Fatalf("new token should validate: %v", denial)
	}
	if got.ID != created.ID {
		t.Fatal("rotation must preserve session identity")
	}

	if _, denial := m.Validate(oldToken, "10.0.0.1", "test-agent/1.0"); denial == nil {
		t.Fatal("old token must be denylisted after rotation")
	}
	if _, denial := m.Refresh(oldToken); denial == nil {
		t.Fatal("old token must not refresh either")
	}
}

func TestHandshakeThrottlePerOrigin(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	for i := 0; i < 3; i++ {
		mustCreate(t, m, "10.0.0.1")
	}

	_, _, err := m.Create(context.Background(), "10.0.0.1", "test-agent/1.0", "desktop-ui", nil)
	denial, ok := err.(*domain.Denial)
	if !ok || denial.Reason != domain.DenialRateLimited {
		t.Fatalf("expected rate_limited denial, got %v", err)
	}
	if denial.RetryAfter <= 0 {
		t.Fatal("expected a positive retry hint")
	}

	// A different origin is unaffected.
	mustCreate(t, m, "10.0.0.2")

	// The window slides: a minute later the origin may handshake again.
	clock.Advance(61 * time.Second)
	mustCreate(t, m, "10.0.0.1")
}

func TestFailedAttemptBudgetTerminates(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	created, token := mustCreate(t, m, "10.0.0.1")

	for i := 0; i < 4; i++ {
		if m.NoteFailedAttempt(created.ID) {
			t.Fatalf("attempt %d should not terminate yet", i+1)
		}
	}
	if !m.NoteFailedAttempt(created.ID) {
		t.Fatal("fifth failure should terminate the session")
	}

	if _, denial := m.Validate(token, "10.0.0.1", "test-agent/1.0"); denial == nil {
		t.Fatal("terminated session must not validate")
	}
}

func TestClearFailedAttemptsResetsBudget(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	created, _ := mustCreate(t, m, "10.0.0.1")

	for i := 0; i < 4; i++ {
		m.NoteFailedAttempt(created.ID)
	}
	m.ClearFailedAttempts(created.ID)

	if m.NoteFailedAttempt(created.ID) {
		t.Fatal("budget should have reset")
	}
}

func TestSecondFactorVerify(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "test", AccountName: "desktop-ui"})
	if err != nil {
		t.Fatalf("generate totp key: %v", err)
	}

	clock := newFakeClock()
	verifier := security.NewTOTPVerifier("test", map[string]string{"desktop-ui": key.Secret()})
	m := newTestManager(t, clock, WithTOTP(verifier))
	_, token := mustCreate(t, m, "10.0.0.1")

	if denial := m.VerifySecondFactor(token, "000000"); denial == nil {
		t.Fatal("bogus code must be rejected")
	}

	code, err := totp.GenerateCode(key.Secret(), clock.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if denial := m.VerifySecondFactor(token, code); denial != nil {
		t.Fatalf("valid code rejected: %v", denial)
	}

	got, denial := m.Validate(token, "10.0.0.1", "test-agent/1.0")
	if denial != nil {
		t.Fatalf("unexpected denial: %v", denial)
	}
	if got.SecondFactorAt == nil {
		t.Fatal("second factor completion not recorded")
	}
}

func TestSecondFactorEnrollThenVerify(t *testing.T) {
	clock := newFakeClock()
	verifier := security.NewTOTPVerifier("test", nil)
	m := newTestManager(t, clock, WithTOTP(verifier))
	_, token := mustCreate(t, m, "10.0.0.1")

	secret, url, denial := m.EnrollSecondFactor(token)
	if denial != nil {
		t.Fatalf("enrollment failed: %v", denial)
	}
	if secret == "" || url == "" {
		t.Fatal("enrollment must return a secret and an otpauth url")
	}

	// A second enrollment for the same client is refused.
	if _, _, denial := m.EnrollSecondFactor(token); denial == nil {
		t.Fatal("re-enrollment must be refused")
	}

	code, err := totp.GenerateCode(secret, clock.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if denial := m.VerifySecondFactor(token, code); denial != nil {
		t.Fatalf("code from enrolled secret rejected: %v", denial)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	mustCreate(t, m, "10.0.0.1")
	mustCreate(t, m, "10.0.0.2")

	clock.Advance(31 * time.Minute)
	mustCreate(t, m, "10.0.0.3")

	if removed := m.Sweep(); removed != 2 {
		t.Fatalf("expected 2 swept, got %d", removed)
	}
	if st := m.Stats(); st.Active != 1 {
		t.Fatalf("expected 1 active session, got %d", st.Active)
	}
}

func TestStatsCountsFlagged(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	created, _ := mustCreate(t, m, "10.0.0.1")
	mustCreate(t, m, "10.0.0.2")

	m.AdjustRisk(created.ID, 90, "test")

	st := m.Stats()
	if st.Active != 1 || st.Flagged != 1 {
		t.Fatalf("expected 1 active and 1 flagged, got %+v", st)
	}
}
