// Package gateway runs the command validation pipeline: session validation,
// rate limiting, classification and authorization, argument sanitization,
// then execution. Every dispatch produces exactly one audit event, and the
// whole pipeline runs under a deadline that fails closed.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/ipc-gateway/internal/audit"
	"github.com/arklim/ipc-gateway/internal/classify"
	"github.com/arklim/ipc-gateway/internal/core/domain"
	"github.com/arklim/ipc-gateway/internal/core/port"
	"github.com/arklim/ipc-gateway/internal/infra/telemetry"
	"github.com/arklim/ipc-gateway/internal/ratelimit"
	"github.com/arklim/ipc-gateway/internal/sanitize"
	"github.com/arklim/ipc-gateway/internal/session"
)

// riskBlockedAttempt is added to a session's score when it invokes a
// blocked-tier command. Probing for blocked commands is the strongest abuse
// signal the pipeline sees.
const riskBlockedAttempt = 30

// riskRateLimitPenalty is added when the limiter escalates a key into
// penalty.
const riskRateLimitPenalty = 10

// Executor runs a command that passed the pipeline. It receives only
// normalized arguments; raw client input never crosses this boundary.
type Executor interface {
	Execute(ctx context.Context, command string, args map[string]any, sess domain.Session) (any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, command string, args map[string]any, sess domain.Session) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, command string, args map[string]any, sess domain.Session) (any, error) {
	return f(ctx, command, args, sess)
}

// Request is one inbound command invocation.
type Request struct {
	Token     string
	Origin    string
	UserAgent string
	Command   string
	Args      map[string]any
	RawSize   int
}

// Result is the pipeline's verdict plus the executor output when allowed.
// Err reports an executor failure after an allowed verdict; it is not a
// denial.
type Result struct {
	Allowed   bool
	Denial    *domain.Denial
	Output    any
	Err       error
	SessionID string
}

// Config tunes the pipeline.
type Config struct {
	DispatchDeadline time.Duration
}

// Gateway wires the pipeline stages together.
type Gateway struct {
	cfg        Config
	sessions   *session.Manager
	limiter    *ratelimit.Limiter
	classifier *classify.Classifier
	sanitizer  *sanitize.Sanitizer
	recorder   *audit.Recorder
	executor   Executor
	monitor    port.MonitorHook
	metrics    *telemetry.Metrics
	clock      func() time.Time
	log        *zap.Logger
}

type Option func(*Gateway)

// WithClock injects a time source for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) { g.clock = clock }
}

// WithMonitor surfaces pipeline degradation to operators.
func WithMonitor(monitor port.MonitorHook) Option {
	return func(g *Gateway) { g.monitor = monitor }
}

// WithMetrics instruments dispatch decisions.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(g *Gateway) { g.metrics = metrics }
}

func New(
	cfg Config,
	sessions *session.Manager,
	limiter *ratelimit.Limiter,
	classifier *classify.Classifier,
	sanitizer *sanitize.Sanitizer,
	recorder *audit.Recorder,
	executor Executor,
	log *zap.Logger,
	opts ...Option,
) *Gateway {
	if cfg.DispatchDeadline <= 0 {
		cfg.DispatchDeadline = 250 * time.Millisecond
	}
	g := &Gateway{
		cfg:        cfg,
		sessions:   sessions,
		limiter:    limiter,
		classifier: classifier,
		sanitizer:  sanitizer,
		recorder:   recorder,
		executor:   executor,
		clock:      time.Now,
		log:        log,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Dispatch runs one command through the pipeline. The validation stages
// share a deadline; if it expires before a verdict is reached, the command
// is denied with validation_timeout rather than forwarded unchecked.
func (g *Gateway) Dispatch(ctx context.Context, req Request) Result {
	start := g.clock()
	result := g.dispatch(ctx, req)
	g.observe(result, g.clock().Sub(start))
	return result
}

func (g *Gateway) observe(result Result, elapsed time.Duration) {
	if g.metrics == nil {
		return
	}
	outcome := "allowed"
	reason := ""
	if result.Denial != nil {
		outcome = "denied"
		reason = string(result.Denial.Reason)
	}
	g.metrics.DecisionsTotal.WithLabelValues(outcome, reason).Inc()
	g.metrics.DispatchDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (g *Gateway) dispatch(ctx context.Context, req Request) Result {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.DispatchDeadline)
	defer cancel()

	sess, denial := g.sessions.Validate(req.Token, req.Origin, req.UserAgent)
	if denial != nil {
		return g.deny(req.Command, "", denial)
	}

	// A flagged session dispatches nothing until it re-verifies its second
	// factor.
	if sess.State == domain.SessionFlagged {
		g.sessions.NoteFailedAttempt(sess.ID)
		return g.deny(req.Command, sess.ID, domain.NewDenial(domain.DenialSecondFactorRequired))
	}

	key := sess.ID + "|" + req.Command
	decision := g.limiter.Allow(key, ratelimit.CostMillitokens(sess.RiskScore))
	if !decision.Allowed {
		if decision.Penalized {
			g.sessions.AdjustRisk(sess.ID, riskRateLimitPenalty, "rate limit penalty")
			if g.metrics != nil {
				g.metrics.RateLimitPenalty.Inc()
			}
		}
		return g.deny(req.Command, sess.ID, domain.NewRateLimitDenial(decision.RetryAfter, "command budget exhausted"))
	}

	cls, found := g.classifier.Resolve(req.Command)
	if !found {
		g.sessions.NoteFailedAttempt(sess.ID)
		return g.deny(req.Command, sess.ID, domain.NewDenial(domain.DenialUnknownCommand))
	}

	if denial := g.classifier.Authorize(&sess, cls, g.clock()); denial != nil {
		if denial.Reason == domain.DenialBlocked {
			g.sessions.AdjustRisk(sess.ID, riskBlockedAttempt, "blocked command attempt")
		}
		g.sessions.NoteFailedAttempt(sess.ID)
		return g.deny(req.Command, sess.ID, denial)
	}

	if denial := g.sanitizer.ScanInvocation(cls.Name, req.Args); denial != nil {
		g.sessions.NoteFailedAttempt(sess.ID)
		return g.deny(req.Command, sess.ID, denial)
	}

	normalized, err := g.sanitizer.Sanitize(ctx, cls.ArgumentSchema, req.Args, req.RawSize)
	if err != nil {
		if isTimeout(ctx, err) {
			return g.timeout(req.Command, sess.ID)
		}
		var vd *domain.Denial
		if errors.As(err, &vd) {
			g.sessions.NoteFailedAttempt(sess.ID)
			return g.deny(req.Command, sess.ID, vd)
		}
		g.sessions.NoteFailedAttempt(sess.ID)
		return g.deny(req.Command, sess.ID, domain.NewValidationDenial("", "invalid"))
	}

	// The verdict must be reached inside the deadline; an expired context
	// here means validation cannot be trusted to have kept up.
	if ctx.Err() != nil {
		return g.timeout(req.Command, sess.ID)
	}

	g.sessions.ClearFailedAttempts(sess.ID)
	if cls.RiskWeight > 0 {
		g.sessions.AdjustRisk(sess.ID, cls.RiskWeight, "command risk weight")
	}

	g.recorder.Record(domain.AuditEvent{
		SessionID: sess.ID,
		Command:   cls.Name,
		Outcome:   domain.OutcomeAllowed,
		Severity:  domain.SeverityInfo,
	})

	output, execErr := g.executor.Execute(ctx, cls.Name, normalized, sess)
	if execErr != nil {
		g.log.Warn("executor failed",
			zap.String("command", cls.Name),
			zap.String("session_id", sess.ID),
			zap.Error(execErr),
		)
		return Result{Allowed: true, SessionID: sess.ID, Err: execErr}
	}

	return Result{Allowed: true, SessionID: sess.ID, Output: output}
}

func (g *Gateway) deny(command, sessionID string, denial *domain.Denial) Result {
	g.recorder.Record(domain.AuditEvent{
		SessionID: sessionID,
		Command:   command,
		Outcome:   domain.OutcomeDenied,
		Reason:    denial.Reason,
		Severity:  denialSeverity(denial.Reason),
		Detail:    denialDetail(denial),
	})
	return Result{Denial: denial, SessionID: sessionID}
}

func (g *Gateway) timeout(command, sessionID string) Result {
	if g.monitor != nil {
		g.monitor.Degraded("validation_timeout", map[string]any{"command": command})
	}
	return g.deny(command, sessionID, domain.NewDenial(domain.DenialValidationTimeout))
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func denialSeverity(reason domain.DenialReason) domain.Severity {
	switch reason {
	case domain.DenialBlocked:
		return domain.SeverityCritical
	case domain.DenialValidationTimeout:
		return domain.SeverityError
	default:
		return domain.SeverityWarning
	}
}

func denialDetail(denial *domain.Denial) map[string]any {
	detail := make(map[string]any)
	if denial.Field != "" {
		detail["field"] = denial.Field
	}
	if denial.Rule != "" {
		detail["rule"] = denial.Rule
	}
	if denial.RetryAfter > 0 {
		detail["retry_after_ms"] = denial.RetryAfter.Milliseconds()
	}
	if denial.Detail != "" {
		detail["detail"] = denial.Detail
	}
	if len(detail) == 0 {
		return nil
	}
	return detail
}

// Explain renders a denial for client responses without leaking pipeline
// internals.
func Explain(denial *domain.Denial) string {
	switch denial.Reason {
	case domain.DenialValidationFailed:
		return fmt.Sprintf("argument %q failed rule %q", denial.Field, denial.Rule)
	case domain.DenialRateLimited:
		return fmt.Sprintf("rate limited, retry after %s", denial.RetryAfter)
	default:
		return string(denial.Reason)
	}
}
