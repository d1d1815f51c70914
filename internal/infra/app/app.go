package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/arklim/ipc-gateway/internal/audit"
	"github.com/arklim/ipc-gateway/internal/classify"
	"github.com/arklim/ipc-gateway/internal/core/domain"
	"github.com/arklim/ipc-gateway/internal/core/port"
	"github.com/arklim/ipc-gateway/internal/gateway"
	"github.com/arklim/ipc-gateway/internal/infra/config"
	"github.com/arklim/ipc-gateway/internal/infra/database"
	kafkainfra "github.com/arklim/ipc-gateway/internal/infra/kafka"
	"github.com/arklim/ipc-gateway/internal/infra/logger"
	redisinfra "github.com/arklim/ipc-gateway/internal/infra/redis"
	"github.com/arklim/ipc-gateway/internal/infra/security"
	"github.com/arklim/ipc-gateway/internal/infra/telemetry"
	"github.com/arklim/ipc-gateway/internal/ratelimit"
	postgresrepo "github.com/arklim/ipc-gateway/internal/repository/postgres"
	redisrepo "github.com/arklim/ipc-gateway/internal/repository/redis"
	"github.com/arklim/ipc-gateway/internal/sanitize"
	"github.com/arklim/ipc-gateway/internal/session"
	"github.com/arklim/ipc-gateway/internal/transport/http/routes"
)

type Application struct {
	cfg        *config.AppConfig
	engine     *gin.Engine
	logger     *zap.Logger
	pool       *pgxpool.Pool
	redis      *redisinfra.Client
	recorder   *audit.Recorder
	publisher  port.EventPublisher
	sessions   *session.Manager
	limiter    *ratelimit.Limiter
	classifier *classify.Classifier
	archive    port.AuditArchive
}

type Option func(*buildOptions)

type buildOptions struct {
	executor gateway.Executor
}

// WithExecutor installs the backend that runs commands after validation.
// Without one, the gateway acknowledges allowed commands without executing
// anything, which is useful for staging the gateway in front of a backend
// that is not wired up yet.
func WithExecutor(executor gateway.Executor) Option {
	return func(o *buildOptions) { o.executor = executor }
}

func New(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*Application, error) {
	var build buildOptions
	for _, opt := range opts {
		opt(&build)
	}

	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	metrics := telemetry.NewMetrics(cfg.Telemetry.ServiceName)

	table, err := classify.LoadTable(cfg.Commands.File)
	if err != nil {
		return nil, fmt.Errorf("load classification table: %w", err)
	}

	sanitizer := sanitize.New(sanitize.Limits{
		MaxPayloadBytes: cfg.Sanitize.MaxPayloadBytes,
		MaxNestingDepth: cfg.Sanitize.MaxNestingDepth,
		MaxStringLength: cfg.Sanitize.MaxStringLength,
		MaxArrayLength:  cfg.Sanitize.MaxArrayLength,
		MaxObjectKeys:   cfg.Sanitize.MaxObjectKeys,
	})

	classifier := classify.NewClassifier(table,
		classify.WithSecondFactorWindow(cfg.Session.SecondFactorWindow),
		classify.WithSwapHook(func(t *classify.Table) {
			if err := sanitizer.CompileSchemas(t.Schemas()); err != nil {
				log.Error("schema pattern compilation failed", zap.Error(err))
			}
		}),
	)
	log.Info("classification table loaded", zap.String("table", table.Summary()))

	var pool *pgxpool.Pool
	var archive port.AuditArchive
	if cfg.Postgres.Enabled {
		pool, err = database.NewPostgresPool(ctx, cfg.Postgres, log)
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		archive = postgresrepo.NewAuditRepository(pool)
	}

	var redisClient *redisinfra.Client
	var handshakeStore port.HandshakeLimitStore
	if cfg.Redis.Enabled {
		redisClient, err = redisinfra.NewClient(cfg.Redis, log)
		if err != nil {
			if pool != nil {
				pool.Close()
			}
			return nil, fmt.Errorf("init redis: %w", err)
		}
		handshakeStore = redisrepo.NewHandshakeLimitRepository(redisClient.Client(), redisrepo.SlidingWindowConfig{
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Session.HandshakeWindow * 2,
		})
	}

	var publisher port.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafkainfra.NewProducer(cfg.Kafka, log)
		if err != nil {
			log.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
			publisher = kafkainfra.NewStubPublisher(log)
		} else {
			publisher = kafkainfra.NewAlertPublisher(producer, log)
		}
	} else {
		log.Info("kafka brokers not configured, using stub publisher")
		publisher = kafkainfra.NewStubPublisher(log)
	}

	sink, err := audit.NewFileSink(audit.FileSinkConfig{
		Path:         cfg.Audit.FilePath,
		MaxFileBytes: cfg.Audit.MaxFileBytes,
		MaxFiles:     cfg.Audit.MaxFiles,
		Retention:    cfg.Audit.Retention,
	})
	if err != nil {
		return nil, fmt.Errorf("init audit sink: %w", err)
	}

	monitor := &logMonitor{log: log, metrics: metrics}
	recorder := audit.NewRecorder(audit.Config{
		BufferSize:    cfg.Audit.BufferSize,
		FlushInterval: cfg.Audit.FlushInterval,
		AlertsPerMin:  cfg.Audit.AlertsPerMin,
	}, sink, log,
		audit.WithArchive(archive),
		audit.WithPublisher(countingPublisher{inner: publisher, counter: metrics.AlertsPublished}),
		audit.WithMonitor(monitor),
	)

	sessionOpts := []session.Option{
		session.WithPermissionExpander(classifier.ExpandPermissions),
		session.WithFlagHook(func(s domain.Session) {
			metrics.FlaggedSessions.Inc()
			recorder.Record(domain.AuditEvent{
				SessionID: s.ID,
				Command:   "session.flagged",
				Outcome:   domain.OutcomeDenied,
				Severity:  domain.SeverityCritical,
				Detail:    map[string]any{"risk_score": s.RiskScore},
			})
		}),
	}
	if handshakeStore != nil {
		sessionOpts = append(sessionOpts, session.WithHandshakeStore(handshakeStore))
	}
	if len(cfg.Session.SecondFactorSecrets) > 0 {
		sessionOpts = append(sessionOpts, session.WithTOTP(
			security.NewTOTPVerifier(cfg.Session.SecondFactorIssuer, cfg.Session.SecondFactorSecrets),
		))
	}

	sessions := session.NewManager(session.Config{
		AbsoluteTTL:       cfg.Session.AbsoluteTTL,
		IdleTimeout:       cfg.Session.IdleTimeout,
		TokenBytes:        cfg.Session.TokenBytes,
		RiskFlagThreshold: cfg.Session.RiskFlagThreshold,
		RiskHalfLife:      cfg.Session.RiskHalfLife,
		MaxFailedAttempts: cfg.Session.MaxFailedAttempts,
		Shards:            cfg.Session.Shards,
		DenylistCap:       cfg.Session.DenylistedTokenCap,
		HandshakeWindow:   cfg.Session.HandshakeWindow,
		HandshakeMaxPerIP: cfg.Session.HandshakeMaxPerIP,
	}, log, sessionOpts...)

	limiter := ratelimit.New(ratelimit.Config{
		Strategy:        ratelimit.Strategy(cfg.RateLimit.Strategy),
		Window:          cfg.RateLimit.Window,
		Limit:           cfg.RateLimit.Limit,
		BucketCapacity:  cfg.RateLimit.BucketCapacity,
		RefillPerSecond: cfg.RateLimit.RefillPerSecond,
		Cooldown:        cfg.RateLimit.Cooldown,
		IdleEviction:    cfg.RateLimit.IdleEviction,
		Shards:          cfg.RateLimit.Shards,
	})

	executor := build.executor
	if executor == nil {
		executor = ackExecutor{log: log}
	}

	gw := gateway.New(gateway.Config{DispatchDeadline: cfg.App.DispatchDeadline},
		sessions, limiter, classifier, sanitizer, recorder, executor, log,
		gateway.WithMonitor(monitor),
		gateway.WithMetrics(metrics),
	)

	engine := routes.Register(routes.Dependencies{
		Config:   cfg,
		Logger:   log,
		Gateway:  gw,
		Sessions: sessions,
		Limiter:  limiter,
		Recorder: recorder,
		Database: databaseChecker(pool),
		Cache:    cacheChecker(redisClient),
	})

	app := &Application{
		cfg:        cfg,
		engine:     engine,
		logger:     log,
		pool:       pool,
		redis:      redisClient,
		recorder:   recorder,
		publisher:  publisher,
		sessions:   sessions,
		limiter:    limiter,
		classifier: classifier,
		archive:    archive,
	}

	go app.maintenanceLoop(ctx, metrics)
	if cfg.Commands.HotReload {
		go func() {
			if err := classify.Watch(ctx, cfg.Commands.File, classifier, log); err != nil && ctx.Err() == nil {
				log.Error("classification table watch stopped", zap.Error(err))
			}
		}()
	}

	return app, nil
}

// maintenanceLoop sweeps expired sessions, evicts idle rate-limit keys,
// refreshes gauges, and purges the audit archive past retention.
func (a *Application) maintenanceLoop(ctx context.Context, metrics *telemetry.Metrics) {
	interval := a.cfg.Session.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	purgeTicker := time.NewTicker(time.Hour)
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := a.sessions.Sweep()
			evicted := a.limiter.Evict(time.Now())
			if swept > 0 || evicted > 0 {
				a.logger.Debug("maintenance sweep",
					zap.Int("sessions_swept", swept),
					zap.Int("limit_keys_evicted", evicted),
				)
			}
			st := a.sessions.Stats()
			metrics.ActiveSessions.Set(float64(st.Active + st.Flagged))
			metrics.AuditQueueDepth.Set(float64(a.recorder.QueueDepth()))
		case <-purgeTicker.C:
			if a.archive == nil || a.cfg.Audit.Retention <= 0 {
				continue
			}
			cutoff := time.Now().Add(-a.cfg.Audit.Retention)
			purgeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if n, err := a.archive.PurgeOlderThan(purgeCtx, cutoff); err != nil {
				a.logger.Warn("audit archive purge failed", zap.Error(err))
			} else if n > 0 {
				a.logger.Info("audit archive purged", zap.Int64("events", n))
			}
			cancel()
		}
	}
}

func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()
	defer func() {
		if a.pool != nil {
			a.pool.Close()
		}
	}()
	defer func() {
		if a.redis != nil {
			_ = a.redis.Close()
		}
	}()
	defer func() {
		if err := a.recorder.Close(); err != nil {
			a.logger.Error("audit recorder close failed", zap.Error(err))
		}
		_ = a.publisher.Close()
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting IPC gateway",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

// ackExecutor acknowledges allowed commands without running anything.
type ackExecutor struct {
	log *zap.Logger
}

func (e ackExecutor) Execute(_ context.Context, command string, _ map[string]any, sess domain.Session) (any, error) {
	e.log.Debug("command acknowledged without backend",
		zap.String("command", command),
		zap.String("session_id", sess.ID),
	)
	return map[string]any{"accepted": true, "command": command}, nil
}

// countingPublisher counts alerts that actually leave the process.
type countingPublisher struct {
	inner   port.EventPublisher
	counter prometheus.Counter
}

func (p countingPublisher) PublishSecurityAlert(ctx context.Context, event domain.AuditEvent) error {
	if err := p.inner.PublishSecurityAlert(ctx, event); err != nil {
		return err
	}
	p.counter.Inc()
	return nil
}

func (p countingPublisher) Close() error { return p.inner.Close() }

// logMonitor surfaces degradation through logs and counters.
type logMonitor struct {
	log     *zap.Logger
	metrics *telemetry.Metrics
}

func (m *logMonitor) Degraded(reason string, detail map[string]any) {
	if reason == "audit_buffer_overflow" {
		if n, ok := detail["dropped"].(uint64); ok {
			m.metrics.AuditDroppedTotal.Add(float64(n))
		}
	}
	m.log.Warn("gateway degraded", zap.String("reason", reason), zap.Any("detail", detail))
}

// databaseChecker adapts a pgx pool to the readiness interface, tolerating
// a nil pool.
func databaseChecker(pool *pgxpool.Pool) routes.DatabaseChecker {
	if pool == nil {
		return nil
	}
	return pool
}

func cacheChecker(client *redisinfra.Client) routes.CacheChecker {
	if client == nil {
		return nil
	}
	return client
}
