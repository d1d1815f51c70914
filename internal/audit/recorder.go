// Package audit records every gateway decision to an append-only trail. A
// single background flusher drains a bounded queue, which preserves the
// order events were recorded in; critical events flush synchronously and are
// never dropped.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arklim/ipc-gateway/internal/core/domain"
	"github.com/arklim/ipc-gateway/internal/core/port"
)

// MetaBufferOverflow is the command name of the meta-event emitted when
// non-critical events were dropped under pressure.
const MetaBufferOverflow = "audit.buffer_overflow"

type entry struct {
	event    domain.AuditEvent
	syncDone chan struct{}
}

// Config tunes the recorder's buffering and alert throttling.
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
	AlertsPerMin  int
}

// Recorder assigns sequence numbers, buffers events, and feeds the sink,
// the optional archive, and the optional alert publisher.
type Recorder struct {
	cfg       Config
	sink      port.AuditSink
	archive   port.AuditArchive
	publisher port.EventPublisher
	monitor   port.MonitorHook

	queue        chan entry
	seq          atomic.Uint64
	dropped      atomic.Uint64
	closed       atomic.Bool
	alertLimiter *rate.Limiter
	clock        func() time.Time
	log          *zap.Logger

	wg   sync.WaitGroup
	stop chan struct{}
}

type Option func(*Recorder)

// WithClock injects a time source for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Recorder) { r.clock = clock }
}

// WithArchive mirrors flushed batches into a queryable store.
func WithArchive(archive port.AuditArchive) Option {
	return func(r *Recorder) { r.archive = archive }
}

// WithPublisher mirrors critical events to an external alert channel.
func WithPublisher(publisher port.EventPublisher) Option {
	return func(r *Recorder) { r.publisher = publisher }
}

// WithMonitor surfaces degradation (overflow, sink failures) to operators.
func WithMonitor(monitor port.MonitorHook) Option {
	return func(r *Recorder) { r.monitor = monitor }
}

func NewRecorder(cfg Config, sink port.AuditSink, log *zap.Logger, opts ...Option) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 200 * time.Millisecond
	}
	if cfg.AlertsPerMin <= 0 {
		cfg.AlertsPerMin = 30
	}

	r := &Recorder{
		cfg:          cfg,
		sink:         sink,
		queue:        make(chan entry, cfg.BufferSize),
		alertLimiter: rate.NewLimiter(rate.Limit(float64(cfg.AlertsPerMin)/60.0), cfg.AlertsPerMin),
		clock:        time.Now,
		log:          log,
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.flushLoop()
	return r
}

// Record appends one decision to the trail. Sequence numbers are assigned
// here, so recording order defines event order. Critical events block until
// they are durably flushed; under pressure the oldest queued non-critical
// events are dropped first, accounted for by an overflow meta-event.
func (r *Recorder) Record(event domain.AuditEvent) {
	if r.closed.Load() {
		return
	}
	event.EventID = r.seq.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = r.clock()
	}

	if event.Critical() {
		done := make(chan struct{})
		r.queue <- entry{event: event, syncDone: done}
		<-done
		return
	}

	e := entry{event: event}
	select {
	case r.queue <- e:
		return
	default:
	}

	// Queue full: the oldest non-critical entries give way so the newest
	// decisions survive a burst.
	for {
		select {
		case old := <-r.queue:
			if old.syncDone != nil {
				// Criticals are never dropped. Requeue it and give up on
				// the incoming event; the flusher is draining, so the
				// requeue completes promptly.
				r.queue <- old
				r.dropped.Add(1)
				return
			}
			r.dropped.Add(1)
		default:
			// A flush emptied the queue while we were making room.
		}
		select {
		case r.queue <- e:
			return
		default:
		}
	}
}

// Seq returns the number of events recorded so far.
func (r *Recorder) Seq() uint64 {
	return r.seq.Load()
}

// Dropped returns the number of events lost to overflow since startup.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// QueueDepth returns how many events are buffered awaiting flush.
func (r *Recorder) QueueDepth() int {
	return len(r.queue)
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-r.queue:
			r.flushFrom(e)
		case <-ticker.C:
			r.drainAndFlush(nil)
		case <-r.stop:
			r.drainAndFlush(nil)
			return
		}
	}
}

// flushFrom drains everything queued behind the first entry and flushes the
// whole batch at once.
func (r *Recorder) flushFrom(first entry) {
	r.drainAndFlush(&first)
}

func (r *Recorder) drainAndFlush(first *entry) {
	var batch []domain.AuditEvent
	var doneChans []chan struct{}

	appendEntry := func(e entry) {
		batch = append(batch, e.event)
		if e.syncDone != nil {
			doneChans = append(doneChans, e.syncDone)
		}
	}

	if first != nil {
		appendEntry(*first)
	}
	for {
		select {
		case e := <-r.queue:
			appendEntry(e)
		default:
			goto drained
		}
	}
drained:

	if n := r.dropped.Swap(0); n > 0 {
		batch = append(batch, domain.AuditEvent{
			EventID:   r.seq.Add(1),
			Timestamp: r.clock(),
			Command:   MetaBufferOverflow,
			Outcome:   domain.OutcomeDenied,
			Severity:  domain.SeverityWarning,
			Detail:    map[string]any{"dropped": n},
		})
		if r.monitor != nil {
			r.monitor.Degraded("audit_buffer_overflow", map[string]any{"dropped": n})
		}
	}

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.sink.Append(ctx, batch); err != nil {
		r.log.Error("audit sink append failed", zap.Error(err), zap.Int("events", len(batch)))
		if r.monitor != nil {
			r.monitor.Degraded("audit_sink_failure", map[string]any{"error": err.Error()})
		}
	}

	if r.archive != nil {
		if err := r.archive.Insert(ctx, batch); err != nil {
			r.log.Warn("audit archive insert failed", zap.Error(err))
		}
	}

	r.publishCriticals(ctx, batch)

	for _, done := range doneChans {
		close(done)
	}
}

// publishCriticals mirrors critical events to the alert channel, throttled
// so an attack burst cannot flood external monitoring.
func (r *Recorder) publishCriticals(ctx context.Context, batch []domain.AuditEvent) {
	if r.publisher == nil {
		return
	}
	for i := range batch {
		if !batch[i].Critical() {
			continue
		}
		if !r.alertLimiter.Allow() {
			continue
		}
		if err := r.publisher.PublishSecurityAlert(ctx, batch[i]); err != nil {
			r.log.Warn("security alert publish failed", zap.Error(err))
		}
	}
}

// Close flushes whatever is queued and shuts the sink. Record calls after
// Close are ignored.
func (r *Recorder) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stop)
	r.wg.Wait()
	return r.sink.Close()
}
