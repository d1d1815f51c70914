// Package ratelimit enforces per-key request budgets with pluggable
// strategies. All state is in-memory and sharded; updates to a single key
// are serialized under its shard lock, so concurrent requests for the same
// key observe a linearizable sequence of decisions.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

// Strategy selects the accounting algorithm for a limiter.
type Strategy string

const (
	FixedWindow   Strategy = "fixed_window"
	SlidingWindow Strategy = "sliding_window"
	TokenBucket   Strategy = "token_bucket"
	Adaptive      Strategy = "adaptive"
)

// Token arithmetic is integer millitokens so fractional risk costs never
// accumulate float drift.
const millitokensPerToken = 1000

// penaltyThreshold is how many consecutive violations a key tolerates before
// retry hints start escalating.
const penaltyThreshold = 5

// maxPenaltyShift caps escalation at 32x the base retry hint.
const maxPenaltyShift = 5

// CostMillitokens maps a session risk score to the token cost of one
// request. Riskier sessions drain their budget faster.
func CostMillitokens(risk int) int64 {
	switch {
	case risk <= 20:
		return 1000
	case risk <= 50:
		return 1500
	case risk <= 80:
		return 2000
	default:
		return 3000
	}
}

// Config tunes a limiter. Window and Limit drive the window strategies;
// BucketCapacity and RefillPerSecond drive the bucket strategies.
type Config struct {
	Strategy        Strategy
	Window          time.Duration
	Limit           int
	BucketCapacity  int
	RefillPerSecond int
	Cooldown        time.Duration
	IdleEviction    time.Duration
	Shards          int
}

// Decision is the verdict for one request against one key.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Violations int
	Penalized  bool
}

type keyState struct {
	windowStart time.Time
	count       int
	stamps      []time.Time

	millitokens int64
	lastRefill  time.Time

	consecutive   int
	violations    int
	lastViolation time.Time
	lastSeen      time.Time
}

type shard struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

// Limiter applies one strategy across many keys.
type Limiter struct {
	cfg    Config
	shards []*shard
	clock  func() time.Time
}

func New(cfg Config) *Limiter {
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.BucketCapacity <= 0 {
		cfg.BucketCapacity = 10
	}
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = cfg.BucketCapacity
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}

	l := &Limiter{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
		clock:  time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{keys: make(map[string]*keyState)}
	}
	return l
}

// WithClock injects a time source, for deterministic tests.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

// Allow charges one request of the given cost against the key. Cost only
// affects the bucket strategies; window strategies count requests.
func (l *Limiter) Allow(key string, cost int64) Decision {
	if cost <= 0 {
		cost = millitokensPerToken
	}
	now := l.clock()
	sh := l.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.keys[key]
	if !ok {
		st = &keyState{
			windowStart: now,
			millitokens: int64(l.cfg.BucketCapacity) * millitokensPerToken,
			lastRefill:  now,
		}
		sh.keys[key] = st
	}
	st.lastSeen = now

	// Adaptive keys recover their full budget after a quiet cooldown.
	if l.cfg.Strategy == Adaptive && st.violations > 0 && now.Sub(st.lastViolation) >= l.cfg.Cooldown {
		st.violations = 0
	}

	var d Decision
	switch l.cfg.Strategy {
	case FixedWindow:
		d = l.allowFixedWindow(st, now)
	case SlidingWindow:
		d = l.allowSlidingWindow(st, now)
	case Adaptive:
		d = l.allowBucket(st, now, cost, l.tightened(st.violations))
	default:
		d = l.allowBucket(st, now, cost, 0)
	}

	if d.Allowed {
		st.consecutive = 0
	} else {
		st.consecutive++
		st.violations++
		st.lastViolation = now
		if st.consecutive >= penaltyThreshold {
			shift := st.consecutive - penaltyThreshold + 1
			if shift > maxPenaltyShift {
				shift = maxPenaltyShift
			}
			d.RetryAfter <<= shift
			d.Penalized = true
		}
	}
	d.Violations = st.violations
	return d
}

func (l *Limiter) allowFixedWindow(st *keyState, now time.Time) Decision {
	if now.Sub(st.windowStart) >= l.cfg.Window {
		st.windowStart = now
		st.count = 0
	}
	if st.count >= l.cfg.Limit {
		return Decision{RetryAfter: st.windowStart.Add(l.cfg.Window).Sub(now)}
	}
	st.count++
	return Decision{Allowed: true}
}

func (l *Limiter) allowSlidingWindow(st *keyState, now time.Time) Decision {
	cutoff := now.Add(-l.cfg.Window)
	trimmed := st.stamps[:0]
	for _, ts := range st.stamps {
		if ts.After(cutoff) {
			trimmed = append(trimmed, ts)
		}
	}
	st.stamps = trimmed

	if len(st.stamps) >= l.cfg.Limit {
		return Decision{RetryAfter: st.stamps[0].Add(l.cfg.Window).Sub(now)}
	}
	st.stamps = append(st.stamps, now)
	return Decision{Allowed: true}
}

// allowBucket refills by elapsed time and charges the cost. tighten shifts
// capacity and refill rate down for keys with a violation history.
func (l *Limiter) allowBucket(st *keyState, now time.Time, cost int64, tighten int) Decision {
	capacity := int64(l.cfg.BucketCapacity) * millitokensPerToken >> tighten
	if capacity < millitokensPerToken {
		capacity = millitokensPerToken
	}
	refillPerMs := int64(l.cfg.RefillPerSecond) >> tighten
	if refillPerMs < 1 {
		refillPerMs = 1
	}

	elapsedMs := now.Sub(st.lastRefill).Milliseconds()
	if elapsedMs > 0 {
		st.millitokens += elapsedMs * refillPerMs
		st.lastRefill = now
	}
	if st.millitokens > capacity {
		st.millitokens = capacity
	}

	if st.millitokens < cost {
		deficit := cost - st.millitokens
		waitMs := (deficit + refillPerMs - 1) / refillPerMs
		return Decision{RetryAfter: time.Duration(waitMs) * time.Millisecond}
	}
	st.millitokens -= cost
	return Decision{Allowed: true}
}

// tightened maps accumulated violations to a budget shift for the adaptive
// strategy: every penaltyThreshold violations halve capacity, down to 1/8.
func (l *Limiter) tightened(violations int) int {
	shift := violations / penaltyThreshold
	if shift > 3 {
		shift = 3
	}
	return shift
}

// Violations reports the accumulated violation count for a key.
func (l *Limiter) Violations(key string) int {
	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if st, ok := sh.keys[key]; ok {
		return st.violations
	}
	return 0
}

// Evict drops keys idle longer than the configured eviction horizon and
// returns how many were removed.
func (l *Limiter) Evict(now time.Time) int {
	if l.cfg.IdleEviction <= 0 {
		return 0
	}
	cutoff := now.Add(-l.cfg.IdleEviction)
	removed := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, st := range sh.keys {
			if st.lastSeen.Before(cutoff) {
				delete(sh.keys, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len reports the number of tracked keys.
func (l *Limiter) Len() int {
	total := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		total += len(sh.keys)
		sh.mu.Unlock()
	}
	return total
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}
