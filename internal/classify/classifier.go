package classify

import (
	"sync/atomic"
	"time"

	"github.com/arklim/ipc-gateway/internal/core/domain"
)

// Classifier serves classification lookups and authorization verdicts over
// the current table. Safe for concurrent use; Swap installs a new table
// without blocking readers.
type Classifier struct {
	table              atomic.Pointer[Table]
	secondFactorWindow time.Duration
	onSwap             func(*Table)
}

type Option func(*Classifier)

// WithSecondFactorWindow sets how long a completed second-factor step stays
// fresh.
func WithSecondFactorWindow(window time.Duration) Option {
	return func(c *Classifier) { c.secondFactorWindow = window }
}

// WithSwapHook registers a callback invoked with every newly installed table,
// including the initial one.
func WithSwapHook(hook func(*Table)) Option {
	return func(c *Classifier) { c.onSwap = hook }
}

func NewClassifier(table *Table, opts ...Option) *Classifier {
	c := &Classifier{secondFactorWindow: 5 * time.Minute}
	for _, opt := range opts {
		opt(c)
	}
	c.install(table)
	return c
}

func (c *Classifier) install(table *Table) {
	c.table.Store(table)
	if c.onSwap != nil {
		c.onSwap(table)
	}
}

// Swap atomically replaces the classification table.
func (c *Classifier) Swap(table *Table) {
	c.install(table)
}

// Table returns the current snapshot.
func (c *Classifier) Table() *Table {
	return c.table.Load()
}

// Resolve maps a command name (or alias) to its classification.
func (c *Classifier) Resolve(command string) (domain.CommandClassification, bool) {
	return c.table.Load().Lookup(command)
}

// ExpandPermissions expands granted names over the current group hierarchy.
func (c *Classifier) ExpandPermissions(granted []string) map[string]struct{} {
	return c.table.Load().ExpandPermissions(granted)
}

// Authorize decides whether the session may invoke the classified command at
// the given moment. Blocked commands are denied for every caller; no
// permission set overrides the blocked tier.
func (c *Classifier) Authorize(sess *domain.Session, cls domain.CommandClassification, now time.Time) *domain.Denial {
	if cls.Tier == domain.TierBlocked {
		return domain.NewDenial(domain.DenialBlocked)
	}

	if cls.Tier == domain.TierPublic {
		return nil
	}

	if !sess.HasAllPermissions(cls.RequiredPermissions) {
		return domain.NewDenial(domain.DenialInsufficientPermissions)
	}

	if cls.RequiresSecondFactor && !sess.SecondFactorFresh(now, c.secondFactorWindow) {
		return domain.NewDenial(domain.DenialSecondFactorRequired)
	}

	return nil
}
