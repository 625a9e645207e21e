package scheduler

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler defines the interface for periodic reconciliation
type Scheduler interface {
	// Start begins the scheduling loop
	Start(ctx context.Context) error

	// Stop gracefully stops the scheduler
	Stop() error

	// Status returns the current scheduler status
	Status() *Status
}

// Status represents the current state of a scheduler
type Status struct {
	Running        bool
	LastRunTime    time.Time
	NextRunTime    time.Time
	TotalRuns      int
	SuccessfulRuns int
	FailedRuns     int
	LastError      string
}

// Config contains scheduler configuration
type Config struct {
	// Interval specifies the duration between reconciliation passes
	Interval time.Duration

	// Clock drives the ticker; nil means the real clock
	Clock clockwork.Clock
}

// Reconciler is what the scheduler runs on every tick
type Reconciler interface {
	// Reconcile rescans every root and converges what drifted
	Reconcile(ctx context.Context) error
}

// ReconcilerFunc adapts a function to Reconciler
type ReconcilerFunc func(ctx context.Context) error

// Reconcile calls f(ctx)
func (f ReconcilerFunc) Reconcile(ctx context.Context) error {
	return f(ctx)
}
