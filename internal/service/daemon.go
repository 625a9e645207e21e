package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/Ning0612/Meshsync/internal/adapter"
	"github.com/Ning0612/Meshsync/internal/adapter/local"
	"github.com/Ning0612/Meshsync/internal/config"
	"github.com/Ning0612/Meshsync/internal/core/ignore"
	"github.com/Ning0612/Meshsync/internal/core/normalize"
	"github.com/Ning0612/Meshsync/internal/domain"
	"github.com/Ning0612/Meshsync/internal/lock"
	"github.com/Ning0612/Meshsync/internal/logger"
	"github.com/Ning0612/Meshsync/internal/progress"
	"github.com/Ning0612/Meshsync/internal/scheduler"
	"github.com/Ning0612/Meshsync/internal/state"
	"github.com/Ning0612/Meshsync/internal/watcher"
)

// largeCopy is the size from which copies are logged with their speed
const largeCopy = 8 << 20

// DaemonService owns one sync session over the configured roots: the
// instance lock, the audit store, the watchers and the engine
type DaemonService struct {
	mu       sync.RWMutex
	config   *config.Config
	prompter Prompter
	lock     *lock.FileLock
	store    *state.Store

	engine    *Engine
	watchers  []*watcher.Watcher
	adapters  []adapter.Adapter
	transfers *progress.Counter
}

// DaemonStatus represents the current daemon status
type DaemonStatus struct {
	Running        bool
	SchedulerStats *scheduler.Status
	Stats          Stats
	Transfers      Transfers
	PendingCases   []domain.ConflictCase
	LastResolution *domain.ResolutionRecord
}

// Transfers counts finished copies since Start
type Transfers struct {
	Completed int64
	Failed    int64
	Bytes     int64
}

// NewDaemonService opens the store and lock for cfg. Conflicts waiting
// for a human are handed to prompter, which may be nil.
func NewDaemonService(cfg *config.Config, prompter Prompter) (*DaemonService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	fl, err := lock.NewFileLock(cfg.GetLockPath())
	if err != nil {
		return nil, fmt.Errorf("failed to create lock: %w", err)
	}

	store, err := state.Open(cfg.GetLockPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	return &DaemonService{
		config:   cfg,
		prompter: prompter,
		lock:     fl,
		store:    store,
	}, nil
}

// Start takes the instance lock, starts a watcher per root and runs the
// engine. It returns once the startup reconcile is done.
func (d *DaemonService) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.engine != nil {
		return fmt.Errorf("daemon is already running")
	}

	if err := d.lock.Acquire(d.config.Roots); err != nil {
		return err
	}

	d.transfers = &progress.Counter{}
	engine, err := d.startEngine(ctx)
	if err != nil {
		if terr := d.teardown(); terr != nil {
			logger.Get().Warn("Cleanup after failed start", "error", terr)
		}
		return err
	}
	d.engine = engine
	return nil
}

func (d *DaemonService) startEngine(ctx context.Context) (*Engine, error) {
	streams := make([]normalize.RawStream, 0, len(d.config.Roots))
	ignores := make([]*ignore.List, 0, len(d.config.Roots))
	osFs := afero.NewOsFs()

	for _, root := range d.config.DomainRoots() {
		a, err := local.New(root)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrRootUnavailable, root.Path, err)
		}
		d.adapters = append(d.adapters, a)

		ign := ignore.Load(osFs, root.Path, d.config.Ignore...)
		ignores = append(ignores, ign)

		w, err := watcher.New(root.Path, ign)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrRootUnavailable, err)
		}
		d.watchers = append(d.watchers, w)
		streams = append(streams, w)
	}

	engine, err := NewEngine(EngineConfig{
		Policy:            d.config.ConflictPolicy(),
		CoalesceWindow:    d.config.CoalesceWindow,
		SuppressionTTL:    d.config.SuppressionTTL,
		ReconcileInterval: d.config.ReconcileInterval,
		RetryDelay:        d.config.RetryDelay,
		Workers:           d.config.Workers,
		MaxRetries:        d.config.MaxRetries,
		CopyAttempts:      d.config.CopyAttempts,
		HashAlgorithm:     d.config.Algorithm(),
		Ignore:            d.config.Ignore,
	}, Deps{
		Adapters: d.adapters,
		Streams:  streams,
		Ignores:  ignores,
		Store:    d.store,
		Prompter: d.prompter,
		Reporter: progress.Multi{progress.NewLogReporter(largeCopy), d.transfers},
	})
	if err != nil {
		return nil, err
	}

	for _, w := range d.watchers {
		w.Start(ctx)
	}
	if err := engine.Start(ctx); err != nil {
		return nil, err
	}
	return engine, nil
}

// Wait blocks until the engine stops, which happens when the context
// passed to Start is done
func (d *DaemonService) Wait() {
	d.mu.RLock()
	engine := d.engine
	d.mu.RUnlock()
	if engine != nil {
		engine.Wait()
	}
}

// Decide answers a pending manual conflict case
func (d *DaemonService) Decide(caseID string, dec domain.Decision) error {
	d.mu.RLock()
	engine := d.engine
	d.mu.RUnlock()
	if engine == nil {
		return fmt.Errorf("%w: daemon is not running", domain.ErrCaseNotFound)
	}
	return engine.Decide(caseID, dec)
}

// PendingCases returns the manual cases still awaiting a decision
func (d *DaemonService) PendingCases() []domain.ConflictCase {
	d.mu.RLock()
	engine := d.engine
	d.mu.RUnlock()
	if engine == nil {
		return nil
	}
	return engine.PendingCases()
}

// Stop shuts the engine down and releases the instance lock
func (d *DaemonService) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.engine == nil {
		return fmt.Errorf("daemon is not running")
	}
	d.engine.Shutdown()
	d.engine = nil
	return d.teardown()
}

// teardown closes watchers and adapters and releases the lock. The
// caller holds d.mu.
func (d *DaemonService) teardown() error {
	var errs []error
	for _, w := range d.watchers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.watchers = nil
	for _, a := range d.adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.adapters = nil
	if err := d.lock.Release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Status returns the current daemon status
func (d *DaemonService) Status() *DaemonStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := &DaemonStatus{
		Running: d.engine != nil,
	}

	if d.engine != nil {
		status.SchedulerStats = d.engine.SchedulerStatus()
		status.Stats = d.engine.Stats()
		status.PendingCases = d.engine.PendingCases()
		status.Transfers = Transfers{
			Completed: d.transfers.Completed(),
			Failed:    d.transfers.Failed(),
			Bytes:     d.transfers.Bytes(),
		}
	}

	if d.store != nil {
		history, err := d.store.Resolutions(1)
		if err != nil {
			logger.Get().Warn("Failed to read resolution history", "error", err)
		} else if len(history) > 0 {
			status.LastResolution = &history[0]
		}
	}

	return status
}

// Close releases all resources
func (d *DaemonService) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error

	if d.engine != nil {
		d.engine.Shutdown()
		d.engine = nil
		if err := d.teardown(); err != nil {
			errs = append(errs, err)
		}
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, err)
		}
		d.store = nil
	}

	return errors.Join(errs...)
}
