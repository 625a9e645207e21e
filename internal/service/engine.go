package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/Ning0612/Meshsync/internal/adapter"
	"github.com/Ning0612/Meshsync/internal/core/checksum"
	"github.com/Ning0612/Meshsync/internal/core/conflict"
	"github.com/Ning0612/Meshsync/internal/core/ignore"
	"github.com/Ning0612/Meshsync/internal/core/index"
	"github.com/Ning0612/Meshsync/internal/core/normalize"
	"github.com/Ning0612/Meshsync/internal/core/planner"
	"github.com/Ning0612/Meshsync/internal/core/propagate"
	"github.com/Ning0612/Meshsync/internal/core/suppress"
	"github.com/Ning0612/Meshsync/internal/domain"
	"github.com/Ning0612/Meshsync/internal/logger"
	"github.com/Ning0612/Meshsync/internal/progress"
	"github.com/Ning0612/Meshsync/internal/scheduler"
)

// maxSettleDepth bounds how often one change re-enters deciding after
// targets were found to have diverged underneath it
const maxSettleDepth = 3

// Prompter surfaces manual conflict cases to a human. Present must not
// block for the answer; the choice comes back through Engine.Decide.
type Prompter interface {
	Present(c domain.ConflictCase)
}

// Store persists the audit log and the sync journal.
// *state.Store implements it.
type Store interface {
	AppendResolution(rec domain.ResolutionRecord) error
	AppendError(rec domain.ErrorRecord) error
	SetBaseline(rec domain.FileRecord) error
	Baseline(path string) (domain.FileRecord, bool, error)
	Baselines() (map[string]domain.FileRecord, error)
	DeleteBaseline(path string) error
	SetHandoff(root int, h domain.Handoff) error
	Handoffs() (map[int]map[string]domain.Handoff, error)
	DeleteHandoffs(path string) error
}

// EngineConfig holds the tunables of a sync engine
type EngineConfig struct {
	Policy domain.Policy

	CoalesceWindow    time.Duration
	SuppressionTTL    time.Duration
	ReconcileInterval time.Duration
	RetryDelay        time.Duration

	Workers      int
	MaxRetries   int
	CopyAttempts int

	HashAlgorithm checksum.Algorithm

	// Ignore adds patterns to every root's ignore list
	Ignore []string
}

// Deps are the collaborators of an engine. Adapters[i] and Streams[i]
// serve root i.
type Deps struct {
	Adapters []adapter.Adapter
	Streams  []normalize.RawStream

	// Ignores overrides the per-root ignore lists; nil loads them from
	// each root's ignore file
	Ignores []*ignore.List

	Store    Store
	Prompter Prompter

	// Optional
	Resolver conflict.Resolver
	Planner  planner.Planner
	Clock    clockwork.Clock
	Reporter progress.Reporter
}

// Stats summarizes what the engine did since Start
type Stats struct {
	StartedAt time.Time

	// Events counts changes taken from the normalizers
	Events uint64
	// Suppressed counts echoes of the engine's own writes
	Suppressed uint64

	// Applied counts writes per target root
	Applied     map[int]int
	BytesCopied int64

	Conflicts int
	Resolved  int
	Skipped   int
	Pending   int
	// SkippedOpen counts skipped divergences still in place
	SkippedOpen int

	Failures int
	// Degraded lists roots with at least one failed path
	Degraded []int

	Reconciles int
}

type pathKey struct {
	root int
	path string
}

// failure tracks a target that could not be written
type failure struct {
	attempts int
	// record is the target's index record when the last attempt failed
	record domain.FileRecord
	// value is what was being written to it
	value domain.FileRecord
	fatal bool
}

// Engine keeps N roots identical. It owns the per-root indices, runs one
// worker per root and serializes all decisions about a path across roots.
type Engine struct {
	cfg      EngineConfig
	adapters []adapter.Adapter
	indices  []*index.Index
	norms    []*normalize.Normalizer
	ignores  []*ignore.List
	sup      *suppress.Set
	hasher   *checksum.Hasher
	prop     *propagate.Propagator
	resolver conflict.Resolver
	planner  planner.Planner
	store    Store
	prompter Prompter
	clock    clockwork.Clock
	log      logger.Logger

	locks   *pathLocks
	reconMu sync.Mutex
	// handler processes one change taken from a path queue
	handler func(context.Context, job)

	mu         sync.Mutex
	queues     map[pathKey]*pathQueue
	states     map[pathKey]domain.PathState
	baselines  map[string]domain.FileRecord
	handoffs   map[pathKey]domain.Handoff
	handoffSeq uint64
	pending    map[string]*manualCase
	byPath     map[string]*manualCase
	skipped    map[string]string
	failures   map[pathKey]*failure
	applied    map[int]int
	bytes      int64
	conflicts  int
	resolved   int
	skips      int
	failed     int
	reconciles int
	startedAt  time.Time
	started    bool
	startup    bool

	events atomic.Uint64

	sched  *scheduler.IntervalScheduler
	rescan chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine wires an engine over deps. Nothing runs until Start.
func NewEngine(cfg EngineConfig, deps Deps) (*Engine, error) {
	if len(deps.Adapters) < 2 {
		return nil, fmt.Errorf("%w: at least two roots are required", domain.ErrConfigInvalid)
	}
	if len(deps.Streams) != len(deps.Adapters) {
		return nil, fmt.Errorf("%w: %d roots but %d event streams", domain.ErrConfigInvalid, len(deps.Adapters), len(deps.Streams))
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: store is required", domain.ErrConfigInvalid)
	}
	for i, a := range deps.Adapters {
		if a.Root().ID != i {
			return nil, fmt.Errorf("%w: adapter %d serves root %d", domain.ErrConfigInvalid, i, a.Root().ID)
		}
	}

	if cfg.HashAlgorithm == "" {
		cfg.HashAlgorithm = checksum.MD5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}
	if cfg.SuppressionTTL <= 0 {
		cfg.SuppressionTTL = suppress.DefaultTTL
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = conflict.NewResolver(cfg.Policy)
	}
	plan := deps.Planner
	if plan == nil {
		plan = planner.NewDefaultPlanner()
	}

	hasher, err := checksum.NewHasher(cfg.HashAlgorithm, checksum.DefaultCacheSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		adapters:  deps.Adapters,
		sup:       suppress.New(clock, cfg.SuppressionTTL),
		hasher:    hasher,
		resolver:  resolver,
		planner:   plan,
		store:     deps.Store,
		prompter:  deps.Prompter,
		clock:     clock,
		log:       logger.With("component", "engine"),
		locks:     newPathLocks(),
		queues:    make(map[pathKey]*pathQueue),
		states:    make(map[pathKey]domain.PathState),
		baselines: make(map[string]domain.FileRecord),
		handoffs:  make(map[pathKey]domain.Handoff),
		pending:   make(map[string]*manualCase),
		byPath:    make(map[string]*manualCase),
		skipped:   make(map[string]string),
		failures:  make(map[pathKey]*failure),
		applied:   make(map[int]int),
		rescan:    make(chan struct{}, 1),
	}

	roots := make(map[int]propagate.Root, len(deps.Adapters))
	for i, a := range deps.Adapters {
		idx := index.New(i)
		e.indices = append(e.indices, idx)
		roots[i] = propagate.Root{Adapter: a, Index: idx}

		var ign *ignore.List
		if i < len(deps.Ignores) && deps.Ignores[i] != nil {
			ign = deps.Ignores[i]
		} else {
			ign = loadIgnore(a, cfg.Ignore)
		}
		e.ignores = append(e.ignores, ign)

		e.norms = append(e.norms, normalize.New(a, deps.Streams[i], e.sup, normalize.Options{
			Window:  cfg.CoalesceWindow,
			Clock:   clock,
			Ignore:  ign,
			OnError: func(error) { e.requestRescan() },
		}))
	}

	e.handler = e.handle
	e.prop = propagate.New(roots, e.sup, hasher, propagate.Options{
		Workers:      cfg.Workers,
		CopyAttempts: cfg.CopyAttempts,
		Reporter:     deps.Reporter,
	})
	return e, nil
}

// loadIgnore reads the root's ignore file when the adapter exposes its filesystem
func loadIgnore(a adapter.Adapter, extra []string) *ignore.List {
	if f, ok := a.(interface{ Fs() afero.Fs }); ok {
		return ignore.Load(f.Fs(), a.Root().Path, extra...)
	}
	return ignore.New(extra...)
}

// Start checks every root, scans them, reconciles once and then follows
// live changes until ctx is cancelled. It returns domain.ErrRootUnavailable
// without starting any worker if a root cannot be read.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.startedAt = e.clock.Now()
	e.mu.Unlock()

	for _, a := range e.adapters {
		info, err := a.Stat(ctx, "")
		if err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrRootUnavailable, a.Root(), err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: %s: %v", domain.ErrRootUnavailable, a.Root(), domain.ErrNotDirectory)
		}
	}

	baselines, err := e.store.Baselines()
	if err != nil {
		return fmt.Errorf("load sync journal: %w", err)
	}
	handoffs, err := e.store.Handoffs()
	if err != nil {
		return fmt.Errorf("load sync journal: %w", err)
	}
	e.mu.Lock()
	e.baselines = baselines
	for root, byPath := range handoffs {
		if root >= len(e.adapters) {
			continue
		}
		for path, h := range byPath {
			e.handoffs[pathKey{root, path}] = h
			e.handoffSeq = max(e.handoffSeq, h.Seq)
		}
	}
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	// Normalizers queue changes made during the initial scan; workers
	// pick them up once startup reconciliation is done
	for _, n := range e.norms {
		n.Start(ctx)
	}

	e.log.Info("Starting", "roots", len(e.adapters), "policy", e.resolver.Policy())
	e.mu.Lock()
	e.startup = true
	e.mu.Unlock()
	err = e.Reconcile(ctx)
	e.mu.Lock()
	e.startup = false
	e.mu.Unlock()
	if err != nil {
		cancel()
		return err
	}

	for root := range e.adapters {
		e.wg.Add(1)
		go e.worker(ctx, root)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sup.Run(ctx, e.cfg.SuppressionTTL)
	}()

	e.wg.Add(1)
	go e.rescanLoop(ctx)

	if e.cfg.ReconcileInterval > 0 {
		sched, err := scheduler.NewIntervalScheduler(scheduler.Config{
			Interval: e.cfg.ReconcileInterval,
			Clock:    e.clock,
		}, e)
		if err != nil {
			cancel()
			return err
		}
		if err := sched.Start(ctx); err != nil {
			cancel()
			return err
		}
		e.sched = sched
	}

	e.log.Info("Watching for changes")
	return nil
}

// Wait blocks until every worker has stopped
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown stops the workers and waits for in-flight work to finish.
// Cases awaiting a manual decision are left open.
func (e *Engine) Shutdown() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.sched != nil {
		_ = e.sched.Stop()
	}
	e.Wait()

	s := e.Stats()
	applied := 0
	for _, n := range s.Applied {
		applied += n
	}
	e.log.Info("Stopped",
		"uptime", e.clock.Since(s.StartedAt).Round(time.Second),
		"events", s.Events,
		"files_synced", applied,
		"bytes", humanize.Bytes(uint64(s.BytesCopied)),
		"conflicts", s.Conflicts,
		"resolved", s.Resolved,
		"open_cases", s.Pending,
		"failures", s.Failures)
}

// SchedulerStatus reports the periodic reconcile loop, nil before Start
func (e *Engine) SchedulerStatus() *scheduler.Status {
	if e.sched == nil {
		return nil
	}
	return e.sched.Status()
}

// Stats returns a snapshot of the engine counters
func (e *Engine) Stats() Stats {
	var suppressed uint64
	for _, n := range e.norms {
		suppressed += n.Suppressed()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	applied := make(map[int]int, len(e.applied))
	for k, v := range e.applied {
		applied[k] = v
	}
	degraded := mapset.NewThreadUnsafeSet[int]()
	for k := range e.failures {
		degraded.Add(k.root)
	}
	roots := degraded.ToSlice()
	sort.Ints(roots)

	return Stats{
		StartedAt:   e.startedAt,
		Events:      e.events.Load(),
		Suppressed:  suppressed,
		Applied:     applied,
		BytesCopied: e.bytes,
		Conflicts:   e.conflicts,
		Resolved:    e.resolved,
		Skipped:     e.skips,
		Pending:     len(e.pending),
		SkippedOpen: len(e.skipped),
		Failures:    e.failed,
		Degraded:    roots,
		Reconciles:  e.reconciles,
	}
}

// PathState returns where path currently is in root's processing
func (e *Engine) PathState(root int, path string) domain.PathState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[pathKey{root, domain.NormPath(path)}]
}

// Record returns root's index entry for path
func (e *Engine) Record(root int, path string) (domain.FileRecord, bool) {
	if root < 0 || root >= len(e.indices) {
		return domain.FileRecord{}, false
	}
	return e.indices[root].Get(domain.NormPath(path))
}

func (e *Engine) setState(root int, path string, s domain.PathState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setStateLocked(root, path, s)
}

func (e *Engine) setStateLocked(root int, path string, s domain.PathState) {
	k := pathKey{root, path}
	if s == domain.StateIdle {
		delete(e.states, k)
		return
	}
	e.states[k] = s
}

// finishState returns root's path to idle unless it waits for a human
func (e *Engine) finishState(root int, path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := pathKey{root, path}
	if e.states[k] != domain.StateAwaitingManualResolution {
		delete(e.states, k)
	}
}

func (e *Engine) requestRescan() {
	select {
	case e.rescan <- struct{}{}:
	default:
	}
}

// rescanLoop answers watcher errors (e.g. dropped events) with a full
// reconcile, since the index can no longer be trusted
func (e *Engine) rescanLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.rescan:
			e.log.Info("Rescanning after watcher error")
			if err := e.Reconcile(ctx); err != nil && ctx.Err() == nil {
				e.log.Warn("Rescan failed", "error", err)
			}
		}
	}
}

// recordError logs err and appends it to the audit log
func (e *Engine) recordError(root int, path, kind string, err error) {
	e.mu.Lock()
	e.failed++
	e.mu.Unlock()

	e.log.Warn("Sync error", "root", root, "path", path, "kind", kind, "error", err)
	rec := domain.ErrorRecord{
		Root:      root,
		Path:      path,
		Kind:      kind,
		Message:   err.Error(),
		Timestamp: e.clock.Now(),
	}
	if serr := e.store.AppendError(rec); serr != nil {
		e.log.Error("Failed to write error record", "error", serr)
	}
}

// isCanceled reports errors caused by shutdown
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
