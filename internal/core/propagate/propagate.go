// Package propagate replicates one root's file state onto the other roots.
package propagate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Ning0612/Meshsync/internal/adapter"
	"github.com/Ning0612/Meshsync/internal/core/checksum"
	"github.com/Ning0612/Meshsync/internal/core/diff"
	"github.com/Ning0612/Meshsync/internal/core/index"
	"github.com/Ning0612/Meshsync/internal/core/suppress"
	"github.com/Ning0612/Meshsync/internal/domain"
	"github.com/Ning0612/Meshsync/internal/logger"
	"github.com/Ning0612/Meshsync/internal/progress"
)

// Defaults
const (
	DefaultWorkers      = 4
	DefaultCopyAttempts = 2
)

// Root bundles the filesystem and index of one root
type Root struct {
	Adapter adapter.Adapter
	Index   *index.Index
}

// Options configures a Propagator
type Options struct {
	// Workers bounds concurrent target writes across all propagations
	Workers int

	// CopyAttempts is how often a copy is retried after a digest mismatch
	CopyAttempts int

	Reporter progress.Reporter
}

// Request describes one change to replicate
type Request struct {
	Path   string
	Source int
	Kind   domain.ChangeKind

	// Record is the source state being propagated, with digest
	Record domain.FileRecord

	// Targets maps each target root to the record the decision was made
	// against. A target whose disk no longer matches it has diverged.
	Targets map[int]domain.FileRecord
}

// Result reports per-target outcomes. A failure on one target never
// affects the others.
type Result struct {
	Applied []int
	// Unchanged lists targets that already held the desired state
	Unchanged []int
	Failed    map[int]error
	Bytes     int64
}

// OK reports whether every target succeeded
func (r Result) OK() bool {
	return len(r.Failed) == 0
}

// Diverged returns targets that failed with domain.ErrTargetDiverged
func (r Result) Diverged() []int {
	var out []int
	for root, err := range r.Failed {
		if errors.Is(err, domain.ErrTargetDiverged) {
			out = append(out, root)
		}
	}
	sort.Ints(out)
	return out
}

// Propagator writes changes to target roots with temp-file + rename so no
// reader ever sees a partial file
type Propagator struct {
	roots  map[int]Root
	sup    *suppress.Set
	hasher *checksum.Hasher
	sem    *semaphore.Weighted
	opts   Options
	log    logger.Logger
}

// New creates a propagator over roots
func New(roots map[int]Root, sup *suppress.Set, hasher *checksum.Hasher, opts Options) *Propagator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.CopyAttempts <= 0 {
		opts.CopyAttempts = DefaultCopyAttempts
	}
	if opts.Reporter == nil {
		opts.Reporter = progress.NullReporter{}
	}
	return &Propagator{
		roots:  roots,
		sup:    sup,
		hasher: hasher,
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
		opts:   opts,
		log:    logger.With("component", "propagator"),
	}
}

// Apply replicates req to every target in parallel. Cancelling ctx stops
// targets that have not started; started writes always run to completion.
func (p *Propagator) Apply(ctx context.Context, req Request) Result {
	res := Result{Failed: make(map[int]error)}
	var mu sync.Mutex

	targets := make([]int, 0, len(req.Targets))
	for t := range req.Targets {
		if t != req.Source {
			targets = append(targets, t)
		}
	}
	sort.Ints(targets)

	var g errgroup.Group
	for _, target := range targets {
		target := target
		g.Go(func() error {
			changed, n, err := p.applyTarget(ctx, req, target)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed[target] = err
			case changed:
				res.Applied = append(res.Applied, target)
				res.Bytes += n
			default:
				res.Unchanged = append(res.Unchanged, target)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Ints(res.Applied)
	sort.Ints(res.Unchanged)
	return res
}

func (p *Propagator) applyTarget(ctx context.Context, req Request, target int) (bool, int64, error) {
	tr, ok := p.roots[target]
	if !ok {
		return false, 0, &domain.PropagationError{Root: target, Path: req.Path, Err: fmt.Errorf("unknown root %d", target)}
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, 0, &domain.PropagationError{Root: target, Path: req.Path, Err: err}
	}
	defer p.sem.Release(1)

	wctx := context.WithoutCancel(ctx)
	expected := req.Targets[target]

	onDisk, err := p.observe(wctx, tr.Adapter, req.Path)
	if err != nil {
		return false, 0, &domain.PropagationError{Root: target, Path: req.Path, Err: err}
	}
	if !onDisk.SameStat(expected) {
		return false, 0, &domain.PropagationError{
			Root: target,
			Path: req.Path,
			Err:  fmt.Errorf("%w: expected %s, found %s", domain.ErrTargetDiverged, describe(expected), describe(onDisk)),
		}
	}

	if req.Kind == domain.ChangeDeleted {
		return p.remove(wctx, req, target, tr, onDisk)
	}

	if diff.Same(expected, req.Record) && expected.Digest != "" {
		return false, 0, nil
	}
	return p.copy(wctx, req, target, tr)
}

func (p *Propagator) remove(ctx context.Context, req Request, target int, tr Root, onDisk domain.FileRecord) (bool, int64, error) {
	if !onDisk.Exists {
		tr.Index.Tombstone(req.Path, req.Source)
		return false, 0, nil
	}

	tok := p.sup.Register(domain.SuppressionEntry{Root: target, Path: req.Path, Deleted: true})
	if err := tr.Adapter.Remove(ctx, req.Path); err != nil {
		p.sup.Cancel(tok)
		return false, 0, &domain.PropagationError{Root: target, Path: req.Path, Attempts: 1, Err: err}
	}

	tr.Index.Tombstone(req.Path, req.Source)
	p.log.Debug("deleted", "path", req.Path, "target", target, "source", req.Source)
	return true, 0, nil
}

func (p *Propagator) copy(ctx context.Context, req Request, target int, tr Root) (bool, int64, error) {
	sr, ok := p.roots[req.Source]
	if !ok {
		return false, 0, &domain.PropagationError{Root: target, Path: req.Path, Err: fmt.Errorf("unknown source root %d", req.Source)}
	}

	tok := p.sup.Register(domain.SuppressionEntry{
		Root:    target,
		Path:    req.Path,
		Digest:  req.Record.Digest,
		Size:    req.Record.Size,
		ModTime: req.Record.ModTime,
	})

	p.opts.Reporter.Start(req.Path, target, req.Record.Size)

	var lastErr error
	attempt := 0
	for attempt < p.opts.CopyAttempts {
		attempt++
		tmp, n, err := p.stage(ctx, req, target, sr, tr)
		if err != nil {
			lastErr = err
			if errors.Is(err, domain.ErrDigestMismatch) {
				p.log.Warn("digest mismatch after copy, retrying", "path", req.Path, "target", target, "attempt", attempt)
				continue
			}
			break
		}

		if err := tr.Adapter.Commit(ctx, tmp, req.Path, req.Record.Mode, req.Record.ModTime); err != nil {
			tr.Adapter.Discard(tmp)
			lastErr = err
			break
		}

		rec := domain.FileRecord{
			Path:    req.Path,
			Size:    n,
			ModTime: req.Record.ModTime,
			Mode:    req.Record.Mode,
			Digest:  req.Record.Digest,
			Exists:  true,
			Origin:  req.Source,
		}
		// The filesystem may round the mtime; the echo will carry the rounded value
		if info, err := tr.Adapter.Stat(ctx, req.Path); err == nil {
			rec.ModTime = info.ModTime()
			rec.Size = info.Size()
		}
		p.sup.Confirm(tok, rec.Size, rec.ModTime)
		tr.Index.Put(rec)
		if p.hasher != nil {
			p.hasher.Prime(tr.Adapter.Root().Path, rec)
		}

		p.opts.Reporter.Complete(req.Path, target, nil)
		p.log.Debug("copied", "path", req.Path, "target", target, "source", req.Source, "bytes", n)
		return true, n, nil
	}

	p.sup.Cancel(tok)
	perr := &domain.PropagationError{Root: target, Path: req.Path, Attempts: attempt, Err: lastErr}
	p.opts.Reporter.Complete(req.Path, target, perr)
	return false, 0, perr
}

// stage copies the source into a temp file on the target, hashing on the
// way, and returns the temp path once the digest matches
func (p *Propagator) stage(ctx context.Context, req Request, target int, sr, tr Root) (string, int64, error) {
	src, err := sr.Adapter.Open(ctx, req.Path)
	if err != nil {
		return "", 0, fmt.Errorf("open source: %w: %w", domain.ErrIOUnavailable, err)
	}
	defer src.Close()

	tmp, err := tr.Adapter.CreateTemp(ctx, req.Path)
	if err != nil {
		return "", 0, err
	}

	algo := checksum.MD5
	if p.hasher != nil {
		algo = p.hasher.Algorithm()
	}
	h, err := checksum.NewHash(algo)
	if err != nil {
		tmp.Close()
		tr.Adapter.Discard(tmp.Name())
		return "", 0, err
	}

	w := progress.NewWriter(io.MultiWriter(tmp, h), p.opts.Reporter, req.Path, target)
	n, copyErr := io.Copy(w, src)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		tr.Adapter.Discard(tmp.Name())
		return "", 0, errors.Join(copyErr, closeErr)
	}

	if req.Record.Digest != "" {
		if got := checksum.Encode(h); got != req.Record.Digest {
			tr.Adapter.Discard(tmp.Name())
			return "", 0, fmt.Errorf("%w: got %s, want %s", domain.ErrDigestMismatch, got, req.Record.Digest)
		}
	}
	return tmp.Name(), n, nil
}

// observe returns the on-disk state of path as a record without digest
func (p *Propagator) observe(ctx context.Context, a adapter.Adapter, path string) (domain.FileRecord, error) {
	info, err := a.Stat(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return diff.Absent(path), nil
	}
	if err != nil {
		return domain.FileRecord{}, err
	}
	if info.IsDir() {
		return domain.FileRecord{}, fmt.Errorf("%s: %w", path, domain.ErrNotFile)
	}
	return domain.FileRecord{Path: path, Size: info.Size(), ModTime: info.ModTime(), Exists: true}, nil
}

func describe(r domain.FileRecord) string {
	if !r.Exists {
		return "absent"
	}
	return fmt.Sprintf("size=%d mtime=%s", r.Size, r.ModTime.Format("2006-01-02T15:04:05.000000000"))
}
