package progress

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Ning0612/Meshsync/internal/logger"
)

// Reporter receives byte-level progress of propagation copies.
// Transfers to different targets run in parallel, so implementations
// must be safe for concurrent use.
type Reporter interface {
	// Start begins tracking a copy of path to target
	Start(path string, target int, totalBytes int64)
	// Update reports bytes written so far
	Update(path string, target int, bytesTransferred int64)
	// Complete marks the copy finished; err is nil on success
	Complete(path string, target int, err error)
}

// Counter aggregates transfer totals. A copy's bytes count once it
// completes successfully.
type Counter struct {
	bytes     atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	mu       sync.Mutex
	inflight map[transferKey]int64
}

var _ Reporter = (*Counter)(nil)

func (c *Counter) Start(path string, target int, totalBytes int64) {
	c.set(transferKey{path, target}, 0)
}

func (c *Counter) Update(path string, target int, bytesTransferred int64) {
	c.set(transferKey{path, target}, bytesTransferred)
}

func (c *Counter) Complete(path string, target int, err error) {
	k := transferKey{path, target}
	c.mu.Lock()
	n := c.inflight[k]
	delete(c.inflight, k)
	c.mu.Unlock()

	if err != nil {
		c.failed.Add(1)
		return
	}
	c.Add(n)
}

func (c *Counter) set(k transferKey, n int64) {
	c.mu.Lock()
	if c.inflight == nil {
		c.inflight = make(map[transferKey]int64)
	}
	c.inflight[k] = n
	c.mu.Unlock()
}

// Add records bytes actually committed to a target
func (c *Counter) Add(n int64) {
	c.bytes.Add(n)
	c.completed.Add(1)
}

// Bytes returns total bytes committed
func (c *Counter) Bytes() int64 { return c.bytes.Load() }

// Completed returns the number of committed copies
func (c *Counter) Completed() int64 { return c.completed.Load() }

// Failed returns the number of failed copies
func (c *Counter) Failed() int64 { return c.failed.Load() }

// LogReporter logs copies larger than Threshold with their throughput
type LogReporter struct {
	Threshold int64

	mu     sync.Mutex
	starts map[transferKey]time.Time
	sizes  map[transferKey]int64
}

type transferKey struct {
	path   string
	target int
}

// NewLogReporter creates a reporter that logs copies of at least threshold bytes
func NewLogReporter(threshold int64) *LogReporter {
	return &LogReporter{
		Threshold: threshold,
		starts:    make(map[transferKey]time.Time),
		sizes:     make(map[transferKey]int64),
	}
}

func (r *LogReporter) Start(path string, target int, totalBytes int64) {
	if totalBytes < r.Threshold {
		return
	}
	r.mu.Lock()
	r.starts[transferKey{path, target}] = time.Now()
	r.sizes[transferKey{path, target}] = totalBytes
	r.mu.Unlock()
	logger.Get().Info("copying", "path", path, "target", target, "size", humanize.Bytes(uint64(totalBytes)))
}

func (r *LogReporter) Update(path string, target int, bytesTransferred int64) {}

func (r *LogReporter) Complete(path string, target int, err error) {
	k := transferKey{path, target}
	r.mu.Lock()
	started, ok := r.starts[k]
	size := r.sizes[k]
	delete(r.starts, k)
	delete(r.sizes, k)
	r.mu.Unlock()
	if !ok {
		return
	}

	if err != nil {
		logger.Get().Warn("copy failed", "path", path, "target", target, "error", err)
		return
	}
	logger.Get().Info("copied", "path", path, "target", target,
		"size", humanize.Bytes(uint64(size)), "speed", FormatSpeed(size, time.Since(started)))
}

// Multi fans progress out to several reporters
type Multi []Reporter

func (m Multi) Start(path string, target int, totalBytes int64) {
	for _, r := range m {
		r.Start(path, target, totalBytes)
	}
}

func (m Multi) Update(path string, target int, bytesTransferred int64) {
	for _, r := range m {
		r.Update(path, target, bytesTransferred)
	}
}

func (m Multi) Complete(path string, target int, err error) {
	for _, r := range m {
		r.Complete(path, target, err)
	}
}

// NullReporter is a no-op reporter
type NullReporter struct{}

func (NullReporter) Start(path string, target int, totalBytes int64)        {}
func (NullReporter) Update(path string, target int, bytesTransferred int64) {}
func (NullReporter) Complete(path string, target int, err error)            {}

// Writer wraps an io.Writer to track write progress of one transfer
type Writer struct {
	writer      io.Writer
	reporter    Reporter
	path        string
	target      int
	transferred int64
}

// NewWriter creates a progress-tracking writer
func NewWriter(w io.Writer, reporter Reporter, path string, target int) *Writer {
	return &Writer{writer: w, reporter: reporter, path: path, target: target}
}

// Write implements io.Writer
func (pw *Writer) Write(p []byte) (n int, err error) {
	n, err = pw.writer.Write(p)
	if n > 0 {
		pw.transferred += int64(n)
		if pw.reporter != nil {
			pw.reporter.Update(pw.path, pw.target, pw.transferred)
		}
	}
	return n, err
}

// Transferred returns bytes written so far
func (pw *Writer) Transferred() int64 {
	return pw.transferred
}

// FormatSpeed formats a throughput as human-readable bytes per second
func FormatSpeed(bytes int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return humanize.Bytes(uint64(bytes)) + "/s"
	}
	perSecond := float64(bytes) / elapsed.Seconds()
	return humanize.Bytes(uint64(perSecond)) + "/s"
}
