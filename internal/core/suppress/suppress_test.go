package suppress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ning0612/Meshsync/internal/domain"
)

var mtime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func writeEntry(root int, path string) domain.SuppressionEntry {
	return domain.SuppressionEntry{Root: root, Path: path, Digest: "d", Size: 4, ModTime: mtime}
}

func TestConsumeMatchingWrite(t *testing.T) {
	s := New(clockwork.NewFakeClock(), time.Second)
	s.Register(writeEntry(1, "a.txt"))

	assert.False(t, s.Consume(1, "a.txt", Observation{Exists: true, Size: 5, ModTime: mtime}), "size differs")
	assert.False(t, s.Consume(2, "a.txt", Observation{Exists: true, Size: 4, ModTime: mtime}), "other root")
	assert.True(t, s.Consume(1, "a.txt", Observation{Exists: true, Size: 4, ModTime: mtime}))
	assert.False(t, s.Consume(1, "a.txt", Observation{Exists: true, Size: 4, ModTime: mtime}), "consumed once")
	assert.Equal(t, 0, s.Len())
}

func TestConsumeDelete(t *testing.T) {
	s := New(clockwork.NewFakeClock(), time.Second)
	s.Register(domain.SuppressionEntry{Root: 0, Path: "gone.txt", Deleted: true})

	assert.False(t, s.Consume(0, "gone.txt", Observation{Exists: true, Size: 4, ModTime: mtime}))
	assert.True(t, s.Consume(0, "gone.txt", Observation{Exists: false}))
}

func TestExpiredEntryDoesNotMatch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, time.Second)
	s.Register(writeEntry(1, "a.txt"))

	clock.Advance(time.Second)
	assert.False(t, s.Consume(1, "a.txt", Observation{Exists: true, Size: 4, ModTime: mtime}))
	assert.False(t, s.Pending(1, "a.txt"))

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 0, s.Len())

	consumed, expired := s.Stats()
	assert.Zero(t, consumed)
	assert.Equal(t, uint64(1), expired)
}

func TestConfirmAdjustsStatAndExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, time.Second)
	tok := s.Register(writeEntry(1, "a.txt"))

	rounded := mtime.Truncate(time.Second).Add(time.Second)
	clock.Advance(900 * time.Millisecond)
	s.Confirm(tok, 4, rounded)
	clock.Advance(900 * time.Millisecond)

	assert.True(t, s.Consume(1, "a.txt", Observation{Exists: true, Size: 4, ModTime: rounded}))
}

func TestCancel(t *testing.T) {
	s := New(clockwork.NewFakeClock(), time.Second)
	tok := s.Register(writeEntry(1, "a.txt"))
	s.Cancel(tok)
	s.Cancel(tok)

	assert.False(t, s.Consume(1, "a.txt", Observation{Exists: true, Size: 4, ModTime: mtime}))
	assert.Equal(t, 0, s.Len())
}

func TestRunSweeps(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, time.Second)
	s.Register(writeEntry(1, "a.txt"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 500*time.Millisecond)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestConsumeAndSweepRemoveOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, time.Second)
	for i := 0; i < 200; i++ {
		s.Register(writeEntry(1, "a.txt"))
	}
	clock.Advance(999 * time.Millisecond)

	var wg sync.WaitGroup
	var mu sync.Mutex
	hits := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if s.Consume(1, "a.txt", Observation{Exists: true, Size: 4, ModTime: mtime}) {
					mu.Lock()
					hits++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		clock.Advance(time.Millisecond)
		s.Sweep()
	}()
	wg.Wait()
	s.Sweep()

	consumed, expired := s.Stats()
	assert.Equal(t, uint64(hits), consumed)
	assert.Equal(t, uint64(200), consumed+expired)
	assert.Equal(t, 0, s.Len())
}
