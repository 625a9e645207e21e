package index

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ning0612/Meshsync/internal/domain"
)

func rec(path, digest string) domain.FileRecord {
	return domain.FileRecord{Path: path, Size: int64(len(digest)), ModTime: time.Unix(100, 0), Digest: domain.Digest(digest), Exists: true}
}

func TestPutIncrementsVersion(t *testing.T) {
	x := New(0)

	first := x.Put(rec("a.txt", "d1"))
	second := x.Put(rec("a.txt", "d2"))

	assert.Equal(t, uint64(1), first.Version)
	assert.Equal(t, uint64(2), second.Version)

	got, ok := x.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, domain.Digest("d2"), got.Digest)
	assert.Equal(t, uint64(2), got.Version)
}

func TestTombstone(t *testing.T) {
	x := New(1)
	x.Put(rec("a.txt", "d1"))

	ts, ok := x.Tombstone("a.txt", 2)
	require.True(t, ok)
	assert.False(t, ts.Exists)
	assert.Equal(t, uint64(2), ts.Version)
	assert.Equal(t, 2, ts.Origin)

	_, ok = x.Tombstone("a.txt", 2)
	assert.False(t, ok, "second tombstone is a no-op")

	_, ok = x.Tombstone("never.txt", 1)
	assert.False(t, ok)

	got, present := x.Get("a.txt")
	assert.True(t, present, "tombstones stay in the table")
	assert.True(t, got.IsTombstone())
}

func TestSnapshotIsImmutable(t *testing.T) {
	x := New(0)
	x.Put(rec("b.txt", "d1"))
	x.Put(rec("a.txt", "d1"))

	snap := x.Snapshot()
	x.Put(rec("a.txt", "d2"))
	x.Put(rec("c.txt", "d3"))

	got, _ := snap.Get("a.txt")
	assert.Equal(t, domain.Digest("d1"), got.Digest)
	assert.Equal(t, []string{"a.txt", "b.txt"}, snap.Paths())
	assert.Equal(t, 0, snap.Root)
	assert.Equal(t, 3, x.Len())
}

func TestSnapshotHandoffs(t *testing.T) {
	snap := NewSnapshot(1, rec("a.txt", "d1"))
	_, ok := snap.Handoff("a.txt")
	assert.False(t, ok)

	with := snap.WithHandoffs(map[string]domain.Handoff{"a.txt": {Record: rec("a.txt", "d1"), Seq: 7}})
	h, ok := with.Handoff("a.txt")
	assert.True(t, ok)
	assert.Equal(t, uint64(7), h.Seq)
	assert.Equal(t, []string{"a.txt"}, with.Paths(), "handoffs do not add paths")

	_, ok = snap.Handoff("a.txt")
	assert.False(t, ok, "original snapshot unchanged")
}

func TestConcurrentPut(t *testing.T) {
	x := New(0)
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				x.Put(rec("shared.txt", fmt.Sprintf("%d-%d", i, j)))
				_ = x.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	got, _ := x.Get("shared.txt")
	assert.Equal(t, uint64(800), got.Version)
}
