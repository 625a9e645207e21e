package lock

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/Ning0612/Meshsync/internal/testutil"
)

// TestAcquireTwice_ThenRelease is a regression test for the bug where
// re-acquiring with a different root set updates file but not l.info,
// causing Release to fail with "lock stolen" error
func TestAcquireTwice_ThenRelease(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	lock, err := NewFileLock(dir)
	if err != nil {
		t.Fatalf("NewFileLock failed: %v", err)
	}

	// First acquire
	if err := lock.Acquire(rootSet("set-a")); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}

	// Second acquire with a different root set (should succeed)
	if err := lock.Acquire(rootSet("set-b")); err != nil {
		t.Fatalf("Second acquire failed: %v", err)
	}

	// Release should succeed (NOT fail with "lock stolen")
	if err := lock.Release(); err != nil {
		t.Fatalf("Release after re-acquire failed: %v (this was the bug!)", err)
	}

	// Verify lock file is gone
	lockPath := filepath.Join(dir, LockFileName)
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("Lock file still exists after release")
	}
}

// TestAcquireTwice_RootsPersisted verifies the root set is properly updated
func TestAcquireTwice_RootsPersisted(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	lock, err := NewFileLock(dir)
	if err != nil {
		t.Fatalf("NewFileLock failed: %v", err)
	}

	// Acquire with set-a
	if err := lock.Acquire(rootSet("set-a")); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}

	// Re-acquire with set-b
	if err := lock.Acquire(rootSet("set-b")); err != nil {
		t.Fatalf("Second acquire failed: %v", err)
	}

	// Read lock info and verify the root set was updated
	info, err := lock.readLockInfo()
	if err != nil {
		t.Fatalf("Failed to read lock info: %v", err)
	}

	want := rootSet("set-b")
	if !slices.Equal(info.Roots, want) {
		t.Errorf("Expected roots %v, got %v", want, info.Roots)
	}

	// Also verify internal state matches
	if !slices.Equal(lock.info.Roots, want) {
		t.Errorf("Internal l.info.Roots should be %v, got %v", want, lock.info.Roots)
	}

	lock.Release()
}

// TestAcquire_RootOrderIgnored verifies the same roots in another order are
// treated as the same set
func TestAcquire_RootOrderIgnored(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	lock, err := NewFileLock(dir)
	if err != nil {
		t.Fatalf("NewFileLock failed: %v", err)
	}

	if err := lock.Acquire([]string{"/srv/b", "/srv/a/"}); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lock.Release()

	holder, err := lock.GetHolder()
	if err != nil {
		t.Fatalf("GetHolder failed: %v", err)
	}
	want := []string{filepath.Clean("/srv/a"), filepath.Clean("/srv/b")}
	if !slices.Equal(holder.Roots, want) {
		t.Errorf("Expected sorted roots %v, got %v", want, holder.Roots)
	}
}
