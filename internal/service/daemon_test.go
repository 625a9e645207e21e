package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ning0612/Meshsync/internal/config"
	"github.com/Ning0612/Meshsync/internal/domain"
)

// testDaemonConfig creates a validated config over n fresh directories
func testDaemonConfig(t *testing.T, n int) *config.Config {
	t.Helper()
	tmp := t.TempDir()

	cfg := &config.Config{
		Policy:            "newest",
		DataDir:           filepath.Join(tmp, "data"),
		CoalesceWindow:    20 * time.Millisecond,
		SuppressionTTL:    5 * time.Second,
		ReconcileInterval: time.Hour,
		RetryDelay:        10 * time.Millisecond,
		Workers:           2,
		MaxRetries:        1,
		CopyAttempts:      2,
		HashAlgorithm:     "md5",
	}
	for i := 0; i < n; i++ {
		dir := filepath.Join(tmp, "root"+string(rune('a'+i)))
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create root: %v", err)
		}
		cfg.Roots = append(cfg.Roots, dir)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid test config: %v", err)
	}
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config) *DaemonService {
	t.Helper()
	daemon, err := NewDaemonService(cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create daemon service: %v", err)
	}
	t.Cleanup(func() { daemon.Close() })
	return daemon
}

func waitForFile(t *testing.T, path, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got, err := os.ReadFile(path); err == nil && string(got) == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	got, err := os.ReadFile(path)
	t.Fatalf("%s never became %q (got %q, err %v)", path, want, got, err)
}

func TestNewDaemonService(t *testing.T) {
	cfg := testDaemonConfig(t, 2)
	daemon := newTestDaemon(t, cfg)

	if daemon.config == nil {
		t.Error("Daemon config is nil")
	}
	if daemon.store == nil {
		t.Error("State store is nil")
	}
	if daemon.lock == nil {
		t.Error("File lock is nil")
	}
}

func TestNewDaemonService_NilConfig(t *testing.T) {
	_, err := NewDaemonService(nil, nil)
	if err == nil {
		t.Error("Expected error for nil config, got nil")
	}
}

func TestDaemonService_StartStop(t *testing.T) {
	cfg := testDaemonConfig(t, 3)
	if err := os.WriteFile(filepath.Join(cfg.Roots[0], "seed.txt"), []byte("seed"), 0644); err != nil {
		t.Fatal(err)
	}
	daemon := newTestDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := daemon.Start(ctx); err != nil {
		t.Fatalf("Failed to start daemon: %v", err)
	}

	// The startup reconcile copies what only one root has
	for _, root := range cfg.Roots[1:] {
		waitForFile(t, filepath.Join(root, "seed.txt"), "seed")
	}

	// Live changes follow
	if err := os.MkdirAll(filepath.Join(cfg.Roots[2], "docs"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Roots[2], "docs", "live.txt"), []byte("live"), 0644); err != nil {
		t.Fatal(err)
	}
	for _, root := range cfg.Roots[:2] {
		waitForFile(t, filepath.Join(root, "docs", "live.txt"), "live")
	}

	status := daemon.Status()
	if !status.Running {
		t.Error("Daemon should be running")
	}
	// Copies are counted once committed, which may trail the file showing up
	deadline := time.Now().Add(5 * time.Second)
	for status.Transfers.Completed < 4 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		status = daemon.Status()
	}
	if status.Transfers.Completed < 4 || status.Transfers.Bytes < 16 || status.Transfers.Failed != 0 {
		t.Errorf("Expected at least 4 copies of 16 bytes, got %+v", status.Transfers)
	}

	if err := daemon.Stop(); err != nil {
		t.Fatalf("Failed to stop daemon: %v", err)
	}

	status = daemon.Status()
	if status.Running {
		t.Error("Daemon should not be running after stop")
	}
}

func TestDaemonService_DoubleStart(t *testing.T) {
	cfg := testDaemonConfig(t, 2)
	daemon := newTestDaemon(t, cfg)

	ctx := context.Background()

	if err := daemon.Start(ctx); err != nil {
		t.Fatalf("Failed to start daemon: %v", err)
	}
	defer daemon.Stop()

	// Try to start again
	if err := daemon.Start(ctx); err == nil {
		t.Error("Expected error when starting already running daemon")
	}
}

func TestDaemonService_StopNotRunning(t *testing.T) {
	daemon := newTestDaemon(t, testDaemonConfig(t, 2))

	// Try to stop without starting
	if err := daemon.Stop(); err == nil {
		t.Error("Expected error when stopping non-running daemon")
	}
}

func TestDaemonService_MissingRoot(t *testing.T) {
	cfg := testDaemonConfig(t, 2)
	if err := os.RemoveAll(cfg.Roots[1]); err != nil {
		t.Fatal(err)
	}
	daemon := newTestDaemon(t, cfg)

	err := daemon.Start(context.Background())
	if !errors.Is(err, domain.ErrRootUnavailable) {
		t.Fatalf("Expected ErrRootUnavailable, got %v", err)
	}
	if daemon.Status().Running {
		t.Error("Daemon should not be running after a failed start")
	}

	// The lock is released so the roots can be retried once restored
	if err := os.MkdirAll(cfg.Roots[1], 0755); err != nil {
		t.Fatal(err)
	}
	if err := daemon.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start after restoring root: %v", err)
	}
	defer daemon.Stop()
}

func TestDaemonService_Status(t *testing.T) {
	cfg := testDaemonConfig(t, 2)
	daemon := newTestDaemon(t, cfg)

	// Status before starting
	status := daemon.Status()
	if status == nil {
		t.Fatal("Status should not be nil")
	}
	if status.Running {
		t.Error("Daemon should not be running initially")
	}
	if status.LastResolution != nil {
		t.Error("No resolution should be recorded yet")
	}

	// Both roots hold different content for the same path
	if err := os.WriteFile(filepath.Join(cfg.Roots[0], "c.txt"), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Roots[1], "c.txt"), []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(cfg.Roots[0], "c.txt"), past, past); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := daemon.Start(ctx); err != nil {
		t.Fatalf("Failed to start daemon: %v", err)
	}
	defer daemon.Stop()

	waitForFile(t, filepath.Join(cfg.Roots[0], "c.txt"), "new")

	status = daemon.Status()
	if !status.Running {
		t.Error("Daemon should be running")
	}
	if status.SchedulerStats == nil {
		t.Fatal("Scheduler stats should not be nil when running")
	}
	if !status.SchedulerStats.Running {
		t.Error("Scheduler should be running")
	}
	if status.Stats.Conflicts != 1 {
		t.Errorf("Expected 1 conflict, got %d", status.Stats.Conflicts)
	}
	if status.LastResolution == nil {
		t.Fatal("Expected the startup resolution in the audit log")
	}
	if status.LastResolution.Chosen != 1 || !status.LastResolution.Startup {
		t.Errorf("Unexpected resolution: chosen %d, startup %v", status.LastResolution.Chosen, status.LastResolution.Startup)
	}
	if len(status.PendingCases) != 0 {
		t.Errorf("Newest policy should leave no pending cases, got %d", len(status.PendingCases))
	}
}
