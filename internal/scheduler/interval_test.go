package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// mockReconciler counts passes and signals each completed one
type mockReconciler struct {
	calls     atomic.Int32
	shouldErr bool
	done      chan struct{}
}

func newMockReconciler(shouldErr bool) *mockReconciler {
	return &mockReconciler{shouldErr: shouldErr, done: make(chan struct{}, 16)}
}

func (m *mockReconciler) Reconcile(ctx context.Context) error {
	m.calls.Add(1)
	defer func() { m.done <- struct{}{} }()
	if m.shouldErr {
		return errors.New("rescan failed")
	}
	return nil
}

func (m *mockReconciler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-m.done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconcile pass did not run")
	}
}

// waitStatus polls until cond holds; stats are updated after Reconcile returns
func waitStatus(t *testing.T, s *IntervalScheduler, cond func(*Status) bool) *Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		status := s.Status()
		if cond(status) {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatalf("status never reached the expected state: %+v", status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// startFake starts a scheduler on a fake clock and waits for its ticker
func startFake(t *testing.T, ctx context.Context, runner Reconciler) (*IntervalScheduler, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	s, err := NewIntervalScheduler(Config{Interval: 30 * time.Second, Clock: clock}, runner)
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Failed to start scheduler: %v", err)
	}
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker not registered: %v", err)
	}
	return s, clock
}

func TestNewIntervalScheduler(t *testing.T) {
	s, err := NewIntervalScheduler(Config{Interval: time.Second}, newMockReconciler(false))
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	if s == nil {
		t.Fatal("Scheduler is nil")
	}
}

func TestNewIntervalScheduler_InvalidInterval(t *testing.T) {
	_, err := NewIntervalScheduler(Config{Interval: 0}, newMockReconciler(false))
	if err == nil {
		t.Error("Expected error for zero interval, got nil")
	}
}

func TestNewIntervalScheduler_NilRunner(t *testing.T) {
	_, err := NewIntervalScheduler(Config{Interval: time.Second}, nil)
	if err == nil {
		t.Error("Expected error for nil reconciler, got nil")
	}
}

func TestIntervalScheduler_RunsOnEveryTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := newMockReconciler(false)
	s, clock := startFake(t, ctx, runner)
	defer s.Stop()

	if !s.Status().Running {
		t.Error("Scheduler should be running")
	}
	if runner.calls.Load() != 0 {
		t.Error("Reconcile must not run before the first tick")
	}

	clock.Advance(30 * time.Second)
	runner.wait(t)
	waitStatus(t, s, func(st *Status) bool { return st.SuccessfulRuns == 1 })
	clock.Advance(30 * time.Second)
	runner.wait(t)

	status := waitStatus(t, s, func(st *Status) bool { return st.SuccessfulRuns == 2 })
	if status.TotalRuns != 2 {
		t.Errorf("Expected 2 runs, got %+v", status)
	}
	if !status.NextRunTime.Equal(status.LastRunTime.Add(30 * time.Second)) {
		t.Errorf("Next run %v should follow last run %v", status.NextRunTime, status.LastRunTime)
	}
}

func TestIntervalScheduler_Stop(t *testing.T) {
	runner := newMockReconciler(false)
	s, _ := startFake(t, context.Background(), runner)

	if err := s.Stop(); err != nil {
		t.Fatalf("Failed to stop scheduler: %v", err)
	}
	if s.Status().Running {
		t.Error("Scheduler should not be running after stop")
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("Expected error when restarting a stopped scheduler")
	}
}

func TestIntervalScheduler_DoubleStart(t *testing.T) {
	ctx := context.Background()
	s, _ := startFake(t, ctx, newMockReconciler(false))
	defer s.Stop()

	if err := s.Start(ctx); err == nil {
		t.Error("Expected error when starting already running scheduler")
	}
}

func TestIntervalScheduler_StopNotRunning(t *testing.T) {
	s, err := NewIntervalScheduler(Config{Interval: time.Second}, newMockReconciler(false))
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	if err := s.Stop(); err == nil {
		t.Error("Expected error when stopping non-running scheduler")
	}
}

func TestIntervalScheduler_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, _ := startFake(t, ctx, newMockReconciler(false))

	cancel()

	waitStatus(t, s, func(st *Status) bool { return !st.Running })
}

func TestIntervalScheduler_ErrorHandling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := newMockReconciler(true)
	s, clock := startFake(t, ctx, runner)
	defer s.Stop()

	clock.Advance(30 * time.Second)
	runner.wait(t)

	status := waitStatus(t, s, func(st *Status) bool { return st.FailedRuns == 1 })
	if status.LastError != "rescan failed" {
		t.Errorf("Expected last error to be set, got %q", status.LastError)
	}
}

func TestReconcilerFunc(t *testing.T) {
	called := false
	var r Reconciler = ReconcilerFunc(func(ctx context.Context) error {
		called = true
		return nil
	})
	if err := r.Reconcile(context.Background()); err != nil || !called {
		t.Errorf("ReconcilerFunc did not forward the call: called=%v err=%v", called, err)
	}
}
