package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestCountersAndWait(t *testing.T) {
	s := New(context.Background())
	release := make(chan struct{})

	for i := 0; i < 3; i++ {
		s.Go0("worker", func(ctx context.Context) { <-release })
	}
	c := s.Counters()
	if c.Started != 3 || c.Active != 3 {
		t.Fatalf("counters = %+v, want 3 started, 3 active", c)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if c := s.Counters(); c.Active != 0 {
		t.Fatalf("active after Wait = %d", c.Active)
	}
}

func TestPanicRecovered(t *testing.T) {
	s := New(context.Background())
	s.Go0("boom", func(ctx context.Context) { panic("kaput") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("Wait returned nil after panic")
	}
	if s.Err() == nil {
		t.Fatal("panic not recorded as first error")
	}
}

func TestCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")

	s.Go("failing", func(ctx context.Context) error { return boom })
	s.Go("sibling", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want boom", err)
	}
}

func TestErrorWithoutCancelLeavesSiblingsRunning(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(false))
	s.Go("failing", func(ctx context.Context) error { return errors.New("boom") })

	var alive atomic.Bool
	s.Go0("sibling", func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-time.After(100 * time.Millisecond):
			alive.Store(true)
		}
	})

	// The sibling proves liveness first; only then does the test cancel.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !alive.Load() {
		time.Sleep(5 * time.Millisecond)
	}
	if !alive.Load() {
		t.Fatal("sibling was canceled by an unrelated error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Cancel()
	_ = s.Wait(ctx)
}

func TestGoRestartRestartsOnError(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32

	s.GoRestart("flaky", false, time.Millisecond, 5*time.Millisecond, func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runs.Load() >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := runs.Load(); got < 3 {
		t.Fatalf("runs = %d, want restarts up to 3", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestGoRestartStopsOnCancel(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32

	s.GoRestart("loop", true, time.Millisecond, 5*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && runs.Load() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("loop never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	final := runs.Load()
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != final {
		t.Fatal("loop restarted after Stop")
	}
}
