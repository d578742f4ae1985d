package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func findStats(s Snapshot, name string) (GoroutineStats, bool) {
	for _, g := range s.Goroutines {
		if g.Name == name {
			return g, true
		}
	}
	return GoroutineStats{}, false
}

func TestCancelOnErrorStopsSiblings(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")

	s.Go("sibling", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("failing", func(context.Context) error { return boom })

	if err := s.Wait(waitCtx(t)); !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want boom", err)
	}
	if s.Context().Err() == nil {
		t.Fatal("context not canceled after first error")
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 2 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestPanicIsRecordedNotPropagated(t *testing.T) {
	s := New(context.Background())
	s.Go("panicky", func(context.Context) error { panic("kaboom") })

	err := s.Wait(waitCtx(t))
	if err == nil || s.Context().Err() != nil {
		t.Fatalf("Wait = %v, ctx err = %v", err, s.Context().Err())
	}
	st, ok := findStats(s.Snapshot(), "panicky")
	if !ok || st.Panics != 1 || st.LastErr == "" {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTryGoRefusesAfterStop(t *testing.T) {
	s := New(context.Background())
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatal(err)
	}
	if err := s.TryGo("late", func(context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("TryGo = %v", err)
	}
}

func TestGoRestartBacksOffAndGivesUp(t *testing.T) {
	s := New(context.Background())
	var calls atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		calls.Add(1)
		return errors.New("flaky")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRestarts(2))

	if err := s.Wait(waitCtx(t)); err == nil {
		t.Fatal("expected give-up error")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	st, _ := findStats(s.Snapshot(), "flaky")
	if st.Restarts != 2 {
		t.Fatalf("restarts = %d", st.Restarts)
	}
}

func TestGoRestartStopsOnNilReturn(t *testing.T) {
	s := New(context.Background())
	var calls atomic.Int32
	s.GoRestart("once", func(context.Context) error {
		if calls.Add(1) < 2 {
			return errors.New("retry me")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestWaitHonoursDeadline(t *testing.T) {
	s := New(context.Background())
	release := make(chan struct{})
	s.Go0("stuck", func(context.Context) { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v", err)
	}
}
