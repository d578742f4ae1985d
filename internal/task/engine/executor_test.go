package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	"taskd/internal/task/activator"
	"taskd/internal/task/asyncstate"
	logx "taskd/pkg/logx"
)

type fakeStore struct {
	mu           sync.Mutex
	finalizeErrs []error
	finalized    []task.Outcome
	progress     []string
	disabled     []int64
}

func (f *fakeStore) RecordProgress(_ context.Context, _ int64, _ *int, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, message)
	return nil
}

func (f *fakeStore) Finalize(_ context.Context, _ int64, out task.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.finalizeErrs) > 0 {
		err := f.finalizeErrs[0]
		f.finalizeErrs = f.finalizeErrs[1:]
		return err
	}
	f.finalized = append(f.finalized, out)
	return nil
}

func (f *fakeStore) SetEnabled(_ context.Context, id int64, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !enabled {
		f.disabled = append(f.disabled, id)
	}
	return nil
}

func (f *fakeStore) outcomes() []task.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]task.Outcome(nil), f.finalized...)
}

func newExecutor(t *testing.T, st *fakeStore, handlers map[string]task.HandlerFunc) (*Executor, eventbus.Bus) {
	t.Helper()
	reg := activator.NewRegistry(nil)
	for name, fn := range handlers {
		require.NoError(t, reg.RegisterFunc("", name, fn))
	}
	bus := eventbus.New()
	x := New(Config{FinalizeRetryBase: time.Millisecond, FinalizeRetryMaxDelay: 2 * time.Millisecond}, st, reg, asyncstate.New(), logx.Nop(), bus)
	return x, bus
}

func request(id int64, typ string) Request {
	return Request{
		Descriptor: task.Descriptor{ID: id, Name: "t", Type: typ, Parameters: map[string]string{"a": "desc", "b": "desc"}},
		Run:        task.ExecutionInfo{ID: 100 + id, DescriptorID: id, MachineName: "m1", IsRunning: true},
		Trigger:    task.TriggerScheduled,
	}
}

func TestExecuteSuccessRecordsResult(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	x, bus := newExecutor(t, st, map[string]task.HandlerFunc{
		"ok": func(_ context.Context, tc *task.Context) error {
			tc.ReportProgress(100, "done")
			tc.SetResult("3 rows")
			return nil
		},
	})
	events, unsub := bus.Subscribe(4, eventbus.RunFinished)
	defer unsub()

	out := x.Execute(context.Background(), request(1, "ok"))
	assert.Equal(t, task.StatusSucceeded, out.Status)
	assert.Equal(t, "3 rows", out.Result)
	require.Len(t, st.outcomes(), 1)
	assert.Contains(t, st.progress, "done")
	assert.Empty(t, x.Scope().Live())

	select {
	case ev := <-events:
		re := ev.Data.(task.RunEvent)
		assert.Equal(t, task.StatusSucceeded, re.Status)
		assert.Equal(t, int64(101), re.RunID)
	case <-time.After(time.Second):
		t.Fatal("no run.finished event")
	}
}

func TestExecuteFailureCarriesErrorText(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	x, _ := newExecutor(t, st, map[string]task.HandlerFunc{
		"bad": func(context.Context, *task.Context) error { return errors.New("disk full") },
	})
	out := x.Execute(context.Background(), request(1, "bad"))
	assert.Equal(t, task.StatusFailed, out.Status)
	assert.Equal(t, "disk full", out.Error)
	assert.Empty(t, st.disabled)
}

func TestExecutePanicBecomesFailure(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	x, _ := newExecutor(t, st, map[string]task.HandlerFunc{
		"boom": func(context.Context, *task.Context) error { panic("nil map") },
	})
	out := x.Execute(context.Background(), request(1, "boom"))
	assert.Equal(t, task.StatusFailed, out.Status)
	assert.Contains(t, out.Error, "panicked")
	assert.Contains(t, out.Error, "nil map")
	require.Len(t, st.outcomes(), 1)
}

func TestExecuteUnknownTypeFails(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	x, _ := newExecutor(t, st, nil)
	out := x.Execute(context.Background(), request(1, "Missing.Type"))
	assert.Equal(t, task.StatusFailed, out.Status)
	assert.Equal(t, `unknown task type "Missing.Type"`, out.Error)
}

func TestExecuteCancellationAcknowledged(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	started := make(chan struct{})
	x, _ := newExecutor(t, st, map[string]task.HandlerFunc{
		"slow": func(ctx context.Context, tc *task.Context) error {
			close(started)
			<-ctx.Done()
			return tc.CheckCancelled()
		},
	})

	done := make(chan task.Outcome, 1)
	go func() { done <- x.Execute(context.Background(), request(7, "slow")) }()
	<-started
	require.True(t, x.Scope().Cancel(task.CorrelationID(7)))

	select {
	case out := <-done:
		assert.Equal(t, task.StatusCancelled, out.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not stop")
	}
}

func TestExecuteIgnoredCancellationStillSucceeds(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	started := make(chan struct{})
	release := make(chan struct{})
	x, _ := newExecutor(t, st, map[string]task.HandlerFunc{
		"stubborn": func(context.Context, *task.Context) error {
			close(started)
			<-release
			return nil
		},
	})
	done := make(chan task.Outcome, 1)
	go func() { done <- x.Execute(context.Background(), request(8, "stubborn")) }()
	<-started
	x.Scope().Cancel(task.CorrelationID(8))
	close(release)
	assert.Equal(t, task.StatusSucceeded, (<-done).Status)
}

func TestExecuteShutdownMarksCancelled(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())
	x, _ := newExecutor(t, st, map[string]task.HandlerFunc{
		"wait": func(ctx context.Context, _ *task.Context) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		},
	})
	out := x.Execute(ctx, request(2, "wait"))
	assert.Equal(t, task.StatusCancelled, out.Status)
	assert.Equal(t, shutdownResult, out.Result)
	require.Len(t, st.outcomes(), 1)
}

func TestExecuteRunParamsOverrideDescriptor(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	var got map[string]string
	x, _ := newExecutor(t, st, map[string]task.HandlerFunc{
		"params": func(_ context.Context, tc *task.Context) error {
			got = tc.Params
			return nil
		},
	})
	req := request(3, "params")
	req.Params = map[string]string{"b": "run", "CurrentUserId": "42"}
	x.Execute(context.Background(), req)
	assert.Equal(t, map[string]string{"a": "desc", "b": "run", "CurrentUserId": "42"}, got)
}

func TestExecuteRetriesFinalize(t *testing.T) {
	t.Parallel()
	st := &fakeStore{finalizeErrs: []error{errors.New("database is locked"), errors.New("database is locked")}}
	x, _ := newExecutor(t, st, map[string]task.HandlerFunc{
		"ok": func(context.Context, *task.Context) error { return nil },
	})
	out := x.Execute(context.Background(), request(4, "ok"))
	assert.Equal(t, task.StatusSucceeded, out.Status)
	require.Len(t, st.outcomes(), 1)
}

func TestExecuteStopOnErrorDisables(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	x, _ := newExecutor(t, st, map[string]task.HandlerFunc{
		"bad": func(context.Context, *task.Context) error { return errors.New("nope") },
	})
	req := request(5, "bad")
	req.Descriptor.StopOnError = true
	x.Execute(context.Background(), req)
	assert.Equal(t, []int64{5}, st.disabled)
}

func TestBackoffDelayBounded(t *testing.T) {
	t.Parallel()
	for retry := 1; retry < 10; retry++ {
		d := backoffDelay(100*time.Millisecond, time.Second, 0.2, retry)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
	}
	assert.Equal(t, 400*time.Millisecond, backoffDelay(100*time.Millisecond, time.Second, 0, 3))
}
