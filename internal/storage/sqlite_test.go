package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

func newTestStore(t *testing.T) *sqlStore {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st.(*sqlStore)
}

func addTask(t *testing.T, st Store, d task.Descriptor) task.Descriptor {
	t.Helper()
	if d.Name == "" {
		d.Name = "task"
	}
	if d.Type == "" {
		d.Type = "test.noop"
	}
	_, err := st.AddTask(context.Background(), &d)
	require.NoError(t, err)
	return d
}

func TestDescriptorCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	d := addTask(t, st, task.Descriptor{
		Name: "Purge", Type: "housekeeping.purge", CronExpression: "*/5 * * * *", Enabled: true,
		Parameters: map[string]string{"keep": "10"}, Priority: task.PriorityHigh,
	})
	require.NotZero(t, d.ID)

	got, err := st.GetTask(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "Purge", got.Name)
	assert.Equal(t, map[string]string{"keep": "10"}, got.Parameters)
	assert.Equal(t, task.PriorityHigh, got.Priority)
	assert.True(t, got.NextRunUtc.IsZero())

	got.Enabled = false
	got.CronExpression = "0 * * * *"
	require.NoError(t, st.UpdateTask(ctx, got))

	byType, err := st.GetTaskByType(ctx, "housekeeping.purge")
	require.NoError(t, err)
	assert.False(t, byType.Enabled)
	assert.Equal(t, "0 * * * *", byType.CronExpression)

	enabledOnly, err := st.ListTasks(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, enabledOnly)

	all, err := st.ListTasks(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = st.GetTask(ctx, 9999)
	assert.ErrorIs(t, err, task.ErrNotFound)
	assert.ErrorIs(t, st.UpdateTask(ctx, &task.Descriptor{ID: 9999, Name: "x", Type: "y"}), task.ErrNotFound)
}

func TestGetDueTasksOrderingAndExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	low := addTask(t, st, task.Descriptor{Name: "low", Enabled: true, Priority: task.PriorityLow, NextRunUtc: now.Add(-time.Minute)})
	high := addTask(t, st, task.Descriptor{Name: "high", Enabled: true, Priority: task.PriorityHigh, NextRunUtc: now})
	addTask(t, st, task.Descriptor{Name: "future", Enabled: true, NextRunUtc: now.Add(time.Minute)})
	addTask(t, st, task.Descriptor{Name: "disabled", Enabled: false, NextRunUtc: now.Add(-time.Hour)})
	addTask(t, st, task.Descriptor{Name: "manual", Enabled: true})

	due, err := st.GetDueTasks(ctx, now, "m1")
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, high.ID, due[0].ID)
	assert.Equal(t, low.ID, due[1].ID)

	run, err := st.TryClaim(ctx, high.ID, "m1")
	require.NoError(t, err)
	require.NotNil(t, run)

	due, err = st.GetDueTasks(ctx, now, "m1")
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, low.ID, due[0].ID)
}

func TestTryClaimScopes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	cluster := addTask(t, st, task.Descriptor{Name: "cluster", Enabled: true})
	perMachine := addTask(t, st, task.Descriptor{Name: "per-machine", Enabled: true, RunPerMachine: true})

	a, err := st.TryClaim(ctx, cluster.ID, "A")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.True(t, a.IsRunning)
	assert.Equal(t, task.StatusRunning, a.Status)

	b, err := st.TryClaim(ctx, cluster.ID, "B")
	require.NoError(t, err)
	assert.Nil(t, b, "cluster-wide descriptor must not run on two machines")

	pa, err := st.TryClaim(ctx, perMachine.ID, "A")
	require.NoError(t, err)
	require.NotNil(t, pa)
	pb, err := st.TryClaim(ctx, perMachine.ID, "B")
	require.NoError(t, err)
	require.NotNil(t, pb, "per-machine descriptor runs once per machine")
	pa2, err := st.TryClaim(ctx, perMachine.ID, "A")
	require.NoError(t, err)
	assert.Nil(t, pa2)

	_, err = st.TryClaim(ctx, 424242, "A")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestTryClaimConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	d := addTask(t, st, task.Descriptor{Enabled: true})

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := st.TryClaim(ctx, d.ID, "m")
			if err != nil {
				t.Errorf("TryClaim: %v", err)
				return
			}
			if run != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestFinalizeIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	d := addTask(t, st, task.Descriptor{Enabled: true})

	run, err := st.TryClaim(ctx, d.ID, "m")
	require.NoError(t, err)

	pct := 50
	require.NoError(t, st.RecordProgress(ctx, run.ID, &pct, "halfway"))
	mid, err := st.GetExecution(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, mid.ProgressPercent)
	assert.Equal(t, 50, *mid.ProgressPercent)
	assert.Equal(t, "halfway", mid.ProgressMessage)

	require.NoError(t, st.RecordProgress(ctx, run.ID, nil, "still going"))
	mid, err = st.GetExecution(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, *mid.ProgressPercent)
	assert.Equal(t, "still going", mid.ProgressMessage)

	require.NoError(t, st.Finalize(ctx, run.ID, task.Outcome{Status: task.StatusSucceeded, Result: "ok"}))
	require.NoError(t, st.Finalize(ctx, run.ID, task.Outcome{Status: task.StatusFailed, Error: "late"}))

	done, err := st.GetExecution(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, done.IsRunning)
	assert.Equal(t, task.StatusSucceeded, done.Status)
	assert.Equal(t, "ok", done.Result)
	assert.Empty(t, done.Error)
	assert.False(t, done.EndedUtc.IsZero())

	desc, err := st.GetTask(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StartedUtc, desc.LastRunUtc)

	assert.ErrorIs(t, st.Finalize(ctx, 999, task.Outcome{Status: task.StatusFailed}), task.ErrNotFound)
	assert.Error(t, st.Finalize(ctx, run.ID, task.Outcome{Status: task.StatusRunning}))

	// The claim is released once finalized.
	again, err := st.TryClaim(ctx, d.ID, "m")
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestRecoverOrphans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	stale := addTask(t, st, task.Descriptor{Name: "stale", Enabled: true})
	fresh := addTask(t, st, task.Descriptor{Name: "fresh", Enabled: true})

	old, err := st.TryClaim(ctx, stale.ID, "m")
	require.NoError(t, err)
	_, err = st.exec(ctx, `UPDATE task_executions SET started_utc = ?, heartbeat_utc = ? WHERE id = ?`,
		time.Now().Add(-2*time.Hour).UnixMilli(), time.Now().Add(-2*time.Hour).UnixMilli(), old.ID)
	require.NoError(t, err)
	recent, err := st.TryClaim(ctx, fresh.ID, "m")
	require.NoError(t, err)

	n, err := st.RecoverOrphans(ctx, time.Now().Add(-30*time.Minute), task.OrphanedRunMessage)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := st.GetExecution(ctx, old.ID)
	require.NoError(t, err)
	assert.False(t, got.IsRunning)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.OrphanedRunMessage, got.Error)

	still, err := st.GetExecution(ctx, recent.ID)
	require.NoError(t, err)
	assert.True(t, still.IsRunning)
}

func TestHeartbeatKeepsLongRunsAlive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	d := addTask(t, st, task.Descriptor{Enabled: true})

	run, err := st.TryClaim(ctx, d.ID, "m")
	require.NoError(t, err)
	_, err = st.exec(ctx, `UPDATE task_executions SET started_utc = ?, heartbeat_utc = ? WHERE id = ?`,
		time.Now().Add(-2*time.Hour).UnixMilli(), time.Now().Add(-2*time.Hour).UnixMilli(), run.ID)
	require.NoError(t, err)

	require.NoError(t, st.Heartbeat(ctx, run.ID))
	n, err := st.RecoverOrphans(ctx, time.Now().Add(-30*time.Minute), task.OrphanedRunMessage)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := st.GetExecution(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRunning)
}

func TestRecoverMachineSparesLiveRunsAndOtherMachines(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	a := addTask(t, st, task.Descriptor{Name: "a", Enabled: true, RunPerMachine: true})
	b := addTask(t, st, task.Descriptor{Name: "b", Enabled: true, RunPerMachine: true})

	dead, err := st.TryClaim(ctx, a.ID, "m1")
	require.NoError(t, err)
	live, err := st.TryClaim(ctx, b.ID, "m1")
	require.NoError(t, err)
	other, err := st.TryClaim(ctx, a.ID, "m2")
	require.NoError(t, err)

	n, err := st.RecoverMachine(ctx, "m1", task.OrphanedRunMessage, live.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	for id, running := range map[int64]bool{dead.ID: false, live.ID: true, other.ID: true} {
		got, err := st.GetExecution(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, running, got.IsRunning, "run %d", id)
	}
}

func TestPerMachineNextRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	d := addTask(t, st, task.Descriptor{Name: "agent", Enabled: true, RunPerMachine: true, NextRunUtc: now})

	// m1 ran and moved on; m2 has no schedule of its own yet.
	require.NoError(t, st.SetMachineNextRun(ctx, d.ID, "m1", now.Add(5*time.Minute)))

	due, err := st.GetDueTasks(ctx, now, "m1")
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = st.GetDueTasks(ctx, now, "m2")
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, now, due[0].NextRunUtc)

	due, err = st.GetDueTasks(ctx, now.Add(5*time.Minute), "m1")
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, now.Add(5*time.Minute), due[0].NextRunUtc)

	got, err := st.MachineNextRun(ctx, d.ID, "m1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), got)
	got, err = st.MachineNextRun(ctx, d.ID, "m2")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	// An edit resets every machine to the descriptor's next run.
	require.NoError(t, st.UpdateTask(ctx, &d))
	got, err = st.MachineNextRun(ctx, d.ID, "m1")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	assert.ErrorIs(t, st.SetMachineNextRun(ctx, 999, "m1", now), task.ErrNotFound)
}

func TestPurgeHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	d := addTask(t, st, task.Descriptor{Enabled: true})
	other := addTask(t, st, task.Descriptor{Name: "other", Enabled: true})

	now := time.Now().UTC()
	finish := func(desc task.Descriptor, startedAgo time.Duration) int64 {
		run, err := st.TryClaim(ctx, desc.ID, "m")
		require.NoError(t, err)
		require.NotNil(t, run)
		require.NoError(t, st.Finalize(ctx, run.ID, task.Outcome{Status: task.StatusSucceeded}))
		_, err = st.exec(ctx, `UPDATE task_executions SET started_utc = ? WHERE id = ?`, now.Add(-startedAgo).UnixMilli(), run.ID)
		require.NoError(t, err)
		return run.ID
	}

	for i := 1; i <= 5; i++ {
		finish(d, time.Duration(i)*time.Hour)
	}
	finish(d, 40*24*time.Hour)
	finish(other, time.Hour)
	running, err := st.TryClaim(ctx, d.ID, "m")
	require.NoError(t, err)

	n, err := st.PurgeHistory(ctx, now, 30*24*time.Hour, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n, "one aged out, two beyond the count cap")

	rows, err := st.ListExecutions(ctx, ExecutionQuery{DescriptorID: d.ID})
	require.NoError(t, err)
	assert.Len(t, rows, 4, "three kept plus the running row")
	assert.Equal(t, running.ID, rows[0].ID)

	rows, err = st.ListExecutions(ctx, ExecutionQuery{DescriptorID: other.ID})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestDeleteTasksProtected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	plain := addTask(t, st, task.Descriptor{Name: "plain"})
	system := addTask(t, st, task.Descriptor{Name: "system", IsSystem: true})

	run, err := st.TryClaim(ctx, plain.ID, "m")
	require.NoError(t, err)

	res, err := st.DeleteTasks(ctx, plain.ID, system.ID, 777)
	require.NoError(t, err)
	assert.Equal(t, []int64{plain.ID}, res.Deleted)
	assert.Equal(t, []int64{system.ID}, res.Skipped)
	assert.Equal(t, []int64{777}, res.Missing)

	_, err = st.GetExecution(ctx, run.ID)
	assert.ErrorIs(t, err, task.ErrNotFound, "history cascades with the descriptor")

	res, err = st.DeleteTasks(ctx, system.ID)
	assert.True(t, errors.Is(err, task.ErrProtected))
	assert.Empty(t, res.Deleted)

	_, err = st.GetTask(ctx, system.ID)
	require.NoError(t, err)
}

func TestLastExecutionByMachine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	d := addTask(t, st, task.Descriptor{Enabled: true, RunPerMachine: true})

	none, err := st.LastExecution(ctx, d.ID, "")
	require.NoError(t, err)
	assert.Nil(t, none)

	ra, err := st.TryClaim(ctx, d.ID, "A")
	require.NoError(t, err)
	rb, err := st.TryClaim(ctx, d.ID, "B")
	require.NoError(t, err)

	last, err := st.LastExecution(ctx, d.ID, "A")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, ra.ID, last.ID)

	running, err := st.ListExecutions(ctx, ExecutionQuery{MachineName: "B", RunningOnly: true})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, rb.ID, running[0].ID)
}
