package asyncstate

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeCancel(t *testing.T) {
	t.Parallel()
	s := New()

	assert.False(t, s.IsCancelled("task:1"), "absent entry reads as not cancelled")
	assert.False(t, s.Cancel("task:1"))

	ctx, release := s.Begin(context.Background(), "task:1")
	defer release()

	assert.False(t, s.IsCancelled("task:1"))
	require.True(t, s.Cancel("task:1"))
	assert.True(t, s.IsCancelled("task:1"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	release()
	assert.False(t, s.IsCancelled("task:1"))
	assert.Empty(t, s.Live())
}

func TestScopeState(t *testing.T) {
	t.Parallel()
	s := New()

	assert.False(t, s.Set("task:2", KeyPercent, 10), "writes for unknown ids are dropped")

	_, release := s.Begin(context.Background(), "task:2")
	require.True(t, s.Set("task:2", KeyPercent, 40))
	v, ok := s.Get("task:2", KeyPercent)
	require.True(t, ok)
	assert.Equal(t, 40, v)

	_, ok = s.Since("task:2")
	assert.True(t, ok)

	s.Clear("task:2")
	_, ok = s.Get("task:2", KeyPercent)
	assert.False(t, ok)
	release()
}

func TestScopeReleaseKeepsNewerEntry(t *testing.T) {
	t.Parallel()
	s := New()

	_, releaseOld := s.Begin(context.Background(), "task:3")
	s.Clear("task:3")
	_, releaseNew := s.Begin(context.Background(), "task:3")
	defer releaseNew()

	releaseOld()
	assert.Equal(t, []string{"task:3"}, s.Live())
}

func TestScopeReset(t *testing.T) {
	t.Parallel()
	s := New()
	ctxA, _ := s.Begin(context.Background(), "a")
	ctxB, _ := s.Begin(context.Background(), "b")

	s.Reset()
	assert.Error(t, ctxA.Err())
	assert.Error(t, ctxB.Err())
	assert.Empty(t, s.Live())
}

func TestScopeConcurrentAccess(t *testing.T) {
	t.Parallel()
	s := New()
	_, release := s.Begin(context.Background(), "task:9")
	defer release()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Set("task:9", KeyPercent, i)
			_, _ = s.Get("task:9", KeyPercent)
			_ = s.IsCancelled("task:9")
		}(i)
	}
	wg.Wait()
	s.Cancel("task:9")
	assert.True(t, s.IsCancelled("task:9"))
}
