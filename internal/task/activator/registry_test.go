package activator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/task"
)

func noop(context.Context, *task.Context) error { return nil }

func TestNormalizeTypeName(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"Housekeeping.Purge":          "housekeeping.purge",
		"  Housekeeping.Purge , core ": "housekeeping.purge",
		"":                            "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeTypeName(in), in)
	}
}

func TestRegistryResolveAndActivate(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterFunc("", "Core.Noop", noop))

	ht := r.ResolveHandlerType("core.noop, whatever")
	require.NotNil(t, ht)
	assert.Equal(t, "Core.Noop", ht.Type)
	assert.True(t, r.IsModuleActive(ht))

	h, err := r.Activate(ht)
	require.NoError(t, err)
	require.NoError(t, h.Run(context.Background(), nil))

	assert.Nil(t, r.ResolveHandlerType("missing.type"))
	assert.False(t, r.IsTypeActive("missing.type"))

	err = r.RegisterFunc("", "CORE.NOOP", noop)
	assert.ErrorIs(t, err, ErrDuplicateType)
}

func TestRegistryFactoryFailure(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	require.NoError(t, r.Register(Registration{
		Type:    "broken",
		Factory: func() (task.Handler, error) { return nil, errors.New("no deps") },
	}))
	_, err := r.Activate(r.ResolveHandlerType("broken"))
	var re *task.HandlerResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "broken", re.Type)
}

func TestModuleActivityIsRecheckedLive(t *testing.T) {
	t.Parallel()
	mods := NewModuleSet(map[string]bool{"NetSpeed": true})
	r := NewRegistry(mods)
	require.NoError(t, r.RegisterFunc("netspeed", "NetSpeed.SpeedTest", noop))

	ht := r.ResolveHandlerType("netspeed.speedtest")
	require.NotNil(t, ht)
	assert.True(t, r.IsModuleActive(ht))

	changed := mods.Apply(map[string]bool{"netspeed": false})
	assert.Equal(t, []string{"netspeed"}, changed)
	assert.False(t, r.IsModuleActive(ht))

	assert.Empty(t, mods.Apply(map[string]bool{"netspeed": false}))
	assert.Equal(t, map[string]bool{"netspeed": false}, mods.Snapshot())
}

func TestTypesSorted(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterFunc("", "b.task", noop))
	require.NoError(t, r.RegisterFunc("", "a.task", noop))
	types := r.Types()
	require.Len(t, types, 2)
	assert.Equal(t, "a.task", types[0].Type)
}
