package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopStep(_ context.Context, _ *Context) (map[string]any, error) {
	return nil, nil
}

func TestRegisterStep_ReturnsHandleWithID(t *testing.T) {
	reg := NewRegistry()
	h := reg.RegisterStep("fetch", noopStep)
	assert.Equal(t, "fetch", h.ID())
}

func TestRegisterStep_LastWriteWins(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterStep("s", func(_ context.Context, _ *Context) (map[string]any, error) {
		return map[string]any{"version": 1}, nil
	})
	h := reg.RegisterStep("s", func(_ context.Context, _ *Context) (map[string]any, error) {
		return map[string]any{"version": 2}, nil
	})

	fn, ok := reg.step(h.ID())
	require.True(t, ok)
	out, err := fn(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out["version"])
}

func TestConfigureRetry_Roundtrip(t *testing.T) {
	reg := NewRegistry()
	h := reg.RegisterStep("s", noopStep)
	reg.ConfigureRetry(h, RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, BackoffFactor: 2})

	p, ok := reg.retry("s")
	require.True(t, ok)
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, float64(2), p.BackoffFactor)

	_, ok = reg.retry("unknown")
	assert.False(t, ok)
}

func TestSetStepCondition_Roundtrip(t *testing.T) {
	reg := NewRegistry()
	h := reg.RegisterStep("s", noopStep)
	reg.SetStepCondition(h, func(data map[string]any) bool {
		return data["go"] == true
	})

	pred, ok := reg.condition("s")
	require.True(t, ok)
	assert.True(t, pred(map[string]any{"go": true}))
	assert.False(t, pred(map[string]any{}))
}

func TestRegisterParallelGroup_KeepsMemberOrder(t *testing.T) {
	reg := NewRegistry()
	a := reg.RegisterStep("a", noopStep)
	b := reg.RegisterStep("b", noopStep)
	c := reg.RegisterStep("c", noopStep)
	g := reg.RegisterParallelGroup("fanout", c, a, b)

	members, ok := reg.group(g.ID())
	require.True(t, ok)
	assert.Equal(t, []string{"c", "a", "b"}, members)
}

func TestHandleForStep_OnlyForRegistered(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterStep("a", noopStep)

	h, ok := reg.HandleForStep("a")
	assert.True(t, ok)
	assert.Equal(t, "a", h.ID())

	_, ok = reg.HandleForStep("nope")
	assert.False(t, ok)
}

func TestHandleForGroup_OnlyForRegistered(t *testing.T) {
	reg := NewRegistry()
	a := reg.RegisterStep("a", noopStep)
	reg.RegisterParallelGroup("g", a)

	h, ok := reg.HandleForGroup("g")
	assert.True(t, ok)
	assert.Equal(t, "g", h.ID())

	_, ok = reg.HandleForGroup("nope")
	assert.False(t, ok)
}

func TestWorkflows_SortedListing(t *testing.T) {
	reg := NewRegistry()
	a := reg.RegisterStep("a", noopStep)
	reg.RegisterWorkflow("zeta", []Entry{Step(a)})
	reg.RegisterWorkflow("alpha", []Entry{Step(a)})
	reg.RegisterWorkflow("mid", []Entry{Step(a)})

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, reg.Workflows())
	assert.True(t, reg.HasWorkflow("mid"))
	assert.False(t, reg.HasWorkflow("absent"))
}

func TestRegisterWorkflow_LastWriteWins(t *testing.T) {
	reg := NewRegistry()
	a := reg.RegisterStep("a", noopStep)
	b := reg.RegisterStep("b", noopStep)
	reg.RegisterWorkflow("wf", []Entry{Step(a)})
	reg.RegisterWorkflow("wf", []Entry{Step(b)})

	def, ok := reg.workflow("wf")
	require.True(t, ok)
	require.Len(t, def.entries, 1)
	assert.Equal(t, "b", def.entries[0].ID())
}

func TestEntryKinds(t *testing.T) {
	reg := NewRegistry()
	a := reg.RegisterStep("a", noopStep)
	g := reg.RegisterParallelGroup("g", a)

	assert.False(t, Step(a).IsGroup())
	assert.True(t, Group(g).IsGroup())
	assert.Equal(t, "a", StepID("a").ID())
	assert.True(t, GroupID("g").IsGroup())
}
