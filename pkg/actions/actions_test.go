package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	h := Simulated("fetch", CapabilityRead)

	require.NoError(t, r.Register("Fetch", h))
	assert.Error(t, r.Register("fetch", h), "duplicate ids are rejected")
	assert.Error(t, r.Register("", h))
	assert.Error(t, r.Register("x", nil))
	assert.Error(t, r.Register("x", Func{Cap: "teleport"}))

	got, ok := r.Lookup(" FETCH ")
	assert.True(t, ok)
	assert.Equal(t, CapabilityRead, got.Capability())
	assert.Equal(t, []string{"fetch"}, r.IDs())
}

func TestRegistryBindReportsEveryUnknownID(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("a", Simulated("a", CapabilityCompute))

	b, err := r.Bind("a", "b", "c")
	assert.Nil(t, b)
	require.ErrorIs(t, err, ErrUnknownAction)
	assert.Contains(t, err.Error(), `"b"`)
	assert.Contains(t, err.Error(), `"c"`)

	b, err = r.Bind("a")
	require.NoError(t, err)
	out, err := b.Run(context.Background(), "A", StepContext{ExpectedOutputs: []string{"report"}})
	require.NoError(t, err)
	assert.Equal(t, "simulated", out["status"])
	assert.Equal(t, "produced by a", out["report"])

	_, err = b.Run(context.Background(), "z", StepContext{})
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestFuncHandler(t *testing.T) {
	boom := errors.New("boom")
	h := Func{Cap: CapabilityExternal, Fn: func(ctx context.Context, sc StepContext) (Output, error) {
		if sc.Attempt < 2 {
			return nil, boom
		}
		return Output{"attempt": sc.Attempt}, nil
	}}

	_, err := h.Execute(context.Background(), StepContext{Attempt: 1})
	assert.ErrorIs(t, err, boom)
	out, err := h.Execute(context.Background(), StepContext{Attempt: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, out["attempt"])
}

func TestRegisterBuiltinsKeepsExisting(t *testing.T) {
	r := NewRegistry()
	custom := Func{Cap: CapabilityExternal, Fn: func(context.Context, StepContext) (Output, error) { return Output{"real": true}, nil }}
	r.MustRegister("send_email", custom)

	RegisterBuiltins(r)
	assert.Len(t, r.IDs(), len(Builtin))

	h, ok := r.Lookup("send_email")
	require.True(t, ok)
	out, err := h.Execute(context.Background(), StepContext{})
	require.NoError(t, err)
	assert.Equal(t, true, out["real"])
}

func TestSimulatedHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Simulated("x", CapabilityCompute).Execute(ctx, StepContext{})
	assert.ErrorIs(t, err, context.Canceled)
}
