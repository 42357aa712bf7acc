package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/gateflow/internal/workflow"
)

// fakeRole is a scriptable role for tests.
type fakeRole struct {
	id string
	fn func(ctx context.Context, input string) (string, error)
}

func (r *fakeRole) ID() string { return r.id }
func (r *fakeRole) Execute(ctx context.Context, input string) (string, error) {
	return r.fn(ctx, input)
}

func echoRole(id string) *fakeRole {
	return &fakeRole{id: id, fn: func(ctx context.Context, input string) (string, error) {
		return id + ": " + input, nil
	}}
}

func failRole(id, msg string) *fakeRole {
	return &fakeRole{id: id, fn: func(ctx context.Context, input string) (string, error) {
		return "", errors.New(msg)
	}}
}

func TestDispatchNoRoles(t *testing.T) {
	d := NewDispatcher(nil, nil)
	_, err := d.Dispatch(context.Background(), workflow.PhaseDesign, "input")
	assert.ErrorIs(t, err, ErrNoRoles)
}

func TestDispatchParallelAllSucceed(t *testing.T) {
	d := NewDispatcher(nil, nil)
	d.Register(workflow.PhaseDesign, echoRole("architect"))
	d.Register(workflow.PhaseDesign, echoRole("reviewer"))

	out, err := d.Dispatch(context.Background(), workflow.PhaseDesign, "spec")
	require.NoError(t, err)
	require.Len(t, out, 2)

	// Every role sees the same input.
	assert.Equal(t, "architect: spec", out["architect"].Output)
	assert.Equal(t, "reviewer: spec", out["reviewer"].Output)
	assert.False(t, out["architect"].Failed())
}

func TestDispatchParallelPartialFailurePreservesSiblings(t *testing.T) {
	d := NewDispatcher(nil, nil)
	d.Register(workflow.PhaseDesign, echoRole("architect"))
	d.Register(workflow.PhaseDesign, failRole("reviewer", "model unavailable"))
	d.Register(workflow.PhaseDesign, echoRole("documenter"))

	out, err := d.Dispatch(context.Background(), workflow.PhaseDesign, "spec")
	require.Error(t, err)

	var partial *PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, workflow.PhaseDesign, partial.Phase)
	assert.Equal(t, map[string]string{"reviewer": "model unavailable"}, partial.Failed)
	assert.Contains(t, partial.Error(), "reviewer")

	// Successful sibling outputs survive the failure.
	require.Len(t, out, 3)
	assert.Equal(t, "architect: spec", out["architect"].Output)
	assert.Equal(t, "documenter: spec", out["documenter"].Output)
	assert.True(t, out["reviewer"].Failed())
}

func TestDispatchParallelJoinBarrier(t *testing.T) {
	var mu sync.Mutex
	finished := 0

	d := NewDispatcher(nil, nil)
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("role-%d", i)
		delay := time.Duration(i) * 5 * time.Millisecond
		d.Register(workflow.PhaseQuality, &fakeRole{id: id, fn: func(ctx context.Context, input string) (string, error) {
			time.Sleep(delay)
			mu.Lock()
			finished++
			mu.Unlock()
			return "done", nil
		}})
	}

	out, err := d.Dispatch(context.Background(), workflow.PhaseQuality, "input")
	require.NoError(t, err)
	assert.Len(t, out, 4)

	// Dispatch returned only after every role finished.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, finished)
}

func TestDispatchSequentialChainsOutputs(t *testing.T) {
	d := NewDispatcher(nil, nil)
	d.Register(workflow.PhaseRelease, echoRole("build"))
	d.Register(workflow.PhaseRelease, echoRole("canary"))
	d.Register(workflow.PhaseRelease, echoRole("promote"))
	d.MarkSequential(workflow.PhaseRelease)

	out, err := d.Dispatch(context.Background(), workflow.PhaseRelease, "v1.2.3")
	require.NoError(t, err)

	assert.Equal(t, "build: v1.2.3", out["build"].Output)
	assert.Equal(t, "canary: build: v1.2.3", out["canary"].Output)
	assert.Equal(t, "promote: canary: build: v1.2.3", out["promote"].Output)
}

func TestDispatchSequentialStopsOnFirstFailure(t *testing.T) {
	promoted := false
	d := NewDispatcher(nil, nil)
	d.Register(workflow.PhaseRelease, echoRole("build"))
	d.Register(workflow.PhaseRelease, failRole("canary", "error rate above threshold"))
	d.Register(workflow.PhaseRelease, &fakeRole{id: "promote", fn: func(ctx context.Context, input string) (string, error) {
		promoted = true
		return "promoted", nil
	}})
	d.MarkSequential(workflow.PhaseRelease)

	out, err := d.Dispatch(context.Background(), workflow.PhaseRelease, "v1.2.3")

	var partial *PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, map[string]string{"canary": "error rate above threshold"}, partial.Failed)

	// Promote never ran.
	assert.False(t, promoted)
	_, hasPromote := out["promote"]
	assert.False(t, hasPromote)
	assert.Equal(t, "build: v1.2.3", out["build"].Output)
}

func TestRolePanicIsIsolated(t *testing.T) {
	d := NewDispatcher(nil, nil)
	d.Register(workflow.PhaseDesign, &fakeRole{id: "panicky", fn: func(ctx context.Context, input string) (string, error) {
		panic("boom")
	}})
	d.Register(workflow.PhaseDesign, echoRole("steady"))

	out, err := d.Dispatch(context.Background(), workflow.PhaseDesign, "input")

	var partial *PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Contains(t, partial.Failed["panicky"], "panic: boom")
	assert.Equal(t, "steady: input", out["steady"].Output)
}

func TestRoleTimeout(t *testing.T) {
	d := NewDispatcher(&Config{RoleTimeout: 20 * time.Millisecond, MaxParallel: 4}, nil)
	d.Register(workflow.PhaseDesign, &fakeRole{id: "slow", fn: func(ctx context.Context, input string) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "done", nil
		}
	}})

	out, err := d.Dispatch(context.Background(), workflow.PhaseDesign, "input")

	var partial *PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, "timeout", out["slow"].Err)
}

func TestRolesRegistrationOrder(t *testing.T) {
	d := NewDispatcher(nil, nil)
	d.Register(workflow.PhaseRelease, echoRole("build"))
	d.Register(workflow.PhaseRelease, echoRole("canary"))
	d.Register(workflow.PhaseRelease, echoRole("promote"))

	assert.Equal(t, []string{"build", "canary", "promote"}, d.Roles(workflow.PhaseRelease))
	assert.Empty(t, d.Roles(workflow.PhaseDesign))
}
