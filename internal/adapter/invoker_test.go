package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func invokerRegistry(t *testing.T, extra ...*Adapter) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterMocks(reg))
	for _, a := range extra {
		require.NoError(t, reg.Register(a))
	}
	reg.Freeze()
	return reg
}

func TestRegistryInvokerDispatches(t *testing.T) {
	ri := &RegistryInvoker{Registry: invokerRegistry(t)}

	res := ri.Invoke(context.Background(), "cluster.get_status",
		map[string]any{"workload": "web"},
		Call{RunID: "r1", StepIndex: 0, Tenant: "acme", IdempotencyKey: "r1:0:1", CompensationOf: -1})
	require.True(t, res.OK)
	require.Equal(t, "web", res.Output["workload"])
	require.Equal(t, "r1:0:1", res.Output["idempotency_key"])
}

func TestRegistryInvokerUnknownTool(t *testing.T) {
	ri := &RegistryInvoker{Registry: invokerRegistry(t)}

	res := ri.Invoke(context.Background(), "ghost.tool", nil, Call{})
	require.False(t, res.OK)
	require.Equal(t, ErrValidationFailed, res.Error.Kind)
	require.Contains(t, res.Error.Message, "ghost.tool")
}

func TestRegistryInvokerInterruptsSafeReads(t *testing.T) {
	slowRead := &Adapter{
		ID:              "probe.slow_read",
		Classification:  ClassRead,
		Idempotent:      true,
		SafeToInterrupt: true,
		Budget:          20 * time.Millisecond,
		Invoke: func(ctx context.Context, _ map[string]any, _ Call) Result {
			<-ctx.Done()
			return Result{OK: true}
		},
	}
	ri := &RegistryInvoker{Registry: invokerRegistry(t, slowRead)}

	start := time.Now()
	res := ri.Invoke(context.Background(), "probe.slow_read", nil, Call{})
	require.False(t, res.OK)
	require.Equal(t, ErrTimeout, res.Error.Kind)
	require.Contains(t, res.Error.Message, "interrupted")
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRegistryInvokerWaitsForUnsafeWrites(t *testing.T) {
	// the write finishes after the budget; its result is kept but downgraded
	// to a timeout failure
	slowWrite := &Adapter{
		ID:             "probe.slow_write",
		Classification: ClassWrite,
		Budget:         10 * time.Millisecond,
		Invoke: func(ctx context.Context, _ map[string]any, _ Call) Result {
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			return Result{OK: true, Output: map[string]any{"wrote": true}}
		},
	}
	ri := &RegistryInvoker{Registry: invokerRegistry(t, slowWrite)}

	res := ri.Invoke(context.Background(), "probe.slow_write", nil, Call{})
	require.False(t, res.OK)
	require.Equal(t, ErrTimeout, res.Error.Kind)
	require.Contains(t, res.Error.Message, "exceeded budget")
	require.Equal(t, true, res.Output["wrote"])
	require.Greater(t, res.Usage.WallMs, int64(0))
}

func TestIntentRecorderNeverInvokes(t *testing.T) {
	ir := &IntentRecorder{Registry: invokerRegistry(t)}

	res := ir.Invoke(context.Background(), "cluster.delete_workload",
		map[string]any{"workload": "web"}, Call{RunID: "r1", StepIndex: 2, CompensationOf: -1})
	require.True(t, res.OK)
	require.Equal(t, true, res.Output["shadow"])
	require.Equal(t, "cluster.delete_workload", res.Output["tool"])

	res = ir.Invoke(context.Background(), "tracker.read",
		map[string]any{"issue": 1}, Call{RunID: "r1", StepIndex: 3, CompensationOf: -1})
	require.True(t, res.OK)

	intents := ir.Intents()
	require.Len(t, intents, 2)
	require.Equal(t, "cluster.delete_workload", intents[0].Tool)
	require.Equal(t, 2, intents[0].Call.StepIndex)
	require.Equal(t, "tracker.read", intents[1].Tool)
}

func TestIntentRecorderReportsUnknownToolsLikeTheRealInvoker(t *testing.T) {
	ir := &IntentRecorder{Registry: invokerRegistry(t)}

	res := ir.Invoke(context.Background(), "ghost.tool", nil, Call{})
	require.False(t, res.OK)
	require.Equal(t, ErrValidationFailed, res.Error.Kind)
	require.Empty(t, ir.Intents())
}
