package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := New(CodePolicy, "tool %s not allowed", "cluster.scale")
	require.Equal(t, "policy_error: tool cluster.scale not allowed", err.Error())
	require.Equal(t, -1, err.StepIndex)

	err = AtStep(CodeAdapterPermanent, 2, "workload is protected")
	require.Equal(t, "adapter_permanent at step 2: workload is protected", err.Error())
}

func TestErrorsAsThroughWrapping(t *testing.T) {
	inner := AtStep(CodeConcurrency, 1, "lease held elsewhere")
	wrapped := fmt.Errorf("saving step: %w", inner)

	var ce *Error
	require.True(t, errors.As(wrapped, &ce))
	require.Equal(t, CodeConcurrency, ce.Code)
	require.Equal(t, 1, ce.StepIndex)
}

func TestStackHashIsStableAndOpaque(t *testing.T) {
	a := StackHash("panic: runtime error at /home/alice/maestro/internal/store/store.go:42")
	b := StackHash("panic: runtime error at /home/alice/maestro/internal/store/store.go:42")
	c := StackHash("different detail")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 16)
	require.NotContains(t, a, "alice")
}
