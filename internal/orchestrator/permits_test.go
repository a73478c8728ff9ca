// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermitsBoundConcurrency(t *testing.T) {
	p := NewPermits("orch", 2)
	ctx := context.Background()

	require.NoError(t, p.Acquire(ctx, "a"))
	require.NoError(t, p.Acquire(ctx, "b"))
	assert.Equal(t, 2, p.InUse())

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Acquire(blocked, "c"))

	assert.True(t, p.Release("a"))
	require.NoError(t, p.Acquire(ctx, "c"))
	assert.Equal(t, 2, p.InUse())
}

func TestPermitAcquireIsIdempotentPerSession(t *testing.T) {
	p := NewPermits("orch", 1)
	ctx := context.Background()

	require.NoError(t, p.Acquire(ctx, "a"))
	// Redelivered job for the same session must not consume capacity.
	require.NoError(t, p.Acquire(ctx, "a"))
	assert.Equal(t, 1, p.InUse())

	assert.True(t, p.Release("a"))
	assert.False(t, p.Release("a"))
	assert.Equal(t, 0, p.InUse())
}

func TestReleaseDeadFreesUnknownSessions(t *testing.T) {
	p := NewPermits("orch", 3)
	ctx := context.Background()

	require.NoError(t, p.Acquire(ctx, "a"))
	require.NoError(t, p.Acquire(ctx, "b"))
	require.NoError(t, p.Acquire(ctx, "c"))

	released := p.ReleaseDead([]string{"b"})
	assert.ElementsMatch(t, []string{"a", "c"}, released)
	assert.Equal(t, 1, p.InUse())

	// Freed capacity is usable again.
	require.NoError(t, p.Acquire(ctx, "d"))
	require.NoError(t, p.Acquire(ctx, "e"))
}
