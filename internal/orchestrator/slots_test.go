// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsergrid/browsergrid/internal/bus"
)

func newSlots(t *testing.T) (*Slots, *bus.MemoryBus) {
	t.Helper()
	b := bus.NewMemoryBus()
	return &Slots{Bus: b, Orchestrator: "orch-1"}, b
}

func TestAdjustGrowsAndShrinks(t *testing.T) {
	s, b := newSlots(t)
	ctx := context.Background()

	require.NoError(t, s.Adjust(ctx, 3))
	n, err := s.Allocated(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	available, err := b.LLen(ctx, s.availableKey())
	require.NoError(t, err)
	assert.EqualValues(t, 3, available)

	require.NoError(t, s.Adjust(ctx, 1))
	n, err = s.Allocated(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	available, err = b.LLen(ctx, s.availableKey())
	require.NoError(t, err)
	assert.EqualValues(t, 1, available)
}

func TestShrinkWaitsForTokensInFlight(t *testing.T) {
	s, _ := newSlots(t)
	ctx := context.Background()

	require.NoError(t, s.Adjust(ctx, 2))
	token, err := s.Acquire(ctx, "sess-1", time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Adjust(ctx, 0) }()

	select {
	case <-done:
		t.Fatal("shrink completed while a token was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, s.Return(ctx, "sess-1", token))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("shrink never completed")
	}

	n, err := s.Allocated(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRecycleMovesReclaimedTokens(t *testing.T) {
	s, b := newSlots(t)
	ctx := context.Background()

	require.NoError(t, s.Adjust(ctx, 1))
	token, err := s.Acquire(ctx, "sess-1", time.Second)
	require.NoError(t, err)

	// The node's termination script pushes the token here.
	require.NoError(t, b.RPush(ctx, ReclaimedKey("orch-1"), []byte(token)))

	moved, err := s.Recycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	require.NoError(t, s.Unbind(ctx, "sess-1"))
	got, err := s.Acquire(ctx, "sess-2", time.Second)
	require.NoError(t, err)
	assert.Equal(t, token, got)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	s, _ := newSlots(t)
	_, err := s.Acquire(context.Background(), "sess-1", 30*time.Millisecond)
	assert.ErrorIs(t, err, bus.ErrTimeout)
}

// A session that already holds a token must get the same token back
// instead of draining the pool, one slot per redelivery.
func TestAcquireReusesTokenOfBoundSession(t *testing.T) {
	s, b := newSlots(t)
	ctx := context.Background()

	require.NoError(t, s.Adjust(ctx, 2))

	first, err := s.Acquire(ctx, "sess-1", time.Second)
	require.NoError(t, err)
	second, err := s.Acquire(ctx, "sess-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	available, err := b.LLen(ctx, s.availableKey())
	require.NoError(t, err)
	assert.EqualValues(t, 1, available)
}

func TestReturnClearsBinding(t *testing.T) {
	s, b := newSlots(t)
	ctx := context.Background()

	require.NoError(t, s.Adjust(ctx, 1))
	token, err := s.Acquire(ctx, "sess-1", time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Return(ctx, "sess-1", token))

	// The binding is gone: the next acquire for the session pops from
	// the queue again.
	got, err := s.Acquire(ctx, "sess-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, token, got)
	available, err := b.LLen(ctx, s.availableKey())
	require.NoError(t, err)
	assert.EqualValues(t, 0, available)
}

// The token queues are durable capacity: a grid that sits idle for a
// while must not lose them to key expiry.
func TestSlotQueueSurvivesIdlePeriods(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := bus.NewRedisBusFromClient(client)
	t.Cleanup(func() { _ = b.Close() })

	s := &Slots{Bus: b, Orchestrator: "orch-1"}
	ctx := context.Background()
	require.NoError(t, s.Adjust(ctx, 2))

	mr.FastForward(30 * time.Minute)

	n, err := s.Allocated(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	available, err := b.LLen(ctx, s.availableKey())
	require.NoError(t, err)
	assert.EqualValues(t, 2, available)

	token, err := s.Acquire(ctx, "sess-1", time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}
