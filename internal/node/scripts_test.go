// SPDX-License-Identifier: MIT

package node

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsergrid/browsergrid/internal/bus"
	"github.com/browsergrid/browsergrid/internal/event"
	"github.com/browsergrid/browsergrid/internal/orchestrator"
)

func scriptBus(t *testing.T) (*bus.RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return bus.NewRedisBusFromClient(client), mr
}

func TestActivateSession(t *testing.T) {
	b, mr := scriptBus(t)
	ctx := context.Background()

	require.NoError(t, activateSession(ctx, b, "sess-1"))

	members, err := mr.SMembers(event.KeySessionActive)
	require.NoError(t, err)
	assert.Contains(t, members, "sess-1")

	status, err := mr.Get(event.KeySessionStatus("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, "operational", status)
}

func TestFinalizeSession(t *testing.T) {
	b, mr := scriptBus(t)
	ctx := context.Background()

	require.NoError(t, activateSession(ctx, b, "sess-2"))
	require.NoError(t, finalizeSession(ctx, b, "sess-2", "orch-1", "token-7"))

	// Removing the last member deletes the set; miniredis's SMembers
	// helper errors on a missing key where real Redis returns an empty
	// set.
	if mr.Exists(event.KeySessionActive) {
		members, err := mr.SMembers(event.KeySessionActive)
		require.NoError(t, err)
		assert.NotContains(t, members, "sess-2")
	}

	status, err := mr.Get(event.KeySessionStatus("sess-2"))
	require.NoError(t, err)
	assert.Equal(t, "terminated", status)

	token, err := mr.Lpop(orchestrator.ReclaimedKey("orch-1"))
	require.NoError(t, err)
	assert.Equal(t, "token-7", token)
}

// Finalisation must not leave per-session keys behind forever: the
// upstream mapping goes away and the terminal status carries a TTL.
func TestFinalizeCleansPerSessionKeys(t *testing.T) {
	b, mr := scriptBus(t)
	ctx := context.Background()

	require.NoError(t, activateSession(ctx, b, "sess-4"))
	require.NoError(t, b.HSet(ctx, event.KeySessionUpstream("sess-4"), event.UpstreamFieldSessionID, []byte("internal-4")))

	require.NoError(t, finalizeSession(ctx, b, "sess-4", "orch-1", "token-9"))

	assert.False(t, mr.Exists(event.KeySessionUpstream("sess-4")))
	assert.Greater(t, mr.TTL(event.KeySessionStatus("sess-4")), time.Duration(0))

	mr.FastForward(25 * time.Hour)
	assert.False(t, mr.Exists(event.KeySessionStatus("sess-4")))
}

func TestFinalizeWithoutTokenSkipsReclaim(t *testing.T) {
	b, mr := scriptBus(t)
	ctx := context.Background()

	require.NoError(t, finalizeSession(ctx, b, "sess-3", "orch-1", ""))

	_, err := mr.Lpop(orchestrator.ReclaimedKey("orch-1"))
	assert.Error(t, err) // nothing was pushed
}
