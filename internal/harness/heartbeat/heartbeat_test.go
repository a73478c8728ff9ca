// SPDX-License-Identifier: MIT

package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsergrid/browsergrid/internal/bus"
	"github.com/browsergrid/browsergrid/internal/harness"
)

func TestHeartbeatWritesAndRemovesKey(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := harness.NewScheduler(ctx)
	j := NewJob(b, "session:abc:heartbeat.node", 10*time.Millisecond)
	s.Spawn(j)

	require.Eventually(t, func() bool {
		_, err := b.Get(ctx, "session:abc:heartbeat.node")
		return err == nil
	}, time.Second, time.Millisecond)

	s.TerminateAll(time.Second)

	_, err := b.Get(context.Background(), "session:abc:heartbeat.node")
	assert.ErrorIs(t, err, bus.ErrNotFound)
}

func TestHeartbeatKeyExpiresWithoutOwner(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx := context.Background()

	j := NewJob(b, "orchestrator:o1:heartbeat", 10*time.Millisecond)
	require.NoError(t, j.beat(ctx))

	// Owner stops beating; TTL (2x interval) runs out.
	time.Sleep(40 * time.Millisecond)
	_, err := b.Get(ctx, "orchestrator:o1:heartbeat")
	assert.ErrorIs(t, err, bus.ErrNotFound)
}
