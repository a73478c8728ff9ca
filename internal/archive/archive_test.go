// SPDX-License-Identifier: MIT

package archive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsergrid/browsergrid/internal/bus"
	"github.com/browsergrid/browsergrid/internal/event"
	"github.com/browsergrid/browsergrid/internal/harness"
)

var t0 = time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)

func TestStoreProjectsLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := "sess-1"

	require.NoError(t, s.Created(ctx, id, t0))
	require.NoError(t, s.Scheduled(ctx, id, "docker", t0.Add(time.Second)))
	require.NoError(t, s.Provisioned(ctx, id, map[string]string{"container": "c0ffee"}, t0.Add(2*time.Second)))
	require.NoError(t, s.Operational(ctx, id, "firefox", "128.0", t0.Add(3*time.Second)))
	require.NoError(t, s.PatchClientMetadata(ctx, id, map[string]string{"build": "nightly-42"}))

	rec, err := s.Staging(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, t0, rec.CreatedAt.UTC())
	assert.Equal(t, "docker", rec.Provisioner)
	assert.Equal(t, "firefox", rec.BrowserName)
	assert.Equal(t, "128.0", rec.BrowserVersion)
	assert.Equal(t, map[string]string{"container": "c0ffee"}, rec.ProvisionerMetadata)
	assert.Equal(t, map[string]string{"build": "nightly-42"}, rec.ClientMetadata)
	assert.Nil(t, rec.TerminatedAt)

	reason := event.ClosedByClient("session deleted")
	require.NoError(t, s.Terminated(ctx, id, reason, 2048, t0.Add(time.Minute)))

	_, err = s.Staging(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	final, err := s.Final(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, &reason, final.Termination)
	assert.EqualValues(t, 2048, final.RecordingBytes)
	assert.Equal(t, "firefox", final.BrowserName)
}

// Replaying a prefix of events into the store must not change the
// resulting record.
func TestStoreIdempotentUnderRedelivery(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := "sess-replay"

	apply := func() {
		require.NoError(t, s.Created(ctx, id, t0))
		require.NoError(t, s.Scheduled(ctx, id, "k8s", t0.Add(time.Second)))
		require.NoError(t, s.Operational(ctx, id, "chrome", "126.0.6478", t0.Add(2*time.Second)))
		require.NoError(t, s.PatchClientMetadata(ctx, id, map[string]string{"suite": "smoke"}))
	}

	apply()
	first, err := s.Staging(ctx, id)
	require.NoError(t, err)

	apply()
	second, err := s.Staging(ctx, id)
	require.NoError(t, err)

	first.UpdatedAt = time.Time{}
	second.UpdatedAt = time.Time{}
	assert.Equal(t, first, second)
}

func TestTerminatedWithoutStagingPromotesSkeleton(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	reason := event.TerminationReason{Kind: event.ReasonIdleTimeout}
	require.NoError(t, s.Terminated(ctx, "ghost", reason, 0, t0))

	rec, err := s.Final(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", rec.ID)
	assert.Nil(t, rec.CreatedAt)
	assert.Equal(t, &reason, rec.Termination)
}

func TestDuplicateTerminationKeepsFirstRecord(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := "sess-dup"

	require.NoError(t, s.Created(ctx, id, t0))
	require.NoError(t, s.Terminated(ctx, id, event.ClosedByClient("bye"), 512, t0.Add(time.Second)))
	require.NoError(t, s.Terminated(ctx, id, event.TerminationReason{Kind: event.ReasonIdleTimeout}, 0, t0.Add(time.Minute)))

	rec, err := s.Final(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, event.ReasonClosedByClient, rec.Termination.Kind)
	assert.EqualValues(t, 512, rec.RecordingBytes)
}

func TestCollectorProjectsStreams(t *testing.T) {
	b := bus.NewMemoryBus()
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := NewCollector(b, store)
	collector.Consumer = "c1"

	sched := harness.NewScheduler(ctx)
	for _, j := range collector.Jobs() {
		sched.Spawn(j)
	}
	defer func() {
		sched.TerminateAll(time.Second)
		sched.Wait()
	}()

	id := "sess-stream"
	require.NoError(t, event.Publish(ctx, b, event.StreamSessionCreated, event.SessionCreated{
		ID:              id,
		RawCapabilities: json.RawMessage(`{"alwaysMatch":{"browserName":"firefox"}}`),
	}))
	require.NoError(t, event.Publish(ctx, b, event.StreamSessionScheduled, event.SessionScheduled{
		ID:          id,
		Provisioner: "docker",
	}))
	require.NoError(t, event.Publish(ctx, b, event.StreamSessionOperational, event.SessionOperational{
		ID:                 id,
		ActualCapabilities: json.RawMessage(`{"browserName":"firefox","browserVersion":"128.0"}`),
	}))
	require.NoError(t, event.Publish(ctx, b, event.StreamSessionMetadata, event.SessionMetadataModified{
		ID:       id,
		Metadata: map[string]string{"run": "77"},
	}))

	require.Eventually(t, func() bool {
		rec, err := store.Staging(context.Background(), id)
		return err == nil &&
			rec.CreatedAt != nil &&
			rec.Provisioner == "docker" &&
			rec.BrowserName == "firefox" &&
			rec.ClientMetadata["run"] == "77"
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, event.Publish(ctx, b, event.StreamSessionTerminated, event.SessionTerminated{
		ID:             id,
		Reason:         event.ClosedByClient("done"),
		RecordingBytes: 1024,
	}))

	require.Eventually(t, func() bool {
		rec, err := store.Final(context.Background(), id)
		return err == nil && rec.Termination != nil && rec.Termination.Kind == event.ReasonClosedByClient
	}, 3*time.Second, 10*time.Millisecond)
}
