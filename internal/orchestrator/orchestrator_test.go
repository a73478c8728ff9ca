// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsergrid/browsergrid/internal/bus"
	"github.com/browsergrid/browsergrid/internal/event"
	"github.com/browsergrid/browsergrid/internal/harness"
	"github.com/browsergrid/browsergrid/internal/orchestrator/provisioner"
)

// fakeProvisioner records provisioned sessions and lets tests seed the
// alive set and inject failures.
type fakeProvisioner struct {
	mu          sync.Mutex
	provisioned []provisioner.Request
	alive       []string
	failWith    error
	purged      int
}

func (f *fakeProvisioner) Name() string { return "fake" }

func (f *fakeProvisioner) Provision(_ context.Context, req provisioner.Request) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.provisioned = append(f.provisioned, req)
	f.alive = append(f.alive, req.SessionID)
	return map[string]string{"deployment": "fake-" + req.SessionID}, nil
}

func (f *fakeProvisioner) AliveSessions(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.alive...), nil
}

func (f *fakeProvisioner) PurgeTerminated(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged++
	return nil
}

func (f *fakeProvisioner) setAlive(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = ids
}

func (f *fakeProvisioner) requests() []provisioner.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provisioner.Request(nil), f.provisioned...)
}

func testOrchestrator(t *testing.T, b bus.Bus, prov provisioner.Provisioner) *Orchestrator {
	t.Helper()
	images, err := ParseImageSet("img-chrome=chrome::120")
	require.NoError(t, err)
	o := New(b, prov, Config{
		ID:              "orch-1",
		Permits:         2,
		Images:          images,
		CleanupInterval: 50 * time.Millisecond,
	})
	o.logger = zerolog.Nop()
	return o
}

func startJobs(t *testing.T, ctx context.Context, o *Orchestrator) {
	t.Helper()
	js := harness.NewScheduler(ctx)
	for _, j := range o.Jobs() {
		js.Spawn(j)
	}
	t.Cleanup(func() {
		js.TerminateAll(time.Second)
		js.Wait()
	})
}

func drainStream(t *testing.T, b bus.Streams, spec event.StreamSpec, group string) []bus.Entry {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, spec.Key, group, bus.StartHead))
	entries, err := b.ReadGroup(ctx, spec.Key, group, "drain", 64, 10*time.Millisecond)
	require.NoError(t, err)
	return entries
}

func TestMatcherRepliesForSupportedBrowser(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := testOrchestrator(t, b, &fakeProvisioner{})
	startJobs(t, ctx, o)
	time.Sleep(50 * time.Millisecond) // matcher group starts at the tail

	location := event.ReplyLocation("match-1")
	require.NoError(t, event.Publish(ctx, b, event.StreamProvisionerMatch, event.ProvisionerMatchRequest{
		SessionID:        "sess-1",
		RawCapabilities:  json.RawMessage(`{"alwaysMatch":{"browserName":"chrome"}}`),
		ResponseLocation: location,
	}))

	reply, err := b.BLPop(ctx, location, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "orch-1", string(reply))
}

func TestMatcherStaysSilentForUnsupportedBrowser(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := testOrchestrator(t, b, &fakeProvisioner{})
	startJobs(t, ctx, o)
	time.Sleep(50 * time.Millisecond)

	location := event.ReplyLocation("match-2")
	require.NoError(t, event.Publish(ctx, b, event.StreamProvisionerMatch, event.ProvisionerMatchRequest{
		SessionID:        "sess-2",
		RawCapabilities:  json.RawMessage(`{"alwaysMatch":{"browserName":"safari"}}`),
		ResponseLocation: location,
	}))

	_, err := b.BLPop(ctx, location, 200*time.Millisecond)
	assert.ErrorIs(t, err, bus.ErrTimeout)
}

func TestProvisioningPublishesProvisionedEvent(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prov := &fakeProvisioner{}
	o := testOrchestrator(t, b, prov)
	startJobs(t, ctx, o)

	require.NoError(t, event.Publish(ctx, b, event.StreamProvisioningJobs.WithSubkey("orch-1"), event.ProvisioningJobAssigned{
		SessionID:       "sess-3",
		RawCapabilities: json.RawMessage(`{"alwaysMatch":{"browserName":"chrome"}}`),
	}))

	require.Eventually(t, func() bool {
		return len(drainStream(t, b, event.StreamSessionProvisioned, "drain-prov")) > 0
	}, 3*time.Second, 10*time.Millisecond)

	entries := drainStream(t, b, event.StreamSessionProvisioned, "drain-prov-2")
	require.Len(t, entries, 1)
	var provisioned event.SessionProvisioned
	require.NoError(t, event.Decode(entries[0].Payload, &provisioned))
	assert.Equal(t, "sess-3", provisioned.ID)
	assert.Equal(t, "orch-1", provisioned.Provisioner)
	assert.Equal(t, "fake-sess-3", provisioned.Meta["deployment"])

	reqs := prov.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "img-chrome", reqs[0].Image)
	assert.NotEmpty(t, reqs[0].SlotToken)
	assert.Equal(t, 1, o.permits.InUse())
}

func TestProvisioningFailureReleasesCapacity(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prov := &fakeProvisioner{failWith: errors.New("image pull backoff")}
	o := testOrchestrator(t, b, prov)
	startJobs(t, ctx, o)

	require.NoError(t, event.Publish(ctx, b, event.StreamProvisioningJobs.WithSubkey("orch-1"), event.ProvisioningJobAssigned{
		SessionID:       "sess-4",
		RawCapabilities: json.RawMessage(`{"alwaysMatch":{"browserName":"chrome"}}`),
	}))

	require.Eventually(t, func() bool {
		return len(drainStream(t, b, event.StreamSessionTerminated, "drain-term")) > 0
	}, 3*time.Second, 10*time.Millisecond)

	entries := drainStream(t, b, event.StreamSessionTerminated, "drain-term-2")
	require.Len(t, entries, 1)
	var terminated event.SessionTerminated
	require.NoError(t, event.Decode(entries[0].Payload, &terminated))
	assert.Equal(t, event.ReasonStartupFailed, terminated.Reason.Kind)
	assert.Contains(t, terminated.Reason.Error, "image pull backoff")

	assert.Equal(t, 0, o.permits.InUse())
	token, err := o.slots.Acquire(ctx, "sess-free", time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestTerminationWatcherReleasesPermitAndRecyclesToken(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prov := &fakeProvisioner{}
	o := testOrchestrator(t, b, prov)
	startJobs(t, ctx, o)
	time.Sleep(50 * time.Millisecond) // watcher group starts at the tail

	require.NoError(t, event.Publish(ctx, b, event.StreamProvisioningJobs.WithSubkey("orch-1"), event.ProvisioningJobAssigned{
		SessionID:       "sess-5",
		RawCapabilities: json.RawMessage(`{"alwaysMatch":{"browserName":"chrome"}}`),
	}))
	require.Eventually(t, func() bool { return o.permits.InUse() == 1 }, 3*time.Second, 10*time.Millisecond)

	token := prov.requests()[0].SlotToken
	prov.setAlive() // the node is gone
	require.NoError(t, b.RPush(ctx, ReclaimedKey("orch-1"), []byte(token)))
	require.NoError(t, event.Publish(ctx, b, event.StreamSessionTerminated, event.SessionTerminated{
		ID:     "sess-5",
		Reason: event.TerminationReason{Kind: event.ReasonIdleTimeout},
	}))

	require.Eventually(t, func() bool { return o.permits.InUse() == 0 }, 3*time.Second, 10*time.Millisecond)

	// Both tokens end up on the available queue again.
	first, err := o.slots.Acquire(ctx, "drain-a", 2*time.Second)
	require.NoError(t, err)
	second, err := o.slots.Acquire(ctx, "drain-b", 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, []string{first, second}, token)
}

// A provisioning job delivered twice, a crash between publish and ack
// or a stale claim during a slow image pull, must not burn a second
// slot token for the same session.
func TestRedeliveredJobReusesSlotToken(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx := context.Background()

	prov := &fakeProvisioner{}
	o := testOrchestrator(t, b, prov)
	require.NoError(t, o.slots.Adjust(ctx, 2))

	payload, err := json.Marshal(event.ProvisioningJobAssigned{
		SessionID:       "sess-7",
		RawCapabilities: json.RawMessage(`{"alwaysMatch":{"browserName":"chrome"}}`),
	})
	require.NoError(t, err)

	require.NoError(t, o.handleProvision(ctx, payload))
	require.NoError(t, o.handleProvision(ctx, payload))

	reqs := prov.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].SlotToken, reqs[1].SlotToken)

	assert.Equal(t, 1, o.permits.InUse())
	available, err := b.LLen(ctx, o.slots.availableKey())
	require.NoError(t, err)
	assert.EqualValues(t, 1, available, "exactly one token in flight, one free")
}

// A lost termination event must not leak the permit: the reconciliation
// pass discovers the session is gone and frees it.
func TestReconciliationReleasesPermitOfDeadSession(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prov := &fakeProvisioner{}
	o := testOrchestrator(t, b, prov)
	startJobs(t, ctx, o)

	require.NoError(t, event.Publish(ctx, b, event.StreamProvisioningJobs.WithSubkey("orch-1"), event.ProvisioningJobAssigned{
		SessionID:       "sess-6",
		RawCapabilities: json.RawMessage(`{"alwaysMatch":{"browserName":"chrome"}}`),
	}))
	require.Eventually(t, func() bool {
		return len(prov.requests()) == 1 && o.permits.InUse() == 1
	}, 3*time.Second, 10*time.Millisecond)

	prov.setAlive() // container exited; no SessionTerminated was seen
	require.Eventually(t, func() bool { return o.permits.InUse() == 0 }, 3*time.Second, 10*time.Millisecond)
}
