// SPDX-License-Identifier: MIT

package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsergrid/browsergrid/internal/bus"
	"github.com/browsergrid/browsergrid/internal/discovery"
	"github.com/browsergrid/browsergrid/internal/event"
	"github.com/browsergrid/browsergrid/internal/harness"
	"github.com/browsergrid/browsergrid/internal/storage"
)

// runJobs spawns jobs under a scheduler torn down with the test and
// waits until all of them report Running. The listener groups start at
// the stream tail, so events published before readiness would be lost.
func runJobs(t *testing.T, ctx context.Context, jobs ...harness.Job) {
	t.Helper()
	js := harness.NewScheduler(ctx)
	for _, job := range jobs {
		js.Spawn(job)
	}
	t.Cleanup(func() {
		js.TerminateAll(time.Second)
		js.Wait()
	})
	require.Eventually(t, func() bool {
		for _, status := range js.Statuses() {
			if status != harness.StatusRunning {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

// backgroundJobs runs everything the ingress needs except its own
// listener socket.
func backgroundJobs(i *Ingress) []harness.Job {
	jobs := []harness.Job{i.discoverer.DaemonJob()}
	return append(jobs, i.creator.listenerJobs(i.instance)...)
}

// fakeGrid consumes session.created and answers each session with the
// given outcome publisher.
func fakeGrid(ctx context.Context, t *testing.T, b bus.Bus, respond func(id string) error) {
	t.Helper()
	require.NoError(t, b.EnsureGroup(ctx, event.StreamSessionCreated.Key, "grid", bus.StartHead))
	go func() {
		for ctx.Err() == nil {
			entries, err := b.ReadGroup(ctx, event.StreamSessionCreated.Key, "grid", "fake", 1, 20*time.Millisecond)
			if err != nil {
				return
			}
			for _, e := range entries {
				var ev event.SessionCreated
				if event.Decode(e.Payload, &ev) != nil {
					continue
				}
				_ = respond(ev.ID)
				_ = b.Ack(ctx, event.StreamSessionCreated.Key, "grid", e.ID)
			}
		}
	}()
}

func TestCreateSessionBecomesOperational(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ing := New(b, nil, Config{CreateTimeout: 5 * time.Second})
	runJobs(t, ctx, backgroundJobs(ing)...)

	fakeGrid(ctx, t, b, func(id string) error {
		return event.Publish(ctx, b, event.StreamSessionOperational, event.SessionOperational{
			ID:                 id,
			ActualCapabilities: json.RawMessage(`{"browserName":"chrome","browserVersion":"120.0"}`),
		})
	})

	srv := httptest.NewServer(ing.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/session", "application/json",
		bytes.NewReader([]byte(`{"capabilities":{"alwaysMatch":{"browserName":"chrome"}}}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		Value struct {
			SessionID    string          `json:"sessionId"`
			Capabilities json.RawMessage `json:"capabilities"`
		} `json:"value"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Value.SessionID)
	assert.JSONEq(t, `{"browserName":"chrome","browserVersion":"120.0"}`, string(body.Value.Capabilities))
	assert.Zero(t, ing.creator.Parking.Len())
}

func TestCreateSessionSurfacesStartupFailure(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ing := New(b, nil, Config{CreateTimeout: 5 * time.Second})
	runJobs(t, ctx, backgroundJobs(ing)...)

	fakeGrid(ctx, t, b, func(id string) error {
		return event.Publish(ctx, b, event.StreamSessionTerminated, event.SessionTerminated{
			ID:     id,
			Reason: event.TerminationReason{Kind: event.ReasonStartupFailed, Message: "no provisioner matched"},
		})
	})

	srv := httptest.NewServer(ing.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/session", "application/json", bytes.NewReader([]byte(`{"capabilities":{}}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body struct {
		Value struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		} `json:"value"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "session not created", body.Value.Error)
	assert.Equal(t, "no provisioner matched", body.Value.Message)
}

func TestCreateSessionTimesOutWithQueueCategory(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No grid behind the bus: the request can only time out.
	ing := New(b, nil, Config{CreateTimeout: 100 * time.Millisecond})
	runJobs(t, ctx, backgroundJobs(ing)...)

	srv := httptest.NewServer(ing.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/session", "application/json", bytes.NewReader([]byte(`{"capabilities":{}}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), string(event.ReasonQueueTimeout))
	assert.Zero(t, ing.creator.Parking.Len())
}

func TestMalformedCreateBodyRejected(t *testing.T) {
	b := bus.NewMemoryBus()
	ing := New(b, nil, Config{})

	srv := httptest.NewServer(ing.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/session", "application/json", bytes.NewReader([]byte(`not json`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestForwarderRewritesAndProxies(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const sessionID = "11111111-2222-3333-4444-555555555555"
	const internalID = "driver-9"

	var mu sync.Mutex
	var paths []string
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"value":null}`))
	}))
	defer node.Close()

	require.NoError(t, b.HSet(ctx, event.KeySessionUpstream(sessionID), event.UpstreamFieldSessionID, []byte(internalID)))

	ing := New(b, nil, Config{})
	ing.forwarder.Transport = http.DefaultTransport
	runJobs(t, ctx, ing.discoverer.DaemonJob(), discovery.AdvertiserJob(b, discovery.NodeFor(sessionID), node.URL))

	srv := httptest.NewServer(ing.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/session/" + sessionID + "/url")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/session/" + internalID + "/url"}, paths)
}

func TestForwarderUnknownSession(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ing := New(b, nil, Config{})
	runJobs(t, ctx, ing.discoverer.DaemonJob())

	srv := httptest.NewServer(ing.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/session/no-such-session/url")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestArtifactServer(t *testing.T) {
	b := bus.NewMemoryBus()
	store, err := storage.NewFS(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Put(context.Background(), storage.Key("sess-1", "recording/index.m3u8"), []byte("#EXTM3U"))
	require.NoError(t, err)

	ing := New(b, store, Config{})
	srv := httptest.NewServer(ing.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/storage/sess-1/recording/index.m3u8")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("#EXTM3U"), data)

	missing, err := http.Get(srv.URL + "/storage/sess-1/recording/nope.ts")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/storage/sess-1/recording/index.m3u8", nil)
	require.NoError(t, err)
	preflight, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	preflight.Body.Close()
	assert.Equal(t, http.StatusNoContent, preflight.StatusCode)
}

func TestCatchAllWithoutAPIIs404(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ing := New(b, nil, Config{})
	runJobs(t, ctx, ing.discoverer.DaemonJob())

	srv := httptest.NewServer(ing.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions/list")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
