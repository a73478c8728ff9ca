// SPDX-License-Identifier: MIT

// Package node is the per-session process: it wraps the WebDriver
// subprocess, proxies in-session traffic, records video, and drives
// the session's slice of the lifecycle state machine.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/browsergrid/browsergrid/internal/bus"
	"github.com/browsergrid/browsergrid/internal/discovery"
	"github.com/browsergrid/browsergrid/internal/event"
	"github.com/browsergrid/browsergrid/internal/harness"
	"github.com/browsergrid/browsergrid/internal/harness/heart"
	"github.com/browsergrid/browsergrid/internal/harness/heartbeat"
	"github.com/browsergrid/browsergrid/internal/log"
	"github.com/browsergrid/browsergrid/internal/storage"
)

// Config carries one node's identity and timing.
type Config struct {
	SessionID       string
	RawCapabilities json.RawMessage
	DriverPath      string
	Variant         Variant
	Host            string
	Port            int
	DriverPort      int
	SlotToken       string
	Orchestrator    string

	StartupTimeout time.Duration
	InitialTimeout time.Duration
	IdleTimeout    time.Duration

	// RecordingInput is the capture URL handed to the encoder; empty
	// disables recording.
	RecordingInput string
	RecordingDir   string

	HeartbeatInterval time.Duration
}

func (c *Config) defaults() {
	if c.Port == 0 {
		c.Port = 40003
	}
	if c.DriverPort == 0 {
		c.DriverPort = 41000
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.InitialTimeout == 0 {
		c.InitialTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.RecordingDir == "" {
		c.RecordingDir = "/tmp/browsergrid/" + c.SessionID
	}
}

// Node runs one session end to end.
type Node struct {
	cfg    Config
	bus    bus.Bus
	store  storage.Backend
	logger zerolog.Logger
}

// New wires a node. store may be nil when no blob store is configured;
// recording and uploads are disabled then.
func New(b bus.Bus, store storage.Backend, cfg Config) *Node {
	cfg.defaults()
	return &Node{
		cfg:   cfg,
		bus:   b,
		store: store,
		logger: log.Derive(func(c *zerolog.Context) {
			*c = c.Str(log.FieldComponent, "node").Str(log.FieldSessionID, cfg.SessionID)
		}),
	}
}

// Run executes the full session lifecycle and blocks until the session
// ends. The returned error covers infrastructure failure; session-level
// failures terminate the session via events and return nil.
func (n *Node) Run(ctx context.Context) error {
	sched := harness.NewScheduler(ctx)
	sched.Spawn(heartbeat.NewJob(n.bus, event.KeySessionHeartbeatNode(n.cfg.SessionID), n.cfg.HeartbeatInterval))

	driver := NewDriver(n.cfg.DriverPath, n.cfg.Variant, n.cfg.DriverPort)
	internalID, actualCaps, err := n.startDriver(ctx, driver)
	if err != nil {
		n.logger.Error().Err(err).Msg("session startup failed")
		n.terminate(event.StartupFailure(err), 0, "")
		sched.TerminateAll(5 * time.Second)
		return nil
	}
	defer driver.Stop(5 * time.Second)

	// The heart starts with the initial timeout; the first client
	// request slides it to the idle timeout.
	h, stone := heart.NewWithLifetime(n.cfg.InitialTimeout)

	metadataCh := make(chan map[string]string, 1024)
	upstream, err := url.Parse(driver.BaseURL())
	if err != nil {
		return fmt.Errorf("parse driver url: %w", err)
	}
	proxy := &Proxy{
		ExternalID:  n.cfg.SessionID,
		InternalID:  internalID,
		Upstream:    upstream,
		Stone:       stone,
		IdleTimeout: n.cfg.IdleTimeout,
		Metadata:    metadataCh,
		Store:       n.store,
		Logger:      n.logger,
	}
	sched.Spawn(proxy.Job(n.cfg.Port))
	sched.Spawn(n.metadataPublisherJob(metadataCh, stone))

	var recorder *Recorder
	if n.cfg.RecordingInput != "" && n.store != nil {
		recorder = NewRecorder(n.cfg.SessionID, n.cfg.RecordingInput, n.cfg.RecordingDir, n.store)
		if err := recorder.Start(ctx); err != nil {
			n.logger.Warn().Err(err).Msg("recorder startup failed, session continues unrecorded")
			recorder = nil
		}
	}

	if err := n.announceOperational(ctx, internalID, actualCaps); err != nil {
		n.logger.Error().Err(err).Msg("operational announcement failed")
		n.terminate(event.StartupFailure(err), 0, "")
		sched.TerminateAll(5 * time.Second)
		return nil
	}

	endpoint := "http://" + n.cfg.Host + ":" + strconv.Itoa(n.cfg.Port)
	sched.Spawn(discovery.AdvertiserJob(n.bus, discovery.NodeFor(n.cfg.SessionID), endpoint))

	n.logger.Info().Str(log.FieldEndpoint, endpoint).Str(log.FieldEvent, "session.operational").Msg("session operational")

	reason := h.Wait(ctx)
	n.logger.Info().Str(log.FieldReason, string(reason.Kind)).Msg("session ended")

	var recordingBytes int64
	if recorder != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		recordingBytes, err = recorder.Stop(stopCtx)
		cancel()
		if err != nil {
			n.logger.Warn().Err(err).Msg("recording upload incomplete")
		}
	}

	sched.TerminateAll(5 * time.Second)
	n.terminate(mapDeathReason(reason), recordingBytes, n.cfg.SlotToken)
	return nil
}

// startDriver runs the subprocess startup sequence: launch, health
// poll, initial session create, upstream id persistence.
func (n *Node) startDriver(ctx context.Context, driver *Driver) (string, json.RawMessage, error) {
	if err := driver.Start(); err != nil {
		return "", nil, err
	}
	if err := driver.AwaitHealthy(ctx, n.cfg.StartupTimeout); err != nil {
		driver.Stop(time.Second)
		return "", nil, fmt.Errorf("webdriver startup: %w", err)
	}
	internalID, actualCaps, err := driver.CreateSession(ctx, n.cfg.RawCapabilities)
	if err != nil {
		driver.Stop(time.Second)
		return "", nil, err
	}

	err = n.bus.HSet(ctx, event.KeySessionUpstream(n.cfg.SessionID), event.UpstreamFieldSessionID, []byte(internalID))
	if err != nil {
		driver.Stop(time.Second)
		return "", nil, fmt.Errorf("persist upstream session id: %w", err)
	}
	return internalID, actualCaps, nil
}

func (n *Node) announceOperational(ctx context.Context, internalID string, actualCaps json.RawMessage) error {
	if err := activateSession(ctx, n.bus, n.cfg.SessionID); err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	return event.Publish(ctx, n.bus, event.StreamSessionOperational, event.SessionOperational{
		ID:                 n.cfg.SessionID,
		ActualCapabilities: actualCaps,
	})
}

// metadataPublisherJob drains the proxy's metadata channel into
// session.metadata events.
func (n *Node) metadataPublisherJob(ch <-chan map[string]string, stone *heart.Stone) harness.Job {
	return harness.JobFunc{
		JobName:  "metadata-publisher",
		Graceful: true,
		Fn: func(ctx context.Context, tm *harness.TaskManager) error {
			tm.Ready()
			for {
				select {
				case patch := <-ch:
					stone.ResetLifetime(0)
					err := event.Publish(ctx, n.bus, event.StreamSessionMetadata, event.SessionMetadataModified{
						ID:       n.cfg.SessionID,
						Metadata: patch,
					})
					if err != nil {
						return err
					}
				case <-tm.Termination():
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		},
	}
}

// terminate publishes the terminal event and runs the finalisation
// script. Both are best-effort at this point; the reconciliation path
// covers losses.
func (n *Node) terminate(reason event.TerminationReason, recordingBytes int64, slotToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := event.Publish(ctx, n.bus, event.StreamSessionTerminated, event.SessionTerminated{
		ID:             n.cfg.SessionID,
		Reason:         reason,
		RecordingBytes: recordingBytes,
	})
	if err != nil {
		n.logger.Error().Err(err).Msg("terminal event publish failed")
	}

	if err := finalizeSession(ctx, n.bus, n.cfg.SessionID, n.cfg.Orchestrator, slotToken); err != nil {
		n.logger.Warn().Err(err).Msg("session finalisation script failed")
	}
}

// mapDeathReason translates the heart's terminal state into the
// session termination taxonomy.
func mapDeathReason(reason heart.DeathReason) event.TerminationReason {
	switch reason.Kind {
	case heart.LifetimeExceeded:
		return event.TerminationReason{Kind: event.ReasonIdleTimeout}
	case heart.ExternallyKilled:
		return event.ClosedByClient(reason.Message)
	default:
		return event.TerminationReason{Kind: event.ReasonTerminatedExternally}
	}
}
