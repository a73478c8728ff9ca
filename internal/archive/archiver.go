// SPDX-License-Identifier: MIT

package archive

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/browsergrid/browsergrid/internal/bus"
	"github.com/browsergrid/browsergrid/internal/event"
	"github.com/browsergrid/browsergrid/internal/harness"
	"github.com/browsergrid/browsergrid/internal/log"
)

// Group is the consumer group the archiver reads all lifecycle streams
// with. One group shared across streams keeps every event projected
// exactly once per archive, regardless of archiver instance count.
const Group = "collector"

// Collector projects the lifecycle streams into the archive store. It
// runs one consumer job per stream; all projection operations are
// idempotent so at-least-once delivery is safe.
type Collector struct {
	Bus      bus.Streams
	Store    Store
	Consumer string
	Logger   zerolog.Logger
}

// NewCollector builds a collector with a unique consumer name.
func NewCollector(b bus.Streams, store Store) *Collector {
	return &Collector{
		Bus:      b,
		Store:    store,
		Consumer: uuid.NewString(),
		Logger:   log.WithComponent("archiver"),
	}
}

// Jobs returns the six stream consumers to hand to the job scheduler.
func (c *Collector) Jobs() []harness.Job {
	return []harness.Job{
		c.job(event.StreamSessionCreated, c.onCreated),
		c.job(event.StreamSessionScheduled, c.onScheduled),
		c.job(event.StreamSessionProvisioned, c.onProvisioned),
		c.job(event.StreamSessionOperational, c.onOperational),
		c.job(event.StreamSessionMetadata, c.onMetadata),
		c.job(event.StreamSessionTerminated, c.onTerminated),
	}
}

func (c *Collector) job(spec event.StreamSpec, handle event.EntryHandler) harness.Job {
	return event.ConsumerJob{Consumer: &event.Consumer{
		Bus:         c.Bus,
		Stream:      spec,
		Group:       Group,
		Name:        c.Consumer,
		Start:       bus.StartHead,
		Logger:      c.Logger.With().Str(log.FieldStream, spec.Key).Logger(),
		HandleEntry: handle,
	}}
}

// entryTime anchors projected timestamps to the append time encoded in
// the entry id, so replays reproduce the same record.
func entryTime(e bus.Entry) time.Time {
	if at := bus.EntryTime(e.ID); !at.IsZero() {
		return at
	}
	return time.Now().UTC()
}

func (c *Collector) onCreated(ctx context.Context, e bus.Entry) error {
	var ev event.SessionCreated
	if err := event.Decode(e.Payload, &ev); err != nil {
		return err
	}
	return c.Store.Created(ctx, ev.ID, entryTime(e))
}

func (c *Collector) onScheduled(ctx context.Context, e bus.Entry) error {
	var ev event.SessionScheduled
	if err := event.Decode(e.Payload, &ev); err != nil {
		return err
	}
	return c.Store.Scheduled(ctx, ev.ID, ev.Provisioner, entryTime(e))
}

func (c *Collector) onProvisioned(ctx context.Context, e bus.Entry) error {
	var ev event.SessionProvisioned
	if err := event.Decode(e.Payload, &ev); err != nil {
		return err
	}
	return c.Store.Provisioned(ctx, ev.ID, ev.Meta, entryTime(e))
}

func (c *Collector) onOperational(ctx context.Context, e bus.Entry) error {
	var ev event.SessionOperational
	if err := event.Decode(e.Payload, &ev); err != nil {
		return err
	}
	var caps struct {
		BrowserName    string `json:"browserName"`
		BrowserVersion string `json:"browserVersion"`
	}
	if len(ev.ActualCapabilities) > 0 {
		// Malformed driver capabilities still leave the timestamp behind.
		if err := json.Unmarshal(ev.ActualCapabilities, &caps); err != nil {
			c.Logger.Warn().Err(err).Str(log.FieldSessionID, ev.ID).Msg("unparseable driver capabilities")
		}
	}
	return c.Store.Operational(ctx, ev.ID, caps.BrowserName, caps.BrowserVersion, entryTime(e))
}

func (c *Collector) onMetadata(ctx context.Context, e bus.Entry) error {
	var ev event.SessionMetadataModified
	if err := event.Decode(e.Payload, &ev); err != nil {
		return err
	}
	if len(ev.Metadata) == 0 {
		return nil
	}
	return c.Store.PatchClientMetadata(ctx, ev.ID, ev.Metadata)
}

func (c *Collector) onTerminated(ctx context.Context, e bus.Entry) error {
	var ev event.SessionTerminated
	if err := event.Decode(e.Payload, &ev); err != nil {
		return err
	}
	return c.Store.Terminated(ctx, ev.ID, ev.Reason, ev.RecordingBytes, entryTime(e))
}
