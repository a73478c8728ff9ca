// SPDX-License-Identifier: MIT

package event

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/browsergrid/browsergrid/internal/bus"
)

// Handler processes one stream entry. Returning nil acks the entry;
// returning an error leaves it pending for redelivery.
type Handler func(ctx context.Context, payload []byte) error

// EntryHandler is a Handler that also receives the entry id, for
// consumers that derive ordering or timestamps from it.
type EntryHandler func(ctx context.Context, e bus.Entry) error

// Consumer drives a consumer-group read loop over one stream. Stale
// pending entries of crashed group members are claimed periodically so
// delivery stays at-least-once across process deaths.
type Consumer struct {
	Bus      bus.Streams
	Stream   StreamSpec
	Group    string
	Name     string
	Start    bus.StartPosition
	Batch    int64
	Block    time.Duration
	ClaimAge time.Duration
	Logger   zerolog.Logger
	Handle   Handler
	// HandleEntry takes precedence over Handle when set.
	HandleEntry EntryHandler
}

func (c *Consumer) defaults() {
	if c.Batch == 0 {
		c.Batch = 16
	}
	if c.Block == 0 {
		c.Block = 2 * time.Second
	}
	if c.ClaimAge == 0 {
		c.ClaimAge = 30 * time.Second
	}
}

// Run consumes until ctx is cancelled. Transient bus errors are
// returned to the caller so the harness can restart the job through
// its resource handle.
func (c *Consumer) Run(ctx context.Context) error {
	c.defaults()
	if err := c.Bus.EnsureGroup(ctx, c.Stream.Key, c.Group, c.Start); err != nil {
		return err
	}
	return c.loop(ctx)
}

func (c *Consumer) loop(ctx context.Context) error {
	lastClaim := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, err := c.Bus.ReadGroup(ctx, c.Stream.Key, c.Group, c.Name, c.Batch, c.Block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if time.Since(lastClaim) >= c.ClaimAge {
			lastClaim = time.Now()
			claimed, err := c.Bus.Claim(ctx, c.Stream.Key, c.Group, c.Name, c.ClaimAge, c.Batch)
			if err != nil && ctx.Err() == nil {
				c.Logger.Warn().Err(err).Str("stream", c.Stream.Key).Msg("claim of stale entries failed")
			}
			entries = append(entries, claimed...)
		}

		for _, entry := range entries {
			if err := c.dispatch(ctx, entry); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.Logger.Error().Err(err).
					Str("stream", c.Stream.Key).
					Str("entry", entry.ID).
					Msg("event handler failed, entry left pending")
				continue
			}
			if err := c.Bus.Ack(ctx, c.Stream.Key, c.Group, entry.ID); err != nil {
				c.Logger.Warn().Err(err).
					Str("stream", c.Stream.Key).
					Str("entry", entry.ID).
					Msg("ack failed")
			}
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, e bus.Entry) error {
	if c.HandleEntry != nil {
		return c.HandleEntry(ctx, e)
	}
	return c.Handle(ctx, e.Payload)
}
