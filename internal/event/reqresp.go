// SPDX-License-Identifier: MIT

package event

import (
	"context"
	"errors"
	"time"

	"github.com/browsergrid/browsergrid/internal/bus"
)

// ErrNoReply is returned when a request round collects zero replies
// within its timeout.
var ErrNoReply = errors.New("event: no responder replied in time")

// ReplyLocation derives the bus list key for a reply id.
func ReplyLocation(id string) string {
	return "reply:" + id
}

// Collect blocks on a reply location and gathers up to max replies.
// The first reply may take the full timeout; once one reply has
// arrived, stragglers get a short grace window and are then dropped.
// Returns ErrNoReply when nothing arrives at all.
func Collect(ctx context.Context, b bus.Lists, location string, max int, timeout time.Duration) ([][]byte, error) {
	var replies [][]byte

	first, err := b.BLPop(ctx, location, timeout)
	if errors.Is(err, bus.ErrTimeout) {
		return nil, ErrNoReply
	}
	if err != nil {
		return nil, err
	}
	replies = append(replies, first)

	const grace = 50 * time.Millisecond
	for len(replies) < max {
		next, err := b.BLPop(ctx, location, grace)
		if errors.Is(err, bus.ErrTimeout) {
			break
		}
		if err != nil {
			return replies, err
		}
		replies = append(replies, next)
	}
	return replies, nil
}

// replyTTL bounds how long an unread reply lingers on the bus. The
// TTL is scoped to reply locations here; other lists, the slot token
// queues in particular, must never expire.
const replyTTL = 5 * time.Minute

// Respond appends a reply to a request's reply location and marks the
// location self-cleaning.
func Respond(ctx context.Context, b bus.Lists, location string, reply []byte) error {
	if err := b.RPush(ctx, location, reply); err != nil {
		return err
	}
	return b.Expire(ctx, location, replyTTL)
}
