// SPDX-License-Identifier: MIT

// Package bus abstracts the coordination substrate shared by all grid
// services: event streams with consumer groups, ephemeral reply lists,
// pattern pub/sub, a small key-value surface and server-side scripts.
//
// Services never talk to each other directly; everything flows through
// an implementation of Bus. The production implementation is Redis
// (redis.go); tests use the in-memory implementation (memory.go).
package bus

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get/HGet for missing keys.
	ErrNotFound = errors.New("bus: key not found")
	// ErrTimeout is returned by blocking reads that expire.
	ErrTimeout = errors.New("bus: blocking read timed out")
	// ErrClosed is returned once the bus connection has been shut down.
	ErrClosed = errors.New("bus: closed")
)

// Entry is one stream record. Payload is the serialized event.
type Entry struct {
	ID      string
	Payload []byte
}

// EntryTime extracts the wall-clock component of a stream entry id
// ("<unix-ms>-<seq>"). Returns the zero time for malformed ids.
func EntryTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

// StartPosition selects where a freshly created consumer group begins.
type StartPosition int

const (
	// StartHead delivers the full retained stream to a new group.
	StartHead StartPosition = iota
	// StartTail delivers only entries appended after group creation.
	StartTail
)

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pattern subscription. C is closed when the
// subscription ends.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Script is a named server-side transaction. Redis runs Src as Lua;
// other implementations may dispatch on Name.
type Script struct {
	Name string
	Src  string
}

// Streams is the append-only log surface. Delivery within a group is
// at-least-once: unacked entries become claimable after an idle period.
type Streams interface {
	// Append adds payload to the stream, trimming it to approximately
	// maxLen entries, and returns the entry id.
	Append(ctx context.Context, stream string, maxLen int64, payload []byte) (string, error)
	// EnsureGroup creates the consumer group if it does not exist.
	EnsureGroup(ctx context.Context, stream, group string, start StartPosition) error
	// ReadGroup delivers up to batch new entries to consumer, blocking
	// up to block when none are available.
	ReadGroup(ctx context.Context, stream, group, consumer string, batch int64, block time.Duration) ([]Entry, error)
	// Claim transfers entries pending longer than minIdle to consumer.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, batch int64) ([]Entry, error)
	// Ack marks entries as processed for the group.
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

// Lists is the list surface used for reply locations and slot token
// queues. Lists persist until explicitly expired: the slot token
// queues are durable capacity and must survive idle periods.
type Lists interface {
	RPush(ctx context.Context, location string, payload []byte) error
	// BLPop pops the head of the list, blocking up to timeout. Returns
	// ErrTimeout when nothing arrives.
	BLPop(ctx context.Context, location string, timeout time.Duration) ([]byte, error)
	LLen(ctx context.Context, location string) (int64, error)
	// Expire drops the list after ttl. Reply locations use this so
	// abandoned replies clean themselves up.
	Expire(ctx context.Context, location string, ttl time.Duration) error
}

// PubSub is one-shot publish plus pattern subscribe.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	PSubscribe(ctx context.Context, pattern string) (Subscription, error)
}

// KV is the small structured-record surface.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) ([]byte, error)
}

// Scripts runs small atomic server-side transactions. Only session
// termination finalisation uses this.
type Scripts interface {
	Eval(ctx context.Context, script Script, keys []string, args ...any) (any, error)
}

// Bus is the full coordination substrate.
type Bus interface {
	Streams
	Lists
	PubSub
	KV
	Scripts
	// Ping reports whether the substrate is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// IsTransient reports whether err is worth a local retry before the
// holding job escalates through its resource handle.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrClosed) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
