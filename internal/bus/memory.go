// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus used by unit tests and local runs.
// It mirrors the Redis semantics the services rely on: per-stream
// ordering, one delivery per group until ack, claimable pending
// entries, blocking list pops and pattern pub/sub.
type MemoryBus struct {
	mu      sync.Mutex
	streams map[string]*memStream
	lists   map[string][][]byte
	listTTL map[string]time.Time
	kv      map[string]memValue
	hashes  map[string]map[string][]byte
	subs    []*memorySubscription
	evals   map[string]EvalFunc
	wake    chan struct{} // closed and replaced on every mutation
	closed  bool
}

// EvalFunc is a Go stand-in for a server-side script in the memory bus.
type EvalFunc func(ctx context.Context, b *MemoryBus, keys []string, args []any) (any, error)

type memValue struct {
	data      []byte
	expiresAt time.Time // zero = no expiry
}

type memStream struct {
	entries []Entry
	seq     int64
	groups  map[string]*memGroup
}

type memGroup struct {
	cursor  int // index into entries of next fresh delivery
	pending map[string]*memPending
}

type memPending struct {
	entry       Entry
	consumer    string
	deliveredAt time.Time
}

// NewMemoryBus returns an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		streams: make(map[string]*memStream),
		lists:   make(map[string][][]byte),
		listTTL: make(map[string]time.Time),
		kv:      make(map[string]memValue),
		hashes:  make(map[string]map[string][]byte),
		evals:   make(map[string]EvalFunc),
		wake:    make(chan struct{}),
	}
}

// RegisterEval installs a Go implementation for the named script.
func (b *MemoryBus) RegisterEval(name string, fn EvalFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evals[name] = fn
}

// notify wakes every blocked reader. Callers hold b.mu.
func (b *MemoryBus) notify() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *MemoryBus) Append(_ context.Context, stream string, maxLen int64, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	s := b.stream(stream)
	s.seq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	s.entries = append(s.entries, Entry{ID: id, Payload: payload})
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		drop := int64(len(s.entries)) - maxLen
		s.entries = s.entries[drop:]
		for _, g := range s.groups {
			g.cursor -= int(drop)
			if g.cursor < 0 {
				g.cursor = 0
			}
		}
	}
	b.notify()
	return id, nil
}

func (b *MemoryBus) EnsureGroup(_ context.Context, stream, group string, start StartPosition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	if _, ok := s.groups[group]; ok {
		return nil
	}
	g := &memGroup{pending: make(map[string]*memPending)}
	if start == StartTail {
		g.cursor = len(s.entries)
	}
	s.groups[group] = g
	return nil
}

func (b *MemoryBus) ReadGroup(ctx context.Context, stream, group, consumer string, batch int64, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		s := b.stream(stream)
		g, ok := s.groups[group]
		if !ok {
			b.mu.Unlock()
			return nil, fmt.Errorf("bus: no such group %s on %s", group, stream)
		}
		var out []Entry
		now := time.Now()
		for g.cursor < len(s.entries) && int64(len(out)) < batch {
			e := s.entries[g.cursor]
			g.cursor++
			g.pending[e.ID] = &memPending{entry: e, consumer: consumer, deliveredAt: now}
			out = append(out, e)
		}
		wake := b.wake
		b.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (b *MemoryBus) Claim(_ context.Context, stream, group, consumer string, minIdle time.Duration, batch int64) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}
	var out []Entry
	now := time.Now()
	for _, p := range g.pending {
		if int64(len(out)) >= batch {
			break
		}
		if now.Sub(p.deliveredAt) >= minIdle {
			p.consumer = consumer
			p.deliveredAt = now
			out = append(out, p.entry)
		}
	}
	return out, nil
}

func (b *MemoryBus) Ack(_ context.Context, stream, group string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	if g, ok := s.groups[group]; ok {
		for _, id := range ids {
			delete(g.pending, id)
		}
	}
	return nil
}

// dropExpiredList deletes the list if its TTL elapsed. Callers hold b.mu.
func (b *MemoryBus) dropExpiredList(location string) {
	if at, ok := b.listTTL[location]; ok && time.Now().After(at) {
		delete(b.lists, location)
		delete(b.listTTL, location)
	}
}

func (b *MemoryBus) RPush(_ context.Context, location string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.dropExpiredList(location)
	b.lists[location] = append(b.lists[location], payload)
	b.notify()
	return nil
}

func (b *MemoryBus) BLPop(ctx context.Context, location string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		b.dropExpiredList(location)
		if l := b.lists[location]; len(l) > 0 {
			head := l[0]
			if len(l) == 1 {
				// Popping the last element removes the key, and the
				// key's expiry with it.
				delete(b.lists, location)
				delete(b.listTTL, location)
			} else {
				b.lists[location] = l[1:]
			}
			b.mu.Unlock()
			return head, nil
		}
		wake := b.wake
		b.mu.Unlock()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, ErrTimeout
		}
	}
}

func (b *MemoryBus) LLen(_ context.Context, location string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropExpiredList(location)
	return int64(len(b.lists[location])), nil
}

func (b *MemoryBus) Expire(_ context.Context, location string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropExpiredList(location)
	if _, ok := b.lists[location]; ok {
		b.listTTL[location] = time.Now().Add(ttl)
	}
	return nil
}

func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	subs := make([]*memorySubscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()
	for _, sub := range subs {
		if sub.matches(channel) {
			select {
			case sub.ch <- Message{Channel: channel, Payload: payload}:
			default:
				// slow subscriber, drop
			}
		}
	}
	return nil
}

func (b *MemoryBus) PSubscribe(_ context.Context, pattern string) (Subscription, error) {
	sub := &memorySubscription{
		bus:     b,
		pattern: pattern,
		ch:      make(chan Message, 64),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	bus     *MemoryBus
	pattern string
	once    sync.Once
	ch      chan Message
}

func (s *memorySubscription) matches(channel string) bool {
	ok, err := path.Match(s.pattern, channel)
	if err != nil {
		return false
	}
	if !ok && !strings.ContainsAny(s.pattern, "*?[") {
		return s.pattern == channel
	}
	return ok
}

func (s *memorySubscription) C() <-chan Message { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		out := s.bus.subs[:0]
		for _, sub := range s.bus.subs {
			if sub != s {
				out = append(out, sub)
			}
		}
		s.bus.subs = out
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (b *MemoryBus) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := memValue{data: value}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	b.kv[key] = v
	return nil
}

func (b *MemoryBus) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !v.expiresAt.IsZero() && time.Now().After(v.expiresAt) {
		delete(b.kv, key)
		return nil, ErrNotFound
	}
	return v.data, nil
}

func (b *MemoryBus) Del(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		delete(b.kv, key)
		delete(b.hashes, key)
		delete(b.lists, key)
		delete(b.listTTL, key)
	}
	return nil
}

func (b *MemoryBus) HSet(_ context.Context, key, field string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		b.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (b *MemoryBus) HGet(_ context.Context, key, field string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.hashes[key]; ok {
		if v, ok := h[field]; ok {
			return v, nil
		}
	}
	return nil, ErrNotFound
}

func (b *MemoryBus) Eval(ctx context.Context, script Script, keys []string, args ...any) (any, error) {
	b.mu.Lock()
	fn, ok := b.evals[script.Name]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bus: no eval registered for script %s", script.Name)
	}
	return fn(ctx, b, keys, args)
}

func (b *MemoryBus) Ping(context.Context) error { return nil }

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.notify()
	}
	return nil
}

// StreamLen reports the retained length of a stream; used by tests.
func (b *MemoryBus) StreamLen(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.stream(stream).entries)
}

// stream returns the named stream, creating it if needed. Callers hold b.mu.
func (b *MemoryBus) stream(name string) *memStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		b.streams[name] = s
	}
	return s
}
