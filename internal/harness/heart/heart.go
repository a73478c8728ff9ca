// SPDX-License-Identifier: MIT

// Package heart provides the in-process lifetime primitive used by the
// node: a Heart that beats until a sliding lifetime elapses, an
// external kill is signalled, or the process receives a termination
// signal. The paired Stone controls it.
package heart

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DeathKind classifies why a heart stopped.
type DeathKind string

const (
	// LifetimeExceeded means the sliding lifetime elapsed.
	LifetimeExceeded DeathKind = "lifetimeExceeded"
	// ExternallyKilled means Stone.Kill was called.
	ExternallyKilled DeathKind = "externallyKilled"
	// Terminated means the process received SIGINT or SIGTERM.
	Terminated DeathKind = "terminated"
)

// DeathReason is the terminal state of a heart.
type DeathReason struct {
	Kind    DeathKind
	Message string
}

// Heart resolves exactly once with a death reason.
type Heart struct {
	done chan DeathReason

	mu       sync.Mutex
	lifetime time.Duration // 0 = infinite
	timer    *time.Timer
	stopped  bool
	sigCh    chan os.Signal
}

// Stone is the controller half of a heart.
type Stone struct {
	h *Heart
}

// New constructs a heart with an infinite lifetime.
func New() (*Heart, *Stone) {
	return newHeart(0, true)
}

// NewWithLifetime constructs a heart that dies with LifetimeExceeded
// after lifetime unless reset.
func NewWithLifetime(lifetime time.Duration) (*Heart, *Stone) {
	return newHeart(lifetime, true)
}

// newForTest skips OS signal wiring.
func newForTest(lifetime time.Duration) (*Heart, *Stone) {
	return newHeart(lifetime, false)
}

func newHeart(lifetime time.Duration, signals bool) (*Heart, *Stone) {
	h := &Heart{
		done:     make(chan DeathReason, 1),
		lifetime: lifetime,
	}
	if lifetime > 0 {
		h.timer = time.AfterFunc(lifetime, func() {
			h.die(DeathReason{Kind: LifetimeExceeded})
		})
	}
	if signals {
		h.sigCh = make(chan os.Signal, 1)
		signal.Notify(h.sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			if _, ok := <-h.sigCh; ok {
				h.die(DeathReason{Kind: Terminated})
			}
		}()
	}
	return h, &Stone{h: h}
}

func (h *Heart) die(reason DeathReason) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
	}
	if h.sigCh != nil {
		signal.Stop(h.sigCh)
		close(h.sigCh)
	}
	h.mu.Unlock()
	h.done <- reason
}

// Wait blocks until the heart dies or ctx ends. On context
// cancellation the heart is treated as terminated.
func (h *Heart) Wait(ctx context.Context) DeathReason {
	select {
	case reason := <-h.done:
		return reason
	case <-ctx.Done():
		h.die(DeathReason{Kind: Terminated})
		// Drain the actual terminal reason if a racing cause won.
		select {
		case reason := <-h.done:
			return reason
		default:
			return DeathReason{Kind: Terminated}
		}
	}
}

// ResetLifetime restarts the sliding lifetime window, optionally
// replacing its duration. Passing 0 keeps the configured lifetime.
func (s *Stone) ResetLifetime(lifetime time.Duration) {
	h := s.h
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	if lifetime > 0 {
		h.lifetime = lifetime
	}
	if h.lifetime <= 0 {
		return
	}
	if h.timer == nil {
		h.timer = time.AfterFunc(h.lifetime, func() {
			h.die(DeathReason{Kind: LifetimeExceeded})
		})
		return
	}
	h.timer.Stop()
	h.timer.Reset(h.lifetime)
}

// Kill stops the heart with ExternallyKilled and the given message.
func (s *Stone) Kill(message string) {
	s.h.die(DeathReason{Kind: ExternallyKilled, Message: message})
}
