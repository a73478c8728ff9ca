// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/browsergrid/browsergrid/internal/bus"
)

// slotBus is the bus surface the slot model needs.
type slotBus interface {
	bus.Lists
	bus.KV
}

// Slots is the durable capacity model of one orchestrator: a queue of
// free tokens, a queue of tokens reclaimed by terminated nodes, and an
// allocated count. Provisioning moves a token into a node; the node's
// termination script pushes it onto the reclaimed queue.
type Slots struct {
	Bus          slotBus
	Orchestrator string
}

func (s *Slots) availableKey() string {
	return "orchestrator:" + s.Orchestrator + ":slots.available"
}

func (s *Slots) reclaimedKey() string {
	return "orchestrator:" + s.Orchestrator + ":slots.reclaimed"
}

func (s *Slots) allocatedKey() string {
	return "orchestrator:" + s.Orchestrator + ":slots.allocated"
}

func (s *Slots) bindingKey(sessionID string) string {
	return "orchestrator:" + s.Orchestrator + ":slot.session:" + sessionID
}

// bindingTTL is the backstop for session-to-token bindings whose
// cleanup was lost. It outlives any session by a wide margin.
const bindingTTL = 24 * time.Hour

// ReclaimedKey exposes the reclaimed queue key for the node's
// termination script.
func ReclaimedKey(orchestratorID string) string {
	return "orchestrator:" + orchestratorID + ":slots.reclaimed"
}

// Allocated returns the recorded slot count.
func (s *Slots) Allocated(ctx context.Context) (int, error) {
	raw, err := s.Bus.Get(ctx, s.allocatedKey())
	if errors.Is(err, bus.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("corrupt allocated count %q: %w", raw, err)
	}
	return n, nil
}

// Adjust changes the allocated slot count to target. Growing appends
// fresh tokens; shrinking consumes available tokens, blocking until
// in-flight sessions return enough of them.
func (s *Slots) Adjust(ctx context.Context, target int) error {
	if target < 0 {
		return fmt.Errorf("negative slot count %d", target)
	}
	current, err := s.Allocated(ctx)
	if err != nil {
		return err
	}

	for i := current; i < target; i++ {
		if err := s.Bus.RPush(ctx, s.availableKey(), []byte(uuid.NewString())); err != nil {
			return err
		}
	}
	for i := target; i < current; i++ {
		for {
			_, err := s.Bus.BLPop(ctx, s.availableKey(), 5*time.Second)
			if err == nil {
				break
			}
			if !errors.Is(err, bus.ErrTimeout) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}

	return s.Bus.Set(ctx, s.allocatedKey(), []byte(strconv.Itoa(target)), 0)
}

// Acquire pops a free slot token and binds it to the session, blocking
// up to timeout. A session that already holds a token gets the same
// token again, so redelivered provisioning jobs cannot drain the pool.
func (s *Slots) Acquire(ctx context.Context, sessionID string, timeout time.Duration) (string, error) {
	held, err := s.Bus.Get(ctx, s.bindingKey(sessionID))
	if err == nil {
		return string(held), nil
	}
	if !errors.Is(err, bus.ErrNotFound) {
		return "", err
	}

	token, err := s.Bus.BLPop(ctx, s.availableKey(), timeout)
	if err != nil {
		return "", err
	}
	if err := s.Bus.Set(ctx, s.bindingKey(sessionID), token, bindingTTL); err != nil {
		// The token must not vanish with an unrecorded binding.
		_ = s.Bus.RPush(ctx, s.availableKey(), token)
		return "", err
	}
	return string(token), nil
}

// Return puts a token back on the available queue and drops its
// session binding. Used when provisioning fails after the token was
// taken.
func (s *Slots) Return(ctx context.Context, sessionID, token string) error {
	if err := s.Bus.Del(ctx, s.bindingKey(sessionID)); err != nil {
		return err
	}
	return s.Bus.RPush(ctx, s.availableKey(), []byte(token))
}

// Unbind drops the session's token binding. Called once the token has
// travelled back through the reclaimed queue.
func (s *Slots) Unbind(ctx context.Context, sessionID string) error {
	return s.Bus.Del(ctx, s.bindingKey(sessionID))
}

// Recycle drains the reclaimed queue back into the available queue and
// returns how many tokens moved.
func (s *Slots) Recycle(ctx context.Context) (int, error) {
	moved := 0
	for {
		token, err := s.Bus.BLPop(ctx, s.reclaimedKey(), 10*time.Millisecond)
		if errors.Is(err, bus.ErrTimeout) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		if err := s.Bus.RPush(ctx, s.availableKey(), token); err != nil {
			return moved, err
		}
		moved++
	}
}
