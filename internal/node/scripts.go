// SPDX-License-Identifier: MIT

package node

import (
	"context"
	"time"

	"github.com/browsergrid/browsergrid/internal/bus"
	"github.com/browsergrid/browsergrid/internal/event"
	"github.com/browsergrid/browsergrid/internal/orchestrator"
)

// activateScript marks a session alive in one transaction: set
// membership plus the coarse status key.
var activateScript = bus.Script{
	Name: "session_activate",
	Src: `redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], 'operational')
return 1`,
}

// finalStatusTTL keeps the terminal status readable for late pollers
// while letting the per-session keys clean themselves up.
const finalStatusTTL = 24 * time.Hour

// finalizeScript is the termination transaction: drop the active set
// membership, flip the status key with a TTL, delete the upstream id
// mapping, and hand the slot token back to the orchestrator's
// reclaimed queue.
var finalizeScript = bus.Script{
	Name: "session_finalize",
	Src: `redis.call('SREM', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], 'terminated', 'EX', ARGV[3])
redis.call('DEL', KEYS[3])
if ARGV[2] ~= '' then
  redis.call('RPUSH', KEYS[4], ARGV[2])
end
return 1`,
}

func activateSession(ctx context.Context, b bus.Scripts, sessionID string) error {
	_, err := b.Eval(ctx, activateScript,
		[]string{event.KeySessionActive, event.KeySessionStatus(sessionID)},
		sessionID,
	)
	return err
}

func finalizeSession(ctx context.Context, b bus.Scripts, sessionID, orchestratorID, slotToken string) error {
	_, err := b.Eval(ctx, finalizeScript,
		[]string{
			event.KeySessionActive,
			event.KeySessionStatus(sessionID),
			event.KeySessionUpstream(sessionID),
			orchestrator.ReclaimedKey(orchestratorID),
		},
		sessionID, slotToken, int64(finalStatusTTL/time.Second),
	)
	return err
}
