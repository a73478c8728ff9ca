// SPDX-License-Identifier: MIT

package event

// Coordination key conventions shared by every service. Streams are
// named in types.go; these cover the KV side.

// KeySessionActive is the set of sessions currently alive on the grid.
const KeySessionActive = "session.active"

// KeySessionStatus holds the coarse session state ("operational",
// "terminated").
func KeySessionStatus(sessionID string) string {
	return "session:" + sessionID + ":status"
}

// KeySessionUpstream is the hash mapping the external session id to
// the driver-internal one.
func KeySessionUpstream(sessionID string) string {
	return "session:" + sessionID + ":upstream"
}

// UpstreamFieldSessionID is the hash field carrying the driver session id.
const UpstreamFieldSessionID = "sessionId"

// KeySessionHeartbeatNode is the node liveness key for one session.
func KeySessionHeartbeatNode(sessionID string) string {
	return "session:" + sessionID + ":heartbeat.node"
}

// KeyOrchestratorHeartbeat is the orchestrator liveness key.
func KeyOrchestratorHeartbeat(orchestratorID string) string {
	return "orchestrator:" + orchestratorID + ":heartbeat"
}
