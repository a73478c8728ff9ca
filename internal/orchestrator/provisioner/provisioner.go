// SPDX-License-Identifier: MIT

// Package provisioner contains the pluggable back-ends that spawn node
// processes: containerd containers, kubernetes pods, or local
// subprocesses.
package provisioner

import (
	"context"
	"encoding/json"
)

// Request carries everything a back-end needs to start one node.
type Request struct {
	SessionID       string
	RawCapabilities json.RawMessage
	Image           string
	SlotToken       string
	Orchestrator    string
}

// Provisioner spawns and tracks node deployments. Provision is
// idempotent per session id: a duplicate call may find the existing
// deployment and must treat that as success.
type Provisioner interface {
	Name() string
	Provision(ctx context.Context, req Request) (map[string]string, error)
	// AliveSessions lists session ids of still-running deployments this
	// orchestrator instance provisioned. Deployments are labelled with
	// the instance id so foreign ones are excluded.
	AliveSessions(ctx context.Context) ([]string, error)
	// PurgeTerminated removes exited deployments best-effort.
	PurgeTerminated(ctx context.Context) error
}

// Env var names handed to spawned nodes.
const (
	EnvSessionID    = "BROWSERGRID_SESSION_ID"
	EnvSlotToken    = "BROWSERGRID_SLOT"
	EnvOrchestrator = "BROWSERGRID_ORCHESTRATOR"
	EnvBusURL       = "BROWSERGRID_BUS"
	EnvCapabilities = "BROWSERGRID_CAPABILITIES"
)

// Deployment label keys.
const (
	LabelOrchestrator = "browsergrid.orchestrator"
	LabelSession      = "browsergrid.session"
)
