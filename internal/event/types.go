// SPDX-License-Identifier: MIT

// Package event defines the lifecycle events exchanged over the
// coordination bus, their stream layout and the consumer plumbing.
package event

import (
	"encoding/json"

	"github.com/browsergrid/browsergrid/internal/gerr"
)

// StreamSpec names a stream and bounds its retention. MaxLen is
// approximate; the oldest entries are evicted beyond it.
type StreamSpec struct {
	Key    string
	MaxLen int64
}

// WithSubkey returns the spec extended with a subkey segment. Used for
// per-orchestrator provisioning job streams.
func (s StreamSpec) WithSubkey(subkey string) StreamSpec {
	return StreamSpec{Key: s.Key + "." + subkey, MaxLen: s.MaxLen}
}

var (
	StreamSessionCreated     = StreamSpec{Key: "session.created", MaxLen: 1024}
	StreamSessionScheduled   = StreamSpec{Key: "session.scheduled", MaxLen: 1024}
	StreamSessionProvisioned = StreamSpec{Key: "session.provisioned", MaxLen: 1024}
	StreamSessionOperational = StreamSpec{Key: "session.operational", MaxLen: 1024}
	StreamSessionMetadata    = StreamSpec{Key: "session.metadata", MaxLen: 2048}
	StreamSessionTerminated  = StreamSpec{Key: "session.terminated", MaxLen: 1024}
	StreamProvisionerMatch   = StreamSpec{Key: "provisioner.match", MaxLen: 256}
	StreamProvisioningJobs   = StreamSpec{Key: "provisioner.job.assigned", MaxLen: 1024}
)

// SessionCreated starts a session lifecycle. RawCapabilities is the
// untouched client request body value.
type SessionCreated struct {
	ID              string          `json:"id"`
	RawCapabilities json.RawMessage `json:"capabilities"`
}

// SessionScheduled records which orchestrator won the match round.
type SessionScheduled struct {
	ID          string `json:"id"`
	Provisioner string `json:"provisioner"`
}

// ProvisioningJobAssigned instructs one orchestrator to provision the
// session. It is appended to the job stream subkeyed by orchestrator id.
type ProvisioningJobAssigned struct {
	SessionID       string          `json:"sessionId"`
	RawCapabilities json.RawMessage `json:"capabilities"`
}

// SessionProvisioned reports a successful provisioner call.
type SessionProvisioned struct {
	ID          string            `json:"id"`
	Provisioner string            `json:"provisioner"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// SessionOperational reports that the node's driver accepted a session.
type SessionOperational struct {
	ID                 string          `json:"id"`
	ActualCapabilities json.RawMessage `json:"actualCapabilities"`
}

// SessionMetadataModified patches client metadata on the session record.
type SessionMetadataModified struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// SessionTerminated ends a session lifecycle.
type SessionTerminated struct {
	ID             string            `json:"id"`
	Reason         TerminationReason `json:"reason"`
	RecordingBytes int64             `json:"recordingBytes,omitempty"`
}

// ProvisionerMatchRequest asks all orchestrators whether they can host
// the capabilities. Willing orchestrators push their id to the reply
// location.
type ProvisionerMatchRequest struct {
	SessionID        string          `json:"sessionId"`
	RawCapabilities  json.RawMessage `json:"capabilities"`
	ResponseLocation string          `json:"responseLocation"`
}

// ReasonKind classifies why a session terminated.
type ReasonKind string

const (
	ReasonClosedByClient       ReasonKind = "closedByClient"
	ReasonIdleTimeout          ReasonKind = "idleTimeoutReached"
	ReasonTerminatedExternally ReasonKind = "terminatedExternally"
	ReasonStartupFailed        ReasonKind = "startupFailed"
	ReasonModuleTimeout        ReasonKind = "moduleTimeout"

	// Timeout categories surfaced by the ingress when a stage of
	// session creation overruns.
	ReasonQueueTimeout       ReasonKind = "queueTimeout"
	ReasonSchedulingTimeout  ReasonKind = "schedulingTimeout"
	ReasonNodeStartupTimeout ReasonKind = "nodeStartupTimeout"
	ReasonDriverStartup      ReasonKind = "driverStartupTimeout"
	ReasonTermination        ReasonKind = "sessionTerminationTimeout"
)

// TerminationReason is the typed cause carried by SessionTerminated.
// Error is only populated for startup failures.
type TerminationReason struct {
	Kind    ReasonKind `json:"kind"`
	Message string     `json:"message,omitempty"`
	Error   gerr.Chain `json:"error,omitempty"`
}

// StartupFailure builds a StartupFailed reason from an error.
func StartupFailure(err error) TerminationReason {
	chain := gerr.FromError(err)
	return TerminationReason{
		Kind:    ReasonStartupFailed,
		Message: chain.Root(),
		Error:   chain,
	}
}

// ClosedByClient builds a client-initiated termination reason.
func ClosedByClient(message string) TerminationReason {
	return TerminationReason{Kind: ReasonClosedByClient, Message: message}
}
