// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	FieldSessionID    = "session_id"
	FieldJob          = "job"
	FieldEvent        = "event"
	FieldComponent    = "component"
	FieldStream       = "stream"
	FieldGroup        = "group"
	FieldConsumer     = "consumer"
	FieldOrchestrator = "orchestrator"
	FieldProvisioner  = "provisioner"
	FieldEndpoint     = "endpoint"
	FieldReason       = "reason"
)
