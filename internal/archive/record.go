// SPDX-License-Identifier: MIT

// Package archive projects lifecycle events into the session metadata
// archive: a staging collection for live sessions (TTL-evicted) and an
// append-only, size-bounded final collection for terminated ones.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/browsergrid/browsergrid/internal/event"
)

// ErrNotFound is returned for missing session records.
var ErrNotFound = errors.New("archive: session record not found")

// SessionRecord is the projected state of one session. Timestamps are
// nil until the lifecycle stage is reached; they are monotonically
// non-decreasing in lifecycle order.
type SessionRecord struct {
	ID                  string                   `bson:"_id" json:"id"`
	CreatedAt           *time.Time               `bson:"createdAt,omitempty" json:"createdAt,omitempty"`
	ScheduledAt         *time.Time               `bson:"scheduledAt,omitempty" json:"scheduledAt,omitempty"`
	ProvisionedAt       *time.Time               `bson:"provisionedAt,omitempty" json:"provisionedAt,omitempty"`
	OperationalAt       *time.Time               `bson:"operationalAt,omitempty" json:"operationalAt,omitempty"`
	TerminatedAt        *time.Time               `bson:"terminatedAt,omitempty" json:"terminatedAt,omitempty"`
	BrowserName         string                   `bson:"browserName,omitempty" json:"browserName,omitempty"`
	BrowserVersion      string                   `bson:"browserVersion,omitempty" json:"browserVersion,omitempty"`
	Provisioner         string                   `bson:"provisioner,omitempty" json:"provisioner,omitempty"`
	ProvisionerMetadata map[string]string        `bson:"provisionerMetadata,omitempty" json:"provisionerMetadata,omitempty"`
	ClientMetadata      map[string]string        `bson:"clientMetadata,omitempty" json:"clientMetadata,omitempty"`
	RecordingBytes      int64                    `bson:"recordingBytes,omitempty" json:"recordingBytes,omitempty"`
	Termination         *event.TerminationReason `bson:"termination,omitempty" json:"termination,omitempty"`
	UpdatedAt           time.Time                `bson:"updatedAt" json:"updatedAt"`
}

// Store is the projection surface the archiver writes through. All
// operations are upserts keyed by session id and idempotent under
// event redelivery.
type Store interface {
	Created(ctx context.Context, id string, at time.Time) error
	Scheduled(ctx context.Context, id, provisioner string, at time.Time) error
	Provisioned(ctx context.Context, id string, meta map[string]string, at time.Time) error
	Operational(ctx context.Context, id, browserName, browserVersion string, at time.Time) error
	PatchClientMetadata(ctx context.Context, id string, metadata map[string]string) error
	// Terminated closes the staging record (or a skeleton when none
	// exists), inserts it into the final collection and removes the
	// staging row.
	Terminated(ctx context.Context, id string, reason event.TerminationReason, recordingBytes int64, at time.Time) error

	// Staging reads the live record; used by tests and the query API.
	Staging(ctx context.Context, id string) (*SessionRecord, error)
	// Final reads a terminated record.
	Final(ctx context.Context, id string) (*SessionRecord, error)

	Close(ctx context.Context) error
}
