// SPDX-License-Identifier: MIT

package archive

import (
	"context"
	"sync"
	"time"

	"github.com/browsergrid/browsergrid/internal/event"
)

// MemoryStore implements Store in process. Used by tests and
// single-host runs without a metadata archive.
type MemoryStore struct {
	mu      sync.Mutex
	staging map[string]*SessionRecord
	final   map[string]*SessionRecord
}

// NewMemoryStore returns an empty in-memory archive.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		staging: make(map[string]*SessionRecord),
		final:   make(map[string]*SessionRecord),
	}
}

func (s *MemoryStore) upsert(id string, apply func(*SessionRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.staging[id]
	if !ok {
		rec = &SessionRecord{ID: id}
		s.staging[id] = rec
	}
	apply(rec)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Created(_ context.Context, id string, at time.Time) error {
	at = at.UTC()
	return s.upsert(id, func(r *SessionRecord) { r.CreatedAt = &at })
}

func (s *MemoryStore) Scheduled(_ context.Context, id, provisioner string, at time.Time) error {
	at = at.UTC()
	return s.upsert(id, func(r *SessionRecord) {
		r.ScheduledAt = &at
		r.Provisioner = provisioner
	})
}

func (s *MemoryStore) Provisioned(_ context.Context, id string, meta map[string]string, at time.Time) error {
	at = at.UTC()
	return s.upsert(id, func(r *SessionRecord) {
		r.ProvisionedAt = &at
		if len(meta) > 0 {
			r.ProvisionerMetadata = meta
		}
	})
}

func (s *MemoryStore) Operational(_ context.Context, id, browserName, browserVersion string, at time.Time) error {
	at = at.UTC()
	return s.upsert(id, func(r *SessionRecord) {
		r.OperationalAt = &at
		r.BrowserName = browserName
		r.BrowserVersion = browserVersion
	})
}

func (s *MemoryStore) PatchClientMetadata(_ context.Context, id string, metadata map[string]string) error {
	return s.upsert(id, func(r *SessionRecord) {
		if r.ClientMetadata == nil {
			r.ClientMetadata = make(map[string]string)
		}
		for k, v := range metadata {
			r.ClientMetadata[k] = v
		}
	})
}

func (s *MemoryStore) Terminated(_ context.Context, id string, reason event.TerminationReason, recordingBytes int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.final[id]; done {
		// Redelivered termination; the first promotion wins.
		delete(s.staging, id)
		return nil
	}
	rec, ok := s.staging[id]
	if !ok {
		rec = &SessionRecord{ID: id}
	}
	atUTC := at.UTC()
	rec.TerminatedAt = &atUTC
	rec.Termination = &reason
	rec.RecordingBytes = recordingBytes
	rec.UpdatedAt = time.Now().UTC()
	s.final[id] = rec
	delete(s.staging, id)
	return nil
}

func (s *MemoryStore) Staging(_ context.Context, id string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.staging[id]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Final(_ context.Context, id string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.final[id]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Close(context.Context) error { return nil }
