// SPDX-License-Identifier: MIT

package harness

import (
	"context"
	"sync"
)

// TaskManager is the per-job handle the scheduler wires into every
// spawned job: its context, a call-once ready latch, a broadcast
// termination signal and the ability to mint resource handles.
type TaskManager struct {
	ctx         context.Context
	termination <-chan struct{}

	readyOnce sync.Once
	onReady   func()

	mu        sync.Mutex
	resources []*ResourceHandle
	died      chan struct{}
	diedOnce  sync.Once
}

func newTaskManager(ctx context.Context, termination <-chan struct{}, onReady func()) *TaskManager {
	return &TaskManager{
		ctx:         ctx,
		termination: termination,
		onReady:     onReady,
		died:        make(chan struct{}),
	}
}

// Context returns the job's context; cancelled when the job is aborted.
func (tm *TaskManager) Context() context.Context { return tm.ctx }

// Ready signals that the job finished its startup work. Only the first
// call has an effect.
func (tm *TaskManager) Ready() {
	tm.readyOnce.Do(func() {
		if tm.onReady != nil {
			tm.onReady()
		}
	})
}

// Termination returns a channel closed when graceful shutdown is
// requested.
func (tm *TaskManager) Termination() <-chan struct{} { return tm.termination }

// NewResourceHandle mints a handle tied to this job's lifetime. All
// handles minted from one task manager share the same underlying
// died signal: invalidating any one of them flags them all.
func (tm *TaskManager) NewResourceHandle() *ResourceHandle {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	h := &ResourceHandle{tm: tm}
	tm.resources = append(tm.resources, h)
	return h
}

// resourceDied reports whether any resource handle was invalidated.
func (tm *TaskManager) resourceDied() bool {
	select {
	case <-tm.died:
		return true
	default:
		return false
	}
}

// ResourceHandle represents a job's dependency on a shared connection.
// When the connection errors, the holder calls ResourceDied, which
// makes the scheduler restart the job immediately with a fresh context.
type ResourceHandle struct {
	tm *TaskManager
}

// ResourceDied flags the underlying resource as dead.
func (h *ResourceHandle) ResourceDied() {
	h.tm.diedOnce.Do(func() { close(h.tm.died) })
}

// Dead returns a channel closed once the resource has been flagged.
func (h *ResourceHandle) Dead() <-chan struct{} { return h.tm.died }
