// SPDX-License-Identifier: MIT

// Package harness is the shared substrate every grid service runs on:
// a job scheduler with crash-restart semantics, per-job task managers,
// resource handles for bus connections and an HTTP status probe.
package harness

import "context"

// Job is a named, potentially long-running unit of work.
type Job interface {
	// Name identifies the job in the status map and logs.
	Name() string
	// SupportsGracefulTermination reports whether the job honors the
	// task manager's termination signal. Jobs that do not are aborted
	// outright when the scheduler shuts down.
	SupportsGracefulTermination() bool
	// Execute runs the job until it finishes or fails. Long-running
	// jobs call tm.Ready once their startup work is done and watch
	// tm.Termination for graceful shutdown.
	Execute(ctx context.Context, tm *TaskManager) error
}

// JobFunc adapts a function to the Job interface.
type JobFunc struct {
	JobName  string
	Graceful bool
	Fn       func(ctx context.Context, tm *TaskManager) error
}

func (j JobFunc) Name() string                      { return j.JobName }
func (j JobFunc) SupportsGracefulTermination() bool { return j.Graceful }
func (j JobFunc) Execute(ctx context.Context, tm *TaskManager) error {
	return j.Fn(ctx, tm)
}
