// SPDX-License-Identifier: MIT

package harness

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/browsergrid/browsergrid/internal/log"
)

// Status is the externally visible state of a spawned job.
type Status string

const (
	StatusStartup          Status = "Startup"
	StatusRunning          Status = "Running"
	StatusRestarting       Status = "Restarting"
	StatusCrashLoopBackOff Status = "CrashLoopBackOff"
	StatusTerminated       Status = "Terminated"
)

const (
	backoffBase   = 25 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 13 // retries before CrashLoopBackOff
)

// Scheduler spawns jobs and keeps them alive. A job that returns an
// error is restarted with exponential backoff; a job whose resource
// handle dies is restarted immediately with a fresh context.
type Scheduler struct {
	logger zerolog.Logger

	rootCtx  context.Context
	rootStop context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

type task struct {
	job    Job
	status Status
	term   chan struct{} // closed to request graceful termination
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds a scheduler rooted in ctx. Cancelling ctx aborts
// every job.
func NewScheduler(ctx context.Context) *Scheduler {
	root, stop := context.WithCancel(ctx)
	return &Scheduler{
		logger:   log.WithComponent("harness"),
		rootCtx:  root,
		rootStop: stop,
		tasks:    make(map[string]*task),
	}
}

// Spawn starts a job and supervises it until TerminateAll or the root
// context ends.
func (s *Scheduler) Spawn(job Job) {
	t := &task{
		job:    job,
		status: StatusStartup,
		term:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.tasks[job.Name()] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go s.supervise(t)
}

func (s *Scheduler) supervise(t *task) {
	defer s.wg.Done()
	defer close(t.done)

	logger := s.logger.With().Str(log.FieldJob, t.job.Name()).Logger()
	backoff := backoffBase
	retries := 0

	for {
		if s.rootCtx.Err() != nil || s.terminating(t) {
			s.setStatus(t, StatusTerminated)
			return
		}

		jobCtx, cancel := context.WithCancel(s.rootCtx)
		s.mu.Lock()
		t.cancel = cancel
		s.mu.Unlock()

		tm := newTaskManager(log.ContextWithJob(jobCtx, t.job.Name()), t.term, func() {
			s.setStatus(t, StatusRunning)
		})

		err := t.job.Execute(tm.Context(), tm)
		cancel()

		if s.rootCtx.Err() != nil || s.terminating(t) {
			s.setStatus(t, StatusTerminated)
			return
		}

		if tm.resourceDied() {
			// Immediate restart with a fresh context and connection.
			logger.Warn().Msg("job resource died, restarting")
			s.setStatus(t, StatusRestarting)
			backoff = backoffBase
			retries = 0
			continue
		}

		if err == nil {
			// One-shot job finished cleanly.
			logger.Info().Msg("job completed")
			s.setStatus(t, StatusTerminated)
			return
		}

		retries++
		if retries > backoffCap {
			s.setStatus(t, StatusCrashLoopBackOff)
		} else {
			s.setStatus(t, StatusRestarting)
		}
		logger.Error().Err(err).
			Int("retries", retries).
			Dur("backoff", backoff).
			Msg("job failed, restarting")

		select {
		case <-time.After(backoff):
		case <-s.rootCtx.Done():
			s.setStatus(t, StatusTerminated)
			return
		case <-t.term:
			s.setStatus(t, StatusTerminated)
			return
		}
		if retries <= backoffCap {
			backoff *= backoffFactor
		}
	}
}

func (s *Scheduler) terminating(t *task) bool {
	select {
	case <-t.term:
		return true
	default:
		return false
	}
}

func (s *Scheduler) setStatus(t *task, status Status) {
	s.mu.Lock()
	t.status = status
	s.mu.Unlock()
}

// Statuses returns a copy of the job status map.
func (s *Scheduler) Statuses() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Status, len(s.tasks))
	for name, t := range s.tasks {
		out[name] = t.status
	}
	return out
}

// TerminateAll asserts the termination signal on every job that
// supports graceful termination, waits up to grace for all jobs to
// exit, then aborts the rest.
func (s *Scheduler) TerminateAll(grace time.Duration) {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		select {
		case <-t.term:
		default:
			close(t.term)
		}
		if !t.job.SupportsGracefulTermination() {
			s.mu.Lock()
			cancel := t.cancel
			s.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warn().Dur("grace", grace).Msg("grace period elapsed, aborting remaining jobs")
		s.rootStop()
		<-done
	}
	s.rootStop()
}

// Wait blocks until every spawned job has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
