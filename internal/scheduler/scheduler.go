// SPDX-License-Identifier: MIT

// Package scheduler matches created sessions to a willing orchestrator.
// It runs a match round per session: a request on the provisioner.match
// stream, first orchestrator reply wins, and the session is handed to
// the winner's provisioning job stream.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/browsergrid/browsergrid/internal/bus"
	"github.com/browsergrid/browsergrid/internal/event"
	"github.com/browsergrid/browsergrid/internal/harness"
	"github.com/browsergrid/browsergrid/internal/log"
	"github.com/browsergrid/browsergrid/internal/webdriver"
)

// Group is the consumer group competing over session.created. Multiple
// scheduler instances share it; each created session is handled once.
const Group = "worker"

const defaultSchedulingTimeout = 60 * time.Second

var scheduledTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "grid_sessions_scheduled_total",
		Help: "Match round outcomes per created session",
	},
	[]string{"result"},
)

// Scheduler consumes session.created and assigns each session to an
// orchestrator.
type Scheduler struct {
	Bus      bus.Bus
	Timeout  time.Duration
	Consumer string
	Logger   zerolog.Logger
}

// New builds a scheduler with the default scheduling timeout and a
// unique consumer name.
func New(b bus.Bus) *Scheduler {
	return &Scheduler{
		Bus:      b,
		Timeout:  defaultSchedulingTimeout,
		Consumer: uuid.NewString(),
		Logger:   log.WithComponent("scheduler"),
	}
}

// Job returns the session.created consumer to hand to the job scheduler.
func (s *Scheduler) Job() harness.Job {
	return event.ConsumerJob{Consumer: &event.Consumer{
		Bus:    s.Bus,
		Stream: event.StreamSessionCreated,
		Group:  Group,
		Name:   s.Consumer,
		Start:  bus.StartHead,
		Logger: s.Logger,
		Handle: s.handle,
	}}
}

// handle runs one match round. A nil return acks the created entry;
// every path that gives up publishes a terminal event first so the
// client is unparked.
func (s *Scheduler) handle(ctx context.Context, payload []byte) error {
	var created event.SessionCreated
	if err := event.Decode(payload, &created); err != nil {
		// Unparseable entries would poison the group; drop them.
		s.Logger.Error().Err(err).Msg("undecodable session.created entry dropped")
		return nil
	}
	logger := s.Logger.With().Str(log.FieldSessionID, created.ID).Logger()

	if _, err := webdriver.ParseRequirements(created.RawCapabilities); err != nil {
		scheduledTotal.WithLabelValues("invalid").Inc()
		logger.Warn().Err(err).Msg("session rejected, malformed capabilities")
		return s.fail(ctx, created.ID, err)
	}

	location := event.ReplyLocation(uuid.NewString())
	err := event.Publish(ctx, s.Bus, event.StreamProvisionerMatch, event.ProvisionerMatchRequest{
		SessionID:        created.ID,
		RawCapabilities:  created.RawCapabilities,
		ResponseLocation: location,
	})
	if err != nil {
		return err
	}

	replies, err := event.Collect(ctx, s.Bus, location, 1, s.Timeout)
	if errors.Is(err, event.ErrNoReply) {
		scheduledTotal.WithLabelValues("unmatched").Inc()
		logger.Warn().Dur("timeout", s.Timeout).Msg("no provisioner matched")
		return s.fail(ctx, created.ID, errors.New("no provisioner matched"))
	}
	if err != nil {
		return err
	}

	// First reply wins; responders are stateless so extras are dropped.
	orchestrator := string(replies[0])
	logger.Info().
		Str(log.FieldOrchestrator, orchestrator).
		Str(log.FieldEvent, "session.scheduled").
		Msg("session scheduled")

	err = event.Publish(ctx, s.Bus, event.StreamSessionScheduled, event.SessionScheduled{
		ID:          created.ID,
		Provisioner: orchestrator,
	})
	if err != nil {
		return err
	}

	jobs := event.StreamProvisioningJobs.WithSubkey(orchestrator)
	err = event.Publish(ctx, s.Bus, jobs, event.ProvisioningJobAssigned{
		SessionID:       created.ID,
		RawCapabilities: created.RawCapabilities,
	})
	if err != nil {
		return err
	}

	scheduledTotal.WithLabelValues("scheduled").Inc()
	return nil
}

// fail publishes a terminal startup failure and acks the entry.
func (s *Scheduler) fail(ctx context.Context, id string, cause error) error {
	return event.Publish(ctx, s.Bus, event.StreamSessionTerminated, event.SessionTerminated{
		ID:     id,
		Reason: event.StartupFailure(cause),
	})
}
