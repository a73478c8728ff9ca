// SPDX-License-Identifier: MIT

package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
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

var sessionsCreated = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "grid_sessions_created_total",
		Help: "Session create requests by outcome",
	},
	[]string{"result"},
)

const createBodyLimit = 1 << 20

// Creator handles POST /session: it publishes SessionCreated and parks
// the HTTP request until a listener resolves it with the session's
// outcome, the client disconnects, or the overall timeout elapses.
type Creator struct {
	Bus     bus.Streams
	Parking *Parking
	Timeout time.Duration
	Logger  zerolog.Logger
}

type createRequest struct {
	Capabilities json.RawMessage `json:"capabilities"`
}

func (c *Creator) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, createBodyLimit)).Decode(&req); err != nil {
		sessionsCreated.WithLabelValues("invalid").Inc()
		webdriver.WriteError(w, http.StatusBadRequest, webdriver.ErrInvalidArgument, "malformed session request", err.Error())
		return
	}

	id := uuid.NewString()
	ctx := log.ContextWithSessionID(r.Context(), id)
	logger := log.WithFieldsFromContext(ctx, c.Logger)
	outcome := c.Parking.Park(id)

	err := event.Publish(ctx, c.Bus, event.StreamSessionCreated, event.SessionCreated{
		ID:              id,
		RawCapabilities: req.Capabilities,
	})
	if err != nil {
		c.Parking.Drop(id)
		sessionsCreated.WithLabelValues("error").Inc()
		logger.Error().Err(err).Msg("session create publish failed")
		webdriver.WriteError(w, http.StatusInternalServerError, webdriver.ErrSessionNotCreated, "could not enqueue session", err.Error())
		return
	}

	timer := time.NewTimer(c.Timeout)
	defer timer.Stop()

	select {
	case out := <-outcome:
		c.respond(w, id, out)
	case <-timer.C:
		stage := c.Parking.Drop(id)
		reason := stage.TimeoutReason()
		sessionsCreated.WithLabelValues("timeout").Inc()
		logger.Warn().
			Str(log.FieldReason, string(reason)).
			Msg("session create timed out")
		webdriver.WriteError(w, http.StatusInternalServerError, webdriver.ErrSessionNotCreated,
			fmt.Sprintf("session not operational after %s (%s)", c.Timeout, reason), "")
	case <-ctx.Done():
		// Client is gone; free the slot so the listener does not hold
		// it until eviction.
		c.Parking.Drop(id)
		sessionsCreated.WithLabelValues("disconnected").Inc()
		logger.Info().Msg("client disconnected while parked")
	}
}

func (c *Creator) respond(w http.ResponseWriter, id string, out Outcome) {
	if out.Failure != nil {
		sessionsCreated.WithLabelValues("failed").Inc()
		message := out.Failure.Message
		if message == "" {
			message = string(out.Failure.Kind)
		}
		webdriver.WriteError(w, http.StatusInternalServerError, webdriver.ErrSessionNotCreated, message, "")
		return
	}
	sessionsCreated.WithLabelValues("created").Inc()
	webdriver.WriteSessionCreated(w, id, out.Capabilities)
}

// listenerJobs builds the consumer jobs that resolve parked requests
// from lifecycle traffic. Groups are per ingress instance and start at
// the stream tail: every instance sees every event and drops the ones
// it did not park.
func (c *Creator) listenerJobs(instance string) []harness.Job {
	group := "ingress." + instance
	consume := func(spec event.StreamSpec, handle event.Handler) harness.Job {
		return event.ConsumerJob{Consumer: &event.Consumer{
			Bus:    c.Bus,
			Stream: spec,
			Group:  group,
			Name:   instance,
			Start:  bus.StartTail,
			Logger: c.Logger,
			Handle: handle,
		}}
	}

	return []harness.Job{
		consume(event.StreamSessionScheduled, func(ctx context.Context, payload []byte) error {
			var ev event.SessionScheduled
			if err := event.Decode(payload, &ev); err != nil {
				c.Logger.Warn().Err(err).Msg("undecodable scheduled event")
				return nil
			}
			c.Parking.Advance(ev.ID, StageScheduled)
			return nil
		}),
		consume(event.StreamSessionProvisioned, func(ctx context.Context, payload []byte) error {
			var ev event.SessionProvisioned
			if err := event.Decode(payload, &ev); err != nil {
				c.Logger.Warn().Err(err).Msg("undecodable provisioned event")
				return nil
			}
			c.Parking.Advance(ev.ID, StageProvisioned)
			return nil
		}),
		consume(event.StreamSessionOperational, func(ctx context.Context, payload []byte) error {
			var ev event.SessionOperational
			if err := event.Decode(payload, &ev); err != nil {
				c.Logger.Warn().Err(err).Msg("undecodable operational event")
				return nil
			}
			c.Parking.Resolve(ev.ID, Outcome{Capabilities: ev.ActualCapabilities})
			return nil
		}),
		consume(event.StreamSessionTerminated, func(ctx context.Context, payload []byte) error {
			var ev event.SessionTerminated
			if err := event.Decode(payload, &ev); err != nil {
				c.Logger.Warn().Err(err).Msg("undecodable terminated event")
				return nil
			}
			reason := ev.Reason
			c.Parking.Resolve(ev.ID, Outcome{Failure: &reason})
			return nil
		}),
	}
}
