// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/browsergrid/browsergrid/internal/bus"
	"github.com/browsergrid/browsergrid/internal/event"
	"github.com/browsergrid/browsergrid/internal/harness"
	"github.com/browsergrid/browsergrid/internal/harness/heartbeat"
	"github.com/browsergrid/browsergrid/internal/log"
	"github.com/browsergrid/browsergrid/internal/orchestrator/provisioner"
	"github.com/browsergrid/browsergrid/internal/webdriver"
)

const (
	defaultCleanupInterval   = 30 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	slotAcquireTimeout       = 30 * time.Second
)

var provisionedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "grid_sessions_provisioned_total",
		Help: "Provisioning outcomes per assigned job",
	},
	[]string{"orchestrator", "result"},
)

// Config carries the orchestrator's identity and capacity.
type Config struct {
	ID                string
	Permits           int
	Images            ImageSet
	CleanupInterval   time.Duration
	HeartbeatInterval time.Duration
}

func (c *Config) defaults() {
	if c.CleanupInterval == 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
}

// Orchestrator owns the permit pool and the slot model for one host
// and drives its provisioner back-end.
type Orchestrator struct {
	cfg     Config
	bus     bus.Bus
	prov    provisioner.Provisioner
	permits *Permits
	slots   *Slots
	logger  zerolog.Logger
}

// New wires an orchestrator from its bus and provisioner back-end.
func New(b bus.Bus, prov provisioner.Provisioner, cfg Config) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{
		cfg:     cfg,
		bus:     b,
		prov:    prov,
		permits: NewPermits(cfg.ID, int64(cfg.Permits)),
		slots:   &Slots{Bus: b, Orchestrator: cfg.ID},
		logger: log.Derive(func(c *zerolog.Context) {
			*c = c.Str(log.FieldComponent, "orchestrator").Str(log.FieldOrchestrator, cfg.ID)
		}),
	}
}

// Jobs returns every job this orchestrator runs under the scheduler.
func (o *Orchestrator) Jobs() []harness.Job {
	return []harness.Job{
		harness.JobFunc{JobName: "slot-init", Graceful: false, Fn: o.initSlots},
		o.matcherJob(),
		o.provisioningJob(),
		o.terminationWatcherJob(),
		harness.JobFunc{JobName: "reconcile", Graceful: true, Fn: o.reconcile},
		heartbeat.NewJob(o.bus, event.KeyOrchestratorHeartbeat(o.cfg.ID), o.cfg.HeartbeatInterval),
	}
}

// initSlots aligns the durable slot count with the configured permit
// count and drains tokens left on the reclaimed queue by a previous
// incarnation. One-shot.
func (o *Orchestrator) initSlots(ctx context.Context, tm *harness.TaskManager) error {
	if _, err := o.slots.Recycle(ctx); err != nil {
		return err
	}
	if err := o.slots.Adjust(ctx, o.cfg.Permits); err != nil {
		return err
	}
	tm.Ready()
	o.logger.Info().Int("slots", o.cfg.Permits).Msg("slot model initialised")
	return nil
}

// matcherJob answers match requests for capabilities this host's image
// set can serve. Every orchestrator sees every request, so the group is
// keyed by instance id; non-matching requests are acked silently.
func (o *Orchestrator) matcherJob() harness.Job {
	return event.ConsumerJob{Consumer: &event.Consumer{
		Bus:    o.bus,
		Stream: event.StreamProvisionerMatch,
		Group:  "matcher." + o.cfg.ID,
		Name:   o.cfg.ID,
		Start:  bus.StartTail,
		Logger: o.logger,
		Handle: o.handleMatch,
	}}
}

func (o *Orchestrator) handleMatch(ctx context.Context, payload []byte) error {
	var req event.ProvisionerMatchRequest
	if err := event.Decode(payload, &req); err != nil {
		o.logger.Error().Err(err).Msg("undecodable match request dropped")
		return nil
	}
	alternatives, err := webdriver.ParseRequirements(req.RawCapabilities)
	if err != nil {
		return nil
	}
	if _, ok := o.cfg.Images.Match(alternatives); !ok {
		return nil
	}
	return event.Respond(ctx, o.bus, req.ResponseLocation, []byte(o.cfg.ID))
}

// provisioningJob consumes this orchestrator's assigned job stream.
func (o *Orchestrator) provisioningJob() harness.Job {
	return event.ConsumerJob{Consumer: &event.Consumer{
		Bus:    o.bus,
		Stream: event.StreamProvisioningJobs.WithSubkey(o.cfg.ID),
		Group:  "provisioner",
		Name:   o.cfg.ID,
		Start:  bus.StartHead,
		Logger: o.logger,
		Handle: o.handleProvision,
	}}
}

func (o *Orchestrator) handleProvision(ctx context.Context, payload []byte) error {
	var job event.ProvisioningJobAssigned
	if err := event.Decode(payload, &job); err != nil {
		o.logger.Error().Err(err).Msg("undecodable provisioning job dropped")
		return nil
	}
	logger := o.logger.With().Str(log.FieldSessionID, job.SessionID).Logger()

	alternatives, err := webdriver.ParseRequirements(job.RawCapabilities)
	if err != nil {
		return o.abort(ctx, job.SessionID, err)
	}
	image, ok := o.cfg.Images.Match(alternatives)
	if !ok {
		// The image set shrank between match and assignment.
		return o.abort(ctx, job.SessionID, errors.New("no image matches the assigned session"))
	}

	if err := o.permits.Acquire(ctx, job.SessionID); err != nil {
		return err
	}
	token, err := o.slots.Acquire(ctx, job.SessionID, slotAcquireTimeout)
	if err != nil {
		o.permits.Release(job.SessionID)
		if errors.Is(err, bus.ErrTimeout) {
			return o.abort(ctx, job.SessionID, errors.New("no slot token became available"))
		}
		return err
	}

	meta, err := o.prov.Provision(ctx, provisioner.Request{
		SessionID:       job.SessionID,
		RawCapabilities: job.RawCapabilities,
		Image:           image.Reference,
		SlotToken:       token,
		Orchestrator:    o.cfg.ID,
	})
	if err != nil {
		o.permits.Release(job.SessionID)
		if rerr := o.slots.Return(ctx, job.SessionID, token); rerr != nil {
			logger.Warn().Err(rerr).Msg("slot token lost on failed provisioning")
		}
		provisionedTotal.WithLabelValues(o.cfg.ID, "error").Inc()
		logger.Error().Err(err).Msg("provisioning failed")
		return o.abort(ctx, job.SessionID, err)
	}

	provisionedTotal.WithLabelValues(o.cfg.ID, "ok").Inc()
	logger.Info().Str(log.FieldEvent, "session.provisioned").Msg("session provisioned")
	return event.Publish(ctx, o.bus, event.StreamSessionProvisioned, event.SessionProvisioned{
		ID:          job.SessionID,
		Provisioner: o.cfg.ID,
		Meta:        meta,
	})
}

// abort publishes the terminal startup failure and acks the job.
func (o *Orchestrator) abort(ctx context.Context, sessionID string, cause error) error {
	return event.Publish(ctx, o.bus, event.StreamSessionTerminated, event.SessionTerminated{
		ID:     sessionID,
		Reason: event.StartupFailure(cause),
	})
}

// terminationWatcherJob releases the permit and recycles the slot token
// when one of this host's sessions terminates.
func (o *Orchestrator) terminationWatcherJob() harness.Job {
	return event.ConsumerJob{Consumer: &event.Consumer{
		Bus:    o.bus,
		Stream: event.StreamSessionTerminated,
		Group:  "orchestrator." + o.cfg.ID,
		Name:   o.cfg.ID,
		Start:  bus.StartTail,
		Logger: o.logger,
		Handle: o.handleTerminated,
	}}
}

func (o *Orchestrator) handleTerminated(ctx context.Context, payload []byte) error {
	var ev event.SessionTerminated
	if err := event.Decode(payload, &ev); err != nil {
		o.logger.Error().Err(err).Msg("undecodable termination dropped")
		return nil
	}
	if !o.permits.Release(ev.ID) {
		return nil
	}
	o.logger.Info().
		Str(log.FieldSessionID, ev.ID).
		Str(log.FieldReason, string(ev.Reason.Kind)).
		Msg("permit released")
	if err := o.slots.Unbind(ctx, ev.ID); err != nil {
		o.logger.Warn().Err(err).Str(log.FieldSessionID, ev.ID).Msg("slot binding cleanup failed")
	}
	if _, err := o.slots.Recycle(ctx); err != nil {
		return err
	}
	return nil
}

// reconcile covers lost termination events: every cleanup interval it
// purges exited deployments, asks the back-end which sessions still
// run, and frees permits for the rest.
func (o *Orchestrator) reconcile(ctx context.Context, tm *harness.TaskManager) error {
	tm.Ready()
	ticker := time.NewTicker(o.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.reconcileOnce(ctx)
		case <-tm.Termination():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) reconcileOnce(ctx context.Context) {
	// Tokens may land on the reclaimed queue after the termination
	// watcher's recycle pass; sweep them every tick.
	if _, err := o.slots.Recycle(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("slot recycle failed")
	}
	if err := o.prov.PurgeTerminated(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("purge of terminated deployments failed")
	}
	alive, err := o.prov.AliveSessions(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("alive session listing failed, skipping release pass")
		return
	}
	released := o.permits.ReleaseDead(alive)
	if len(released) > 0 {
		o.logger.Info().Strs("sessions", released).Msg("released permits of dead sessions")
	}
}
