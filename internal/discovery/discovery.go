// SPDX-License-Identifier: MIT

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/browsergrid/browsergrid/internal/bus"
	"github.com/browsergrid/browsergrid/internal/harness"
	"github.com/browsergrid/browsergrid/internal/log"
)

// ErrNotDiscovered is returned when no advertiser answers in time.
var ErrNotDiscovered = errors.New("discovery: no advertiser responded")

const (
	defaultCacheSize = 1000
	requestTimeout   = 5 * time.Second
)

// Announcement is the wire form of a discovery response.
type Announcement struct {
	Service  string `json:"service"`
	Endpoint string `json:"endpoint"`
}

// Endpoint is a discovered service location. FlagUnreachable evicts it
// from the cache so the next lookup re-discovers.
type Endpoint struct {
	URL string

	id string
	d  *Discoverer
}

// FlagUnreachable drops the cache entry behind this endpoint.
func (e Endpoint) FlagUnreachable() {
	if e.d != nil {
		e.d.evict(e.id)
	}
}

// Discoverer resolves descriptors to endpoints. Run its daemon job to
// keep the cache filled from announcement traffic.
type Discoverer struct {
	bus    bus.PubSub
	logger zerolog.Logger

	mu       sync.Mutex
	cache    *endpointCache
	inflight map[string]chan struct{} // closed when an announcement for the id lands
}

// NewDiscoverer builds a discoverer with the given cache size
// (0 = default 1000).
func NewDiscoverer(b bus.PubSub, cacheSize int) *Discoverer {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	return &Discoverer{
		bus:      b,
		logger:   log.WithComponent("discovery"),
		cache:    newEndpointCache(cacheSize),
		inflight: make(map[string]chan struct{}),
	}
}

// DaemonJob returns the background job that snoops the response
// channel and fills the cache.
func (d *Discoverer) DaemonJob() harness.Job {
	return harness.JobFunc{
		JobName:  "discovery.daemon",
		Graceful: true,
		Fn:       d.runDaemon,
	}
}

func (d *Discoverer) runDaemon(ctx context.Context, tm *harness.TaskManager) error {
	sub, err := d.bus.PSubscribe(ctx, responseChannel)
	if err != nil {
		return err
	}
	defer sub.Close()
	tm.Ready()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				tm.NewResourceHandle().ResourceDied()
				return errors.New("discovery: response subscription closed")
			}
			var ann Announcement
			if err := json.Unmarshal(msg.Payload, &ann); err != nil {
				d.logger.Warn().Err(err).Msg("malformed announcement")
				continue
			}
			d.store(ann.Service, ann.Endpoint)
		case <-tm.Termination():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Discoverer) store(id, endpoint string) {
	d.mu.Lock()
	d.cache.put(id, endpoint)
	if waiters, ok := d.inflight[id]; ok {
		close(waiters)
		delete(d.inflight, id)
	}
	d.mu.Unlock()
}

func (d *Discoverer) evict(id string) {
	d.mu.Lock()
	d.cache.evict(id)
	d.mu.Unlock()
}

// Discover resolves a descriptor, consulting the cache first.
// Concurrent callers for the same descriptor coalesce onto one
// in-flight request.
func (d *Discoverer) Discover(ctx context.Context, desc Descriptor) (Endpoint, error) {
	id := desc.ID()

	d.mu.Lock()
	if ep, ok := d.cache.get(id); ok {
		d.mu.Unlock()
		return Endpoint{URL: ep, id: id, d: d}, nil
	}
	waiter, requested := d.inflight[id]
	if !requested {
		waiter = make(chan struct{})
		d.inflight[id] = waiter
	}
	d.mu.Unlock()

	if !requested {
		if err := d.bus.Publish(ctx, desc.RequestChannel(), []byte("{}")); err != nil {
			d.abandon(id, waiter)
			return Endpoint{}, fmt.Errorf("publish discovery request: %w", err)
		}
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case <-waiter:
	case <-timer.C:
		d.abandon(id, waiter)
		return Endpoint{}, ErrNotDiscovered
	case <-ctx.Done():
		d.abandon(id, waiter)
		return Endpoint{}, ctx.Err()
	}

	d.mu.Lock()
	ep, ok := d.cache.get(id)
	d.mu.Unlock()
	if !ok {
		return Endpoint{}, ErrNotDiscovered
	}
	return Endpoint{URL: ep, id: id, d: d}, nil
}

// abandon drops the in-flight marker unless an announcement already
// resolved it.
func (d *Discoverer) abandon(id string, waiter chan struct{}) {
	d.mu.Lock()
	if current, ok := d.inflight[id]; ok && current == waiter {
		delete(d.inflight, id)
	}
	d.mu.Unlock()
}

// AdvertiserJob answers discovery requests for desc with endpoint
// while the job is alive.
func AdvertiserJob(b bus.PubSub, desc Descriptor, endpoint string) harness.Job {
	return harness.JobFunc{
		JobName:  "discovery.advertise:" + desc.ID(),
		Graceful: true,
		Fn: func(ctx context.Context, tm *harness.TaskManager) error {
			sub, err := b.PSubscribe(ctx, desc.RequestChannel())
			if err != nil {
				return err
			}
			defer sub.Close()

			payload, err := json.Marshal(Announcement{Service: desc.ID(), Endpoint: endpoint})
			if err != nil {
				return err
			}
			// Announce once proactively so passive caches warm up.
			if err := b.Publish(ctx, responseChannel, payload); err != nil {
				return err
			}
			tm.Ready()

			for {
				select {
				case msg, ok := <-sub.C():
					if !ok {
						tm.NewResourceHandle().ResourceDied()
						return errors.New("discovery: request subscription closed")
					}
					if _, ok := descriptorFromChannel(msg.Channel); !ok {
						continue
					}
					if err := b.Publish(ctx, responseChannel, payload); err != nil {
						return err
					}
				case <-tm.Termination():
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		},
	}
}
