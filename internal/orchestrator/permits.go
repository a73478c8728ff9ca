// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"
)

var permitsInUse = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "grid_permits_in_use",
		Help: "Permits currently held per orchestrator",
	},
	[]string{"orchestrator"},
)

// Permits is the bounded admission pool. At most one permit exists per
// session id; acquiring a held id is a no-op so redelivered provisioning
// jobs are safe.
type Permits struct {
	id  string
	sem *semaphore.Weighted

	mu   sync.Mutex
	held map[string]struct{}
}

// NewPermits builds a pool of capacity permits for the named
// orchestrator.
func NewPermits(orchestratorID string, capacity int64) *Permits {
	return &Permits{
		id:   orchestratorID,
		sem:  semaphore.NewWeighted(capacity),
		held: make(map[string]struct{}),
	}
}

// Acquire blocks until a permit is free and binds it to sessionID.
func (p *Permits) Acquire(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	if _, ok := p.held[sessionID]; ok {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.held[sessionID]; ok {
		// Lost the race against a concurrent redelivery.
		p.sem.Release(1)
		return nil
	}
	p.held[sessionID] = struct{}{}
	permitsInUse.WithLabelValues(p.id).Set(float64(len(p.held)))
	return nil
}

// Release frees the permit bound to sessionID. Reports whether one was
// held, so callers can skip slot recycling for foreign sessions.
func (p *Permits) Release(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.held[sessionID]; !ok {
		return false
	}
	delete(p.held, sessionID)
	p.sem.Release(1)
	permitsInUse.WithLabelValues(p.id).Set(float64(len(p.held)))
	return true
}

// ReleaseDead frees every permit whose session id is not in alive and
// returns the released ids.
func (p *Permits) ReleaseDead(alive []string) []string {
	living := make(map[string]struct{}, len(alive))
	for _, id := range alive {
		living[id] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var released []string
	for id := range p.held {
		if _, ok := living[id]; ok {
			continue
		}
		delete(p.held, id)
		p.sem.Release(1)
		released = append(released, id)
	}
	permitsInUse.WithLabelValues(p.id).Set(float64(len(p.held)))
	return released
}

// InUse returns the number of held permits.
func (p *Permits) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}
