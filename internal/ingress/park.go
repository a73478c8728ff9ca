// SPDX-License-Identifier: MIT

package ingress

import (
	"container/list"
	"encoding/json"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/browsergrid/browsergrid/internal/event"
)

var parkedRequests = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "grid_parked_requests",
	Help: "Session create requests currently awaiting an outcome",
})

// Stage tracks how far a parked session has progressed through the
// lifecycle. It selects the timeout category when the request overruns.
type Stage int

const (
	StageCreated Stage = iota
	StageScheduled
	StageProvisioned
)

// TimeoutReason maps the last observed stage to the termination
// category surfaced to the client.
func (s Stage) TimeoutReason() event.ReasonKind {
	switch s {
	case StageScheduled:
		return event.ReasonSchedulingTimeout
	case StageProvisioned:
		return event.ReasonNodeStartupTimeout
	default:
		return event.ReasonQueueTimeout
	}
}

// Outcome resolves one parked request. Exactly one of Capabilities and
// Failure is meaningful.
type Outcome struct {
	Capabilities json.RawMessage
	Failure      *event.TerminationReason
}

type parkSlot struct {
	id    string
	stage Stage
	ch    chan Outcome
}

// Parking is the bounded LRU of parked session-create requests. When
// capacity is exceeded the oldest waiter is resolved with a queue
// timeout so its client fails fast instead of hanging.
type Parking struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recent
	slots    map[string]*list.Element
}

// NewParking builds a park map bounded to capacity slots
// (0 = default 512).
func NewParking(capacity int) *Parking {
	if capacity <= 0 {
		capacity = 512
	}
	return &Parking{
		capacity: capacity,
		order:    list.New(),
		slots:    make(map[string]*list.Element),
	}
}

// Park inserts a waiter for the session id and returns its outcome
// channel. The channel receives exactly one value unless Drop is
// called first.
func (p *Parking) Park(id string) <-chan Outcome {
	p.mu.Lock()
	slot := &parkSlot{id: id, ch: make(chan Outcome, 1)}
	p.slots[id] = p.order.PushFront(slot)

	var evicted *parkSlot
	if p.order.Len() > p.capacity {
		oldest := p.order.Back()
		p.order.Remove(oldest)
		evicted = oldest.Value.(*parkSlot)
		delete(p.slots, evicted.id)
	}
	parkedRequests.Set(float64(p.order.Len()))
	p.mu.Unlock()

	if evicted != nil {
		evicted.ch <- Outcome{Failure: &event.TerminationReason{
			Kind:    event.ReasonQueueTimeout,
			Message: "request queue full, oldest request evicted",
		}}
	}
	return slot.ch
}

// Advance records lifecycle progress for a parked session. Stages only
// move forward; unknown ids are ignored.
func (p *Parking) Advance(id string, stage Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.slots[id]; ok {
		slot := el.Value.(*parkSlot)
		if stage > slot.stage {
			slot.stage = stage
		}
	}
}

// Resolve removes the waiter for id and delivers the outcome. Returns
// false when no waiter is parked; events for sessions created by other
// ingress instances land here.
func (p *Parking) Resolve(id string, out Outcome) bool {
	p.mu.Lock()
	el, ok := p.slots[id]
	if ok {
		p.order.Remove(el)
		delete(p.slots, id)
	}
	parkedRequests.Set(float64(p.order.Len()))
	p.mu.Unlock()

	if !ok {
		return false
	}
	el.Value.(*parkSlot).ch <- out
	return true
}

// Drop removes the waiter without delivering anything. Called when the
// client gives up (disconnect or timeout) and returns the last
// observed stage for error categorisation.
func (p *Parking) Drop(id string) Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.slots[id]
	if !ok {
		return StageCreated
	}
	p.order.Remove(el)
	delete(p.slots, id)
	parkedRequests.Set(float64(p.order.Len()))
	return el.Value.(*parkSlot).stage
}

// Len reports the number of parked requests.
func (p *Parking) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}
