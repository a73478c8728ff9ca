// SPDX-License-Identifier: MIT

package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/browsergrid/browsergrid/internal/bus"
)

var publishTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "grid_events_published_total",
		Help: "Lifecycle events appended to the bus",
	},
	[]string{"stream", "result"},
)

// Publish serializes v and appends it to the stream.
func Publish(ctx context.Context, b bus.Streams, spec StreamSpec, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", spec.Key, err)
	}
	if _, err := b.Append(ctx, spec.Key, spec.MaxLen, payload); err != nil {
		publishTotal.WithLabelValues(spec.Key, "error").Inc()
		return err
	}
	publishTotal.WithLabelValues(spec.Key, "ok").Inc()
	return nil
}

// Decode parses a stream payload into v.
func Decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}
