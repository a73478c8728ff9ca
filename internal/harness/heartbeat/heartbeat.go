// SPDX-License-Identifier: MIT

// Package heartbeat maintains liveness keys in the coordination bus.
// A key that disappears means its owner is presumed dead.
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/browsergrid/browsergrid/internal/bus"
	"github.com/browsergrid/browsergrid/internal/harness"
	"github.com/browsergrid/browsergrid/internal/log"
)

// Job rewrites one key with a TTL on every tick and deletes it on
// termination.
type Job struct {
	Bus      bus.KV
	Key      string
	Interval time.Duration
	TTL      time.Duration
	Logger   zerolog.Logger
}

// NewJob builds a heartbeat job with the conventional 2:1 TTL to
// refresh ratio.
func NewJob(b bus.KV, key string, interval time.Duration) *Job {
	return &Job{
		Bus:      b,
		Key:      key,
		Interval: interval,
		TTL:      2 * interval,
		Logger:   log.WithComponent("heartbeat"),
	}
}

func (j *Job) Name() string                      { return "heartbeat:" + j.Key }
func (j *Job) SupportsGracefulTermination() bool { return true }

func (j *Job) Execute(ctx context.Context, tm *harness.TaskManager) error {
	if err := j.beat(ctx); err != nil {
		return err
	}
	tm.Ready()

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := j.beat(ctx); err != nil {
				return err
			}
		case <-tm.Termination():
			j.remove()
			return nil
		case <-ctx.Done():
			j.remove()
			return ctx.Err()
		}
	}
}

func (j *Job) beat(ctx context.Context) error {
	return j.Bus.Set(ctx, j.Key, []byte("alive"), j.TTL)
}

func (j *Job) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := j.Bus.Del(ctx, j.Key); err != nil {
		j.Logger.Warn().Err(err).Str("key", j.Key).Msg("heartbeat delete failed")
	}
}
