// SPDX-License-Identifier: MIT

package event

import (
	"context"

	"github.com/browsergrid/browsergrid/internal/harness"
)

// ConsumerJob runs a Consumer under the job scheduler. Ready is
// signalled once the consumer group exists; graceful termination stops
// the read loop cleanly.
type ConsumerJob struct {
	Consumer *Consumer
}

func (j ConsumerJob) Name() string {
	return "consume:" + j.Consumer.Stream.Key + ":" + j.Consumer.Group
}

func (j ConsumerJob) SupportsGracefulTermination() bool { return true }

func (j ConsumerJob) Execute(ctx context.Context, tm *harness.TaskManager) error {
	c := j.Consumer
	c.defaults()

	if err := c.Bus.EnsureGroup(ctx, c.Stream.Key, c.Group, c.Start); err != nil {
		return err
	}
	tm.Ready()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-tm.Termination():
			cancel()
		case <-done:
		}
	}()

	err := c.loop(ctx)
	select {
	case <-tm.Termination():
		return nil
	default:
		return err
	}
}
