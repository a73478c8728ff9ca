// SPDX-License-Identifier: MIT

package heart

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLifetimeExceeded(t *testing.T) {
	h, _ := newForTest(20 * time.Millisecond)
	reason := h.Wait(context.Background())
	assert.Equal(t, LifetimeExceeded, reason.Kind)
}

func TestResetLifetimeSlides(t *testing.T) {
	h, stone := newForTest(50 * time.Millisecond)

	start := time.Now()
	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(30 * time.Millisecond)
			stone.ResetLifetime(0)
		}
	}()

	reason := h.Wait(context.Background())
	assert.Equal(t, LifetimeExceeded, reason.Kind)
	// Three resets at 30ms intervals must push death past the original 50ms window.
	assert.Greater(t, time.Since(start), 100*time.Millisecond)
}

func TestKillWins(t *testing.T) {
	h, stone := newForTest(time.Minute)
	go stone.Kill("closed by client")

	reason := h.Wait(context.Background())
	assert.Equal(t, ExternallyKilled, reason.Kind)
	assert.Equal(t, "closed by client", reason.Message)
}

func TestKillOnlyFirstReasonCounts(t *testing.T) {
	h, stone := newForTest(time.Minute)
	stone.Kill("first")
	stone.Kill("second")

	reason := h.Wait(context.Background())
	assert.Equal(t, "first", reason.Message)
}

func TestInfiniteLifetimeWaitsForKill(t *testing.T) {
	h, stone := newForTest(0)

	select {
	case <-h.done:
		t.Fatal("heart died without cause")
	case <-time.After(30 * time.Millisecond):
	}

	stone.Kill("done")
	assert.Equal(t, ExternallyKilled, h.Wait(context.Background()).Kind)
}

func TestContextCancellationTerminates(t *testing.T) {
	h, _ := newForTest(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, Terminated, h.Wait(ctx).Kind)
}

func TestResetAfterDeathIsNoop(t *testing.T) {
	h, stone := newForTest(10 * time.Millisecond)
	reason := h.Wait(context.Background())
	assert.Equal(t, LifetimeExceeded, reason.Kind)
	stone.ResetLifetime(time.Minute) // must not panic or revive
}
