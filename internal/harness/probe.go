// SPDX-License-Identifier: MIT

package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/browsergrid/browsergrid/internal/log"
)

// Health is the aggregate state derived from the job status map.
type Health string

const (
	HealthOperational   Health = "operational"
	HealthDegraded      Health = "degraded"
	HealthUnrecoverable Health = "unrecoverable"
)

// Overall folds the status map into one health value. A service with
// every job dead is unrecoverable; restart churn is degraded.
func Overall(statuses map[string]Status) Health {
	if len(statuses) == 0 {
		return HealthOperational
	}
	alive := 0
	degraded := false
	for _, st := range statuses {
		switch st {
		case StatusCrashLoopBackOff, StatusRestarting:
			degraded = true
			alive++
		case StatusTerminated:
		default:
			alive++
		}
	}
	if alive == 0 {
		return HealthUnrecoverable
	}
	if degraded {
		return HealthDegraded
	}
	return HealthOperational
}

type probeResponse struct {
	Status Health            `json:"status"`
	Jobs   map[string]Status `json:"jobs"`
}

// ProbeJob serves the job status map as JSON on /status and prometheus
// metrics on /metrics. HTTP 200/503/410 map to the three health states.
type ProbeJob struct {
	Scheduler *Scheduler
	Port      int
}

func (p *ProbeJob) Name() string                      { return "harness.probe" }
func (p *ProbeJob) SupportsGracefulTermination() bool { return true }

func (p *ProbeJob) Execute(ctx context.Context, tm *TaskManager) error {
	logger := log.WithComponent("probe")

	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		statuses := p.Scheduler.Statuses()
		resp := probeResponse{Status: Overall(statuses), Jobs: statuses}
		w.Header().Set("Content-Type", "application/json")
		switch resp.Status {
		case HealthDegraded:
			w.WriteHeader(http.StatusServiceUnavailable)
		case HealthUnrecoverable:
			w.WriteHeader(http.StatusGone)
		default:
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", p.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("probe listen: %w", err)
	}
	logger.Info().Int("port", p.Port).Msg("status probe listening")
	tm.Ready()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-tm.Termination():
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
