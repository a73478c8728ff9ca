// SPDX-License-Identifier: MIT

// Package ingress is the grid's single HTTP front door: it creates
// sessions, proxies in-session WebDriver traffic to nodes, serves
// recorded artifacts and forwards everything else to an advertised
// metadata API.
package ingress

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/browsergrid/browsergrid/internal/bus"
	"github.com/browsergrid/browsergrid/internal/discovery"
	"github.com/browsergrid/browsergrid/internal/harness"
	"github.com/browsergrid/browsergrid/internal/log"
	"github.com/browsergrid/browsergrid/internal/storage"
)

// Config carries the ingress listen address and limits.
type Config struct {
	Host string
	Port int

	// RequestLimit bounds concurrently parked session creates.
	RequestLimit int
	// CreateTimeout caps the whole create path: queue, scheduling and
	// node startup together.
	CreateTimeout time.Duration
	// CacheSize bounds the discovery endpoint cache.
	CacheSize int
	// CreateRatePerMinute caps session creates per client IP.
	CreateRatePerMinute int
}

func (c *Config) defaults() {
	if c.Port == 0 {
		c.Port = 40004
	}
	if c.RequestLimit == 0 {
		c.RequestLimit = 512
	}
	if c.CreateTimeout == 0 {
		c.CreateTimeout = 2 * time.Minute
	}
	if c.CreateRatePerMinute == 0 {
		c.CreateRatePerMinute = 120
	}
}

// Ingress terminates client HTTP traffic for the grid.
type Ingress struct {
	cfg        Config
	bus        bus.Bus
	discoverer *discovery.Discoverer
	creator    *Creator
	forwarder  *Forwarder
	artifacts  *Artifacts
	instance   string
	logger     zerolog.Logger
}

// New wires an ingress. store may be nil; artifact requests then 404.
func New(b bus.Bus, store storage.Backend, cfg Config) *Ingress {
	cfg.defaults()
	logger := log.WithComponent("ingress")
	disc := discovery.NewDiscoverer(b, cfg.CacheSize)
	return &Ingress{
		cfg:        cfg,
		bus:        b,
		discoverer: disc,
		creator: &Creator{
			Bus:     b,
			Parking: NewParking(cfg.RequestLimit),
			Timeout: cfg.CreateTimeout,
			Logger:  logger,
		},
		forwarder: &Forwarder{
			Discoverer: disc,
			Bus:        b,
			Logger:     logger,
			Transport:  h2cTransport(),
		},
		artifacts: &Artifacts{Store: store, Logger: logger},
		instance:  uuid.NewString(),
		logger:    logger,
	}
}

// Handler builds the responder chain. Order matters: in-session
// traffic is the hot path, creation the rare case, artifacts are
// read-heavy but infrequent, everything else falls through to the
// advertised metadata API.
func (i *Ingress) Handler() http.Handler {
	r := chi.NewRouter()
	r.HandleFunc("/session/{session}", i.forwarder.handleForward)
	r.HandleFunc("/session/{session}/*", i.forwarder.handleForward)
	r.With(httprate.LimitByIP(i.cfg.CreateRatePerMinute, time.Minute)).
		Post("/session", i.creator.handleCreate)
	r.Get("/storage/{session}/*", i.artifacts.handleGet)
	r.Options("/storage/{session}/*", i.artifacts.handleOptions)
	r.NotFound(i.handleCatchAll)
	return r
}

// handleCatchAll forwards unmatched requests to the advertised
// metadata API, or 404s when none is up.
func (i *Ingress) handleCatchAll(w http.ResponseWriter, r *http.Request) {
	// Unmatched requests do not deserve the full discovery timeout.
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	endpoint, err := i.discoverer.Discover(ctx, discovery.Descriptor{Kind: discovery.KindAPI})
	if err != nil {
		http.NotFound(w, r)
		return
	}
	target, err := url.Parse(endpoint.URL)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		endpoint.FlagUnreachable()
		logger := log.WithComponentFromContext(r.Context(), "ingress")
		logger.Warn().Err(err).Str(log.FieldEndpoint, endpoint.URL).Msg("api upstream failed")
		http.Error(w, "api unavailable", http.StatusBadGateway)
	}
	proxy.ServeHTTP(w, r)
}

// Jobs returns everything the ingress runs under the scheduler: the
// HTTP server, the discovery daemon and the park listeners.
func (i *Ingress) Jobs() []harness.Job {
	jobs := []harness.Job{
		i.serverJob(),
		i.discoverer.DaemonJob(),
	}
	return append(jobs, i.creator.listenerJobs(i.instance)...)
}

func (i *Ingress) serverJob() harness.Job {
	return harness.JobFunc{
		JobName:  "ingress.server",
		Graceful: true,
		Fn: func(ctx context.Context, tm *harness.TaskManager) error {
			server := &http.Server{
				Handler:           i.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			listener, err := net.Listen("tcp", i.cfg.Host+":"+strconv.Itoa(i.cfg.Port))
			if err != nil {
				return err
			}
			tm.Ready()
			i.logger.Info().Str(log.FieldEndpoint, listener.Addr().String()).Msg("ingress listening")

			errCh := make(chan error, 1)
			go func() { errCh <- server.Serve(listener) }()

			select {
			case err := <-errCh:
				return err
			case <-tm.Termination():
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}
