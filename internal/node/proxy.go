// SPDX-License-Identifier: MIT

package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/browsergrid/browsergrid/internal/harness"
	"github.com/browsergrid/browsergrid/internal/harness/heart"
	"github.com/browsergrid/browsergrid/internal/storage"
	"github.com/browsergrid/browsergrid/internal/webdriver"
)

const uploadLimit = 64 << 20

// Proxy is the in-session HTTP front of the node: it intercepts
// termination and metadata calls, optionally takes file uploads, and
// forwards everything else to the WebDriver with the external session
// id rewritten to the driver-internal one. Every forwarded request
// resets the session's idle lifetime.
type Proxy struct {
	ExternalID  string
	InternalID  string
	Upstream    *url.URL
	Stone       *heart.Stone
	IdleTimeout time.Duration
	Metadata    chan<- map[string]string
	Store       storage.Backend
	Logger      zerolog.Logger

	rp *httputil.ReverseProxy
}

// Handler builds the responder chain.
func (p *Proxy) Handler() http.Handler {
	p.rp = &httputil.ReverseProxy{
		Director: p.rewrite,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.Logger.Warn().Err(err).Str("path", r.URL.Path).Msg("driver upstream failed")
			webdriver.WriteError(w, http.StatusBadGateway, webdriver.ErrUnknownError, "webdriver upstream unreachable", err.Error())
		},
	}

	r := chi.NewRouter()
	r.Post("/session/{session}/webgrid/metadata", p.handleMetadata)
	if p.Store != nil {
		r.Post("/session/{session}/webgrid/file", p.handleUpload)
	}
	r.HandleFunc("/session/{session}", p.forward)
	r.HandleFunc("/session/{session}/*", p.forward)
	return r
}

// rewrite swaps the external session id for the driver-internal one.
func (p *Proxy) rewrite(r *http.Request) {
	r.URL.Scheme = p.Upstream.Scheme
	r.URL.Host = p.Upstream.Host
	r.Host = p.Upstream.Host
	r.URL.Path = strings.Replace(r.URL.Path, "/session/"+p.ExternalID, "/session/"+p.InternalID, 1)
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "session") != p.ExternalID {
		webdriver.WriteError(w, http.StatusNotFound, webdriver.ErrUnknownError, "unknown session id", "")
		return
	}

	if r.Method == http.MethodDelete {
		tail := strings.TrimPrefix(r.URL.Path, "/session/"+p.ExternalID)
		if tail == "" || tail == "/window" {
			// The client is done; the forwarded call still gets a real
			// driver response before the node shuts down.
			p.Stone.Kill("session closed by client")
		}
	}

	p.Stone.ResetLifetime(p.IdleTimeout)
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) handleMetadata(w http.ResponseWriter, r *http.Request) {
	p.Stone.ResetLifetime(p.IdleTimeout)
	w.Header().Set("Content-Type", "application/json")

	var patch map[string]string
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&patch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
		return
	}

	select {
	case p.Metadata <- patch:
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	case <-r.Context().Done():
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": "metadata channel unavailable"})
	}
}

func (p *Proxy) handleUpload(w http.ResponseWriter, r *http.Request) {
	p.Stone.ResetLifetime(p.IdleTimeout)
	w.Header().Set("Content-Type", "application/json")

	path := r.URL.Query().Get("path")
	if path == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": "missing path parameter"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, uploadLimit))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
		return
	}
	if _, err := p.Store.Put(r.Context(), storage.Key(p.ExternalID, path), data); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

// Job serves the proxy on port until graceful termination.
func (p *Proxy) Job(port int) harness.Job {
	return harness.JobFunc{
		JobName:  "proxy",
		Graceful: true,
		Fn: func(ctx context.Context, tm *harness.TaskManager) error {
			// Cleartext HTTP/2 so the ingress can multiplex
			// in-session traffic over one connection.
			server := &http.Server{
				Handler:           h2c.NewHandler(p.Handler(), &http2.Server{}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
			if err != nil {
				return err
			}
			tm.Ready()

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
