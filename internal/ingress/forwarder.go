// SPDX-License-Identifier: MIT

package ingress

import (
	"container/list"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"

	"github.com/browsergrid/browsergrid/internal/bus"
	"github.com/browsergrid/browsergrid/internal/discovery"
	"github.com/browsergrid/browsergrid/internal/event"
	"github.com/browsergrid/browsergrid/internal/log"
	"github.com/browsergrid/browsergrid/internal/webdriver"
)

// Forwarder proxies in-session WebDriver traffic to the session's node.
// The node endpoint comes from service discovery; the driver-internal
// session id comes from the bus and is cached after the first lookup.
type Forwarder struct {
	Discoverer *discovery.Discoverer
	Bus        bus.KV
	Logger     zerolog.Logger

	// Transport defaults to a cleartext HTTP/2 transport; tests
	// override it with an HTTP/1.1 one.
	Transport http.RoundTripper

	mu    sync.Mutex
	cache *routeCache
}

// h2cTransport speaks HTTP/2 without TLS, matching the node's server.
func h2cTransport() http.RoundTripper {
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

func (f *Forwarder) handleForward(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	ctx := log.ContextWithSessionID(r.Context(), sessionID)
	logger := log.WithFieldsFromContext(ctx, f.Logger)

	internalID, err := f.internalID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, bus.ErrNotFound) {
			webdriver.WriteError(w, http.StatusNotFound, webdriver.ErrUnknownError, "unknown session id", "")
			return
		}
		logger.Error().Err(err).Msg("upstream id lookup failed")
		webdriver.WriteError(w, http.StatusInternalServerError, webdriver.ErrUnknownError, "session lookup failed", err.Error())
		return
	}

	endpoint, err := f.Discoverer.Discover(ctx, discovery.NodeFor(sessionID))
	if err != nil {
		logger.Warn().Err(err).Msg("node discovery failed")
		webdriver.WriteError(w, http.StatusBadGateway, webdriver.ErrUnknownError, "session node not reachable", err.Error())
		return
	}

	target, err := url.Parse(endpoint.URL)
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEndpoint, endpoint.URL).Msg("malformed node endpoint")
		webdriver.WriteError(w, http.StatusBadGateway, webdriver.ErrUnknownError, "session node not reachable", err.Error())
		return
	}

	proxy := &httputil.ReverseProxy{
		Transport: f.transport(),
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
			req.URL.Path = strings.Replace(req.URL.Path, "/session/"+sessionID, "/session/"+internalID, 1)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			endpoint.FlagUnreachable()
			logger.Warn().Err(err).
				Str(log.FieldEndpoint, endpoint.URL).
				Msg("node upstream failed, endpoint flagged")
			webdriver.WriteError(w, http.StatusBadGateway, webdriver.ErrUnknownError, "session node unreachable", err.Error())
		},
	}
	proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (f *Forwarder) transport() http.RoundTripper {
	if f.Transport != nil {
		return f.Transport
	}
	return h2cTransport()
}

// internalID resolves the driver-internal session id, reading the bus
// only on cache miss.
func (f *Forwarder) internalID(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	if f.cache == nil {
		f.cache = newRouteCache(1000)
	}
	if id, ok := f.cache.get(sessionID); ok {
		f.mu.Unlock()
		return id, nil
	}
	f.mu.Unlock()

	value, err := f.Bus.HGet(ctx, event.KeySessionUpstream(sessionID), event.UpstreamFieldSessionID)
	if err != nil {
		return "", err
	}
	id := string(value)

	f.mu.Lock()
	f.cache.put(sessionID, id)
	f.mu.Unlock()
	return id, nil
}

// routeCache is a bounded LRU from external session id to the
// driver-internal one. Callers hold the Forwarder lock.
type routeCache struct {
	capacity int
	order    *list.List // front = most recent
	entries  map[string]*list.Element
}

type routeEntry struct {
	sessionID  string
	internalID string
}

func newRouteCache(capacity int) *routeCache {
	return &routeCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *routeCache) get(sessionID string) (string, bool) {
	el, ok := c.entries[sessionID]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(el)
	return el.Value.(*routeEntry).internalID, true
}

func (c *routeCache) put(sessionID, internalID string) {
	if el, ok := c.entries[sessionID]; ok {
		el.Value.(*routeEntry).internalID = internalID
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&routeEntry{sessionID: sessionID, internalID: internalID})
	c.entries[sessionID] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*routeEntry).sessionID)
	}
}
