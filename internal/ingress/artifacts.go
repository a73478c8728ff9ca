// SPDX-License-Identifier: MIT

package ingress

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/browsergrid/browsergrid/internal/log"
	"github.com/browsergrid/browsergrid/internal/storage"
)

// Artifacts serves recorded session artifacts out of the blob store.
// Responses carry permissive CORS headers so dashboards on other
// origins can embed recordings.
type Artifacts struct {
	Store  storage.Backend
	Logger zerolog.Logger
}

func corsHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET")
}

func (a *Artifacts) handleOptions(w http.ResponseWriter, r *http.Request) {
	corsHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *Artifacts) handleGet(w http.ResponseWriter, r *http.Request) {
	corsHeaders(w)

	sessionID := chi.URLParam(r, "session")
	artifactPath := chi.URLParam(r, "*")
	if a.Store == nil || artifactPath == "" {
		http.NotFound(w, r)
		return
	}

	reader, size, err := a.Store.Open(r.Context(), storage.Key(sessionID, artifactPath))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		a.Logger.Error().Err(err).Str(log.FieldSessionID, sessionID).Msg("artifact read failed")
		http.Error(w, "artifact read failed", http.StatusInternalServerError)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", storage.ContentType(artifactPath))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	_, _ = io.Copy(w, reader)
}
