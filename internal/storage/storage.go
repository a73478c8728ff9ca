// SPDX-License-Identifier: MIT

// Package storage is the session artifact blob store: recording
// manifests, video segments and uploaded files, keyed by
// "<session-id>/<path>".
package storage

import (
	"context"
	"errors"
	"io"
	"mime"
	"path"
)

// ErrNotFound is returned for missing artifacts.
var ErrNotFound = errors.New("storage: artifact not found")

// Backend stores and serves session artifacts.
type Backend interface {
	// Put stores data under key, replacing any previous value, and
	// returns the stored size.
	Put(ctx context.Context, key string, data []byte) (int64, error)
	// Open returns a reader over the artifact and its size.
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	// Stat returns the artifact size.
	Stat(ctx context.Context, key string) (int64, error)
	Close() error
}

// Key builds the canonical artifact key.
func Key(sessionID, artifactPath string) string {
	return sessionID + "/" + artifactPath
}

// ContentType guesses a MIME type from the artifact path, defaulting
// to application/octet-stream.
func ContentType(artifactPath string) string {
	switch path.Ext(artifactPath) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".m4s":
		return "video/iso.segment"
	case ".log", ".txt":
		return "text/plain; charset=utf-8"
	}
	if ct := mime.TypeByExtension(path.Ext(artifactPath)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
