// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	bb, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bb.Close() })

	fsb, err := NewFS(t.TempDir())
	require.NoError(t, err)

	return map[string]Backend{"badger": bb, "fs": fsb}
}

func TestPutOpenStat(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := Key("sess-1", "recording/index.m3u8")

			n, err := b.Put(ctx, key, []byte("#EXTM3U\n"))
			require.NoError(t, err)
			assert.EqualValues(t, 8, n)

			r, size, err := b.Open(ctx, key)
			require.NoError(t, err)
			defer r.Close()
			assert.EqualValues(t, 8, size)
			data, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, []byte("#EXTM3U\n"), data)

			size, err = b.Stat(ctx, key)
			require.NoError(t, err)
			assert.EqualValues(t, 8, size)
		})
	}
}

func TestMissingArtifact(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, _, err := b.Open(context.Background(), Key("nope", "x"))
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = b.Stat(context.Background(), Key("nope", "x"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFSRejectsTraversal(t *testing.T) {
	b, err := NewFS(t.TempDir())
	require.NoError(t, err)
	_, err = b.Put(context.Background(), "../escape", []byte("x"))
	assert.Error(t, err)
}

func TestContentType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"recording/index.m3u8", "application/vnd.apple.mpegurl"},
		{"recording/seg0.ts", "video/mp2t"},
		{"recorder.log", "text/plain; charset=utf-8"},
		{"blob", "application/octet-stream"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ContentType(tt.path), "path %s", tt.path)
	}
}
