// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSBackend stores artifacts as plain files under a root directory,
// e.g. a mounted shared volume.
type FSBackend struct {
	root string
}

// NewFS builds a filesystem backend rooted at dir.
func NewFS(dir string) (*FSBackend, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FSBackend{root: dir}, nil
}

func (b *FSBackend) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(b.root, clean), nil
}

func (b *FSBackend) Put(_ context.Context, key string, data []byte) (int64, error) {
	p, err := b.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return 0, fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o640); err != nil {
		return 0, fmt.Errorf("write artifact %s: %w", key, err)
	}
	return int64(len(data)), nil
}

func (b *FSBackend) Open(_ context.Context, key string) (io.ReadCloser, int64, error) {
	p, err := b.resolve(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open artifact %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat artifact %s: %w", key, err)
	}
	return f, info.Size(), nil
}

func (b *FSBackend) Stat(_ context.Context, key string) (int64, error) {
	p, err := b.resolve(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("stat artifact %s: %w", key, err)
	}
	return info.Size(), nil
}

func (b *FSBackend) Close() error { return nil }
