// SPDX-License-Identifier: MIT

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend keeps artifacts in an embedded badger database. Suited
// to single-host deployments where no shared object store exists.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the artifact database at path.
func OpenBadger(path string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) Put(_ context.Context, key string, data []byte) (int64, error) {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return 0, fmt.Errorf("store artifact %s: %w", key, err)
	}
	return int64(len(data)), nil
}

func (b *BadgerBackend) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	data, err := b.get(key)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (b *BadgerBackend) Stat(_ context.Context, key string) (int64, error) {
	data, err := b.get(key)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (b *BadgerBackend) get(key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", key, err)
	}
	return data, nil
}

func (b *BadgerBackend) Close() error { return b.db.Close() }
