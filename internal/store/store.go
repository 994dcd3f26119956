// Package store wraps the embedded key-value database that holds all
// durable state: cameras, movements, settings and disk-cleanup status.
// Keys are strings and values are raw JSON; namespaces are key prefixes
// inside a single badger instance, so range scans stay in lexicographic
// (and therefore chronological) order.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Namespace prefixes. The trailing slash keeps them disjoint.
const (
	prefixCameras    = "cameras/"
	prefixMovements  = "movements/"
	prefixSettings   = "settings/"
	prefixDiskStatus = "diskstatus/"
)

// Store owns the badger database.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", dir, err)
	}

	return &Store{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// OpenInMemory opens a throwaway in-memory database. Used by tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory store: %w", err)
	}
	return &Store{db: db, logger: slog.Default().With("component", "store")}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cameras returns the camera namespace.
func (s *Store) Cameras() *Namespace { return &Namespace{db: s.db, prefix: []byte(prefixCameras)} }

// Movements returns the movement namespace.
func (s *Store) Movements() *Namespace {
	return &Namespace{db: s.db, prefix: []byte(prefixMovements)}
}

// Settings returns the settings namespace.
func (s *Store) Settings() *Namespace { return &Namespace{db: s.db, prefix: []byte(prefixSettings)} }

// DiskStatus returns the disk-status namespace.
func (s *Store) DiskStatus() *Namespace {
	return &Namespace{db: s.db, prefix: []byte(prefixDiskStatus)}
}

// Namespace is a prefixed view over the database. All keys passed in and
// handed back are relative to the namespace (prefix stripped).
type Namespace struct {
	db     *badger.DB
	prefix []byte
}

func (n *Namespace) fullKey(key string) []byte {
	return append(append([]byte{}, n.prefix...), key...)
}

// Get returns the value for key, or ErrNotFound.
func (n *Namespace) Get(key string) ([]byte, error) {
	var value []byte
	err := n.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(n.fullKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store get %s%s: %w", n.prefix, key, err)
	}
	return value, nil
}

// Put writes value under key.
func (n *Namespace) Put(key string, value []byte) error {
	err := n.db.Update(func(txn *badger.Txn) error {
		return txn.Set(n.fullKey(key), value)
	})
	if err != nil {
		return fmt.Errorf("store put %s%s: %w", n.prefix, key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (n *Namespace) Delete(key string) error {
	err := n.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(n.fullKey(key))
	})
	if err != nil {
		return fmt.Errorf("store delete %s%s: %w", n.prefix, key, err)
	}
	return nil
}

// DeleteBatch removes all keys in one atomic write batch.
func (n *Namespace) DeleteBatch(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	wb := n.db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range keys {
		if err := wb.Delete(n.fullKey(key)); err != nil {
			return fmt.Errorf("store batch delete %s%s: %w", n.prefix, key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("store batch flush: %w", err)
	}
	return nil
}

// IterOptions bound a range scan. Bounds are namespace-relative keys and
// may be empty. Limit 0 means unlimited.
type IterOptions struct {
	Reverse bool
	GT      string
	GTE     string
	LT      string
	LTE     string
	Limit   int
}

// Iterate walks the namespace in key order (reverse when opts.Reverse)
// inside a read snapshot. fn returns false to stop early.
func (n *Namespace) Iterate(opts IterOptions, fn func(key string, value []byte) (bool, error)) error {
	var lower, upper []byte // inclusive bounds after adjustment
	lowerExcl, upperExcl := false, false
	if opts.GTE != "" {
		lower = n.fullKey(opts.GTE)
	} else if opts.GT != "" {
		lower = n.fullKey(opts.GT)
		lowerExcl = true
	}
	if opts.LTE != "" {
		upper = n.fullKey(opts.LTE)
	} else if opts.LT != "" {
		upper = n.fullKey(opts.LT)
		upperExcl = true
	}

	return n.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Reverse = opts.Reverse
		iopts.Prefix = n.prefix
		it := txn.NewIterator(iopts)
		defer it.Close()

		if opts.Reverse {
			// Position at the largest key within bounds.
			if upper != nil {
				it.Seek(upper)
			} else {
				it.Seek(append(append([]byte{}, n.prefix...), 0xFF))
			}
		} else {
			if lower != nil {
				it.Seek(lower)
			} else {
				it.Seek(n.prefix)
			}
		}

		count := 0
		for ; it.ValidForPrefix(n.prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if opts.Reverse {
				if upperExcl && bytes.Equal(key, upper) {
					continue
				}
				if lower != nil {
					if cmp := bytes.Compare(key, lower); cmp < 0 || (lowerExcl && cmp == 0) {
						break
					}
				}
			} else {
				if lowerExcl && bytes.Equal(key, lower) {
					continue
				}
				if upper != nil {
					if cmp := bytes.Compare(key, upper); cmp > 0 || (upperExcl && cmp == 0) {
						break
					}
				}
			}

			var cont bool
			err := it.Item().Value(func(val []byte) error {
				var err error
				cont, err = fn(string(key[len(n.prefix):]), val)
				return err
			})
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
			count++
			if opts.Limit > 0 && count >= opts.Limit {
				return nil
			}
		}
		return nil
	})
}

// Count returns the number of keys in the namespace.
func (n *Namespace) Count() (int, error) {
	count := 0
	err := n.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = n.prefix
		iopts.PrefetchValues = false
		it := txn.NewIterator(iopts)
		defer it.Close()
		for it.Seek(n.prefix); it.ValidForPrefix(n.prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Keys returns every key in the namespace, in order. Intended for small
// namespaces (cameras, diskstatus).
func (n *Namespace) Keys() ([]string, error) {
	var keys []string
	err := n.Iterate(IterOptions{}, func(key string, _ []byte) (bool, error) {
		keys = append(keys, key)
		return true, nil
	})
	return keys, err
}
