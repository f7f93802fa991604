package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

// BoltEngine stores each table in its own bbolt bucket.
type BoltEngine struct {
	db *bolt.DB
}

// OpenBolt opens or creates a bbolt database at the given path and creates
// every table.
func OpenBolt(dbPath string) (*BoltEngine, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if errors.Is(err, berrors.ErrTimeout) {
			return nil, &RetryableError{Op: "open database", Err: err}
		}
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range AllTables {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BoltEngine{db: db}, nil
}

// Close closes the database.
func (e *BoltEngine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

func (e *BoltEngine) Update(action string, fn func(Tx) error) error {
	if err := e.db.Update(func(tx *bolt.Tx) error { return fn(&boltTx{tx: tx}) }); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}

func (e *BoltEngine) View(action string, fn func(Tx) error) error {
	if err := e.db.View(func(tx *bolt.Tx) error { return fn(&boltTx{tx: tx}) }); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) bucket(table Table) (*bolt.Bucket, error) {
	b := t.tx.Bucket([]byte(table))
	if b == nil {
		return nil, fmt.Errorf("%s bucket not found", table)
	}
	return b, nil
}

func (t *boltTx) Writable() bool { return t.tx.Writable() }

func (t *boltTx) Get(table Table, key []byte) ([]byte, error) {
	b, err := t.bucket(table)
	if err != nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *boltTx) Put(table Table, key, value []byte) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	return b.Put(key, value)
}

func (t *boltTx) Delete(table Table, key []byte) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	return b.Delete(key)
}

func stopped(err error) error {
	if errors.Is(err, ErrStopScan) {
		return nil
	}
	return err
}

func (t *boltTx) Scan(table Table, prefix []byte, fn func(k, v []byte) error) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return stopped(err)
		}
	}
	return nil
}

func (t *boltTx) ScanFrom(table Table, start []byte, fn func(k, v []byte) error) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	c := b.Cursor()
	for k, v := c.Seek(start); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return stopped(err)
		}
	}
	return nil
}

func (t *boltTx) ScanReverse(table Table, prefix []byte, fn func(k, v []byte) error) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	c := b.Cursor()
	var k, v []byte
	if end := prefixEnd(prefix); end != nil {
		k, v = c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
	} else {
		k, v = c.Last()
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
		if err := fn(k, v); err != nil {
			return stopped(err)
		}
	}
	return nil
}

// prefixEnd returns the smallest key greater than every key with prefix,
// or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
