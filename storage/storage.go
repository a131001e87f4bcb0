/*
Package storage implements the key-value tables used by the oracle and the relay.
Every table is a key prefix inside one LevelDB database. Writes are collected in a Batch
and applied atomically, so an operation either persists all of its changes or none of them.
*/
package storage

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Table is the key prefix of one logical table.
type Table string

// Key builds the full database key of k inside the table.
func (t Table) Key(k []byte) []byte {
	key := make([]byte, 0, len(t)+1+len(k))
	key = append(key, t...)
	key = append(key, '/')
	return append(key, k...)
}

// Store wraps a LevelDB database.
type Store struct {
	db   *leveldb.DB
	sync bool
}

// Open opens (or creates) a database in dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("storage directory cannot be empty")
	}
	db, err := leveldb.OpenFile(filepath.Clean(dir), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb at %s", dir)
	}
	return &Store{db: db, sync: true}, nil
}

// OpenMemory opens a database that lives in memory only.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "open in-memory leveldb")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored under k. The boolean is false when the key is absent.
func (s *Store) Get(t Table, k []byte) ([]byte, bool, error) {
	val, err := s.db.Get(t.Key(k), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "get %s", t)
	}
	return val, true, nil
}

// Has reports whether k exists in the table.
func (s *Store) Has(t Table, k []byte) (bool, error) {
	ok, err := s.db.Has(t.Key(k), nil)
	if err != nil {
		return false, errors.Wrapf(err, "has %s", t)
	}
	return ok, nil
}

// GetObject decodes the msgpack value stored under k into out.
func (s *Store) GetObject(t Table, k []byte, out interface{}) (bool, error) {
	val, ok, err := s.Get(t, k)
	if err != nil || !ok {
		return ok, err
	}
	if err := Decode(val, out); err != nil {
		return false, errors.Wrapf(err, "decode %s", t)
	}
	return true, nil
}

// Iterate calls fn for every entry of the table in key order. The key passed to fn has the
// table prefix removed. Iteration stops at the first error returned by fn.
func (s *Store) Iterate(t Table, fn func(k, v []byte) error) error {
	return s.IteratePrefix(t, nil, fn)
}

// IteratePrefix is Iterate restricted to the keys of t starting with prefix.
func (s *Store) IteratePrefix(t Table, prefix []byte, fn func(k, v []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix(t.Key(prefix)), nil)
	defer iter.Release()
	strip := len(t) + 1
	for iter.Next() {
		k := append([]byte(nil), iter.Key()[strip:]...)
		v := append([]byte(nil), iter.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return errors.Wrapf(iter.Error(), "iterate %s", t)
}

// NewBatch starts an atomic write set.
func (s *Store) NewBatch() *Batch {
	return &Batch{store: s, b: new(leveldb.Batch)}
}

// Batch collects writes that are applied together by Commit.
type Batch struct {
	store *Store
	b     *leveldb.Batch
	err   error
}

// Put stages a raw value.
func (b *Batch) Put(t Table, k, v []byte) {
	b.b.Put(t.Key(k), v)
}

// PutObject stages the msgpack encoding of v. An encoding failure is reported by Commit.
func (b *Batch) PutObject(t Table, k []byte, v interface{}) {
	if b.err != nil {
		return
	}
	enc, err := Encode(v)
	if err != nil {
		b.err = errors.Wrapf(err, "encode %s", t)
		return
	}
	b.b.Put(t.Key(k), enc)
}

// Delete stages the removal of k.
func (b *Batch) Delete(t Table, k []byte) {
	b.b.Delete(t.Key(k))
}

// Len returns the number of staged writes.
func (b *Batch) Len() int {
	return b.b.Len()
}

// Commit applies all staged writes atomically.
func (b *Batch) Commit() error {
	if b.err != nil {
		return b.err
	}
	if b.b.Len() == 0 {
		return nil
	}
	return errors.Wrap(b.store.db.Write(b.b, &opt.WriteOptions{Sync: b.store.sync}), "commit batch")
}
