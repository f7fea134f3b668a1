package kv

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var dataBucket = []byte("kv")

// BoltStore implements AtomicKVStore using go.etcd.io/bbolt, the same
// embedded engine the teacher project uses for its cluster-state
// store (pkg/storage.BoltStore), here repurposed to back the raw
// key/value state machine instead of typed application records.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database file
// under dataDir for use as the Raft state machine's backing store.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "state.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dataBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create data bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// Mutate applies removes, then puts, then adjusts within one bbolt
// write transaction, which is itself atomic and — bbolt's default —
// fsync'd on commit. sync=false trades durability for latency by
// setting bbolt's NoSync for the duration of this single write.
func (s *BoltStore) Mutate(b Batch, sync bool) error {
	prevNoSync := s.db.NoSync
	s.db.NoSync = !sync
	defer func() { s.db.NoSync = prevNoSync }()

	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(dataBucket)

		for _, r := range b.RemoveRanges.AsList() {
			if err := deleteRange(bkt, r.Min, r.Max); err != nil {
				return err
			}
		}
		for _, key := range sortedKeys(b.Puts) {
			if err := bkt.Put([]byte(key), b.Puts[key]); err != nil {
				return err
			}
		}
		for _, key := range sortedAdjustKeys(b.Adjusts) {
			delta := b.Adjusts[key]
			cur := bkt.Get([]byte(key))
			val := decodeCounter(cur) + delta
			if err := bkt.Put([]byte(key), encodeCounter(val)); err != nil {
				return err
			}
		}
		return nil
	})
}

func deleteRange(bkt *bolt.Bucket, min, max []byte) error {
	c := bkt.Cursor()
	var keysToDelete [][]byte
	for k, _ := c.Seek(min); k != nil; k, _ = c.Next() {
		if max != nil && string(k) >= string(max) {
			break
		}
		keysToDelete = append(keysToDelete, append([]byte(nil), k...))
	}
	for _, k := range keysToDelete {
		if err := bkt.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	insertionSortStrings(keys)
	return keys
}

func sortedAdjustKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	insertionSortStrings(keys)
	return keys
}

func insertionSortStrings(keys []string) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
}

func encodeCounter(v int64) []byte {
	buf := make([]byte, 8)
	u := uint64(v)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(u)
		u >>= 8
	}
	return buf
}

func decodeCounter(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(b[i])
	}
	return int64(u)
}

// boltSnapshot is a read-only bbolt transaction wrapped as a Snapshot.
type boltSnapshot struct {
	tx *bolt.Tx
}

func (s *BoltStore) Snapshot() (Snapshot, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	return &boltSnapshot{tx: tx}, nil
}

func (s *boltSnapshot) Get(key []byte) ([]byte, bool) {
	bkt := s.tx.Bucket(dataBucket)
	v := bkt.Get(key)
	if v == nil {
		return nil, false
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true
}

func (s *boltSnapshot) Scan(min, max []byte, reverse bool, fn func(key, value []byte) bool) {
	bkt := s.tx.Bucket(dataBucket)
	c := bkt.Cursor()
	if !reverse {
		for k, v := c.Seek(min); k != nil; k, v = c.Next() {
			if max != nil && string(k) >= string(max) {
				return
			}
			if !fn(k, v) {
				return
			}
		}
		return
	}

	// Reverse scan: seek to the first key >= max (or the very last key
	// if unbounded), then walk backward while >= min.
	var k, v []byte
	if max == nil {
		k, v = c.Last()
	} else {
		k, v = c.Seek(max)
		if k == nil {
			k, v = c.Last()
		} else if string(k) >= string(max) {
			k, v = c.Prev()
		}
	}
	for ; k != nil; k, v = c.Prev() {
		if string(k) < string(min) {
			return
		}
		if !fn(k, v) {
			return
		}
	}
}

func (s *boltSnapshot) Release() {
	_ = s.tx.Rollback()
}
