// Package pebblestore implements store.ClaimStore on top of
// github.com/cockroachdb/pebble, the teacher's own default KV backend.
package pebblestore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/vocdoni/faucetd/claim"
)

const (
	claimPrefix = "claim/"
	seqKey      = "seq"
)

// Store is a Pebble-backed store.ClaimStore. Keys under the "claim/" prefix
// are an 8-byte big-endian sequence number so LoadQueue's key-ordered
// iteration also yields insertion order, which is what defines queueIdx
// assignment on restore.
type Store struct {
	mu  sync.Mutex
	db  *pebble.DB
	seq uint64
}

// New opens (creating if necessary) a Pebble database at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pebble dir: %w", err)
	}
	opts := &pebble.Options{
		Levels: []pebble.LevelOptions{
			{Compression: pebble.SnappyCompression},
		},
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	s := &Store{db: db}
	if err := s.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadSeq() error {
	v, closer, err := s.db.Get([]byte(seqKey))
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read sequence counter: %w", err)
	}
	defer closer.Close()
	s.seq = binary.BigEndian.Uint64(v)
	return nil
}

func claimKey(seq uint64) []byte {
	k := make([]byte, len(claimPrefix)+8)
	copy(k, claimPrefix)
	binary.BigEndian.PutUint64(k[len(claimPrefix):], seq)
	return k
}

// LoadQueue returns every persisted claim in insertion order.
func (s *Store) LoadQueue() ([]claim.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lower := []byte(claimPrefix)
	upper := keyUpperBound(lower)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("iterate claim queue: %w", err)
	}
	defer iter.Close()

	var records []claim.Record
	for iter.First(); iter.Valid(); iter.Next() {
		r, err := claim.Decode(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("decode claim at %x: %w", iter.Key(), err)
		}
		records = append(records, r)
	}
	return records, iter.Error()
}

// Add persists r under a fresh sequence number.
func (s *Store) Add(r claim.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := claim.Encode(r)
	if err != nil {
		return fmt.Errorf("encode claim record: %w", err)
	}

	s.seq++
	batch := s.db.NewBatch()
	if err := batch.Set(claimKey(s.seq), data, nil); err != nil {
		return err
	}
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, s.seq)
	if err := batch.Set([]byte(seqKey), seqBytes, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Remove deletes the claim whose record has the given session id, if any.
func (s *Store) Remove(session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lower := []byte(claimPrefix)
	upper := keyUpperBound(lower)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("iterate claim queue: %w", err)
	}
	defer iter.Close()

	var matchKey []byte
	for iter.First(); iter.Valid(); iter.Next() {
		r, err := claim.Decode(iter.Value())
		if err != nil {
			return fmt.Errorf("decode claim at %x: %w", iter.Key(), err)
		}
		if r.Session == session {
			matchKey = bytes.Clone(iter.Key())
			break
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if matchKey == nil {
		return nil
	}
	return s.db.Delete(matchKey, pebble.Sync)
}

// Close closes the underlying Pebble handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func keyUpperBound(b []byte) []byte {
	end := bytes.Clone(b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
