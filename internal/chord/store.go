package chord

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zde37/chordkv/internal/ring"
	"github.com/zde37/chordkv/pkg"
)

// KeyStore holds the key/value data a node owns. Several original keys may
// hash to the same ring position, so entries are grouped by hashed id.
// Values are copied on the way in and out.
type KeyStore struct {
	mu   sync.RWMutex
	data map[ring.ID]map[string][]byte

	puts   atomic.Int64
	hits   atomic.Int64
	misses atomic.Int64
}

// StoreStats is a point-in-time view of store activity.
type StoreStats struct {
	Positions int   // distinct hashed ids
	Keys      int   // distinct original keys
	Puts      int64 // key writes, including overwrites
	Hits      int64
	Misses    int64
}

// NewKeyStore creates an empty store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		data: make(map[ring.ID]map[string][]byte),
	}
}

// Put stores value under (hashed, key), overwriting any earlier value for
// that original key.
func (s *KeyStore) Put(hashed ring.ID, key string, value []byte) {
	s.Merge(hashed, map[string][]byte{key: value})
}

// Merge folds entries into the group at hashed, creating it if absent.
func (s *KeyStore) Merge(hashed ring.ID, entries map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.data[hashed]
	if !ok {
		group = make(map[string][]byte, len(entries))
		s.data[hashed] = group
	}
	for key, value := range entries {
		group[key] = copyBytes(value)
		s.puts.Add(1)
	}
}

// Get returns the value stored under (hashed, key) or pkg.ErrNotFound.
func (s *KeyStore) Get(hashed ring.ID, key string) ([]byte, error) {
	s.mu.RLock()
	value, ok := s.data[hashed][key]
	s.mu.RUnlock()

	if !ok {
		s.misses.Add(1)
		return nil, pkg.ErrNotFound
	}

	s.hits.Add(1)
	return copyBytes(value), nil
}

// Len returns the number of original keys stored.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, group := range s.data {
		n += len(group)
	}
	return n
}

// Positions returns the hashed ids that hold data, ascending.
func (s *KeyStore) Positions() []ring.ID {
	s.mu.RLock()
	ids := make([]ring.ID, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats returns current store statistics.
func (s *KeyStore) Stats() StoreStats {
	s.mu.RLock()
	positions := len(s.data)
	keys := 0
	for _, group := range s.data {
		keys += len(group)
	}
	s.mu.RUnlock()

	return StoreStats{
		Positions: positions,
		Keys:      keys,
		Puts:      s.puts.Load(),
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
	}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
