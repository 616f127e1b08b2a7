package report

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUStore keeps recent records in memory and writes through to a backing
// Store. Misses are loaded from the backing store and promoted.
type LRUStore struct {
	cache *lru.Cache[string, *Record]
	back  Store
}

// NewLRUStore creates an LRU cache of the given capacity in front of back.
// A nil back keeps records in memory only. Capacity below 1 is raised to 1.
func NewLRUStore(capacity int, back Store) *LRUStore {
	if capacity < 1 {
		capacity = 1
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, *Record](capacity)
	return &LRUStore{cache: cache, back: back}
}

func (s *LRUStore) Save(rec *Record) error {
	s.cache.Add(rec.ID, rec)
	if s.back == nil {
		return nil
	}
	return s.back.Save(rec)
}

func (s *LRUStore) Load(id string) (*Record, error) {
	if rec, ok := s.cache.Get(id); ok {
		return rec, nil
	}
	if s.back == nil {
		return nil, ErrNotFound
	}
	rec, err := s.back.Load(id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, rec)
	return rec, nil
}

// Len returns the number of cached records.
func (s *LRUStore) Len() int {
	return s.cache.Len()
}
