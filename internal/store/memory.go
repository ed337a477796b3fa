package store

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryStore struct {
	entries *expirable.LRU[string, Entry]
}

// NewMemory returns an in-process store bounded to maxEntries (0 means
// unbounded) whose entries also expire after ttl.
func NewMemory(maxEntries int, ttl time.Duration) Store {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &memoryStore{entries: expirable.NewLRU[string, Entry](maxEntries, nil, ttl)}
}

func (s *memoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	entry, ok := s.entries.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	if entry.Expired(time.Now()) {
		s.entries.Remove(key)
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (s *memoryStore) Put(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	s.entries.Add(key, cloneEntry(stamp(entry, ttl)))
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.entries.Remove(key)
	return nil
}

func (s *memoryStore) ScanKeys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for _, key := range s.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *memoryStore) Size(_ context.Context) (int64, error) {
	return int64(s.entries.Len()), nil
}

func (s *memoryStore) Close(_ context.Context) error {
	s.entries.Purge()
	return nil
}
