// ABOUTME: Generic string-keyed table split into independently locked shards
// ABOUTME: Lets per-agent state grow without a single map lock serializing every agent

package agent

import (
	"hash/fnv"
	"sync"
)

// shardCount is the number of independently locked shards.
const shardCount = 32

type shard[T any] struct {
	mu sync.RWMutex
	m  map[string]*T
}

// Table maps ids to values. Shard locks only guard the maps; values carry
// their own synchronization.
type Table[T any] struct {
	shards [shardCount]*shard[T]
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	t := &Table[T]{}
	for i := range t.shards {
		t.shards[i] = &shard[T]{m: make(map[string]*T)}
	}
	return t
}

func (t *Table[T]) shardFor(id string) *shard[T] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return t.shards[h.Sum32()%shardCount]
}

// Get returns the value for id.
func (t *Table[T]) Get(id string) (*T, bool) {
	s := t.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[id]
	return v, ok
}

// GetOrCreate returns the value for id, creating it with create if absent.
func (t *Table[T]) GetOrCreate(id string, create func() *T) *T {
	if v, ok := t.Get(id); ok {
		return v
	}
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[id]; ok {
		return v
	}
	v := create()
	s.m[id] = v
	return v
}

// Delete removes id.
func (t *Table[T]) Delete(id string) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

// Len returns the number of entries.
func (t *Table[T]) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Keys returns every id. The result is a snapshot; entries added or removed
// concurrently may or may not appear.
func (t *Table[T]) Keys() []string {
	var keys []string
	for _, s := range t.shards {
		s.mu.RLock()
		for k := range s.m {
			keys = append(keys, k)
		}
		s.mu.RUnlock()
	}
	return keys
}
