// Package syncutil provides small concurrency helpers shared by the
// service packages.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// shardCount bounds memory no matter how many distinct entity IDs pass
// through. Must be a power of two.
const shardCount = 128

// ShardedMutex serializes work per entity ID (booking, withdrawal,
// dispute, ticket) without allocating a mutex per key. IDs that hash to
// the same shard contend with each other, which is acceptable for
// request-scoped critical sections.
//
// The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard owning id and returns its unlock function,
// intended for `unlock := locks.Lock(id); defer unlock()`.
func (s *ShardedMutex) Lock(id string) func() {
	mu := &s.shards[shardIndex(id)]
	mu.Lock()
	return mu.Unlock
}

func shardIndex(id string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32() & (shardCount - 1)
}
