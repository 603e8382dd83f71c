// Package syncutil provides keyed locking primitives.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardCount is the number of lock shards.
const ShardCount = 256

// ShardedMutex is a fixed pool of mutexes keyed by string. Memory stays
// bounded no matter how many keys are seen; distinct keys may share a shard.
type ShardedMutex struct {
	shards [ShardCount]sync.Mutex
}

// Lock acquires the mutex for key and returns the unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[Shard(key)]
	mu.Lock()
	return mu.Unlock
}

// Shard returns the shard index of key.
func Shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % ShardCount)
}

// LockShard acquires shard i directly. It is used by sweepers that walk
// every shard in turn.
func (s *ShardedMutex) LockShard(i int) func() {
	mu := &s.shards[i%ShardCount]
	mu.Lock()
	return mu.Unlock
}
