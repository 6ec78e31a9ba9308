// Package syncutil holds the keyed locking primitive shared by the
// watcher's session state paths.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex is a fixed pool of mutexes keyed by string, used to guard
// per-session watcher state. A monitor tracking thousands of concurrent
// sessions would leak locks with a sync.Map of per-key mutexes; hashing
// the session ID into a fixed shard table bounds memory at the cost of
// occasional false sharing between sessions that land on the same shard.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%256]
}
