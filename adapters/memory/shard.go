// Package memory provides in-memory implementations of storage ports.
// Stores are sharded by key hash to reduce lock contention.
package memory

import "hash/fnv"

const defaultShards = 32

// shardIndex returns the shard for a key using consistent hashing.
func shardIndex(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
