package storage

import (
	"errors"
	"hash/fnv"
	"math/bits"
	"sync"

	"github.com/stratumcache/stratum/internal/compress"
)

// ShardedMapStorage is a thread-safe key-value storage,
// divided into segments (shards) to reduce contention for locking
type ShardedMapStorage struct {
	shards    []*MapStorage
	shardMask uint32
}

// NewShardedMapStorage creates a new instance of ShardedMapStorage.
// The requestedShards parameter must be a power of two for efficient allocation.
// The maximum allowed number of shards is 64.
func NewShardedMapStorage(requestedShards uint, engine *compress.Engine) (*ShardedMapStorage, error) {
	if bits.OnesCount(requestedShards) != 1 {
		return nil, errors.New("requested shards must be a power of 2")
	}

	if requestedShards > 64 {
		return nil, errors.New("requested shards must be less or equal than 64")
	}

	s := &ShardedMapStorage{
		shards:    make([]*MapStorage, requestedShards),
		shardMask: uint32(requestedShards - 1),
	}

	var i uint
	for i = 0; i < requestedShards; i++ {
		s.shards[i] = NewMapStorage(engine)
	}

	return s, nil
}

// getShardIndex returns index of shard by key
func (s *ShardedMapStorage) getShardIndex(key string) uint32 {
	hash := fnv.New32a()
	hash.Write([]byte(key)) //nolint:errcheck

	return hash.Sum32() & s.shardMask
}

// Get returns the flags, the decompressed value and true if the key is found.
func (s *ShardedMapStorage) Get(key string) (uint32, []byte, bool, error) {
	return s.shards[s.getShardIndex(key)].Get(key)
}

// Set writes the value based on the options. Returns true if recording has been performed.
func (s *ShardedMapStorage) Set(key string, value []byte, options SetOptions) bool {
	return s.shards[s.getShardIndex(key)].Set(key, value, options)
}

// Delete deletes the key. Returns true if the key existed and was deleted.
func (s *ShardedMapStorage) Delete(key string) bool {
	return s.shards[s.getShardIndex(key)].Delete(key)
}

// View returns entry metadata without materializing the payload.
func (s *ShardedMapStorage) View(key string) (Meta, bool) {
	return s.shards[s.getShardIndex(key)].View(key)
}

// Materialize returns the full decompressed value if the entry's
// generation still matches gen.
func (s *ShardedMapStorage) Materialize(key string, gen uint64) ([]byte, bool, error) {
	return s.shards[s.getShardIndex(key)].Materialize(key, gen)
}

// Incr adds delta to a numeric value, saturating at the uint64 bounds.
func (s *ShardedMapStorage) Incr(key string, delta uint64) (uint64, bool, error) {
	return s.shards[s.getShardIndex(key)].Incr(key, delta)
}

// Decr subtracts delta from a numeric value, saturating at zero.
func (s *ShardedMapStorage) Decr(key string, delta uint64) (uint64, bool, error) {
	return s.shards[s.getShardIndex(key)].Decr(key, delta)
}

// DeleteExpired randomly samples up to limit keys from each shard and
// deletes the expired ones. Returns the average expired/checked ratio.
func (s *ShardedMapStorage) DeleteExpired(limit int) float64 {
	var wg sync.WaitGroup
	var totalRatio float64
	var mu sync.Mutex // protects totalRatio

	shardCount := len(s.shards)
	wg.Add(shardCount)

	for _, shard := range s.shards {
		go func(m *MapStorage) {
			ratio := m.DeleteExpired(limit)

			mu.Lock()
			totalRatio += ratio
			mu.Unlock()

			wg.Done()
		}(shard)
	}

	wg.Wait()

	return totalRatio / float64(shardCount)
}

// Len returns the number of live entries across all shards.
func (s *ShardedMapStorage) Len() int {
	n := 0
	for _, shard := range s.shards {
		n += shard.Len()
	}
	return n
}

// Bytes returns the total stored payload bytes across all shards.
func (s *ShardedMapStorage) Bytes() int64 {
	var n int64
	for _, shard := range s.shards {
		n += shard.Bytes()
	}
	return n
}

// FlushAll removes every entry from every shard.
func (s *ShardedMapStorage) FlushAll() {
	for _, shard := range s.shards {
		shard.FlushAll()
	}
}
