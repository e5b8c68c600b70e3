// Package syncutil provides a bounded per-key lock.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyLock serialises callers that share a key. Keys hash onto a fixed pool
// of shards, so memory stays bounded however many keys are seen; unrelated
// keys occasionally share a shard and wait on each other.
type KeyLock struct {
	shards [shardCount]chan struct{}
}

// NewKeyLock returns an unlocked KeyLock.
func NewKeyLock() *KeyLock {
	k := &KeyLock{}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
	}
	return k
}

// Lock blocks until key is held or ctx is done. On success the returned
// func releases the key and must be called exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	ch := k.shards[shardOf(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
