// Package syncutil holds the locking primitives shared by the book and its
// background jobs.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 64

// KeyedMutex is a fixed pool of channel-based mutexes selected by key.
// Waiters can give up when their context is cancelled, and TryLock lets a
// periodic job skip a run instead of queueing behind the previous one.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewKeyedMutex returns an unlocked KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// LockContext acquires the mutex for key. On success the caller must call
// the returned unlock func. On cancellation it returns ctx.Err().
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[m.shardIdx(key)]

	select {
	case <-shard:
		return releaser(shard), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex for key only if it is free right now.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	m.init()
	shard := m.shards[m.shardIdx(key)]

	select {
	case <-shard:
		return releaser(shard), true
	default:
		return nil, false
	}
}

// releaser returns an unlock func that is safe to call more than once.
func releaser(shard chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { shard <- struct{}{} })
	}
}

func (m *KeyedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
