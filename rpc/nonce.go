package rpc

import (
	"container/list"
	"sync"
	"time"
)

// nonceStore remembers every nonce observed within its TTL. When full it
// refuses new nonces instead of forgetting live ones, so an entry can only
// leave the store once its TTL has passed.
type nonceStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceStore(ttl time.Duration, capacity int) *nonceStore {
	if ttl <= 0 {
		ttl = defaultNonceWindow
	}
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	return &nonceStore{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Record stores key, failing with errNonceReused when it was observed within
// the TTL and with errNonceBacklog when the store holds capacity live
// entries.
func (n *nonceStore) Record(key string, now time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if _, exists := n.entries[key]; exists {
		return errNonceReused
	}
	if n.order.Len() >= n.capacity {
		return errNonceBacklog
	}
	n.entries[key] = n.order.PushBack(nonceEntry{key: key, ts: now})
	return nil
}

func (n *nonceStore) evictExpired(cutoff time.Time) {
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		if !front.Value.(nonceEntry).ts.Before(cutoff) {
			return
		}
		n.evictFront()
	}
}

func (n *nonceStore) evictFront() {
	front := n.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(nonceEntry)
	n.order.Remove(front)
	delete(n.entries, entry.key)
}
