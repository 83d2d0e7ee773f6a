package storage

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// notifier wakes blocked stream readers when a key they watch is appended to
type notifier struct {
	shards []notifyShard
	mask   uint64
}

type notifyShard struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func newNotifier(shards int) *notifier {
	n := &notifier{
		shards: make([]notifyShard, shards),
		mask:   uint64(shards - 1),
	}
	for i := range n.shards {
		n.shards[i].waiters = make(map[string][]chan struct{})
	}
	return n
}

func (n *notifier) shardFor(key string) *notifyShard {
	return &n.shards[xxhash.Sum64String(key)&n.mask]
}

// watch registers one channel for all keys. The channel receives at most one
// pending signal; cancel must be called once the caller stops waiting.
func (n *notifier) watch(keys []string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	for _, key := range keys {
		sh := n.shardFor(key)
		sh.mu.Lock()
		sh.waiters[key] = append(sh.waiters[key], ch)
		sh.mu.Unlock()
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			for _, key := range keys {
				n.remove(key, ch)
			}
		})
	}
	return ch, cancel
}

func (n *notifier) remove(key string, ch chan struct{}) {
	sh := n.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	list := sh.waiters[key]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(sh.waiters, key)
	} else {
		sh.waiters[key] = list
	}
}

// notify signals every reader watching key
func (n *notifier) notify(key string) {
	sh := n.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for _, ch := range sh.waiters[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// blocked returns the number of distinct readers currently waiting
func (n *notifier) blocked() int {
	seen := make(map[chan struct{}]struct{})
	for i := range n.shards {
		sh := &n.shards[i]
		sh.mu.Lock()
		for _, list := range sh.waiters {
			for _, ch := range list {
				seen[ch] = struct{}{}
			}
		}
		sh.mu.Unlock()
	}
	return len(seen)
}
