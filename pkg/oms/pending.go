package oms

import (
	"sort"
	"sync"
)

// PendingSet holds the keys of operations dispatched but not yet answered.
// The engine skips them so a slow call is never duplicated by the next cycle.
type PendingSet struct {
	mu   sync.Mutex
	keys map[string]int
}

func NewPendingSet() *PendingSet {
	return &PendingSet{keys: make(map[string]int)}
}

func (p *PendingSet) Add(keys ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		if k != "" {
			p.keys[k]++
		}
	}
}

func (p *PendingSet) Done(keys ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		if n := p.keys[k]; n > 1 {
			p.keys[k] = n - 1
		} else {
			delete(p.keys, k)
		}
	}
}

func (p *PendingSet) Contains(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys[key] > 0
}

func (p *PendingSet) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.keys))
	for k := range p.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// lock acquires every key in sorted order and returns the release func.
func (k *keyedMutex) lock(keys []string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	held := make([]string, 0, len(sorted))
	for i, key := range sorted {
		if key == "" || (i > 0 && sorted[i-1] == key) {
			continue
		}
		k.mu.Lock()
		l, ok := k.locks[key]
		if !ok {
			l = &keyLock{}
			k.locks[key] = l
		}
		l.refs++
		k.mu.Unlock()
		l.mu.Lock()
		held = append(held, key)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			k.mu.Lock()
			l := k.locks[held[i]]
			l.refs--
			if l.refs == 0 {
				delete(k.locks, held[i])
			}
			k.mu.Unlock()
			l.mu.Unlock()
		}
	}
}
