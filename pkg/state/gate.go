// Package state provides the gate that lets the reconciliation cycle read the
// order books, live orders and rate budgets as one consistent snapshot.
package state

import "sync"

// Gate inverts a RWMutex: any number of writers (feed handlers, each already
// serialized per book or order set) may run together, while a reader taking
// a cross-component snapshot excludes all of them for the duration of Read.
type Gate struct {
	mu sync.RWMutex
}

func NewGate() *Gate { return &Gate{} }

// Write runs fn as one of possibly many concurrent writers.
func (g *Gate) Write(fn func()) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn()
}

// Read runs fn with every writer paused.
func (g *Gate) Read(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn()
}
