// Package orderbook reconstructs exchange order books from snapshot and delta
// events and exposes immutable snapshots with derived prices.
package orderbook

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/quoter/pkg/models"
	"github.com/sirupsen/logrus"
)

type Options struct {
	// Depth is the number of levels retained per side; 0 keeps everything.
	Depth int
	// DefaultPolicy applies to exchanges missing from Policies.
	DefaultPolicy GapPolicy
	Policies      map[string]GapPolicy
	// ResyncBuffer sizes the resync request channel.
	ResyncBuffer int
	Clock        func() time.Time
}

type entry struct {
	mu   sync.Mutex
	book *Book
}

// Engine owns every book. Deltas for one book are applied strictly in order
// under that book's lock; different books proceed in parallel.
type Engine struct {
	opts   Options
	logger *logrus.Logger

	mu    sync.RWMutex
	books map[models.BookKey]*entry

	resyncMu      sync.Mutex
	resyncPending map[models.BookKey]bool
	resync        chan models.BookKey
}

func NewEngine(opts Options, logger *logrus.Logger) *Engine {
	if opts.DefaultPolicy == "" {
		opts.DefaultPolicy = GapPolicyResync
	}
	if opts.ResyncBuffer <= 0 {
		opts.ResyncBuffer = 64
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		opts:          opts,
		logger:        logger,
		books:         make(map[models.BookKey]*entry),
		resyncPending: make(map[models.BookKey]bool),
		resync:        make(chan models.BookKey, opts.ResyncBuffer),
	}
}

// Resyncs delivers keys of books that need a fresh snapshot. Each key is
// delivered at most once until a snapshot for it is applied.
func (e *Engine) Resyncs() <-chan models.BookKey { return e.resync }

func (e *Engine) policyFor(exchange string) GapPolicy {
	if p, ok := e.opts.Policies[exchange]; ok {
		return p
	}
	return e.opts.DefaultPolicy
}

// OnSnapshot creates the book on first sight and replaces its contents.
func (e *Engine) OnSnapshot(ev models.BookSnapshot) error {
	ent := e.getOrCreate(ev.Key)
	ent.mu.Lock()
	defer ent.mu.Unlock()

	at := ev.Time
	if at.IsZero() {
		at = e.opts.Clock()
	}
	e.clearResync(ev.Key)
	if err := ent.book.ApplySnapshot(ev.Sequence, ev.Bids, ev.Asks, at); err != nil {
		e.logger.WithError(err).WithField("book", ev.Key.String()).Warn("Rejected order book snapshot")
		e.RequestResync(ev.Key)
		return err
	}
	e.logger.WithFields(logrus.Fields{
		"book":     ev.Key.String(),
		"sequence": ev.Sequence,
		"bids":     len(ev.Bids),
		"asks":     len(ev.Asks),
	}).Debug("Applied order book snapshot")
	return nil
}

// OnDelta applies one incremental update. Errors are informational: the book
// has already been invalidated (and a resync requested) where needed.
func (e *Engine) OnDelta(ev models.BookDelta) error {
	ent := e.get(ev.Key)
	if ent == nil {
		e.RequestResync(ev.Key)
		return fmt.Errorf("orderbook %s: delta before snapshot: %w", ev.Key, ErrBookStale)
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	at := ev.Time
	if at.IsZero() {
		at = e.opts.Clock()
	}
	err := ent.book.ApplyDelta(ev.Sequence, ev.Bids, ev.Asks, at)
	if err == nil {
		return nil
	}

	log := e.logger.WithError(err).WithField("book", ev.Key.String())
	var gap *GapError
	switch {
	case errors.As(err, &gap) && !gap.Resync && gap.Got > gap.Expected:
		log.Warn("Tolerated order book sequence gap")
	case errors.As(err, &gap) && !gap.Resync:
		log.Debug("Dropped out-of-date order book delta")
	default:
		log.Warn("Order book invalidated, requesting snapshot")
		e.RequestResync(ev.Key)
	}
	return err
}

// OnDisconnect marks the affected books stale. They keep their last levels
// for possibly-stale reads until a snapshot arrives.
func (e *Engine) OnDisconnect(ev models.MarketDisconnected) {
	symbols := make(map[string]bool, len(ev.Symbols))
	for _, s := range ev.Symbols {
		symbols[s] = true
	}
	for _, key := range e.Keys() {
		if key.Exchange != ev.Exchange || (len(symbols) > 0 && !symbols[key.Symbol]) {
			continue
		}
		e.invalidate(key, "stream disconnected: "+ev.Reason)
	}
}

// MarkStaleOlderThan invalidates live books that have not been updated within
// maxAge and returns their keys.
func (e *Engine) MarkStaleOlderThan(maxAge time.Duration) []models.BookKey {
	now := e.opts.Clock()
	var marked []models.BookKey
	for _, key := range e.Keys() {
		ent := e.get(key)
		if ent == nil {
			continue
		}
		ent.mu.Lock()
		if ent.book.State() == StateLive && now.Sub(ent.book.LastUpdate()) > maxAge {
			ent.book.Invalidate(fmt.Sprintf("no update for %s", maxAge))
			marked = append(marked, key)
		}
		ent.mu.Unlock()
	}
	for _, key := range marked {
		e.logger.WithField("book", key.String()).Warn("Order book timed out, requesting snapshot")
		e.RequestResync(key)
	}
	return marked
}

// Remove destroys the book of a symbol that is no longer traded.
func (e *Engine) Remove(key models.BookKey) {
	e.mu.Lock()
	delete(e.books, key)
	e.mu.Unlock()
	e.clearResync(key)
}

// Snapshot returns a copy of the retained levels of a book.
func (e *Engine) Snapshot(key models.BookKey) (Snapshot, bool) {
	ent := e.get(key)
	if ent == nil {
		return Snapshot{Key: key}, false
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.book.Snapshot(e.opts.Depth), true
}

func (e *Engine) State(key models.BookKey) State {
	ent := e.get(key)
	if ent == nil {
		return StateUninitialized
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.book.State()
}

// Keys lists the known books in a stable order.
func (e *Engine) Keys() []models.BookKey {
	e.mu.RLock()
	keys := make([]models.BookKey, 0, len(e.books))
	for k := range e.books {
		keys = append(keys, k)
	}
	e.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// RequestResync queues a snapshot request unless one is already pending.
func (e *Engine) RequestResync(key models.BookKey) {
	e.resyncMu.Lock()
	defer e.resyncMu.Unlock()
	if e.resyncPending[key] {
		return
	}
	select {
	case e.resync <- key:
		e.resyncPending[key] = true
	default:
		e.logger.WithField("book", key.String()).Warn("Resync queue full, will retry on next failure")
	}
}

// ResyncFailed forgets a pending request so the book can be requested again.
func (e *Engine) ResyncFailed(key models.BookKey) {
	e.clearResync(key)
}

// NotLive lists the books of exchange that are not live.
func (e *Engine) NotLive(exchange string) []models.BookKey {
	var keys []models.BookKey
	for _, key := range e.Keys() {
		if key.Exchange == exchange && e.State(key) != StateLive {
			keys = append(keys, key)
		}
	}
	return keys
}

func (e *Engine) clearResync(key models.BookKey) {
	e.resyncMu.Lock()
	delete(e.resyncPending, key)
	e.resyncMu.Unlock()
}

func (e *Engine) invalidate(key models.BookKey, reason string) {
	ent := e.get(key)
	if ent == nil {
		return
	}
	ent.mu.Lock()
	ent.book.Invalidate(reason)
	ent.mu.Unlock()
}

func (e *Engine) get(key models.BookKey) *entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.books[key]
}

func (e *Engine) getOrCreate(key models.BookKey) *entry {
	if ent := e.get(key); ent != nil {
		return ent
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.books[key]; ok {
		return ent
	}
	ent := &entry{book: NewBook(key, e.policyFor(key.Exchange), e.opts.Depth)}
	e.books[key] = ent
	return ent
}
