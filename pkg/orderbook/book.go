package orderbook

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/btree"
	"github.com/gregtusar/quoter/pkg/models"
)

var (
	ErrSequenceGap = errors.New("orderbook: sequence gap")
	ErrEmptyBook   = errors.New("orderbook: empty book")
	ErrBookStale   = errors.New("orderbook: book is stale")
	ErrCrossedBook = errors.New("orderbook: crossed book")
)

// GapError describes a delta whose sequence was not the expected next value.
// Resync is true when the book was invalidated because of it.
type GapError struct {
	Key      models.BookKey
	Expected uint64
	Got      uint64
	Resync   bool
}

func (e *GapError) Error() string {
	return fmt.Sprintf("orderbook %s: sequence gap: expected %d, got %d", e.Key, e.Expected, e.Got)
}

func (e *GapError) Is(target error) bool { return target == ErrSequenceGap }

type State int

const (
	StateUninitialized State = iota
	StateLive
	StateStale
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLive:
		return "live"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// GapPolicy decides what a delta that skips sequence numbers does to a book.
type GapPolicy string

const (
	// GapPolicyResync invalidates the book and waits for a fresh snapshot.
	GapPolicyResync GapPolicy = "resync"
	// GapPolicyTolerate applies any delta newer than the last one and logs the gap.
	GapPolicyTolerate GapPolicy = "tolerate"
)

func ParseGapPolicy(s string) (GapPolicy, error) {
	switch GapPolicy(s) {
	case GapPolicyResync, GapPolicyTolerate:
		return GapPolicy(s), nil
	case "":
		return GapPolicyResync, nil
	}
	return "", fmt.Errorf("unknown gap policy %q", s)
}

const btreeDegree = 16

// Book is the reconstructed order book of one symbol. It is not safe for
// concurrent use; Engine serializes access per book.
type Book struct {
	key    models.BookKey
	policy GapPolicy
	depth  int

	bids *btree.BTreeG[models.PriceLevel]
	asks *btree.BTreeG[models.PriceLevel]

	state       State
	hasSeq      bool
	lastSeq     uint64
	lastUpdate  time.Time
	staleReason string
}

// NewBook creates an uninitialized book. depth <= 0 retains every level.
func NewBook(key models.BookKey, policy GapPolicy, depth int) *Book {
	return &Book{
		key:    key,
		policy: policy,
		depth:  depth,
		bids: btree.NewG(btreeDegree, func(a, b models.PriceLevel) bool {
			return a.Price.GreaterThan(b.Price)
		}),
		asks: btree.NewG(btreeDegree, func(a, b models.PriceLevel) bool {
			return a.Price.LessThan(b.Price)
		}),
	}
}

func (b *Book) Key() models.BookKey { return b.key }
func (b *Book) State() State        { return b.state }
func (b *Book) StaleReason() string { return b.staleReason }
func (b *Book) LastUpdate() time.Time {
	return b.lastUpdate
}

// Sequence returns the last applied sequence; ok is false before the first snapshot.
func (b *Book) Sequence() (uint64, bool) {
	return b.lastSeq, b.hasSeq
}

// ApplySnapshot replaces both sides and makes the book live again.
func (b *Book) ApplySnapshot(seq uint64, bids, asks []models.PriceLevel, at time.Time) error {
	b.bids.Clear(false)
	b.asks.Clear(false)
	upsertLevels(b.bids, bids)
	upsertLevels(b.asks, asks)
	b.trim()

	b.lastSeq = seq
	b.hasSeq = true
	b.lastUpdate = at

	if b.crossed() {
		b.invalidate("crossed snapshot")
		return fmt.Errorf("orderbook %s: snapshot %d: %w", b.key, seq, ErrCrossedBook)
	}
	b.state = StateLive
	b.staleReason = ""
	return nil
}

// ApplyDelta upserts and deletes levels. Deltas are only accepted while the
// book is live; a delta at or below the last sequence is rejected without
// touching the book.
func (b *Book) ApplyDelta(seq uint64, bids, asks []models.PriceLevel, at time.Time) error {
	if b.state != StateLive {
		return fmt.Errorf("orderbook %s: delta %d while %s: %w", b.key, seq, b.state, ErrBookStale)
	}
	expected := b.lastSeq + 1
	if seq < expected {
		return &GapError{Key: b.key, Expected: expected, Got: seq}
	}
	var gap error
	if seq > expected {
		if b.policy != GapPolicyTolerate {
			b.invalidate(fmt.Sprintf("sequence gap: expected %d, got %d", expected, seq))
			return &GapError{Key: b.key, Expected: expected, Got: seq, Resync: true}
		}
		gap = &GapError{Key: b.key, Expected: expected, Got: seq}
	}

	upsertLevels(b.bids, bids)
	upsertLevels(b.asks, asks)
	b.trim()
	b.lastSeq = seq
	b.lastUpdate = at

	if b.crossed() {
		b.invalidate("crossed after delta")
		return fmt.Errorf("orderbook %s: delta %d: %w", b.key, seq, ErrCrossedBook)
	}
	return gap
}

// Invalidate marks the book stale; only a snapshot revives it.
func (b *Book) Invalidate(reason string) {
	b.invalidate(reason)
}

func (b *Book) invalidate(reason string) {
	if b.state == StateUninitialized {
		return
	}
	b.state = StateStale
	b.staleReason = reason
}

// BestBidAsk reads the top of book straight from the trees.
func (b *Book) BestBidAsk() (Quote, error) {
	bid, okBid := b.bids.Min()
	ask, okAsk := b.asks.Min()
	if !okBid || !okAsk {
		return Quote{}, ErrEmptyBook
	}
	return Quote{
		BidPrice: bid.Price,
		BidSize:  bid.Size,
		AskPrice: ask.Price,
		AskSize:  ask.Size,
		Stale:    b.state != StateLive,
	}, nil
}

// Snapshot copies up to levels price levels per side (all when levels <= 0).
func (b *Book) Snapshot(levels int) Snapshot {
	return Snapshot{
		Key:         b.key,
		State:       b.state,
		Sequence:    b.lastSeq,
		Bids:        collect(b.bids, levels),
		Asks:        collect(b.asks, levels),
		UpdatedAt:   b.lastUpdate,
		StaleReason: b.staleReason,
	}
}

func (b *Book) crossed() bool {
	bid, okBid := b.bids.Min()
	ask, okAsk := b.asks.Min()
	return okBid && okAsk && !bid.Price.LessThan(ask.Price)
}

func (b *Book) trim() {
	if b.depth <= 0 {
		return
	}
	for b.bids.Len() > b.depth {
		b.bids.DeleteMax()
	}
	for b.asks.Len() > b.depth {
		b.asks.DeleteMax()
	}
}

// upsertLevels applies levels in order; a non-positive size removes the price.
func upsertLevels(side *btree.BTreeG[models.PriceLevel], levels []models.PriceLevel) {
	for _, lvl := range levels {
		if lvl.Size.Sign() <= 0 {
			side.Delete(lvl)
			continue
		}
		side.ReplaceOrInsert(lvl)
	}
}

func collect(side *btree.BTreeG[models.PriceLevel], levels int) []models.PriceLevel {
	n := side.Len()
	if levels > 0 && levels < n {
		n = levels
	}
	out := make([]models.PriceLevel, 0, n)
	side.Ascend(func(lvl models.PriceLevel) bool {
		out = append(out, lvl)
		return len(out) < n
	})
	return out
}
