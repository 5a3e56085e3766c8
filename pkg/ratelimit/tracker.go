// Package ratelimit keeps per-endpoint request budgets for one exchange.
//
// The Tracker is pure bookkeeping: it never sleeps or performs I/O. Callers
// reserve units optimistically before sending a request and feed back the
// counters the exchange reports; the exchange's numbers always win over the
// local prediction.
package ratelimit

import (
	"sync"
	"time"
)

// EndpointClass groups exchange endpoints that share one budget.
type EndpointClass string

const (
	ClassCreate    EndpointClass = "create"
	ClassAmend     EndpointClass = "amend"
	ClassCancel    EndpointClass = "cancel"
	ClassCancelAll EndpointClass = "cancel_all"
	ClassQuery     EndpointClass = "query"
)

// Classes lists every endpoint class in a stable order.
var Classes = []EndpointClass{ClassCreate, ClassAmend, ClassCancel, ClassCancelAll, ClassQuery}

// Limit is the locally configured budget for a class. A zero Window means the
// budget only refills when the exchange reports fresh counters.
type Limit struct {
	Max    int
	Window time.Duration
}

type Budget struct {
	Remaining  int       `json:"remaining"`
	Max        int       `json:"max"`
	ResetAt    time.Time `json:"reset_at"`
	ObservedAt time.Time `json:"observed_at"`
}

// denialPenalty is how long a class stays empty after a denial that did not
// say when the budget resets.
const denialPenalty = time.Second

// Reservation records units taken from a budget so they can be released if the
// request is never sent.
type Reservation struct {
	Class EndpointClass
	Count int
	At    time.Time
}

type Tracker struct {
	mu       sync.Mutex
	exchange string
	limits   map[EndpointClass]Limit
	budgets  map[EndpointClass]*Budget
	clock    func() time.Time
}

// NewTracker creates a tracker. Classes missing from limits are unlimited.
func NewTracker(exchange string, limits map[EndpointClass]Limit) *Tracker {
	l := make(map[EndpointClass]Limit, len(limits))
	for class, limit := range limits {
		l[class] = limit
	}
	return &Tracker{
		exchange: exchange,
		limits:   l,
		budgets:  make(map[EndpointClass]*Budget),
		clock:    time.Now,
	}
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(clock func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock = clock
}

func (t *Tracker) Exchange() string { return t.exchange }

// TryReserve optimistically takes count units from the class budget.
func (t *Tracker) TryReserve(class EndpointClass, count int) (Reservation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	b := t.budgetLocked(class, now)
	res := Reservation{Class: class, Count: count, At: now}
	if b == nil {
		return res, true
	}
	if b.Remaining < count {
		return Reservation{}, false
	}
	b.Remaining -= count
	return res, true
}

// Release gives back units of a reservation whose request was never sent.
// Units are not returned if the window reset or the exchange reported fresher
// counters since the reservation was taken.
func (t *Tracker) Release(res Reservation) {
	if res.Count == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.budgetLocked(res.Class, t.clock())
	if b == nil || res.At.Before(b.ObservedAt) {
		return
	}
	if w := t.limits[res.Class].Window; w > 0 && res.At.Before(b.ResetAt.Add(-w)) {
		return
	}
	b.Remaining += res.Count
	if b.Max > 0 && b.Remaining > b.Max {
		b.Remaining = b.Max
	}
}

// RecordResponse applies counters reported by the exchange. Reports older than
// the last applied one are ignored. It returns whether the report was applied.
func (t *Tracker) RecordResponse(class EndpointClass, remaining, max int, resetAt, observedAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.ensureLocked(class, observedAt)
	if observedAt.Before(b.ObservedAt) {
		return false
	}
	if max > 0 {
		b.Max = max
	}
	if remaining < 0 {
		remaining = 0
	}
	b.Remaining = remaining
	if !resetAt.IsZero() {
		b.ResetAt = resetAt
	}
	b.ObservedAt = observedAt
	return true
}

// Exhaust records a confirmed denial that carried no counters: the budget is
// empty until resetAt (or the current reset time when resetAt is zero).
func (t *Tracker) Exhaust(class EndpointClass, resetAt, observedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.ensureLocked(class, observedAt)
	if observedAt.Before(b.ObservedAt) {
		return
	}
	b.Remaining = 0
	switch {
	case !resetAt.IsZero():
		b.ResetAt = resetAt
	case b.ResetAt.IsZero() || !b.ResetAt.After(observedAt):
		b.ResetAt = observedAt.Add(denialPenalty)
	}
	b.ObservedAt = observedAt
}

// Snapshot returns an immutable copy of every known budget.
func (t *Tracker) Snapshot() View {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	budgets := make(map[EndpointClass]Budget, len(t.limits))
	for _, class := range Classes {
		if b := t.budgetLocked(class, now); b != nil {
			budgets[class] = *b
		}
	}
	for class, b := range t.budgets {
		if _, ok := budgets[class]; !ok {
			budgets[class] = *b
		}
	}
	return View{Exchange: t.exchange, TakenAt: now, Budgets: budgets}
}

// budgetLocked returns the budget for class, refilled if its reset time has
// passed, or nil if the class is unlimited.
func (t *Tracker) budgetLocked(class EndpointClass, now time.Time) *Budget {
	b, ok := t.budgets[class]
	if !ok {
		limit, limited := t.limits[class]
		if !limited {
			return nil
		}
		b = &Budget{Remaining: limit.Max, Max: limit.Max}
		if limit.Window > 0 {
			b.ResetAt = now.Add(limit.Window)
		}
		t.budgets[class] = b
		return b
	}
	if !b.ResetAt.IsZero() && !now.Before(b.ResetAt) {
		if _, limited := t.limits[class]; !limited && b.Max == 0 {
			delete(t.budgets, class)
			return nil
		}
		b.Remaining = b.Max
		if w := t.limits[class].Window; w > 0 {
			b.ResetAt = now.Add(w)
		} else {
			b.ResetAt = time.Time{}
		}
	}
	return b
}

func (t *Tracker) ensureLocked(class EndpointClass, now time.Time) *Budget {
	if b := t.budgetLocked(class, now); b != nil {
		return b
	}
	b := &Budget{}
	t.budgets[class] = b
	return b
}
