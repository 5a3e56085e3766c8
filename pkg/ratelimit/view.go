package ratelimit

import "time"

// View is an immutable copy of a tracker's budgets at one instant.
type View struct {
	Exchange string                   `json:"exchange"`
	TakenAt  time.Time                `json:"taken_at"`
	Budgets  map[EndpointClass]Budget `json:"budgets"`
}

// Remaining returns the units left for class; ok is false for unlimited classes.
func (v View) Remaining(class EndpointClass) (int, bool) {
	b, ok := v.Budgets[class]
	if !ok {
		return 0, false
	}
	return b.Remaining, true
}

// Ledger returns a private, reservable copy of the view used to plan one cycle
// without touching the shared tracker.
func (v View) Ledger() *Ledger {
	remaining := make(map[EndpointClass]int, len(v.Budgets))
	for class, b := range v.Budgets {
		remaining[class] = b.Remaining
	}
	return &Ledger{remaining: remaining, at: v.TakenAt}
}

// Ledger is a single-goroutine budget used while planning. Classes it has no
// entry for are unlimited.
type Ledger struct {
	remaining map[EndpointClass]int
	at        time.Time
}

// NewLedger builds a ledger from explicit remaining counts.
func NewLedger(remaining map[EndpointClass]int) *Ledger {
	r := make(map[EndpointClass]int, len(remaining))
	for class, n := range remaining {
		r[class] = n
	}
	return &Ledger{remaining: r}
}

func (l *Ledger) TryReserve(class EndpointClass, count int) (Reservation, bool) {
	n, limited := l.remaining[class]
	if limited {
		if n < count {
			return Reservation{}, false
		}
		l.remaining[class] = n - count
	}
	return Reservation{Class: class, Count: count, At: l.at}, true
}

func (l *Ledger) Release(res Reservation) {
	if res.Count == 0 {
		return
	}
	if n, limited := l.remaining[res.Class]; limited {
		l.remaining[res.Class] = n + res.Count
	}
}
