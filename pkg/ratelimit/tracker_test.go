package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(limits map[EndpointClass]Limit) (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := NewTracker("test", limits)
	tr.SetClock(clock.Now)
	return tr, clock
}

func TestTracker_TryReserve(t *testing.T) {
	tr, _ := newTestTracker(map[EndpointClass]Limit{ClassCreate: {Max: 2, Window: time.Second}})

	_, ok := tr.TryReserve(ClassCreate, 1)
	assert.True(t, ok)
	_, ok = tr.TryReserve(ClassCreate, 1)
	assert.True(t, ok)
	_, ok = tr.TryReserve(ClassCreate, 1)
	assert.False(t, ok, "third reservation should be denied")

	remaining, limited := tr.Snapshot().Remaining(ClassCreate)
	assert.True(t, limited)
	assert.Equal(t, 0, remaining)
}

func TestTracker_UnlimitedClass(t *testing.T) {
	tr, _ := newTestTracker(nil)

	for i := 0; i < 100; i++ {
		_, ok := tr.TryReserve(ClassQuery, 5)
		require.True(t, ok)
	}
	_, limited := tr.Snapshot().Remaining(ClassQuery)
	assert.False(t, limited)
}

func TestTracker_ResetAtElapses(t *testing.T) {
	tr, clock := newTestTracker(map[EndpointClass]Limit{ClassAmend: {Max: 1, Window: time.Second}})

	_, ok := tr.TryReserve(ClassAmend, 1)
	require.True(t, ok)
	_, ok = tr.TryReserve(ClassAmend, 1)
	require.False(t, ok)

	clock.Advance(time.Second)
	_, ok = tr.TryReserve(ClassAmend, 1)
	assert.True(t, ok, "budget should refill once reset time passes")
}

func TestTracker_RecordResponse_LastWriterWinsByTimestamp(t *testing.T) {
	tr, clock := newTestTracker(map[EndpointClass]Limit{ClassCancel: {Max: 10, Window: time.Minute}})
	now := clock.Now()

	assert.True(t, tr.RecordResponse(ClassCancel, 3, 10, now.Add(30*time.Second), now.Add(2*time.Millisecond)))
	// Arrives later but was observed earlier: must not overwrite.
	assert.False(t, tr.RecordResponse(ClassCancel, 9, 10, now.Add(30*time.Second), now.Add(time.Millisecond)))

	remaining, _ := tr.Snapshot().Remaining(ClassCancel)
	assert.Equal(t, 3, remaining)
}

func TestTracker_RecordResponseOverridesPrediction(t *testing.T) {
	tr, clock := newTestTracker(map[EndpointClass]Limit{ClassCreate: {Max: 10, Window: time.Minute}})

	_, ok := tr.TryReserve(ClassCreate, 4)
	require.True(t, ok)

	clock.Advance(time.Millisecond)
	tr.RecordResponse(ClassCreate, 9, 10, time.Time{}, clock.Now())

	remaining, _ := tr.Snapshot().Remaining(ClassCreate)
	assert.Equal(t, 9, remaining)
}

func TestTracker_Release(t *testing.T) {
	tr, clock := newTestTracker(map[EndpointClass]Limit{ClassCreate: {Max: 2, Window: time.Minute}})

	res, ok := tr.TryReserve(ClassCreate, 2)
	require.True(t, ok)
	tr.Release(res)

	remaining, _ := tr.Snapshot().Remaining(ClassCreate)
	assert.Equal(t, 2, remaining)

	res, ok = tr.TryReserve(ClassCreate, 1)
	require.True(t, ok)
	clock.Advance(time.Millisecond)
	tr.RecordResponse(ClassCreate, 0, 2, time.Time{}, clock.Now())
	tr.Release(res)

	remaining, _ = tr.Snapshot().Remaining(ClassCreate)
	assert.Equal(t, 0, remaining, "release must not override a fresher exchange counter")
}

func TestTracker_Exhaust(t *testing.T) {
	tr, clock := newTestTracker(nil)

	tr.Exhaust(ClassCreate, time.Time{}, clock.Now())
	_, ok := tr.TryReserve(ClassCreate, 1)
	assert.False(t, ok)

	clock.Advance(denialPenalty)
	_, ok = tr.TryReserve(ClassCreate, 1)
	assert.True(t, ok, "unlimited class should recover after the penalty")
}

func TestLedger(t *testing.T) {
	l := NewLedger(map[EndpointClass]int{ClassAmend: 1})

	res, ok := l.TryReserve(ClassAmend, 1)
	require.True(t, ok)
	_, ok = l.TryReserve(ClassAmend, 1)
	assert.False(t, ok)

	l.Release(res)
	_, ok = l.TryReserve(ClassAmend, 1)
	assert.True(t, ok)

	_, ok = l.TryReserve(ClassCreate, 50)
	assert.True(t, ok, "classes without an entry are unlimited")
}

func TestView_LedgerDoesNotTouchTracker(t *testing.T) {
	tr, _ := newTestTracker(map[EndpointClass]Limit{ClassCreate: {Max: 1, Window: time.Minute}})

	ledger := tr.Snapshot().Ledger()
	_, ok := ledger.TryReserve(ClassCreate, 1)
	require.True(t, ok)

	_, ok = tr.TryReserve(ClassCreate, 1)
	assert.True(t, ok)
}
