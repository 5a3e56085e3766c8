package orderbook

import (
	"io"
	"testing"
	"time"

	"github.com/gregtusar/quoter/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func snapshotEvent(key models.BookKey, seq uint64) models.BookSnapshot {
	return models.BookSnapshot{
		Key:      key,
		Sequence: seq,
		Bids:     []models.PriceLevel{lv("100", "1")},
		Asks:     []models.PriceLevel{lv("101", "1")},
	}
}

func drainResyncs(e *Engine) []models.BookKey {
	var keys []models.BookKey
	for {
		select {
		case k := <-e.Resyncs():
			keys = append(keys, k)
		default:
			return keys
		}
	}
}

func TestEngine_EndToEndScenario(t *testing.T) {
	e := NewEngine(Options{}, quietLogger())

	require.NoError(t, e.OnSnapshot(snapshotEvent(testKey, 1)))
	require.NoError(t, e.OnDelta(models.BookDelta{
		Key:      testKey,
		Sequence: 2,
		Bids:     []models.PriceLevel{lv("100", "0"), lv("99", "2")},
	}))

	snap, ok := e.Snapshot(testKey)
	require.True(t, ok)
	assertLevels(t, []models.PriceLevel{lv("99", "2")}, snap.Bids)
	assertLevels(t, []models.PriceLevel{lv("101", "1")}, snap.Asks)

	q, err := snap.BestBidAsk()
	require.NoError(t, err)
	assert.True(t, q.BidPrice.Equal(dec("99")))
	assert.True(t, q.AskPrice.Equal(dec("101")))
}

func TestEngine_GapRequestsResyncOnce(t *testing.T) {
	e := NewEngine(Options{}, quietLogger())
	require.NoError(t, e.OnSnapshot(snapshotEvent(testKey, 1)))

	require.ErrorIs(t, e.OnDelta(models.BookDelta{Key: testKey, Sequence: 5}), ErrSequenceGap)
	require.ErrorIs(t, e.OnDelta(models.BookDelta{Key: testKey, Sequence: 6}), ErrBookStale)

	assert.Equal(t, []models.BookKey{testKey}, drainResyncs(e))
	assert.Equal(t, StateStale, e.State(testKey))

	require.NoError(t, e.OnSnapshot(snapshotEvent(testKey, 10)))
	assert.Equal(t, StateLive, e.State(testKey))

	// A later failure may request again.
	require.Error(t, e.OnDelta(models.BookDelta{Key: testKey, Sequence: 20}))
	assert.Equal(t, []models.BookKey{testKey}, drainResyncs(e))
}

func TestEngine_PerExchangePolicy(t *testing.T) {
	tolerant := models.BookKey{Exchange: "loose", Symbol: "ETH-USD"}
	e := NewEngine(Options{Policies: map[string]GapPolicy{"loose": GapPolicyTolerate}}, quietLogger())

	require.NoError(t, e.OnSnapshot(snapshotEvent(tolerant, 1)))
	require.NoError(t, e.OnSnapshot(snapshotEvent(testKey, 1)))

	require.ErrorIs(t, e.OnDelta(models.BookDelta{Key: tolerant, Sequence: 9}), ErrSequenceGap)
	require.ErrorIs(t, e.OnDelta(models.BookDelta{Key: testKey, Sequence: 9}), ErrSequenceGap)

	assert.Equal(t, StateLive, e.State(tolerant))
	assert.Equal(t, StateStale, e.State(testKey))
	assert.Equal(t, []models.BookKey{testKey}, drainResyncs(e))
}

func TestEngine_DisconnectMarksStaleAndSnapshotRevives(t *testing.T) {
	other := models.BookKey{Exchange: "other", Symbol: "BTC-USD"}
	e := NewEngine(Options{}, quietLogger())
	require.NoError(t, e.OnSnapshot(snapshotEvent(testKey, 1)))
	require.NoError(t, e.OnSnapshot(snapshotEvent(other, 1)))

	e.OnDisconnect(models.MarketDisconnected{Exchange: "test", Reason: "eof"})

	assert.Equal(t, StateStale, e.State(testKey))
	assert.Equal(t, StateLive, e.State(other))

	snap, ok := e.Snapshot(testKey)
	require.True(t, ok)
	assert.True(t, snap.Stale())
	mid, err := snap.Mid()
	require.NoError(t, err, "last known levels stay readable")
	assert.True(t, mid.Stale)

	require.NoError(t, e.OnSnapshot(snapshotEvent(testKey, 2)))
	assert.Equal(t, StateLive, e.State(testKey))
}

func TestEngine_DeltaForUnknownBook(t *testing.T) {
	e := NewEngine(Options{}, quietLogger())
	require.ErrorIs(t, e.OnDelta(models.BookDelta{Key: testKey, Sequence: 1}), ErrBookStale)
	assert.Equal(t, []models.BookKey{testKey}, drainResyncs(e))
	_, ok := e.Snapshot(testKey)
	assert.False(t, ok, "books are only created by snapshots")
}

func TestEngine_MarkStaleOlderThan(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := NewEngine(Options{Clock: func() time.Time { return now }}, quietLogger())

	ev := snapshotEvent(testKey, 1)
	ev.Time = now.Add(-time.Minute)
	require.NoError(t, e.OnSnapshot(ev))

	assert.Empty(t, e.MarkStaleOlderThan(2*time.Minute))
	assert.Equal(t, []models.BookKey{testKey}, e.MarkStaleOlderThan(30*time.Second))
	assert.Equal(t, StateStale, e.State(testKey))
	assert.Equal(t, []models.BookKey{testKey}, drainResyncs(e))
}

func TestEngine_Remove(t *testing.T) {
	e := NewEngine(Options{}, quietLogger())
	require.NoError(t, e.OnSnapshot(snapshotEvent(testKey, 1)))
	e.Remove(testKey)
	_, ok := e.Snapshot(testKey)
	assert.False(t, ok)
	assert.Empty(t, e.Keys())
}

func TestEngine_ResyncFailedAllowsNewRequest(t *testing.T) {
	e := NewEngine(Options{}, quietLogger())
	require.NoError(t, e.OnSnapshot(snapshotEvent(testKey, 1)))
	e.OnDisconnect(models.MarketDisconnected{Exchange: "test"})

	e.RequestResync(testKey)
	e.RequestResync(testKey)
	assert.Len(t, drainResyncs(e), 1)

	e.ResyncFailed(testKey)
	e.RequestResync(testKey)
	assert.Len(t, drainResyncs(e), 1)
	assert.Equal(t, []models.BookKey{testKey}, e.NotLive("test"))
	assert.Empty(t, e.NotLive("other"))
}
