package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gregtusar/quoter/pkg/liveorders"
	"github.com/gregtusar/quoter/pkg/models"
	"github.com/gregtusar/quoter/pkg/oms"
	"github.com/gregtusar/quoter/pkg/orderbook"
	"github.com/gregtusar/quoter/pkg/state"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var btc = models.BookKey{Exchange: "test", Symbol: "BTC-USD"}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type scriptedMarket struct {
	mu       sync.Mutex
	attempts int
	// script returns the events and exit error of attempt n (0-based).
	script       func(n int) ([]models.MarketFeedEvent, error)
	resubscribed []string
}

func (m *scriptedMarket) Run(ctx context.Context, _ []string, emit func(models.MarketFeedEvent)) error {
	m.mu.Lock()
	n := m.attempts
	m.attempts++
	m.mu.Unlock()

	events, err := m.script(n)
	for _, ev := range events {
		emit(ev)
	}
	if err == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (m *scriptedMarket) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

type resubscribingMarket struct {
	scriptedMarket
}

func (m *resubscribingMarket) Resubscribe(_ context.Context, symbols []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resubscribed = append(m.resubscribed, symbols...)
	return nil
}

type fakeFetcher struct {
	calls atomic.Int32
	fail  int32
}

func (f *fakeFetcher) FetchSnapshot(_ context.Context, symbol string) (models.BookSnapshot, error) {
	n := f.calls.Add(1)
	if n <= f.fail {
		return models.BookSnapshot{}, errors.New("503 service unavailable")
	}
	return models.BookSnapshot{
		Sequence: 10,
		Bids:     []models.PriceLevel{models.Level("99", "1")},
		Asks:     []models.PriceLevel{models.Level("100", "1")},
	}, nil
}

type fakePoller struct {
	result liveorders.PollResult
	err    error
}

func (p *fakePoller) PollState(context.Context, string) (liveorders.PollResult, error) {
	return p.result, p.err
}

func newSet(ctx context.Context, gate *state.Gate) *liveorders.Set {
	s := liveorders.NewSet(liveorders.Options{Exchange: "test", Symbol: "BTC-USD", Gate: gate}, quietLogger())
	go s.Run(ctx)
	return s
}

func fastOptions() Options {
	return Options{
		Exchange:         "test",
		Symbols:          []string{"BTC-USD"},
		ReconnectInitial: time.Millisecond,
		ReconnectMax:     5 * time.Millisecond,
		PollInterval:     time.Hour,
		StaleAfter:       time.Hour,
	}
}

func TestSupervisor_RoutesMarketEvents(t *testing.T) {
	books := orderbook.NewEngine(orderbook.Options{}, quietLogger())
	s := NewSupervisor(fastOptions(), Deps{Books: books, Gate: state.NewGate()}, quietLogger())

	s.HandleMarket(models.BookSnapshot{
		Key: btc, Sequence: 1,
		Bids: []models.PriceLevel{models.Level("100", "1")},
		Asks: []models.PriceLevel{models.Level("101", "1")},
	})
	s.HandleMarket(models.BookDelta{
		Key: btc, Sequence: 2,
		Bids: []models.PriceLevel{models.Level("100", "0"), models.Level("99", "2")},
	})

	snap, ok := books.Snapshot(btc)
	require.True(t, ok)
	q, err := snap.BestBidAsk()
	require.NoError(t, err)
	assert.True(t, q.BidPrice.Equal(dec("99")))
	assert.True(t, q.AskPrice.Equal(dec("101")))

	s.HandleMarket(models.MarketDisconnected{Exchange: "test", Reason: "eof"})
	assert.Equal(t, orderbook.StateStale, books.State(btc))
}

func TestSupervisor_ApplyMarketReportsRejectedUpdates(t *testing.T) {
	books := orderbook.NewEngine(orderbook.Options{}, quietLogger())
	s := NewSupervisor(fastOptions(), Deps{Books: books}, quietLogger())

	require.NoError(t, s.applyMarket(models.BookSnapshot{Key: btc, Sequence: 1,
		Bids: []models.PriceLevel{models.Level("100", "1")}, Asks: []models.PriceLevel{models.Level("101", "1")}}))
	assert.NoError(t, s.applyMarket(models.BookDelta{Key: btc, Sequence: 2,
		Bids: []models.PriceLevel{models.Level("99", "1")}}))

	err := s.applyMarket(models.BookDelta{Key: btc, Sequence: 9})
	assert.ErrorIs(t, err, orderbook.ErrSequenceGap)
	assert.Equal(t, orderbook.StateStale, books.State(btc))

	assert.NoError(t, s.applyMarket(models.MarketDisconnected{Exchange: "test"}))
}

func TestSupervisor_DisconnectSafety(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := state.NewGate()
	books := orderbook.NewEngine(orderbook.Options{}, quietLogger())
	set := newSet(ctx, gate)
	poller := &fakePoller{}
	s := NewSupervisor(fastOptions(), Deps{
		Books:  books,
		Gate:   gate,
		Live:   map[string]*liveorders.Set{"BTC-USD": set},
		Poller: poller,
	}, quietLogger())

	s.HandleMarket(models.BookSnapshot{Key: btc, Sequence: 1,
		Bids: []models.PriceLevel{models.Level("100", "1")}, Asks: []models.PriceLevel{models.Level("101", "1")}})
	s.HandlePrivate(ctx, models.OrderAck{Symbol: "BTC-USD", OrderID: "o1", Side: models.OrderSideBuy,
		Status: models.OrderStatusOpen, Price: dec("100"), Size: dec("1")})

	s.HandleMarket(models.MarketDisconnected{Exchange: "test"})
	s.HandlePrivate(ctx, models.PrivateDisconnected{Exchange: "test"})
	require.NoError(t, set.Sync(ctx))

	assert.Equal(t, orderbook.StateStale, books.State(btc))
	v := set.View()
	require.Len(t, v.Orders, 1, "never removed on disconnect")
	assert.True(t, v.Orders[0].Unconfirmed)

	s.HandleMarket(models.BookSnapshot{Key: btc, Sequence: 5,
		Bids: []models.PriceLevel{models.Level("100", "1")}, Asks: []models.PriceLevel{models.Level("101", "1")}})
	poller.result = liveorders.PollResult{
		Orders: []models.WorkingOrder{{
			ExchangeOrderID: "o1", Side: models.OrderSideBuy, Status: models.OrderStatusOpen,
			Price: dec("100"), Size: dec("1"),
		}},
		Position: &models.Position{Size: decimal.Zero},
	}
	require.NoError(t, s.PollOnce(ctx))
	require.NoError(t, set.Sync(ctx))

	assert.Equal(t, orderbook.StateLive, books.State(btc))
	assert.False(t, set.View().Unconfirmed())
	assert.False(t, s.LastPoll().IsZero())
}

func TestSupervisor_ReconnectsWithBackoff(t *testing.T) {
	books := orderbook.NewEngine(orderbook.Options{}, quietLogger())
	market := &scriptedMarket{script: func(n int) ([]models.MarketFeedEvent, error) {
		if n == 0 {
			return []models.MarketFeedEvent{models.BookSnapshot{Key: btc, Sequence: 1,
				Bids: []models.PriceLevel{models.Level("1", "1")}, Asks: []models.PriceLevel{models.Level("2", "1")}}},
				errors.New("connection reset")
		}
		if n < 3 {
			return nil, errors.New("dial failed")
		}
		return nil, nil
	}}
	s := NewSupervisor(fastOptions(), Deps{Market: market, Books: books}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return market.Attempts() >= 4 }, time.Second, time.Millisecond)
	assert.Equal(t, orderbook.StateStale, books.State(btc))

	health := s.Health()
	require.Len(t, health, 1)
	assert.Equal(t, "market", health[0].Name)
	assert.Equal(t, 3, health[0].Reconnects)

	cancel()
	assert.NoError(t, <-done)
}

func TestSupervisor_FatalErrorStops(t *testing.T) {
	market := &scriptedMarket{script: func(int) ([]models.MarketFeedEvent, error) {
		return nil, &oms.ExecError{Kind: oms.ErrAuthFailure, Message: "invalid jwt"}
	}}
	s := NewSupervisor(fastOptions(), Deps{
		Market: market,
		Books:  orderbook.NewEngine(orderbook.Options{}, quietLogger()),
	}, quietLogger())

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, oms.ErrAuthFailure)
	assert.Equal(t, 1, market.Attempts(), "auth failures are not retried")
}

func TestSupervisor_ResyncFetchesSnapshot(t *testing.T) {
	books := orderbook.NewEngine(orderbook.Options{}, quietLogger())
	fetcher := &fakeFetcher{fail: 1}
	s := NewSupervisor(fastOptions(), Deps{Books: books, Fetcher: fetcher}, quietLogger())

	s.HandleMarket(models.BookSnapshot{Key: btc, Sequence: 1,
		Bids: []models.PriceLevel{models.Level("100", "1")}, Asks: []models.PriceLevel{models.Level("101", "1")}})
	s.HandleMarket(models.BookDelta{Key: btc, Sequence: 7})
	require.Equal(t, orderbook.StateStale, books.State(btc))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool { return books.State(btc) == orderbook.StateLive }, time.Second, time.Millisecond)
	snap, _ := books.Snapshot(btc)
	assert.Equal(t, uint64(10), snap.Sequence)
	assert.Equal(t, int32(2), fetcher.calls.Load(), "first failure retried")
}

func TestSupervisor_ResyncPrefersResubscribe(t *testing.T) {
	books := orderbook.NewEngine(orderbook.Options{}, quietLogger())
	market := &resubscribingMarket{scriptedMarket{script: func(int) ([]models.MarketFeedEvent, error) {
		return []models.MarketFeedEvent{models.BookSnapshot{Key: btc, Sequence: 1,
			Bids: []models.PriceLevel{models.Level("1", "1")}, Asks: []models.PriceLevel{models.Level("2", "1")}}}, nil
	}}}
	s := NewSupervisor(fastOptions(), Deps{Market: market, Books: books}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool { return books.State(btc) == orderbook.StateLive }, time.Second, time.Millisecond)
	s.HandleMarket(models.BookDelta{Key: btc, Sequence: 9})

	require.Eventually(t, func() bool {
		market.mu.Lock()
		defer market.mu.Unlock()
		return len(market.resubscribed) == 1
	}, time.Second, time.Millisecond)
}

func TestSupervisor_PollFailureIsRetriedFatalIsNot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller := &fakePoller{err: errors.New("timeout")}
	var observed atomic.Int32
	s := NewSupervisor(fastOptions(), Deps{
		Live:          map[string]*liveorders.Set{"BTC-USD": newSet(ctx, nil)},
		Poller:        poller,
		OnPollLatency: func(time.Duration) { observed.Add(1) },
	}, quietLogger())

	assert.NoError(t, s.PollOnce(ctx))
	assert.Zero(t, observed.Load())

	poller.err = &oms.ExecError{Kind: oms.ErrAuthFailure}
	assert.ErrorIs(t, s.PollOnce(ctx), oms.ErrAuthFailure)

	poller.err = nil
	require.NoError(t, s.PollOnce(ctx))
	assert.Equal(t, int32(1), observed.Load())
}

func TestSupervisor_RequestPollDoesNotBlock(t *testing.T) {
	s := NewSupervisor(fastOptions(), Deps{}, quietLogger())
	s.RequestPoll()
	s.RequestPoll()
	assert.Len(t, s.pollNow, 1)
}
