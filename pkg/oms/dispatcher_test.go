package oms

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gregtusar/quoter/pkg/liveorders"
	"github.com/gregtusar/quoter/pkg/models"
	"github.com/gregtusar/quoter/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu       sync.Mutex
	calls    []OpKind
	inflight map[string]int
	overlap  bool

	create    func(ctx context.Context, req models.OrderRequest) (Result, error)
	amend     func(ctx context.Context, req models.AmendRequest) (Result, error)
	cancel    func(ctx context.Context, id string) (Result, error)
	cancelAll func(ctx context.Context, ids []string) (Result, error)
}

func (c *fakeClient) enter(kind OpKind, key string) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == nil {
		c.inflight = make(map[string]int)
	}
	c.calls = append(c.calls, kind)
	c.inflight[key]++
	if c.inflight[key] > 1 {
		c.overlap = true
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.inflight[key]--
	}
}

func (c *fakeClient) Calls() []OpKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]OpKind(nil), c.calls...)
}

func (c *fakeClient) Create(ctx context.Context, req models.OrderRequest) (Result, error) {
	defer c.enter(OpCreate, req.ClientOrderID)()
	if c.create != nil {
		return c.create(ctx, req)
	}
	return Result{OrderID: "x-" + req.ClientOrderID, Status: models.OrderStatusOpen}, nil
}

func (c *fakeClient) Amend(ctx context.Context, req models.AmendRequest) (Result, error) {
	defer c.enter(OpAmend, req.OrderID)()
	if c.amend != nil {
		return c.amend(ctx, req)
	}
	return Result{OrderID: req.OrderID}, nil
}

func (c *fakeClient) Cancel(ctx context.Context, _ string, id string) (Result, error) {
	defer c.enter(OpCancel, id)()
	if c.cancel != nil {
		return c.cancel(ctx, id)
	}
	return Result{OrderID: id, Status: models.OrderStatusCancelled}, nil
}

func (c *fakeClient) CancelAll(ctx context.Context, _ string, ids []string) (Result, error) {
	defer c.enter(OpCancelAll, "*")()
	if c.cancelAll != nil {
		return c.cancelAll(ctx, ids)
	}
	return Result{Cancelled: ids}, nil
}

type fakeLive struct {
	mu        sync.Mutex
	tracked   []string
	discarded []string
	events    []models.PrivateFeedEvent
}

func (l *fakeLive) TrackCreate(_ context.Context, o models.WorkingOrder) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracked = append(l.tracked, o.ClientOrderID)
	return nil
}

func (l *fakeLive) DiscardCreate(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discarded = append(l.discarded, id)
	return nil
}

func (l *fakeLive) HandleEvent(_ context.Context, ev models.PrivateFeedEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

type dispatchFixture struct {
	client  *fakeClient
	live    *fakeLive
	tracker *ratelimit.Tracker
	pending *PendingSet
	latency *LatencyMonitor
	unknown atomic.Int32
	d       *Dispatcher
}

func newDispatchFixture(limits map[ratelimit.EndpointClass]ratelimit.Limit) *dispatchFixture {
	f := &dispatchFixture{
		client:  &fakeClient{},
		live:    &fakeLive{},
		tracker: ratelimit.NewTracker("test", limits),
		pending: NewPendingSet(),
		latency: NewLatencyMonitor(0.5),
	}
	f.d = NewDispatcher(f.client, f.tracker, f.live, f.pending, f.latency, DispatcherOptions{
		Exchange:         "test",
		Symbol:           "BTC-USD",
		Concurrency:      4,
		Timeout:          50 * time.Millisecond,
		OnUnknownOutcome: func() { f.unknown.Add(1) },
	}, quietLogger())
	return f
}

func createOp(cid, batch string) Operation {
	return Operation{
		Kind:  OpCreate,
		Stage: StagePlace,
		Batch: batch,
		Side:  models.OrderSideBuy,
		Units: 1,
		Create: models.OrderRequest{
			ClientOrderID: cid,
			Symbol:        "BTC-USD",
			Side:          models.OrderSideBuy,
			Type:          models.OrderTypeLimit,
			Price:         dec("100"),
			Size:          dec("1"),
		},
	}
}

func cancelOp(id, batch string) Operation {
	return Operation{Kind: OpCancel, Stage: StageCancel, Batch: batch, Units: 1, OrderID: id}
}

func TestDispatch_CreateConfirmed(t *testing.T) {
	f := newDispatchFixture(map[ratelimit.EndpointClass]ratelimit.Limit{
		ratelimit.ClassCreate: {Max: 10, Window: time.Minute},
	})
	f.client.create = func(_ context.Context, req models.OrderRequest) (Result, error) {
		return Result{
			OrderID:   "x1",
			Status:    models.OrderStatusOpen,
			Latency:   30 * time.Millisecond,
			RateLimit: &RateLimitInfo{Class: ratelimit.ClassCreate, Remaining: 7, Max: 10},
		}, nil
	}

	report := f.d.Dispatch(context.Background(), []Operation{createOp("c1", "")})

	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeOK, report.Results[0].Outcome)
	assert.Equal(t, "x1", report.Results[0].OrderID)
	assert.Equal(t, []string{"c1", "c1"}, f.live.tracked, "queued at submit, restamped at send")
	require.Len(t, f.live.events, 1)
	ack := f.live.events[0].(models.OrderAck)
	assert.Equal(t, "x1", ack.OrderID)
	assert.Equal(t, "c1", ack.ClientOrderID)

	remaining, ok := f.tracker.Snapshot().Remaining(ratelimit.ClassCreate)
	require.True(t, ok)
	assert.Equal(t, 7, remaining, "exchange counters win over the local prediction")
	assert.Equal(t, 30*time.Millisecond, f.latency.Value())
	assert.Empty(t, f.pending.Keys())
}

func TestDispatch_RateLimitedExhaustsBudget(t *testing.T) {
	f := newDispatchFixture(map[ratelimit.EndpointClass]ratelimit.Limit{
		ratelimit.ClassCreate: {Max: 10, Window: time.Minute},
	})
	f.client.create = func(context.Context, models.OrderRequest) (Result, error) {
		return Result{}, &ExecError{Kind: ErrRateLimited, Op: OpCreate, RetryAfter: 2 * time.Second}
	}

	report := f.d.Dispatch(context.Background(), []Operation{createOp("c1", "")})

	assert.Equal(t, OutcomeDeferred, report.Results[0].Outcome)
	assert.ErrorIs(t, report.Results[0].Err, ErrRateLimited)
	assert.Equal(t, []string{"c1"}, f.live.discarded)
	remaining, _ := f.tracker.Snapshot().Remaining(ratelimit.ClassCreate)
	assert.Zero(t, remaining)
}

func TestDispatch_BudgetCheckedAtSendTime(t *testing.T) {
	f := newDispatchFixture(map[ratelimit.EndpointClass]ratelimit.Limit{
		ratelimit.ClassCancel: {Max: 0},
	})

	report := f.d.Dispatch(context.Background(), []Operation{cancelOp("o1", "")})

	assert.Equal(t, OutcomeDeferred, report.Results[0].Outcome)
	assert.Empty(t, f.client.Calls())
}

func TestDispatch_UnaffordableCreateDropsItsShadow(t *testing.T) {
	f := newDispatchFixture(map[ratelimit.EndpointClass]ratelimit.Limit{
		ratelimit.ClassCreate: {Max: 0},
	})

	report := f.d.Dispatch(context.Background(), []Operation{createOp("c1", "")})

	assert.Equal(t, OutcomeDeferred, report.Results[0].Outcome)
	assert.Equal(t, []string{"c1"}, f.live.tracked)
	assert.Equal(t, []string{"c1"}, f.live.discarded)
	assert.Empty(t, f.client.Calls())
}

func TestDispatch_QueuedCreateHoldsItsSlot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := quietLogger()
	live := liveorders.NewSet(liveorders.Options{Exchange: "test", Symbol: "BTC-USD"}, logger)
	go live.Run(ctx)

	entered := make(chan string, 2)
	release := make(chan struct{})
	client := &fakeClient{create: func(_ context.Context, req models.OrderRequest) (Result, error) {
		entered <- req.ClientOrderID
		<-release
		return Result{OrderID: "x-" + req.ClientOrderID, Status: models.OrderStatusOpen}, nil
	}}
	pending := NewPendingSet()
	engine := NewEngine(Config{Exchange: "test", Symbol: "BTC-USD", InnerCount: 2, TickSize: dec("0.01")}, pending, logger)
	d := NewDispatcher(client, ratelimit.NewTracker("test", nil), live, pending, nil, DispatcherOptions{
		Exchange:    "test",
		Symbol:      "BTC-USD",
		Concurrency: 1,
		Timeout:     time.Minute,
	}, logger)

	desired := []models.DesiredOrder{
		want(models.OrderSideBuy, "100", "1"),
		want(models.OrderSideBuy, "99", "1"),
	}
	first := engine.Reconcile(Input{Desired: desired, Live: live.View()})
	require.Equal(t, 2, first.Count(OpCreate))

	done := d.Submit(ctx, first.Ops)
	<-entered
	require.NoError(t, live.Sync(ctx))

	// One create is on the wire, the other waits for the only slot.
	v := live.View()
	require.Len(t, v.Orders, 2)
	for _, o := range v.Orders {
		assert.True(t, o.InFlight)
	}
	second := engine.Reconcile(Input{Desired: desired, Live: v})
	assert.Zero(t, second.Count(OpCreate), "queued create planned again")

	close(release)
	report := <-done
	assert.Equal(t, 2, report.Count(OutcomeOK))
	require.NoError(t, live.Sync(ctx))
	v = live.View()
	require.Len(t, v.Orders, 2)
	for _, o := range v.Orders {
		assert.False(t, o.InFlight)
		assert.NotEmpty(t, o.ExchangeOrderID)
	}
}

func TestDispatch_TimeoutIsUnknownOutcome(t *testing.T) {
	f := newDispatchFixture(nil)
	f.client.create = func(ctx context.Context, _ models.OrderRequest) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}

	report := f.d.Dispatch(context.Background(), []Operation{createOp("c1", "")})

	res := report.Results[0]
	assert.Equal(t, OutcomeUnknown, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrUnknownOutcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Empty(t, f.live.discarded, "shadow stays until a poll decides")
	assert.Equal(t, int32(1), f.unknown.Load())
	assert.Len(t, f.client.Calls(), 1, "never retried")
}

func TestDispatch_RejectedDiscardsShadow(t *testing.T) {
	f := newDispatchFixture(nil)
	f.client.create = func(context.Context, models.OrderRequest) (Result, error) {
		return Result{}, &ExecError{Kind: ErrRejected, Op: OpCreate, Code: "INVALID_LIMIT_PRICE_POST_ONLY"}
	}

	report := f.d.Dispatch(context.Background(), []Operation{createOp("c1", "")})

	assert.Equal(t, OutcomeRejected, report.Results[0].Outcome)
	assert.Equal(t, []string{"c1"}, f.live.discarded)
	assert.Len(t, report.Filter(OutcomeRejected), 1)
}

func TestDispatch_FailedCancelAbortsBatch(t *testing.T) {
	f := newDispatchFixture(nil)
	f.client.cancel = func(context.Context, string) (Result, error) {
		return Result{}, &ExecError{Kind: ErrRejected, Op: OpCancel}
	}

	report := f.d.Dispatch(context.Background(), []Operation{
		cancelOp("o1", "replace/o1"),
		createOp("c1", "replace/o1"),
		createOp("c2", ""),
	})

	assert.Equal(t, OutcomeRejected, report.Results[0].Outcome)
	assert.Equal(t, OutcomeDeferred, report.Results[1].Outcome)
	assert.ErrorIs(t, report.Results[1].Err, ErrBatchAborted)
	assert.Equal(t, OutcomeOK, report.Results[2].Outcome)
	assert.Equal(t, []OpKind{OpCancel, OpCreate}, f.client.Calls())
}

func TestDispatch_FatalStopsLaterStages(t *testing.T) {
	f := newDispatchFixture(nil)
	f.client.cancelAll = func(context.Context, []string) (Result, error) {
		return Result{}, &ExecError{Kind: ErrAuthFailure, Op: OpCancelAll, StatusCode: 401}
	}

	report := f.d.Dispatch(context.Background(), []Operation{
		{Kind: OpCancelAll, Stage: StageCancel, Units: 1, OrderIDs: []string{"o1"}},
		createOp("c1", ""),
	})

	require.Error(t, report.Fatal)
	assert.True(t, Fatal(report.Fatal))
	assert.Equal(t, OutcomeFatal, report.Results[0].Outcome)
	assert.Equal(t, OutcomeDeferred, report.Results[1].Outcome)
	assert.Equal(t, []OpKind{OpCancelAll}, f.client.Calls())
}

func TestDispatch_CancelAllConfirmsEachOrder(t *testing.T) {
	f := newDispatchFixture(nil)
	f.client.cancelAll = func(_ context.Context, ids []string) (Result, error) {
		return Result{Cancelled: ids[:1]}, nil
	}

	f.d.Dispatch(context.Background(), []Operation{
		{Kind: OpCancelAll, Stage: StageCancel, Units: 1, OrderIDs: []string{"o1", "o2"}},
	})

	require.Len(t, f.live.events, 1)
	ack := f.live.events[0].(models.OrderAck)
	assert.Equal(t, "o1", ack.OrderID)
	assert.Equal(t, models.OrderStatusCancelled, ack.Status)
}

func TestDispatch_SerializesOpsOnSameOrder(t *testing.T) {
	f := newDispatchFixture(nil)
	slow := func() { time.Sleep(10 * time.Millisecond) }
	f.client.amend = func(_ context.Context, req models.AmendRequest) (Result, error) {
		slow()
		return Result{OrderID: req.OrderID}, nil
	}
	f.client.cancel = func(_ context.Context, id string) (Result, error) {
		slow()
		return Result{OrderID: id}, nil
	}

	amend := Operation{Kind: OpAmend, Stage: StagePlace, Units: 1, OrderID: "o1",
		Amend: models.AmendRequest{OrderID: "o1", Price: dec("100"), Size: dec("1")}}
	cancel := cancelOp("o1", "")
	cancel.Stage = StagePlace

	report := f.d.Dispatch(context.Background(), []Operation{amend, cancel, amend, cancel})

	assert.Equal(t, 4, report.Count(OutcomeOK))
	assert.False(t, f.client.overlap, "two calls for one order were in flight together")
}

func TestDispatch_SubmitMarksPendingUntilDone(t *testing.T) {
	f := newDispatchFixture(nil)
	release := make(chan struct{})
	f.client.cancel = func(_ context.Context, id string) (Result, error) {
		<-release
		return Result{OrderID: id}, nil
	}

	ch := f.d.Submit(context.Background(), []Operation{cancelOp("o1", "")})
	assert.True(t, f.pending.Contains("o1"))

	close(release)
	report := <-ch
	assert.Equal(t, OutcomeOK, report.Results[0].Outcome)
	assert.False(t, f.pending.Contains("o1"))
}

func TestExecError_Is(t *testing.T) {
	cause := errors.New("connection reset")
	err := &ExecError{Kind: ErrUnknownOutcome, Op: OpCancel, Err: cause}
	assert.ErrorIs(t, err, ErrUnknownOutcome)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrRejected)
	assert.False(t, Fatal(err))
	assert.Contains(t, err.Error(), "cancel: unknown outcome")
}
