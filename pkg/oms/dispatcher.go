package oms

import (
	"context"
	"errors"
	"time"

	"github.com/gregtusar/quoter/pkg/models"
	"github.com/gregtusar/quoter/pkg/ratelimit"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// BudgetTracker is the shared rate budget the dispatcher commits to at send time.
type BudgetTracker interface {
	TryReserve(class ratelimit.EndpointClass, count int) (ratelimit.Reservation, bool)
	Release(res ratelimit.Reservation)
	RecordResponse(class ratelimit.EndpointClass, remaining, max int, resetAt, observedAt time.Time) bool
	Exhaust(class ratelimit.EndpointClass, resetAt, observedAt time.Time)
}

// LiveOrders receives confirmed exchange responses. *liveorders.Set implements it.
type LiveOrders interface {
	TrackCreate(ctx context.Context, o models.WorkingOrder) error
	DiscardCreate(ctx context.Context, clientOrderID string) error
	HandleEvent(ctx context.Context, ev models.PrivateFeedEvent) error
}

type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeDeferred Outcome = "deferred"
	OutcomeRejected Outcome = "rejected"
	OutcomeUnknown  Outcome = "unknown"
	OutcomeFatal    Outcome = "fatal"
)

type OpResult struct {
	Op      Operation     `json:"op"`
	Outcome Outcome       `json:"outcome"`
	OrderID string        `json:"order_id,omitempty"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
	Err     error         `json:"-"`
}

// Report summarizes one dispatch.
type Report struct {
	Started  time.Time  `json:"started"`
	Finished time.Time  `json:"finished"`
	Results  []OpResult `json:"results"`
	Fatal    error      `json:"-"`
}

func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

func (r Report) Filter(o Outcome) []OpResult {
	var out []OpResult
	for _, res := range r.Results {
		if res.Outcome == o {
			out = append(out, res)
		}
	}
	return out
}

type DispatcherOptions struct {
	Exchange string
	Symbol   string
	// Concurrency bounds in-flight calls, usually the exchange connection limit.
	Concurrency int
	// Timeout bounds every call; a timed out call has an unknown outcome.
	Timeout time.Duration
	Clock   func() time.Time
	// OnUnknownOutcome is called after a call whose effect could not be
	// determined, typically to request an immediate state poll.
	OnUnknownOutcome func()
}

type Dispatcher struct {
	client  ExecutionClient
	tracker BudgetTracker
	live    LiveOrders
	pending *PendingSet
	latency *LatencyMonitor
	locks   *keyedMutex
	opts    DispatcherOptions
	logger  *logrus.Logger
}

func NewDispatcher(client ExecutionClient, tracker BudgetTracker, live LiveOrders, pending *PendingSet, latency *LatencyMonitor, opts DispatcherOptions, logger *logrus.Logger) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if pending == nil {
		pending = NewPendingSet()
	}
	if latency == nil {
		latency = NewLatencyMonitor(0)
	}
	return &Dispatcher{
		client:  client,
		tracker: tracker,
		live:    live,
		pending: pending,
		latency: latency,
		locks:   newKeyedMutex(),
		opts:    opts,
		logger:  logger,
	}
}

// Submit marks ops pending, queues an in-flight shadow for every limit create
// and dispatches them in the background. Shadows are queued before Submit
// returns, so a later cycle sees the create even while it waits for a slot.
// The report is delivered on the returned channel.
func (d *Dispatcher) Submit(ctx context.Context, ops []Operation) <-chan Report {
	for _, op := range ops {
		d.pending.Add(op.Keys()...)
		if !isLimitCreate(op) {
			continue
		}
		if err := d.live.TrackCreate(ctx, d.shadow(op)); err != nil {
			d.logger.WithError(err).WithField("client_order_id", op.Create.ClientOrderID).Warn("Failed to queue shadow order")
		}
	}
	ch := make(chan Report, 1)
	go func() {
		defer close(ch)
		ch <- d.run(ctx, ops)
	}()
	return ch
}

// Dispatch runs ops and waits for the report.
func (d *Dispatcher) Dispatch(ctx context.Context, ops []Operation) Report {
	return <-d.Submit(ctx, ops)
}

func (d *Dispatcher) run(ctx context.Context, ops []Operation) Report {
	report := Report{Started: d.opts.Clock(), Results: make([]OpResult, len(ops))}
	failedBatches := make(map[string]bool)

	for start := 0; start < len(ops); {
		end := start
		for end < len(ops) && ops[end].Stage == ops[start].Stage {
			end++
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.opts.Concurrency)
		for i := start; i < end; i++ {
			i, op := i, ops[i]
			if report.Fatal != nil {
				d.pending.Done(op.Keys()...)
				d.discard(ctx, op)
				report.Results[i] = d.result(op, OutcomeDeferred, report.Fatal)
				continue
			}
			if op.Batch != "" && failedBatches[op.Batch] {
				d.pending.Done(op.Keys()...)
				d.discard(ctx, op)
				report.Results[i] = d.result(op, OutcomeDeferred, ErrBatchAborted)
				continue
			}
			g.Go(func() error {
				res := d.execute(gctx, op)
				report.Results[i] = res
				if res.Outcome == OutcomeFatal {
					return res.Err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil && report.Fatal == nil {
			report.Fatal = err
		}
		for i := start; i < end; i++ {
			if ops[i].Batch != "" && report.Results[i].Outcome != OutcomeOK {
				failedBatches[ops[i].Batch] = true
			}
		}
		start = end
	}

	report.Finished = d.opts.Clock()
	d.logger.WithFields(logrus.Fields{
		"symbol":   d.opts.Symbol,
		"ops":      len(ops),
		"ok":       report.Count(OutcomeOK),
		"deferred": report.Count(OutcomeDeferred),
		"rejected": report.Count(OutcomeRejected),
		"unknown":  report.Count(OutcomeUnknown),
		"duration": report.Finished.Sub(report.Started).String(),
	}).Debug("Dispatch finished")
	return report
}

func (d *Dispatcher) execute(ctx context.Context, op Operation) OpResult {
	keys := op.Keys()
	defer d.pending.Done(keys...)
	unlock := d.locks.lock(keys)
	defer unlock()

	if err := ctx.Err(); err != nil {
		d.discard(ctx, op)
		return d.result(op, OutcomeDeferred, err)
	}
	reservation, ok := d.tracker.TryReserve(op.Class(), op.Units)
	if !ok {
		d.logger.WithFields(logrus.Fields{
			"symbol": d.opts.Symbol,
			"op":     op.Kind,
			"class":  op.Class(),
		}).Debug("Operation deferred, budget exhausted")
		d.discard(ctx, op)
		return d.result(op, OutcomeDeferred, ErrRateLimited)
	}

	if isLimitCreate(op) {
		// Restamped at send time so a poll taken while the create was
		// queued does not age the shadow out.
		if err := d.live.TrackCreate(ctx, d.shadow(op)); err != nil {
			d.tracker.Release(reservation)
			d.discard(ctx, op)
			return d.result(op, OutcomeDeferred, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	started := d.opts.Clock()
	res, err := d.call(callCtx, op)
	cancel()

	latency := res.Latency
	if latency <= 0 {
		latency = d.opts.Clock().Sub(started)
	}
	d.latency.Observe(latency)

	var execErr *ExecError
	errors.As(err, &execErr)
	rl := res.RateLimit
	if execErr != nil && execErr.RateLimit != nil {
		rl = execErr.RateLimit
	}
	if rl != nil {
		class := rl.Class
		if class == "" {
			class = op.Class()
		}
		observed := rl.ObservedAt
		if observed.IsZero() {
			observed = d.opts.Clock()
		}
		d.tracker.RecordResponse(class, rl.Remaining, rl.Max, rl.ResetAt, observed)
	}

	entry := d.logger.WithFields(logrus.Fields{
		"symbol":  d.opts.Symbol,
		"op":      op.Kind,
		"reason":  op.Reason,
		"order":   firstKey(keys),
		"latency": latency.String(),
	})

	if err == nil {
		d.confirm(ctx, op, res)
		out := d.result(op, OutcomeOK, nil)
		out.OrderID = res.OrderID
		out.Latency = latency
		entry.Debug("Operation confirmed")
		return out
	}

	var out OpResult
	switch {
	case errors.Is(err, ErrRateLimited):
		now := d.opts.Clock()
		var resetAt time.Time
		if execErr != nil && execErr.RetryAfter > 0 {
			resetAt = now.Add(execErr.RetryAfter)
		}
		d.tracker.Exhaust(op.Class(), resetAt, now)
		d.discard(ctx, op)
		out = d.result(op, OutcomeDeferred, err)
		entry.WithError(err).Info("Operation denied by exchange rate limit")
	case errors.Is(err, ErrRejected):
		d.discard(ctx, op)
		out = d.result(op, OutcomeRejected, err)
		entry.WithError(err).Warn("Operation rejected")
	case Fatal(err):
		d.discard(ctx, op)
		out = d.result(op, OutcomeFatal, err)
		entry.WithError(err).WithField("alert", "exchange_fatal").Error("Fatal exchange error")
	default:
		// Timeouts, transport errors and anything unclassified: the call may
		// or may not have taken effect. The shadow stays until a poll decides.
		if !errors.Is(err, ErrUnknownOutcome) {
			err = &ExecError{Kind: ErrUnknownOutcome, Op: op.Kind, Err: err}
		}
		out = d.result(op, OutcomeUnknown, err)
		entry.WithError(err).WithField("alert", "unknown_outcome").Warn("Operation outcome unknown, awaiting poll")
		if d.opts.OnUnknownOutcome != nil {
			d.opts.OnUnknownOutcome()
		}
	}
	out.Latency = latency
	return out
}

func (d *Dispatcher) call(ctx context.Context, op Operation) (Result, error) {
	switch op.Kind {
	case OpCreate:
		return d.client.Create(ctx, op.Create)
	case OpAmend:
		return d.client.Amend(ctx, op.Amend)
	case OpCancel:
		return d.client.Cancel(ctx, d.opts.Symbol, op.OrderID)
	case OpCancelAll:
		return d.client.CancelAll(ctx, d.opts.Symbol, op.OrderIDs)
	default:
		return Result{}, &ExecError{Kind: ErrRejected, Op: op.Kind, Message: "unsupported operation"}
	}
}

// confirm feeds an acknowledged response into the live order set.
func (d *Dispatcher) confirm(ctx context.Context, op Operation, res Result) {
	now := d.opts.Clock()
	status := res.Status
	var events []models.PrivateFeedEvent

	switch op.Kind {
	case OpCreate:
		if op.Create.Type == models.OrderTypeMarket {
			return
		}
		if status == "" {
			status = models.OrderStatusOpen
		}
		events = append(events, models.OrderAck{
			Exchange:      d.opts.Exchange,
			Symbol:        op.Create.Symbol,
			OrderID:       res.OrderID,
			ClientOrderID: op.Create.ClientOrderID,
			Side:          op.Create.Side,
			Status:        status,
			Price:         op.Create.Price,
			Size:          op.Create.Size,
			Time:          now,
		})
	case OpAmend:
		if status == "" {
			status = models.OrderStatusOpen
		}
		events = append(events, models.OrderAck{
			Exchange: d.opts.Exchange,
			Symbol:   op.Amend.Symbol,
			OrderID:  op.OrderID,
			Side:     op.Side,
			Status:   status,
			Price:    op.Amend.Price,
			Size:     op.Amend.Size,
			Time:     now,
		})
	case OpCancel:
		events = append(events, d.cancelled(op.OrderID, now))
	case OpCancelAll:
		// Clients that cannot tell which orders went report none; the scoped
		// ids are then taken as cancelled and the next poll corrects any miss.
		ids := res.Cancelled
		if ids == nil {
			ids = op.OrderIDs
		}
		for _, id := range ids {
			events = append(events, d.cancelled(id, now))
		}
	}

	for _, ev := range events {
		if err := d.live.HandleEvent(ctx, ev); err != nil {
			d.logger.WithError(err).WithField("symbol", d.opts.Symbol).Warn("Failed to record confirmation")
			return
		}
	}
}

func (d *Dispatcher) cancelled(id string, at time.Time) models.OrderAck {
	return models.OrderAck{
		Exchange: d.opts.Exchange,
		Symbol:   d.opts.Symbol,
		OrderID:  id,
		Status:   models.OrderStatusCancelled,
		Time:     at,
	}
}

func isLimitCreate(op Operation) bool {
	return op.Kind == OpCreate && op.Create.Type != models.OrderTypeMarket
}

func (d *Dispatcher) shadow(op Operation) models.WorkingOrder {
	return models.WorkingOrder{
		ClientOrderID: op.Create.ClientOrderID,
		Symbol:        op.Create.Symbol,
		Side:          op.Create.Side,
		Price:         op.Create.Price,
		Size:          op.Create.Size,
		CreatedAt:     d.opts.Clock(),
	}
}

// discard drops the shadow of a limit create that will not be sent or was
// definitively refused.
func (d *Dispatcher) discard(ctx context.Context, op Operation) {
	if !isLimitCreate(op) {
		return
	}
	if err := d.live.DiscardCreate(ctx, op.Create.ClientOrderID); err != nil {
		d.logger.WithError(err).WithField("client_order_id", op.Create.ClientOrderID).Warn("Failed to discard shadow order")
	}
}

func (d *Dispatcher) result(op Operation, outcome Outcome, err error) OpResult {
	r := OpResult{Op: op, Outcome: outcome, Err: err}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func firstKey(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}
