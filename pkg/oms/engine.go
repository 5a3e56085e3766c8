// Package oms turns desired quotes into exchange operations and dispatches
// them under per-endpoint rate budgets.
//
// Engine.Reconcile is pure planning: it reads an immutable live-order view and
// a budget ledger and returns a Plan. It never mutates live order state; only
// confirmed exchange responses do that, through the Dispatcher.
package oms

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/quoter/pkg/liveorders"
	"github.com/gregtusar/quoter/pkg/models"
	"github.com/gregtusar/quoter/pkg/ratelimit"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Costs are the rate-limit units one call consumes on an exchange.
type Costs struct {
	Create    int `mapstructure:"create"`
	Amend     int `mapstructure:"amend"`
	Cancel    int `mapstructure:"cancel"`
	CancelAll int `mapstructure:"cancel_all"`
}

func (c Costs) withDefaults() Costs {
	if c.Create <= 0 {
		c.Create = 1
	}
	if c.Amend <= 0 {
		c.Amend = 1
	}
	if c.Cancel <= 0 {
		c.Cancel = 1
	}
	if c.CancelAll <= 0 {
		c.CancelAll = 1
	}
	return c
}

type Config struct {
	Exchange string
	Symbol   string
	// InnerCount is how many orders per side, closest to the touch, are inner.
	InnerCount int
	TickSize   decimal.Decimal
	LotSize    decimal.Decimal
	// PriceDeadband: price differences at or below it are not worth a call.
	PriceDeadband decimal.Decimal
	// AmendPriceTolerance is the largest price move done as an amend; larger
	// moves are replaced. Zero amends any move.
	AmendPriceTolerance decimal.Decimal
	// SizeTolerancePct is a fraction, 0.05 meaning 5%.
	SizeTolerancePct decimal.Decimal
	// OuterBuffer is the price drift outer orders tolerate.
	OuterBuffer           decimal.Decimal
	LatencyThreshold      time.Duration
	MaxPosition           decimal.Decimal
	InventoryExtremeRatio decimal.Decimal
	PostOnly              bool
	Costs                 Costs
}

// Reserver is the budget the planner draws from, usually a ratelimit.Ledger.
type Reserver interface {
	TryReserve(class ratelimit.EndpointClass, count int) (ratelimit.Reservation, bool)
	Release(res ratelimit.Reservation)
}

type Input struct {
	Desired []models.DesiredOrder
	Live    liveorders.View
	Budget  Reserver
	// Latency is the current smoothed round-trip time to the exchange.
	Latency time.Duration
	// Halted withdraws all quotes: desired orders are ignored and reported
	// as deferred, cancels and flattening still go out.
	Halted bool
}

type Engine struct {
	cfg     Config
	logger  *logrus.Logger
	pending *PendingSet
	newID   func() string
}

func NewEngine(cfg Config, pending *PendingSet, logger *logrus.Logger) *Engine {
	if cfg.InnerCount <= 0 {
		cfg.InnerCount = 1
	}
	cfg.Costs = cfg.Costs.withDefaults()
	if pending == nil {
		pending = NewPendingSet()
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		pending: pending,
		newID:   uuid.NewString,
	}
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Pending() *PendingSet { return e.pending }

// Reconcile plans the operations that move live orders toward desired.
func (e *Engine) Reconcile(in Input) Plan {
	p := &planner{Engine: e, in: in}
	if p.in.Budget == nil {
		p.in.Budget = ratelimit.NewLedger(nil)
	}
	p.run()
	plan := p.plan
	sortByStage(plan.Ops)

	if !plan.Empty() || len(plan.Deferred) > 0 {
		e.logger.WithFields(logrus.Fields{
			"symbol":   e.cfg.Symbol,
			"ops":      len(plan.Ops),
			"deferred": len(plan.Deferred),
			"skipped":  len(plan.Skipped),
			"override": plan.Override,
		}).Debug("Reconciliation planned")
	}
	return plan
}

// Guard plans only protective operations for a cycle that does not quote,
// because the live view awaits a poll or the book is briefly not live. The
// latency and inventory overrides still apply and, when in.Halted is set,
// every resting quote is pulled. Desired orders are ignored.
func (e *Engine) Guard(in Input) Plan {
	p := &planner{Engine: e, in: in}
	if p.in.Budget == nil {
		p.in.Budget = ratelimit.NewLedger(nil)
	}
	p.guard()
	plan := p.plan
	sortByStage(plan.Ops)

	if !plan.Empty() || len(plan.Deferred) > 0 {
		e.logger.WithFields(logrus.Fields{
			"symbol":   e.cfg.Symbol,
			"ops":      len(plan.Ops),
			"deferred": len(plan.Deferred),
			"override": plan.Override,
		}).Info("Protective operations planned")
	}
	return plan
}

type planner struct {
	*Engine
	in   Input
	plan Plan
}

func (p *planner) run() {
	if p.latencyBreached() {
		p.latencyOverride()
		return
	}

	desired := p.prepare(p.in.Desired)

	if side, reduce, ok := p.inventoryBreach(); ok {
		p.inventoryOverride(side, reduce)
		// Quoting that adds to the breached inventory is dropped this cycle.
		breached := side.Opposite()
		kept := desired[:0:0]
		for _, d := range desired {
			if d.Side != breached {
				kept = append(kept, d)
			}
		}
		desired = kept
	}

	if p.in.Halted {
		for _, d := range desired {
			p.postpone(p.createOp(d, "", ReasonHalted), ErrQuotingHalted)
		}
		desired = nil
	}

	liveBids := p.in.Live.Side(models.OrderSideBuy)
	liveAsks := p.in.Live.Side(models.OrderSideSell)
	wantBids := sideOf(desired, models.OrderSideBuy)
	wantAsks := sideOf(desired, models.OrderSideSell)

	if flipped(liveBids, liveAsks, wantBids, wantAsks) {
		p.sideFlip(append(liveBids, liveAsks...), desired)
		return
	}
	p.reconcileSide(models.OrderSideBuy, liveBids, wantBids)
	p.reconcileSide(models.OrderSideSell, liveAsks, wantAsks)
}

func (p *planner) guard() {
	if p.latencyBreached() {
		p.latencyOverride()
		return
	}
	if side, reduce, ok := p.inventoryBreach(); ok {
		p.inventoryOverride(side, reduce)
	}
	if p.in.Halted {
		p.withdraw("halted", ReasonHalted)
	}
}

func (p *planner) latencyBreached() bool {
	t := p.cfg.LatencyThreshold
	return t > 0 && p.in.Latency > t
}

// latencyOverride pulls every quote and flattens the position.
func (p *planner) latencyOverride() {
	p.plan.Override = OverrideLatency
	p.logger.WithFields(logrus.Fields{
		"symbol":    p.cfg.Symbol,
		"latency":   p.in.Latency.String(),
		"threshold": p.cfg.LatencyThreshold.String(),
		"alert":     "latency_override",
	}).Warn("Round-trip latency above threshold, pulling all quotes")
	p.withdraw("latency", ReasonLatency)

	pos := p.in.Live.Position.Size
	if pos.IsZero() {
		return
	}
	if p.in.Live.PositionUnconfirmed {
		p.postpone(p.marketOp(sideToReduce(pos), pos.Abs(), ReasonLatency), ErrUnconfirmed)
		return
	}
	p.market(sideToReduce(pos), pos.Abs(), ReasonLatency)
}

// inventoryBreach returns the reduction that brings the position back to
// the extreme bound. An unconfirmed position is never acted on.
func (p *planner) inventoryBreach() (models.OrderSide, decimal.Decimal, bool) {
	if !p.cfg.MaxPosition.IsPositive() || !p.cfg.InventoryExtremeRatio.IsPositive() {
		return "", decimal.Zero, false
	}
	if p.in.Live.PositionUnconfirmed {
		return "", decimal.Zero, false
	}
	pos := p.in.Live.Position.Size
	bound := p.cfg.MaxPosition.Mul(p.cfg.InventoryExtremeRatio)
	if !pos.Abs().GreaterThan(bound) {
		return "", decimal.Zero, false
	}
	return sideToReduce(pos), p.roundLotUp(pos.Abs().Sub(bound)), true
}

func (p *planner) inventoryOverride(side models.OrderSide, reduce decimal.Decimal) {
	p.plan.Override = OverrideInventory
	p.logger.WithFields(logrus.Fields{
		"symbol":   p.cfg.Symbol,
		"position": p.in.Live.Position.Size.String(),
		"reduce":   reduce.String(),
		"alert":    "inventory_override",
	}).Warn("Inventory beyond extreme ratio, reducing")
	p.market(side, reduce, ReasonInventory)
}

// withdraw cancels every resting quote. Against a confirmed view the
// CancelAll is scoped to the known orders; an unconfirmed view may miss
// orders, so the CancelAll covers the whole symbol.
func (p *planner) withdraw(batch string, reason Reason) {
	live := p.in.Live
	if !live.Unconfirmed() {
		if ids := p.cancellable(live.Orders); len(ids) > 0 {
			p.cancelAll(ids, batch, reason)
		}
		return
	}
	if len(live.Orders) == 0 {
		return
	}
	if p.pending.Contains(cancelAllKey) {
		p.plan.Skipped = append(p.plan.Skipped, cancelAllKey)
		return
	}
	p.cancelAll(nil, batch, reason)
}

// flipped reports live orders only on one side and desired orders only on the other.
func flipped(liveBids, liveAsks []models.WorkingOrder, wantBids, wantAsks []models.DesiredOrder) bool {
	bidsToAsks := len(liveBids) > 0 && len(liveAsks) == 0 && len(wantAsks) > 0 && len(wantBids) == 0
	asksToBids := len(liveAsks) > 0 && len(liveBids) == 0 && len(wantBids) > 0 && len(wantAsks) == 0
	return bidsToAsks || asksToBids
}

func (p *planner) sideFlip(live []models.WorkingOrder, desired []models.DesiredOrder) {
	const batch = "side_flip"
	ids := p.cancellable(live)
	if len(ids) == 0 {
		for _, d := range desired {
			p.postpone(p.createOp(d, batch, ReasonSideFlip), ErrOrderBusy)
		}
		return
	}
	if !p.cancelAll(ids, batch, ReasonSideFlip) {
		for _, d := range desired {
			p.postpone(p.createOp(d, batch, ReasonSideFlip), ErrBatchAborted)
		}
		return
	}
	for _, d := range desired {
		p.create(d, batch, ReasonSideFlip)
	}
}

func (p *planner) reconcileSide(side models.OrderSide, live []models.WorkingOrder, want []models.DesiredOrder) {
	n := p.cfg.InnerCount
	if n > len(live) {
		n = len(live)
	}
	innerLive, outerLive := live[:n], live[n:]

	// Desired orders are classified by rank the same way as live ones, so a
	// quote shape is stable across cycles whatever roles the strategy set.
	m := p.cfg.InnerCount
	if m > len(want) {
		m = len(want)
	}
	innerWant := withRole(want[:m], models.RoleInner)
	outerWant := withRole(want[m:], models.RoleOuter)

	for i := 0; i < len(innerLive) || i < len(innerWant); i++ {
		switch {
		case i >= len(innerLive):
			p.create(innerWant[i], "", ReasonMissing)
		case i >= len(innerWant):
			p.cancel(innerLive[i], ReasonExtra)
		default:
			p.adjust(innerLive[i], innerWant[i], p.cfg.PriceDeadband, "")
		}
	}

	if len(outerLive) != len(outerWant) {
		p.reshape(side, outerLive, outerWant)
		return
	}
	batch := fmt.Sprintf("%s/outer", side)
	for i := range outerLive {
		p.adjust(outerLive[i], outerWant[i], p.cfg.OuterBuffer, batch)
	}
}

// reshape resets one side's outer orders: a single scoped CancelAll then a
// batch of creates.
func (p *planner) reshape(side models.OrderSide, live []models.WorkingOrder, want []models.DesiredOrder) {
	batch := fmt.Sprintf("%s/outer", side)
	if len(live) > 0 {
		ids := p.cancellable(live)
		if len(ids) < len(live) {
			// Some outer orders are still in flight; reset once they settle.
			for _, o := range live {
				if p.busy(o) {
					p.plan.Skipped = append(p.plan.Skipped, o.Key())
				}
			}
			for _, d := range want {
				p.postpone(p.createOp(d, batch, ReasonReshape), ErrOrderBusy)
			}
			return
		}
		if !p.cancelAll(ids, batch, ReasonReshape) {
			for _, d := range want {
				p.postpone(p.createOp(d, batch, ReasonReshape), ErrBatchAborted)
			}
			return
		}
	}
	for _, d := range want {
		p.create(d, batch, ReasonReshape)
	}
}

// adjust brings one live order to want if it drifted past deadband.
func (p *planner) adjust(live models.WorkingOrder, want models.DesiredOrder, deadband decimal.Decimal, batch string) {
	priceMove := want.Price.Sub(live.Price).Abs()
	priceChanged := priceMove.GreaterThan(deadband)
	sizeChanged := p.sizeChanged(live.RemainingSize(), want.Size)
	if !priceChanged && !sizeChanged {
		return
	}
	if p.busy(live) {
		p.plan.Skipped = append(p.plan.Skipped, live.Key())
		return
	}

	amend := Operation{
		Kind:    OpAmend,
		Stage:   StagePlace,
		Batch:   batch,
		Side:    live.Side,
		Role:    want.Role,
		Reason:  ReasonDrift,
		Units:   p.cfg.Costs.Amend,
		OrderID: live.ExchangeOrderID,
		Amend: models.AmendRequest{
			OrderID: live.ExchangeOrderID,
			Symbol:  p.cfg.Symbol,
			Price:   want.Price,
			// Exchanges take the new total size, filled part included.
			Size: want.Size.Add(live.FilledSize),
		},
	}

	tol := p.cfg.AmendPriceTolerance
	amendable := !tol.IsPositive() || !priceMove.GreaterThan(tol)
	if amendable {
		if _, ok := p.in.Budget.TryReserve(ratelimit.ClassAmend, amend.Units); ok {
			p.plan.Ops = append(p.plan.Ops, amend)
			return
		}
	}
	if p.replace(live, want, batch) {
		return
	}
	if amendable {
		p.postpone(amend, ErrRateLimited)
		return
	}
	p.postpone(p.cancelOp(live, ReasonReplace, "replace/"+live.ExchangeOrderID), ErrRateLimited)
}

// replace emits Cancel then Create when both are affordable together.
func (p *planner) replace(live models.WorkingOrder, want models.DesiredOrder, batch string) bool {
	if batch == "" {
		batch = "replace/" + live.ExchangeOrderID
	}
	cancel := p.cancelOp(live, ReasonReplace, batch)
	create := p.createOp(want, batch, ReasonReplace)

	cres, ok := p.in.Budget.TryReserve(ratelimit.ClassCancel, cancel.Units)
	if !ok {
		return false
	}
	if _, ok := p.in.Budget.TryReserve(ratelimit.ClassCreate, create.Units); !ok {
		p.in.Budget.Release(cres)
		return false
	}
	p.plan.Ops = append(p.plan.Ops, cancel, create)
	return true
}

func (p *planner) create(d models.DesiredOrder, batch string, reason Reason) {
	op := p.createOp(d, batch, reason)
	if _, ok := p.in.Budget.TryReserve(ratelimit.ClassCreate, op.Units); !ok {
		p.postpone(op, ErrRateLimited)
		return
	}
	p.plan.Ops = append(p.plan.Ops, op)
}

func (p *planner) createOp(d models.DesiredOrder, batch string, reason Reason) Operation {
	return Operation{
		Kind:   OpCreate,
		Stage:  StagePlace,
		Batch:  batch,
		Side:   d.Side,
		Role:   d.Role,
		Reason: reason,
		Units:  p.cfg.Costs.Create,
		Create: models.OrderRequest{
			ClientOrderID: p.newID(),
			Symbol:        p.cfg.Symbol,
			Side:          d.Side,
			Type:          models.OrderTypeLimit,
			Price:         d.Price,
			Size:          d.Size,
			PostOnly:      p.cfg.PostOnly,
		},
	}
}

func (p *planner) cancel(o models.WorkingOrder, reason Reason) {
	if p.busy(o) {
		p.plan.Skipped = append(p.plan.Skipped, o.Key())
		return
	}
	op := p.cancelOp(o, reason, "")
	if _, ok := p.in.Budget.TryReserve(ratelimit.ClassCancel, op.Units); !ok {
		p.postpone(op, ErrRateLimited)
		return
	}
	p.plan.Ops = append(p.plan.Ops, op)
}

func (p *planner) cancelOp(o models.WorkingOrder, reason Reason, batch string) Operation {
	return Operation{
		Kind:    OpCancel,
		Stage:   StageCancel,
		Batch:   batch,
		Side:    o.Side,
		Reason:  reason,
		Units:   p.cfg.Costs.Cancel,
		OrderID: o.ExchangeOrderID,
	}
}

func (p *planner) cancelAll(ids []string, batch string, reason Reason) bool {
	op := Operation{
		Kind:     OpCancelAll,
		Stage:    StageCancel,
		Batch:    batch,
		Reason:   reason,
		Units:    p.cfg.Costs.CancelAll,
		OrderIDs: ids,
	}
	if _, ok := p.in.Budget.TryReserve(ratelimit.ClassCancelAll, op.Units); !ok {
		p.postpone(op, ErrRateLimited)
		return false
	}
	p.plan.Ops = append(p.plan.Ops, op)
	return true
}

func (p *planner) market(side models.OrderSide, size decimal.Decimal, reason Reason) {
	op := p.marketOp(side, size, reason)
	if !size.IsPositive() {
		return
	}
	if p.pending.Contains(marketKey(p.cfg.Symbol)) {
		p.plan.Skipped = append(p.plan.Skipped, marketKey(p.cfg.Symbol))
		return
	}
	if _, ok := p.in.Budget.TryReserve(ratelimit.ClassCreate, op.Units); !ok {
		p.postpone(op, ErrRateLimited)
		return
	}
	p.plan.Ops = append(p.plan.Ops, op)
}

func (p *planner) marketOp(side models.OrderSide, size decimal.Decimal, reason Reason) Operation {
	return Operation{
		Kind:   OpCreate,
		Stage:  StageCancel,
		Side:   side,
		Reason: reason,
		Units:  p.cfg.Costs.Create,
		Create: models.OrderRequest{
			ClientOrderID: p.newID(),
			Symbol:        p.cfg.Symbol,
			Side:          side,
			Type:          models.OrderTypeMarket,
			Size:          size,
			ReduceOnly:    true,
		},
	}
}

func (p *planner) postpone(op Operation, err error) {
	p.plan.Deferred = append(p.plan.Deferred, deferred(op, err))
}

// busy reports an order that cannot be targeted this cycle: an unacknowledged
// create or one with an operation still pending.
func (p *planner) busy(o models.WorkingOrder) bool {
	return o.InFlight || o.ExchangeOrderID == "" || p.pending.Contains(o.Key())
}

func (p *planner) cancellable(orders []models.WorkingOrder) []string {
	var ids []string
	for _, o := range orders {
		if !p.busy(o) {
			ids = append(ids, o.ExchangeOrderID)
		}
	}
	return ids
}

func (p *planner) sizeChanged(live, want decimal.Decimal) bool {
	if want.IsZero() {
		return !live.IsZero()
	}
	diff := want.Sub(live).Abs().Div(want)
	return diff.GreaterThan(p.cfg.SizeTolerancePct)
}

// prepare rounds desired orders onto the tick and lot grid: bids down, asks
// up, sizes down. Orders that round to nothing are dropped.
func (p *planner) prepare(desired []models.DesiredOrder) []models.DesiredOrder {
	out := make([]models.DesiredOrder, 0, len(desired))
	for _, d := range desired {
		if tick := p.cfg.TickSize; tick.IsPositive() {
			steps := d.Price.Div(tick)
			if d.Side == models.OrderSideBuy {
				steps = steps.Floor()
			} else {
				steps = steps.Ceil()
			}
			d.Price = steps.Mul(tick)
		}
		if lot := p.cfg.LotSize; lot.IsPositive() {
			d.Size = d.Size.Div(lot).Floor().Mul(lot)
		}
		if !d.Size.IsPositive() || !d.Price.IsPositive() {
			continue
		}
		if d.Role == "" {
			d.Role = models.RoleInner
		}
		out = append(out, d)
	}
	return out
}

func (p *planner) roundLotUp(size decimal.Decimal) decimal.Decimal {
	if lot := p.cfg.LotSize; lot.IsPositive() {
		return size.Div(lot).Ceil().Mul(lot)
	}
	return size
}

func sideToReduce(pos decimal.Decimal) models.OrderSide {
	if pos.IsPositive() {
		return models.OrderSideSell
	}
	return models.OrderSideBuy
}

// sideOf returns desired orders of one side sorted closest to the touch first.
func sideOf(desired []models.DesiredOrder, side models.OrderSide) []models.DesiredOrder {
	var out []models.DesiredOrder
	for _, d := range desired {
		if d.Side == side {
			out = append(out, d)
		}
	}
	sortDesired(side, out)
	return out
}

func sortDesired(side models.OrderSide, orders []models.DesiredOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		if side == models.OrderSideBuy {
			return orders[i].Price.GreaterThan(orders[j].Price)
		}
		return orders[i].Price.LessThan(orders[j].Price)
	})
}

func sortByStage(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Stage < ops[j].Stage })
}

func withRole(orders []models.DesiredOrder, role models.OrderRole) []models.DesiredOrder {
	out := make([]models.DesiredOrder, len(orders))
	for i, d := range orders {
		d.Role = role
		out[i] = d
	}
	return out
}
