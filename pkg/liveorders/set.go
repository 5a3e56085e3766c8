// Package liveorders keeps the exchange's acknowledged working orders and
// position for one (exchange, symbol).
//
// A Set has a single writer: every mutation is an update sent through its
// channel and applied by Run. Readers only ever see immutable Views.
package liveorders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregtusar/quoter/pkg/models"
	"github.com/gregtusar/quoter/pkg/state"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// recentlyClosedLimit bounds how many terminal order ids are remembered to
// drop late updates for them.
const recentlyClosedLimit = 512

type Options struct {
	Exchange string
	Symbol   string
	// ShadowTTL bounds how long an unacknowledged create is kept locally.
	ShadowTTL time.Duration
	// PollGrace is how long before a poll request a create must have been
	// sent for its absence from the poll to count as "never placed".
	PollGrace time.Duration
	Buffer    int
	Clock     func() time.Time
	// Gate, when set, is held in write mode while an update is applied.
	Gate *state.Gate
}

// PollResult is an authoritative read of open orders and position.
// RequestedAt is when the poll was sent; orders changed after it are kept.
type PollResult struct {
	Orders      []models.WorkingOrder
	Position    *models.Position
	RequestedAt time.Time
	ReceivedAt  time.Time
}

type update interface {
	apply(s *Set)
}

type Set struct {
	opts    Options
	logger  *logrus.Logger
	updates chan update

	// Writer-owned state, touched only by apply.
	orders              map[string]*models.WorkingOrder
	shadows             map[string]*models.WorkingOrder
	position            models.Position
	positionUnconfirmed bool
	closed              map[string]struct{}
	closedOrder         []string
	lastPoll            time.Time

	view atomic.Pointer[View]
	mu   sync.Mutex // serializes apply for callers that bypass Run
}

func NewSet(opts Options, logger *logrus.Logger) *Set {
	if opts.ShadowTTL <= 0 {
		opts.ShadowTTL = 10 * time.Second
	}
	if opts.PollGrace <= 0 {
		opts.PollGrace = 2 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	s := &Set{
		opts:     opts,
		logger:   logger,
		updates:  make(chan update, opts.Buffer),
		orders:   make(map[string]*models.WorkingOrder),
		shadows:  make(map[string]*models.WorkingOrder),
		closed:   make(map[string]struct{}),
		position: models.Position{Symbol: opts.Symbol},
	}
	s.publish()
	return s
}

// Run applies queued updates until ctx is done. Only one Run may be active.
func (s *Set) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ShadowTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.updates:
			s.applyNow(u)
		case <-ticker.C:
			s.applyNow(expireShadows{})
		}
	}
}

// View returns the latest published state.
func (s *Set) View() View {
	return *s.view.Load()
}

// HandleEvent queues a private feed event.
func (s *Set) HandleEvent(ctx context.Context, ev models.PrivateFeedEvent) error {
	return s.enqueue(ctx, eventUpdate{ev: ev})
}

// ApplyPoll queues an authoritative poll result.
func (s *Set) ApplyPoll(ctx context.Context, res PollResult) error {
	return s.enqueue(ctx, pollUpdate{res: res})
}

// TrackCreate queues an in-flight shadow for a create about to be sent.
func (s *Set) TrackCreate(ctx context.Context, o models.WorkingOrder) error {
	return s.enqueue(ctx, shadowAdd{order: o})
}

// DiscardCreate drops the shadow of a create the exchange definitively refused.
func (s *Set) DiscardCreate(ctx context.Context, clientOrderID string) error {
	return s.enqueue(ctx, shadowDiscard{clientOrderID: clientOrderID})
}

// Restore seeds checkpointed orders and position as unconfirmed; the next
// poll confirms or removes them.
func (s *Set) Restore(ctx context.Context, orders []models.WorkingOrder, pos *models.Position) error {
	return s.enqueue(ctx, restoreUpdate{orders: orders, position: pos})
}

// Sync waits until every update queued before the call has been applied.
func (s *Set) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := s.enqueue(ctx, barrier{done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("liveorders %s: sync: %w", s.opts.Symbol, ctx.Err())
	}
}

func (s *Set) enqueue(ctx context.Context, u update) error {
	select {
	case s.updates <- u:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("liveorders %s: enqueue: %w", s.opts.Symbol, ctx.Err())
	}
}

func (s *Set) applyNow(u update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.Gate != nil {
		s.opts.Gate.Write(func() {
			u.apply(s)
			s.publish()
		})
		return
	}
	u.apply(s)
	s.publish()
}

func (s *Set) publish() {
	v := View{
		Exchange:            s.opts.Exchange,
		Symbol:              s.opts.Symbol,
		Position:            s.position,
		PositionUnconfirmed: s.positionUnconfirmed,
		LastPoll:            s.lastPoll,
		Orders:              make([]models.WorkingOrder, 0, len(s.orders)+len(s.shadows)),
	}
	for _, o := range s.orders {
		v.Orders = append(v.Orders, *o)
	}
	for _, o := range s.shadows {
		v.Orders = append(v.Orders, *o)
	}
	sort.Slice(v.Orders, func(i, j int) bool {
		if !v.Orders[i].CreatedAt.Equal(v.Orders[j].CreatedAt) {
			return v.Orders[i].CreatedAt.Before(v.Orders[j].CreatedAt)
		}
		return v.Orders[i].Key() < v.Orders[j].Key()
	})
	s.view.Store(&v)
}

func (s *Set) markClosed(id string) {
	if _, ok := s.closed[id]; ok {
		return
	}
	s.closed[id] = struct{}{}
	s.closedOrder = append(s.closedOrder, id)
	if len(s.closedOrder) > recentlyClosedLimit {
		delete(s.closed, s.closedOrder[0])
		s.closedOrder = s.closedOrder[1:]
	}
}

func (s *Set) upsert(id, clientID string, side models.OrderSide, status models.OrderStatus, price, size, filled decimal.Decimal, at time.Time) {
	if id == "" {
		return
	}
	if _, gone := s.closed[id]; gone {
		return
	}
	if clientID != "" {
		if shadow, ok := s.shadows[clientID]; ok {
			delete(s.shadows, clientID)
			if _, exists := s.orders[id]; !exists {
				o := *shadow
				o.ExchangeOrderID = id
				o.InFlight = false
				s.orders[id] = &o
			}
		}
	}
	if status.Terminal() {
		delete(s.orders, id)
		s.markClosed(id)
		return
	}

	o, ok := s.orders[id]
	if !ok {
		o = &models.WorkingOrder{
			ExchangeOrderID: id,
			ClientOrderID:   clientID,
			Symbol:          s.opts.Symbol,
			Side:            side,
			CreatedAt:       at,
		}
		s.orders[id] = o
	}
	if side != "" {
		o.Side = side
	}
	if !price.IsZero() {
		o.Price = price
	}
	if !size.IsZero() {
		o.Size = size
	}
	if !filled.IsZero() {
		o.FilledSize = filled
	}
	if status != "" {
		o.Status = status
	}
	o.UpdatedAt = at
	o.Unconfirmed = false
}

type eventUpdate struct{ ev models.PrivateFeedEvent }

func (u eventUpdate) apply(s *Set) {
	now := s.opts.Clock()
	switch ev := u.ev.(type) {
	case models.OrderAck:
		s.upsert(ev.OrderID, ev.ClientOrderID, ev.Side, ev.Status, ev.Price, ev.Size, decimal.Zero, stamp(ev.Time, now))
	case models.OrderUpdate:
		s.upsert(ev.OrderID, ev.ClientOrderID, ev.Side, ev.Status, ev.Price, ev.Size, ev.FilledSize, stamp(ev.Time, now))
	case models.PositionUpdate:
		s.position = models.Position{
			Symbol:        s.opts.Symbol,
			Size:          ev.Size,
			EntryPrice:    ev.EntryPrice,
			UnrealizedPnL: ev.UnrealizedPnL,
			UpdatedAt:     stamp(ev.Time, now),
		}
		s.positionUnconfirmed = false
	case models.PrivateDisconnected:
		for _, o := range s.orders {
			o.Unconfirmed = true
		}
		s.positionUnconfirmed = true
		s.logger.WithFields(logrus.Fields{
			"symbol": s.opts.Symbol,
			"orders": len(s.orders),
			"reason": ev.Reason,
		}).Warn("Private stream disconnected, orders unconfirmed until next poll")
	default:
		s.logger.WithField("event", fmt.Sprintf("%T", u.ev)).Error("Unhandled private feed event")
	}
}

type pollUpdate struct{ res PollResult }

func (u pollUpdate) apply(s *Set) {
	res := u.res
	now := s.opts.Clock()
	at := stamp(res.ReceivedAt, now)

	reported := make(map[string]bool, len(res.Orders))
	for _, o := range res.Orders {
		reported[o.ExchangeOrderID] = true
		delete(s.closed, o.ExchangeOrderID)
		s.upsert(o.ExchangeOrderID, o.ClientOrderID, o.Side, o.Status, o.Price, o.Size, o.FilledSize, at)
		if cur, ok := s.orders[o.ExchangeOrderID]; ok {
			// The poll is authoritative for every field it reports.
			cur.Price = o.Price
			cur.Size = o.Size
			cur.FilledSize = o.FilledSize
			if !o.CreatedAt.IsZero() {
				cur.CreatedAt = o.CreatedAt
			}
		}
	}
	removed := 0
	for id, o := range s.orders {
		if reported[id] {
			continue
		}
		if o.Unconfirmed || o.UpdatedAt.Before(res.RequestedAt) {
			delete(s.orders, id)
			removed++
		}
	}
	cutoff := res.RequestedAt.Add(-s.opts.PollGrace)
	for cid, o := range s.shadows {
		if o.CreatedAt.Before(cutoff) {
			delete(s.shadows, cid)
		}
	}
	if res.Position != nil {
		p := *res.Position
		p.Symbol = s.opts.Symbol
		p.UpdatedAt = at
		s.position = p
		s.positionUnconfirmed = false
	}
	s.lastPoll = at
	if removed > 0 {
		s.logger.WithFields(logrus.Fields{
			"symbol":  s.opts.Symbol,
			"removed": removed,
		}).Info("Poll removed orders no longer open on the exchange")
	}
}

type shadowAdd struct{ order models.WorkingOrder }

func (u shadowAdd) apply(s *Set) {
	o := u.order
	o.InFlight = true
	o.Status = models.OrderStatusPending
	o.Symbol = s.opts.Symbol
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.opts.Clock()
	}
	o.UpdatedAt = o.CreatedAt
	s.shadows[o.ClientOrderID] = &o
}

type shadowDiscard struct{ clientOrderID string }

func (u shadowDiscard) apply(s *Set) {
	delete(s.shadows, u.clientOrderID)
}

type expireShadows struct{}

func (expireShadows) apply(s *Set) {
	now := s.opts.Clock()
	for cid, o := range s.shadows {
		if now.Sub(o.CreatedAt) > s.opts.ShadowTTL {
			delete(s.shadows, cid)
			s.logger.WithFields(logrus.Fields{
				"symbol":          s.opts.Symbol,
				"client_order_id": cid,
			}).Warn("Discarded unacknowledged create after TTL")
		}
	}
}

type barrier struct{ done chan struct{} }

func (u barrier) apply(*Set) { close(u.done) }

type restoreUpdate struct {
	orders   []models.WorkingOrder
	position *models.Position
}

func (u restoreUpdate) apply(s *Set) {
	for _, o := range u.orders {
		if o.ExchangeOrderID == "" || o.InFlight {
			continue
		}
		if _, ok := s.orders[o.ExchangeOrderID]; ok {
			continue
		}
		cp := o
		cp.Unconfirmed = true
		s.orders[o.ExchangeOrderID] = &cp
	}
	if u.position != nil && s.position.UpdatedAt.IsZero() {
		s.position = *u.position
		s.positionUnconfirmed = true
	}
}

func stamp(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
