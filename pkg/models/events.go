package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketFeedEvent is one normalized public feed message. The set of
// implementations is closed: BookSnapshot, BookDelta and MarketDisconnected.
type MarketFeedEvent interface {
	marketFeedEvent()
}

type BookSnapshot struct {
	Key      BookKey
	Sequence uint64
	Bids     []PriceLevel
	Asks     []PriceLevel
	Time     time.Time
}

type BookDelta struct {
	Key      BookKey
	Sequence uint64
	Bids     []PriceLevel
	Asks     []PriceLevel
	Time     time.Time
}

// MarketDisconnected reports that the public stream of an exchange dropped.
// An empty Symbols list means every book of the exchange is affected.
type MarketDisconnected struct {
	Exchange string
	Symbols  []string
	Reason   string
}

func (BookSnapshot) marketFeedEvent()       {}
func (BookDelta) marketFeedEvent()          {}
func (MarketDisconnected) marketFeedEvent() {}

// PrivateFeedEvent is one normalized account feed message: OrderAck,
// OrderUpdate, PositionUpdate or PrivateDisconnected.
type PrivateFeedEvent interface {
	privateFeedEvent()
}

// OrderAck is the exchange's direct answer to a request we sent.
type OrderAck struct {
	Exchange      string
	Symbol        string
	OrderID       string
	ClientOrderID string
	Side          OrderSide
	Status        OrderStatus
	Price         decimal.Decimal
	Size          decimal.Decimal
	Time          time.Time
}

// OrderUpdate is an unsolicited order state change pushed by the exchange.
type OrderUpdate struct {
	Exchange      string
	Symbol        string
	OrderID       string
	ClientOrderID string
	Side          OrderSide
	Status        OrderStatus
	Price         decimal.Decimal
	Size          decimal.Decimal
	FilledSize    decimal.Decimal
	Time          time.Time
}

type PositionUpdate struct {
	Exchange      string
	Symbol        string
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Time          time.Time
}

type PrivateDisconnected struct {
	Exchange string
	Reason   string
}

func (OrderAck) privateFeedEvent()            {}
func (OrderUpdate) privateFeedEvent()         {}
func (PositionUpdate) privateFeedEvent()      {}
func (PrivateDisconnected) privateFeedEvent() {}
