package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side of the book.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the order can no longer rest on the book.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// OrderRole tags a desired order as fill-priority critical (inner) or passive (outer).
type OrderRole string

const (
	RoleInner OrderRole = "inner"
	RoleOuter OrderRole = "outer"
)

// WorkingOrder is an order the exchange has acknowledged (or, with InFlight set,
// a create we have sent and not yet heard back about).
type WorkingOrder struct {
	ExchangeOrderID string          `json:"exchange_order_id"`
	ClientOrderID   string          `json:"client_order_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            OrderSide       `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Size            decimal.Decimal `json:"size"`
	FilledSize      decimal.Decimal `json:"filled_size"`
	Status          OrderStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`

	// Unconfirmed is set after a stream disconnect until a poll or event confirms the order again.
	Unconfirmed bool `json:"unconfirmed,omitempty"`
	// InFlight marks a local shadow entry for a create that has not been acknowledged.
	InFlight bool `json:"in_flight,omitempty"`
}

// Key identifies the order inside a live set: the exchange id once known,
// otherwise the client id of the in-flight shadow.
func (o WorkingOrder) Key() string {
	if o.ExchangeOrderID != "" {
		return o.ExchangeOrderID
	}
	return o.ClientOrderID
}

// RemainingSize is the unfilled quantity.
func (o WorkingOrder) RemainingSize() decimal.Decimal {
	return o.Size.Sub(o.FilledSize)
}

// DesiredOrder is one resting order the strategy wants on the book this cycle.
type DesiredOrder struct {
	Side  OrderSide       `json:"side"`
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Role  OrderRole       `json:"role"`
}

type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         decimal.Decimal
	Size          decimal.Decimal
	PostOnly      bool
	ReduceOnly    bool
}

type AmendRequest struct {
	OrderID string
	Symbol  string
	Price   decimal.Decimal
	Size    decimal.Decimal
}
