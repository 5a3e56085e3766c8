package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BookKey identifies one order book: a symbol on an exchange.
type BookKey struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

func (k BookKey) String() string {
	return fmt.Sprintf("%s:%s", k.Exchange, k.Symbol)
}

type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Level is a convenience constructor used by adapters and tests.
func Level(price, size string) PriceLevel {
	return PriceLevel{
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	}
}

type Position struct {
	Symbol        string          `json:"symbol"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Flat reports whether there is no open inventory.
func (p Position) Flat() bool {
	return p.Size.IsZero()
}
