package liveorders

import (
	"sort"
	"time"

	"github.com/gregtusar/quoter/pkg/models"
)

// View is an immutable copy of a Set.
type View struct {
	Exchange            string                `json:"exchange"`
	Symbol              string                `json:"symbol"`
	Orders              []models.WorkingOrder `json:"orders"`
	Position            models.Position       `json:"position"`
	PositionUnconfirmed bool                  `json:"position_unconfirmed"`
	LastPoll            time.Time             `json:"last_poll"`
}

// Side returns the orders on one side sorted closest to the touch first:
// bids by descending price, asks by ascending price.
func (v View) Side(side models.OrderSide) []models.WorkingOrder {
	var out []models.WorkingOrder
	for _, o := range v.Orders {
		if o.Side == side {
			out = append(out, o)
		}
	}
	SortByTouch(side, out)
	return out
}

// Unconfirmed reports whether any order or the position awaits confirmation.
func (v View) Unconfirmed() bool {
	if v.PositionUnconfirmed {
		return true
	}
	for _, o := range v.Orders {
		if o.Unconfirmed {
			return true
		}
	}
	return false
}

// Find looks an order up by exchange id or in-flight client id.
func (v View) Find(key string) (models.WorkingOrder, bool) {
	for _, o := range v.Orders {
		if o.Key() == key || (o.ClientOrderID != "" && o.ClientOrderID == key) {
			return o, true
		}
	}
	return models.WorkingOrder{}, false
}

// SortByTouch orders working orders closest to the touch first.
func SortByTouch(side models.OrderSide, orders []models.WorkingOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		if side == models.OrderSideBuy {
			return orders[i].Price.GreaterThan(orders[j].Price)
		}
		return orders[i].Price.LessThan(orders[j].Price)
	})
}
