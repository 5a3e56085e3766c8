// Package strategy produces the desired resting orders for each
// reconciliation cycle.
package strategy

import (
	"context"
	"fmt"

	"github.com/gregtusar/quoter/pkg/models"
	"github.com/gregtusar/quoter/pkg/orderbook"
	"github.com/shopspring/decimal"
)

// Market is the consistent state a strategy quotes from.
type Market struct {
	Book     orderbook.Snapshot
	Position models.Position
}

// Input is pulled once per cycle.
type Input interface {
	DesiredOrders(ctx context.Context, m Market) ([]models.DesiredOrder, error)
}

// InputFunc adapts a function to Input.
type InputFunc func(ctx context.Context, m Market) ([]models.DesiredOrder, error)

func (f InputFunc) DesiredOrders(ctx context.Context, m Market) ([]models.DesiredOrder, error) {
	return f(ctx, m)
}

type LadderConfig struct {
	Levels      int             `mapstructure:"levels"`
	InnerCount  int             `mapstructure:"inner_count"`
	SpreadBps   int             `mapstructure:"spread_bps"`
	StepBps     int             `mapstructure:"step_bps"`
	FairBandBps int             `mapstructure:"fair_band_bps"`
	Size        decimal.Decimal `mapstructure:"size"`
	// SkewBpsPerUnit shifts the ladder against inventory: a long position
	// lowers both sides.
	SkewBpsPerUnit decimal.Decimal `mapstructure:"skew_bps_per_unit"`
	MaxSkewBps     decimal.Decimal `mapstructure:"max_skew_bps"`
	MaxPosition    decimal.Decimal `mapstructure:"max_position"`
	TickSize       decimal.Decimal `mapstructure:"tick_size"`
}

// Ladder quotes a symmetric ladder around the depth-weighted fair price.
type Ladder struct {
	cfg LadderConfig
}

var bps = decimal.NewFromInt(10_000)

func NewLadder(cfg LadderConfig) (*Ladder, error) {
	if cfg.Levels <= 0 {
		return nil, fmt.Errorf("ladder: levels must be positive, got %d", cfg.Levels)
	}
	if !cfg.Size.IsPositive() {
		return nil, fmt.Errorf("ladder: size must be positive, got %s", cfg.Size)
	}
	if cfg.SpreadBps <= 0 {
		return nil, fmt.Errorf("ladder: spread_bps must be positive, got %d", cfg.SpreadBps)
	}
	if cfg.InnerCount <= 0 {
		cfg.InnerCount = 1
	}
	if cfg.FairBandBps <= 0 {
		cfg.FairBandBps = 25
	}
	return &Ladder{cfg: cfg}, nil
}

func (l *Ladder) DesiredOrders(_ context.Context, m Market) ([]models.DesiredOrder, error) {
	fair, err := m.Book.FairPrice(l.cfg.FairBandBps)
	if err != nil {
		return nil, err
	}
	quote, err := m.Book.BestBidAsk()
	if err != nil {
		return nil, err
	}

	pos := m.Position.Size
	skew := pos.Neg().Mul(l.cfg.SkewBpsPerUnit)
	if limit := l.cfg.MaxSkewBps; limit.IsPositive() {
		if skew.GreaterThan(limit) {
			skew = limit
		}
		if skew.LessThan(limit.Neg()) {
			skew = limit.Neg()
		}
	}
	center := fair.Value.Mul(decimal.NewFromInt(1).Add(skew.Div(bps)))

	quoteBids, quoteAsks := true, true
	if limit := l.cfg.MaxPosition; limit.IsPositive() {
		quoteBids = pos.LessThan(limit)
		quoteAsks = pos.GreaterThan(limit.Neg())
	}

	var out []models.DesiredOrder
	for i := 0; i < l.cfg.Levels; i++ {
		off := decimal.NewFromInt(int64(l.cfg.SpreadBps + i*l.cfg.StepBps)).Div(bps)
		role := models.RoleOuter
		if i < l.cfg.InnerCount {
			role = models.RoleInner
		}
		if quoteBids {
			price := l.floor(center.Mul(decimal.NewFromInt(1).Sub(off)))
			// Never cross the touch; post-only orders would be rejected.
			if !price.LessThan(quote.AskPrice) {
				price = l.floor(quote.AskPrice.Sub(l.tick()))
			}
			out = append(out, models.DesiredOrder{Side: models.OrderSideBuy, Price: price, Size: l.cfg.Size, Role: role})
		}
		if quoteAsks {
			price := l.ceil(center.Mul(decimal.NewFromInt(1).Add(off)))
			if !price.GreaterThan(quote.BidPrice) {
				price = l.ceil(quote.BidPrice.Add(l.tick()))
			}
			out = append(out, models.DesiredOrder{Side: models.OrderSideSell, Price: price, Size: l.cfg.Size, Role: role})
		}
	}
	return out, nil
}

func (l *Ladder) tick() decimal.Decimal {
	if l.cfg.TickSize.IsPositive() {
		return l.cfg.TickSize
	}
	return decimal.New(1, -8)
}

func (l *Ladder) floor(p decimal.Decimal) decimal.Decimal {
	t := l.tick()
	return p.Div(t).Floor().Mul(t)
}

func (l *Ladder) ceil(p decimal.Decimal) decimal.Decimal {
	t := l.tick()
	return p.Div(t).Ceil().Mul(t)
}
