package orderbook

import (
	"time"

	"github.com/gregtusar/quoter/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	two        = decimal.NewFromInt(2)
	bpsDivisor = decimal.NewFromInt(10_000)
)

// Snapshot is an immutable copy of a book. Bids are sorted best (highest)
// first, asks best (lowest) first.
type Snapshot struct {
	Key         models.BookKey      `json:"key"`
	State       State               `json:"state"`
	Sequence    uint64              `json:"sequence"`
	Bids        []models.PriceLevel `json:"bids"`
	Asks        []models.PriceLevel `json:"asks"`
	UpdatedAt   time.Time           `json:"updated_at"`
	StaleReason string              `json:"stale_reason,omitempty"`
}

// Quote is the best bid and ask. Stale is set when it was read from a book
// that is waiting for a resync.
type Quote struct {
	BidPrice decimal.Decimal `json:"bid_price"`
	BidSize  decimal.Decimal `json:"bid_size"`
	AskPrice decimal.Decimal `json:"ask_price"`
	AskSize  decimal.Decimal `json:"ask_size"`
	Stale    bool            `json:"stale"`
}

// Reading is a derived price tagged with the staleness of its source book.
type Reading struct {
	Value decimal.Decimal `json:"value"`
	Stale bool            `json:"stale"`
}

// Depth is the resting size on each side within a price band around mid.
type Depth struct {
	BidSize decimal.Decimal `json:"bid_size"`
	AskSize decimal.Decimal `json:"ask_size"`
	Stale   bool            `json:"stale"`
}

func (s Snapshot) Stale() bool { return s.State != StateLive }

func (s Snapshot) BestBidAsk() (Quote, error) {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return Quote{}, ErrEmptyBook
	}
	return Quote{
		BidPrice: s.Bids[0].Price,
		BidSize:  s.Bids[0].Size,
		AskPrice: s.Asks[0].Price,
		AskSize:  s.Asks[0].Size,
		Stale:    s.Stale(),
	}, nil
}

func (s Snapshot) Mid() (Reading, error) {
	q, err := s.BestBidAsk()
	if err != nil {
		return Reading{}, err
	}
	return Reading{Value: q.BidPrice.Add(q.AskPrice).Div(two), Stale: q.Stale}, nil
}

// WeightedMid weights each side's price by the opposite side's top size, so
// the value leans towards the side more likely to be taken out.
func (s Snapshot) WeightedMid() (Reading, error) {
	q, err := s.BestBidAsk()
	if err != nil {
		return Reading{}, err
	}
	total := q.BidSize.Add(q.AskSize)
	if total.IsZero() {
		return Reading{Value: q.BidPrice.Add(q.AskPrice).Div(two), Stale: q.Stale}, nil
	}
	v := q.BidPrice.Mul(q.AskSize).Add(q.AskPrice.Mul(q.BidSize)).Div(total)
	return Reading{Value: v, Stale: q.Stale}, nil
}

// DepthAt sums resting size within bandBps basis points of mid on each side.
func (s Snapshot) DepthAt(bandBps int) (Depth, error) {
	lo, hi, err := s.band(bandBps)
	if err != nil {
		return Depth{}, err
	}
	d := Depth{BidSize: decimal.Zero, AskSize: decimal.Zero, Stale: s.Stale()}
	for _, lvl := range s.Bids {
		if lvl.Price.LessThan(lo) {
			break
		}
		d.BidSize = d.BidSize.Add(lvl.Size)
	}
	for _, lvl := range s.Asks {
		if lvl.Price.GreaterThan(hi) {
			break
		}
		d.AskSize = d.AskSize.Add(lvl.Size)
	}
	return d, nil
}

// FairPrice is a depth-weighted mid: the volume-weighted prices of each side
// within bandBps of mid, each weighted by the opposite side's volume.
func (s Snapshot) FairPrice(bandBps int) (Reading, error) {
	lo, hi, err := s.band(bandBps)
	if err != nil {
		return Reading{}, err
	}
	bidNotional, bidSize := decimal.Zero, decimal.Zero
	for _, lvl := range s.Bids {
		if lvl.Price.LessThan(lo) {
			break
		}
		bidNotional = bidNotional.Add(lvl.Price.Mul(lvl.Size))
		bidSize = bidSize.Add(lvl.Size)
	}
	askNotional, askSize := decimal.Zero, decimal.Zero
	for _, lvl := range s.Asks {
		if lvl.Price.GreaterThan(hi) {
			break
		}
		askNotional = askNotional.Add(lvl.Price.Mul(lvl.Size))
		askSize = askSize.Add(lvl.Size)
	}
	if bidSize.IsZero() || askSize.IsZero() {
		return s.WeightedMid()
	}
	bidVWAP := bidNotional.Div(bidSize)
	askVWAP := askNotional.Div(askSize)
	v := bidVWAP.Mul(askSize).Add(askVWAP.Mul(bidSize)).Div(bidSize.Add(askSize))
	return Reading{Value: v, Stale: s.Stale()}, nil
}

func (s Snapshot) band(bandBps int) (decimal.Decimal, decimal.Decimal, error) {
	mid, err := s.Mid()
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	width := mid.Value.Mul(decimal.NewFromInt(int64(bandBps))).Div(bpsDivisor)
	return mid.Value.Sub(width), mid.Value.Add(width), nil
}
