// Package stream supervises exchange feeds: it keeps one reconnect loop per
// stream, routes normalized events into the order books and live order sets,
// resynchronizes invalidated books and polls authoritative account state.
package stream

import (
	"context"

	"github.com/gregtusar/quoter/pkg/liveorders"
	"github.com/gregtusar/quoter/pkg/models"
)

// MarketFeed is a public order book stream. Run blocks while connected and
// returns why the connection ended; errors matching oms.ErrAuthFailure or
// oms.ErrFatalProtocol stop the supervisor.
type MarketFeed interface {
	Run(ctx context.Context, symbols []string, emit func(models.MarketFeedEvent)) error
}

// PrivateFeed is an authenticated order and position stream.
type PrivateFeed interface {
	Run(ctx context.Context, symbols []string, emit func(models.PrivateFeedEvent)) error
}

// Resubscriber is implemented by market feeds that resend a snapshot when a
// book is subscribed again. Books of such feeds resync without a fetcher.
type Resubscriber interface {
	Resubscribe(ctx context.Context, symbols []string) error
}

// SnapshotFetcher returns an authoritative book snapshot whose sequence
// aligns with the market feed's deltas.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbol string) (models.BookSnapshot, error)
}

// StatePoller reads open orders and position for a symbol.
type StatePoller interface {
	PollState(ctx context.Context, symbol string) (liveorders.PollResult, error)
}
