package oms

import (
	"context"
	"time"

	"github.com/gregtusar/quoter/pkg/models"
	"github.com/gregtusar/quoter/pkg/ratelimit"
)

// RateLimitInfo carries the counters an exchange reported with a response.
type RateLimitInfo struct {
	Class      ratelimit.EndpointClass
	Remaining  int
	Max        int
	ResetAt    time.Time
	ObservedAt time.Time
}

// Result is the acknowledged outcome of one execution call.
type Result struct {
	OrderID       string
	ClientOrderID string
	Status        models.OrderStatus
	// Cancelled lists the orders a CancelAll confirmed.
	Cancelled []string
	Latency   time.Duration
	RateLimit *RateLimitInfo
}

// ExecutionClient is the order entry surface of one exchange. Errors should
// be *ExecError so callers can classify them; any other error is treated as
// an unknown outcome.
type ExecutionClient interface {
	Create(ctx context.Context, req models.OrderRequest) (Result, error)
	Amend(ctx context.Context, req models.AmendRequest) (Result, error)
	Cancel(ctx context.Context, symbol, orderID string) (Result, error)
	// CancelAll cancels orderIDs, or every open order on symbol when
	// orderIDs is empty.
	CancelAll(ctx context.Context, symbol string, orderIDs []string) (Result, error)
}
