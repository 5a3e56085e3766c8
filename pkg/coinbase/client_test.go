package coinbase

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gregtusar/quoter/pkg/models"
	"github.com/gregtusar/quoter/pkg/oms"
	"github.com/gregtusar/quoter/pkg/ratelimit"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientOptions{
		BaseURL:           srv.URL,
		RequestsPerSecond: 1000,
		Burst:             100,
		InventoryTarget:   map[string]decimal.Decimal{"BTC-USD": dec("1")},
		Clock:             func() time.Time { return fixedNow },
	}, NewLegacyAuthenticator("key", "secret", ""), quietLogger())
}

func decodeBody(t *testing.T, r *http.Request, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(r.Body).Decode(v))
}

func TestClient_CreateLimitOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, pathOrders, r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("CB-ACCESS-SIGN"))

		var body createOrderRequest
		decodeBody(t, r, &body)
		assert.Equal(t, "cid-1", body.ClientOrderID)
		assert.Equal(t, "BTC-USD", body.ProductID)
		assert.Equal(t, "BUY", body.Side)
		require.NotNil(t, body.OrderConfiguration.LimitGTC)
		assert.Equal(t, "100.01", body.OrderConfiguration.LimitGTC.LimitPrice)
		assert.Equal(t, "0.5", body.OrderConfiguration.LimitGTC.BaseSize)
		assert.True(t, body.OrderConfiguration.LimitGTC.PostOnly)

		w.Header().Set("X-Ratelimit-Remaining", "29")
		w.Header().Set("X-Ratelimit-Limit", "30")
		w.Header().Set("X-Ratelimit-Reset", "1")
		_, _ = w.Write([]byte(`{"success":true,"success_response":{"order_id":"ord-1","product_id":"BTC-USD","side":"BUY","client_order_id":"cid-1"}}`))
	})

	res, err := client.Create(context.Background(), models.OrderRequest{
		ClientOrderID: "cid-1",
		Symbol:        "BTC-USD",
		Side:          models.OrderSideBuy,
		Type:          models.OrderTypeLimit,
		Price:         dec("100.01"),
		Size:          dec("0.5"),
		PostOnly:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", res.OrderID)
	assert.Equal(t, "cid-1", res.ClientOrderID)
	assert.Equal(t, models.OrderStatusOpen, res.Status)

	require.NotNil(t, res.RateLimit)
	assert.Equal(t, ratelimit.ClassCreate, res.RateLimit.Class)
	assert.Equal(t, 29, res.RateLimit.Remaining)
	assert.Equal(t, 30, res.RateLimit.Max)
	assert.True(t, fixedNow.Add(time.Second).Equal(res.RateLimit.ResetAt))
}

func TestClient_CreateMarketOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body createOrderRequest
		decodeBody(t, r, &body)
		assert.Nil(t, body.OrderConfiguration.LimitGTC)
		require.NotNil(t, body.OrderConfiguration.MarketIOC)
		assert.Equal(t, "SELL", body.Side)
		_, _ = w.Write([]byte(`{"success":true,"success_response":{"order_id":"m-1"}}`))
	})

	res, err := client.Create(context.Background(), models.OrderRequest{
		ClientOrderID: "cid-2", Symbol: "BTC-USD", Side: models.OrderSideSell,
		Type: models.OrderTypeMarket, Size: dec("1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "m-1", res.OrderID)
}

func TestClient_CreateRejectedInBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error_response":{"error":"INVALID_LIMIT_PRICE_POST_ONLY","message":"would cross"}}`))
	})

	_, err := client.Create(context.Background(), models.OrderRequest{
		ClientOrderID: "cid", Symbol: "BTC-USD", Side: models.OrderSideBuy,
		Type: models.OrderTypeLimit, Price: dec("1"), Size: dec("1"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, oms.ErrRejected)

	var execErr *oms.ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "INVALID_LIMIT_PRICE_POST_ONLY", execErr.Code)
	assert.Equal(t, oms.OpCreate, execErr.Op)
}

func TestClient_StatusClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		header map[string]string
		kind   error
	}{
		{"unauthorized", http.StatusUnauthorized, nil, oms.ErrAuthFailure},
		{"forbidden", http.StatusForbidden, nil, oms.ErrAuthFailure},
		{"rate limited", http.StatusTooManyRequests, map[string]string{"Retry-After": "2"}, oms.ErrRateLimited},
		{"bad request", http.StatusBadRequest, nil, oms.ErrRejected},
		{"server error", http.StatusBadGateway, nil, oms.ErrUnknownOutcome},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"ERR","message":"nope"}`))
			})

			_, err := client.Amend(context.Background(), models.AmendRequest{OrderID: "o1", Price: dec("1"), Size: dec("1")})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)

			var execErr *oms.ExecError
			require.ErrorAs(t, err, &execErr)
			assert.Equal(t, tc.status, execErr.StatusCode)
			assert.Equal(t, "nope", execErr.Message)
			if tc.status == http.StatusTooManyRequests {
				assert.Equal(t, 2*time.Second, execErr.RetryAfter)
			}
		})
	}
}

func TestClient_TimeoutIsUnknownOutcome(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Cancel(ctx, "BTC-USD", "o1")
	require.Error(t, err)
	assert.ErrorIs(t, err, oms.ErrUnknownOutcome)
}

func TestClient_AmendSendsPriceAndSize(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathEditOrder, r.URL.Path)
		var body editOrderRequest
		decodeBody(t, r, &body)
		assert.Equal(t, editOrderRequest{OrderID: "o1", Price: "100.02", Size: "0.75"}, body)
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	res, err := client.Amend(context.Background(), models.AmendRequest{OrderID: "o1", Symbol: "BTC-USD", Price: dec("100.02"), Size: dec("0.75")})
	require.NoError(t, err)
	assert.Equal(t, "o1", res.OrderID)
}

func TestClient_AmendRefused(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"errors":[{"edit_failure_reason":"ORDER_NOT_FOUND"}]}`))
	})
	_, err := client.Amend(context.Background(), models.AmendRequest{OrderID: "o1", Price: dec("1"), Size: dec("1")})
	require.ErrorIs(t, err, oms.ErrRejected)
	var execErr *oms.ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "ORDER_NOT_FOUND", execErr.Code)
}

func TestClient_CancelAllReportsOnlySuccesses(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathBatchCancel, r.URL.Path)
		var body batchCancelRequest
		decodeBody(t, r, &body)
		assert.Equal(t, []string{"o1", "o2"}, body.OrderIDs)
		_, _ = w.Write([]byte(`{"results":[{"success":true,"order_id":"o1"},{"success":false,"failure_reason":"UNKNOWN_CANCEL_ORDER","order_id":"o2"}]}`))
	})

	res, err := client.CancelAll(context.Background(), "BTC-USD", []string{"o1", "o2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, res.Cancelled)
}

func TestClient_CancelAllWithoutIDsListsOpenOrders(t *testing.T) {
	var cancelled []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathListOrders:
			assert.Equal(t, "BTC-USD", r.URL.Query().Get("product_ids"))
			assert.Equal(t, "OPEN", r.URL.Query().Get("order_status"))
			_, _ = w.Write([]byte(`{"orders":[{"order_id":"a","side":"BUY","status":"OPEN"},{"order_id":"b","side":"SELL","status":"OPEN"}]}`))
		case pathBatchCancel:
			var body batchCancelRequest
			decodeBody(t, r, &body)
			cancelled = body.OrderIDs
			_, _ = w.Write([]byte(`{"results":[{"success":true,"order_id":"a"},{"success":true,"order_id":"b"}]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	res, err := client.CancelAll(context.Background(), "BTC-USD", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cancelled)
	assert.Equal(t, []string{"a", "b"}, res.Cancelled)
}

func TestClient_CancelRefused(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"success":false,"failure_reason":"UNKNOWN_CANCEL_ORDER","order_id":"o1"}]}`))
	})
	_, err := client.Cancel(context.Background(), "BTC-USD", "o1")
	assert.ErrorIs(t, err, oms.ErrRejected)
}

func TestClient_PollState(t *testing.T) {
	pages := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathListOrders:
			pages++
			if r.URL.Query().Get("cursor") == "" {
				_, _ = w.Write([]byte(`{"orders":[{"order_id":"o1","client_order_id":"c1","product_id":"BTC-USD","side":"BUY","status":"OPEN","filled_size":"0.1","created_time":"2026-03-01T11:59:00Z","last_fill_time":"","order_configuration":{"limit_limit_gtc":{"base_size":"0.5","limit_price":"99.5","post_only":true}}}],"has_next":true,"cursor":"next"}`))
				return
			}
			_, _ = w.Write([]byte(`{"orders":[{"order_id":"o2","product_id":"BTC-USD","side":"SELL","status":"OPEN","filled_size":"0","created_time":"2026-03-01T11:59:30Z","order_configuration":{"limit_limit_gtc":{"base_size":"1","limit_price":"101"}}}],"has_next":false}`))
		case pathAccounts:
			_, _ = w.Write([]byte(`{"accounts":[{"currency":"USD","available_balance":{"value":"1000"},"hold":{"value":"0"}},{"currency":"BTC","available_balance":{"value":"1.25"},"hold":{"value":"0.5"}}],"has_next":false}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	res, err := client.PollState(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 2, pages)
	require.Len(t, res.Orders, 2)

	o := res.Orders[0]
	assert.Equal(t, "o1", o.ExchangeOrderID)
	assert.Equal(t, "c1", o.ClientOrderID)
	assert.Equal(t, models.OrderSideBuy, o.Side)
	assert.Equal(t, models.OrderStatusPartiallyFilled, o.Status)
	assert.True(t, o.Price.Equal(dec("99.5")))
	assert.True(t, o.Size.Equal(dec("0.5")))
	assert.True(t, o.FilledSize.Equal(dec("0.1")))
	assert.True(t, time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC).Equal(o.UpdatedAt))
	assert.Equal(t, models.OrderSideSell, res.Orders[1].Side)

	require.NotNil(t, res.Position)
	assert.True(t, res.Position.Size.Equal(dec("0.75")), "1.75 held against a target of 1, got %s", res.Position.Size)
}

func TestClient_PollStateAuthFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := client.PollState(context.Background(), "BTC-USD")
	assert.True(t, oms.Fatal(err))
}
