// Package coinbase adapts Coinbase Advanced Trade: REST order entry and
// account polling, and the level2 and user WebSocket channels.
package coinbase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gregtusar/quoter/pkg/liveorders"
	"github.com/gregtusar/quoter/pkg/models"
	"github.com/gregtusar/quoter/pkg/oms"
	"github.com/gregtusar/quoter/pkg/ratelimit"
	"github.com/gregtusar/quoter/pkg/stream"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	Exchange = "coinbase"

	ProductionURL = "https://api.coinbase.com"
	SandboxURL    = "https://api-sandbox.coinbase.com"

	pathOrders      = "/api/v3/brokerage/orders"
	pathEditOrder   = "/api/v3/brokerage/orders/edit"
	pathBatchCancel = "/api/v3/brokerage/orders/batch_cancel"
	pathListOrders  = "/api/v3/brokerage/orders/historical/batch"
	pathAccounts    = "/api/v3/brokerage/accounts"

	maxCancelBatch = 100
	maxErrorBody   = 256

	opPoll oms.OpKind = "poll"
)

var (
	_ oms.ExecutionClient = (*Client)(nil)
	_ stream.StatePoller  = (*Client)(nil)
)

type ClientOptions struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond and Burst pace outgoing requests below the
	// exchange's own limit.
	RequestsPerSecond float64
	Burst             int
	// InventoryTarget is the base currency balance treated as a flat
	// position, per product.
	InventoryTarget map[string]decimal.Decimal
	Clock           func() time.Time
}

// Client is the REST side of the adapter. It implements oms.ExecutionClient
// and stream.StatePoller.
type Client struct {
	opts       ClientOptions
	auth       Authenticator
	httpClient *http.Client
	pacer      *rate.Limiter
	logger     *logrus.Logger
}

func NewClient(opts ClientOptions, auth Authenticator, logger *logrus.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = ProductionURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 25
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Client{
		opts:       opts,
		auth:       auth,
		httpClient: &http.Client{Timeout: opts.Timeout},
		pacer:      rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		logger:     logger,
	}
}

func (c *Client) Create(ctx context.Context, req models.OrderRequest) (oms.Result, error) {
	body := createOrderRequest{
		ClientOrderID: req.ClientOrderID,
		ProductID:     req.Symbol,
		Side:          fromSide(req.Side),
	}
	if req.Type == models.OrderTypeMarket {
		body.OrderConfiguration.MarketIOC = &marketIOC{BaseSize: req.Size.String()}
	} else {
		body.OrderConfiguration.LimitGTC = &limitGTC{
			BaseSize:   req.Size.String(),
			LimitPrice: req.Price.String(),
			PostOnly:   req.PostOnly,
		}
	}

	var resp createOrderResponse
	info, latency, err := c.do(ctx, request{
		op: oms.OpCreate, class: ratelimit.ClassCreate,
		method: http.MethodPost, path: pathOrders, body: body,
	}, &resp)
	if err != nil {
		return oms.Result{Latency: latency, RateLimit: info}, err
	}
	if !resp.Success {
		e := resp.ErrorResponse
		code := firstNonEmpty(e.Error, e.NewOrderFailureReason, e.PreviewFailureReason, resp.FailureReason)
		return oms.Result{Latency: latency, RateLimit: info}, &oms.ExecError{
			Kind:      oms.ErrRejected,
			Op:        oms.OpCreate,
			Code:      code,
			Message:   firstNonEmpty(e.Message, e.ErrorDetails),
			RateLimit: info,
		}
	}

	orderID := firstNonEmpty(resp.SuccessResponse.OrderID, resp.OrderID)
	status := models.OrderStatusOpen
	if req.Type == models.OrderTypeMarket {
		status = models.OrderStatusPending
	}
	return oms.Result{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Status:        status,
		Latency:       latency,
		RateLimit:     info,
	}, nil
}

func (c *Client) Amend(ctx context.Context, req models.AmendRequest) (oms.Result, error) {
	var resp editOrderResponse
	info, latency, err := c.do(ctx, request{
		op: oms.OpAmend, class: ratelimit.ClassAmend,
		method: http.MethodPost, path: pathEditOrder,
		body: editOrderRequest{OrderID: req.OrderID, Price: req.Price.String(), Size: req.Size.String()},
	}, &resp)
	if err != nil {
		return oms.Result{Latency: latency, RateLimit: info}, err
	}
	if !resp.Success {
		var code string
		if len(resp.Errors) > 0 {
			code = firstNonEmpty(resp.Errors[0].EditFailureReason, resp.Errors[0].PreviewFailureReason)
		}
		return oms.Result{Latency: latency, RateLimit: info}, &oms.ExecError{
			Kind: oms.ErrRejected, Op: oms.OpAmend, Code: code, RateLimit: info,
		}
	}
	return oms.Result{OrderID: req.OrderID, Status: models.OrderStatusOpen, Latency: latency, RateLimit: info}, nil
}

func (c *Client) Cancel(ctx context.Context, _ string, orderID string) (oms.Result, error) {
	resp, info, latency, err := c.batchCancel(ctx, oms.OpCancel, ratelimit.ClassCancel, []string{orderID})
	if err != nil {
		return oms.Result{Latency: latency, RateLimit: info}, err
	}
	for _, r := range resp.Results {
		if r.OrderID != orderID {
			continue
		}
		if !r.Success {
			return oms.Result{Latency: latency, RateLimit: info}, &oms.ExecError{
				Kind: oms.ErrRejected, Op: oms.OpCancel, Code: r.FailureReason, RateLimit: info,
			}
		}
		return oms.Result{OrderID: orderID, Status: models.OrderStatusCancelled, Latency: latency, RateLimit: info}, nil
	}
	return oms.Result{Latency: latency, RateLimit: info}, &oms.ExecError{
		Kind: oms.ErrUnknownOutcome, Op: oms.OpCancel, Message: "order missing from cancel response",
	}
}

// CancelAll cancels orderIDs in chunks, or every open order of symbol when
// orderIDs is empty. Orders the exchange refused are left out of Cancelled.
func (c *Client) CancelAll(ctx context.Context, symbol string, orderIDs []string) (oms.Result, error) {
	if len(orderIDs) == 0 {
		open, err := c.openOrders(ctx, symbol)
		if err != nil {
			return oms.Result{}, err
		}
		for _, o := range open {
			orderIDs = append(orderIDs, o.ExchangeOrderID)
		}
		if len(orderIDs) == 0 {
			return oms.Result{Cancelled: []string{}, Status: models.OrderStatusCancelled}, nil
		}
	}

	out := oms.Result{Cancelled: make([]string, 0, len(orderIDs)), Status: models.OrderStatusCancelled}
	for start := 0; start < len(orderIDs); start += maxCancelBatch {
		end := min(start+maxCancelBatch, len(orderIDs))
		resp, info, latency, err := c.batchCancel(ctx, oms.OpCancelAll, ratelimit.ClassCancelAll, orderIDs[start:end])
		out.Latency += latency
		if info != nil {
			out.RateLimit = info
		}
		if err != nil {
			if len(out.Cancelled) > 0 {
				c.logger.WithError(err).WithFields(logrus.Fields{
					"symbol":    symbol,
					"cancelled": len(out.Cancelled),
				}).Warn("Cancel-all interrupted after partial success")
			}
			return out, err
		}
		for _, r := range resp.Results {
			if r.Success {
				out.Cancelled = append(out.Cancelled, r.OrderID)
				continue
			}
			c.logger.WithFields(logrus.Fields{
				"symbol":   symbol,
				"order_id": r.OrderID,
				"reason":   r.FailureReason,
			}).Debug("Cancel refused")
		}
	}
	return out, nil
}

func (c *Client) batchCancel(ctx context.Context, op oms.OpKind, class ratelimit.EndpointClass, ids []string) (batchCancelResponse, *oms.RateLimitInfo, time.Duration, error) {
	var resp batchCancelResponse
	info, latency, err := c.do(ctx, request{
		op: op, class: class,
		method: http.MethodPost, path: pathBatchCancel,
		body: batchCancelRequest{OrderIDs: ids},
	}, &resp)
	return resp, info, latency, err
}

// PollState reads the open orders and the base currency position of symbol.
func (c *Client) PollState(ctx context.Context, symbol string) (liveorders.PollResult, error) {
	orders, err := c.openOrders(ctx, symbol)
	if err != nil {
		return liveorders.PollResult{}, err
	}
	pos, err := c.position(ctx, symbol)
	if err != nil {
		return liveorders.PollResult{}, err
	}
	return liveorders.PollResult{Orders: orders, Position: &pos}, nil
}

func (c *Client) openOrders(ctx context.Context, symbol string) ([]models.WorkingOrder, error) {
	var out []models.WorkingOrder
	cursor := ""
	for {
		q := url.Values{}
		q.Set("product_ids", symbol)
		q.Set("order_status", "OPEN")
		q.Set("limit", "250")
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var resp listOrdersResponse
		if _, _, err := c.do(ctx, request{
			op: opPoll, class: ratelimit.ClassQuery,
			method: http.MethodGet, path: pathListOrders, query: q,
		}, &resp); err != nil {
			return nil, fmt.Errorf("list open orders %s: %w", symbol, err)
		}
		for _, o := range resp.Orders {
			out = append(out, o.working())
		}
		if !resp.HasNext || resp.Cursor == "" {
			return out, nil
		}
		cursor = resp.Cursor
	}
}

func (o restOrder) working() models.WorkingOrder {
	filled := parseDecimal(o.FilledSize)
	w := models.WorkingOrder{
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.ClientOrderID,
		Symbol:          o.ProductID,
		Side:            toSide(o.Side),
		FilledSize:      filled,
		Status:          toStatus(o.Status, filled),
		CreatedAt:       parseTime(o.CreatedTime),
	}
	w.UpdatedAt = w.CreatedAt
	if t := parseTime(o.LastFillTime); t.After(w.UpdatedAt) {
		w.UpdatedAt = t
	}
	if cfg := o.OrderConfiguration.LimitGTC; cfg != nil {
		w.Price = parseDecimal(cfg.LimitPrice)
		w.Size = parseDecimal(cfg.BaseSize)
	}
	return w
}

// position is the base currency balance, available plus on hold, relative
// to the configured inventory target.
func (c *Client) position(ctx context.Context, symbol string) (models.Position, error) {
	base, _, ok := strings.Cut(symbol, "-")
	if !ok {
		return models.Position{}, fmt.Errorf("coinbase: cannot derive base currency of %q", symbol)
	}
	total := decimal.Zero
	cursor := ""
	for {
		q := url.Values{}
		q.Set("limit", "250")
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var resp listAccountsResponse
		if _, _, err := c.do(ctx, request{
			op: opPoll, class: ratelimit.ClassQuery,
			method: http.MethodGet, path: pathAccounts, query: q,
		}, &resp); err != nil {
			return models.Position{}, fmt.Errorf("list accounts: %w", err)
		}
		for _, a := range resp.Accounts {
			if strings.EqualFold(a.Currency, base) {
				total = total.Add(parseDecimal(a.AvailableBalance.Value)).Add(parseDecimal(a.Hold.Value))
			}
		}
		if !resp.HasNext || resp.Cursor == "" {
			break
		}
		cursor = resp.Cursor
	}
	return models.Position{
		Symbol:    symbol,
		Size:      total.Sub(c.opts.InventoryTarget[symbol]),
		UpdatedAt: c.opts.Clock(),
	}, nil
}

type request struct {
	op     oms.OpKind
	class  ratelimit.EndpointClass
	method string
	path   string
	query  url.Values
	body   any
}

// do sends one signed request. Every failure is returned as *oms.ExecError
// classified by what is known about the request's effect.
func (c *Client) do(ctx context.Context, r request, out any) (*oms.RateLimitInfo, time.Duration, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, 0, &oms.ExecError{Kind: oms.ErrRateLimited, Op: r.op, Message: "request not sent", Err: err}
	}

	var payload []byte
	var reader io.Reader = http.NoBody
	if r.body != nil {
		var err error
		if payload, err = json.Marshal(r.body); err != nil {
			return nil, 0, &oms.ExecError{Kind: oms.ErrRejected, Op: r.op, Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	target := c.opts.BaseURL + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target, reader)
	if err != nil {
		return nil, 0, &oms.ExecError{Kind: oms.ErrRejected, Op: r.op, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.auth.AddAuthHeaders(req, r.method, r.path, string(payload)); err != nil {
		return nil, 0, &oms.ExecError{Kind: oms.ErrAuthFailure, Op: r.op, Err: err}
	}

	start := c.opts.Clock()
	resp, err := c.httpClient.Do(req)
	latency := c.opts.Clock().Sub(start)
	if err != nil {
		return nil, latency, &oms.ExecError{Kind: oms.ErrUnknownOutcome, Op: r.op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, latency, &oms.ExecError{Kind: oms.ErrUnknownOutcome, Op: r.op, StatusCode: resp.StatusCode, Err: err}
	}
	info := c.rateLimit(r.class, resp.Header)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return info, latency, c.statusError(r, resp.StatusCode, resp.Header, body, info)
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return info, latency, &oms.ExecError{
				Kind: oms.ErrUnknownOutcome, Op: r.op, StatusCode: resp.StatusCode,
				Message: "decode response", Err: err, RateLimit: info,
			}
		}
	}
	return info, latency, nil
}

func (c *Client) statusError(r request, status int, header http.Header, body []byte, info *oms.RateLimitInfo) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	msg := firstNonEmpty(apiErr.Message, apiErr.ErrorDetails)
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
	}

	e := &oms.ExecError{
		Op:         r.op,
		Code:       apiErr.Error,
		Message:    msg,
		StatusCode: status,
		RateLimit:  info,
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = oms.ErrAuthFailure
	case status == http.StatusTooManyRequests:
		e.Kind = oms.ErrRateLimited
		e.RetryAfter = retryAfter(header.Get("Retry-After"))
	case status >= http.StatusInternalServerError:
		e.Kind = oms.ErrUnknownOutcome
	default:
		e.Kind = oms.ErrRejected
	}
	return e
}

func (c *Client) rateLimit(class ratelimit.EndpointClass, h http.Header) *oms.RateLimitInfo {
	remaining, err := strconv.Atoi(strings.TrimSpace(h.Get("X-Ratelimit-Remaining")))
	if err != nil {
		return nil
	}
	now := c.opts.Clock()
	info := &oms.RateLimitInfo{Class: class, Remaining: remaining, ObservedAt: now}
	if limit, err := strconv.Atoi(strings.TrimSpace(h.Get("X-Ratelimit-Limit"))); err == nil {
		info.Max = limit
	}
	if reset, err := strconv.ParseFloat(strings.TrimSpace(h.Get("X-Ratelimit-Reset")), 64); err == nil {
		// Large values are epoch seconds, small ones a delay.
		if reset > 1e9 {
			info.ResetAt = time.Unix(int64(reset), 0)
		} else {
			info.ResetAt = now.Add(time.Duration(reset * float64(time.Second)))
		}
	}
	return info
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
