package coinbase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/gregtusar/quoter/pkg/models"
	"github.com/gregtusar/quoter/pkg/oms"
	"github.com/gregtusar/quoter/pkg/stream"
	"github.com/sirupsen/logrus"
)

const (
	MarketDataURL = "wss://advanced-trade-ws.coinbase.com"
	UserDataURL   = "wss://advanced-trade-ws-user.coinbase.com"

	channelLevel2     = "level2"
	channelUser       = "user"
	channelHeartbeats = "heartbeats"
)

var (
	_ stream.MarketFeed   = (*MarketFeed)(nil)
	_ stream.Resubscriber = (*MarketFeed)(nil)
	_ stream.PrivateFeed  = (*UserFeed)(nil)

	errNotConnected = errors.New("websocket not connected")
)

type FeedOptions struct {
	URL          string
	PingInterval time.Duration
	// ReadTimeout closes a connection that delivered nothing, heartbeats
	// included, for this long.
	ReadTimeout time.Duration
}

func (o *FeedOptions) setDefaults(url string) {
	if o.URL == "" {
		o.URL = url
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
}

// wsConn is one live connection. Writes are serialized; gorilla allows a
// single concurrent writer.
type wsConn struct {
	conn        *websocket.Conn
	auth        Authenticator
	readTimeout time.Duration
	writeMu     sync.Mutex
	closeOnce   sync.Once
}

func dial(ctx context.Context, opts FeedOptions, auth Authenticator) (*wsConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to websocket: %w", err)
	}
	c := &wsConn{conn: conn, auth: auth, readTimeout: opts.ReadTimeout}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	})
	return c, nil
}

func (c *wsConn) subscribe(typ, channel string, productIDs []string) error {
	sub := subscribeMessage{Type: typ, Channel: channel, ProductIDs: productIDs}
	if c.auth != nil {
		if err := c.auth.SignSubscription(&sub); err != nil {
			return &oms.ExecError{Kind: oms.ErrAuthFailure, Message: "sign subscription", Err: err}
		}
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", typ, channel, err)
	}
	return c.write(websocket.TextMessage, data)
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) read() ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return nil, err
	}
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) keepAlive(ctx context.Context, interval time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				logger.WithError(err).Warn("Failed to send ping")
				c.close()
				return
			}
		}
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { c.conn.Close() })
}

// serve dials, runs open and then hands every message to handle until the
// connection drops, handle fails or ctx is done.
func serve(ctx context.Context, opts FeedOptions, auth Authenticator, logger *logrus.Logger,
	open func(*wsConn) error, handle func([]byte) error) error {
	c, err := dial(ctx, opts, auth)
	if err != nil {
		return err
	}
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.close()
	stop := context.AfterFunc(connCtx, c.close)
	defer stop()

	if err := open(c); err != nil {
		return err
	}
	go c.keepAlive(connCtx, opts.PingInterval, logger)

	for {
		data, err := c.read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read %s: %w", opts.URL, err)
		}
		if err := handle(data); err != nil {
			return err
		}
	}
}

// feedError turns an error frame into an error; authentication problems are
// fatal to the supervisor.
func feedError(env wsEnvelope) error {
	msg := strings.ToLower(env.Message)
	if strings.Contains(msg, "auth") || strings.Contains(msg, "jwt") || strings.Contains(msg, "unauthorized") {
		return &oms.ExecError{Kind: oms.ErrAuthFailure, Message: env.Message}
	}
	return fmt.Errorf("coinbase websocket error: %s", env.Message)
}

// MarketFeed streams the level2 channel. The exchange numbers messages per
// connection, not per product, so each product gets a local sequence. When
// the connection sequence skips, every product's next delta is numbered past
// the expected value so the book engine sees the gap and asks for a resync,
// which is served by resubscribing.
type MarketFeed struct {
	opts   FeedOptions
	auth   Authenticator
	logger *logrus.Logger

	mu   sync.Mutex
	conn *wsConn

	// Owned by the Run goroutine.
	connSeq  uint64
	haveSeq  bool
	products map[string]*productSeq
}

type productSeq struct {
	seq uint64
	gap bool
}

func NewMarketFeed(opts FeedOptions, auth Authenticator, logger *logrus.Logger) *MarketFeed {
	opts.setDefaults(MarketDataURL)
	return &MarketFeed{
		opts:     opts,
		auth:     auth,
		logger:   logger,
		products: make(map[string]*productSeq),
	}
}

func (f *MarketFeed) Run(ctx context.Context, symbols []string, emit func(models.MarketFeedEvent)) error {
	defer f.setConn(nil)
	return serve(ctx, f.opts, f.auth, f.logger, func(c *wsConn) error {
		f.haveSeq = false
		if err := c.subscribe("subscribe", channelHeartbeats, symbols); err != nil {
			return err
		}
		if err := c.subscribe("subscribe", channelLevel2, symbols); err != nil {
			return err
		}
		f.setConn(c)
		f.logger.WithField("symbols", symbols).Info("Subscribed to level2")
		return nil
	}, func(data []byte) error {
		return f.handle(data, emit)
	})
}

// Resubscribe asks the exchange for fresh snapshots of symbols.
func (f *MarketFeed) Resubscribe(_ context.Context, symbols []string) error {
	f.mu.Lock()
	c := f.conn
	f.mu.Unlock()
	if c == nil {
		return errNotConnected
	}
	if err := c.subscribe("unsubscribe", channelLevel2, symbols); err != nil {
		return fmt.Errorf("unsubscribe %v: %w", symbols, err)
	}
	if err := c.subscribe("subscribe", channelLevel2, symbols); err != nil {
		return fmt.Errorf("subscribe %v: %w", symbols, err)
	}
	return nil
}

func (f *MarketFeed) setConn(c *wsConn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn = c
}

func (f *MarketFeed) handle(data []byte, emit func(models.MarketFeedEvent)) error {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.WithError(err).Warn("Dropping undecodable market message")
		return nil
	}
	if env.Type == "error" {
		return feedError(env)
	}
	f.checkConnSeq(env.SequenceNum)

	if env.Channel != "l2_data" {
		return nil
	}
	var msg l2Message
	if err := json.Unmarshal(data, &msg); err != nil {
		// A lost update breaks every book on the connection.
		f.markGaps()
		f.logger.WithError(err).Warn("Dropping undecodable level2 message")
		return nil
	}

	at := parseTime(env.Timestamp)
	for _, ev := range msg.Events {
		key := models.BookKey{Exchange: Exchange, Symbol: ev.ProductID}
		var bids, asks []models.PriceLevel
		for _, u := range ev.Updates {
			level := models.PriceLevel{Price: parseDecimal(u.PriceLevel), Size: parseDecimal(u.NewQuantity)}
			if u.Side == "bid" {
				bids = append(bids, level)
			} else {
				asks = append(asks, level)
			}
		}

		p := f.product(ev.ProductID)
		switch ev.Type {
		case "snapshot":
			p.seq++
			p.gap = false
			emit(models.BookSnapshot{Key: key, Sequence: p.seq, Bids: bids, Asks: asks, Time: at})
		case "update":
			p.seq++
			if p.gap {
				p.seq++
				p.gap = false
			}
			emit(models.BookDelta{Key: key, Sequence: p.seq, Bids: bids, Asks: asks, Time: at})
		}
	}
	return nil
}

func (f *MarketFeed) checkConnSeq(n uint64) {
	if f.haveSeq && n != f.connSeq+1 {
		f.logger.WithFields(logrus.Fields{
			"expected": f.connSeq + 1,
			"got":      n,
		}).Warn("Level2 connection sequence gap")
		f.markGaps()
	}
	f.connSeq = n
	f.haveSeq = true
}

func (f *MarketFeed) markGaps() {
	for _, p := range f.products {
		p.gap = true
	}
}

func (f *MarketFeed) product(id string) *productSeq {
	p, ok := f.products[id]
	if !ok {
		p = &productSeq{}
		f.products[id] = p
	}
	return p
}

// UserFeed streams order changes from the authenticated user channel.
type UserFeed struct {
	opts   FeedOptions
	auth   Authenticator
	logger *logrus.Logger
}

func NewUserFeed(opts FeedOptions, auth Authenticator, logger *logrus.Logger) *UserFeed {
	opts.setDefaults(UserDataURL)
	return &UserFeed{opts: opts, auth: auth, logger: logger}
}

func (f *UserFeed) Run(ctx context.Context, symbols []string, emit func(models.PrivateFeedEvent)) error {
	if f.auth == nil {
		return &oms.ExecError{Kind: oms.ErrAuthFailure, Message: "user channel requires credentials"}
	}
	return serve(ctx, f.opts, f.auth, f.logger, func(c *wsConn) error {
		if err := c.subscribe("subscribe", channelHeartbeats, symbols); err != nil {
			return err
		}
		return c.subscribe("subscribe", channelUser, symbols)
	}, func(data []byte) error {
		return f.handle(data, emit)
	})
}

func (f *UserFeed) handle(data []byte, emit func(models.PrivateFeedEvent)) error {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.WithError(err).Warn("Dropping undecodable user message")
		return nil
	}
	if env.Type == "error" {
		return feedError(env)
	}
	if env.Channel != channelUser {
		return nil
	}
	var msg userMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		// The next poll reconciles whatever this message carried.
		f.logger.WithError(err).Warn("Dropping undecodable user message")
		return nil
	}

	at := parseTime(env.Timestamp)
	for _, ev := range msg.Events {
		for _, o := range ev.Orders {
			filled := parseDecimal(o.CumulativeQuantity)
			emit(models.OrderUpdate{
				Exchange:      Exchange,
				Symbol:        o.ProductID,
				OrderID:       o.OrderID,
				ClientOrderID: o.ClientOrderID,
				Side:          toSide(o.OrderSide),
				Status:        toStatus(o.Status, filled),
				Price:         parseDecimal(o.LimitPrice),
				Size:          filled.Add(parseDecimal(o.LeavesQuantity)),
				FilledSize:    filled,
				Time:          at,
			})
		}
	}
	return nil
}
