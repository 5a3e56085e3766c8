package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gregtusar/quoter/pkg/liveorders"
	"github.com/gregtusar/quoter/pkg/models"
	"github.com/gregtusar/quoter/pkg/oms"
	"github.com/gregtusar/quoter/pkg/orderbook"
	"github.com/gregtusar/quoter/pkg/state"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var errNoSnapshotSource = errors.New("no snapshot source for resync")

type Options struct {
	Exchange string
	Symbols  []string
	// PollInterval is the cadence of the authoritative order/position poll.
	PollInterval time.Duration
	// StaleAfter invalidates a book that has been silent this long.
	StaleAfter     time.Duration
	RequestTimeout time.Duration
	// ReconnectInitial and ReconnectMax bound the reconnect backoff.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// HealthyAfter resets the backoff once a connection lasted this long.
	HealthyAfter time.Duration
	ResyncTries  uint
	Clock        func() time.Time
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 30 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.HealthyAfter <= 0 {
		o.HealthyAfter = time.Minute
	}
	if o.ResyncTries == 0 {
		o.ResyncTries = 5
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Deps are the collaborators a Supervisor drives. Market, Private, Fetcher
// and Poller are optional.
type Deps struct {
	Market  MarketFeed
	Private PrivateFeed
	Fetcher SnapshotFetcher
	Poller  StatePoller
	Books   *orderbook.Engine
	// Live holds one order set per symbol.
	Live map[string]*liveorders.Set
	Gate *state.Gate
	// OnPollLatency observes the round trip of each poll.
	OnPollLatency func(time.Duration)
}

// StreamStatus is the health of one supervised stream.
type StreamStatus struct {
	Name       string    `json:"name"`
	Connected  bool      `json:"connected"`
	Reconnects int       `json:"reconnects"`
	LastError  string    `json:"last_error,omitempty"`
	Since      time.Time `json:"since"`
	LastEvent  time.Time `json:"last_event"`
}

type Supervisor struct {
	opts   Options
	deps   Deps
	logger *logrus.Logger

	pollNow chan struct{}

	mu       sync.Mutex
	health   map[string]*StreamStatus
	lastPoll time.Time
}

func NewSupervisor(opts Options, deps Deps, logger *logrus.Logger) *Supervisor {
	opts.setDefaults()
	if deps.Live == nil {
		deps.Live = make(map[string]*liveorders.Set)
	}
	return &Supervisor{
		opts:    opts,
		deps:    deps,
		logger:  logger,
		pollNow: make(chan struct{}, 1),
		health:  make(map[string]*StreamStatus),
	}
}

// Run supervises every stream until ctx is done. It returns only a fatal
// exchange error; everything else is retried.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.deps.Market != nil {
		g.Go(func() error {
			return s.supervise(ctx, "market", func(ctx context.Context, touch func()) error {
				return s.deps.Market.Run(ctx, s.opts.Symbols, func(ev models.MarketFeedEvent) {
					touch()
					s.HandleMarket(ev)
				})
			}, func(reason error) {
				s.HandleMarket(models.MarketDisconnected{Exchange: s.opts.Exchange, Reason: errString(reason)})
			})
		})
	}
	if s.deps.Private != nil {
		g.Go(func() error {
			return s.supervise(ctx, "private", func(ctx context.Context, touch func()) error {
				return s.deps.Private.Run(ctx, s.opts.Symbols, func(ev models.PrivateFeedEvent) {
					touch()
					s.HandlePrivate(ctx, ev)
				})
			}, func(reason error) {
				s.HandlePrivate(ctx, models.PrivateDisconnected{Exchange: s.opts.Exchange, Reason: errString(reason)})
				s.RequestPoll()
			})
		})
	}
	if s.deps.Books != nil {
		g.Go(func() error { return s.resyncLoop(ctx) })
		g.Go(func() error { return s.sweepLoop(ctx) })
	}
	if s.deps.Poller != nil {
		g.Go(func() error { return s.pollLoop(ctx) })
	}

	s.logger.WithFields(logrus.Fields{
		"exchange": s.opts.Exchange,
		"symbols":  s.opts.Symbols,
	}).Info("Stream supervisor started")
	return g.Wait()
}

// HandleMarket routes one public feed event into the book engine. The engine
// has already invalidated the book and requested a resync for any update it
// rejects.
func (s *Supervisor) HandleMarket(ev models.MarketFeedEvent) {
	if err := s.applyMarket(ev); err != nil {
		s.logger.WithError(err).WithField("exchange", s.opts.Exchange).Debug("Market event not applied")
	}
}

func (s *Supervisor) applyMarket(ev models.MarketFeedEvent) error {
	var err error
	switch ev := ev.(type) {
	case models.BookSnapshot:
		s.write(func() { err = s.deps.Books.OnSnapshot(ev) })
	case models.BookDelta:
		s.write(func() { err = s.deps.Books.OnDelta(ev) })
	case models.MarketDisconnected:
		s.write(func() { s.deps.Books.OnDisconnect(ev) })
		s.logger.WithFields(logrus.Fields{
			"exchange": ev.Exchange,
			"reason":   ev.Reason,
		}).Warn("Market stream disconnected, books stale until resnapshot")
	default:
		s.logger.WithField("event", fmt.Sprintf("%T", ev)).Error("Unhandled market feed event")
	}
	return err
}

// HandlePrivate routes one account feed event to the order set of its symbol.
// A disconnect affects every symbol.
func (s *Supervisor) HandlePrivate(ctx context.Context, ev models.PrivateFeedEvent) {
	var symbol string
	switch ev := ev.(type) {
	case models.OrderAck:
		symbol = ev.Symbol
	case models.OrderUpdate:
		symbol = ev.Symbol
	case models.PositionUpdate:
		symbol = ev.Symbol
	case models.PrivateDisconnected:
		for _, sym := range s.symbols() {
			if err := s.deps.Live[sym].HandleEvent(ctx, ev); err != nil {
				s.logger.WithError(err).WithField("symbol", sym).Warn("Failed to queue disconnect")
			}
		}
		return
	default:
		s.logger.WithField("event", fmt.Sprintf("%T", ev)).Error("Unhandled private feed event")
		return
	}

	set, ok := s.deps.Live[symbol]
	if !ok {
		s.logger.WithField("symbol", symbol).Debug("Private event for untracked symbol")
		return
	}
	if err := set.HandleEvent(ctx, ev); err != nil {
		s.logger.WithError(err).WithField("symbol", symbol).Warn("Failed to queue private event")
	}
}

// RequestPoll asks for a poll as soon as possible, used after unknown outcomes.
func (s *Supervisor) RequestPoll() {
	select {
	case s.pollNow <- struct{}{}:
	default:
	}
}

// Health reports every supervised stream, sorted by name.
func (s *Supervisor) Health() []StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamStatus, 0, len(s.health))
	for _, st := range s.health {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) LastPoll() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPoll
}

type runFunc func(ctx context.Context, touch func()) error

// supervise keeps one stream connected with exponential backoff between
// attempts. onDrop runs after every disconnect, before the backoff wait.
func (s *Supervisor) supervise(ctx context.Context, name string, run runFunc, onDrop func(error)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ReconnectInitial
	b.MaxInterval = s.opts.ReconnectMax

	log := s.logger.WithFields(logrus.Fields{"exchange": s.opts.Exchange, "stream": name})
	for {
		started := s.opts.Clock()
		s.setHealth(name, func(st *StreamStatus) { st.Since = started })

		err := run(ctx, func() {
			s.setHealth(name, func(st *StreamStatus) {
				st.Connected = true
				st.LastEvent = s.opts.Clock()
			})
		})
		s.setHealth(name, func(st *StreamStatus) {
			st.Connected = false
			st.LastError = errString(err)
		})
		if ctx.Err() != nil {
			return nil
		}
		onDrop(err)

		if oms.Fatal(err) {
			log.WithError(err).WithField("alert", "stream_fatal").Error("Stream failed permanently, giving up on exchange")
			return fmt.Errorf("%s %s stream: %w", s.opts.Exchange, name, err)
		}
		if s.opts.Clock().Sub(started) >= s.opts.HealthyAfter {
			b.Reset()
		}
		wait := b.NextBackOff()
		s.setHealth(name, func(st *StreamStatus) { st.Reconnects++ })
		log.WithError(err).WithField("retry_in", wait.String()).Warn("Stream disconnected, reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Supervisor) resyncLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case key := <-s.deps.Books.Resyncs():
			if err := s.resync(ctx, key); err != nil && oms.Fatal(err) {
				return fmt.Errorf("%s resync %s: %w", s.opts.Exchange, key, err)
			}
		}
	}
}

func (s *Supervisor) resync(ctx context.Context, key models.BookKey) error {
	if key.Exchange != s.opts.Exchange {
		s.deps.Books.ResyncFailed(key)
		return nil
	}
	if s.deps.Books.State(key) == orderbook.StateLive {
		s.deps.Books.ResyncFailed(key)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ReconnectInitial
	b.MaxInterval = s.opts.ReconnectMax

	op := func() (struct{}, error) {
		rctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()

		if r, ok := s.deps.Market.(Resubscriber); ok {
			return struct{}{}, r.Resubscribe(rctx, []string{key.Symbol})
		}
		if s.deps.Fetcher == nil {
			return struct{}{}, backoff.Permanent(errNoSnapshotSource)
		}
		snap, err := s.deps.Fetcher.FetchSnapshot(rctx, key.Symbol)
		if err != nil {
			if oms.Fatal(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		snap.Key = key
		return struct{}{}, s.applyMarket(snap)
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.opts.ResyncTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"book":     key.String(),
				"retry_in": wait.String(),
			}).Debug("Resync attempt failed")
		}),
	)
	if err != nil {
		s.deps.Books.ResyncFailed(key)
		s.logger.WithError(err).WithField("book", key.String()).Error("Order book resync failed")
		return err
	}
	s.logger.WithField("book", key.String()).Info("Order book resync requested")
	return nil
}

// sweepLoop invalidates silent books and re-requests resync for books that
// are still stale from an earlier sweep.
func (s *Supervisor) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.StaleAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Supervisor) sweep() {
	stillStale := s.deps.Books.NotLive(s.opts.Exchange)
	s.write(func() { s.deps.Books.MarkStaleOlderThan(s.opts.StaleAfter) })
	for _, key := range stillStale {
		s.deps.Books.ResyncFailed(key)
		s.deps.Books.RequestResync(key)
	}
}

func (s *Supervisor) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.PollOnce(ctx); err != nil && oms.Fatal(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.pollNow:
		}
	}
}

// PollOnce polls every symbol and applies the results. Only fatal errors are
// returned; other failures are logged and retried on the next poll.
func (s *Supervisor) PollOnce(ctx context.Context) error {
	for _, symbol := range s.symbols() {
		requested := s.opts.Clock()
		pctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		res, err := s.deps.Poller.PollState(pctx, symbol)
		cancel()
		received := s.opts.Clock()
		if s.deps.OnPollLatency != nil && err == nil {
			s.deps.OnPollLatency(received.Sub(requested))
		}
		if err != nil {
			if oms.Fatal(err) {
				s.logger.WithError(err).WithField("alert", "poll_fatal").Error("State poll failed permanently")
				return fmt.Errorf("%s poll %s: %w", s.opts.Exchange, symbol, err)
			}
			s.logger.WithError(err).WithField("symbol", symbol).Warn("State poll failed")
			continue
		}
		if res.RequestedAt.IsZero() {
			res.RequestedAt = requested
		}
		if res.ReceivedAt.IsZero() {
			res.ReceivedAt = received
		}
		if err := s.deps.Live[symbol].ApplyPoll(ctx, res); err != nil {
			return nil
		}
	}
	s.mu.Lock()
	s.lastPoll = s.opts.Clock()
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) symbols() []string {
	out := make([]string, 0, len(s.deps.Live))
	for sym := range s.deps.Live {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Supervisor) write(fn func()) {
	if s.deps.Gate != nil {
		s.deps.Gate.Write(fn)
		return
	}
	fn()
}

func (s *Supervisor) setHealth(name string, fn func(*StreamStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.health[name]
	if !ok {
		st = &StreamStatus{Name: name}
		s.health[name] = st
	}
	fn(st)
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
