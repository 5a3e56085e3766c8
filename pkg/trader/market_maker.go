package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/quoter/pkg/liveorders"
	"github.com/gregtusar/quoter/pkg/models"
	"github.com/gregtusar/quoter/pkg/oms"
	"github.com/gregtusar/quoter/pkg/orderbook"
	"github.com/gregtusar/quoter/pkg/ratelimit"
	"github.com/gregtusar/quoter/pkg/state"
	"github.com/gregtusar/quoter/pkg/strategy"
	"github.com/sirupsen/logrus"
)

// Checkpointer persists the live order set between runs.
type Checkpointer interface {
	Save(ctx context.Context, v liveorders.View) error
}

type Options struct {
	Exchange string
	Symbol   string
	// CycleInterval is the reconciliation cadence.
	CycleInterval time.Duration
	// StaleHaltAfter is how long the book may stay not live before quoting
	// is halted. A shorter outage only pauses reconciliation.
	StaleHaltAfter time.Duration
	// UnknownHaltCount unknown outcomes within UnknownWindow halt quoting.
	UnknownHaltCount int
	UnknownWindow    time.Duration
	Clock            func() time.Time
}

func (o *Options) setDefaults() {
	if o.CycleInterval <= 0 {
		o.CycleInterval = time.Second
	}
	if o.StaleHaltAfter <= 0 {
		o.StaleHaltAfter = 5 * time.Second
	}
	if o.UnknownHaltCount <= 0 {
		o.UnknownHaltCount = 3
	}
	if o.UnknownWindow <= 0 {
		o.UnknownWindow = time.Minute
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

type Deps struct {
	Books      *orderbook.Engine
	Live       *liveorders.Set
	Tracker    *ratelimit.Tracker
	Engine     *oms.Engine
	Dispatcher *oms.Dispatcher
	Latency    *oms.LatencyMonitor
	Strategy   strategy.Input
	Gate       *state.Gate
	Checkpoint Checkpointer
}

// CycleReport describes one reconciliation cycle. Dispatch is filled in
// once the submitted operations complete.
type CycleReport struct {
	Seq        uint64      `json:"seq"`
	At         time.Time   `json:"at"`
	Skipped    string      `json:"skipped,omitempty"`
	Halted     bool        `json:"halted"`
	HaltReason string      `json:"halt_reason,omitempty"`
	Desired    int         `json:"desired"`
	Plan       oms.Plan    `json:"plan"`
	Dispatch   *oms.Report `json:"dispatch,omitempty"`
}

// MarketMaker drives the quoting cycle for one symbol. It is the single
// writer of orders: every cycle reads one consistent snapshot, plans and
// submits the operations.
type MarketMaker struct {
	opts   Options
	deps   Deps
	key    models.BookKey
	logger *logrus.Logger

	mu         sync.RWMutex
	seq        uint64
	last       *CycleReport
	staleSince time.Time
	unknowns   []time.Time
	halted     string

	fatal    chan error
	stopCh   chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup
}

func NewMarketMaker(opts Options, deps Deps, logger *logrus.Logger) *MarketMaker {
	opts.setDefaults()
	if deps.Gate == nil {
		deps.Gate = state.NewGate()
	}
	return &MarketMaker{
		opts:   opts,
		deps:   deps,
		key:    models.BookKey{Exchange: opts.Exchange, Symbol: opts.Symbol},
		logger: logger,
		fatal:  make(chan error, 1),
		stopCh: make(chan struct{}),
	}
}

// Run cycles until ctx is done, Stop is called or a dispatch fails fatally.
func (mm *MarketMaker) Run(ctx context.Context) error {
	mm.logger.WithFields(logrus.Fields{
		"exchange": mm.opts.Exchange,
		"symbol":   mm.opts.Symbol,
		"interval": mm.opts.CycleInterval.String(),
	}).Info("Starting market maker")

	ticker := time.NewTicker(mm.opts.CycleInterval)
	defer ticker.Stop()
	defer mm.inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mm.stopCh:
			return nil
		case err := <-mm.fatal:
			mm.logger.WithError(err).WithField("alert", "exchange_fatal").Error("Stopping market maker")
			return err
		case <-ticker.C:
			if err := mm.Cycle(ctx); err != nil {
				return nil
			}
		}
	}
}

func (mm *MarketMaker) Stop() {
	mm.stopOnce.Do(func() {
		mm.logger.Info("Stopping market maker")
		close(mm.stopCh)
	})
}

// Cycle runs one reconciliation. Operations are submitted asynchronously;
// the returned error is only set when ctx is done.
func (mm *MarketMaker) Cycle(ctx context.Context) error {
	if err := mm.deps.Live.Sync(ctx); err != nil {
		return err
	}
	report := mm.plan(ctx)
	mm.store(report)
	if report.Plan.Empty() {
		return nil
	}

	done := mm.deps.Dispatcher.Submit(ctx, report.Plan.Ops)
	mm.inflight.Add(1)
	go func(seq uint64) {
		defer mm.inflight.Done()
		if rep, ok := <-done; ok {
			mm.complete(seq, rep)
		}
	}(report.Seq)
	return nil
}

func (mm *MarketMaker) plan(ctx context.Context) *CycleReport {
	var (
		book   orderbook.Snapshot
		found  bool
		live   liveorders.View
		ledger *ratelimit.Ledger
	)
	mm.deps.Gate.Read(func() {
		book, found = mm.deps.Books.Snapshot(mm.key)
		live = mm.deps.Live.View()
		if mm.deps.Tracker != nil {
			ledger = mm.deps.Tracker.Snapshot().Ledger()
		}
	})

	now := mm.opts.Clock()
	report := &CycleReport{Seq: mm.nextSeq(), At: now}

	in := oms.Input{Live: live}
	if mm.deps.Latency != nil {
		in.Latency = mm.deps.Latency.Value()
	}
	if ledger != nil {
		in.Budget = ledger
	}

	haltReason, wait := mm.haltReason(now, found, book)
	switch {
	case live.Unconfirmed():
		report.Skipped = "awaiting_poll"
	case wait:
		report.Skipped = "book_not_live"
	}
	if !wait {
		mm.setHalted(haltReason)
		report.Halted = haltReason != ""
		report.HaltReason = haltReason
	}
	in.Halted = report.Halted
	if report.Skipped != "" {
		report.Plan = mm.deps.Engine.Guard(in)
		return report
	}

	var desired []models.DesiredOrder
	if haltReason == "" {
		var err error
		desired, err = mm.deps.Strategy.DesiredOrders(ctx, strategy.Market{Book: book, Position: live.Position})
		switch {
		case errors.Is(err, orderbook.ErrEmptyBook):
			report.Skipped = "empty_book"
		case err != nil:
			mm.logger.WithError(err).WithField("symbol", mm.opts.Symbol).Warn("Strategy failed, holding quotes")
			report.Skipped = "strategy_error"
		}
		if report.Skipped != "" {
			report.Plan = mm.deps.Engine.Guard(in)
			return report
		}
	}
	report.Desired = len(desired)
	in.Desired = desired

	report.Plan = mm.deps.Engine.Reconcile(in)

	if mm.deps.Checkpoint != nil {
		if err := mm.deps.Checkpoint.Save(ctx, live); err != nil {
			mm.logger.WithError(err).Warn("Failed to checkpoint live orders")
		}
	}
	return report
}

// haltReason returns why quoting is halted. wait is set while the book is
// briefly not live: quoting is skipped, resting orders are kept and only the
// safety overrides run.
func (mm *MarketMaker) haltReason(now time.Time, found bool, book orderbook.Snapshot) (string, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	mm.pruneUnknownsLocked(now)
	unknownHalt := len(mm.unknowns) >= mm.opts.UnknownHaltCount

	if !found || book.Stale() {
		if mm.staleSince.IsZero() {
			mm.staleSince = now
		}
		if now.Sub(mm.staleSince) >= mm.opts.StaleHaltAfter {
			return "book_stale", false
		}
		if unknownHalt {
			return "unknown_outcomes", false
		}
		return "", true
	}
	mm.staleSince = time.Time{}
	if unknownHalt {
		return "unknown_outcomes", false
	}
	return "", false
}

func (mm *MarketMaker) setHalted(reason string) {
	mm.mu.Lock()
	prev := mm.halted
	mm.halted = reason
	mm.mu.Unlock()

	switch {
	case reason != "" && prev == "":
		mm.logger.WithFields(logrus.Fields{
			"symbol": mm.opts.Symbol,
			"reason": reason,
			"alert":  "quoting_halted",
		}).Error("Quoting halted")
	case reason == "" && prev != "":
		mm.logger.WithFields(logrus.Fields{
			"symbol": mm.opts.Symbol,
			"reason": prev,
		}).Info("Quoting resumed")
	}
}

func (mm *MarketMaker) complete(seq uint64, rep oms.Report) {
	mm.mu.Lock()
	for i := rep.Count(oms.OutcomeUnknown); i > 0; i-- {
		mm.unknowns = append(mm.unknowns, mm.opts.Clock())
	}
	if mm.last != nil && mm.last.Seq == seq {
		cp := *mm.last
		cp.Dispatch = &rep
		mm.last = &cp
	}
	mm.mu.Unlock()

	entry := mm.logger.WithFields(logrus.Fields{
		"symbol":   mm.opts.Symbol,
		"cycle":    seq,
		"ok":       rep.Count(oms.OutcomeOK),
		"deferred": rep.Count(oms.OutcomeDeferred),
		"rejected": rep.Count(oms.OutcomeRejected),
		"unknown":  rep.Count(oms.OutcomeUnknown),
		"elapsed":  rep.Finished.Sub(rep.Started).String(),
	})
	if rep.Count(oms.OutcomeOK) == len(rep.Results) {
		entry.Debug("Dispatch complete")
	} else {
		entry.Info("Dispatch complete")
	}

	if rep.Fatal != nil {
		select {
		case mm.fatal <- fmt.Errorf("cycle %d: %w", seq, rep.Fatal):
		default:
		}
	}
}

func (mm *MarketMaker) pruneUnknownsLocked(now time.Time) {
	cutoff := now.Add(-mm.opts.UnknownWindow)
	kept := mm.unknowns[:0]
	for _, at := range mm.unknowns {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	mm.unknowns = kept
}

func (mm *MarketMaker) nextSeq() uint64 {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.seq++
	return mm.seq
}

func (mm *MarketMaker) store(r *CycleReport) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.last = r
}

// LastCycle returns the most recent cycle report.
func (mm *MarketMaker) LastCycle() (CycleReport, bool) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	if mm.last == nil {
		return CycleReport{}, false
	}
	return *mm.last, true
}

// Halted returns the current halt reason, empty while quoting.
func (mm *MarketMaker) Halted() string {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.halted
}

func (mm *MarketMaker) Symbol() string { return mm.opts.Symbol }

func (mm *MarketMaker) Live() liveorders.View { return mm.deps.Live.View() }
