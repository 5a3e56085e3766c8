package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gregtusar/quoter/pkg/liveorders"
	"github.com/gregtusar/quoter/pkg/models"
	"github.com/gregtusar/quoter/pkg/orderbook"
	"github.com/gregtusar/quoter/pkg/ratelimit"
	"github.com/gregtusar/quoter/pkg/stream"
	"github.com/gregtusar/quoter/pkg/trader"
	"github.com/sirupsen/logrus"
)

type HealthSource interface {
	Health() []stream.StreamStatus
	LastPoll() time.Time
}

type BookSource interface {
	Keys() []models.BookKey
	Snapshot(key models.BookKey) (orderbook.Snapshot, bool)
}

type BudgetSource interface {
	Snapshot() ratelimit.View
}

// Quoter is one market maker as seen by the status API.
type Quoter interface {
	Symbol() string
	Live() liveorders.View
	Halted() string
	LastCycle() (trader.CycleReport, bool)
}

type Deps struct {
	Health  HealthSource
	Books   BookSource
	Budgets BudgetSource
	Quoters []Quoter
}

type Server struct {
	deps   Deps
	logger *logrus.Logger
	port   string
}

func NewServer(deps Deps, logger *logrus.Logger, port string) *Server {
	return &Server{
		deps:   deps,
		logger: logger,
		port:   port,
	}
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting API server on port %s", s.port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/books", s.handleBooks)
	mux.HandleFunc("/api/orders", s.handleOrders)
	mux.HandleFunc("/api/position", s.handlePosition)
	mux.HandleFunc("/api/budgets", s.handleBudgets)
	mux.HandleFunc("/api/cycles/last", s.handleLastCycle)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type quoterHealth struct {
	Symbol      string    `json:"symbol"`
	Halted      string    `json:"halted,omitempty"`
	Unconfirmed bool      `json:"unconfirmed"`
	LastCycle   time.Time `json:"last_cycle,omitempty"`
}

type healthResponse struct {
	Status    string                `json:"status"`
	Timestamp time.Time             `json:"timestamp"`
	LastPoll  time.Time             `json:"last_poll"`
	Streams   []stream.StreamStatus `json:"streams"`
	Quoters   []quoterHealth        `json:"quoters"`
}

// handleHealth reports "degraded" when a stream is down or a quoter is
// halted; the status code stays 200 so dashboards can read the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Streams:   []stream.StreamStatus{},
		Quoters:   []quoterHealth{},
	}
	if s.deps.Health != nil {
		resp.Streams = s.deps.Health.Health()
		resp.LastPoll = s.deps.Health.LastPoll()
	}
	for _, st := range resp.Streams {
		if !st.Connected {
			resp.Status = "degraded"
		}
	}
	for _, q := range s.deps.Quoters {
		h := quoterHealth{
			Symbol:      q.Symbol(),
			Halted:      q.Halted(),
			Unconfirmed: q.Live().Unconfirmed(),
		}
		if c, ok := q.LastCycle(); ok {
			h.LastCycle = c.At
		}
		if h.Halted != "" {
			resp.Status = "degraded"
		}
		resp.Quoters = append(resp.Quoters, h)
	}

	s.writeJSON(w, http.StatusOK, resp)
}

type bookResponse struct {
	orderbook.Snapshot
	Quote *orderbook.Quote `json:"quote,omitempty"`
}

// handleBooks lists every book, trimmed to ?depth= levels per side
// (default 10, 0 for all). ?symbol= filters.
func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	depth := 10
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid depth", http.StatusBadRequest)
			return
		}
		depth = n
	}
	symbol := r.URL.Query().Get("symbol")

	out := []bookResponse{}
	for _, key := range s.deps.Books.Keys() {
		if symbol != "" && key.Symbol != symbol {
			continue
		}
		snap, ok := s.deps.Books.Snapshot(key)
		if !ok {
			continue
		}
		if depth > 0 {
			snap.Bids = snap.Bids[:min(depth, len(snap.Bids))]
			snap.Asks = snap.Asks[:min(depth, len(snap.Asks))]
		}
		resp := bookResponse{Snapshot: snap}
		if q, err := snap.BestBidAsk(); err == nil {
			resp.Quote = &q
		}
		out = append(out, resp)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	quoters, ok := s.quoters(w, r)
	if !ok {
		return
	}
	out := []models.WorkingOrder{}
	for _, q := range quoters {
		out = append(out, q.Live().Orders...)
	}
	s.writeJSON(w, http.StatusOK, out)
}

type positionResponse struct {
	models.Position
	Unconfirmed bool      `json:"unconfirmed"`
	LastPoll    time.Time `json:"last_poll"`
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	quoters, ok := s.quoters(w, r)
	if !ok {
		return
	}
	out := []positionResponse{}
	for _, q := range quoters {
		v := q.Live()
		out = append(out, positionResponse{Position: v.Position, Unconfirmed: v.PositionUnconfirmed, LastPoll: v.LastPoll})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBudgets(w http.ResponseWriter, r *http.Request) {
	if s.deps.Budgets == nil {
		s.writeJSON(w, http.StatusOK, ratelimit.View{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Budgets.Snapshot())
}

func (s *Server) handleLastCycle(w http.ResponseWriter, r *http.Request) {
	quoters, ok := s.quoters(w, r)
	if !ok {
		return
	}
	out := []trader.CycleReport{}
	for _, q := range quoters {
		if c, ok := q.LastCycle(); ok {
			out = append(out, c)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// quoters applies the optional ?symbol= filter; an unknown symbol is a 404.
func (s *Server) quoters(w http.ResponseWriter, r *http.Request) ([]Quoter, bool) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		return s.deps.Quoters, true
	}
	for _, q := range s.deps.Quoters {
		if q.Symbol() == symbol {
			return []Quoter{q}, true
		}
	}
	http.Error(w, "unknown symbol", http.StatusNotFound)
	return nil, false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
