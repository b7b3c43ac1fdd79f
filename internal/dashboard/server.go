// Package dashboard serves a small JSON API over the trade journal and the
// live account snapshot for operational monitoring.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/seoulquant/kisbot/internal/account"
	"github.com/seoulquant/kisbot/internal/schedule"
	"github.com/seoulquant/kisbot/internal/storage"
)

type Server struct {
	router    *chi.Mux
	server    *http.Server
	journal   *storage.Journal
	accounts  *account.Manager
	calendar  schedule.Calendar
	logger    *logrus.Logger
	port      int
	authToken string
}

type Config struct {
	Port      int
	AuthToken string
}

// SnapshotView is the /api/snapshot response.
type SnapshotView struct {
	TakenAt       time.Time      `json:"taken_at"`
	Stale         bool           `json:"stale"`
	CashBalance   float64        `json:"cash_balance"`
	AvailableCash float64        `json:"available_cash"`
	RealizedPnL   float64        `json:"realized_pnl"`
	Positions     []PositionView `json:"positions"`
	MarketStatus  string         `json:"market_status"`
}

type PositionView struct {
	Symbol        string  `json:"symbol"`
	Name          string  `json:"name"`
	Quantity      int64   `json:"quantity"`
	AvgPrice      float64 `json:"avg_price"`
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	PnLRate       float64 `json:"pnl_rate"`
	IsProfit      bool    `json:"is_profit"`
}

func NewServer(cfg Config, journal *storage.Journal, accounts *account.Manager,
	calendar schedule.Calendar, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		journal:   journal,
		accounts:  accounts,
		calendar:  calendar,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/snapshot", s.handleSnapshot)
	s.router.Get("/api/trades", s.handleTrades)
	s.router.Get("/api/stats", s.handleStats)
	s.router.Get("/api/cycles", s.handleCycles)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	}
	s.writeJSON(w, health)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.accounts.Cached()
	if !ok {
		http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
		return
	}

	view := SnapshotView{
		TakenAt:       snap.TakenAt,
		Stale:         snap.Stale,
		CashBalance:   snap.CashBalance,
		AvailableCash: snap.AvailableCash,
		RealizedPnL:   snap.RealizedPnL,
		MarketStatus:  s.marketStatus(),
		Positions:     make([]PositionView, 0, len(snap.Positions)),
	}
	for _, pos := range snap.Positions {
		view.Positions = append(view.Positions, PositionView{
			Symbol:        pos.Symbol,
			Name:          pos.Name,
			Quantity:      pos.Quantity,
			AvgPrice:      pos.AvgPrice,
			CurrentPrice:  pos.CurrentPrice,
			UnrealizedPnL: pos.UnrealizedPnL,
			PnLRate:       pos.UnrealizedPnLRate,
			IsProfit:      pos.UnrealizedPnL > 0,
		})
	}

	s.writeJSON(w, view)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.journal.Trades(100))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.journal.Statistics())
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.journal.Cycles(50))
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) marketStatus() string {
	if s.calendar.MarketOpen(time.Now()) {
		return "Open"
	}
	return "Closed"
}
