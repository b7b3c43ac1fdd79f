// Package models defines the value types shared across the trading engine:
// accounts, tokens, orders, positions, account snapshots and cycle reports.
package models

import (
	"encoding/json"
	"time"
)

// AccountKind identifies which broker environment an account belongs to.
type AccountKind string

const (
	// KindLive is the real-money environment.
	KindLive AccountKind = "live"
	// KindPaper is the simulated (mock investment) environment.
	KindPaper AccountKind = "paper"
)

// Valid reports whether k is one of the two supported environments.
func (k AccountKind) Valid() bool {
	return k == KindLive || k == KindPaper
}

// Account carries the credentials and endpoints for one broker account.
// Immutable for the lifetime of a session.
type Account struct {
	Kind        AccountKind
	Number      string
	ProductCode string
	AppKey      string
	AppSecret   string
	RESTURL     string
	WSURL       string
}

// Token is an access credential minted for one account.
type Token struct {
	Kind        AccountKind `json:"kind"`
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	IssuedAt    time.Time   `json:"issued_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// ExpiryMargin is how long before expiry a token is treated as unusable.
const ExpiryMargin = 30 * time.Minute

// UsableAt reports whether the token may be used at now: it must not be
// past (or within ExpiryMargin of) its expiry, and it must have been issued
// on the same civil day as now in loc.
func (t *Token) UsableAt(now time.Time, loc *time.Location) bool {
	if t.AccessToken == "" {
		return false
	}
	if !now.Before(t.ExpiresAt.Add(-ExpiryMargin)) {
		return false
	}
	return SameCivilDay(t.IssuedAt, now, loc)
}

// NearExpiry reports whether now is within ExpiryMargin of the expiry instant.
func (t *Token) NearExpiry(now time.Time) bool {
	return !now.Before(t.ExpiresAt.Add(-ExpiryMargin))
}

// SameCivilDay reports whether a and b fall on the same calendar date in loc.
func SameCivilDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// Side is the direction of an order.
type Side string

const (
	// SideBuy opens or adds to a position.
	SideBuy Side = "BUY"
	// SideSell reduces or closes a position.
	SideSell Side = "SELL"
)

// PriceMode selects between market and limit execution.
type PriceMode string

const (
	// PriceMarket executes at the prevailing market price.
	PriceMarket PriceMode = "MARKET"
	// PriceLimit executes at or better than LimitPrice.
	PriceLimit PriceMode = "LIMIT"
)

// OrderRequest describes a single cash-equity order.
// For PriceMarket the limit price is zero.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Quantity   int64
	Mode       PriceMode
	LimitPrice int64
}

// OrderResult is the engine-level outcome of an order submission.
// Accepted is true iff transport succeeded with HTTP 200 and the broker
// return code was "0" or "1". Simulated marks dry-run acknowledgments that
// were never transmitted; downstream state logic must not treat them as fills.
type OrderResult struct {
	Accepted      bool
	OrderID       string
	BrokerCode    string
	BrokerMessage string
	Simulated     bool
	Raw           json.RawMessage
}

// Position is one held symbol inside an account snapshot.
type Position struct {
	Symbol            string
	Name              string
	Quantity          int64
	SellableQuantity  int64
	AvgPrice          float64
	CurrentPrice      float64
	EvalAmount        float64
	UnrealizedPnL     float64
	UnrealizedPnLRate float64
}

// CostBasis is the total acquisition cost of the position.
func (p *Position) CostBasis() float64 {
	return p.AvgPrice * float64(p.Quantity)
}

// AccountSnapshot is a point-in-time view of cash and holdings.
// Snapshots are passed by value; only the account state manager mutates them.
type AccountSnapshot struct {
	TakenAt         time.Time
	CashBalance     float64
	AvailableCash   float64
	TotalEvaluation float64
	RealizedPnL     float64
	PnLRate         float64
	Positions       []Position
	PendingOrders   int
	Stale           bool
}

// FindPosition returns the position for symbol, or nil.
func (s *AccountSnapshot) FindPosition(symbol string) *Position {
	for i := range s.Positions {
		if s.Positions[i].Symbol == symbol {
			return &s.Positions[i]
		}
	}
	return nil
}

// Fresh reports whether the snapshot is younger than interval at now.
func (s *AccountSnapshot) Fresh(now time.Time, interval time.Duration) bool {
	return now.Sub(s.TakenAt) < interval
}

// Clone returns a deep copy so callers never share the manager's slice.
func (s *AccountSnapshot) Clone() AccountSnapshot {
	out := *s
	out.Positions = make([]Position, len(s.Positions))
	copy(out.Positions, s.Positions)
	return out
}

// CandidateStock is a symbol proposed for evaluation in the current cycle.
type CandidateStock struct {
	Symbol      string
	Name        string
	Price       float64
	ChangeRate  float64
	Volume      int64
	VolumeRatio float64
	Score       float64
}

// TradeOutcome records one order decided during a cycle.
type TradeOutcome struct {
	Symbol      string
	Side        Side
	Quantity    int64
	Price       float64
	RealizedPnL float64
	Reason      string
	Accepted    bool
	Simulated   bool
	OrderID     string
}

// SessionStats accumulates totals over a session. Simulated orders are
// counted apart so dry-run sessions never report phantom pnl.
type SessionStats struct {
	Cycles          int
	BuyOrders       int
	SellOrders      int
	SimulatedOrders int
	RealizedPnL     float64
	StartedAt       time.Time
}

// CycleReport summarizes one trading pass. Sell outcomes always precede
// buy outcomes of the same cycle.
type CycleReport struct {
	Cycle         int
	TakenAt       time.Time
	CashBalance   float64
	PositionCount int
	Sells         []TradeOutcome
	Buys          []TradeOutcome
	Stats         SessionStats
}
