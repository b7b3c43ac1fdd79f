// Package account maintains the local view of a brokerage account: a cached
// balance snapshot, coalesced refresh against the broker, and background
// staleness control while a trading session runs.
package account

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/seoulquant/kisbot/internal/models"
)

// BalanceFetcher is the single broker capability the manager needs.
type BalanceFetcher interface {
	GetAccountBalance(ctx context.Context) (*models.AccountSnapshot, error)
}

const (
	// minRefreshGap short-circuits refresh storms: a refresh that completed
	// within this gap serves its snapshot to the next caller.
	minRefreshGap = time.Second
	// settleDelay gives the broker time to reflect a just-accepted order
	// before the post-trade refresh.
	settleDelay = 500 * time.Millisecond
)

// Manager owns the cached account snapshot for one broker connection.
// Concurrent refreshes are coalesced; a failed refresh retains the previous
// snapshot marked stale rather than fabricating an empty account.
type Manager struct {
	broker          BalanceFetcher
	logger          *log.Logger
	refreshInterval time.Duration

	group singleflight.Group

	mu          sync.RWMutex
	snap        *models.AccountSnapshot
	lastRefresh time.Time
	pending     int
	stats       models.SessionStats

	stopCh chan struct{}
	doneCh chan struct{}

	now   func() time.Time
	sleep func(d time.Duration)
}

// NewManager creates a manager refreshing through b at most every
// refreshInterval in the background.
func NewManager(b BalanceFetcher, refreshInterval time.Duration, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "account: ", log.LstdFlags)
	}
	if refreshInterval <= 0 {
		refreshInterval = 5 * time.Minute
	}
	return &Manager{
		broker:          b,
		logger:          logger,
		refreshInterval: refreshInterval,
		now:             time.Now,
		sleep:           time.Sleep,
	}
}

// Snapshot returns the current account view, refreshing first when the
// cached one is older than the refresh interval. A refresh failure with a
// cached snapshot on hand returns that snapshot marked stale.
func (m *Manager) Snapshot(ctx context.Context) (models.AccountSnapshot, error) {
	m.mu.RLock()
	cached := m.snap
	m.mu.RUnlock()

	if cached != nil && cached.Fresh(m.now(), m.refreshInterval) {
		return cached.Clone(), nil
	}

	snap, err := m.Refresh(ctx)
	if err != nil {
		if cached != nil {
			stale := cached.Clone()
			stale.Stale = true
			m.logger.Printf("refresh failed, serving stale snapshot from %s: %v",
				cached.TakenAt.Format(time.RFC3339), err)
			return stale, nil
		}
		return models.AccountSnapshot{}, err
	}
	return snap, nil
}

// Refresh fetches a fresh snapshot from the broker. Concurrent callers are
// coalesced into one API call; a refresh that completed within the last
// second is served as-is.
func (m *Manager) Refresh(ctx context.Context) (models.AccountSnapshot, error) {
	m.mu.RLock()
	recent := m.snap != nil && m.now().Sub(m.lastRefresh) < minRefreshGap
	cached := m.snap
	m.mu.RUnlock()

	if recent {
		return cached.Clone(), nil
	}

	v, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		snap, err := m.broker.GetAccountBalance(ctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.snap = snap
		m.lastRefresh = m.now()
		m.pending = 0
		m.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return models.AccountSnapshot{}, err
	}
	return v.(*models.AccountSnapshot).Clone(), nil
}

// Cached returns the cached snapshot without touching the broker.
func (m *Manager) Cached() (models.AccountSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap == nil {
		return models.AccountSnapshot{}, false
	}
	return m.snap.Clone(), true
}

// HasPosition reports whether the cached snapshot holds symbol.
func (m *Manager) HasPosition(symbol string) bool {
	return m.PositionQuantity(symbol) > 0
}

// PositionQuantity returns the held quantity of symbol per the cached
// snapshot, 0 when unheld or no snapshot exists yet.
func (m *Manager) PositionQuantity(symbol string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap == nil {
		return 0
	}
	if pos := m.snap.FindPosition(symbol); pos != nil {
		return pos.Quantity
	}
	return 0
}

// CashBalance returns the cached total cash balance.
func (m *Manager) CashBalance() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap == nil {
		return 0
	}
	return m.snap.CashBalance
}

// AvailableCash returns the cached orderable cash.
func (m *Manager) AvailableCash() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap == nil {
		return 0
	}
	return m.snap.AvailableCash
}

// PendingOrderCount combines the broker-reported count of unsettled
// orders with accepted submissions not yet reflected in a snapshot.
func (m *Manager) PendingOrderCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := m.pending
	if m.snap != nil {
		n += m.snap.PendingOrders
	}
	return n
}

// NotifyTradeCompleted invalidates the snapshot after an order submission.
// Accepted orders wait a settle delay then refresh so the next cycle sees
// the new cash and holdings; rejected ones only log.
func (m *Manager) NotifyTradeCompleted(side models.Side, symbol string, accepted bool) {
	if !accepted {
		m.logger.Printf("%s %s rejected by broker, snapshot unchanged", side, symbol)
		return
	}

	m.logger.Printf("%s %s accepted, refreshing snapshot after settle delay", side, symbol)
	m.mu.Lock()
	m.pending++
	m.mu.Unlock()
	go func() {
		m.sleep(settleDelay)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := m.Refresh(ctx); err != nil {
			m.logger.Printf("post-trade refresh failed: %v", err)
		}
	}()
}

// StartSession primes the snapshot and starts the background refresh loop.
func (m *Manager) StartSession(ctx context.Context) error {
	if _, err := m.Refresh(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.stats = models.SessionStats{StartedAt: m.now()}
	if m.stopCh == nil {
		m.stopCh = make(chan struct{})
		m.doneCh = make(chan struct{})
		go m.refreshLoop(m.stopCh, m.doneCh)
	}
	m.mu.Unlock()
	return nil
}

// EndSession stops the background refresh loop and returns the session
// totals.
func (m *Manager) EndSession() models.SessionStats {
	m.mu.Lock()
	stop, done := m.stopCh, m.doneCh
	m.stopCh, m.doneCh = nil, nil
	stats := m.stats
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return stats
}

func (m *Manager) refreshLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := m.Refresh(ctx); err != nil {
				m.logger.Printf("background refresh failed: %v", err)
			}
			cancel()
		}
	}
}

// RecordCycle bumps the cycle counter and returns the running stats.
func (m *Manager) RecordCycle() models.SessionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Cycles++
	return m.stats
}

// RecordOutcome folds one accepted order into the session totals.
// Simulated acknowledgments bump their own counter and nothing else.
func (m *Manager) RecordOutcome(o models.TradeOutcome) {
	if !o.Accepted {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.Simulated {
		m.stats.SimulatedOrders++
		return
	}
	switch o.Side {
	case models.SideBuy:
		m.stats.BuyOrders++
	case models.SideSell:
		m.stats.SellOrders++
		m.stats.RealizedPnL += o.RealizedPnL
	}
}

// Stats returns a copy of the running session totals.
func (m *Manager) Stats() models.SessionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
