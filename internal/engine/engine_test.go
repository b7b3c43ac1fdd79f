package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoulquant/kisbot/internal/account"
	"github.com/seoulquant/kisbot/internal/broker"
	"github.com/seoulquant/kisbot/internal/config"
	"github.com/seoulquant/kisbot/internal/models"
	"github.com/seoulquant/kisbot/internal/scanner"
	"github.com/seoulquant/kisbot/internal/schedule"
	"github.com/seoulquant/kisbot/internal/strategy"
	"github.com/seoulquant/kisbot/internal/telemetry"
)

// fakeBroker scripts quotes, balances and order acknowledgments.
type fakeBroker struct {
	mu     sync.Mutex
	quotes map[string]float64
	snap   *models.AccountSnapshot
	buys   []models.OrderRequest
	sells  []models.OrderRequest
	reject bool
	acct   models.Account
}

func (f *fakeBroker) GetQuote(ctx context.Context, symbol string) (*broker.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.quotes[symbol]
	if !ok {
		return nil, &broker.APIError{Kind: broker.FailClient, BrokerMessage: "no quote"}
	}
	return &broker.Quote{Symbol: symbol, Price: price}, nil
}

func (f *fakeBroker) GetDailyCandles(ctx context.Context, symbol string, n int) ([]broker.Candle, error) {
	return nil, nil
}

func (f *fakeBroker) GetMinuteCandles(ctx context.Context, symbol string, n int) ([]broker.Candle, error) {
	return nil, nil
}

func (f *fakeBroker) GetTopGainersRanking(ctx context.Context, limit int) ([]broker.RankedStock, error) {
	return nil, nil
}

func (f *fakeBroker) GetAccountBalance(ctx context.Context) (*models.AccountSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.snap.Clone()
	snap.TakenAt = time.Now()
	return &snap, nil
}

func (f *fakeBroker) PlaceBuyOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buys = append(f.buys, req)
	if f.reject {
		return &models.OrderResult{Accepted: false, BrokerCode: "9", BrokerMessage: "rejected"}, nil
	}
	return &models.OrderResult{Accepted: true, OrderID: fmt.Sprintf("B%d", len(f.buys))}, nil
}

func (f *fakeBroker) PlaceSellOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sells = append(f.sells, req)
	if f.reject {
		return &models.OrderResult{Accepted: false, BrokerCode: "9", BrokerMessage: "rejected"}, nil
	}
	return &models.OrderResult{Accepted: true, OrderID: fmt.Sprintf("S%d", len(f.sells))}, nil
}

func (f *fakeBroker) Account() *models.Account { return &f.acct }

// scriptedStrategy answers from a fixed decision table; anything else holds.
type scriptedStrategy struct {
	decisions map[string]strategy.Decision
}

func (s *scriptedStrategy) Name() string { return "scripted" }

func (s *scriptedStrategy) Evaluate(ctx context.Context, in strategy.Input) (strategy.Decision, error) {
	if d, ok := s.decisions[in.Symbol]; ok {
		return d, nil
	}
	return strategy.Hold("not scripted"), nil
}

// fixedCandidates serves a canned candidate list.
type fixedCandidates struct {
	list []models.CandidateStock
	err  error
}

func (f *fixedCandidates) Candidates(ctx context.Context, held map[string]bool) ([]models.CandidateStock, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.CandidateStock
	for _, c := range f.list {
		if !held[c.Symbol] {
			out = append(out, c)
		}
	}
	return out, f.err
}

func testController(t *testing.T) *schedule.Controller {
	t.Helper()
	cal, err := schedule.NewCalendar(config.ScheduleConfig{
		Timezone:          "Asia/Seoul",
		MarketClose:       "15:30",
		EntryCutoff:       "15:00",
		CloseGuardMinutes: 10,
		SkipMarketHours:   true,
	})
	require.NoError(t, err)
	return schedule.NewController(cal, filepath.Join(t.TempDir(), "stop.signal"),
		log.New(os.Stderr, "", 0))
}

func newTestEngine(t *testing.T, fb *fakeBroker, strat strategy.Strategy,
	cands CandidateProvider, cfg Config) (*Engine, *account.Manager) {
	t.Helper()
	mgr := account.NewManager(fb, time.Minute, log.New(os.Stderr, "", 0))
	hub := telemetry.NewHub(log.New(os.Stderr, "", 0))
	e := New(fb, mgr, cands, strat, testController(t), hub, nil, cfg,
		log.New(os.Stderr, "", 0))
	return e, mgr
}

func snapshotWith(cash float64, positions ...models.Position) *models.AccountSnapshot {
	return &models.AccountSnapshot{
		CashBalance:   cash,
		AvailableCash: cash,
		Positions:     positions,
	}
}

func position(symbol string, qty int64, avg float64) models.Position {
	return models.Position{
		Symbol: symbol, Quantity: qty, SellableQuantity: qty,
		AvgPrice: avg, CurrentPrice: avg,
	}
}

func TestStopLossSellsBeforeStrategy(t *testing.T) {
	fb := &fakeBroker{
		quotes: map[string]float64{"005930": 9600}, // -4% vs avg 10000
		snap:   snapshotWith(1000000, position("005930", 10, 10000)),
	}
	// Strategy says HOLD; the stop-loss must fire anyway.
	e, mgr := newTestEngine(t, fb, &scriptedStrategy{}, &fixedCandidates{}, Config{})
	require.NoError(t, mgr.StartSession(context.Background()))
	defer mgr.EndSession()

	require.NoError(t, e.runCycle(context.Background(), 1))

	require.Len(t, fb.sells, 1)
	assert.Equal(t, int64(10), fb.sells[0].Quantity)
	assert.Equal(t, models.PriceMarket, fb.sells[0].Mode)
}

func TestTakeProfitSells(t *testing.T) {
	fb := &fakeBroker{
		quotes: map[string]float64{"005930": 10600}, // +6% vs avg 10000
		snap:   snapshotWith(1000000, position("005930", 10, 10000)),
	}
	e, mgr := newTestEngine(t, fb, &scriptedStrategy{}, &fixedCandidates{}, Config{})
	require.NoError(t, mgr.StartSession(context.Background()))
	defer mgr.EndSession()

	require.NoError(t, e.runCycle(context.Background(), 1))
	require.Len(t, fb.sells, 1)

	// Realized pnl flows into session stats: (10600-10000)*10.
	assert.Equal(t, float64(6000), mgr.Stats().RealizedPnL)
}

func TestStrategySellSignal(t *testing.T) {
	fb := &fakeBroker{
		quotes: map[string]float64{"005930": 10100}, // +1%, no auto trigger
		snap:   snapshotWith(1000000, position("005930", 10, 10000)),
	}
	strat := &scriptedStrategy{decisions: map[string]strategy.Decision{
		"005930": {Signal: strategy.SignalSell, Confidence: 1, Reason: "trend break"},
	}}
	e, mgr := newTestEngine(t, fb, strat, &fixedCandidates{}, Config{})
	require.NoError(t, mgr.StartSession(context.Background()))
	defer mgr.EndSession()

	require.NoError(t, e.runCycle(context.Background(), 1))
	require.Len(t, fb.sells, 1)
}

func TestHoldDoesNotSell(t *testing.T) {
	fb := &fakeBroker{
		quotes: map[string]float64{"005930": 10100},
		snap:   snapshotWith(1000000, position("005930", 10, 10000)),
	}
	e, mgr := newTestEngine(t, fb, &scriptedStrategy{}, &fixedCandidates{}, Config{})
	require.NoError(t, mgr.StartSession(context.Background()))
	defer mgr.EndSession()

	require.NoError(t, e.runCycle(context.Background(), 1))
	assert.Empty(t, fb.sells)
}

func TestBuyPhaseSizingAndSubmission(t *testing.T) {
	fb := &fakeBroker{
		quotes: map[string]float64{"000660": 20000},
		snap:   snapshotWith(1000000),
	}
	strat := &scriptedStrategy{decisions: map[string]strategy.Decision{
		"000660": {Signal: strategy.SignalBuy, Confidence: 0.9, Reason: "momentum"},
	}}
	cands := &fixedCandidates{list: []models.CandidateStock{{Symbol: "000660", Price: 20000}}}

	e, mgr := newTestEngine(t, fb, strat, cands, Config{})
	require.NoError(t, mgr.StartSession(context.Background()))
	defer mgr.EndSession()

	require.NoError(t, e.runCycle(context.Background(), 1))

	require.Len(t, fb.buys, 1)
	// floor(min(1000000*0.20, 1000000)/20000) = 10 shares.
	assert.Equal(t, int64(10), fb.buys[0].Quantity)
	assert.Equal(t, "000660", fb.buys[0].Symbol)
}

func TestBuySkippedBelowConfidence(t *testing.T) {
	fb := &fakeBroker{
		quotes: map[string]float64{"000660": 20000},
		snap:   snapshotWith(1000000),
	}
	strat := &scriptedStrategy{decisions: map[string]strategy.Decision{
		"000660": {Signal: strategy.SignalBuy, Confidence: 0.5, Reason: "meh"},
	}}
	cands := &fixedCandidates{list: []models.CandidateStock{{Symbol: "000660", Price: 20000}}}

	e, mgr := newTestEngine(t, fb, strat, cands, Config{})
	require.NoError(t, mgr.StartSession(context.Background()))
	defer mgr.EndSession()

	require.NoError(t, e.runCycle(context.Background(), 1))
	assert.Empty(t, fb.buys)
}

func TestMaxPositionsRespected(t *testing.T) {
	fb := &fakeBroker{
		quotes: map[string]float64{"000001": 10000, "000002": 10000, "000003": 10000},
		snap:   snapshotWith(10000000),
	}
	decisions := map[string]strategy.Decision{}
	var list []models.CandidateStock
	for _, sym := range []string{"000001", "000002", "000003"} {
		decisions[sym] = strategy.Decision{Signal: strategy.SignalBuy, Confidence: 0.9}
		list = append(list, models.CandidateStock{Symbol: sym, Price: 10000})
	}

	e, mgr := newTestEngine(t, fb, &scriptedStrategy{decisions: decisions},
		&fixedCandidates{list: list}, Config{MaxPositions: 2})
	require.NoError(t, mgr.StartSession(context.Background()))
	defer mgr.EndSession()

	require.NoError(t, e.runCycle(context.Background(), 1))
	assert.Len(t, fb.buys, 2, "third buy must be blocked by the position cap")
}

func TestCashInvariantAcrossBuys(t *testing.T) {
	// 100k cash, 20% sizing: first buy 20k leaves 80k, second sizes off
	// the reduced total, never the original.
	fb := &fakeBroker{
		quotes: map[string]float64{"000001": 1000, "000002": 1000},
		snap:   snapshotWith(100000),
	}
	decisions := map[string]strategy.Decision{
		"000001": {Signal: strategy.SignalBuy, Confidence: 0.9},
		"000002": {Signal: strategy.SignalBuy, Confidence: 0.9},
	}
	list := []models.CandidateStock{
		{Symbol: "000001", Price: 1000}, {Symbol: "000002", Price: 1000},
	}

	e, mgr := newTestEngine(t, fb, &scriptedStrategy{decisions: decisions},
		&fixedCandidates{list: list}, Config{})
	require.NoError(t, mgr.StartSession(context.Background()))
	defer mgr.EndSession()

	require.NoError(t, e.runCycle(context.Background(), 1))
	require.Len(t, fb.buys, 2)
	assert.Equal(t, int64(20), fb.buys[0].Quantity) // 100000*0.2/1000
	assert.Equal(t, int64(16), fb.buys[1].Quantity) // 80000*0.2/1000
}

func TestSizingZeroSkipsOrder(t *testing.T) {
	fb := &fakeBroker{
		quotes: map[string]float64{"000660": 500000}, // pricier than 20% of cash
		snap:   snapshotWith(1000000),
	}
	strat := &scriptedStrategy{decisions: map[string]strategy.Decision{
		"000660": {Signal: strategy.SignalBuy, Confidence: 0.9},
	}}
	cands := &fixedCandidates{list: []models.CandidateStock{{Symbol: "000660", Price: 500000}}}

	e, mgr := newTestEngine(t, fb, strat, cands, Config{})
	require.NoError(t, mgr.StartSession(context.Background()))
	defer mgr.EndSession()

	require.NoError(t, e.runCycle(context.Background(), 1))
	assert.Empty(t, fb.buys)
}

func TestServerUnresponsiveEndsSession(t *testing.T) {
	fb := &fakeBroker{quotes: map[string]float64{}, snap: snapshotWith(1000000)}
	cands := &fixedCandidates{err: fmt.Errorf("%w: feed down", scanner.ErrServerUnresponsive)}

	e, _ := newTestEngine(t, fb, &scriptedStrategy{}, cands, Config{})

	// Run must end cleanly (not spin) when the feed is down.
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not end on unresponsive candidate feed")
	}
}

func TestRunHonorsStopSignal(t *testing.T) {
	fb := &fakeBroker{quotes: map[string]float64{}, snap: snapshotWith(1000000)}
	e, _ := newTestEngine(t, fb, &scriptedStrategy{}, &fixedCandidates{}, Config{})
	require.NoError(t, e.controller.RequestStop(false))

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run ignored the stop signal")
	}
	assert.Empty(t, fb.buys)
	assert.Empty(t, fb.sells)
}

func TestPositionSize(t *testing.T) {
	tests := []struct {
		available float64
		ratio     float64
		price     float64
		want      int64
	}{
		{1000000, 0.20, 20000, 10},
		{1000000, 0.20, 250000, 0},
		{100000, 1.0, 1000, 100},
		{0, 0.20, 1000, 0},
		{100000, 0.20, 0, 0},
		{100000, 0.20, 19999, 1},
	}
	for _, tt := range tests {
		got := positionSize(tt.available, tt.ratio, tt.price)
		assert.Equal(t, tt.want, got,
			"positionSize(%v, %v, %v)", tt.available, tt.ratio, tt.price)
	}
}
