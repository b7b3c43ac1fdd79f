package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoulquant/kisbot/internal/models"
)

func TestCarryoverMinimalRetainsAll(t *testing.T) {
	fb := &fakeBroker{
		quotes: map[string]float64{"005930": 71500},
		snap:   snapshotWith(1000000, position("005930", 10, 70000)),
	}
	e, mgr := newTestEngine(t, fb, &scriptedStrategy{}, &fixedCandidates{},
		Config{Carryover: PolicyMinimal})
	require.NoError(t, mgr.StartSession(context.Background()))
	defer mgr.EndSession()

	outcomes := e.runCarryover(context.Background(), *fb.snap)
	assert.Empty(t, outcomes)
	assert.Empty(t, fb.sells)
}

func TestCarryoverDefaultsToMinimal(t *testing.T) {
	fb := &fakeBroker{
		quotes: map[string]float64{"005930": 71500},
		snap:   snapshotWith(1000000, position("005930", 10, 70000)),
	}
	e, mgr := newTestEngine(t, fb, &scriptedStrategy{}, &fixedCandidates{}, Config{})
	require.NoError(t, mgr.StartSession(context.Background()))
	defer mgr.EndSession()

	outcomes := e.runCarryover(context.Background(), *fb.snap)
	assert.Empty(t, outcomes)
	assert.Empty(t, fb.sells)
}

func TestCarryoverDayTradingLiquidates(t *testing.T) {
	fb := &fakeBroker{
		quotes: map[string]float64{"005930": 72000, "000660": 180000},
		snap: snapshotWith(1000000,
			position("005930", 10, 70000),
			position("000660", 3, 185000)),
	}
	e, mgr := newTestEngine(t, fb, &scriptedStrategy{}, &fixedCandidates{},
		Config{Carryover: PolicyDayTrading})
	require.NoError(t, mgr.StartSession(context.Background()))
	defer mgr.EndSession()

	outcomes := e.runCarryover(context.Background(), *fb.snap)
	require.Len(t, outcomes, 2)
	require.Len(t, fb.sells, 2)

	// Realized pnl comes from actual avg vs current: (72000-70000)*10.
	assert.Equal(t, float64(20000), outcomes[0].RealizedPnL)
	// Losing leg: (180000-185000)*3.
	assert.Equal(t, float64(-15000), outcomes[1].RealizedPnL)
}

func TestCarryoverRetentionRule(t *testing.T) {
	fb := &fakeBroker{
		quotes: map[string]float64{"005930": 72000, "000660": 180000},
		snap: snapshotWith(1000000,
			position("005930", 10, 70000),
			position("000660", 3, 185000)),
	}
	keep := func(p models.Position) bool { return p.Symbol == "005930" }
	e, mgr := newTestEngine(t, fb, &scriptedStrategy{}, &fixedCandidates{},
		Config{Carryover: PolicyDayTrading, Retention: keep})
	require.NoError(t, mgr.StartSession(context.Background()))
	defer mgr.EndSession()

	outcomes := e.runCarryover(context.Background(), *fb.snap)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "000660", outcomes[0].Symbol)
}

func TestCarryoverSkipsUnsellable(t *testing.T) {
	pos := position("005930", 10, 70000)
	pos.SellableQuantity = 0
	fb := &fakeBroker{
		quotes: map[string]float64{"005930": 72000},
		snap:   snapshotWith(1000000, pos),
	}
	e, mgr := newTestEngine(t, fb, &scriptedStrategy{}, &fixedCandidates{},
		Config{Carryover: PolicyDayTrading})
	require.NoError(t, mgr.StartSession(context.Background()))
	defer mgr.EndSession()

	outcomes := e.runCarryover(context.Background(), *fb.snap)
	assert.Empty(t, outcomes)
	assert.Empty(t, fb.sells)
}

func TestCarryoverEmptyBook(t *testing.T) {
	fb := &fakeBroker{quotes: map[string]float64{}, snap: snapshotWith(1000000)}
	e, mgr := newTestEngine(t, fb, &scriptedStrategy{}, &fixedCandidates{},
		Config{Carryover: PolicyDayTrading})
	require.NoError(t, mgr.StartSession(context.Background()))
	defer mgr.EndSession()

	assert.Empty(t, e.runCarryover(context.Background(), *fb.snap))
}
