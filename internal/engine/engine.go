// Package engine runs the trading session: a cycle-based loop that sells
// out of held positions on stop-loss, take-profit or strategy signal, then
// enters new positions from the candidate scan, emitting a report per cycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/seoulquant/kisbot/internal/account"
	"github.com/seoulquant/kisbot/internal/broker"
	"github.com/seoulquant/kisbot/internal/models"
	"github.com/seoulquant/kisbot/internal/scanner"
	"github.com/seoulquant/kisbot/internal/schedule"
	"github.com/seoulquant/kisbot/internal/storage"
	"github.com/seoulquant/kisbot/internal/strategy"
	"github.com/seoulquant/kisbot/internal/telemetry"
)

// CandidateProvider is the scanner capability the engine consumes.
type CandidateProvider interface {
	Candidates(ctx context.Context, held map[string]bool) ([]models.CandidateStock, error)
}

// Config carries the engine tunables, already validated by the config layer.
type Config struct {
	MaxPositions        int
	PositionSizeRatio   float64
	ConfidenceThreshold float64
	StopLossRate        float64 // negative, e.g. -3.0
	TakeProfitRate      float64 // positive, e.g. 5.0
	Carryover           CarryoverPolicy
	Retention           RetentionRule
}

// Engine drives one trading session over one account.
type Engine struct {
	broker     broker.Broker
	accounts   *account.Manager
	candidates CandidateProvider
	strat      strategy.Strategy
	controller *schedule.Controller
	hub        *telemetry.Hub
	journal    *storage.Journal
	config     Config
	logger     *log.Logger

	now func() time.Time
}

// New assembles an engine. journal may be nil when persistence is disabled.
func New(b broker.Broker, accounts *account.Manager, candidates CandidateProvider,
	strat strategy.Strategy, controller *schedule.Controller, hub *telemetry.Hub,
	journal *storage.Journal, config Config, logger *log.Logger) *Engine {

	if logger == nil {
		logger = log.New(os.Stderr, "engine: ", log.LstdFlags)
	}
	if config.MaxPositions <= 0 {
		config.MaxPositions = 5
	}
	if config.PositionSizeRatio <= 0 {
		config.PositionSizeRatio = 0.20
	}
	if config.ConfidenceThreshold <= 0 {
		config.ConfidenceThreshold = 0.60
	}
	if config.StopLossRate >= 0 {
		config.StopLossRate = -3.0
	}
	if config.TakeProfitRate <= 0 {
		config.TakeProfitRate = 5.0
	}
	return &Engine{
		broker:     b,
		accounts:   accounts,
		candidates: candidates,
		strat:      strat,
		controller: controller,
		hub:        hub,
		journal:    journal,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
}

// errSessionOver ends the loop cleanly from inside a cycle.
var errSessionOver = errors.New("session over")

// Run executes one full session: start, carryover liquidation, the cycle
// loop, and end-of-session bookkeeping. It returns nil on a clean end.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.accounts.StartSession(ctx); err != nil {
		return fmt.Errorf("session start: %w", err)
	}
	defer func() {
		stats := e.accounts.EndSession()
		if hooks, ok := e.strat.(strategy.SessionHooks); ok {
			hooks.OnSessionEnd(stats)
		}
		e.hub.Publish(telemetry.EventSessionEnd, stats)
		e.logger.Printf("session ended: %d cycles, %d buys, %d sells, realized %.0f KRW",
			stats.Cycles, stats.BuyOrders, stats.SellOrders, stats.RealizedPnL)
	}()

	snap, err := e.accounts.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}
	if hooks, ok := e.strat.(strategy.SessionHooks); ok {
		hooks.OnSessionStart(snap)
	}
	e.hub.Publish(telemetry.EventSessionStart, snap)
	e.logger.Printf("session started with strategy %q: cash %.0f, %d carried positions",
		e.strat.Name(), snap.CashBalance, len(snap.Positions))

	// Deal with positions carried over from a previous day before the
	// first regular cycle.
	carried := e.runCarryover(ctx, snap)
	if len(carried) > 0 {
		e.emitReport(models.CycleReport{
			Cycle:         0,
			TakenAt:       e.now(),
			CashBalance:   snap.CashBalance,
			PositionCount: len(snap.Positions),
			Sells:         carried,
			Stats:         e.accounts.Stats(),
		})
	}

	interval := strategy.CycleIntervalOf(e.strat)
	for cycle := 1; ; cycle++ {
		if state := e.controller.StopRequested(); state != schedule.StopNone {
			e.logger.Printf("stop signal (%s) received, ending session", state)
			return nil
		}
		if e.controller.PastClose(e.now()) {
			e.logger.Printf("market closed, ending session")
			return nil
		}
		if checker, ok := e.strat.(strategy.StopChecker); ok {
			if stop, reason := checker.ShouldStopTrading(e.accounts.Stats()); stop {
				e.logger.Printf("strategy requested stop: %s", reason)
				return nil
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := e.runCycle(ctx, cycle); err != nil {
			if errors.Is(err, errSessionOver) {
				return nil
			}
			return err
		}

		state, err := e.controller.Wait(ctx, interval)
		if err != nil {
			return err
		}
		if state == schedule.StopForce {
			e.logger.Printf("force stop during sleep, aborting")
			return nil
		}
		if state == schedule.StopCooperative {
			e.logger.Printf("stop signal during sleep, ending session")
			return nil
		}
	}
}

// runCycle executes one sell-then-buy pass and emits its report.
func (e *Engine) runCycle(ctx context.Context, cycle int) error {
	var snap models.AccountSnapshot
	var err error
	if cycle == 1 {
		snap, err = e.accounts.Refresh(ctx)
	} else {
		snap, err = e.accounts.Snapshot(ctx)
	}
	if err != nil {
		e.logger.Printf("cycle %d: snapshot unavailable, skipping: %v", cycle, err)
		e.hub.Publish(telemetry.EventError, err.Error())
		return nil
	}
	if snap.Stale {
		e.logger.Printf("cycle %d: operating on stale snapshot from %s",
			cycle, snap.TakenAt.Format(time.RFC3339))
	}

	report := models.CycleReport{
		Cycle:         cycle,
		TakenAt:       e.now(),
		CashBalance:   snap.CashBalance,
		PositionCount: len(snap.Positions),
	}

	held := make(map[string]bool, len(snap.Positions))
	for _, p := range snap.Positions {
		held[p.Symbol] = true
	}

	// Sell phase strictly precedes the buy phase.
	fullySold := 0
	for i := range snap.Positions {
		outcome, sold := e.evaluateSell(ctx, &snap.Positions[i], &snap)
		if outcome != nil {
			report.Sells = append(report.Sells, *outcome)
			e.recordOutcome(cycle, *outcome)
			if sold {
				fullySold++
			}
		}
	}

	positionCount := len(snap.Positions) - fullySold
	if positionCount < e.config.MaxPositions && e.controller.EntriesAllowed(e.now()) {
		buys, err := e.runBuyPhase(ctx, cycle, &snap, held, positionCount)
		report.Buys = buys
		if err != nil {
			e.emitFinal(report)
			return err
		}
	}

	report.Stats = e.accounts.RecordCycle()
	e.emitReport(report)
	return nil
}

// evaluateSell applies the sell precedence (stop-loss, take-profit, then
// strategy SELL) to one held position. It returns the journaled outcome, if
// any, and whether the whole position was sold.
func (e *Engine) evaluateSell(ctx context.Context, pos *models.Position, snap *models.AccountSnapshot) (*models.TradeOutcome, bool) {
	avg := pos.AvgPrice
	if avg <= 0 {
		e.logger.Printf("position %s has no average price, treating as zero-cost", pos.Symbol)
	}

	quote, err := e.broker.GetQuote(ctx, pos.Symbol)
	if err != nil {
		e.logger.Printf("quote for held %s unavailable, holding: %v", pos.Symbol, err)
		return nil, false
	}
	current := quote.Price

	var pnlRate float64
	if avg > 0 {
		pnlRate = (current - avg) / avg * 100
	}

	var reason string
	switch {
	case avg > 0 && pnlRate <= e.config.StopLossRate:
		reason = fmt.Sprintf("stop-loss: %.2f%% <= %.2f%%", pnlRate, e.config.StopLossRate)
	case avg > 0 && pnlRate >= e.config.TakeProfitRate:
		reason = fmt.Sprintf("take-profit: %.2f%% >= %.2f%%", pnlRate, e.config.TakeProfitRate)
	default:
		decision, err := e.strat.Evaluate(ctx, strategy.Input{
			Symbol:   pos.Symbol,
			Quote:    quote,
			Position: pos,
			Snapshot: snap,
		})
		if err != nil {
			e.logger.Printf("strategy failed on held %s, holding: %v", pos.Symbol, err)
			return nil, false
		}
		decision = strategy.Coerce(decision)
		if decision.Signal != strategy.SignalSell {
			return nil, false
		}
		reason = "strategy: " + decision.Reason
	}

	qty := pos.SellableQuantity
	if qty <= 0 {
		e.logger.Printf("%s flagged for sale but nothing sellable (%d held, order pending?)",
			pos.Symbol, pos.Quantity)
		return nil, false
	}

	result, err := e.broker.PlaceSellOrder(ctx, models.OrderRequest{
		Symbol:   pos.Symbol,
		Side:     models.SideSell,
		Quantity: qty,
		Mode:     models.PriceMarket,
	})
	if err != nil {
		e.logger.Printf("sell %s failed: %v", pos.Symbol, err)
		e.hub.Publish(telemetry.EventError, fmt.Sprintf("sell %s: %v", pos.Symbol, err))
		e.refreshAfterUnknownOutcome(ctx, err)
		return nil, false
	}

	outcome := models.TradeOutcome{
		Symbol:      pos.Symbol,
		Side:        models.SideSell,
		Quantity:    qty,
		Price:       current,
		RealizedPnL: (current - avg) * float64(qty),
		Reason:      reason,
		Accepted:    result.Accepted,
		Simulated:   result.Simulated,
		OrderID:     result.OrderID,
	}
	if !result.Accepted {
		e.logger.Printf("sell %s rejected: %s %s", pos.Symbol, result.BrokerCode, result.BrokerMessage)
		outcome.RealizedPnL = 0
	} else {
		e.logger.Printf("sold %d x %s at %.0f (%s), realized %.0f KRW",
			qty, pos.Symbol, current, reason, outcome.RealizedPnL)
	}
	return &outcome, result.Accepted && qty == pos.Quantity
}

// refreshAfterUnknownOutcome force-refreshes the snapshot when an order
// failure leaves the fill state undetermined, so the next decision for the
// symbol sees real holdings instead of guessing.
func (e *Engine) refreshAfterUnknownOutcome(ctx context.Context, err error) {
	if !broker.IsUnknownOutcome(err) {
		return
	}
	if _, rerr := e.accounts.Refresh(ctx); rerr != nil {
		e.logger.Printf("snapshot refresh after undetermined order failed: %v", rerr)
	}
}

// runBuyPhase scans for candidates and enters positions up to the cap. A
// dead ranking feed ends the session via errSessionOver.
func (e *Engine) runBuyPhase(ctx context.Context, cycle int, snap *models.AccountSnapshot,
	held map[string]bool, positionCount int) ([]models.TradeOutcome, error) {

	candidates, err := e.candidates.Candidates(ctx, held)
	if err != nil {
		if errors.Is(err, scanner.ErrServerUnresponsive) {
			e.logger.Printf("candidate feed down, ending session: %v", err)
			e.hub.Publish(telemetry.EventError, err.Error())
			return nil, errSessionOver
		}
		e.logger.Printf("cycle %d: candidate scan failed, skipping buys: %v", cycle, err)
		return nil, nil
	}

	var outcomes []models.TradeOutcome
	available := snap.AvailableCash

	for _, c := range candidates {
		if positionCount >= e.config.MaxPositions {
			break
		}
		if held[c.Symbol] {
			continue
		}

		quote, err := e.broker.GetQuote(ctx, c.Symbol)
		if err != nil {
			e.logger.Printf("quote for candidate %s unavailable, skipping: %v", c.Symbol, err)
			continue
		}

		candidate := c
		decision, err := e.strat.Evaluate(ctx, strategy.Input{
			Symbol:    c.Symbol,
			Quote:     quote,
			Candidate: &candidate,
			Snapshot:  snap,
		})
		if err != nil {
			e.logger.Printf("strategy failed on candidate %s, skipping: %v", c.Symbol, err)
			continue
		}
		decision = strategy.Coerce(decision)
		if decision.Signal != strategy.SignalBuy || decision.Confidence <= e.config.ConfidenceThreshold {
			continue
		}

		qty := positionSize(available, e.config.PositionSizeRatio, quote.Price)
		if qty <= 0 {
			e.logger.Printf("candidate %s passes but sizing yields 0 shares at %.0f (%.0f available)",
				c.Symbol, quote.Price, available)
			continue
		}

		result, err := e.broker.PlaceBuyOrder(ctx, models.OrderRequest{
			Symbol:   c.Symbol,
			Side:     models.SideBuy,
			Quantity: qty,
			Mode:     models.PriceMarket,
		})
		if err != nil {
			e.logger.Printf("buy %s failed: %v", c.Symbol, err)
			e.hub.Publish(telemetry.EventError, fmt.Sprintf("buy %s: %v", c.Symbol, err))
			e.refreshAfterUnknownOutcome(ctx, err)
			continue
		}

		outcome := models.TradeOutcome{
			Symbol:    c.Symbol,
			Side:      models.SideBuy,
			Quantity:  qty,
			Price:     quote.Price,
			Reason:    decision.Reason,
			Accepted:  result.Accepted,
			Simulated: result.Simulated,
			OrderID:   result.OrderID,
		}
		outcomes = append(outcomes, outcome)
		e.recordOutcome(cycle, outcome)

		if result.Accepted {
			positionCount++
			held[c.Symbol] = true
			available -= float64(qty) * quote.Price
			e.logger.Printf("bought %d x %s at %.0f (confidence %.2f): %s",
				qty, c.Symbol, quote.Price, decision.Confidence, decision.Reason)
		} else {
			e.logger.Printf("buy %s rejected: %s %s", c.Symbol, result.BrokerCode, result.BrokerMessage)
		}
	}
	return outcomes, nil
}

// positionSize returns floor(min(available*ratio, available) / price).
func positionSize(available, ratio, price float64) int64 {
	if price <= 0 || available <= 0 {
		return 0
	}
	value := available * ratio
	if value > available {
		value = available
	}
	return int64(math.Floor(value / price))
}

func (e *Engine) recordOutcome(cycle int, outcome models.TradeOutcome) {
	e.accounts.RecordOutcome(outcome)
	e.hub.Publish(telemetry.EventTrade, outcome)
	if e.journal != nil {
		if err := e.journal.RecordTrade(cycle, outcome); err != nil {
			e.logger.Printf("failed to journal trade: %v", err)
		}
	}
}

func (e *Engine) emitReport(report models.CycleReport) {
	e.hub.Publish(telemetry.EventCycleReport, report)
	if e.journal != nil {
		if err := e.journal.RecordCycle(report); err != nil {
			e.logger.Printf("failed to journal cycle report: %v", err)
		}
	}
}

// emitFinal emits a report for a cycle cut short by session end.
func (e *Engine) emitFinal(report models.CycleReport) {
	report.Stats = e.accounts.Stats()
	e.emitReport(report)
}
