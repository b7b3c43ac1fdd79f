package engine

import (
	"context"
	"fmt"

	"github.com/seoulquant/kisbot/internal/models"
)

// CarryoverPolicy decides what happens to positions held over from a
// previous day when a session starts.
type CarryoverPolicy string

const (
	// PolicyMinimal retains every carried position untouched.
	PolicyMinimal CarryoverPolicy = "MINIMAL"
	// PolicyDayTrading liquidates carried positions at market unless the
	// retention rule matches; a day-trading book starts flat.
	PolicyDayTrading CarryoverPolicy = "DAY_TRADING"
)

// RetentionRule exempts a carried position from liquidation under the
// day-trading policy. Nil retains nothing.
type RetentionRule func(p models.Position) bool

// runCarryover applies the carryover policy to the session's opening
// positions and returns the liquidation outcomes, if any.
func (e *Engine) runCarryover(ctx context.Context, snap models.AccountSnapshot) []models.TradeOutcome {
	if len(snap.Positions) == 0 {
		return nil
	}

	switch e.config.Carryover {
	case PolicyDayTrading:
	case PolicyMinimal, "":
		e.logger.Printf("carryover: retaining %d positions (policy %s)",
			len(snap.Positions), PolicyMinimal)
		return nil
	default:
		e.logger.Printf("carryover: unknown policy %q, retaining all", e.config.Carryover)
		return nil
	}

	var outcomes []models.TradeOutcome
	for _, pos := range snap.Positions {
		if e.config.Retention != nil && e.config.Retention(pos) {
			e.logger.Printf("carryover: retaining %s by rule", pos.Symbol)
			continue
		}
		if pos.SellableQuantity <= 0 {
			e.logger.Printf("carryover: %s has nothing sellable, retaining", pos.Symbol)
			continue
		}

		current := pos.CurrentPrice
		if quote, err := e.broker.GetQuote(ctx, pos.Symbol); err == nil && quote.Price > 0 {
			current = quote.Price
		}

		result, err := e.broker.PlaceSellOrder(ctx, models.OrderRequest{
			Symbol:   pos.Symbol,
			Side:     models.SideSell,
			Quantity: pos.SellableQuantity,
			Mode:     models.PriceMarket,
		})
		if err != nil {
			e.logger.Printf("carryover: liquidating %s failed, retaining: %v", pos.Symbol, err)
			continue
		}

		outcome := models.TradeOutcome{
			Symbol:    pos.Symbol,
			Side:      models.SideSell,
			Quantity:  pos.SellableQuantity,
			Price:     current,
			Reason:    fmt.Sprintf("carryover liquidation (policy %s)", PolicyDayTrading),
			Accepted:  result.Accepted,
			Simulated: result.Simulated,
			OrderID:   result.OrderID,
		}
		if result.Accepted && pos.AvgPrice > 0 {
			outcome.RealizedPnL = (current - pos.AvgPrice) * float64(pos.SellableQuantity)
		}
		outcomes = append(outcomes, outcome)
		e.recordOutcome(0, outcome)

		if result.Accepted {
			e.logger.Printf("carryover: liquidated %d x %s at %.0f, realized %.0f KRW",
				pos.SellableQuantity, pos.Symbol, current, outcome.RealizedPnL)
		} else {
			e.logger.Printf("carryover: liquidation of %s rejected: %s",
				pos.Symbol, result.BrokerMessage)
		}
	}
	return outcomes
}
