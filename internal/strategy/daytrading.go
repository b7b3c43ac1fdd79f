package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/seoulquant/kisbot/internal/models"
)

func init() {
	Register("daytrading", func(data MarketData) Strategy {
		return NewDayTradingStrategy(data, DayTradingConfig{})
	})
}

// DayTradingConfig tunes the intraday momentum strategy.
type DayTradingConfig struct {
	Window        int           // minute candles inspected
	MinBreakout   float64       // % above window high required to enter
	GiveBack      float64       // % retrace from window high that exits
	DailyLossStop float64       // session realized loss (KRW) that halts trading
	Interval      time.Duration // cycle cadence
}

func (c *DayTradingConfig) defaults() {
	if c.Window <= 0 {
		c.Window = 10
	}
	if c.MinBreakout <= 0 {
		c.MinBreakout = 0.3
	}
	if c.GiveBack <= 0 {
		c.GiveBack = 1.0
	}
	if c.DailyLossStop <= 0 {
		c.DailyLossStop = 100000
	}
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
}

// DayTradingStrategy chases intraday breakouts: it buys candidates printing
// above their recent minute-bar high and exits on a retrace. It runs on a
// faster cycle than the default and halts the session at a daily loss stop.
type DayTradingStrategy struct {
	data   MarketData
	config DayTradingConfig
}

func NewDayTradingStrategy(data MarketData, config DayTradingConfig) *DayTradingStrategy {
	config.defaults()
	return &DayTradingStrategy{data: data, config: config}
}

func (s *DayTradingStrategy) Name() string { return "daytrading" }

func (s *DayTradingStrategy) CycleInterval() time.Duration { return s.config.Interval }

// ShouldStopTrading halts the session once realized losses hit the stop.
func (s *DayTradingStrategy) ShouldStopTrading(stats models.SessionStats) (bool, string) {
	if stats.RealizedPnL <= -s.config.DailyLossStop {
		return true, fmt.Sprintf("daily loss stop hit: realized %.0f KRW", stats.RealizedPnL)
	}
	return false, ""
}

func (s *DayTradingStrategy) Evaluate(ctx context.Context, in Input) (Decision, error) {
	candles, err := s.data.GetMinuteCandles(ctx, in.Symbol, s.config.Window)
	if err != nil {
		return Hold("minute candles unavailable"), err
	}
	if len(candles) < s.config.Window {
		return Hold(fmt.Sprintf("only %d minute candles, need %d", len(candles), s.config.Window)), nil
	}

	price := candles[0].Close
	if in.Quote != nil && in.Quote.Price > 0 {
		price = in.Quote.Price
	}
	// candles[0] is the current bar; the breakout reference is the prior
	// window.
	var windowHigh float64
	for _, c := range candles[1:] {
		if c.High > windowHigh {
			windowHigh = c.High
		}
	}
	if windowHigh <= 0 {
		return Hold("no usable window high"), nil
	}

	if in.Position != nil {
		retrace := (windowHigh - price) / windowHigh * 100
		if retrace >= s.config.GiveBack {
			return Decision{
				Signal:     SignalSell,
				Confidence: 1,
				Reason:     fmt.Sprintf("retraced %.2f%% from window high %.0f", retrace, windowHigh),
			}, nil
		}
		return Hold("riding the move"), nil
	}

	breakout := (price - windowHigh) / windowHigh * 100
	if breakout < s.config.MinBreakout {
		return Hold(fmt.Sprintf("no breakout: %.2f%% vs %.2f%% needed", breakout, s.config.MinBreakout)), nil
	}

	confidence := 0.65 + breakout/2*0.35
	if confidence > 1 {
		confidence = 1
	}
	return Decision{
		Signal:     SignalBuy,
		Confidence: confidence,
		Reason:     fmt.Sprintf("breakout %.2f%% above %d-bar high %.0f", breakout, s.config.Window, windowHigh),
	}, nil
}
