package strategy

import (
	"context"
	"fmt"

	"github.com/seoulquant/kisbot/internal/broker"
)

func init() {
	Register("swing", func(data MarketData) Strategy {
		return NewSwingStrategy(data, SwingConfig{})
	})
}

// SwingConfig tunes the moving-average swing strategy.
type SwingConfig struct {
	ShortWindow int     // fast moving average, days
	LongWindow  int     // slow moving average, days
	MinMomentum float64 // % above slow MA required to enter
}

func (c *SwingConfig) defaults() {
	if c.ShortWindow <= 0 {
		c.ShortWindow = 5
	}
	if c.LongWindow <= 0 {
		c.LongWindow = 20
	}
	if c.MinMomentum <= 0 {
		c.MinMomentum = 1.0
	}
}

// SwingStrategy enters candidates trading above both moving averages with
// the fast average leading, and exits held positions on a cross back under
// the fast average.
type SwingStrategy struct {
	data   MarketData
	config SwingConfig
}

func NewSwingStrategy(data MarketData, config SwingConfig) *SwingStrategy {
	config.defaults()
	return &SwingStrategy{data: data, config: config}
}

func (s *SwingStrategy) Name() string { return "swing" }

func (s *SwingStrategy) Evaluate(ctx context.Context, in Input) (Decision, error) {
	candles, err := s.data.GetDailyCandles(ctx, in.Symbol, s.config.LongWindow)
	if err != nil {
		return Hold("daily candles unavailable"), err
	}
	if len(candles) < s.config.LongWindow {
		return Hold(fmt.Sprintf("only %d daily candles, need %d", len(candles), s.config.LongWindow)), nil
	}

	price := candles[0].Close
	if in.Quote != nil && in.Quote.Price > 0 {
		price = in.Quote.Price
	}
	shortMA := closeAverage(candles[:s.config.ShortWindow])
	longMA := closeAverage(candles[:s.config.LongWindow])

	if in.Position != nil {
		if price < shortMA {
			return Decision{
				Signal:     SignalSell,
				Confidence: 1,
				Reason:     fmt.Sprintf("price %.0f crossed under %d-day MA %.0f", price, s.config.ShortWindow, shortMA),
			}, nil
		}
		return Hold(fmt.Sprintf("holding above %d-day MA", s.config.ShortWindow)), nil
	}

	if shortMA <= longMA {
		return Hold(fmt.Sprintf("%d-day MA %.0f not above %d-day MA %.0f",
			s.config.ShortWindow, shortMA, s.config.LongWindow, longMA)), nil
	}

	momentum := (price - longMA) / longMA * 100
	if momentum < s.config.MinMomentum {
		return Hold(fmt.Sprintf("momentum %.2f%% below %.2f%% threshold", momentum, s.config.MinMomentum)), nil
	}

	// Confidence grows with momentum; 5% above the slow MA saturates it.
	confidence := 0.6 + momentum/5*0.4
	if confidence > 1 {
		confidence = 1
	}
	return Decision{
		Signal:     SignalBuy,
		Confidence: confidence,
		Reason:     fmt.Sprintf("uptrend: price %.0f, MA%d %.0f > MA%d %.0f, momentum %.2f%%",
			price, s.config.ShortWindow, shortMA, s.config.LongWindow, longMA, momentum),
	}, nil
}

func closeAverage(candles []broker.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	var sum float64
	for _, c := range candles {
		sum += c.Close
	}
	return sum / float64(len(candles))
}
