// Package strategy defines the decision contract between the trading engine
// and pluggable trading algorithms, plus the built-in reference strategies.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/seoulquant/kisbot/internal/broker"
	"github.com/seoulquant/kisbot/internal/models"
)

// Signal is a strategy's verdict on one symbol.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// Decision is one evaluated verdict. Confidence is 0..1; the engine only
// acts on buys above its confidence threshold.
type Decision struct {
	Signal     Signal
	Confidence float64
	Reason     string
}

// Hold is the safe no-op decision.
func Hold(reason string) Decision {
	return Decision{Signal: SignalHold, Reason: reason}
}

// Coerce normalizes loosely-typed strategy outputs into a Decision.
// Unrecognized values coerce to HOLD with an explanatory reason so a
// misbehaving strategy can never trigger an order.
func Coerce(v any) Decision {
	switch d := v.(type) {
	case Decision:
		return normalize(d)
	case *Decision:
		if d == nil {
			return Hold("nil decision")
		}
		return normalize(*d)
	case Signal:
		return normalize(Decision{Signal: d, Confidence: 1})
	case string:
		return normalize(Decision{Signal: Signal(strings.ToUpper(strings.TrimSpace(d))), Confidence: 1})
	case map[string]any:
		out := Decision{Signal: SignalHold}
		if s, ok := d["signal"].(string); ok {
			out.Signal = Signal(strings.ToUpper(strings.TrimSpace(s)))
		}
		switch c := d["confidence"].(type) {
		case float64:
			out.Confidence = c
		case int:
			out.Confidence = float64(c)
		}
		if r, ok := d["reason"].(string); ok {
			out.Reason = r
		}
		return normalize(out)
	case nil:
		return Hold("nil decision")
	default:
		return Hold(fmt.Sprintf("unrecognized decision type %T", v))
	}
}

func normalize(d Decision) Decision {
	switch d.Signal {
	case SignalBuy, SignalSell, SignalHold:
	default:
		return Hold(fmt.Sprintf("unrecognized signal %q", d.Signal))
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
	return d
}

// Input is everything a strategy may inspect when evaluating one symbol.
// Candidate is set for entry evaluations, Position for held symbols.
type Input struct {
	Symbol    string
	Quote     *broker.Quote
	Candidate *models.CandidateStock
	Position  *models.Position
	Snapshot  *models.AccountSnapshot
}

// MarketData is the price-history capability strategies may pull from.
type MarketData interface {
	GetQuote(ctx context.Context, symbol string) (*broker.Quote, error)
	GetDailyCandles(ctx context.Context, symbol string, n int) ([]broker.Candle, error)
	GetMinuteCandles(ctx context.Context, symbol string, n int) ([]broker.Candle, error)
}

// Strategy evaluates symbols into decisions.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, in Input) (Decision, error)
}

// DefaultCycleInterval applies when a strategy does not provide its own.
const DefaultCycleInterval = 120 * time.Second

// IntervalProvider lets a strategy choose its own cycle cadence.
type IntervalProvider interface {
	CycleInterval() time.Duration
}

// StopChecker lets a strategy end the session early, e.g. on a daily loss
// limit.
type StopChecker interface {
	ShouldStopTrading(stats models.SessionStats) (bool, string)
}

// SessionHooks receives session lifecycle notifications.
type SessionHooks interface {
	OnSessionStart(snapshot models.AccountSnapshot)
	OnSessionEnd(stats models.SessionStats)
}

// CycleIntervalOf returns s's preferred cadence, or the default.
func CycleIntervalOf(s Strategy) time.Duration {
	if p, ok := s.(IntervalProvider); ok {
		if d := p.CycleInterval(); d > 0 {
			return d
		}
	}
	return DefaultCycleInterval
}

// ============ Registry ============

// Factory builds a strategy over a market-data source.
type Factory func(data MarketData) Strategy

var registry = map[string]Factory{}

// Register makes a strategy constructible by name. Typically called from
// init in the file defining the strategy.
func Register(name string, f Factory) {
	registry[strings.ToLower(name)] = f
}

// New builds the named strategy, or errors listing what is available.
func New(name string, data MarketData) (Strategy, error) {
	f, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return f(data), nil
}

// Names lists registered strategies sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
