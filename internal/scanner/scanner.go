// Package scanner turns the broker's top-gainers ranking feed into a
// filtered, scored list of buy candidates for the trading cycle.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/seoulquant/kisbot/internal/broker"
	"github.com/seoulquant/kisbot/internal/models"
)

const (
	// rankingLimit caps how many ranking entries are pulled per scan.
	rankingLimit = 20
	// maxCandidates caps the list handed to the strategy.
	maxCandidates = 10
)

// ErrServerUnresponsive marks a terminal ranking failure. The engine ends
// the session on it: without the feed every later cycle would starve too.
var ErrServerUnresponsive = errors.New("ranking feed unresponsive")

// RankingSource is the single broker capability the scanner needs. Paper
// sessions satisfy it with a read-only live client.
type RankingSource interface {
	GetTopGainersRanking(ctx context.Context, limit int) ([]broker.RankedStock, error)
}

// Filter bounds which ranking entries qualify as candidates.
type Filter struct {
	MinPrice       float64
	MaxPrice       float64
	MinChangeRate  float64
	MinVolumeRatio float64
}

func (f Filter) admit(r broker.RankedStock) bool {
	if r.Price < f.MinPrice || r.Price > f.MaxPrice {
		return false
	}
	if r.ChangeRate < f.MinChangeRate {
		return false
	}
	if r.VolumeRatio < f.MinVolumeRatio {
		return false
	}
	return true
}

// Scorer ranks a candidate; higher scores are offered to the strategy first.
type Scorer interface {
	Score(c models.CandidateStock) float64
}

// ScorerFunc adapts a plain function to the Scorer interface.
type ScorerFunc func(c models.CandidateStock) float64

func (f ScorerFunc) Score(c models.CandidateStock) float64 { return f(c) }

// DefaultScorer weights momentum and relative volume equally.
var DefaultScorer = ScorerFunc(func(c models.CandidateStock) float64 {
	return c.ChangeRate + c.VolumeRatio
})

// Provider produces buy candidates from the ranking feed.
type Provider struct {
	source RankingSource
	filter Filter
	scorer Scorer
	logger *log.Logger
}

// NewProvider creates a provider reading from source under filter. A nil
// scorer falls back to DefaultScorer.
func NewProvider(source RankingSource, filter Filter, scorer Scorer, logger *log.Logger) *Provider {
	if scorer == nil {
		scorer = DefaultScorer
	}
	if logger == nil {
		logger = log.New(os.Stderr, "scanner: ", log.LstdFlags)
	}
	return &Provider{source: source, filter: filter, scorer: scorer, logger: logger}
}

// Candidates scans the ranking feed, drops entries outside the filter or
// already held, scores the rest and returns at most maxCandidates sorted by
// descending score.
func (p *Provider) Candidates(ctx context.Context, held map[string]bool) ([]models.CandidateStock, error) {
	ranked, err := p.source.GetTopGainersRanking(ctx, rankingLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnresponsive, err)
	}

	var out []models.CandidateStock
	for _, r := range ranked {
		if held[r.Symbol] {
			continue
		}
		if !p.filter.admit(r) {
			continue
		}
		c := models.CandidateStock{
			Symbol:      r.Symbol,
			Name:        r.Name,
			Price:       r.Price,
			ChangeRate:  r.ChangeRate,
			Volume:      r.Volume,
			VolumeRatio: r.VolumeRatio,
		}
		c.Score = p.scorer.Score(c)
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > maxCandidates {
		out = out[:maxCandidates]
	}

	p.logger.Printf("scan: %d ranked, %d candidates after filtering", len(ranked), len(out))
	return out, nil
}
