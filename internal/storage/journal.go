// Package storage persists the trade journal: every order outcome, cycle
// reports, per-day realized P&L and running statistics, in one JSON file
// written atomically.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/seoulquant/kisbot/internal/models"
)

// maxCycleReports bounds how many cycle reports the journal retains.
const maxCycleReports = 500

// TradeRecord is one journaled order outcome.
type TradeRecord struct {
	models.TradeOutcome
	Cycle      int       `json:"cycle"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Statistics are running totals over all journaled sells.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	CurrentStreak int     `json:"current_streak"`
}

type journalData struct {
	Trades      []TradeRecord        `json:"trades"`
	Cycles      []models.CycleReport `json:"cycles"`
	DailyPnL    map[string]float64   `json:"daily_pnl"`
	Statistics  *Statistics          `json:"statistics"`
	LastUpdated time.Time            `json:"last_updated"`
}

// Journal is the on-disk trade journal. All methods are safe for concurrent
// use.
type Journal struct {
	mu       sync.RWMutex
	filepath string
	data     *journalData
}

// NewJournal opens (or creates) the journal at filepath.
func NewJournal(filepath string) (*Journal, error) {
	j := &Journal{
		filepath: filepath,
		data: &journalData{
			DailyPnL:   make(map[string]float64),
			Statistics: &Statistics{},
		},
	}

	if _, err := os.Stat(filepath); err == nil {
		if err := j.load(); err != nil {
			return nil, fmt.Errorf("loading journal: %w", err)
		}
	}

	return j, nil
}

func (j *Journal) load() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := os.ReadFile(j.filepath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &j.data); err != nil {
		return err
	}
	if j.data.DailyPnL == nil {
		j.data.DailyPnL = make(map[string]float64)
	}
	if j.data.Statistics == nil {
		j.data.Statistics = &Statistics{}
	}
	return nil
}

// save persists under the caller's lock, temp file then atomic rename.
func (j *Journal) save() error {
	j.data.LastUpdated = time.Now()

	data, err := json.MarshalIndent(j.data, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := j.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpFile, j.filepath)
}

// RecordTrade journals one order outcome. Accepted sells update statistics
// and the daily P&L ledger; simulated outcomes are journaled but never
// counted.
func (j *Journal) RecordTrade(cycle int, outcome models.TradeOutcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.data.Trades = append(j.data.Trades, TradeRecord{
		TradeOutcome: outcome,
		Cycle:        cycle,
		RecordedAt:   time.Now(),
	})

	if outcome.Accepted && !outcome.Simulated && outcome.Side == models.SideSell {
		j.updateStatistics(outcome.RealizedPnL)
		today := time.Now().Format("2006-01-02")
		j.data.DailyPnL[today] += outcome.RealizedPnL
	}

	return j.save()
}

// RecordCycle journals a cycle report, evicting the oldest past the cap.
func (j *Journal) RecordCycle(report models.CycleReport) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.data.Cycles = append(j.data.Cycles, report)
	if len(j.data.Cycles) > maxCycleReports {
		j.data.Cycles = j.data.Cycles[len(j.data.Cycles)-maxCycleReports:]
	}
	return j.save()
}

func (j *Journal) updateStatistics(pnl float64) {
	stats := j.data.Statistics
	stats.TotalTrades++
	stats.TotalPnL += pnl

	if pnl > 0 {
		stats.WinningTrades++
		if stats.CurrentStreak >= 0 {
			stats.CurrentStreak++
		} else {
			stats.CurrentStreak = 1
		}
		totalWins := stats.AverageWin*float64(stats.WinningTrades-1) + pnl
		stats.AverageWin = totalWins / float64(stats.WinningTrades)
	} else {
		stats.LosingTrades++
		if stats.CurrentStreak <= 0 {
			stats.CurrentStreak--
		} else {
			stats.CurrentStreak = -1
		}
		totalLosses := stats.AverageLoss*float64(stats.LosingTrades-1) + pnl
		stats.AverageLoss = totalLosses / float64(stats.LosingTrades)
	}

	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)
	}
	if pnl < 0 && pnl < stats.MaxDrawdown {
		stats.MaxDrawdown = pnl
	}
}

// Statistics returns a copy of the running statistics.
func (j *Journal) Statistics() Statistics {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return *j.data.Statistics
}

// DailyPnL returns the realized P&L recorded for date ("2006-01-02").
func (j *Journal) DailyPnL(date string) float64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.data.DailyPnL[date]
}

// Trades returns the most recent n trade records, newest last. n <= 0
// returns everything.
func (j *Journal) Trades(n int) []TradeRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()

	trades := j.data.Trades
	if n > 0 && len(trades) > n {
		trades = trades[len(trades)-n:]
	}
	out := make([]TradeRecord, len(trades))
	copy(out, trades)
	return out
}

// Cycles returns the most recent n cycle reports, newest last. n <= 0
// returns everything retained.
func (j *Journal) Cycles(n int) []models.CycleReport {
	j.mu.RLock()
	defer j.mu.RUnlock()

	cycles := j.data.Cycles
	if n > 0 && len(cycles) > n {
		cycles = cycles[len(cycles)-n:]
	}
	out := make([]models.CycleReport, len(cycles))
	copy(out, cycles)
	return out
}
