// Package schedule owns session timing: the KRX trading calendar, entry
// cutoffs, the pre-close guard, and the external stop-signal sentinel used
// for cooperative and forced shutdown.
package schedule

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/seoulquant/kisbot/internal/config"
)

// marketOpenMinutes is the KRX regular session open, 09:00 local.
const marketOpenMinutes = 9 * 60

// ForceExitMarker inside the sentinel file requests an immediate abort
// instead of a cooperative end-of-cycle shutdown.
const ForceExitMarker = "FORCE_EXIT"

// pollSlice bounds how long a Wait sleeps before rechecking the sentinel.
const pollSlice = 5 * time.Second

// StopState is the shutdown request level read from the sentinel.
type StopState int

const (
	StopNone StopState = iota
	// StopCooperative finishes the current cycle then ends the session.
	StopCooperative
	// StopForce aborts immediately.
	StopForce
)

func (s StopState) String() string {
	switch s {
	case StopCooperative:
		return "cooperative"
	case StopForce:
		return "force"
	default:
		return "none"
	}
}

// Calendar answers when trading and entries are allowed.
type Calendar struct {
	loc          *time.Location
	closeMinutes int
	cutoffMin    int
	guard        time.Duration
	skipHours    bool
}

// NewCalendar builds a calendar from validated schedule configuration.
func NewCalendar(cfg config.ScheduleConfig) (Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return Calendar{}, fmt.Errorf("timezone: %w", err)
	}
	closeMin, err := parseClock(cfg.MarketClose)
	if err != nil {
		return Calendar{}, fmt.Errorf("market_close: %w", err)
	}
	cutoffMin, err := parseClock(cfg.EntryCutoff)
	if err != nil {
		return Calendar{}, fmt.Errorf("entry_cutoff: %w", err)
	}
	return Calendar{
		loc:          loc,
		closeMinutes: closeMin,
		cutoffMin:    cutoffMin,
		guard:        time.Duration(cfg.CloseGuardMinutes) * time.Minute,
		skipHours:    cfg.SkipMarketHours,
	}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Location returns the calendar's timezone.
func (c Calendar) Location() *time.Location { return c.loc }

func (c Calendar) civilMinutes(now time.Time) int {
	t := now.In(c.loc)
	return t.Hour()*60 + t.Minute()
}

func tradingDay(now time.Time, loc *time.Location) bool {
	switch now.In(loc).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// MarketOpen reports whether the regular session is underway. With
// skip_market_hours set it always reports open (backtests, paper runs at
// night).
func (c Calendar) MarketOpen(now time.Time) bool {
	if c.skipHours {
		return true
	}
	if !tradingDay(now, c.loc) {
		return false
	}
	m := c.civilMinutes(now)
	return m >= marketOpenMinutes && m < c.closeMinutes
}

// PastClose reports whether the session close has passed for today.
func (c Calendar) PastClose(now time.Time) bool {
	if c.skipHours {
		return false
	}
	return c.civilMinutes(now) >= c.closeMinutes
}

// InCloseGuard reports whether now is within the guard window right before
// close, during which only sells are allowed.
func (c Calendar) InCloseGuard(now time.Time) bool {
	if c.skipHours {
		return false
	}
	m := time.Duration(c.civilMinutes(now)) * time.Minute
	closeAt := time.Duration(c.closeMinutes) * time.Minute
	return m >= closeAt-c.guard && m < closeAt
}

// EntriesAllowed reports whether new positions may still be opened: the
// market is open, the entry cutoff has not passed, and the close guard has
// not begun.
func (c Calendar) EntriesAllowed(now time.Time) bool {
	if c.skipHours {
		return true
	}
	if !c.MarketOpen(now) {
		return false
	}
	if c.civilMinutes(now) >= c.cutoffMin {
		return false
	}
	return !c.InCloseGuard(now)
}

// Controller couples the calendar with the stop-signal sentinel.
type Controller struct {
	Calendar
	signalFile string
	logger     *log.Logger
}

// NewController creates a controller watching signalFile.
func NewController(cal Calendar, signalFile string, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(os.Stderr, "schedule: ", log.LstdFlags)
	}
	return &Controller{Calendar: cal, signalFile: signalFile, logger: logger}
}

// StopRequested reads the sentinel. A file containing the force marker
// demands an immediate abort; any other existing file requests a
// cooperative shutdown.
func (c *Controller) StopRequested() StopState {
	raw, err := os.ReadFile(c.signalFile)
	if err != nil {
		return StopNone
	}
	if strings.Contains(strings.ToUpper(string(raw)), ForceExitMarker) {
		return StopForce
	}
	return StopCooperative
}

// ClearSignal removes the sentinel so the next session starts clean.
func (c *Controller) ClearSignal() {
	if err := os.Remove(c.signalFile); err != nil && !os.IsNotExist(err) {
		c.logger.Printf("failed to clear stop signal %s: %v", c.signalFile, err)
	}
}

// RequestStop writes the sentinel, force or cooperative.
func (c *Controller) RequestStop(force bool) error {
	content := "stop requested\n"
	if force {
		content = ForceExitMarker + "\n"
	}
	return os.WriteFile(c.signalFile, []byte(content), 0o644)
}

// Wait sleeps for d in short slices, returning early with the stop state
// when the sentinel appears or the context is canceled.
func (c *Controller) Wait(ctx context.Context, d time.Duration) (StopState, error) {
	deadline := time.Now().Add(d)
	for {
		if state := c.StopRequested(); state != StopNone {
			return state, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return StopNone, nil
		}
		slice := remaining
		if slice > pollSlice {
			slice = pollSlice
		}
		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return StopNone, ctx.Err()
		case <-timer.C:
		}
	}
}
