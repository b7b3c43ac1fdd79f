package schedule

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seoulquant/kisbot/internal/config"
)

func testCalendar(t *testing.T, skip bool) Calendar {
	t.Helper()
	cal, err := NewCalendar(config.ScheduleConfig{
		Timezone:          "Asia/Seoul",
		MarketClose:       "15:30",
		EntryCutoff:       "15:00",
		CloseGuardMinutes: 10,
		SkipMarketHours:   skip,
	})
	if err != nil {
		t.Fatal(err)
	}
	return cal
}

// kst builds a time on a known Monday (2026-03-02) at hh:mm KST.
func kst(t *testing.T, hh, mm int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Fatal(err)
	}
	return time.Date(2026, 3, 2, hh, mm, 0, 0, loc)
}

func TestMarketOpen(t *testing.T) {
	cal := testCalendar(t, false)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", kst(t, 8, 59), false},
		{"at open", kst(t, 9, 0), true},
		{"midday", kst(t, 12, 0), true},
		{"last minute", kst(t, 15, 29), true},
		{"at close", kst(t, 15, 30), false},
		{"evening", kst(t, 20, 0), false},
		{"saturday", kst(t, 12, 0).AddDate(0, 0, 5), false},
		{"sunday", kst(t, 12, 0).AddDate(0, 0, 6), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cal.MarketOpen(tt.at); got != tt.want {
				t.Fatalf("MarketOpen(%s) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestEntriesAllowed(t *testing.T) {
	cal := testCalendar(t, false)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"morning", kst(t, 10, 0), true},
		{"just before cutoff", kst(t, 14, 59), true},
		{"at cutoff", kst(t, 15, 0), false},
		{"in close guard", kst(t, 15, 25), false},
		{"after close", kst(t, 16, 0), false},
		{"before open", kst(t, 8, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cal.EntriesAllowed(tt.at); got != tt.want {
				t.Fatalf("EntriesAllowed(%s) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestCloseGuard(t *testing.T) {
	cal := testCalendar(t, false)

	if cal.InCloseGuard(kst(t, 15, 19)) {
		t.Fatal("15:19 should be before the 10-minute guard")
	}
	if !cal.InCloseGuard(kst(t, 15, 20)) {
		t.Fatal("15:20 should be inside the guard")
	}
	if !cal.InCloseGuard(kst(t, 15, 29)) {
		t.Fatal("15:29 should be inside the guard")
	}
	if cal.InCloseGuard(kst(t, 15, 30)) {
		t.Fatal("15:30 is past close, not in the guard")
	}
}

func TestPastClose(t *testing.T) {
	cal := testCalendar(t, false)
	if cal.PastClose(kst(t, 15, 29)) {
		t.Fatal("15:29 is not past close")
	}
	if !cal.PastClose(kst(t, 15, 30)) {
		t.Fatal("15:30 is past close")
	}
}

func TestSkipMarketHoursOverridesEverything(t *testing.T) {
	cal := testCalendar(t, true)
	sunday3am := kst(t, 3, 0).AddDate(0, 0, 6)

	if !cal.MarketOpen(sunday3am) {
		t.Fatal("skip_market_hours should force the market open")
	}
	if cal.PastClose(sunday3am.Add(20 * time.Hour)) {
		t.Fatal("skip_market_hours should never report past close")
	}
	if !cal.EntriesAllowed(sunday3am) {
		t.Fatal("skip_market_hours should allow entries")
	}
	if cal.InCloseGuard(kst(t, 15, 25)) {
		t.Fatal("skip_market_hours should disable the close guard")
	}
}

func TestInvalidCalendarConfig(t *testing.T) {
	_, err := NewCalendar(config.ScheduleConfig{
		Timezone: "Mars/Olympus", MarketClose: "15:30", EntryCutoff: "15:00",
	})
	if err == nil {
		t.Fatal("bad timezone should fail")
	}

	_, err = NewCalendar(config.ScheduleConfig{
		Timezone: "Asia/Seoul", MarketClose: "25:99", EntryCutoff: "15:00",
	})
	if err == nil {
		t.Fatal("bad market_close should fail")
	}
}

func testController(t *testing.T) *Controller {
	t.Helper()
	file := filepath.Join(t.TempDir(), "STOP_AUTOTRADING.signal")
	return NewController(testCalendar(t, false), file, log.New(os.Stderr, "", 0))
}

func TestStopRequested(t *testing.T) {
	c := testController(t)

	if got := c.StopRequested(); got != StopNone {
		t.Fatalf("StopRequested() = %v with no sentinel", got)
	}

	if err := os.WriteFile(c.signalFile, []byte("please stop\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := c.StopRequested(); got != StopCooperative {
		t.Fatalf("StopRequested() = %v, want cooperative", got)
	}

	if err := os.WriteFile(c.signalFile, []byte("FORCE_EXIT\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := c.StopRequested(); got != StopForce {
		t.Fatalf("StopRequested() = %v, want force", got)
	}

	c.ClearSignal()
	if got := c.StopRequested(); got != StopNone {
		t.Fatalf("StopRequested() = %v after clear", got)
	}
}

func TestRequestStop(t *testing.T) {
	c := testController(t)

	if err := c.RequestStop(false); err != nil {
		t.Fatal(err)
	}
	if got := c.StopRequested(); got != StopCooperative {
		t.Fatalf("StopRequested() = %v, want cooperative", got)
	}

	if err := c.RequestStop(true); err != nil {
		t.Fatal(err)
	}
	if got := c.StopRequested(); got != StopForce {
		t.Fatalf("StopRequested() = %v, want force", got)
	}
}

func TestWaitCompletes(t *testing.T) {
	c := testController(t)

	start := time.Now()
	state, err := c.Wait(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if state != StopNone {
		t.Fatalf("Wait() = %v, want none", state)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("Wait returned too early")
	}
}

func TestWaitInterruptedBySignal(t *testing.T) {
	c := testController(t)
	if err := c.RequestStop(true); err != nil {
		t.Fatal(err)
	}

	state, err := c.Wait(context.Background(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if state != StopForce {
		t.Fatalf("Wait() = %v, want force", state)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	c := testController(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Wait(ctx, time.Hour)
	if err != context.DeadlineExceeded {
		t.Fatalf("Wait() error = %v, want deadline exceeded", err)
	}
}
