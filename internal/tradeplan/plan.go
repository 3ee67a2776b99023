// Package tradeplan reads the day's trade instructions and resolves
// their clock times into absolute, day-crossing-aware timestamps.
package tradeplan

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tomiyuta/gmo-coin-bot/internal/exchange/gmo"
)

const timeLayout = "15:04:05"

// Row is one validated plan row before time resolution.
type Row struct {
	Side   gmo.Side
	Symbol string
	Entry  string // HH:MM:SS
	Exit   string // HH:MM:SS
	Lot    float64
	HasLot bool
	Line   int // source line, for operator messages
}

// Entry is one plan row with resolved absolute timestamps. Immutable
// once produced.
type Entry struct {
	Side      gmo.Side
	Symbol    string
	EntryTime time.Time
	ExitTime  time.Time
	Lot       float64
	HasLot    bool
	Line      int
}

// Window is one active trading interval; positions found open outside
// every window are treated as orphaned.
type Window struct {
	Start time.Time
	End   time.Time
}

// ParseSide accepts the plan notations for direction: 買/long/l and
// 売/short/s, case-insensitively.
func ParseSide(raw string) (gmo.Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "買", "long", "l":
		return gmo.SideBuy, nil
	case "売", "short", "s":
		return gmo.SideSell, nil
	}
	return "", fmt.Errorf("invalid side %q: want 買/売/long/short/l/s", raw)
}

// NormalizeSymbol folds USD/JPY and USDJPY notation into the exchange's
// USD_JPY form. Anything else passes through untouched.
func NormalizeSymbol(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.Contains(s, "/") {
		return strings.ReplaceAll(s, "/", "_")
	}
	if len(s) == 6 && !strings.Contains(s, "_") {
		return s[:3] + "_" + s[3:]
	}
	return s
}

// Load reads the plan CSV. The first row is a header; malformed or
// incomplete rows are logged and skipped, never fatal.
func Load(path string, logger *zap.Logger) ([]Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trade plan: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read trade plan: %w", err)
	}

	var rows []Row
	for i, record := range records {
		line := i + 1
		if i == 0 {
			continue // header
		}
		if isBlank(record) {
			continue
		}
		row, err := parseRow(record, line)
		if err != nil {
			logger.Warn("skipping malformed plan row",
				zap.Int("line", line),
				zap.Strings("row", record),
				zap.Error(err))
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func isBlank(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func parseRow(record []string, line int) (Row, error) {
	if len(record) < 6 {
		return Row{}, fmt.Errorf("want 6 columns, got %d", len(record))
	}
	side, err := ParseSide(record[1])
	if err != nil {
		return Row{}, err
	}
	symbol := NormalizeSymbol(record[2])
	if symbol == "" {
		return Row{}, fmt.Errorf("empty symbol")
	}
	entry := strings.TrimSpace(record[3])
	exit := strings.TrimSpace(record[4])
	for _, ts := range []string{entry, exit} {
		if _, err := time.Parse(timeLayout, ts); err != nil {
			return Row{}, fmt.Errorf("invalid time %q: %w", ts, err)
		}
	}

	row := Row{Side: side, Symbol: symbol, Entry: entry, Exit: exit, Line: line}
	if lot := strings.TrimSpace(record[5]); lot != "" {
		row.Lot, err = strconv.ParseFloat(lot, 64)
		if err != nil {
			return Row{}, fmt.Errorf("invalid lot size %q: %w", lot, err)
		}
		row.HasLot = true
	}
	return row, nil
}

// Resolve turns plan rows into absolute entries for "today", shifting
// to "tomorrow" when the clock time is already past or precedes the
// previous cycle's last recorded exit, and forcing exit onto the next
// day when it is not strictly after entry. Entries come back sorted by
// entry time.
func Resolve(rows []Row, now time.Time, lastExit time.Time) []Entry {
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry := atClock(now, row.Entry)
		switch {
		case !lastExit.IsZero() && entry.Before(lastExit):
			entry = entry.AddDate(0, 0, 1)
		case entry.Before(now):
			entry = entry.AddDate(0, 0, 1)
		}

		exit := atClock(entry, row.Exit)
		if !exit.After(entry) {
			exit = exit.AddDate(0, 0, 1)
		}

		entries = append(entries, Entry{
			Side:      row.Side,
			Symbol:    row.Symbol,
			EntryTime: entry,
			ExitTime:  exit,
			Lot:       row.Lot,
			HasLot:    row.HasLot,
			Line:      row.Line,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EntryTime.Before(entries[j].EntryTime)
	})
	return entries
}

// atClock places an HH:MM:SS clock time on day's calendar date in
// day's location. The string was validated at load time.
func atClock(day time.Time, clock string) time.Time {
	t, _ := time.Parse(timeLayout, clock)
	return time.Date(day.Year(), day.Month(), day.Day(),
		t.Hour(), t.Minute(), t.Second(), 0, day.Location())
}

// Windows returns the active trading intervals of resolved entries.
func Windows(entries []Entry) []Window {
	windows := make([]Window, 0, len(entries))
	for _, e := range entries {
		windows = append(windows, Window{Start: e.EntryTime, End: e.ExitTime})
	}
	return windows
}

// InAnyWindow reports whether now falls inside at least one window.
func InAnyWindow(now time.Time, windows []Window) bool {
	for _, w := range windows {
		if !now.Before(w.Start) && !now.After(w.End) {
			return true
		}
	}
	return false
}
