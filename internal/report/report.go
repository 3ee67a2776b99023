// Package report aggregates exported daily results into summary
// statistics.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Row is one exported trade.
type Row struct {
	Date         string
	Symbol       string
	Side         string
	ProfitPips   float64
	ProfitAmount float64
}

// Summary is the aggregate over a set of rows.
type Summary struct {
	Trades      int
	Wins        int
	Losses      int
	TotalPips   float64
	TotalAmount float64
	MaxDrawdown float64 // pips, from the running cumulative peak
	Days        int
}

// WinRate returns the win percentage, zero when empty.
func (s Summary) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades) * 100
}

// LoadDir reads every results_*.csv under dir, oldest first.
func LoadDir(dir string) ([]Row, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "results_*.csv"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var rows []Row
	for _, path := range paths {
		fileRows, err := loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		rows = append(rows, fileRows...)
	}
	return rows, nil
}

func loadFile(path string) ([]Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	var rows []Row
	for i, record := range records {
		if i == 0 || len(record) < 8 {
			continue
		}
		pips, err := strconv.ParseFloat(record[6], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: bad profit_pips %q", i+1, record[6])
		}
		amount, err := strconv.ParseFloat(record[7], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: bad profit_amount %q", i+1, record[7])
		}
		rows = append(rows, Row{
			Date:         record[0],
			Symbol:       record[1],
			Side:         record[2],
			ProfitPips:   pips,
			ProfitAmount: amount,
		})
	}
	return rows, nil
}

// Summarize folds rows, assumed chronological, into a Summary.
func Summarize(rows []Row) Summary {
	var s Summary
	days := map[string]bool{}
	var cumulative, peak float64

	for _, r := range rows {
		s.Trades++
		if r.ProfitPips > 0 {
			s.Wins++
		} else if r.ProfitPips < 0 {
			s.Losses++
		}
		s.TotalPips += r.ProfitPips
		s.TotalAmount += r.ProfitAmount
		days[r.Date] = true

		cumulative += r.ProfitPips
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > s.MaxDrawdown {
			s.MaxDrawdown = dd
		}
	}
	s.Days = len(days)
	return s
}

// Render formats a summary for the terminal.
func Render(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "days:         %d\n", s.Days)
	fmt.Fprintf(&b, "trades:       %d (W:%d / L:%d, win rate %.1f%%)\n",
		s.Trades, s.Wins, s.Losses, s.WinRate())
	fmt.Fprintf(&b, "total pips:   %.1f\n", s.TotalPips)
	fmt.Fprintf(&b, "total amount: %.0f JPY\n", s.TotalAmount)
	fmt.Fprintf(&b, "max drawdown: %.1f pips", s.MaxDrawdown)
	return b.String()
}
