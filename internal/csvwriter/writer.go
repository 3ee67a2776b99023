// Package csvwriter handles CSV output for trade results.
package csvwriter

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tomiyuta/gmo-coin-bot/internal/pnl"
)

// Writer is a simple CSV writer.
type Writer struct {
	file   *os.File
	writer *csv.Writer
	logger *zap.Logger
	mu     sync.Mutex
}

// NewWriter creates a new CSV writer.
func NewWriter(filePath string, logger *zap.Logger) (*Writer, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSV file: %w", err)
	}

	return &Writer{
		file:   file,
		writer: csv.NewWriter(file),
		logger: logger,
	}, nil
}

// Write writes a record to the CSV file.
func (w *Writer) Write(record []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write record to CSV: %w", err)
	}
	return nil
}

// Flush flushes any buffered data to the underlying file.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writer.Flush()
}

// Close closes the file.
func (w *Writer) Close() error {
	w.Flush()
	return w.file.Close()
}

var resultHeader = []string{
	"date", "symbol", "side", "entry_price", "exit_price",
	"lot_size", "profit_pips", "profit_amount", "entry_time", "exit_time",
}

// WriteDailyResults exports one trading day's results to
// <dir>/results_YYYYMMDD.csv and returns the written path. Pips carry
// one decimal, amounts none.
func WriteDailyResults(dir string, day time.Time, results []pnl.TradeResult, logger *zap.Logger) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create results directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("results_%s.csv", day.Format("20060102")))
	w, err := NewWriter(path, logger)
	if err != nil {
		return "", err
	}
	defer w.Close()

	if err := w.Write(resultHeader); err != nil {
		return "", err
	}
	for _, r := range results {
		record := []string{
			day.Format("2006-01-02"),
			r.Symbol,
			string(r.Side),
			decimal.NewFromFloat(r.EntryPrice).String(),
			decimal.NewFromFloat(r.ExitPrice).String(),
			decimal.NewFromFloat(r.LotSize).StringFixed(0),
			decimal.NewFromFloat(r.ProfitPips).Round(1).StringFixed(1),
			decimal.NewFromFloat(r.ProfitAmount).Round(0).StringFixed(0),
			r.EntryTime.Format("15:04:05"),
			r.ExitTime.Format("15:04:05"),
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()

	logger.Info("daily results exported",
		zap.String("path", path),
		zap.Int("trades", len(results)))
	return path, nil
}
