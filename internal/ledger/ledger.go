// Package ledger tracks per-symbol executed volume for the current
// calendar day and enforces the daily cap.
package ledger

import (
	"fmt"
	"sync"
)

// ErrLimitExceeded is returned when a reservation would push a symbol
// past its daily volume cap. The order must not be sent.
type ErrLimitExceeded struct {
	Symbol  string
	Current int64
	Size    int64
	Limit   int64
}

func (e *ErrLimitExceeded) Error() string {
	return fmt.Sprintf("daily volume limit for %s exceeded: %d + %d > %d",
		e.Symbol, e.Current, e.Size, e.Limit)
}

// DailyVolume is the per-symbol cumulative executed volume ledger.
// Reservation is check-and-increment under one lock so concurrent entry
// attempts for the same symbol cannot both pass the cap.
type DailyVolume struct {
	mu     sync.Mutex
	limit  int64
	volume map[string]int64
}

// NewDailyVolume creates a ledger with the given per-symbol cap.
func NewDailyVolume(limit int64) *DailyVolume {
	return &DailyVolume{
		limit:  limit,
		volume: map[string]int64{},
	}
}

// Reserve atomically checks the cap and records size against symbol.
// It fails closed: on *ErrLimitExceeded nothing was recorded and no
// order may be submitted.
func (d *DailyVolume) Reserve(symbol string, size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.volume[symbol]
	if current+size > d.limit {
		return &ErrLimitExceeded{Symbol: symbol, Current: current, Size: size, Limit: d.limit}
	}
	d.volume[symbol] = current + size
	return nil
}

// Release returns a reservation whose order was never filled.
func (d *DailyVolume) Release(symbol string, size int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.volume[symbol] -= size; d.volume[symbol] < 0 {
		d.volume[symbol] = 0
	}
}

// Volume returns the volume recorded for symbol today.
func (d *DailyVolume) Volume(symbol string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volume[symbol]
}

// Limit returns the configured per-symbol cap.
func (d *DailyVolume) Limit() int64 { return d.limit }

// Reset clears all symbols. Called once per day at local midnight.
func (d *DailyVolume) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volume = map[string]int64{}
}
