// Package sizer converts account equity into an integer trade volume.
package sizer

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/tomiyuta/gmo-coin-bot/internal/exchange/gmo"
)

const (
	// safetyMargin holds back part of the balance so a fill slightly
	// worse than the quote cannot over-commit the account.
	safetyMargin = 0.95

	MinVolume int64 = 1
	MaxVolume int64 = 500_000

	crossSymbol = "USD_JPY"
)

// QuoteFetcher is the slice of the exchange client the sizer needs.
type QuoteFetcher interface {
	Ticker(ctx context.Context, symbol string) (gmo.Ticker, error)
}

// Sizer derives trade volumes from live quotes. The account currency
// is assumed to be JPY.
type Sizer struct {
	quotes    QuoteFetcher
	riskRatio float64
	logger    *zap.Logger
}

func New(quotes QuoteFetcher, riskRatio float64, logger *zap.Logger) *Sizer {
	return &Sizer{quotes: quotes, riskRatio: riskRatio, logger: logger}
}

// Size computes the volume for one order. Quotes are fetched fresh on
// every call; sizing on a stale price is worse than the extra request.
func (s *Sizer) Size(ctx context.Context, balance float64, symbol string, side gmo.Side, leverage float64) (int64, error) {
	if balance <= 0 {
		return 0, fmt.Errorf("invalid balance %.2f", balance)
	}
	if leverage <= 0 {
		return 0, fmt.Errorf("invalid leverage %.2f", leverage)
	}

	quote, err := s.quotes.Ticker(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch quote for sizing: %w", err)
	}
	rate := quote.Ask
	if side == gmo.SideSell {
		rate = quote.Bid
	}
	if rate <= 0 {
		return 0, fmt.Errorf("quote for %s has no usable rate", symbol)
	}

	available := balance * s.riskRatio * safetyMargin
	if !strings.HasSuffix(symbol, "JPY") {
		available = s.toQuoteCurrency(ctx, available)
	}

	volume := int64(math.Floor(available * leverage / rate))
	if volume < MinVolume {
		volume = MinVolume
	}
	if volume > MaxVolume {
		volume = MaxVolume
	}
	return volume, nil
}

// toQuoteCurrency converts a JPY amount into the quote currency via
// the USD/JPY bid. When the cross quote is unavailable the JPY amount
// is used as-is, which oversizes roughly by the cross rate; warn and
// let the exchange's margin check be the backstop.
func (s *Sizer) toQuoteCurrency(ctx context.Context, availableJPY float64) float64 {
	cross, err := s.quotes.Ticker(ctx, crossSymbol)
	if err != nil || cross.Bid <= 0 {
		s.logger.Warn("cross rate unavailable, sizing directly on JPY amount",
			zap.String("cross", crossSymbol),
			zap.Error(err))
		return availableJPY
	}
	return availableJPY / cross.Bid
}
