// Package executor drives one plan entry from spread check through
// entry, position resolution and close.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tomiyuta/gmo-coin-bot/internal/alert"
	"github.com/tomiyuta/gmo-coin-bot/internal/config"
	"github.com/tomiyuta/gmo-coin-bot/internal/exchange/gmo"
	"github.com/tomiyuta/gmo-coin-bot/internal/ledger"
	"github.com/tomiyuta/gmo-coin-bot/internal/pnl"
	"github.com/tomiyuta/gmo-coin-bot/internal/retry"
	"github.com/tomiyuta/gmo-coin-bot/internal/tradeplan"
)

const (
	executionType = "MARKET"

	// Position resolution polls the exchange on fixed intervals; the
	// fill usually lands within the first attempt.
	executionPollAttempts = 3
	executionPollInterval = time.Second
	positionPollAttempts  = 5
	positionPollInterval  = 3 * time.Second

	// Substitute leverage when auto-sizing a row that carries no lot
	// size while autolot is disabled.
	fixedLotLeverage = 18
)

// ErrPositionNotResolved marks an entry whose order went out but whose
// resulting position could not be located. The caller schedules a
// watchdog for the symbol.
var ErrPositionNotResolved = errors.New("position could not be resolved")

// ErrAlreadyClosing is returned when a second exit path races an
// in-progress close. Exactly one path owns a trade's close.
var ErrAlreadyClosing = errors.New("trade is already closing")

// Exchange is the slice of the signed client the executor needs.
type Exchange interface {
	Assets(ctx context.Context) (*gmo.AccountAssets, error)
	Ticker(ctx context.Context, symbol string) (gmo.Ticker, error)
	SendOrder(ctx context.Context, req gmo.OrderRequest) ([]gmo.Order, error)
	CloseOrder(ctx context.Context, req gmo.CloseOrderRequest) ([]gmo.Order, error)
	Executions(ctx context.Context, orderID int64) ([]gmo.Execution, error)
	OpenPositions(ctx context.Context, symbol string) ([]gmo.Position, error)
}

// VolumeSizer computes an order volume from account equity.
type VolumeSizer interface {
	Size(ctx context.Context, balance float64, symbol string, side gmo.Side, leverage float64) (int64, error)
}

// TradeRecorder receives every closed trade.
type TradeRecorder interface {
	RecordTrade(result pnl.TradeResult)
}

// State is a trade's position in the entry/exit lifecycle.
type State int

const (
	StateIdle State = iota
	StateSpreadCheck
	StatePlacing
	StateResolvingPosition
	StateMonitoring
	StateClosing
	StateClosed
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:              "idle",
	StateSpreadCheck:       "spread_check",
	StatePlacing:           "placing",
	StateResolvingPosition: "resolving_position",
	StateMonitoring:        "monitoring",
	StateClosing:           "closing",
	StateClosed:            "closed",
	StateFailed:            "failed",
}

func (s State) String() string { return stateNames[s] }

// Trade is one plan entry's live state. The mutex makes the state
// transitions single-flight: a trade is opened at most once and closed
// by exactly one exit path.
type Trade struct {
	mu    sync.Mutex
	state State

	Plan       tradeplan.Entry
	OrderID    int64
	PositionID int64
	EntryPrice float64
	Size       float64
	EntryTime  time.Time
}

func (t *Trade) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Trade) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// beginClose claims the close path. Only the first caller wins; the
// loser must leave the trade alone.
func (t *Trade) beginClose() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateMonitoring {
		return false
	}
	t.state = StateClosing
	return true
}

// Executor places, resolves and closes trades.
type Executor struct {
	client   Exchange
	sizer    VolumeSizer
	volumes  *ledger.DailyVolume
	history  *pnl.History
	recorder TradeRecorder
	notifier alert.Notifier
	logger   *zap.Logger
	clk      clock.Clock
	cfg      *config.Config

	execPollInterval time.Duration
	posPollInterval  time.Duration
}

func New(client Exchange, sizer VolumeSizer, volumes *ledger.DailyVolume, history *pnl.History, recorder TradeRecorder, notifier alert.Notifier, cfg *config.Config, logger *zap.Logger, clk clock.Clock) *Executor {
	return &Executor{
		client:   client,
		sizer:    sizer,
		volumes:  volumes,
		history:  history,
		recorder: recorder,
		notifier: notifier,
		logger:   logger,
		clk:      clk,
		cfg:      cfg,

		execPollInterval: executionPollInterval,
		posPollInterval:  positionPollInterval,
	}
}

// notify is best-effort; a dead notification channel never blocks a
// trade.
func (e *Executor) notify(message string) {
	if err := e.notifier.Send(message); err != nil {
		e.logger.Error("failed to send notification", zap.Error(err))
	}
}

// ExecuteEntry runs one plan entry up to the Monitoring state. A nil
// error means the returned trade holds a resolved open position.
func (e *Executor) ExecuteEntry(ctx context.Context, plan tradeplan.Entry) (*Trade, error) {
	trade := &Trade{Plan: plan, state: StateIdle}
	logger := e.logger.With(
		zap.String("symbol", plan.Symbol),
		zap.String("side", string(plan.Side)))

	size, orderID, err := e.placeEntry(ctx, trade, logger)
	if err != nil {
		if errors.As(err, new(*ledger.ErrLimitExceeded)) {
			trade.setState(StateFailed)
			e.notify(fmt.Sprintf("entry skipped %s %s: %v", plan.Symbol, plan.Side, err))
			return nil, err
		}
		// The exchange may have opened a position even though every
		// submission attempt reported failure. One probe before giving up.
		if adopted := e.adoptOpenPosition(ctx, trade, logger); adopted {
			return trade, nil
		}
		trade.setState(StateFailed)
		e.notify(fmt.Sprintf("entry failed %s %s: %v", plan.Symbol, plan.Side, err))
		return nil, err
	}

	if err := e.resolvePosition(ctx, trade, orderID, size, logger); err != nil {
		trade.setState(StateFailed)
		e.notify(fmt.Sprintf("entry %s %s: order %d accepted but position not found: %v",
			plan.Symbol, plan.Side, orderID, err))
		return nil, fmt.Errorf("%w: %v", ErrPositionNotResolved, err)
	}

	trade.setState(StateMonitoring)
	e.notify(fmt.Sprintf("entry filled %s %s price=%s size=%s",
		plan.Symbol, plan.Side,
		strconv.FormatFloat(trade.EntryPrice, 'f', -1, 64),
		strconv.FormatFloat(trade.Size, 'f', -1, 64)))
	logger.Info("entry filled",
		zap.Int64("positionId", trade.PositionID),
		zap.Float64("entryPrice", trade.EntryPrice),
		zap.Float64("size", trade.Size))
	return trade, nil
}

// placeEntry loops spread check and order submission until an order is
// accepted or attempts run out. It returns the reserved size and the
// accepted order id.
func (e *Executor) placeEntry(ctx context.Context, trade *Trade, logger *zap.Logger) (int64, int64, error) {
	plan := trade.Plan
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxEntryOrderAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-e.clk.After(e.cfg.EntryRetryInterval()):
			case <-ctx.Done():
				return 0, 0, ctx.Err()
			}
		}

		trade.setState(StateSpreadCheck)
		quote, err := e.client.Ticker(ctx, plan.Symbol)
		if err != nil {
			lastErr = fmt.Errorf("failed to fetch quote: %w", err)
			logger.Warn("entry attempt failed", zap.Int("attempt", attempt), zap.Error(lastErr))
			continue
		}
		if spread := quote.Spread(); spread > e.cfg.SpreadThreshold {
			lastErr = fmt.Errorf("spread %.5f exceeds threshold %.5f", spread, e.cfg.SpreadThreshold)
			logger.Warn("spread too wide", zap.Int("attempt", attempt), zap.Float64("spread", spread))
			e.notify(fmt.Sprintf("entry deferred %s: %v (attempt %d/%d)",
				plan.Symbol, lastErr, attempt, e.cfg.MaxEntryOrderAttempts))
			continue
		}

		trade.setState(StatePlacing)
		size, err := e.orderSize(ctx, plan)
		if err != nil {
			lastErr = err
			logger.Warn("sizing failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if err := e.volumes.Reserve(plan.Symbol, size); err != nil {
			return 0, 0, err
		}

		orders, err := e.client.SendOrder(ctx, gmo.OrderRequest{
			Symbol:        plan.Symbol,
			Side:          plan.Side,
			Size:          strconv.FormatInt(size, 10),
			ExecutionType: executionType,
			ClientOrderID: newClientOrderID(),
		})
		if err != nil {
			e.volumes.Release(plan.Symbol, size)
			lastErr = fmt.Errorf("order rejected: %w", err)
			logger.Warn("entry attempt failed", zap.Int("attempt", attempt), zap.Error(lastErr))
			continue
		}
		if len(orders) == 0 {
			e.volumes.Release(plan.Symbol, size)
			lastErr = fmt.Errorf("order response carried no order id")
			continue
		}

		trade.OrderID = orders[0].OrderID
		logger.Info("entry order accepted",
			zap.Int64("orderId", trade.OrderID),
			zap.Int64("size", size),
			zap.Int("attempt", attempt))
		return size, trade.OrderID, nil
	}
	return 0, 0, fmt.Errorf("entry attempts exhausted: %w", lastErr)
}

// orderSize picks the plan's fixed lot or auto-sizes from the account
// balance. Rows without a lot while autolot is off are sized with the
// substitute leverage instead of the configured one.
func (e *Executor) orderSize(ctx context.Context, plan tradeplan.Entry) (int64, error) {
	if plan.HasLot {
		return int64(plan.Lot), nil
	}
	assets, err := e.client.Assets(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch balance for sizing: %w", err)
	}
	leverage := e.cfg.Leverage
	if !e.cfg.Autolot.Bool() {
		leverage = fixedLotLeverage
	}
	return e.sizer.Size(ctx, assets.AvailableAmount, plan.Symbol, plan.Side, leverage)
}

// clientOrderId accepts alphanumerics only, max 36 chars.
func newClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// resolvePosition locates the order's position id and entry price:
// execution history first, open positions as the fallback authority.
func (e *Executor) resolvePosition(ctx context.Context, trade *Trade, orderID, size int64, logger *zap.Logger) error {
	trade.setState(StateResolvingPosition)

	var fills []gmo.Execution
	err := retry.DoFixed(ctx, executionPollAttempts, e.execPollInterval, func() error {
		var err error
		fills, err = e.client.Executions(ctx, orderID)
		if err != nil {
			return err
		}
		if len(fills) == 0 {
			return fmt.Errorf("no executions yet for order %d", orderID)
		}
		return nil
	})
	if err == nil {
		price, perr := gmo.AveragePrice(fills)
		if perr == nil {
			trade.PositionID = fills[0].PositionID
			trade.EntryPrice = price
			trade.Size = float64(size)
			trade.EntryTime = e.clk.Now()
			return nil
		}
		err = perr
	}
	logger.Warn("executions lookup failed, falling back to open positions", zap.Error(err))

	return retry.DoFixed(ctx, positionPollAttempts, e.posPollInterval, func() error {
		positions, err := e.client.OpenPositions(ctx, trade.Plan.Symbol)
		if err != nil {
			return err
		}
		pos, ok := latestPosition(positions, trade.Plan.Side)
		if !ok {
			return fmt.Errorf("no open %s position for %s", trade.Plan.Side, trade.Plan.Symbol)
		}
		trade.PositionID = pos.PositionID
		trade.EntryPrice = pos.Price
		trade.Size = pos.Size
		trade.EntryTime = e.clk.Now()
		return nil
	})
}

// adoptOpenPosition probes once for a position the exchange opened
// despite every submission attempt reporting failure.
func (e *Executor) adoptOpenPosition(ctx context.Context, trade *Trade, logger *zap.Logger) bool {
	positions, err := e.client.OpenPositions(ctx, trade.Plan.Symbol)
	if err != nil {
		logger.Warn("final position probe failed", zap.Error(err))
		return false
	}
	pos, ok := latestPosition(positions, trade.Plan.Side)
	if !ok {
		return false
	}

	trade.PositionID = pos.PositionID
	trade.EntryPrice = pos.Price
	trade.Size = pos.Size
	trade.EntryTime = e.clk.Now()
	trade.setState(StateMonitoring)
	logger.Warn("adopted position found after failed entry attempts",
		zap.Int64("positionId", pos.PositionID))
	e.notify(fmt.Sprintf("adopted unexpected open position %s %s (id %d)",
		trade.Plan.Symbol, trade.Plan.Side, pos.PositionID))
	return true
}

func latestPosition(positions []gmo.Position, side gmo.Side) (gmo.Position, bool) {
	var latest gmo.Position
	found := false
	for _, p := range positions {
		if p.Side != side {
			continue
		}
		if !found || p.OpenTime().After(latest.OpenTime()) {
			latest = p
			found = true
		}
	}
	return latest, found
}

// CloseTrade settles a monitored trade, records the result and returns
// it. reason names the exit path for logs and notifications.
func (e *Executor) CloseTrade(ctx context.Context, trade *Trade, reason string) (pnl.TradeResult, error) {
	if !trade.beginClose() {
		return pnl.TradeResult{}, ErrAlreadyClosing
	}
	logger := e.logger.With(
		zap.String("symbol", trade.Plan.Symbol),
		zap.Int64("positionId", trade.PositionID),
		zap.String("reason", reason))

	closeOrderID, err := e.submitClose(ctx, trade, logger)
	if err != nil {
		trade.setState(StateFailed)
		e.notify(fmt.Sprintf("close failed %s (position %d): %v",
			trade.Plan.Symbol, trade.PositionID, err))
		return pnl.TradeResult{}, err
	}

	exitPrice, fee := e.exitPrice(ctx, trade, closeOrderID, logger)
	result := e.buildResult(ctx, trade, exitPrice)
	if fee != 0 {
		result.ProfitAmount -= fee
	}
	e.history.Add(result)
	if e.recorder != nil {
		e.recorder.RecordTrade(result)
	}
	trade.setState(StateClosed)

	e.notify(fmt.Sprintf("closed %s %s (%s): %.1f pips / %.0f JPY",
		trade.Plan.Symbol, trade.Plan.Side, reason, result.ProfitPips, result.ProfitAmount))
	logger.Info("position closed",
		zap.Float64("exitPrice", exitPrice),
		zap.Float64("profitPips", result.ProfitPips),
		zap.Float64("profitAmount", result.ProfitAmount))
	return result, nil
}

// submitClose retries the settle order, then falls back to one manual
// close against freshly fetched positions.
func (e *Executor) submitClose(ctx context.Context, trade *Trade, logger *zap.Logger) (int64, error) {
	req := gmo.CloseOrderRequest{
		Symbol:        trade.Plan.Symbol,
		Side:          trade.Plan.Side.Opposite(),
		ExecutionType: executionType,
		SettlePosition: []gmo.SettlePosition{{
			PositionID: trade.PositionID,
			Size:       strconv.FormatFloat(trade.Size, 'f', -1, 64),
		}},
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxExitOrderAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-e.clk.After(e.cfg.ExitRetryInterval()):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		orders, err := e.client.CloseOrder(ctx, req)
		if err == nil && len(orders) > 0 {
			return orders[0].OrderID, nil
		}
		if err == nil {
			err = fmt.Errorf("close response carried no order id")
		}
		lastErr = err
		logger.Warn("close attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		e.notify(fmt.Sprintf("close attempt %d/%d failed for %s: %v",
			attempt, e.cfg.MaxExitOrderAttempts, trade.Plan.Symbol, err))
	}

	logger.Warn("close attempts exhausted, trying manual close", zap.Error(lastErr))
	orderID, err := e.manualClose(ctx, trade.Plan.Symbol, trade.PositionID)
	if err != nil {
		return 0, fmt.Errorf("manual close failed after %d attempts: %w",
			e.cfg.MaxExitOrderAttempts, err)
	}
	return orderID, nil
}

// manualClose re-fetches the position and settles whatever the
// exchange still reports, in case the tracked id went stale.
func (e *Executor) manualClose(ctx context.Context, symbol string, positionID int64) (int64, error) {
	positions, err := e.client.OpenPositions(ctx, symbol)
	if err != nil {
		return 0, err
	}
	for _, pos := range positions {
		if pos.PositionID != positionID {
			continue
		}
		orders, err := e.client.CloseOrder(ctx, closeRequestFor(pos))
		if err != nil {
			return 0, err
		}
		if len(orders) == 0 {
			return 0, fmt.Errorf("close response carried no order id")
		}
		return orders[0].OrderID, nil
	}
	return 0, fmt.Errorf("position %d no longer reported open", positionID)
}

// exitPrice resolves the close order's fill price and fee. Lookup
// failure is non-fatal; the current quote stands in and the trade is
// still recorded.
func (e *Executor) exitPrice(ctx context.Context, trade *Trade, closeOrderID int64, logger *zap.Logger) (float64, float64) {
	var fills []gmo.Execution
	err := retry.DoFixed(ctx, executionPollAttempts, e.execPollInterval, func() error {
		var err error
		fills, err = e.client.Executions(ctx, closeOrderID)
		if err != nil {
			return err
		}
		if len(fills) == 0 {
			return fmt.Errorf("no executions yet for close order %d", closeOrderID)
		}
		return nil
	})
	if err == nil {
		if price, perr := gmo.AveragePrice(fills); perr == nil {
			return price, gmo.TotalFee(fills)
		}
	}
	logger.Warn("close fill lookup failed, using current quote", zap.Error(err))

	quote, qerr := e.client.Ticker(ctx, trade.Plan.Symbol)
	if qerr != nil {
		logger.Warn("quote fallback failed, recording entry price as exit", zap.Error(qerr))
		return trade.EntryPrice, 0
	}
	if trade.Plan.Side == gmo.SideBuy {
		return quote.Bid, 0
	}
	return quote.Ask, 0
}

// buildResult computes the trade's pips and JPY amount, converting
// non-JPY-quoted profit through the USD/JPY bid when available.
func (e *Executor) buildResult(ctx context.Context, trade *Trade, exitPrice float64) pnl.TradeResult {
	conversion := 1.0
	if !strings.HasSuffix(trade.Plan.Symbol, "JPY") {
		if cross, err := e.client.Ticker(ctx, "USD_JPY"); err == nil && cross.Bid > 0 {
			conversion = cross.Bid
		} else {
			e.logger.Warn("conversion rate unavailable, recording unconverted profit",
				zap.String("symbol", trade.Plan.Symbol), zap.Error(err))
		}
	}
	return pnl.TradeResult{
		Symbol:     trade.Plan.Symbol,
		Side:       trade.Plan.Side,
		EntryPrice: trade.EntryPrice,
		ExitPrice:  exitPrice,
		ProfitPips: pnl.ProfitPips(trade.EntryPrice, exitPrice, trade.Plan.Side, trade.Plan.Symbol),
		ProfitAmount: pnl.ProfitAmount(trade.EntryPrice, exitPrice, trade.Plan.Side,
			trade.Plan.Symbol, trade.Size, conversion),
		LotSize:   trade.Size,
		EntryTime: trade.EntryTime,
		ExitTime:  e.clk.Now(),
	}
}

// ClosePosition settles one exchange-reported position outside any
// tracked trade, used by the sweep and close-all paths.
func (e *Executor) ClosePosition(ctx context.Context, pos gmo.Position) error {
	_, err := e.client.CloseOrder(ctx, closeRequestFor(pos))
	if err != nil {
		return fmt.Errorf("failed to close position %d: %w", pos.PositionID, err)
	}
	e.notify(fmt.Sprintf("force-closed %s %s position %d (size %.0f)",
		pos.Symbol, pos.Side, pos.PositionID, pos.Size))
	return nil
}

// CloseAll settles every open position on the account, best-effort.
// Failures are collected, not retried; the callers are stopping.
func (e *Executor) CloseAll(ctx context.Context) error {
	positions, err := e.client.OpenPositions(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list open positions: %w", err)
	}
	var errs []error
	for _, pos := range positions {
		if err := e.ClosePosition(ctx, pos); err != nil {
			e.logger.Error("close-all: position left open", zap.Int64("positionId", pos.PositionID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeRequestFor(pos gmo.Position) gmo.CloseOrderRequest {
	return gmo.CloseOrderRequest{
		Symbol:        pos.Symbol,
		Side:          pos.Side.Opposite(),
		ExecutionType: executionType,
		SettlePosition: []gmo.SettlePosition{{
			PositionID: pos.PositionID,
			Size:       strconv.FormatFloat(pos.Size, 'f', -1, 64),
		}},
	}
}
