package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomiyuta/gmo-coin-bot/internal/alert"
	"github.com/tomiyuta/gmo-coin-bot/internal/config"
	"github.com/tomiyuta/gmo-coin-bot/internal/exchange/gmo"
	"github.com/tomiyuta/gmo-coin-bot/internal/ledger"
	"github.com/tomiyuta/gmo-coin-bot/internal/pnl"
	"github.com/tomiyuta/gmo-coin-bot/internal/tradeplan"
)

type mockExchange struct {
	mock.Mock
}

func (m *mockExchange) Assets(_ context.Context) (*gmo.AccountAssets, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gmo.AccountAssets), args.Error(1)
}

func (m *mockExchange) Ticker(_ context.Context, symbol string) (gmo.Ticker, error) {
	args := m.Called(symbol)
	return args.Get(0).(gmo.Ticker), args.Error(1)
}

func (m *mockExchange) SendOrder(_ context.Context, req gmo.OrderRequest) ([]gmo.Order, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]gmo.Order), args.Error(1)
}

func (m *mockExchange) CloseOrder(_ context.Context, req gmo.CloseOrderRequest) ([]gmo.Order, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]gmo.Order), args.Error(1)
}

func (m *mockExchange) Executions(_ context.Context, orderID int64) ([]gmo.Execution, error) {
	args := m.Called(orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]gmo.Execution), args.Error(1)
}

func (m *mockExchange) OpenPositions(_ context.Context, symbol string) ([]gmo.Position, error) {
	args := m.Called(symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]gmo.Position), args.Error(1)
}

type fixedSizer struct {
	size int64
	err  error
}

func (s *fixedSizer) Size(_ context.Context, _ float64, _ string, _ gmo.Side, _ float64) (int64, error) {
	return s.size, s.err
}

func testConfig() *config.Config {
	return &config.Config{
		SpreadThreshold:       0.01,
		MaxEntryOrderAttempts: 1,
		MaxExitOrderAttempts:  1,
		Leverage:              10,
		Autolot:               true,
		SymbolDailyVolumeLimit: 15_000_000,
	}
}

func newTestExecutor(exchange Exchange, cfg *config.Config, volumes *ledger.DailyVolume) (*Executor, *pnl.History) {
	history := pnl.NewHistory()
	e := New(exchange, &fixedSizer{size: 10000}, volumes, history, nil,
		alert.NewNoOpNotifier(), cfg, zap.NewNop(), clock.New())
	e.execPollInterval = time.Millisecond
	e.posPollInterval = time.Millisecond
	return e, history
}

func plan() tradeplan.Entry {
	return tradeplan.Entry{
		Side:      gmo.SideBuy,
		Symbol:    "USD_JPY",
		EntryTime: time.Now(),
		ExitTime:  time.Now().Add(time.Hour),
	}
}

func TestExecuteEntryHappyPath(t *testing.T) {
	exchange := new(mockExchange)
	exchange.On("Ticker", "USD_JPY").Return(gmo.Ticker{Symbol: "USD_JPY", Bid: 149.998, Ask: 150.000}, nil)
	exchange.On("Assets").Return(&gmo.AccountAssets{Balance: 100_000, AvailableAmount: 100_000}, nil)
	exchange.On("SendOrder", mock.MatchedBy(func(req gmo.OrderRequest) bool {
		return req.Symbol == "USD_JPY" && req.Side == gmo.SideBuy &&
			req.Size == "10000" && req.ExecutionType == "MARKET" && req.ClientOrderID != ""
	})).Return([]gmo.Order{{OrderID: 101}}, nil).Once()
	exchange.On("Executions", int64(101)).Return([]gmo.Execution{
		{OrderID: 101, PositionID: 501, Price: 150.000, Size: 10000},
	}, nil).Once()

	volumes := ledger.NewDailyVolume(15_000_000)
	e, _ := newTestExecutor(exchange, testConfig(), volumes)

	trade, err := e.ExecuteEntry(context.Background(), plan())
	require.NoError(t, err)
	assert.Equal(t, StateMonitoring, trade.State())
	assert.Equal(t, int64(501), trade.PositionID)
	assert.Equal(t, 150.000, trade.EntryPrice)
	assert.Equal(t, int64(10000), volumes.Volume("USD_JPY"))
	exchange.AssertExpectations(t)
}

func TestExecuteEntrySpreadTooWide(t *testing.T) {
	exchange := new(mockExchange)
	exchange.On("Ticker", "USD_JPY").Return(gmo.Ticker{Symbol: "USD_JPY", Bid: 149.900, Ask: 150.000}, nil)
	exchange.On("OpenPositions", "USD_JPY").Return([]gmo.Position{}, nil).Once()

	e, _ := newTestExecutor(exchange, testConfig(), ledger.NewDailyVolume(15_000_000))

	_, err := e.ExecuteEntry(context.Background(), plan())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spread")
	exchange.AssertNotCalled(t, "SendOrder", mock.Anything)
}

func TestExecuteEntryVolumeCapFailsClosed(t *testing.T) {
	exchange := new(mockExchange)
	exchange.On("Ticker", "USD_JPY").Return(gmo.Ticker{Symbol: "USD_JPY", Bid: 149.998, Ask: 150.000}, nil)
	exchange.On("Assets").Return(&gmo.AccountAssets{AvailableAmount: 100_000}, nil)

	volumes := ledger.NewDailyVolume(5000)
	e, _ := newTestExecutor(exchange, testConfig(), volumes)

	_, err := e.ExecuteEntry(context.Background(), plan())
	var limitErr *ledger.ErrLimitExceeded
	require.ErrorAs(t, err, &limitErr)
	assert.Zero(t, volumes.Volume("USD_JPY"))
	exchange.AssertNotCalled(t, "SendOrder", mock.Anything)
}

func TestExecuteEntryReleasesVolumeOnRejection(t *testing.T) {
	exchange := new(mockExchange)
	exchange.On("Ticker", "USD_JPY").Return(gmo.Ticker{Symbol: "USD_JPY", Bid: 149.998, Ask: 150.000}, nil)
	exchange.On("Assets").Return(&gmo.AccountAssets{AvailableAmount: 100_000}, nil)
	exchange.On("SendOrder", mock.Anything).Return(nil, errors.New("rejected")).Once()
	exchange.On("OpenPositions", "USD_JPY").Return([]gmo.Position{}, nil).Once()

	volumes := ledger.NewDailyVolume(15_000_000)
	e, _ := newTestExecutor(exchange, testConfig(), volumes)

	_, err := e.ExecuteEntry(context.Background(), plan())
	require.Error(t, err)
	assert.Zero(t, volumes.Volume("USD_JPY"))
}

func TestExecuteEntryFallsBackToOpenPositions(t *testing.T) {
	exchange := new(mockExchange)
	exchange.On("Ticker", "USD_JPY").Return(gmo.Ticker{Symbol: "USD_JPY", Bid: 149.998, Ask: 150.000}, nil)
	exchange.On("Assets").Return(&gmo.AccountAssets{AvailableAmount: 100_000}, nil)
	exchange.On("SendOrder", mock.Anything).Return([]gmo.Order{{OrderID: 102}}, nil).Once()
	exchange.On("Executions", int64(102)).Return(nil, errors.New("not ready"))
	exchange.On("OpenPositions", "USD_JPY").Return([]gmo.Position{
		{PositionID: 502, Symbol: "USD_JPY", Side: gmo.SideBuy, Price: 150.001, Size: 10000},
	}, nil).Once()

	e, _ := newTestExecutor(exchange, testConfig(), ledger.NewDailyVolume(15_000_000))

	trade, err := e.ExecuteEntry(context.Background(), plan())
	require.NoError(t, err)
	assert.Equal(t, int64(502), trade.PositionID)
	assert.Equal(t, 150.001, trade.EntryPrice)
}

func TestExecuteEntryResolveFailureIsTyped(t *testing.T) {
	exchange := new(mockExchange)
	exchange.On("Ticker", "USD_JPY").Return(gmo.Ticker{Symbol: "USD_JPY", Bid: 149.998, Ask: 150.000}, nil)
	exchange.On("Assets").Return(&gmo.AccountAssets{AvailableAmount: 100_000}, nil)
	exchange.On("SendOrder", mock.Anything).Return([]gmo.Order{{OrderID: 103}}, nil).Once()
	exchange.On("Executions", int64(103)).Return([]gmo.Execution{}, nil)
	exchange.On("OpenPositions", "USD_JPY").Return([]gmo.Position{}, nil)

	e, _ := newTestExecutor(exchange, testConfig(), ledger.NewDailyVolume(15_000_000))

	_, err := e.ExecuteEntry(context.Background(), plan())
	assert.ErrorIs(t, err, ErrPositionNotResolved)
}

func TestExecuteEntryAdoptsUnexpectedPosition(t *testing.T) {
	exchange := new(mockExchange)
	exchange.On("Ticker", "USD_JPY").Return(gmo.Ticker{Symbol: "USD_JPY", Bid: 149.998, Ask: 150.000}, nil)
	exchange.On("Assets").Return(&gmo.AccountAssets{AvailableAmount: 100_000}, nil)
	exchange.On("SendOrder", mock.Anything).Return(nil, errors.New("timeout")).Once()
	exchange.On("OpenPositions", "USD_JPY").Return([]gmo.Position{
		{PositionID: 503, Symbol: "USD_JPY", Side: gmo.SideBuy, Price: 150.002, Size: 10000},
	}, nil).Once()

	e, _ := newTestExecutor(exchange, testConfig(), ledger.NewDailyVolume(15_000_000))

	trade, err := e.ExecuteEntry(context.Background(), plan())
	require.NoError(t, err)
	assert.Equal(t, StateMonitoring, trade.State())
	assert.Equal(t, int64(503), trade.PositionID)
}

func monitoredTrade() *Trade {
	return &Trade{
		state:      StateMonitoring,
		Plan:       plan(),
		OrderID:    101,
		PositionID: 501,
		EntryPrice: 150.000,
		Size:       10000,
		EntryTime:  time.Now().Add(-time.Hour),
	}
}

func TestCloseTradeHappyPath(t *testing.T) {
	exchange := new(mockExchange)
	exchange.On("CloseOrder", mock.MatchedBy(func(req gmo.CloseOrderRequest) bool {
		return req.Symbol == "USD_JPY" && req.Side == gmo.SideSell &&
			len(req.SettlePosition) == 1 && req.SettlePosition[0].PositionID == 501
	})).Return([]gmo.Order{{OrderID: 201}}, nil).Once()
	exchange.On("Executions", int64(201)).Return([]gmo.Execution{
		{OrderID: 201, Price: 150.132, Size: 10000},
	}, nil).Once()

	e, history := newTestExecutor(exchange, testConfig(), ledger.NewDailyVolume(15_000_000))
	trade := monitoredTrade()

	result, err := e.CloseTrade(context.Background(), trade, "scheduled")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, trade.State())
	assert.InDelta(t, 13.2, result.ProfitPips, 1e-9)
	assert.InDelta(t, 1320.0, result.ProfitAmount, 1e-9)
	assert.Equal(t, 1, history.Len())
	exchange.AssertExpectations(t)
}

func TestCloseTradeSingleFlight(t *testing.T) {
	e, _ := newTestExecutor(new(mockExchange), testConfig(), ledger.NewDailyVolume(15_000_000))
	trade := monitoredTrade()
	trade.state = StateClosing

	_, err := e.CloseTrade(context.Background(), trade, "stop_loss")
	assert.ErrorIs(t, err, ErrAlreadyClosing)
}

func TestCloseTradeManualFallback(t *testing.T) {
	exchange := new(mockExchange)
	// The settled close fails; the manual fallback re-fetches the
	// position and succeeds.
	exchange.On("CloseOrder", mock.MatchedBy(func(req gmo.CloseOrderRequest) bool {
		return req.SettlePosition[0].Size == "10000"
	})).Return(nil, errors.New("rejected")).Once()
	exchange.On("OpenPositions", "USD_JPY").Return([]gmo.Position{
		{PositionID: 501, Symbol: "USD_JPY", Side: gmo.SideBuy, Price: 150.000, Size: 8000},
	}, nil).Once()
	exchange.On("CloseOrder", mock.MatchedBy(func(req gmo.CloseOrderRequest) bool {
		return req.SettlePosition[0].Size == "8000"
	})).Return([]gmo.Order{{OrderID: 202}}, nil).Once()
	exchange.On("Executions", int64(202)).Return([]gmo.Execution{
		{OrderID: 202, Price: 149.950, Size: 8000},
	}, nil).Once()

	e, history := newTestExecutor(exchange, testConfig(), ledger.NewDailyVolume(15_000_000))

	result, err := e.CloseTrade(context.Background(), monitoredTrade(), "scheduled")
	require.NoError(t, err)
	assert.InDelta(t, -5.0, result.ProfitPips, 1e-9)
	assert.Equal(t, 1, history.Len())
	exchange.AssertExpectations(t)
}

func TestCloseTradeFillLookupFallsBackToQuote(t *testing.T) {
	exchange := new(mockExchange)
	exchange.On("CloseOrder", mock.Anything).Return([]gmo.Order{{OrderID: 203}}, nil).Once()
	exchange.On("Executions", int64(203)).Return(nil, errors.New("unavailable"))
	exchange.On("Ticker", "USD_JPY").Return(gmo.Ticker{Symbol: "USD_JPY", Bid: 150.050, Ask: 150.052}, nil)

	e, history := newTestExecutor(exchange, testConfig(), ledger.NewDailyVolume(15_000_000))

	result, err := e.CloseTrade(context.Background(), monitoredTrade(), "take_profit")
	require.NoError(t, err)
	assert.Equal(t, 150.050, result.ExitPrice) // bid closes a BUY
	assert.Equal(t, 1, history.Len())
}

func TestCloseAllBestEffort(t *testing.T) {
	exchange := new(mockExchange)
	exchange.On("OpenPositions", "").Return([]gmo.Position{
		{PositionID: 601, Symbol: "USD_JPY", Side: gmo.SideBuy, Size: 1000},
		{PositionID: 602, Symbol: "EUR_JPY", Side: gmo.SideSell, Size: 2000},
	}, nil).Once()
	exchange.On("CloseOrder", mock.MatchedBy(func(req gmo.CloseOrderRequest) bool {
		return req.SettlePosition[0].PositionID == 601
	})).Return(nil, errors.New("rejected")).Once()
	exchange.On("CloseOrder", mock.MatchedBy(func(req gmo.CloseOrderRequest) bool {
		return req.SettlePosition[0].PositionID == 602
	})).Return([]gmo.Order{{OrderID: 301}}, nil).Once()

	e, _ := newTestExecutor(exchange, testConfig(), ledger.NewDailyVolume(15_000_000))

	err := e.CloseAll(context.Background())
	require.Error(t, err) // the failed close surfaces
	exchange.AssertExpectations(t)
}
