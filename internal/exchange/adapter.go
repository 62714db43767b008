// Package exchange presents a symbol-agnostic trading interface — market
// data subscription, signed REST order operations, and an order-event
// stream — and transparently substitutes a deterministic simulator when
// running in test mode.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perpbot/internal/config"
	"perpbot/internal/model"
)

// EventType enumerates the normalised events the adapter fans out to every
// subscribed Trader.
type EventType string

const (
	EventMarkPrice      EventType = "markPrice"
	EventBookTicker     EventType = "bookTicker"
	EventOrderFilled    EventType = "orderFilled"
	EventOrderCancelled EventType = "orderCancelled"
)

// Event is the single variant type delivered on the adapter's event
// channel. Exactly one of the typed payload fields is populated, selected
// by Type.
type Event struct {
	Type   EventType
	Symbol model.Symbol

	// markPrice / bookTicker
	Price decimal.Decimal
	Bid   decimal.Decimal
	Ask   decimal.Decimal

	// orderFilled / orderCancelled — OrderID is the single normalised id;
	// NumericOrderID / ClientOrderID / AlgoID are carried so a consumer can
	// reverse-lookup a pending order by any of the three id spaces the
	// exchange may report.
	OrderID       string
	NumericOrderID string
	ClientOrderID string
	AlgoID        string

	FillPrice    decimal.Decimal
	FillQuantity decimal.Decimal
	Side         model.Side

	CancelStatus string
	OrderType    model.OrderType
}

// ExchangeError is a typed REST rejection, carrying the exchange's error
// code so strategies can dispatch on it (e.g. -2011, -2021 per spec.md §7).
type ExchangeError struct {
	Code    int
	Message string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Message)
}

const (
	CodeUnknownOrder      = -2011
	CodeWouldImmediateTrig = -2021
)

// Ticker24h is a 24h rolling statistics snapshot, used by the Scanner.
type Ticker24h struct {
	Symbol             model.Symbol
	PriceChangePercent decimal.Decimal
	QuoteVolume        decimal.Decimal
	HighPrice          decimal.Decimal
	LowPrice           decimal.Decimal
	LastPrice          decimal.Decimal
}

// DepthSnapshot is a best-bid/ask plus aggregate depth snapshot, used by
// the Scanner's liquidity filter.
type DepthSnapshot struct {
	Symbol   model.Symbol
	BidPrice decimal.Decimal
	AskPrice decimal.Decimal
	BidDepth decimal.Decimal
	AskDepth decimal.Decimal
}

// Kline is a single OHLCV candle.
type Kline struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// Adapter is the interface both strategies and the Supervisor drive. A
// live implementation talks to Binance Futures USDT-M; a test
// implementation runs entirely in memory.
type Adapter interface {
	// Market data
	StartMarketStreams(ctx context.Context, symbols []model.Symbol) error
	UpdateSymbols(ctx context.Context, symbols []model.Symbol) error
	StartUserDataStream(ctx context.Context) error

	// Event stream, fanned out to all subscribers.
	Events() <-chan Event

	// REST reads
	GetMarkPrice(ctx context.Context, symbol model.Symbol) (decimal.Decimal, error)
	GetTickerPrice(ctx context.Context, symbol model.Symbol) (decimal.Decimal, error)
	Get24hTickers(ctx context.Context) ([]Ticker24h, error)
	GetExchangeInfo(ctx context.Context) (map[model.Symbol]model.LotFilter, error)
	GetKlines(ctx context.Context, symbol model.Symbol, interval string, limit int) ([]Kline, error)
	GetDepth(ctx context.Context, symbol model.Symbol) (DepthSnapshot, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetPosition(ctx context.Context, symbol model.Symbol) (decimal.Decimal, error)
	GetOrderTrades(ctx context.Context, symbol model.Symbol, orderID string) (pnl, commission decimal.Decimal, err error)
	SetLeverage(ctx context.Context, symbol model.Symbol, leverage int) error

	// REST writes — all normalise quantity/price to the symbol's
	// step/tick size by floor-rounding before submission.
	PlaceLimitOrder(ctx context.Context, o model.Order) (string, error)
	PlaceStopLimitOrder(ctx context.Context, o model.Order) (string, error)
	PlaceMarketOrder(ctx context.Context, o model.Order) (string, error)
	CancelOrder(ctx context.Context, symbol model.Symbol, orderID string) error
	CancelAllOpenOrders(ctx context.Context, symbol model.Symbol) error
	ClosePositionMarket(ctx context.Context, symbol model.Symbol, side model.PositionSide, quantity decimal.Decimal) (string, error)
}

// NewAdapter selects the live or simulated implementation by cfg.Mode, so
// every caller only ever depends on the Adapter interface.
func NewAdapter(cfg *config.Config, logger *zap.Logger) Adapter {
	if cfg.Mode == config.ModeLive {
		return NewBinanceAdapter(cfg, logger)
	}
	return NewSimulator(cfg, logger)
}
