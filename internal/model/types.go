// Package model holds the exchange-agnostic data types shared by the
// adapter, strategies, supervisor and ledger.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is an opaque identifier string used as the routing key for market
// events (e.g. "BTCUSDT").
type Symbol string

// Side is the trade direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType enumerates the order types the adapter accepts.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLimit  OrderType = "STOP_LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeMarket     OrderType = "MARKET"
)

// PositionSide distinguishes hedge-mode legs on the same symbol.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// Order is the normalised representation of an exchange order. The
// identifier is opaque: the adapter may use multiple id spaces internally
// (algo-order client ids vs numeric exchange ids) but only ever exposes a
// single normalised OrderID to strategies.
type Order struct {
	OrderID      string
	Symbol       Symbol
	Side         Side
	Type         OrderType
	Quantity     decimal.Decimal
	Price        decimal.Decimal // zero value means "not set"
	StopPrice    decimal.Decimal
	ReduceOnly   bool
	PositionSide PositionSide
}

// CloseReason records why a position was closed; it is surfaced to the
// dashboard via trade-history entries and drives Trader-termination
// bookkeeping in the Supervisor.
type CloseReason string

const (
	ReasonTakeProfit  CloseReason = "take-profit"
	ReasonStopLoss    CloseReason = "stop-loss"
	ReasonSLRejected  CloseReason = "sl-rejected"
	ReasonBaseClose   CloseReason = "base-close"
	ReasonManualClose CloseReason = "manual-close"
)

// Position is a single open leg on a symbol. Invariant: while IsClosing is
// false, exactly one reduce-only TP order and one reduce-only SL order must
// be live on the exchange, OR the position is in the transient interval
// between entry fill and exit-orders-placed.
type Position struct {
	PosID           string
	Symbol          Symbol
	Direction       PositionSide
	EntryPrice      decimal.Decimal
	Quantity        decimal.Decimal
	TakeProfitPrice decimal.Decimal
	StopLossPrice   decimal.Decimal
	TPOrderID       string
	SLOrderID       string
	LevelIndex      int
	IsClosing       bool
	OpenedAt        time.Time
}

// PendingEntry is an unfilled entry order awaiting a fill event. Invariant:
// for every PendingEntry no Position exists at the same LevelIndex.
type PendingEntry struct {
	OrderID    string
	Direction  PositionSide
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	LevelIndex int
}

// PendingExit is an unfilled TP/SL/base-close order awaiting a fill or
// cancellation event. Invariant: for every live PendingExit, its
// referenced Position exists and is not closing.
type PendingExit struct {
	OrderID    string
	PositionID string
	Reason     CloseReason
	Price      decimal.Decimal
}

// TradeRecord is a single closed trade appended to a Trader's history and
// folded into the Ledger.
type TradeRecord struct {
	Symbol     Symbol
	Direction  PositionSide
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Quantity   decimal.Decimal
	PnL        decimal.Decimal
	Fees       decimal.Decimal
	Reason     CloseReason
	ClosedAt   time.Time
}

// Strategy names the two trading disciplines a Trader may run.
type Strategy string

const (
	StrategyGrid       Strategy = "GRID"
	StrategyVolatility Strategy = "VOLATILITY"
)

// LotFilter carries the per-symbol tick/step rounding rules extracted from
// exchange-info.
type LotFilter struct {
	TickSize decimal.Decimal
	StepSize decimal.Decimal
}

// RoundDownToStep floor-rounds v to the nearest multiple of step. A zero or
// negative step is treated as "no rounding."
func RoundDownToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	units := v.Div(step).Floor()
	return units.Mul(step)
}
