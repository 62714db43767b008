package trader

import (
	"context"

	"github.com/shopspring/decimal"

	"perpbot/internal/exchange"
	"perpbot/internal/model"
)

// Strategy is the hook set a trading discipline (Grid, Volatility) must
// implement. Every method operates on the owning Trader's state directly —
// the Trader exclusively owns its positions and pending orders (spec.md
// §3's Ownership rule); the strategy only decides what to do with them.
type Strategy interface {
	// Init places the initial entry orders once basePrice has been read.
	Init(ctx context.Context, t *Trader) error

	// OnEntryFill runs when a pending entry order fills, turning it into a
	// Position and attaching exit orders.
	OnEntryFill(ctx context.Context, t *Trader, ev exchange.Event, entry model.PendingEntry) error

	// OnExitFill runs when a pending exit order (TP/SL/base-close) fills.
	OnExitFill(ctx context.Context, t *Trader, ev exchange.Event, exit model.PendingExit) error

	// OnExitCancelled runs when a pending exit order is cancelled by the
	// exchange (not by the strategy itself cancelling its sibling).
	OnExitCancelled(ctx context.Context, t *Trader, ev exchange.Event, exit model.PendingExit) error

	// OnPriceTick runs on every markPrice/bookTicker event, after any
	// matching pending-order logic above. In test mode this is where the
	// "force close" complement to the simulator lives (spec.md §4.2).
	OnPriceTick(ctx context.Context, t *Trader, price decimal.Decimal) error
}
