// Package trader implements the per-symbol Trader state machine: the
// common lifecycle, order-event routing, and close/PnL bookkeeping shared
// by the Grid and Volatility strategies.
package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/ledger"
	"perpbot/internal/model"
)

// DestroyCallback notifies the Supervisor that a Trader reached a terminal
// state, so its slot can be reclaimed and cooldowns applied.
type DestroyCallback func(t *Trader, reason model.CloseReason, finalPnL decimal.Decimal)

// Trader advances one symbol's state machine in response to market events,
// user-data events and wall-clock ticks. Every event that mutates state
// passes through the single eventLoop goroutine, so the Grid/Volatility
// handlers never need their own locking against concurrent REST-call
// completions (spec.md §5's ordering guarantee).
type Trader struct {
	ID        string
	Symbol    model.Symbol
	Strategy  model.Strategy
	CreatedAt time.Time

	cfg     *config.Config
	adapter exchange.Adapter
	ledger  *ledger.Ledger
	log     *zap.Logger
	impl    Strategy

	onDestroy DestroyCallback

	mu sync.Mutex

	BasePrice decimal.Decimal
	LastPrice decimal.Decimal

	RealizedPnL decimal.Decimal
	FeesPaid    decimal.Decimal

	PendingEntries map[string]model.PendingEntry
	PendingExits   map[string]model.PendingExit
	Positions      map[string]*model.Position
	TradeHistory   []model.TradeRecord

	// TpHitSide is Volatility-only: set once the first leg's TP fires, so
	// any later TP (on either leg) is never mistaken for the initiating hit
	// (spec.md §3).
	TpHitSide *model.PositionSide

	active   bool
	terminal bool

	events chan exchange.Event
	ticks  chan decimal.Decimal
	done   chan struct{}
}

// New constructs a Trader bound to symbol and strategy. Call Start to
// place initial orders and begin processing events.
func New(cfg *config.Config, adapter exchange.Adapter, led *ledger.Ledger, log *zap.Logger, symbol model.Symbol, strategy model.Strategy, impl Strategy, onDestroy DestroyCallback) *Trader {
	return &Trader{
		ID:        fmt.Sprintf("TRD-%s-%s", symbol, uuid.NewString()[:8]),
		Symbol:    symbol,
		Strategy:  strategy,
		CreatedAt: time.Now(),

		cfg:     cfg,
		adapter: adapter,
		ledger:  led,
		log:     log.With(zap.String("trader", string(symbol)), zap.String("strategy", string(strategy))),
		impl:    impl,

		onDestroy: onDestroy,

		PendingEntries: make(map[string]model.PendingEntry),
		PendingExits:   make(map[string]model.PendingExit),
		Positions:      make(map[string]*model.Position),

		events: make(chan exchange.Event, 256),
		ticks:  make(chan decimal.Decimal, 256),
		done:   make(chan struct{}),
	}
}

// Start reads the base price, delegates to the strategy's Init to place
// entry orders, and launches the serial event loop.
func (t *Trader) Start(ctx context.Context) error {
	price, err := t.adapter.GetMarkPrice(ctx, t.Symbol)
	if err != nil {
		return fmt.Errorf("reading base price for %s: %w", t.Symbol, err)
	}

	t.mu.Lock()
	t.BasePrice = price
	t.LastPrice = price
	t.active = true
	t.mu.Unlock()

	if err := t.impl.Init(ctx, t); err != nil {
		return fmt.Errorf("initializing %s strategy for %s: %w", t.Strategy, t.Symbol, err)
	}

	go t.eventLoop(ctx)
	return nil
}

// Deliver queues an adapter event for this Trader. Safe to call from the
// adapter's fan-out goroutine; events are processed one at a time in the
// order they are delivered.
func (t *Trader) Deliver(ev exchange.Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *Trader) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case ev := <-t.events:
			t.handleEvent(ctx, ev)
		}
	}
}

func (t *Trader) handleEvent(ctx context.Context, ev exchange.Event) {
	if ev.Symbol != "" && ev.Symbol != t.Symbol {
		return
	}

	switch ev.Type {
	case exchange.EventMarkPrice:
		t.setLastPrice(ev.Price)
		if err := t.impl.OnPriceTick(ctx, t, ev.Price); err != nil {
			t.log.Warn("price tick handling failed", zap.Error(err))
		}

	case exchange.EventBookTicker:
		mid := ev.Bid.Add(ev.Ask).Div(decimal.NewFromInt(2))
		t.setLastPrice(mid)
		if err := t.impl.OnPriceTick(ctx, t, mid); err != nil {
			t.log.Warn("price tick handling failed", zap.Error(err))
		}

	case exchange.EventOrderFilled:
		t.routeFill(ctx, ev)

	case exchange.EventOrderCancelled:
		t.routeCancellation(ctx, ev)
	}
}

func (t *Trader) setLastPrice(p decimal.Decimal) {
	if p.IsZero() {
		return
	}
	t.mu.Lock()
	t.LastPrice = p
	t.mu.Unlock()
}

func (t *Trader) routeFill(ctx context.Context, ev exchange.Event) {
	t.mu.Lock()
	entry, isEntry := t.PendingEntries[ev.OrderID]
	if isEntry {
		delete(t.PendingEntries, ev.OrderID)
	}
	exit, isExit := t.PendingExits[ev.OrderID]
	if isExit {
		delete(t.PendingExits, ev.OrderID)
	}
	t.mu.Unlock()

	switch {
	case isEntry:
		if err := t.impl.OnEntryFill(ctx, t, ev, entry); err != nil {
			t.log.Error("entry fill handling failed", zap.Error(err))
		}
	case isExit:
		if err := t.impl.OnExitFill(ctx, t, ev, exit); err != nil {
			t.log.Error("exit fill handling failed", zap.Error(err))
		}
	default:
		t.log.Warn("fill event matched no pending order", zap.String("orderId", ev.OrderID))
	}
}

func (t *Trader) routeCancellation(ctx context.Context, ev exchange.Event) {
	t.mu.Lock()
	exit, isExit := t.PendingExits[ev.OrderID]
	if isExit {
		delete(t.PendingExits, ev.OrderID)
	}
	t.mu.Unlock()

	if !isExit {
		return
	}
	if err := t.impl.OnExitCancelled(ctx, t, ev, exit); err != nil {
		t.log.Error("exit cancellation handling failed", zap.Error(err))
	}
}

// AddPendingEntry registers a pending entry once the placement RPC has
// returned its order id. A fill for that order is still never handled
// before the record exists: strategies place orders from Init (before the
// event loop starts) or from inside handleEvent, and events delivered in
// the meantime wait in the Trader's queue.
func (t *Trader) AddPendingEntry(orderID string, pe model.PendingEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.PendingEntries[orderID] = pe
}

// AddPendingExit registers a pending exit the same way.
func (t *Trader) AddPendingExit(orderID string, pe model.PendingExit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.PendingExits[orderID] = pe
}

// RemovePendingExit drops a pending exit without processing it, used when
// a strategy cancels an order itself (the sibling of a just-filled exit).
func (t *Trader) RemovePendingExit(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.PendingExits, orderID)
}

// Position returns the Position with the given id, or nil.
func (t *Trader) Position(posID string) *model.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Positions[posID]
}

// PositionCount reports how many positions are currently open.
func (t *Trader) PositionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Positions)
}

// AddPosition installs a newly filled position.
func (t *Trader) AddPosition(p *model.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Positions[p.PosID] = p
}

// LastPriceValue returns the most recently observed price.
func (t *Trader) LastPriceValue() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.LastPrice
}

// UnrealizedPnL sums mark-to-market PnL across every open position.
func (t *Trader) UnrealizedPnL() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := decimal.Zero
	for _, p := range t.Positions {
		dir := decimal.NewFromInt(1)
		if p.Direction == model.Short {
			dir = decimal.NewFromInt(-1)
		}
		total = total.Add(t.LastPrice.Sub(p.EntryPrice).Mul(p.Quantity).Mul(dir))
	}
	return total
}

// FinalizeClose is the common close path both strategies call: mark the
// position closing, cancel its sibling exit, compute (or reconcile) P&L
// and fees, append trade history, update the Ledger, and destroy the
// Trader once no position remains open, with this close's reason. A close
// that leaves another position open does not end the Trader, whatever its
// reason.
func (t *Trader) FinalizeClose(ctx context.Context, pos *model.Position, exitOrderID string, exitPrice decimal.Decimal, reason model.CloseReason) {
	t.mu.Lock()
	if pos.IsClosing {
		t.mu.Unlock()
		return
	}
	pos.IsClosing = true

	var siblingID string
	if pos.TPOrderID != "" && pos.SLOrderID != "" {
		// whichever exit didn't just fire is the sibling to cancel.
		for id, exit := range t.PendingExits {
			if exit.PositionID == pos.PosID {
				siblingID = id
				delete(t.PendingExits, id)
				break
			}
		}
	}
	t.mu.Unlock()

	if siblingID != "" {
		if err := t.adapter.CancelOrder(ctx, t.Symbol, siblingID); err != nil {
			t.log.Warn("failed to cancel sibling exit order", zap.String("orderId", siblingID), zap.Error(err))
		}
	}

	dir := decimal.NewFromInt(1)
	if pos.Direction == model.Short {
		dir = decimal.NewFromInt(-1)
	}
	estimatedPnL := exitPrice.Sub(pos.EntryPrice).Mul(pos.Quantity).Mul(dir)
	estimatedFees := pos.EntryPrice.Add(exitPrice).Mul(pos.Quantity).Mul(decimal.NewFromFloat(t.cfg.FeeRate))

	pnl, fees := estimatedPnL, estimatedFees
	if t.cfg.Mode == config.ModeLive && exitOrderID != "" {
		if reconciledPnL, commission, err := t.adapter.GetOrderTrades(ctx, t.Symbol, exitOrderID); err == nil {
			pnl, fees = reconciledPnL, commission
		} else {
			t.log.Warn("failed to reconcile trade from exchange reports, using estimate", zap.Error(err))
		}
	}

	t.mu.Lock()
	delete(t.Positions, pos.PosID)
	t.RealizedPnL = t.RealizedPnL.Add(pnl)
	t.FeesPaid = t.FeesPaid.Add(fees)
	t.TradeHistory = append(t.TradeHistory, model.TradeRecord{
		Symbol:     t.Symbol,
		Direction:  pos.Direction,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		Quantity:   pos.Quantity,
		PnL:        pnl,
		Fees:       fees,
		Reason:     reason,
		ClosedAt:   time.Now(),
	})
	remaining := len(t.Positions)
	t.mu.Unlock()

	t.ledger.RecordTrade(pnl, fees)
	t.log.Info("position closed",
		zap.String("posId", pos.PosID),
		zap.String("reason", string(reason)),
		zap.String("pnl", pnl.String()))

	// The Trader's lifetime tracks its open exposure, not any single
	// close's reason: Volatility must survive its first leg's take-profit
	// to run the break-even rewrite on the surviving leg (spec.md §4.3).
	if remaining == 0 {
		t.Destroy(ctx, reason)
	}
}

// Destroy is idempotent, guarded by the active flag (spec.md §5).
func (t *Trader) Destroy(ctx context.Context, reason model.CloseReason) {
	t.mu.Lock()
	if !t.active || t.terminal {
		t.mu.Unlock()
		return
	}
	t.terminal = true
	t.active = false
	finalPnL := t.RealizedPnL
	t.mu.Unlock()

	close(t.done)

	if err := t.adapter.CancelAllOpenOrders(ctx, t.Symbol); err != nil {
		t.log.Warn("failed to cancel open orders on destroy", zap.Error(err))
	}

	if t.onDestroy != nil {
		t.onDestroy(t, reason, finalPnL)
	}
}

// IsActive reports whether the Trader is still running.
func (t *Trader) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Snapshot produces the ledger.TraderSnapshot this Trader currently
// represents, for the Ledger's dashboard-facing trader list.
func (t *Trader) Snapshot() ledger.TraderSnapshot {
	unrealized := t.UnrealizedPnL()

	t.mu.Lock()
	defer t.mu.Unlock()

	var dir model.PositionSide
	var entry, qty decimal.Decimal
	var openedAt time.Time
	for _, p := range t.Positions {
		dir = p.Direction
		entry = p.EntryPrice
		qty = p.Quantity
		openedAt = p.OpenedAt
		break
	}

	return ledger.TraderSnapshot{
		ID:            t.ID,
		Symbol:        string(t.Symbol),
		Strategy:      string(t.Strategy),
		Direction:     string(dir),
		EntryPrice:    entry,
		Quantity:      qty,
		UnrealizedPnL: unrealized,
		OpenedAt:      openedAt,
	}
}
