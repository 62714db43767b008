package trader

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/model"
)

// slCrossedTolerance is how close lastPrice may sit to the stop-loss level
// and still be treated as "already crossed" (spec.md §4.2).
const slCrossedTolerance = 0.0002 // 0.02%

// gridStrategy places symmetric long/short entries offset from basePrice
// and attaches a take-profit/stop-loss pair to each fill.
type gridStrategy struct{}

// NewGridStrategy returns the Grid trading discipline.
func NewGridStrategy() Strategy { return &gridStrategy{} }

func (g *gridStrategy) Init(ctx context.Context, t *Trader) error {
	spacing := decimal.NewFromFloat(t.cfg.LevelSpacingPercent).Div(decimal.NewFromInt(100))
	longPrice := t.BasePrice.Mul(decimal.NewFromInt(1).Sub(spacing))
	shortPrice := t.BasePrice.Mul(decimal.NewFromInt(1).Add(spacing))

	qty := gridOrderQuantity(t)

	longID, err := t.adapter.PlaceLimitOrder(ctx, model.Order{
		Symbol:       t.Symbol,
		Side:         model.Buy,
		Quantity:     qty,
		Price:        longPrice,
		PositionSide: model.Long,
	})
	if err != nil {
		return fmt.Errorf("placing grid long entry: %w", err)
	}
	t.AddPendingEntry(longID, model.PendingEntry{OrderID: longID, Direction: model.Long, Price: longPrice, Quantity: qty, LevelIndex: -1})

	shortID, err := t.adapter.PlaceLimitOrder(ctx, model.Order{
		Symbol:       t.Symbol,
		Side:         model.Sell,
		Quantity:     qty,
		Price:        shortPrice,
		PositionSide: model.Short,
	})
	if err != nil {
		return fmt.Errorf("placing grid short entry: %w", err)
	}
	t.AddPendingEntry(shortID, model.PendingEntry{OrderID: shortID, Direction: model.Short, Price: shortPrice, Quantity: qty, LevelIndex: 1})

	return nil
}

// gridOrderQuantity implements spec.md §4.2's sizing formula:
// qty = (equity * equityFraction * leverage) / (maxTraders * 2 * price).
func gridOrderQuantity(t *Trader) decimal.Decimal {
	equity := t.ledger.GetStatus().Equity
	numerator := equity.
		Mul(decimal.NewFromFloat(t.cfg.EquityFraction)).
		Mul(decimal.NewFromInt(int64(t.cfg.Leverage)))
	denominator := decimal.NewFromInt(int64(t.cfg.MaxTraders) * 2).Mul(t.BasePrice)
	if denominator.IsZero() {
		return decimal.Zero
	}
	return model.RoundDownToStep(numerator.Div(denominator), t.lotStep())
}

// lotStep fetches the step size from the adapter's cached exchange info,
// falling back to unrounded quantities if the cache is empty.
func (t *Trader) lotStep() decimal.Decimal {
	info, err := t.adapter.GetExchangeInfo(context.Background())
	if err != nil {
		return decimal.Zero
	}
	return info[t.Symbol].StepSize
}

func (g *gridStrategy) OnEntryFill(ctx context.Context, t *Trader, ev exchange.Event, entry model.PendingEntry) error {
	pos := &model.Position{
		PosID:      fmt.Sprintf("POS-%s-%d", t.Symbol, entry.LevelIndex),
		Symbol:     t.Symbol,
		Direction:  entry.Direction,
		EntryPrice: ev.FillPrice,
		Quantity:   ev.FillQuantity,
		LevelIndex: entry.LevelIndex,
	}

	tpPct := decimal.NewFromFloat(t.cfg.TakeProfitPercent).Div(decimal.NewFromInt(100))
	slPct := decimal.NewFromFloat(t.cfg.StopLossPercent).Div(decimal.NewFromInt(100))

	sign := decimal.NewFromInt(1)
	if pos.Direction == model.Short {
		sign = decimal.NewFromInt(-1)
	}
	pos.TakeProfitPrice = pos.EntryPrice.Mul(decimal.NewFromInt(1).Add(tpPct.Mul(sign)))
	pos.StopLossPrice = pos.EntryPrice.Mul(decimal.NewFromInt(1).Sub(slPct.Mul(sign)))

	t.AddPosition(pos)

	if slAlreadyCrossed(t.LastPriceValue(), pos) {
		t.log.Warn("stop-loss level already crossed at entry fill, closing immediately",
			zap.String("posId", pos.PosID))
		exitID, closeErr := t.adapter.ClosePositionMarket(ctx, t.Symbol, pos.Direction, pos.Quantity)
		if closeErr != nil {
			return fmt.Errorf("closing already-crossed position: %w", closeErr)
		}
		t.FinalizeClose(ctx, pos, exitID, t.LastPriceValue(), model.ReasonStopLoss)
		return nil
	}

	return placeGridExits(ctx, t, pos)
}

func slAlreadyCrossed(lastPrice decimal.Decimal, pos *model.Position) bool {
	if lastPrice.IsZero() {
		return false
	}
	tolerance := decimal.NewFromFloat(slCrossedTolerance)
	if pos.Direction == model.Long {
		threshold := pos.StopLossPrice.Mul(decimal.NewFromInt(1).Add(tolerance))
		return lastPrice.LessThanOrEqual(threshold)
	}
	threshold := pos.StopLossPrice.Mul(decimal.NewFromInt(1).Sub(tolerance))
	return lastPrice.GreaterThanOrEqual(threshold)
}

func placeGridExits(ctx context.Context, t *Trader, pos *model.Position) error {
	closeSide := model.Sell
	if pos.Direction == model.Short {
		closeSide = model.Buy
	}

	tpID, err := t.adapter.PlaceLimitOrder(ctx, model.Order{
		Symbol:       t.Symbol,
		Side:         closeSide,
		Quantity:     pos.Quantity,
		Price:        pos.TakeProfitPrice,
		ReduceOnly:   true,
		PositionSide: pos.Direction,
	})
	if err != nil {
		return fmt.Errorf("placing grid take-profit: %w", err)
	}
	pos.TPOrderID = tpID
	t.AddPendingExit(tpID, model.PendingExit{OrderID: tpID, PositionID: pos.PosID, Reason: model.ReasonTakeProfit, Price: pos.TakeProfitPrice})

	slID, err := t.adapter.PlaceStopLimitOrder(ctx, model.Order{
		Symbol:       t.Symbol,
		Side:         closeSide,
		Quantity:     pos.Quantity,
		StopPrice:    pos.StopLossPrice,
		Price:        pos.StopLossPrice,
		ReduceOnly:   true,
		PositionSide: pos.Direction,
	})
	if err != nil {
		var exErr *exchange.ExchangeError
		if errors.As(err, &exErr) && exErr.Code == exchange.CodeWouldImmediateTrig {
			t.log.Warn("stop-loss rejected as immediate-trigger, closing at market",
				zap.String("posId", pos.PosID))
			exitID, closeErr := t.adapter.ClosePositionMarket(ctx, t.Symbol, pos.Direction, pos.Quantity)
			if closeErr != nil {
				return fmt.Errorf("closing after sl rejection: %w", closeErr)
			}
			t.FinalizeClose(ctx, pos, exitID, t.LastPriceValue(), model.ReasonStopLoss)
			return nil
		}
		return fmt.Errorf("placing grid stop-loss: %w", err)
	}
	pos.SLOrderID = slID
	t.AddPendingExit(slID, model.PendingExit{OrderID: slID, PositionID: pos.PosID, Reason: model.ReasonStopLoss, Price: pos.StopLossPrice})

	return nil
}

func (g *gridStrategy) OnExitFill(ctx context.Context, t *Trader, ev exchange.Event, exit model.PendingExit) error {
	pos := t.Position(exit.PositionID)
	if pos == nil {
		t.log.Warn("exit fill for unknown position", zap.String("posId", exit.PositionID))
		return nil
	}
	t.RemovePendingExit(otherExitID(t, pos, ev.OrderID))
	t.FinalizeClose(ctx, pos, ev.OrderID, ev.FillPrice, exit.Reason)
	return nil
}

// otherExitID finds the sibling exit order id so FinalizeClose's own
// cleanup doesn't double-cancel an order that already filled.
func otherExitID(t *Trader, pos *model.Position, filledID string) string {
	if pos.TPOrderID == filledID {
		return pos.SLOrderID
	}
	return pos.TPOrderID
}

func (g *gridStrategy) OnExitCancelled(ctx context.Context, t *Trader, ev exchange.Event, exit model.PendingExit) error {
	pos := t.Position(exit.PositionID)
	if pos == nil || pos.IsClosing {
		return nil
	}
	if exit.Reason != model.ReasonStopLoss {
		return nil
	}

	t.log.Warn("stop-loss order cancelled unexpectedly, closing position to stay protected",
		zap.String("posId", pos.PosID))
	exitID, err := t.adapter.ClosePositionMarket(ctx, t.Symbol, pos.Direction, pos.Quantity)
	if err != nil {
		return fmt.Errorf("closing position after sl cancellation: %w", err)
	}
	t.FinalizeClose(ctx, pos, exitID, t.LastPriceValue(), model.ReasonSLRejected)
	return nil
}

// OnPriceTick implements the test-mode "force close" complement described
// in spec.md §4.2: any position whose TP or SL level has been crossed is
// finalized synchronously at that price, independent of the simulator's
// own order-matching.
func (g *gridStrategy) OnPriceTick(ctx context.Context, t *Trader, price decimal.Decimal) error {
	if t.cfg.Mode != config.ModeTest || t.PositionCount() == 0 {
		return nil
	}

	t.mu.Lock()
	var toClose []*model.Position
	var reasons []model.CloseReason
	for _, pos := range t.Positions {
		if pos.IsClosing {
			continue
		}
		if reason, hit := gridLevelHit(pos, price); hit {
			toClose = append(toClose, pos)
			reasons = append(reasons, reason)
		}
	}
	t.mu.Unlock()

	for i, pos := range toClose {
		t.FinalizeClose(ctx, pos, pos.TPOrderID, price, reasons[i])
	}
	return nil
}

func gridLevelHit(pos *model.Position, price decimal.Decimal) (model.CloseReason, bool) {
	if pos.Direction == model.Long {
		if price.GreaterThanOrEqual(pos.TakeProfitPrice) {
			return model.ReasonTakeProfit, true
		}
		if price.LessThanOrEqual(pos.StopLossPrice) {
			return model.ReasonStopLoss, true
		}
		return "", false
	}
	if price.LessThanOrEqual(pos.TakeProfitPrice) {
		return model.ReasonTakeProfit, true
	}
	if price.GreaterThanOrEqual(pos.StopLossPrice) {
		return model.ReasonStopLoss, true
	}
	return "", false
}
