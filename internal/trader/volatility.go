package trader

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/model"
)

// volatilityStrategy opens opposing long/short market legs of equal size;
// once one leg reaches TP, the surviving leg's exit is rewritten to break
// even at basePrice while its original SL is preserved (spec.md §4.3).
type volatilityStrategy struct{}

// NewVolatilityStrategy returns the Volatility trading discipline.
func NewVolatilityStrategy() Strategy { return &volatilityStrategy{} }

func (v *volatilityStrategy) Init(ctx context.Context, t *Trader) error {
	qty := volatilityOrderQuantity(t)

	longID, err := t.adapter.PlaceMarketOrder(ctx, model.Order{
		Symbol:       t.Symbol,
		Side:         model.Buy,
		Quantity:     qty,
		PositionSide: model.Long,
	})
	if err != nil {
		return fmt.Errorf("placing volatility long leg: %w", err)
	}
	t.AddPendingEntry(longID, model.PendingEntry{OrderID: longID, Direction: model.Long, Quantity: qty})

	shortID, err := t.adapter.PlaceMarketOrder(ctx, model.Order{
		Symbol:       t.Symbol,
		Side:         model.Sell,
		Quantity:     qty,
		PositionSide: model.Short,
	})
	if err != nil {
		return fmt.Errorf("placing volatility short leg: %w", err)
	}
	t.AddPendingEntry(shortID, model.PendingEntry{OrderID: shortID, Direction: model.Short, Quantity: qty})

	return nil
}

// volatilityOrderQuantity: qty = notional * leverage / basePrice, floor-
// rounded to the lot step (spec.md §4.3).
func volatilityOrderQuantity(t *Trader) decimal.Decimal {
	notional := decimal.NewFromFloat(t.cfg.VolatilityPositionNotionalUSDT).Mul(decimal.NewFromInt(int64(t.cfg.Leverage)))
	if t.BasePrice.IsZero() {
		return decimal.Zero
	}
	return model.RoundDownToStep(notional.Div(t.BasePrice), t.lotStep())
}

func (v *volatilityStrategy) OnEntryFill(ctx context.Context, t *Trader, ev exchange.Event, entry model.PendingEntry) error {
	pos := &model.Position{
		PosID:      fmt.Sprintf("POS-%s-%s", t.Symbol, entry.Direction),
		Symbol:     t.Symbol,
		Direction:  entry.Direction,
		EntryPrice: ev.FillPrice,
		Quantity:   ev.FillQuantity,
		OpenedAt:   time.Now(),
	}

	tpPct := decimal.NewFromFloat(t.cfg.VolatilityTakeProfitPercent).Div(decimal.NewFromInt(100))
	slPct := decimal.NewFromFloat(t.cfg.VolatilityStopLossPercent).Div(decimal.NewFromInt(100))

	sign := decimal.NewFromInt(1)
	if pos.Direction == model.Short {
		sign = decimal.NewFromInt(-1)
	}
	// TP/SL are referenced from basePrice, not per-leg entry (spec.md §4.3).
	pos.TakeProfitPrice = t.BasePrice.Mul(decimal.NewFromInt(1).Add(tpPct.Mul(sign)))
	pos.StopLossPrice = t.BasePrice.Mul(decimal.NewFromInt(1).Sub(slPct.Mul(sign)))

	t.AddPosition(pos)
	return placeVolatilityExits(ctx, t, pos, pos.TakeProfitPrice)
}

func placeVolatilityExits(ctx context.Context, t *Trader, pos *model.Position, tpPrice decimal.Decimal) error {
	closeSide := model.Sell
	if pos.Direction == model.Short {
		closeSide = model.Buy
	}

	tpID, err := t.adapter.PlaceLimitOrder(ctx, model.Order{
		Symbol:       t.Symbol,
		Side:         closeSide,
		Quantity:     pos.Quantity,
		Price:        tpPrice,
		ReduceOnly:   true,
		PositionSide: pos.Direction,
	})
	if err != nil {
		return fmt.Errorf("placing volatility take-profit: %w", err)
	}
	pos.TPOrderID = tpID
	t.AddPendingExit(tpID, model.PendingExit{OrderID: tpID, PositionID: pos.PosID, Reason: model.ReasonTakeProfit, Price: tpPrice})

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
		return fmt.Errorf("placing volatility stop-loss: %w", err)
	}
	pos.SLOrderID = slID
	t.AddPendingExit(slID, model.PendingExit{OrderID: slID, PositionID: pos.PosID, Reason: model.ReasonStopLoss, Price: pos.StopLossPrice})

	return nil
}

func (v *volatilityStrategy) OnExitFill(ctx context.Context, t *Trader, ev exchange.Event, exit model.PendingExit) error {
	pos := t.Position(exit.PositionID)
	if pos == nil {
		t.log.Warn("exit fill for unknown position", zap.String("posId", exit.PositionID))
		return nil
	}

	if exit.Reason != model.ReasonTakeProfit {
		t.RemovePendingExit(otherExitID(t, pos, ev.OrderID))
		t.FinalizeClose(ctx, pos, ev.OrderID, ev.FillPrice, exit.Reason)
		return nil
	}

	t.mu.Lock()
	alreadyHit := t.TpHitSide != nil
	if !alreadyHit {
		dir := pos.Direction
		t.TpHitSide = &dir
	}
	t.mu.Unlock()

	if alreadyHit {
		// second TP of the pair, or a TP after the break-even rewrite: a
		// normal close.
		t.RemovePendingExit(otherExitID(t, pos, ev.OrderID))
		t.FinalizeClose(ctx, pos, ev.OrderID, ev.FillPrice, exit.Reason)
		return nil
	}

	t.RemovePendingExit(otherExitID(t, pos, ev.OrderID))
	t.FinalizeClose(ctx, pos, ev.OrderID, ev.FillPrice, model.ReasonTakeProfit)

	return v.rewriteSurvivingLeg(ctx, t, pos.Direction)
}

// rewriteSurvivingLeg implements the TP-then-rewrite protocol: the
// surviving leg's TP and SL are cancelled and replaced with a break-even
// TP at basePrice plus the original SL re-placed at the same price
// (spec.md §4.3).
func (v *volatilityStrategy) rewriteSurvivingLeg(ctx context.Context, t *Trader, hitDirection model.PositionSide) error {
	survivingDirection := model.Long
	if hitDirection == model.Long {
		survivingDirection = model.Short
	}

	var survivor *model.Position
	t.mu.Lock()
	for _, p := range t.Positions {
		if p.Direction == survivingDirection {
			survivor = p
			break
		}
	}
	t.mu.Unlock()
	if survivor == nil {
		return nil
	}

	if err := t.adapter.CancelOrder(ctx, t.Symbol, survivor.TPOrderID); err != nil {
		t.log.Warn("failed to cancel surviving leg's take-profit", zap.Error(err))
	}
	t.RemovePendingExit(survivor.TPOrderID)
	if err := t.adapter.CancelOrder(ctx, t.Symbol, survivor.SLOrderID); err != nil {
		t.log.Warn("failed to cancel surviving leg's stop-loss", zap.Error(err))
	}
	t.RemovePendingExit(survivor.SLOrderID)

	lastPrice := t.LastPriceValue()
	if breakEvenAlreadyPassed(survivor, t.BasePrice, lastPrice) {
		t.log.Warn("price already passed basePrice against surviving leg, closing at market",
			zap.String("posId", survivor.PosID))
		exitID, err := t.adapter.ClosePositionMarket(ctx, t.Symbol, survivor.Direction, survivor.Quantity)
		if err != nil {
			return fmt.Errorf("market-closing surviving leg past basePrice: %w", err)
		}
		t.FinalizeClose(ctx, survivor, exitID, lastPrice, model.ReasonBaseClose)
		return nil
	}

	survivor.TakeProfitPrice = t.BasePrice
	if err := placeVolatilityExits(ctx, t, survivingLegReset(survivor), t.BasePrice); err != nil {
		t.log.Warn("failed to place break-even take-profit, closing at market", zap.Error(err))
		exitID, closeErr := t.adapter.ClosePositionMarket(ctx, t.Symbol, survivor.Direction, survivor.Quantity)
		if closeErr != nil {
			return fmt.Errorf("market-closing surviving leg after rewrite failure: %w", closeErr)
		}
		t.FinalizeClose(ctx, survivor, exitID, lastPrice, model.ReasonBaseClose)
	}
	return nil
}

// survivingLegReset clears the stale order ids before placeVolatilityExits
// installs the new ones, keeping the same Position value (and the same map
// entry, since PosID is unchanged).
func survivingLegReset(p *model.Position) *model.Position {
	p.TPOrderID = ""
	p.SLOrderID = ""
	return p
}

// breakEvenAlreadyPassed reports whether a break-even exit at basePrice
// would immediately cross the market rather than rest as intended (the
// same "already crossed" concern as the Grid stop-loss pre-check).
func breakEvenAlreadyPassed(pos *model.Position, basePrice, lastPrice decimal.Decimal) bool {
	if lastPrice.IsZero() {
		return false
	}
	if pos.Direction == model.Long {
		return lastPrice.GreaterThanOrEqual(basePrice)
	}
	return lastPrice.LessThanOrEqual(basePrice)
}

func (v *volatilityStrategy) OnExitCancelled(ctx context.Context, t *Trader, ev exchange.Event, exit model.PendingExit) error {
	// Only cancellations the Trader did not issue itself reach this hook:
	// the rewrite protocol and FinalizeClose drop an exit from PendingExits
	// before cancelling it, so those cancellation events match nothing.
	// An external cancellation is ignored here: no replacement exit is
	// placed and the position is not closed. In test mode OnPriceTick still
	// force-closes the position at its TP/SL levels; in live mode nothing
	// else closes it.
	return nil
}

func (v *volatilityStrategy) OnPriceTick(ctx context.Context, t *Trader, price decimal.Decimal) error {
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
		if reason, hit := volatilityLevelHit(pos, price); hit {
			toClose = append(toClose, pos)
			reasons = append(reasons, reason)
		}
	}
	t.mu.Unlock()

	for i, pos := range toClose {
		if reasons[i] == model.ReasonTakeProfit {
			t.mu.Lock()
			alreadyHit := t.TpHitSide != nil
			if !alreadyHit {
				dir := pos.Direction
				t.TpHitSide = &dir
			}
			t.mu.Unlock()

			t.FinalizeClose(ctx, pos, pos.TPOrderID, price, model.ReasonTakeProfit)
			if !alreadyHit {
				if err := v.rewriteSurvivingLeg(ctx, t, pos.Direction); err != nil {
					t.log.Warn("failed to rewrite surviving leg after forced tp close", zap.Error(err))
				}
			}
			continue
		}
		t.FinalizeClose(ctx, pos, pos.SLOrderID, price, reasons[i])
	}
	return nil
}

func volatilityLevelHit(pos *model.Position, price decimal.Decimal) (model.CloseReason, bool) {
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
