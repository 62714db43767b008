package trader

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/ledger"
	"perpbot/internal/model"
)

func testSetup(t *testing.T) (*config.Config, *exchange.Simulator, *ledger.Ledger) {
	t.Helper()
	cfg := config.Default()
	cfg.Mode = config.ModeTest
	cfg.FeeRate = 0
	cfg.SlippageRate = 0
	cfg.MaxTraders = 2
	cfg.Leverage = 1
	cfg.EquityFraction = 1.0
	cfg.LevelSpacingPercent = 1.0
	cfg.TakeProfitPercent = 1.0
	cfg.StopLossPercent = 1.0
	cfg.VolatilityTakeProfitPercent = 2.0
	cfg.VolatilityStopLossPercent = 4.0
	cfg.PositionNotionalUSDT = 1000
	cfg.VolatilityPositionNotionalUSDT = 1000

	sim := exchange.NewSimulator(cfg, zap.NewNop())
	sim.SetLotFilter("BTCUSDT", model.LotFilter{TickSize: decimal.NewFromFloat(0.01), StepSize: decimal.NewFromFloat(0.0001)})

	led := ledger.New(decimal.NewFromInt(10000))
	return cfg, sim, led
}

// drainAndRoute pulls every currently-buffered event off sim.Events() and
// feeds it through the Trader's event handler synchronously, so tests stay
// deterministic instead of racing the background event loop goroutine.
func drainAndRoute(ctx context.Context, tr *Trader, sim *exchange.Simulator) {
	for {
		select {
		case ev := <-sim.Events():
			tr.handleEvent(ctx, ev)
		default:
			return
		}
	}
}

func newTestTrader(cfg *config.Config, sim *exchange.Simulator, led *ledger.Ledger, strategy model.Strategy, impl Strategy) (*Trader, *[]model.CloseReason) {
	return newTestTraderWithAdapter(cfg, sim, led, strategy, impl)
}

// newTestTraderWithAdapter is newTestTrader generalized to any exchange.Adapter,
// so a test can drive the Trader through a decorator around the Simulator
// (e.g. rejectingAdapter) instead of the bare Simulator itself.
func newTestTraderWithAdapter(cfg *config.Config, adapter exchange.Adapter, led *ledger.Ledger, strategy model.Strategy, impl Strategy) (*Trader, *[]model.CloseReason) {
	var destroyReasons []model.CloseReason
	tr := New(cfg, adapter, led, zap.NewNop(), "BTCUSDT", strategy, impl, func(t *Trader, reason model.CloseReason, pnl decimal.Decimal) {
		destroyReasons = append(destroyReasons, reason)
	})
	return tr, &destroyReasons
}

// rejectingAdapter wraps an Adapter and makes its next PlaceStopLimitOrder
// call fail with a given ExchangeError, delegating every other call
// (including subsequent PlaceStopLimitOrder calls) to the embedded Adapter.
// This drives the grid strategy's -2021/immediate-trigger rejection path,
// which the Simulator's own order matching has no reason to ever produce.
type rejectingAdapter struct {
	exchange.Adapter
	rejectNextSL bool
	code         int
}

func (r *rejectingAdapter) PlaceStopLimitOrder(ctx context.Context, o model.Order) (string, error) {
	if r.rejectNextSL {
		r.rejectNextSL = false
		return "", &exchange.ExchangeError{Code: r.code}
	}
	return r.Adapter.PlaceStopLimitOrder(ctx, o)
}

func TestGridTakeProfitOnLongLeg(t *testing.T) {
	ctx := context.Background()
	cfg, sim, led := testSetup(t)

	sim.PushMarkPrice("BTCUSDT", decimal.NewFromInt(50000))
	for len(sim.Events()) > 0 {
		<-sim.Events()
	}

	tr, destroyed := newTestTrader(cfg, sim, led, model.StrategyGrid, NewGridStrategy())
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// long entry sits at basePrice * 0.99 = 49500; push price down to fill it.
	sim.PushMarkPrice("BTCUSDT", decimal.NewFromInt(49400))
	drainAndRoute(ctx, tr, sim)

	if tr.PositionCount() != 1 {
		t.Fatalf("expected 1 open position after long entry fill, got %d", tr.PositionCount())
	}

	var pos *model.Position
	for _, p := range tr.Positions {
		pos = p
	}
	if pos.Direction != model.Long {
		t.Fatalf("expected long position, got %s", pos.Direction)
	}
	if pos.TPOrderID == "" || pos.SLOrderID == "" {
		t.Fatalf("expected both tp and sl orders placed, got tp=%q sl=%q", pos.TPOrderID, pos.SLOrderID)
	}

	// take-profit sits at entry * 1.01; push price up to cross it.
	tpTrigger := pos.TakeProfitPrice.Add(decimal.NewFromInt(10))
	sim.PushMarkPrice("BTCUSDT", tpTrigger)
	drainAndRoute(ctx, tr, sim)

	if tr.PositionCount() != 0 {
		t.Fatalf("expected position closed after take-profit fill, got %d remaining", tr.PositionCount())
	}
	if len(*destroyed) != 1 || (*destroyed)[0] != model.ReasonTakeProfit {
		t.Fatalf("expected trader destroyed with take-profit reason, got %v", *destroyed)
	}
	if tr.IsActive() {
		t.Fatalf("expected trader to be inactive after take-profit destroy")
	}

	perf := led.GetPerformance()
	if perf.TotalTrades != 1 || perf.Wins != 1 {
		t.Fatalf("expected ledger to record 1 winning trade, got trades=%d wins=%d", perf.TotalTrades, perf.Wins)
	}
}

func TestGridStopLossAlreadyCrossedClosesImmediately(t *testing.T) {
	ctx := context.Background()
	cfg, sim, led := testSetup(t)

	sim.PushMarkPrice("BTCUSDT", decimal.NewFromInt(50000))
	for len(sim.Events()) > 0 {
		<-sim.Events()
	}

	tr, destroyed := newTestTrader(cfg, sim, led, model.StrategyGrid, NewGridStrategy())
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// short entry sits at basePrice * 1.01 = 50500. Its stop-loss will sit
	// at entry * 1.01 ~= 51005. Push price straight past that level in one
	// tick so by the time the entry fills, the SL level is already crossed.
	sim.PushMarkPrice("BTCUSDT", decimal.NewFromInt(51200))
	drainAndRoute(ctx, tr, sim)

	if tr.PositionCount() != 0 {
		t.Fatalf("expected position force-closed for already-crossed SL, got %d open", tr.PositionCount())
	}
	if len(*destroyed) != 1 || (*destroyed)[0] != model.ReasonStopLoss {
		t.Fatalf("expected destroy reason stop-loss, got %v", *destroyed)
	}
}

func TestVolatilityTakeProfitThenRewriteToBreakEven(t *testing.T) {
	ctx := context.Background()
	cfg, sim, led := testSetup(t)

	sim.PushMarkPrice("BTCUSDT", decimal.NewFromInt(50000))
	for len(sim.Events()) > 0 {
		<-sim.Events()
	}

	tr, destroyed := newTestTrader(cfg, sim, led, model.StrategyVolatility, NewVolatilityStrategy())
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	drainAndRoute(ctx, tr, sim) // both market legs fill immediately

	if tr.PositionCount() != 2 {
		t.Fatalf("expected both legs open, got %d", tr.PositionCount())
	}

	var longPos *model.Position
	for _, p := range tr.Positions {
		if p.Direction == model.Long {
			longPos = p
		}
	}
	if longPos == nil {
		t.Fatal("expected a long leg to exist")
	}

	// long leg TP sits at basePrice * 1.02 = 51000.
	sim.PushMarkPrice("BTCUSDT", longPos.TakeProfitPrice.Add(decimal.NewFromInt(5)))
	drainAndRoute(ctx, tr, sim)

	if tr.PositionCount() != 1 {
		t.Fatalf("expected 1 surviving leg after long tp hit, got %d", tr.PositionCount())
	}
	if tr.TpHitSide == nil || *tr.TpHitSide != model.Long {
		t.Fatalf("expected tpHitSide recorded as long, got %v", tr.TpHitSide)
	}

	var survivor *model.Position
	for _, p := range tr.Positions {
		survivor = p
	}
	if survivor.Direction != model.Short {
		t.Fatalf("expected surviving leg to be short, got %s", survivor.Direction)
	}
	if !survivor.TakeProfitPrice.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("expected surviving leg's new tp to be basePrice 50000, got %s", survivor.TakeProfitPrice)
	}

	// close the surviving leg at its rewritten break-even tp.
	sim.PushMarkPrice("BTCUSDT", decimal.NewFromInt(49990))
	drainAndRoute(ctx, tr, sim)

	if tr.PositionCount() != 0 {
		t.Fatalf("expected surviving leg closed at break-even, got %d remaining", tr.PositionCount())
	}
	if len(*destroyed) != 1 {
		t.Fatalf("expected trader destroyed once both legs closed, got %d destroy calls", len(*destroyed))
	}
}

func TestGridStopLossRejectedAsImmediateTriggerClosesAtMarket(t *testing.T) {
	ctx := context.Background()
	cfg, sim, led := testSetup(t)

	sim.PushMarkPrice("BTCUSDT", decimal.NewFromInt(50000))
	for len(sim.Events()) > 0 {
		<-sim.Events()
	}

	adapter := &rejectingAdapter{Adapter: sim, rejectNextSL: true, code: exchange.CodeWouldImmediateTrig}
	tr, destroyed := newTestTraderWithAdapter(cfg, adapter, led, model.StrategyGrid, NewGridStrategy())
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// long entry sits at basePrice * 0.99 = 49500; push price down to fill it.
	// The stop-loss leg placed right after is rejected as an immediate
	// trigger, which should force-close the position at market instead.
	sim.PushMarkPrice("BTCUSDT", decimal.NewFromInt(49400))
	drainAndRoute(ctx, tr, sim)

	if adapter.rejectNextSL {
		t.Fatalf("expected the rejecting adapter's one-shot rejection to be consumed")
	}
	if tr.PositionCount() != 0 {
		t.Fatalf("expected position force-closed after sl rejection, got %d open", tr.PositionCount())
	}
	if len(*destroyed) != 1 || (*destroyed)[0] != model.ReasonStopLoss {
		t.Fatalf("expected destroy reason stop-loss, got %v", *destroyed)
	}
}

// TestGridExitCancelledAfterStopLossRejectedClosesImmediately exercises
// OnExitCancelled's own sl-rejected path directly: a stop-loss order that
// rested successfully but is later cancelled out from under the position
// (e.g. the exchange pulls a resting order it now considers an immediate
// trigger) must force-close the position rather than leave it unprotected.
func TestGridExitCancelledAfterStopLossRejectedClosesImmediately(t *testing.T) {
	ctx := context.Background()
	cfg, sim, led := testSetup(t)

	sim.PushMarkPrice("BTCUSDT", decimal.NewFromInt(50000))
	for len(sim.Events()) > 0 {
		<-sim.Events()
	}

	tr, destroyed := newTestTrader(cfg, sim, led, model.StrategyGrid, NewGridStrategy())
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sim.PushMarkPrice("BTCUSDT", decimal.NewFromInt(49400))
	drainAndRoute(ctx, tr, sim)

	if tr.PositionCount() != 1 {
		t.Fatalf("expected 1 open position after long entry fill, got %d", tr.PositionCount())
	}
	var pos *model.Position
	for _, p := range tr.Positions {
		pos = p
	}
	if pos.SLOrderID == "" {
		t.Fatalf("expected stop-loss order placed")
	}

	if err := sim.CancelOrder(ctx, "BTCUSDT", pos.SLOrderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	ev := exchange.Event{Type: exchange.EventOrderCancelled, Symbol: "BTCUSDT", OrderID: pos.SLOrderID}
	tr.handleEvent(ctx, ev)

	if tr.PositionCount() != 0 {
		t.Fatalf("expected position force-closed after sl cancellation, got %d open", tr.PositionCount())
	}
	if len(*destroyed) != 1 || (*destroyed)[0] != model.ReasonSLRejected {
		t.Fatalf("expected destroy reason sl-rejected, got %v", *destroyed)
	}
}
