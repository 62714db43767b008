package exchange

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perpbot/internal/config"
	"perpbot/internal/model"
)

func newTestSimulator() *Simulator {
	cfg := config.Default()
	cfg.FeeRate = 0
	cfg.SlippageRate = 0
	return NewSimulator(cfg, zap.NewNop())
}

func TestSimulatorMarketOrderFillsImmediately(t *testing.T) {
	sim := newTestSimulator()
	sim.PushMarkPrice("BTCUSDT", decimal.NewFromInt(50000))

	orderID, err := sim.PlaceMarketOrder(context.Background(), model.Order{
		Symbol:       "BTCUSDT",
		Side:         model.Buy,
		Quantity:     decimal.NewFromFloat(0.1),
		PositionSide: model.Long,
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}
	if orderID == "" {
		t.Fatal("expected non-empty order id")
	}

	ev := <-sim.Events()
	if ev.Type != EventMarkPrice {
		t.Fatalf("expected markPrice event first, got %v", ev.Type)
	}
	ev = <-sim.Events()
	if ev.Type != EventOrderFilled {
		t.Fatalf("expected orderFilled event, got %v", ev.Type)
	}

	pos, err := sim.GetPosition(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if !pos.Equal(decimal.NewFromFloat(0.1)) {
		t.Fatalf("expected position 0.1, got %s", pos)
	}
}

func TestSimulatorLimitOrderTriggersOnPriceCross(t *testing.T) {
	sim := newTestSimulator()
	sim.PushMarkPrice("ETHUSDT", decimal.NewFromInt(3000))
	<-sim.Events()

	_, err := sim.PlaceLimitOrder(context.Background(), model.Order{
		Symbol:       "ETHUSDT",
		Side:         model.Buy,
		Quantity:     decimal.NewFromInt(1),
		Price:        decimal.NewFromInt(2900),
		PositionSide: model.Long,
	})
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}

	sim.PushMarkPrice("ETHUSDT", decimal.NewFromInt(2950))
	ev := <-sim.Events()
	if ev.Type != EventMarkPrice {
		t.Fatalf("expected markPrice first, got %v", ev.Type)
	}

	select {
	case ev := <-sim.Events():
		t.Fatalf("order should not have filled yet, got %v", ev.Type)
	default:
	}

	sim.PushMarkPrice("ETHUSDT", decimal.NewFromInt(2890))
	<-sim.Events() // markPrice
	ev = <-sim.Events()
	if ev.Type != EventOrderFilled {
		t.Fatalf("expected order to fill once price crossed limit, got %v", ev.Type)
	}
}

func TestSimulatorStopOrderAlreadyPassedFillsImmediately(t *testing.T) {
	sim := newTestSimulator()
	sim.PushMarkPrice("SOLUSDT", decimal.NewFromInt(100))
	<-sim.Events()

	_, err := sim.PlaceStopLimitOrder(context.Background(), model.Order{
		Symbol:       "SOLUSDT",
		Side:         model.Sell,
		Quantity:     decimal.NewFromInt(10),
		StopPrice:    decimal.NewFromInt(105),
		Price:        decimal.NewFromInt(104),
		PositionSide: model.Short,
		ReduceOnly:   true,
	})
	if err != nil {
		t.Fatalf("PlaceStopLimitOrder: %v", err)
	}

	// price already sits below the sell stop's trigger at placement time:
	// the order must fill immediately rather than wait for another tick.
	ev := <-sim.Events()
	if ev.Type != EventOrderFilled {
		t.Fatalf("expected immediate fill for already-crossed stop order, got %v", ev.Type)
	}
}

func TestSimulatorCancelRemovesRestingOrder(t *testing.T) {
	sim := newTestSimulator()
	sim.PushMarkPrice("BTCUSDT", decimal.NewFromInt(50000))
	<-sim.Events()

	orderID, err := sim.PlaceLimitOrder(context.Background(), model.Order{
		Symbol:   "BTCUSDT",
		Side:     model.Buy,
		Quantity: decimal.NewFromFloat(0.1),
		Price:    decimal.NewFromInt(40000),
	})
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}

	if err := sim.CancelOrder(context.Background(), "BTCUSDT", orderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	sim.PushMarkPrice("BTCUSDT", decimal.NewFromInt(30000))
	ev := <-sim.Events()
	if ev.Type != EventMarkPrice {
		t.Fatalf("expected markPrice only, got %v", ev.Type)
	}
	select {
	case ev := <-sim.Events():
		t.Fatalf("cancelled order must not fill, got %v", ev.Type)
	default:
	}
}
