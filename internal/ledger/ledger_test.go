package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSetEquityTracksPeakAndDrawdownMonotonically(t *testing.T) {
	l := New(decimal.NewFromInt(1000))

	l.SetEquity(decimal.NewFromInt(1100))
	l.SetEquity(decimal.NewFromInt(900))
	l.SetEquity(decimal.NewFromInt(1050))
	l.SetEquity(decimal.NewFromInt(800))

	status := l.GetStatus()
	if !status.PeakEquity.Equal(decimal.NewFromInt(1100)) {
		t.Fatalf("expected peak equity 1100, got %s", status.PeakEquity)
	}

	// max drawdown must be the running max of (peak-v)/peak across all
	// samples, never decreasing even after equity partially recovers.
	expectedDD := decimal.NewFromInt(1100).Sub(decimal.NewFromInt(800)).Div(decimal.NewFromInt(1100))
	if !status.MaxDrawdown.Equal(expectedDD) {
		t.Fatalf("expected max drawdown %s, got %s", expectedDD, status.MaxDrawdown)
	}

	l.SetEquity(decimal.NewFromInt(1200))
	status = l.GetStatus()
	if !status.MaxDrawdown.Equal(expectedDD) {
		t.Fatalf("max drawdown must not decrease on recovery, got %s", status.MaxDrawdown)
	}
}

func TestEquitySeriesBoundedAt500(t *testing.T) {
	l := New(decimal.NewFromInt(1000))
	for i := 0; i < 600; i++ {
		l.SetEquity(decimal.NewFromInt(int64(1000 + i)))
	}
	series := l.EquitySeries()
	if len(series) != equitySeriesCap {
		t.Fatalf("expected series bounded to %d, got %d", equitySeriesCap, len(series))
	}
	if !series[len(series)-1].Equity.Equal(decimal.NewFromInt(1599)) {
		t.Fatalf("expected newest sample to be the most recent push, got %s", series[len(series)-1].Equity)
	}
}

func TestRecordTradeAccumulatesPerformance(t *testing.T) {
	l := New(decimal.NewFromInt(1000))

	l.RecordTrade(decimal.NewFromInt(50), decimal.NewFromFloat(0.5))
	l.RecordTrade(decimal.NewFromInt(-20), decimal.NewFromFloat(0.3))

	perf := l.GetPerformance()
	if perf.TotalTrades != 2 {
		t.Fatalf("expected 2 total trades, got %d", perf.TotalTrades)
	}
	if perf.Wins != 1 || perf.Losses != 1 {
		t.Fatalf("expected 1 win 1 loss, got wins=%d losses=%d", perf.Wins, perf.Losses)
	}
	if !perf.GrossProfit.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected gross profit 50, got %s", perf.GrossProfit)
	}
	if !perf.GrossLoss.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected gross loss 20, got %s", perf.GrossLoss)
	}
	expectedFees := decimal.NewFromFloat(0.8)
	if !perf.FeesPaid.Equal(expectedFees) {
		t.Fatalf("expected fees paid %s, got %s", expectedFees, perf.FeesPaid)
	}
	expectedNet := decimal.NewFromInt(50).Sub(decimal.NewFromInt(20)).Sub(expectedFees)
	if !perf.NetProfit.Equal(expectedNet) {
		t.Fatalf("expected net profit %s, got %s", expectedNet, perf.NetProfit)
	}
}

func TestGetPerformanceFoldsInLiveUnrealizedPnL(t *testing.T) {
	l := New(decimal.NewFromInt(1000))
	l.RecordTrade(decimal.NewFromInt(10), decimal.Zero)

	l.UpsertTrader(TraderSnapshot{ID: "t1", UnrealizedPnL: decimal.NewFromInt(30)})
	l.UpsertTrader(TraderSnapshot{ID: "t2", UnrealizedPnL: decimal.NewFromInt(-5)})

	// unrealized PnL is summed across traders first (30 + -5 = 25), so only
	// the positive total is folded into gross profit.
	perf := l.GetPerformance()
	if !perf.GrossProfitLive.Equal(decimal.NewFromInt(35)) {
		t.Fatalf("expected live gross profit 35, got %s", perf.GrossProfitLive)
	}
	if !perf.GrossLossLive.Equal(decimal.NewFromInt(0)) {
		t.Fatalf("expected live gross loss 0, got %s", perf.GrossLossLive)
	}

	l.RemoveTrader("t1", TraderSnapshot{})
	if len(l.GetTraders()) != 1 {
		t.Fatalf("expected 1 trader remaining after removal, got %d", len(l.GetTraders()))
	}
}
