// Package ledger tracks account balance, equity and realised/unrealised
// performance across every Trader, as a single process-wide resource
// constructed once at startup and shared by pointer (spec.md §5's
// "lift the module-global store" guidance).
package ledger

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const equitySeriesCap = 500

// EquitySample is one timestamped point on the equity curve.
type EquitySample struct {
	Time   time.Time
	Equity decimal.Decimal
}

// TraderSnapshot is the dashboard-facing view of one active Trader,
// installed via UpsertTrader and removed via RemoveTrader.
type TraderSnapshot struct {
	ID            string
	Symbol        string
	Strategy      string
	Direction     string
	EntryPrice    decimal.Decimal
	Quantity      decimal.Decimal
	UnrealizedPnL decimal.Decimal
	OpenedAt      time.Time
}

// Performance is the cumulative trade-history rollup.
type Performance struct {
	TotalTrades int
	Wins        int
	Losses      int
	GrossProfit decimal.Decimal
	GrossLoss   decimal.Decimal
	FeesPaid    decimal.Decimal
	NetProfit   decimal.Decimal
	MaxDrawdown decimal.Decimal

	// Live variants fold in unrealised PnL from currently active traders.
	GrossProfitLive decimal.Decimal
	GrossLossLive   decimal.Decimal
	NetProfitLive   decimal.Decimal
}

// Status is the coarse balance/equity/drawdown view.
type Status struct {
	Balance     decimal.Decimal
	Equity      decimal.Decimal
	PeakEquity  decimal.Decimal
	PnLToday    decimal.Decimal
	MaxDrawdown decimal.Decimal
}

// DashboardUpdate bundles everything the (external) dashboard collaborator
// would push to clients every 2s; this repository only ever produces the
// value, it never serves it over HTTP (spec.md §1 / §6.2).
type DashboardUpdate struct {
	Status      Status
	Traders     []TraderSnapshot
	Performance Performance
}

// Ledger is the Performance & Equity Ledger. Every method is safe for
// concurrent use: the Supervisor mutates balance/equity, Traders record
// trades and upsert their own snapshot, and the dashboard collaborator
// (external to this repository) reads a consistent snapshot via Snapshot.
type Ledger struct {
	mu sync.RWMutex

	balance    decimal.Decimal
	equity     decimal.Decimal
	peakEquity decimal.Decimal
	pnlToday   decimal.Decimal

	equitySeries []EquitySample

	totalTrades int
	wins        int
	losses      int
	grossProfit decimal.Decimal
	grossLoss   decimal.Decimal
	feesPaid    decimal.Decimal
	maxDrawdown decimal.Decimal

	traders map[string]TraderSnapshot
}

// New constructs a Ledger seeded with startingBalance as both balance and
// equity (no trades recorded, no drawdown).
func New(startingBalance decimal.Decimal) *Ledger {
	return &Ledger{
		balance:    startingBalance,
		equity:     startingBalance,
		peakEquity: startingBalance,
		traders:    make(map[string]TraderSnapshot),
	}
}

// SetBalance is called exclusively by the Supervisor's accountSync tick.
func (l *Ledger) SetBalance(v decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance = v
}

// SetEquity pushes a new equity sample onto the bounded ring buffer and
// maintains the monotonic peakEquity/maxDrawdown invariants (spec.md §4.5).
func (l *Ledger) SetEquity(v decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.equity = v
	l.equitySeries = append(l.equitySeries, EquitySample{Time: time.Now(), Equity: v})
	if len(l.equitySeries) > equitySeriesCap {
		l.equitySeries = l.equitySeries[len(l.equitySeries)-equitySeriesCap:]
	}

	if v.GreaterThan(l.peakEquity) {
		l.peakEquity = v
	}
	if l.peakEquity.IsPositive() {
		drawdown := l.peakEquity.Sub(v).Div(l.peakEquity)
		if drawdown.GreaterThan(l.maxDrawdown) {
			l.maxDrawdown = drawdown
		}
	}
}

// RecordTrade folds one closed trade's PnL and fees into the cumulative
// performance counters. Only Traders call this, on position close.
func (l *Ledger) RecordTrade(pnl, fees decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.totalTrades++
	if pnl.Sign() >= 0 {
		l.wins++
		l.grossProfit = l.grossProfit.Add(pnl)
	} else {
		l.losses++
		l.grossLoss = l.grossLoss.Add(pnl.Abs())
	}
	l.feesPaid = l.feesPaid.Add(fees)
	l.pnlToday = l.pnlToday.Add(pnl).Sub(fees)
}

// UpsertTrader installs or replaces the dashboard snapshot for an active
// Trader, keyed by Trader id.
func (l *Ledger) UpsertTrader(snap TraderSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.traders[snap.ID] = snap
}

// RemoveTrader drops a terminated Trader's snapshot. summary is accepted
// for parity with the teacher's callback-style termination hooks but the
// ledger itself only needs the id to evict the entry; callers that want the
// terminal PnL reflected must have already called RecordTrade.
func (l *Ledger) RemoveTrader(id string, summary TraderSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.traders, id)
}

// GetStatus returns the coarse balance/equity/drawdown view.
func (l *Ledger) GetStatus() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Status{
		Balance:     l.balance,
		Equity:      l.equity,
		PeakEquity:  l.peakEquity,
		PnLToday:    l.pnlToday,
		MaxDrawdown: l.maxDrawdown,
	}
}

// GetTraders returns a snapshot copy of every active Trader.
func (l *Ledger) GetTraders() []TraderSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]TraderSnapshot, 0, len(l.traders))
	for _, t := range l.traders {
		out = append(out, t)
	}
	return out
}

// GetPerformance returns the cumulative performance rollup with the live
// variants folded in from currently active traders' unrealised PnL
// (spec.md §4.5).
func (l *Ledger) GetPerformance() Performance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	netProfit := l.grossProfit.Sub(l.grossLoss).Sub(l.feesPaid)

	unrealized := decimal.Zero
	for _, t := range l.traders {
		unrealized = unrealized.Add(t.UnrealizedPnL)
	}

	grossProfitLive := l.grossProfit
	if unrealized.IsPositive() {
		grossProfitLive = grossProfitLive.Add(unrealized)
	}
	grossLossLive := l.grossLoss
	if unrealized.IsNegative() {
		grossLossLive = grossLossLive.Add(unrealized.Abs())
	}
	netProfitLive := grossProfitLive.Sub(grossLossLive).Sub(l.feesPaid)

	return Performance{
		TotalTrades:     l.totalTrades,
		Wins:            l.wins,
		Losses:          l.losses,
		GrossProfit:     l.grossProfit,
		GrossLoss:       l.grossLoss,
		FeesPaid:        l.feesPaid,
		NetProfit:       netProfit,
		MaxDrawdown:     l.maxDrawdown,
		GrossProfitLive: grossProfitLive,
		GrossLossLive:   grossLossLive,
		NetProfitLive:   netProfitLive,
	}
}

// EquitySeries returns a copy of the bounded equity-sample ring buffer, in
// insertion order (oldest first).
func (l *Ledger) EquitySeries() []EquitySample {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]EquitySample, len(l.equitySeries))
	copy(out, l.equitySeries)
	return out
}

// Snapshot returns the full DashboardUpdate-shaped value. Status, Traders
// and Performance are each read under their own lock acquisition; the three
// are not read atomically together, so a write landing between them is
// reflected in the later parts only.
func (l *Ledger) Snapshot() DashboardUpdate {
	return DashboardUpdate{
		Status:      l.GetStatus(),
		Traders:     l.GetTraders(),
		Performance: l.GetPerformance(),
	}
}
