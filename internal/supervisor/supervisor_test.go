package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/ledger"
	"perpbot/internal/model"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *exchange.Simulator) {
	t.Helper()
	cfg := config.Default()
	cfg.Mode = config.ModeTest
	cfg.EnableScannerFilters = false
	cfg.EnableTradingWindow = false
	cfg.MaxTraders = 1
	cfg.Leverage = 1
	cfg.EquityFraction = 1.0

	sim := exchange.NewSimulator(cfg, zap.NewNop())
	led := ledger.New(decimal.NewFromInt(10000))
	return New(cfg, sim, led, zap.NewNop()), sim
}

func TestScanAndLaunchRespectsMaxTraders(t *testing.T) {
	ctx := context.Background()
	s, sim := newTestSupervisor(t)

	sim.PushMarkPrice("AAAUSDT", decimal.NewFromInt(100))
	sim.PushMarkPrice("BBBUSDT", decimal.NewFromInt(200))

	s.scanAndLaunch(ctx)

	s.mu.Lock()
	count := len(s.traders)
	s.mu.Unlock()

	if count != 1 {
		t.Fatalf("expected exactly 1 trader launched (maxTraders=1), got %d", count)
	}
}

func TestScanAndLaunchSkipsDuringLossCooldown(t *testing.T) {
	ctx := context.Background()
	s, sim := newTestSupervisor(t)

	sim.PushMarkPrice("AAAUSDT", decimal.NewFromInt(100))

	s.mu.Lock()
	s.lossCooldownUntil = time.Now().Add(time.Hour)
	s.mu.Unlock()

	s.scanAndLaunch(ctx)

	s.mu.Lock()
	count := len(s.traders)
	s.mu.Unlock()

	if count != 0 {
		t.Fatalf("expected no traders launched during an active loss cooldown, got %d", count)
	}
}

func TestConsecutiveLossCooldownLadder(t *testing.T) {
	s, _ := newTestSupervisor(t)

	s.applyLossCooldown(decimal.NewFromInt(-5))
	if s.consecutiveLosses != 1 || !s.lossCooldownUntil.IsZero() {
		t.Fatalf("expected no cooldown after a single loss, got losses=%d until=%v", s.consecutiveLosses, s.lossCooldownUntil)
	}

	s.applyLossCooldown(decimal.NewFromInt(-3))
	if s.consecutiveLosses != 2 {
		t.Fatalf("expected consecutiveLosses=2, got %d", s.consecutiveLosses)
	}
	wantAt := time.Now().Add(15 * time.Minute)
	if s.lossCooldownUntil.Before(wantAt.Add(-time.Minute)) || s.lossCooldownUntil.After(wantAt.Add(time.Minute)) {
		t.Fatalf("expected ~15min cooldown at 2 losses, got until=%v", s.lossCooldownUntil)
	}

	s.applyLossCooldown(decimal.NewFromInt(-1))
	if s.consecutiveLosses != 3 {
		t.Fatalf("expected consecutiveLosses=3, got %d", s.consecutiveLosses)
	}
	wantAt = time.Now().Add(30 * time.Minute)
	if s.lossCooldownUntil.Before(wantAt.Add(-time.Minute)) || s.lossCooldownUntil.After(wantAt.Add(time.Minute)) {
		t.Fatalf("expected ~30min cooldown at 3 losses, got until=%v", s.lossCooldownUntil)
	}

	s.applyLossCooldown(decimal.NewFromInt(-1))
	if s.consecutiveLosses != 4 {
		t.Fatalf("expected consecutiveLosses=4, got %d", s.consecutiveLosses)
	}
	wantAt = time.Now().Add(60 * time.Minute)
	if s.lossCooldownUntil.Before(wantAt.Add(-time.Minute)) || s.lossCooldownUntil.After(wantAt.Add(time.Minute)) {
		t.Fatalf("expected ~60min cooldown at 4+ losses, got until=%v", s.lossCooldownUntil)
	}

	s.applyLossCooldown(decimal.NewFromInt(2))
	if s.consecutiveLosses != 0 || !s.lossCooldownUntil.IsZero() {
		t.Fatalf("expected a non-negative pnl to reset the counter and cooldown, got losses=%d until=%v", s.consecutiveLosses, s.lossCooldownUntil)
	}
}

func TestPerSymbolStartFailureCooldownLadder(t *testing.T) {
	s, _ := newTestSupervisor(t)
	symbol := model.Symbol("AAAUSDT")

	s.recordStartFailure(symbol)
	rec := s.failedSymbols[symbol]
	wantAt := time.Now().Add(5 * time.Minute)
	if rec.until.Before(wantAt.Add(-time.Minute)) || rec.until.After(wantAt.Add(time.Minute)) {
		t.Fatalf("expected ~5min cooldown after 1st failure, got until=%v", rec.until)
	}

	s.recordStartFailure(symbol)
	wantAt = time.Now().Add(15 * time.Minute)
	if rec.until.Before(wantAt.Add(-time.Minute)) || rec.until.After(wantAt.Add(time.Minute)) {
		t.Fatalf("expected ~15min cooldown after 2nd failure, got until=%v", rec.until)
	}

	s.recordStartFailure(symbol)
	wantAt = time.Now().Add(60 * time.Minute)
	if rec.until.Before(wantAt.Add(-time.Minute)) || rec.until.After(wantAt.Add(time.Minute)) {
		t.Fatalf("expected ~60min cooldown after 3rd failure, got until=%v", rec.until)
	}
}

func TestScanAndLaunchSkipsBlacklistedAndOnCooldownSymbols(t *testing.T) {
	ctx := context.Background()
	s, sim := newTestSupervisor(t)
	s.cfg.MaxTraders = 2

	sim.PushMarkPrice("AAAUSDT", decimal.NewFromInt(100))
	sim.PushMarkPrice("BBBUSDT", decimal.NewFromInt(200))

	s.mu.Lock()
	s.leverageBlacklist["AAAUSDT"] = true
	s.failedSymbols["BBBUSDT"] = &cooldownRecord{count: 1, until: time.Now().Add(time.Hour)}
	s.mu.Unlock()

	s.scanAndLaunch(ctx)

	s.mu.Lock()
	count := len(s.traders)
	s.mu.Unlock()

	if count != 0 {
		t.Fatalf("expected both candidates skipped (blacklist + cooldown), got %d traders", count)
	}
}
