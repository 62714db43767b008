// Package supervisor schedules per-symbol Traders within global slots,
// enforces cooldowns, quotas and blacklists, and drives the periodic
// account-sync and scan-and-launch ticks (spec.md §4.4).
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/ledger"
	"perpbot/internal/model"
	"perpbot/internal/scanner"
	"perpbot/internal/trader"
)

// tradingWindowStartUTC / tradingWindowEndUTC implement spec.md §9's
// hard-coded daily window; see DESIGN.md for the Open-Question decision on
// parameterising it.
const (
	tradingWindowStartUTC = 3
	tradingWindowEndUTC   = 9
)

// cooldownRecord tracks a single symbol's start-failure history.
type cooldownRecord struct {
	count int
	until time.Time
}

// Supervisor owns every active Trader, keyed by symbol (spec.md §3's
// Ownership rule). It never mutates Trader-owned state directly: from
// outside a Trader's event loop it only calls Start and Destroy
// (launchTrader), Deliver (event fan-out), and the read-only
// UnrealizedPnL/Snapshot (accountSync, onTraderDestroyed).
type Supervisor struct {
	cfg     *config.Config
	adapter exchange.Adapter
	ledger  *ledger.Ledger
	log     *zap.Logger

	mu                sync.Mutex
	traders           map[model.Symbol]*trader.Trader
	leverageSet       map[model.Symbol]bool
	leverageBlacklist map[model.Symbol]bool
	failedSymbols     map[model.Symbol]*cooldownRecord
	consecutiveLosses int
	lossCooldownUntil time.Time
}

// New constructs a Supervisor. Call Start to begin the background ticks.
func New(cfg *config.Config, adapter exchange.Adapter, led *ledger.Ledger, log *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		adapter: adapter,
		ledger:  led,
		log:     log,

		traders:           make(map[model.Symbol]*trader.Trader),
		leverageSet:       make(map[model.Symbol]bool),
		leverageBlacklist: make(map[model.Symbol]bool),
		failedSymbols:     make(map[model.Symbol]*cooldownRecord),
	}
}

// Start runs the Startup sequence (spec.md §4.4) and launches the
// accountSync, scanAndLaunch and event fan-out goroutines.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.cfg.Mode == config.ModeLive {
		if err := s.adapter.StartUserDataStream(ctx); err != nil {
			return fmt.Errorf("fatal: starting user-data stream: %w", err)
		}
	}
	if err := s.adapter.StartMarketStreams(ctx, nil); err != nil {
		return fmt.Errorf("fatal: connecting market streams: %w", err)
	}

	s.accountSync(ctx)
	if s.ledger.GetStatus().Balance.IsZero() && s.cfg.Mode == config.ModeLive {
		return fmt.Errorf("fatal: initial balance read returned zero")
	}

	go s.pumpEvents(ctx)
	go s.runEvery(ctx, 10*time.Second, s.accountSync)
	go s.runEvery(ctx, time.Duration(s.cfg.ScannerIntervalMs)*time.Millisecond, s.scanAndLaunch)

	return nil
}

func (s *Supervisor) runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// pumpEvents fans every adapter event out to the Trader that owns its
// symbol. Events for symbols with no active Trader are dropped.
func (s *Supervisor) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.adapter.Events():
			s.mu.Lock()
			tr, ok := s.traders[ev.Symbol]
			s.mu.Unlock()
			if ok {
				tr.Deliver(ev)
			}
		}
	}
}

// accountSync refreshes balance/equity every 10s (spec.md §4.4).
func (s *Supervisor) accountSync(ctx context.Context) {
	var balance decimal.Decimal
	if s.cfg.Mode == config.ModeLive {
		b, err := s.adapter.GetBalance(ctx)
		if err != nil {
			s.log.Warn("account sync: balance read failed", zap.Error(err))
			return
		}
		balance = b
	} else {
		balance = decimal.NewFromFloat(s.cfg.StartingBalanceUSDT).Add(s.ledger.GetPerformance().NetProfit)
	}
	s.ledger.SetBalance(balance)

	s.mu.Lock()
	traders := make([]*trader.Trader, 0, len(s.traders))
	for _, tr := range s.traders {
		traders = append(traders, tr)
	}
	s.mu.Unlock()

	unrealized := decimal.Zero
	for _, tr := range traders {
		unrealized = unrealized.Add(tr.UnrealizedPnL())
		s.ledger.UpsertTrader(tr.Snapshot())
	}
	s.ledger.SetEquity(balance.Add(unrealized))
}

// scanAndLaunch runs the scan-and-launch algorithm of spec.md §4.4 every
// scannerIntervalMs.
func (s *Supervisor) scanAndLaunch(ctx context.Context) {
	s.mu.Lock()
	traderCount := len(s.traders)
	lossCooldown := s.lossCooldownUntil
	s.mu.Unlock()

	if traderCount >= s.cfg.MaxTraders {
		return
	}
	if lossCooldown.After(time.Now()) {
		s.log.Info("loss cooldown active, skipping scan", zap.Duration("remaining", time.Until(lossCooldown)))
		return
	}

	candidates, err := s.buildCandidates(ctx)
	if err != nil {
		s.log.Warn("scan: failed to build candidates", zap.Error(err))
		return
	}
	ranked := scanner.Scan(candidates, s.cfg)

	if s.cfg.EnableTradingWindow {
		hour := time.Now().UTC().Hour()
		if hour < tradingWindowStartUTC || hour >= tradingWindowEndUTC {
			s.log.Info("outside daily trading window, skipping launch", zap.Int("utcHour", hour))
			return
		}
	}

	volatilitySlots := s.cfg.MaxTraders / 2
	expansionSlots := s.cfg.MaxTraders - volatilitySlots

	s.mu.Lock()
	for _, tr := range s.traders {
		if tr.Strategy == model.StrategyVolatility {
			volatilitySlots--
		} else {
			expansionSlots--
		}
	}
	s.mu.Unlock()

	var volatilityFailures, gridFailures int

	for _, symbol := range ranked {
		s.mu.Lock()
		_, alreadyTrading := s.traders[symbol]
		blacklisted := s.leverageBlacklist[symbol]
		cooldown, onCooldown := s.failedSymbols[symbol]
		full := len(s.traders) >= s.cfg.MaxTraders
		s.mu.Unlock()

		if full {
			return
		}
		if alreadyTrading || blacklisted {
			continue
		}
		if onCooldown && cooldown.until.After(time.Now()) {
			continue
		}

		if s.cfg.Mode == config.ModeLive {
			s.mu.Lock()
			leveraged := s.leverageSet[symbol]
			s.mu.Unlock()
			if !leveraged {
				if err := s.adapter.SetLeverage(ctx, symbol, s.cfg.Leverage); err != nil {
					s.log.Warn("leverage set failed, blacklisting symbol", zap.String("symbol", string(symbol)), zap.Error(err))
					s.mu.Lock()
					s.leverageBlacklist[symbol] = true
					s.mu.Unlock()
					continue
				}
				s.mu.Lock()
				s.leverageSet[symbol] = true
				s.mu.Unlock()
			}
		}

		strategy, impl, ok := s.pickStrategy(volatilitySlots, expansionSlots, volatilityFailures, gridFailures)
		if !ok {
			continue
		}

		if err := s.launchTrader(ctx, symbol, strategy, impl); err != nil {
			s.log.Warn("trader start failed", zap.String("symbol", string(symbol)), zap.Error(err))
			s.recordStartFailure(symbol)
			if strategy == model.StrategyVolatility {
				volatilityFailures++
			} else {
				gridFailures++
			}
			continue
		}

		if strategy == model.StrategyVolatility {
			volatilitySlots--
		} else {
			expansionSlots--
		}
	}

	s.resubscribeMarketStreams(ctx)
}

// pickStrategy picks Volatility when a slot remains and it hasn't failed
// ≥3 times this tick, falling back to Grid under the same rule.
func (s *Supervisor) pickStrategy(volatilitySlots, expansionSlots, volatilityFailures, gridFailures int) (model.Strategy, trader.Strategy, bool) {
	if volatilitySlots > 0 && volatilityFailures < 3 {
		return model.StrategyVolatility, trader.NewVolatilityStrategy(), true
	}
	if expansionSlots > 0 && gridFailures < 3 {
		return model.StrategyGrid, trader.NewGridStrategy(), true
	}
	return "", nil, false
}

func (s *Supervisor) launchTrader(ctx context.Context, symbol model.Symbol, strategy model.Strategy, impl trader.Strategy) error {
	tr := trader.New(s.cfg, s.adapter, s.ledger, s.log, symbol, strategy, impl, s.onTraderDestroyed)

	s.mu.Lock()
	s.traders[symbol] = tr
	s.mu.Unlock()

	if err := tr.Start(ctx); err != nil {
		s.mu.Lock()
		delete(s.traders, symbol)
		s.mu.Unlock()
		tr.Destroy(ctx, model.ReasonManualClose)
		return err
	}
	return nil
}

// recordStartFailure applies the per-symbol cooldown ladder: 5 min after
// the 1st failure, 15 min after the 2nd, 60 min after the 3rd and beyond.
func (s *Supervisor) recordStartFailure(symbol model.Symbol) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.failedSymbols[symbol]
	if !ok {
		rec = &cooldownRecord{}
		s.failedSymbols[symbol] = rec
	}
	rec.count++

	var wait time.Duration
	switch {
	case rec.count <= 1:
		wait = 5 * time.Minute
	case rec.count == 2:
		wait = 15 * time.Minute
	default:
		wait = 60 * time.Minute
	}
	rec.until = time.Now().Add(wait)
}

// onTraderDestroyed is the DestroyCallback wired into every launched
// Trader: it reclaims the slot, refreshes market streams and applies the
// global consecutive-loss cooldown (spec.md §4.4).
func (s *Supervisor) onTraderDestroyed(tr *trader.Trader, reason model.CloseReason, finalPnL decimal.Decimal) {
	s.mu.Lock()
	delete(s.traders, tr.Symbol)
	s.mu.Unlock()

	s.ledger.RemoveTrader(tr.ID, tr.Snapshot())

	s.applyLossCooldown(finalPnL)

	s.log.Info("trader terminated",
		zap.String("symbol", string(tr.Symbol)),
		zap.String("reason", string(reason)),
		zap.String("pnl", finalPnL.String()))

	s.resubscribeMarketStreams(context.Background())
}

// applyLossCooldown implements spec.md §4.4's global cooldown ladder: 15
// min at 2 consecutive losses, 30 min at 3, 60 min at 4 or more. Any
// non-negative terminal P&L resets the counter.
func (s *Supervisor) applyLossCooldown(finalPnL decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if finalPnL.IsNegative() {
		s.consecutiveLosses++
		var wait time.Duration
		switch {
		case s.consecutiveLosses >= 4:
			wait = 60 * time.Minute
		case s.consecutiveLosses == 3:
			wait = 30 * time.Minute
		case s.consecutiveLosses == 2:
			wait = 15 * time.Minute
		default:
			return
		}
		s.lossCooldownUntil = time.Now().Add(wait)
		return
	}

	s.consecutiveLosses = 0
	s.lossCooldownUntil = time.Time{}
}

func (s *Supervisor) resubscribeMarketStreams(ctx context.Context) {
	s.mu.Lock()
	symbols := make([]model.Symbol, 0, len(s.traders))
	for sym := range s.traders {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()

	if err := s.adapter.UpdateSymbols(ctx, symbols); err != nil {
		s.log.Warn("failed to refresh market stream subscriptions", zap.Error(err))
	}
}

// buildCandidates fetches a Scanner Candidate per 24h ticker, concurrently
// pulling each symbol's depth and recent klines the way the teacher's
// marketdata layer fans out per-connection work across goroutines.
func (s *Supervisor) buildCandidates(ctx context.Context) (map[model.Symbol]scanner.Candidate, error) {
	tickers, err := s.adapter.Get24hTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching 24h tickers: %w", err)
	}

	out := make(map[model.Symbol]scanner.Candidate, len(tickers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, t := range tickers {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()

			depth, err := s.adapter.GetDepth(ctx, t.Symbol)
			if err != nil {
				s.log.Warn("scan: depth fetch failed", zap.String("symbol", string(t.Symbol)), zap.Error(err))
				return
			}
			klines, err := s.adapter.GetKlines(ctx, t.Symbol, "1h", 24)
			if err != nil {
				s.log.Warn("scan: klines fetch failed", zap.String("symbol", string(t.Symbol)), zap.Error(err))
				return
			}

			cand := scanner.Candidate{
				Ticker:       t,
				Depth:        depth,
				VolumeRatio:  volumeRatio(klines),
				RangePercent: rangePercent(klines),
			}

			mu.Lock()
			out[t.Symbol] = cand
			mu.Unlock()
		}()
	}
	wg.Wait()

	return out, nil
}

// volumeRatio divides the most recent kline's volume by the mean volume of
// the full fetched window (1.0 means the last hour traded an average hour).
func volumeRatio(klines []exchange.Kline) decimal.Decimal {
	if len(klines) == 0 {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, k := range klines {
		total = total.Add(k.Volume)
	}
	if total.IsZero() {
		return decimal.Zero
	}
	last := klines[len(klines)-1]
	return last.Volume.Mul(decimal.NewFromInt(int64(len(klines)))).Div(total)
}

// rangePercent computes (high-low)/low*100 over the trailing 4 klines,
// approximating the spec's "4h range" from 1h candles.
func rangePercent(klines []exchange.Kline) decimal.Decimal {
	window := klines
	if len(window) > 4 {
		window = window[len(window)-4:]
	}
	if len(window) == 0 {
		return decimal.Zero
	}

	high := window[0].High
	low := window[0].Low
	for _, k := range window[1:] {
		if k.High.GreaterThan(high) {
			high = k.High
		}
		if k.Low.LessThan(low) {
			low = k.Low
		}
	}
	if low.IsZero() {
		return decimal.Zero
	}
	return high.Sub(low).Div(low).Mul(decimal.NewFromInt(100))
}
