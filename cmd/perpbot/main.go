package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/ledger"
	"perpbot/internal/supervisor"
)

func main() {
	cfg := config.Load()

	log, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	log.Info("🚀 Initializing Perpetuals Trading Bot...")
	log.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info("📋 Configuration",
		zap.String("mode", string(cfg.Mode)),
		zap.Int("maxTraders", cfg.MaxTraders),
		zap.Int("leverage", cfg.Leverage),
		zap.Float64("equityFraction", cfg.EquityFraction),
		zap.Float64("levelSpacingPercent", cfg.LevelSpacingPercent),
		zap.Float64("takeProfitPercent", cfg.TakeProfitPercent),
		zap.Float64("stopLossPercent", cfg.StopLossPercent),
		zap.Bool("enableScannerFilters", cfg.EnableScannerFilters),
		zap.Bool("enableTradingWindow", cfg.EnableTradingWindow))

	if cfg.Mode == config.ModeLive && (cfg.APIKey == "" || cfg.APISecret == "") {
		log.Fatal("❌ ERROR: API_KEY / API_SECRET must be set for live mode")
	}

	adapter := exchange.NewAdapter(cfg, log)
	led := ledger.New(decimal.NewFromFloat(cfg.StartingBalanceUSDT))
	super := supervisor.New(cfg, adapter, led, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := super.Start(ctx); err != nil {
		log.Fatal("❌ Failed to start supervisor", zap.Error(err))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	log.Info("✅ Perpetuals Trading Bot is now running!")
	log.Info("📊 Scanning markets and managing traders...")
	log.Info("🛑 Press Ctrl+C to stop the bot")

	<-sig

	log.Info("🛑 Shutdown signal received, stopping bot...")
	cancel()
	time.Sleep(200 * time.Millisecond) // let background ticks observe ctx.Done()

	printFinalReport(log, led)
	log.Info("✅ Trading bot stopped successfully. Goodbye! 👋")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Mode == config.ModeLive {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func printFinalReport(log *zap.Logger, led *ledger.Ledger) {
	perf := led.GetPerformance()
	status := led.GetStatus()

	log.Info("🎯 FINAL TRADING REPORT",
		zap.Int("totalTrades", perf.TotalTrades),
		zap.Int("wins", perf.Wins),
		zap.Int("losses", perf.Losses),
		zap.String("netProfit", perf.NetProfit.String()),
		zap.String("maxDrawdown", perf.MaxDrawdown.String()),
		zap.String("finalEquity", status.Equity.String()))
}
