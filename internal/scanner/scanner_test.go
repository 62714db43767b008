package scanner

import (
	"testing"

	"github.com/shopspring/decimal"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/model"
)

func candidate(changePct, volumeRatio, rangePct, depth, spreadPct float64) Candidate {
	bid := decimal.NewFromInt(100)
	ask := bid.Add(bid.Mul(decimal.NewFromFloat(spreadPct / 100)))
	return Candidate{
		Ticker: exchange.Ticker24h{
			PriceChangePercent: decimal.NewFromFloat(changePct),
		},
		Depth: exchange.DepthSnapshot{
			BidPrice: bid,
			AskPrice: ask,
			BidDepth: decimal.NewFromFloat(depth / 2),
			AskDepth: decimal.NewFromFloat(depth / 2),
		},
		VolumeRatio:  decimal.NewFromFloat(volumeRatio),
		RangePercent: decimal.NewFromFloat(rangePct),
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MaxTraders = 3
	return cfg
}

func TestScanFiltersOutOfRangeChange(t *testing.T) {
	cfg := testConfig()
	candidates := map[model.Symbol]Candidate{
		"AUSDT": candidate(1.0, 2.0, 2.0, 10000, 0.1),  // below minChange (2.0)
		"BUSDT": candidate(5.0, 2.0, 2.0, 10000, 0.1),  // eligible
		"CUSDT": candidate(25.0, 2.0, 2.0, 10000, 0.1), // above maxChange (20.0)
	}

	result := Scan(candidates, cfg)
	if len(result) != 1 || result[0] != "BUSDT" {
		t.Fatalf("expected only BUSDT to survive, got %v", result)
	}
}

func TestScanRanksByChangePlusRangeDescending(t *testing.T) {
	cfg := testConfig()
	candidates := map[model.Symbol]Candidate{
		"AUSDT": candidate(5.0, 2.0, 1.0, 10000, 0.1),
		"BUSDT": candidate(10.0, 2.0, 3.0, 10000, 0.1),
		"CUSDT": candidate(6.0, 2.0, 2.0, 10000, 0.1),
	}

	result := Scan(candidates, cfg)
	if len(result) != 3 {
		t.Fatalf("expected all 3 candidates to survive filters, got %v", result)
	}
	if result[0] != "BUSDT" {
		t.Fatalf("expected BUSDT ranked first (score 13), got order %v", result)
	}
}

func TestScanExcludesNonUSDTSymbols(t *testing.T) {
	cfg := testConfig()
	candidates := map[model.Symbol]Candidate{
		"BTCBUSD": candidate(5.0, 2.0, 2.0, 10000, 0.1),
		"ETHUSDT": candidate(5.0, 2.0, 2.0, 10000, 0.1),
	}

	result := Scan(candidates, cfg)
	if len(result) != 1 || result[0] != "ETHUSDT" {
		t.Fatalf("expected only the USDT-quoted symbol to survive, got %v", result)
	}
}

func TestScanCapsResultAtMaxTraders(t *testing.T) {
	cfg := testConfig()
	candidates := map[model.Symbol]Candidate{
		"AUSDT": candidate(5.0, 2.0, 1.0, 10000, 0.1),
		"BUSDT": candidate(6.0, 2.0, 1.0, 10000, 0.1),
		"CUSDT": candidate(7.0, 2.0, 1.0, 10000, 0.1),
		"DUSDT": candidate(8.0, 2.0, 1.0, 10000, 0.1),
	}

	result := Scan(candidates, cfg)
	if len(result) != cfg.MaxTraders {
		t.Fatalf("expected result capped at %d, got %d", cfg.MaxTraders, len(result))
	}
}

func TestScanExcludesLowLiquidityAndWideSpread(t *testing.T) {
	cfg := testConfig()
	candidates := map[model.Symbol]Candidate{
		"AUSDT": candidate(5.0, 2.0, 2.0, 100, 0.1),  // depth below depthMin
		"BUSDT": candidate(5.0, 2.0, 2.0, 10000, 5.0), // spread above spreadMax
		"CUSDT": candidate(5.0, 2.0, 2.0, 10000, 0.1),
	}

	result := Scan(candidates, cfg)
	if len(result) != 1 || result[0] != "CUSDT" {
		t.Fatalf("expected only CUSDT to survive liquidity/spread filters, got %v", result)
	}
}
