// Package scanner ranks eligible symbols for new Traders. It is a pure
// function over caller-supplied market snapshots — no network access, no
// exchange dependency — so it is trivially unit-testable (spec.md §6.1).
package scanner

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/model"
)

// Candidate bundles the per-symbol snapshots the Supervisor gathers from
// the Adapter (get24hTickers, getDepth, getKlines) before invoking Scan.
type Candidate struct {
	Ticker       exchange.Ticker24h
	Depth        exchange.DepthSnapshot
	VolumeRatio  decimal.Decimal // latest 1h volume / mean hourly volume over 24h, precomputed from klines
	RangePercent decimal.Decimal // 4h (high-low)/low * 100, precomputed from klines
}

// Scan filters candidates by the configured change/volume/range/depth/
// spread bounds, then ranks survivors best-first by |change| + rangePct,
// returning at most cfg.MaxTraders symbols (spec.md §6).
func Scan(candidates map[model.Symbol]Candidate, cfg *config.Config) []model.Symbol {
	if !cfg.EnableScannerFilters {
		out := make([]model.Symbol, 0, len(candidates))
		for sym := range candidates {
			out = append(out, sym)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		if len(out) > cfg.MaxTraders {
			out = out[:cfg.MaxTraders]
		}
		return out
	}

	type scored struct {
		symbol model.Symbol
		score  decimal.Decimal
	}

	var survivors []scored
	for sym, c := range candidates {
		if !isEligibleSymbol(sym) {
			continue
		}
		if !passesFilters(c, cfg) {
			continue
		}
		change := c.Ticker.PriceChangePercent.Abs()
		score := change.Add(c.RangePercent)
		survivors = append(survivors, scored{symbol: sym, score: score})
	}

	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].score.GreaterThan(survivors[j].score)
	})

	out := make([]model.Symbol, 0, cfg.MaxTraders)
	for _, s := range survivors {
		if len(out) >= cfg.MaxTraders {
			break
		}
		out = append(out, s.symbol)
	}
	return out
}

// isEligibleSymbol restricts candidates to USDT-quoted symbols by name
// suffix only. Trading status and contract type are not checked, here or
// in Supervisor.buildCandidates, which builds the candidate map from the
// 24h tickers without consulting exchangeInfo.
func isEligibleSymbol(sym model.Symbol) bool {
	return strings.HasSuffix(string(sym), "USDT")
}

func passesFilters(c Candidate, cfg *config.Config) bool {
	change := c.Ticker.PriceChangePercent.Abs()
	minChange := decimal.NewFromFloat(cfg.MinChange)
	maxChange := decimal.NewFromFloat(cfg.MaxChange)
	if change.LessThan(minChange) || change.GreaterThan(maxChange) {
		return false
	}

	volumeRatio := decimal.NewFromFloat(cfg.VolumeRatio)
	if c.VolumeRatio.LessThan(volumeRatio) {
		return false
	}

	minRange := decimal.NewFromFloat(cfg.MinRangePercent)
	if c.RangePercent.LessThan(minRange) {
		return false
	}

	depthMin := decimal.NewFromFloat(cfg.DepthMin)
	depthMax := decimal.NewFromFloat(cfg.DepthMax)
	totalDepth := c.Depth.BidDepth.Add(c.Depth.AskDepth)
	if totalDepth.LessThan(depthMin) || totalDepth.GreaterThan(depthMax) {
		return false
	}

	if c.Depth.BidPrice.IsPositive() {
		spreadPercent := c.Depth.AskPrice.Sub(c.Depth.BidPrice).Div(c.Depth.BidPrice).Mul(decimal.NewFromInt(100))
		spreadMin := decimal.NewFromFloat(cfg.SpreadMin)
		spreadMax := decimal.NewFromFloat(cfg.SpreadMax)
		if spreadPercent.LessThan(spreadMin) || spreadPercent.GreaterThan(spreadMax) {
			return false
		}
	}

	return true
}
