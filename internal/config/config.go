// Package config loads the bot's runtime configuration from environment
// variables (optionally backed by a .env file), following the same
// Overload-then-parse pattern the teacher module uses for its Hyperliquid
// configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Mode selects between the live Binance adapter and the deterministic
// in-memory simulator.
type Mode string

const (
	ModeLive Mode = "live"
	ModeTest Mode = "test"
)

// Config is the full configuration surface enumerated in spec.md §6.
type Config struct {
	Mode Mode

	APIKey      string
	APISecret   string
	BaseRestURL string
	BaseWsURL   string
	RecvWindow  time.Duration

	MaxTraders          int
	Leverage            int
	StartingBalanceUSDT float64
	EquityFraction      float64

	PositionNotionalUSDT           float64
	VolatilityPositionNotionalUSDT float64

	LevelSpacingPercent float64
	TakeProfitPercent   float64
	StopLossPercent     float64

	VolatilityTakeProfitPercent float64
	VolatilityStopLossPercent  float64

	FeeRate       float64
	SlippageRate  float64

	ScannerIntervalMs   int64
	EnableScannerFilters bool
	EnableTradingWindow  bool

	MinChange     float64
	MaxChange     float64
	VolumeRatio   float64
	MinRangePercent float64
	DepthMin      float64
	DepthMax      float64
	SpreadMin     float64
	SpreadMax     float64
}

// Default returns the conservative defaults the bot falls back to when an
// environment variable is unset, mirroring the teacher's DefaultHypeConfig.
func Default() *Config {
	return &Config{
		Mode:        ModeTest,
		BaseRestURL: "https://fapi.binance.com",
		BaseWsURL:   "wss://fstream.binance.com",
		RecvWindow:  5 * time.Second,

		MaxTraders:          6,
		Leverage:            5,
		StartingBalanceUSDT: 1000,
		EquityFraction:      0.5,

		PositionNotionalUSDT:           100,
		VolatilityPositionNotionalUSDT: 100,

		LevelSpacingPercent: 1.0,
		TakeProfitPercent:   1.0,
		StopLossPercent:     1.0,

		VolatilityTakeProfitPercent: 3.0,
		VolatilityStopLossPercent:   6.0,

		FeeRate:      0.0004,
		SlippageRate: 0.0005,

		ScannerIntervalMs:    30_000,
		EnableScannerFilters: true,
		EnableTradingWindow:  false,

		MinChange:       2.0,
		MaxChange:       20.0,
		VolumeRatio:     1.2,
		MinRangePercent: 1.0,
		DepthMin:        5000,
		DepthMax:        5_000_000,
		SpreadMin:       0,
		SpreadMax:       0.5,
	}
}

// Load reads a .env file (if present, non-fatal if missing) and overlays
// environment variables onto Default().
func Load() *Config {
	if err := godotenv.Overload(); err != nil {
		// Not fatal: the process may rely on variables already in the
		// environment (container orchestration, systemd, CI).
	}

	cfg := Default()

	if v := os.Getenv("MODE"); v != "" {
		cfg.Mode = Mode(strings.ToLower(v))
	}
	cfg.APIKey = strings.Trim(os.Getenv("API_KEY"), "\"' ")
	cfg.APISecret = strings.Trim(os.Getenv("API_SECRET"), "\"' ")
	setString(&cfg.BaseRestURL, "BASE_REST_URL")
	setString(&cfg.BaseWsURL, "BASE_WS_URL")
	setDuration(&cfg.RecvWindow, "RECV_WINDOW_MS")

	setInt(&cfg.MaxTraders, "MAX_TRADERS")
	setInt(&cfg.Leverage, "LEVERAGE")
	setFloat(&cfg.StartingBalanceUSDT, "STARTING_BALANCE_USDT")
	setFloat(&cfg.EquityFraction, "EQUITY_FRACTION")

	setFloat(&cfg.PositionNotionalUSDT, "POSITION_NOTIONAL_USDT")
	setFloat(&cfg.VolatilityPositionNotionalUSDT, "VOLATILITY_POSITION_NOTIONAL_USDT")

	setFloat(&cfg.LevelSpacingPercent, "LEVEL_SPACING_PERCENT")
	setFloat(&cfg.TakeProfitPercent, "TAKE_PROFIT_PERCENT")
	setFloat(&cfg.StopLossPercent, "STOP_LOSS_PERCENT")

	setFloat(&cfg.VolatilityTakeProfitPercent, "VOLATILITY_TAKE_PROFIT_PERCENT")
	setFloat(&cfg.VolatilityStopLossPercent, "VOLATILITY_STOP_LOSS_PERCENT")

	setFloat(&cfg.FeeRate, "FEE_RATE")
	setFloat(&cfg.SlippageRate, "SLIPPAGE_RATE")

	setInt64(&cfg.ScannerIntervalMs, "SCANNER_INTERVAL_MS")
	setBool(&cfg.EnableScannerFilters, "ENABLE_SCANNER_FILTERS")
	setBool(&cfg.EnableTradingWindow, "ENABLE_TRADING_WINDOW")

	setFloat(&cfg.MinChange, "MIN_CHANGE")
	setFloat(&cfg.MaxChange, "MAX_CHANGE")
	setFloat(&cfg.VolumeRatio, "VOLUME_RATIO")
	setFloat(&cfg.MinRangePercent, "MIN_RANGE_PERCENT")
	setFloat(&cfg.DepthMin, "DEPTH_MIN")
	setFloat(&cfg.DepthMax, "DEPTH_MAX")
	setFloat(&cfg.SpreadMin, "SPREAD_MIN")
	setFloat(&cfg.SpreadMax, "SPREAD_MAX")

	return cfg
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = i
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}
