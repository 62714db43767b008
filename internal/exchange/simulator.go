package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perpbot/internal/config"
	"perpbot/internal/model"
)

// simOrder is a resting order the simulator will trigger against mark-price
// replay, mirroring the subset of order semantics a Trader actually relies
// on (spec.md §4.1, §8 boundary scenario 6).
type simOrder struct {
	order     model.Order
	createdAt time.Time
}

// simPosition tracks one symbol/side's quantity and weighted-average entry
// price, updated on every fill (spec.md §4.1).
type simPosition struct {
	Quantity decimal.Decimal
	AvgEntry decimal.Decimal
}

// simTrade is what a reduce-only fill realises against the position's
// average entry, keyed by the closing order's id so GetOrderTrades can
// reconcile it back to the Trader exactly like Binance's userTrades report.
type simTrade struct {
	PnL decimal.Decimal
	Fee decimal.Decimal
}

// Simulator is the deterministic TEST-mode implementation of Adapter. It
// never touches the network: prices are seeded by the caller (typically
// replayed from historical klines or forwarded from a live feed in
// shadow mode) via PushMarkPrice, and fills happen synchronously
// against that replay.
type Simulator struct {
	cfg *config.Config
	log *zap.Logger

	events chan Event

	mu            sync.Mutex
	balance       decimal.Decimal
	orders        map[string]simOrder
	positions     map[model.Symbol]map[model.PositionSide]simPosition
	lastSimPrice  map[model.Symbol]decimal.Decimal
	lotFilters    map[model.Symbol]model.LotFilter
	trades        map[string]simTrade // closing orderID -> realised pnl/fee
}

// NewSimulator constructs a Simulator seeded with cfg.StartingBalanceUSDT.
func NewSimulator(cfg *config.Config, log *zap.Logger) *Simulator {
	return &Simulator{
		cfg:          cfg,
		log:          log,
		events:       make(chan Event, 4096),
		balance:      decimal.NewFromFloat(cfg.StartingBalanceUSDT),
		orders:       make(map[string]simOrder),
		positions:    make(map[model.Symbol]map[model.PositionSide]simPosition),
		lastSimPrice: make(map[model.Symbol]decimal.Decimal),
		lotFilters:   make(map[model.Symbol]model.LotFilter),
		trades:       make(map[string]simTrade),
	}
}

func (s *Simulator) Events() <-chan Event { return s.events }

// SetLotFilter lets tests install tick/step sizes without a network round
// trip; GetExchangeInfo falls back to a permissive default otherwise.
func (s *Simulator) SetLotFilter(symbol model.Symbol, filter model.LotFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lotFilters[symbol] = filter
}

// --- market data (no-ops; the caller drives prices directly) ------------

func (s *Simulator) StartMarketStreams(ctx context.Context, symbols []model.Symbol) error { return nil }
func (s *Simulator) UpdateSymbols(ctx context.Context, symbols []model.Symbol) error       { return nil }
func (s *Simulator) StartUserDataStream(ctx context.Context) error                        { return nil }

// PushMarkPrice feeds a new mark price for symbol, emits the markPrice
// event, and triggers any resting order the price has crossed. Already
// having passed the trigger level (e.g. a STOP order whose stop price sits
// between the previous and new tick) fills on this tick, at the order's
// limit (or stop) price, rather than waiting for an exact touch (spec.md §8
// boundary scenario 6).
func (s *Simulator) PushMarkPrice(symbol model.Symbol, price decimal.Decimal) {
	s.mu.Lock()
	prev, hadPrev := s.lastSimPrice[symbol]
	s.lastSimPrice[symbol] = price
	s.mu.Unlock()

	s.events <- Event{Type: EventMarkPrice, Symbol: symbol, Price: price}

	s.matchOrders(symbol, prev, price, hadPrev)
}

func (s *Simulator) matchOrders(symbol model.Symbol, prev, cur decimal.Decimal, hadPrev bool) {
	s.mu.Lock()
	var toFill []simOrder
	for id, so := range s.orders {
		if so.order.Symbol != symbol {
			continue
		}
		if s.crossed(so.order, prev, cur, hadPrev) {
			toFill = append(toFill, so)
			delete(s.orders, id)
		}
	}
	s.mu.Unlock()

	for _, so := range toFill {
		s.fill(so.order, cur)
	}
}

// crossed reports whether moving from prev to cur trips the given resting
// order's trigger condition.
func (s *Simulator) crossed(o model.Order, prev, cur decimal.Decimal, hadPrev bool) bool {
	switch o.Type {
	case model.OrderTypeLimit:
		if o.Side == model.Buy {
			return cur.LessThanOrEqual(o.Price) || (hadPrev && prev.GreaterThan(o.Price) && cur.LessThanOrEqual(o.Price))
		}
		return cur.GreaterThanOrEqual(o.Price) || (hadPrev && prev.LessThan(o.Price) && cur.GreaterThanOrEqual(o.Price))

	case model.OrderTypeStopLimit, model.OrderTypeStopMarket:
		if o.Side == model.Buy {
			return cur.GreaterThanOrEqual(o.StopPrice)
		}
		return cur.LessThanOrEqual(o.StopPrice)

	case model.OrderTypeMarket:
		return true
	}
	return false
}

// fill executes o (market orders at fillPrice with a slippage adjustment,
// other orders at their limit price, or their stop price when no limit is
// set), updates the simulated position's weighted-average entry (adding
// same-sign quantity) or realises P&L proportionally (reduce-only
// quantity), updates the simulated balance, and emits the normalised
// orderFilled event a Trader expects from the live adapter (spec.md §4.1).
func (s *Simulator) fill(o model.Order, fillPrice decimal.Decimal) {
	price := fillPrice
	if o.Type != model.OrderTypeMarket {
		if !o.Price.IsZero() {
			price = o.Price
		} else if !o.StopPrice.IsZero() {
			price = o.StopPrice
		}
	}
	if o.Type == model.OrderTypeMarket {
		slip := decimal.NewFromFloat(s.cfg.SlippageRate)
		if o.Side == model.Buy {
			price = price.Mul(decimal.NewFromInt(1).Add(slip))
		} else {
			price = price.Mul(decimal.NewFromInt(1).Sub(slip))
		}
	}

	notional := price.Mul(o.Quantity)
	fee := notional.Mul(decimal.NewFromFloat(s.cfg.FeeRate))

	s.mu.Lock()
	s.balance = s.balance.Sub(fee)

	side := o.PositionSide
	if side == "" {
		side = model.Long
		if o.Side == model.Sell {
			side = model.Short
		}
	}
	if s.positions[o.Symbol] == nil {
		s.positions[o.Symbol] = make(map[model.PositionSide]simPosition)
	}
	pos := s.positions[o.Symbol][side]

	if o.ReduceOnly {
		pnlPerUnit := price.Sub(pos.AvgEntry)
		if side == model.Short {
			pnlPerUnit = pos.AvgEntry.Sub(price)
		}
		realized := pnlPerUnit.Mul(o.Quantity)
		s.trades[o.OrderID] = simTrade{PnL: realized, Fee: fee}
		s.balance = s.balance.Add(realized)

		pos.Quantity = pos.Quantity.Sub(o.Quantity)
		if !pos.Quantity.IsPositive() {
			pos = simPosition{}
		}
	} else {
		newQty := pos.Quantity.Add(o.Quantity)
		if pos.Quantity.IsZero() {
			pos.AvgEntry = price
		} else {
			pos.AvgEntry = pos.AvgEntry.Mul(pos.Quantity).Add(price.Mul(o.Quantity)).Div(newQty)
		}
		pos.Quantity = newQty
	}
	s.positions[o.Symbol][side] = pos
	s.mu.Unlock()

	s.events <- Event{
		Type:         EventOrderFilled,
		Symbol:       o.Symbol,
		OrderID:      o.OrderID,
		Side:         o.Side,
		FillPrice:    price,
		FillQuantity: o.Quantity,
		OrderType:    o.Type,
	}
}

// --- REST reads -----------------------------------------------------------

func (s *Simulator) GetMarkPrice(ctx context.Context, symbol model.Symbol) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	price, ok := s.lastSimPrice[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("simulator: no price seeded for %s", symbol)
	}
	return price, nil
}

func (s *Simulator) GetTickerPrice(ctx context.Context, symbol model.Symbol) (decimal.Decimal, error) {
	return s.GetMarkPrice(ctx, symbol)
}

func (s *Simulator) Get24hTickers(ctx context.Context) ([]Ticker24h, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Ticker24h, 0, len(s.lastSimPrice))
	for sym, price := range s.lastSimPrice {
		out = append(out, Ticker24h{Symbol: sym, LastPrice: price})
	}
	return out, nil
}

func (s *Simulator) GetExchangeInfo(ctx context.Context) (map[model.Symbol]model.LotFilter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.Symbol]model.LotFilter, len(s.lotFilters))
	for sym, f := range s.lotFilters {
		out[sym] = f
	}
	return out, nil
}

func (s *Simulator) GetKlines(ctx context.Context, symbol model.Symbol, interval string, limit int) ([]Kline, error) {
	price, err := s.GetMarkPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	k := Kline{OpenTime: time.Now(), Open: price, High: price, Low: price, Close: price}
	out := make([]Kline, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, k)
	}
	return out, nil
}

func (s *Simulator) GetDepth(ctx context.Context, symbol model.Symbol) (DepthSnapshot, error) {
	price, err := s.GetMarkPrice(ctx, symbol)
	if err != nil {
		return DepthSnapshot{}, err
	}
	spread := price.Mul(decimal.NewFromFloat(0.0001))
	return DepthSnapshot{
		Symbol:   symbol,
		BidPrice: price.Sub(spread),
		AskPrice: price.Add(spread),
		BidDepth: decimal.NewFromInt(1_000_000),
		AskDepth: decimal.NewFromInt(1_000_000),
	}, nil
}

func (s *Simulator) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *Simulator) GetPosition(ctx context.Context, symbol model.Symbol) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	legs, ok := s.positions[symbol]
	if !ok {
		return decimal.Zero, nil
	}
	return legs[model.Long].Quantity.Sub(legs[model.Short].Quantity), nil
}

// GetOrderTrades returns the realised pnl/fee a reduce-only fill recorded
// against its own order id, mirroring Binance's userTrades reconciliation
// (spec.md §4.1). Unknown or still-resting order ids report zero.
func (s *Simulator) GetOrderTrades(ctx context.Context, symbol model.Symbol, orderID string) (decimal.Decimal, decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.trades[orderID]
	return t.PnL, t.Fee, nil
}

func (s *Simulator) SetLeverage(ctx context.Context, symbol model.Symbol, leverage int) error {
	return nil
}

// --- REST writes ------------------------------------------------------------

func mintSimOrderID() string {
	return fmt.Sprintf("SIM-%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

func (s *Simulator) place(o model.Order) (string, error) {
	s.mu.Lock()
	filter := s.lotFilters[o.Symbol]
	s.mu.Unlock()
	o.Quantity = model.RoundDownToStep(o.Quantity, filter.StepSize)
	if !o.Price.IsZero() {
		o.Price = model.RoundDownToStep(o.Price, filter.TickSize)
	}
	if !o.StopPrice.IsZero() {
		o.StopPrice = model.RoundDownToStep(o.StopPrice, filter.TickSize)
	}

	o.OrderID = mintSimOrderID()

	if o.Type == model.OrderTypeMarket {
		s.mu.Lock()
		price, ok := s.lastSimPrice[o.Symbol]
		s.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("simulator: cannot market-fill %s with no seeded price", o.Symbol)
		}
		s.fill(o, price)
		return o.OrderID, nil
	}

	s.mu.Lock()
	s.orders[o.OrderID] = simOrder{order: o, createdAt: time.Now()}
	cur, hadCur := s.lastSimPrice[o.Symbol]
	s.mu.Unlock()

	// An order placed after the trigger level has already been crossed
	// fills immediately rather than resting forever (spec.md §8 boundary
	// scenario 6).
	if hadCur && s.crossed(o, cur, cur, true) {
		s.mu.Lock()
		delete(s.orders, o.OrderID)
		s.mu.Unlock()
		s.fill(o, cur)
	}

	return o.OrderID, nil
}

func (s *Simulator) PlaceLimitOrder(ctx context.Context, o model.Order) (string, error) {
	o.Type = model.OrderTypeLimit
	return s.place(o)
}

func (s *Simulator) PlaceStopLimitOrder(ctx context.Context, o model.Order) (string, error) {
	o.Type = model.OrderTypeStopLimit
	return s.place(o)
}

func (s *Simulator) PlaceMarketOrder(ctx context.Context, o model.Order) (string, error) {
	o.Type = model.OrderTypeMarket
	return s.place(o)
}

func (s *Simulator) CancelOrder(ctx context.Context, symbol model.Symbol, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, orderID)
	return nil
}

func (s *Simulator) CancelAllOpenOrders(ctx context.Context, symbol model.Symbol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, so := range s.orders {
		if so.order.Symbol == symbol {
			delete(s.orders, id)
		}
	}
	return nil
}

func (s *Simulator) ClosePositionMarket(ctx context.Context, symbol model.Symbol, side model.PositionSide, quantity decimal.Decimal) (string, error) {
	closeSide := model.Sell
	if side == model.Short {
		closeSide = model.Buy
	}
	return s.PlaceMarketOrder(ctx, model.Order{
		Symbol:       symbol,
		Side:         closeSide,
		Quantity:     quantity,
		ReduceOnly:   true,
		PositionSide: side,
	})
}
