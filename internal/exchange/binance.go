package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perpbot/internal/config"
	"perpbot/internal/model"
)

// BinanceAdapter is the live implementation of Adapter against Binance
// Futures USDT-M. REST calls are asynchronous and may overlap with event
// delivery; order-id normalisation and the algoId -> clientAlgoId map are
// the load-bearing invariants described in spec.md §9.
type BinanceAdapter struct {
	cfg *config.Config
	log *zap.Logger

	httpClient *http.Client

	marketWS *wsClient
	userWS   *wsClient

	events chan Event

	symbolsMu sync.Mutex
	symbols   map[model.Symbol]struct{}

	algoIDMu sync.Mutex
	algoID   map[string]string // algoId -> clientAlgoId

	exchangeInfoMu  sync.Mutex
	exchangeInfo    map[model.Symbol]model.LotFilter
	exchangeInfoAt  time.Time

	listenKeyMu sync.Mutex
	listenKey   string
}

// NewBinanceAdapter constructs a BinanceAdapter. Connections are not opened
// until StartMarketStreams / StartUserDataStream is called.
func NewBinanceAdapter(cfg *config.Config, log *zap.Logger) *BinanceAdapter {
	return &BinanceAdapter{
		cfg:        cfg,
		log:        log,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		events:     make(chan Event, 4096),
		symbols:    make(map[model.Symbol]struct{}),
		algoID:     make(map[string]string),
	}
}

func (b *BinanceAdapter) Events() <-chan Event { return b.events }

// --- signing / REST plumbing -------------------------------------------------

func (b *BinanceAdapter) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(b.cfg.APISecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (b *BinanceAdapter) request(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.FormatInt(b.cfg.RecvWindow.Milliseconds(), 10))
		query := params.Encode()
		params.Set("signature", b.sign(query))
	}

	full := b.cfg.BaseRestURL + path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		full += "?" + params.Encode()
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, full, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", b.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transient network error calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transient network error reading %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if jerr := json.Unmarshal(data, &payload); jerr == nil && payload.Code != 0 {
			return nil, &ExchangeError{Code: payload.Code, Message: payload.Msg}
		}
		return nil, &ExchangeError{Code: resp.StatusCode, Message: string(data)}
	}

	return data, nil
}

// --- lot rounding -------------------------------------------------------

func (b *BinanceAdapter) lotFilter(ctx context.Context, symbol model.Symbol) model.LotFilter {
	info, err := b.GetExchangeInfo(ctx)
	if err != nil {
		b.log.Warn("failed to refresh exchange info for rounding, using unrounded values", zap.Error(err))
		return model.LotFilter{}
	}
	return info[symbol]
}

func (b *BinanceAdapter) roundOrder(ctx context.Context, o *model.Order) {
	filter := b.lotFilter(ctx, o.Symbol)
	o.Quantity = model.RoundDownToStep(o.Quantity, filter.StepSize)
	if !o.Price.IsZero() {
		o.Price = model.RoundDownToStep(o.Price, filter.TickSize)
	}
	if !o.StopPrice.IsZero() {
		o.StopPrice = model.RoundDownToStep(o.StopPrice, filter.TickSize)
	}
}

// --- market data ---------------------------------------------------------

func (b *BinanceAdapter) StartMarketStreams(ctx context.Context, symbols []model.Symbol) error {
	b.symbolsMu.Lock()
	b.symbols = make(map[model.Symbol]struct{}, len(symbols))
	for _, s := range symbols {
		b.symbols[s] = struct{}{}
	}
	b.symbolsMu.Unlock()

	return b.reconnectMarketWS(ctx)
}

// UpdateSymbols tears down and reconnects the combined market websocket
// only if membership actually changed.
func (b *BinanceAdapter) UpdateSymbols(ctx context.Context, symbols []model.Symbol) error {
	next := make(map[model.Symbol]struct{}, len(symbols))
	for _, s := range symbols {
		next[s] = struct{}{}
	}

	b.symbolsMu.Lock()
	changed := len(next) != len(b.symbols)
	if !changed {
		for s := range next {
			if _, ok := b.symbols[s]; !ok {
				changed = true
				break
			}
		}
	}
	b.symbols = next
	b.symbolsMu.Unlock()

	if !changed {
		return nil
	}
	return b.reconnectMarketWS(ctx)
}

func (b *BinanceAdapter) reconnectMarketWS(ctx context.Context) error {
	if b.marketWS != nil {
		b.marketWS.close()
	}

	b.symbolsMu.Lock()
	streams := make([]string, 0, len(b.symbols)*2)
	for s := range b.symbols {
		lower := strings.ToLower(string(s))
		streams = append(streams, lower+"@markPrice@1s", lower+"@bookTicker")
	}
	b.symbolsMu.Unlock()

	if len(streams) == 0 {
		b.marketWS = nil
		return nil
	}

	wsURL := b.cfg.BaseWsURL + "/stream?streams=" + strings.Join(streams, "/")
	b.marketWS = newWSClient("market", wsURL, b.log, func() {
		b.log.Info("market websocket reconnected")
	})
	if err := b.marketWS.connect(ctx); err != nil {
		return err
	}
	go b.pumpMarketMessages(ctx, b.marketWS)
	return nil
}

type combinedStreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (b *BinanceAdapter) pumpMarketMessages(ctx context.Context, client *wsClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-client.recv:
			if !ok {
				return
			}
			b.handleMarketMessage(raw)
		}
	}
}

func (b *BinanceAdapter) handleMarketMessage(raw []byte) {
	var env combinedStreamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.log.Warn("failed to parse market message envelope", zap.Error(err))
		return
	}

	switch {
	case strings.Contains(env.Stream, "@markPrice"):
		var mp struct {
			Symbol string `json:"s"`
			Price  string `json:"p"`
		}
		if err := json.Unmarshal(env.Data, &mp); err != nil {
			return
		}
		price, _ := decimal.NewFromString(mp.Price)
		b.events <- Event{Type: EventMarkPrice, Symbol: model.Symbol(mp.Symbol), Price: price}

	case strings.Contains(env.Stream, "@bookTicker"):
		var bt struct {
			Symbol   string `json:"s"`
			BidPrice string `json:"b"`
			AskPrice string `json:"a"`
		}
		if err := json.Unmarshal(env.Data, &bt); err != nil {
			return
		}
		bid, _ := decimal.NewFromString(bt.BidPrice)
		ask, _ := decimal.NewFromString(bt.AskPrice)
		b.events <- Event{Type: EventBookTicker, Symbol: model.Symbol(bt.Symbol), Bid: bid, Ask: ask}
	}
}

// --- user data stream -----------------------------------------------------

func (b *BinanceAdapter) StartUserDataStream(ctx context.Context) error {
	data, err := b.request(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false)
	if err != nil {
		return fmt.Errorf("obtaining listen key: %w", err)
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("parsing listen key response: %w", err)
	}

	b.listenKeyMu.Lock()
	b.listenKey = resp.ListenKey
	b.listenKeyMu.Unlock()

	wsURL := b.cfg.BaseWsURL + "/ws/" + resp.ListenKey
	b.userWS = newWSClient("userData", wsURL, b.log, func() {
		b.log.Info("user-data websocket reconnected")
	})
	if err := b.userWS.connect(ctx); err != nil {
		return err
	}
	go b.pumpUserMessages(ctx, b.userWS)
	go b.keepAliveListenKey(ctx)
	return nil
}

func (b *BinanceAdapter) keepAliveListenKey(ctx context.Context) {
	ticker := time.NewTicker(25 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.listenKeyMu.Lock()
			key := b.listenKey
			b.listenKeyMu.Unlock()
			if key == "" {
				continue
			}
			params := url.Values{"listenKey": {key}}
			if _, err := b.request(ctx, http.MethodPut, "/fapi/v1/listenKey", params, false); err != nil {
				b.log.Warn("listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

func (b *BinanceAdapter) pumpUserMessages(ctx context.Context, client *wsClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-client.recv:
			if !ok {
				return
			}
			b.handleUserMessage(ctx, raw)
		}
	}
}

type userDataOrderUpdate struct {
	EventType string `json:"e"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		OrderType     string `json:"o"`
		ExecutionType string `json:"x"`
		OrderStatus   string `json:"X"`
		OrderID       int64  `json:"i"`
		LastFillQty   string `json:"l"`
		LastFillPrice string `json:"L"`
		AlgoID        string `json:"algoId,omitempty"`
	} `json:"o"`
}

// handleUserMessage normalises a user-data event's three potential
// identifiers (numeric orderId, exchange clientOrderId, algoId for
// conditional orders) into the single orderId a strategy sees, choosing in
// priority order: a BOT-prefixed client id, the algoId's mapped
// clientAlgoId, else the numeric order id (spec.md §4.1 / §9).
func (b *BinanceAdapter) handleUserMessage(ctx context.Context, raw []byte) {
	var upd userDataOrderUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		return
	}
	if upd.EventType != "ORDER_TRADE_UPDATE" {
		if upd.EventType == "listenKeyExpired" {
			b.log.Warn("listen key expired, re-issuing user data stream")
			if b.userWS != nil {
				b.userWS.close()
			}
			if err := b.StartUserDataStream(ctx); err != nil {
				b.log.Error("failed to restart user data stream", zap.Error(err))
			}
		}
		return
	}

	o := upd.Order
	numericID := strconv.FormatInt(o.OrderID, 10)

	normalised := numericID
	if strings.HasPrefix(o.ClientOrderID, "BOT-") {
		normalised = o.ClientOrderID
	} else if o.AlgoID != "" {
		b.algoIDMu.Lock()
		if mapped, ok := b.algoID[o.AlgoID]; ok {
			normalised = mapped
		}
		b.algoIDMu.Unlock()
	}

	ev := Event{
		Symbol:         model.Symbol(o.Symbol),
		OrderID:        normalised,
		NumericOrderID: numericID,
		ClientOrderID:  o.ClientOrderID,
		AlgoID:         o.AlgoID,
		OrderType:      model.OrderType(o.OrderType),
	}
	if o.Side == "SELL" {
		ev.Side = model.Sell
	} else {
		ev.Side = model.Buy
	}

	switch o.ExecutionType {
	case "TRADE":
		if o.OrderStatus != "FILLED" && o.OrderStatus != "PARTIALLY_FILLED" {
			return
		}
		ev.Type = EventOrderFilled
		ev.FillPrice, _ = decimal.NewFromString(o.LastFillPrice)
		ev.FillQuantity, _ = decimal.NewFromString(o.LastFillQty)
	case "CANCELED", "EXPIRED", "REJECTED":
		ev.Type = EventOrderCancelled
		ev.CancelStatus = o.OrderStatus
	default:
		return
	}

	b.events <- ev
}

// mintClientAlgoID assigns a bot-originated client id of the form
// BOT-<timestamp>-<rand> to an algo order and remembers the algoId mapping
// so a later user-data event can be normalised back to it.
func (b *BinanceAdapter) mintClientAlgoID(algoID string) string {
	clientID := fmt.Sprintf("BOT-%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
	if algoID != "" {
		b.algoIDMu.Lock()
		b.algoID[algoID] = clientID
		b.algoIDMu.Unlock()
	}
	return clientID
}

// --- REST reads -----------------------------------------------------------

func (b *BinanceAdapter) GetMarkPrice(ctx context.Context, symbol model.Symbol) (decimal.Decimal, error) {
	data, err := b.request(ctx, http.MethodGet, "/fapi/v1/premiumIndex", url.Values{"symbol": {string(symbol)}}, false)
	if err != nil {
		return decimal.Zero, err
	}
	var resp struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(resp.MarkPrice)
}

func (b *BinanceAdapter) GetTickerPrice(ctx context.Context, symbol model.Symbol) (decimal.Decimal, error) {
	data, err := b.request(ctx, http.MethodGet, "/fapi/v1/ticker/price", url.Values{"symbol": {string(symbol)}}, false)
	if err != nil {
		return decimal.Zero, err
	}
	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(resp.Price)
}

func (b *BinanceAdapter) Get24hTickers(ctx context.Context) ([]Ticker24h, error) {
	data, err := b.request(ctx, http.MethodGet, "/fapi/v1/ticker/24hr", nil, false)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol             string `json:"symbol"`
		PriceChangePercent string `json:"priceChangePercent"`
		QuoteVolume        string `json:"quoteVolume"`
		HighPrice          string `json:"highPrice"`
		LowPrice           string `json:"lowPrice"`
		LastPrice          string `json:"lastPrice"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	out := make([]Ticker24h, 0, len(raw))
	for _, r := range raw {
		t := Ticker24h{Symbol: model.Symbol(r.Symbol)}
		t.PriceChangePercent, _ = decimal.NewFromString(r.PriceChangePercent)
		t.QuoteVolume, _ = decimal.NewFromString(r.QuoteVolume)
		t.HighPrice, _ = decimal.NewFromString(r.HighPrice)
		t.LowPrice, _ = decimal.NewFromString(r.LowPrice)
		t.LastPrice, _ = decimal.NewFromString(r.LastPrice)
		out = append(out, t)
	}
	return out, nil
}

func (b *BinanceAdapter) GetExchangeInfo(ctx context.Context) (map[model.Symbol]model.LotFilter, error) {
	b.exchangeInfoMu.Lock()
	if b.exchangeInfo != nil && time.Since(b.exchangeInfoAt) < 10*time.Minute {
		defer b.exchangeInfoMu.Unlock()
		return b.exchangeInfo, nil
	}
	b.exchangeInfoMu.Unlock()

	data, err := b.request(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}

	info := make(map[model.Symbol]model.LotFilter, len(resp.Symbols))
	for _, s := range resp.Symbols {
		var lf model.LotFilter
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				lf.TickSize, _ = decimal.NewFromString(f.TickSize)
			case "LOT_SIZE":
				lf.StepSize, _ = decimal.NewFromString(f.StepSize)
			}
		}
		info[model.Symbol(s.Symbol)] = lf
	}

	b.exchangeInfoMu.Lock()
	b.exchangeInfo = info
	b.exchangeInfoAt = time.Now()
	b.exchangeInfoMu.Unlock()

	return info, nil
}

func (b *BinanceAdapter) GetKlines(ctx context.Context, symbol model.Symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{
		"symbol":   {string(symbol)},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	data, err := b.request(ctx, http.MethodGet, "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, err
	}

	var raw [][]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	out := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 5 {
			continue
		}
		k := Kline{}
		if ms, ok := row[0].(float64); ok {
			k.OpenTime = time.UnixMilli(int64(ms))
		}
		k.Open, _ = decimal.NewFromString(toStr(row[1]))
		k.High, _ = decimal.NewFromString(toStr(row[2]))
		k.Low, _ = decimal.NewFromString(toStr(row[3]))
		k.Close, _ = decimal.NewFromString(toStr(row[4]))
		if len(row) > 5 {
			k.Volume, _ = decimal.NewFromString(toStr(row[5]))
		}
		out = append(out, k)
	}
	return out, nil
}

func toStr(v interface{}) string {
	s, _ := v.(string)
	return s
}

func (b *BinanceAdapter) GetDepth(ctx context.Context, symbol model.Symbol) (DepthSnapshot, error) {
	data, err := b.request(ctx, http.MethodGet, "/fapi/v1/depth", url.Values{"symbol": {string(symbol)}, "limit": {"5"}}, false)
	if err != nil {
		return DepthSnapshot{}, err
	}

	var resp struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return DepthSnapshot{}, err
	}

	out := DepthSnapshot{Symbol: symbol}
	if len(resp.Bids) > 0 {
		out.BidPrice, _ = decimal.NewFromString(resp.Bids[0][0])
	}
	if len(resp.Asks) > 0 {
		out.AskPrice, _ = decimal.NewFromString(resp.Asks[0][0])
	}
	for _, lvl := range resp.Bids {
		qty, _ := decimal.NewFromString(lvl[1])
		out.BidDepth = out.BidDepth.Add(qty)
	}
	for _, lvl := range resp.Asks {
		qty, _ := decimal.NewFromString(lvl[1])
		out.AskDepth = out.AskDepth.Add(qty)
	}
	return out, nil
}

func (b *BinanceAdapter) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	data, err := b.request(ctx, http.MethodGet, "/fapi/v2/balance", nil, true)
	if err != nil {
		return decimal.Zero, err
	}
	var raw []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return decimal.Zero, err
	}
	for _, a := range raw {
		if a.Asset == "USDT" {
			return decimal.NewFromString(a.AvailableBalance)
		}
	}
	return decimal.Zero, nil
}

func (b *BinanceAdapter) GetPosition(ctx context.Context, symbol model.Symbol) (decimal.Decimal, error) {
	data, err := b.request(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{"symbol": {string(symbol)}}, true)
	if err != nil {
		return decimal.Zero, err
	}
	var raw []struct {
		PositionAmt string `json:"positionAmt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range raw {
		amt, _ := decimal.NewFromString(p.PositionAmt)
		total = total.Add(amt)
	}
	return total, nil
}

func (b *BinanceAdapter) GetOrderTrades(ctx context.Context, symbol model.Symbol, orderID string) (decimal.Decimal, decimal.Decimal, error) {
	params := url.Values{"symbol": {string(symbol)}, "orderId": {orderID}}
	data, err := b.request(ctx, http.MethodGet, "/fapi/v1/userTrades", params, true)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	var raw []struct {
		RealizedPnl string `json:"realizedPnl"`
		Commission  string `json:"commission"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	pnl, commission := decimal.Zero, decimal.Zero
	for _, t := range raw {
		p, _ := decimal.NewFromString(t.RealizedPnl)
		c, _ := decimal.NewFromString(t.Commission)
		pnl = pnl.Add(p)
		commission = commission.Add(c)
	}
	return pnl, commission, nil
}

func (b *BinanceAdapter) SetLeverage(ctx context.Context, symbol model.Symbol, leverage int) error {
	params := url.Values{"symbol": {string(symbol)}, "leverage": {strconv.Itoa(leverage)}}
	_, err := b.request(ctx, http.MethodPost, "/fapi/v1/leverage", params, true)
	return err
}

// --- REST writes ------------------------------------------------------------

// isAlgoOrder reports whether an order type must route through the algo
// order endpoint. Placing a market order against the algo endpoint (or
// vice versa) is a programmer error and fails before any request is sent
// (spec.md §4.1).
func isAlgoOrder(t model.OrderType) bool {
	return t == model.OrderTypeStopLimit || t == model.OrderTypeStopMarket
}

func (b *BinanceAdapter) placeOrder(ctx context.Context, o model.Order) (string, error) {
	b.roundOrder(ctx, &o)

	algo := isAlgoOrder(o.Type)
	path := "/fapi/v1/order"
	if algo {
		path = "/fapi/v1/algoOrder"
	}

	params := url.Values{
		"symbol":       {string(o.Symbol)},
		"side":         {string(o.Side)},
		"type":         {string(o.Type)},
		"quantity":     {o.Quantity.String()},
		"positionSide": {string(o.PositionSide)},
	}
	if o.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if !o.Price.IsZero() {
		params.Set("price", o.Price.String())
		params.Set("timeInForce", "GTC")
	}
	if !o.StopPrice.IsZero() {
		params.Set("stopPrice", o.StopPrice.String())
	}

	var clientID string
	if algo {
		clientID = b.mintClientAlgoID("")
		params.Set("newClientAlgoId", clientID)
	} else {
		clientID = fmt.Sprintf("BOT-%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
		params.Set("newClientOrderId", clientID)
	}

	data, err := b.request(ctx, http.MethodPost, path, params, true)
	if err != nil {
		return "", err
	}

	var resp struct {
		OrderID int64  `json:"orderId"`
		AlgoID  string `json:"algoId"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", err
	}

	if algo && resp.AlgoID != "" {
		b.algoIDMu.Lock()
		b.algoID[resp.AlgoID] = clientID
		b.algoIDMu.Unlock()
	}

	return clientID, nil
}

func (b *BinanceAdapter) PlaceLimitOrder(ctx context.Context, o model.Order) (string, error) {
	o.Type = model.OrderTypeLimit
	return b.placeOrder(ctx, o)
}

func (b *BinanceAdapter) PlaceStopLimitOrder(ctx context.Context, o model.Order) (string, error) {
	o.Type = model.OrderTypeStopLimit
	return b.placeOrder(ctx, o)
}

func (b *BinanceAdapter) PlaceMarketOrder(ctx context.Context, o model.Order) (string, error) {
	if isAlgoOrder(o.Type) {
		return "", fmt.Errorf("placeMarketOrder: order type %s must not route through the algo endpoint", o.Type)
	}
	o.Type = model.OrderTypeMarket
	return b.placeOrder(ctx, o)
}

// CancelOrder treats -2011 (unknown order) as success, since the order may
// already have been filled or cancelled exchange-side (spec.md §4.1/§7).
func (b *BinanceAdapter) CancelOrder(ctx context.Context, symbol model.Symbol, orderID string) error {
	params := url.Values{"symbol": {string(symbol)}}
	if strings.HasPrefix(orderID, "BOT-") {
		params.Set("origClientOrderId", orderID)
	} else {
		params.Set("orderId", orderID)
	}

	_, err := b.request(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	if err != nil {
		var exErr *ExchangeError
		if errors.As(err, &exErr) && exErr.Code == CodeUnknownOrder {
			return nil
		}
		return err
	}
	return nil
}

func (b *BinanceAdapter) CancelAllOpenOrders(ctx context.Context, symbol model.Symbol) error {
	params := url.Values{"symbol": {string(symbol)}}
	_, err := b.request(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true)
	return err
}

func (b *BinanceAdapter) ClosePositionMarket(ctx context.Context, symbol model.Symbol, side model.PositionSide, quantity decimal.Decimal) (string, error) {
	closeSide := model.Sell
	if side == model.Short {
		closeSide = model.Buy
	}
	return b.PlaceMarketOrder(ctx, model.Order{
		Symbol:       symbol,
		Side:         closeSide,
		Type:         model.OrderTypeMarket,
		Quantity:     quantity,
		ReduceOnly:   true,
		PositionSide: side,
	})
}
