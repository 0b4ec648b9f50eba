// Package mexc implements the exchange adapter for MEXC. Spot endpoints are
// Binance-shaped with their own auth header; futures go through the contract
// API, which also serves the kline series used for signals.
package mexc

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"autotrader/pkg/exchanges/common"
)

const (
	spotBaseURL     = "https://api.mexc.com"
	contractBaseURL = "https://contract.mexc.com"
)

// Contract order constants.
const (
	sideOpenLong   = 1
	sideCloseShort = 2
	sideOpenShort  = 3
	sideCloseLong  = 4

	orderTypeMarket = 5
	openTypeCross   = 2
)

// Adapter is the MEXC venue adapter.
type Adapter struct {
	spotURL     string
	contractURL string
	httpClient  *http.Client
	log         *zap.SugaredLogger
}

// New creates a MEXC adapter against the production endpoints.
func New(log *zap.SugaredLogger) *Adapter {
	return NewWithBaseURLs(spotBaseURL, contractBaseURL, log)
}

// NewWithBaseURLs creates an adapter against custom endpoints; used by tests.
func NewWithBaseURLs(spotURL, contractURL string, log *zap.SugaredLogger) *Adapter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Adapter{
		spotURL:     spotURL,
		contractURL: contractURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         log,
	}
}

func (a *Adapter) Name() string { return "mexc" }

// contractSymbolFor converts a compact symbol like BTCUSDT into the contract
// API's underscored form.
func contractSymbolFor(symbol string) string {
	if strings.Contains(symbol, "_") {
		return symbol
	}
	for _, quote := range []string{"USDT", "USDC"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return symbol[:len(symbol)-len(quote)] + "_" + quote
		}
	}
	return symbol
}

// intervalFor maps the shared interval vocabulary onto contract kline strings.
func intervalFor(interval string) string {
	switch interval {
	case "1m":
		return "Min1"
	case "5m":
		return "Min5"
	case "15m":
		return "Min15"
	case "30m":
		return "Min30"
	case "1h":
		return "Min60"
	case "4h":
		return "Hour4"
	case "1d":
		return "Day1"
	default:
		return "Min15"
	}
}

func (a *Adapter) GetBalance(ctx context.Context, creds common.Credentials, futures bool) (common.Balance, error) {
	if futures {
		body, err := a.doContract(ctx, creds, http.MethodGet, "/api/v1/private/account/asset/USDT", nil, nil)
		if err != nil {
			return common.Balance{}, err
		}
		var res struct {
			Data struct {
				Currency         string  `json:"currency"`
				Equity           float64 `json:"equity"`
				AvailableBalance float64 `json:"availableBalance"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return common.Balance{}, fmt.Errorf("decode asset: %w", err)
		}
		return common.Balance{
			Asset:  "USDT",
			Free:   res.Data.AvailableBalance,
			Locked: res.Data.Equity - res.Data.AvailableBalance,
			Total:  res.Data.Equity,
		}, nil
	}

	body, err := a.doSpotSigned(ctx, creds, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return common.Balance{}, err
	}
	var acct struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &acct); err != nil {
		return common.Balance{}, fmt.Errorf("decode account: %w", err)
	}
	for _, b := range acct.Balances {
		if b.Asset == "USDT" {
			free := toFloat(b.Free)
			locked := toFloat(b.Locked)
			return common.Balance{Asset: "USDT", Free: free, Locked: locked, Total: free + locked}, nil
		}
	}
	return common.Balance{Asset: "USDT"}, nil
}

func (a *Adapter) GetCurrentPrice(ctx context.Context, symbol string, futures bool) (float64, error) {
	if futures {
		body, err := a.doPublic(ctx, a.contractURL+"/api/v1/contract/ticker?symbol="+url.QueryEscape(contractSymbolFor(symbol)))
		if err != nil {
			return 0, err
		}
		var res struct {
			Data struct {
				LastPrice float64 `json:"lastPrice"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return 0, fmt.Errorf("decode ticker: %w", err)
		}
		if res.Data.LastPrice <= 0 {
			return 0, fmt.Errorf("no price for %s", symbol)
		}
		return res.Data.LastPrice, nil
	}

	body, err := a.doPublic(ctx, a.spotURL+"/api/v3/ticker/price?symbol="+url.QueryEscape(symbol))
	if err != nil {
		return 0, err
	}
	var res struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode ticker: %w", err)
	}
	price := toFloat(res.Price)
	if price <= 0 {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string, futures bool) (common.SymbolInfo, error) {
	if futures {
		body, err := a.doPublic(ctx, a.contractURL+"/api/v1/contract/detail?symbol="+url.QueryEscape(contractSymbolFor(symbol)))
		if err != nil {
			return common.SymbolInfo{}, err
		}
		var res struct {
			Data struct {
				Symbol       string  `json:"symbol"`
				BaseCoin     string  `json:"baseCoin"`
				QuoteCoin    string  `json:"quoteCoin"`
				MinVol       float64 `json:"minVol"`
				VolUnit      float64 `json:"volUnit"`
				PriceUnit    float64 `json:"priceUnit"`
				ContractSize float64 `json:"contractSize"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return common.SymbolInfo{}, fmt.Errorf("decode contract detail: %w", err)
		}
		if res.Data.Symbol == "" {
			return common.SymbolInfo{}, fmt.Errorf("symbol %s not found", symbol)
		}
		return common.SymbolInfo{
			Symbol:     res.Data.Symbol,
			BaseAsset:  res.Data.BaseCoin,
			QuoteAsset: res.Data.QuoteCoin,
			MinQty:     res.Data.MinVol,
			StepSize:   res.Data.VolUnit,
			TickSize:   res.Data.PriceUnit,
		}, nil
	}

	body, err := a.doPublic(ctx, a.spotURL+"/api/v3/exchangeInfo?symbol="+url.QueryEscape(symbol))
	if err != nil {
		return common.SymbolInfo{}, err
	}
	var res struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			BaseAsset         string `json:"baseAsset"`
			QuoteAsset        string `json:"quoteAsset"`
			BaseSizePrecision string `json:"baseSizePrecision"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return common.SymbolInfo{}, fmt.Errorf("decode exchange info: %w", err)
	}
	if len(res.Symbols) == 0 {
		return common.SymbolInfo{}, fmt.Errorf("symbol %s not found", symbol)
	}
	s := res.Symbols[0]
	step := toFloat(s.BaseSizePrecision)
	return common.SymbolInfo{
		Symbol:     s.Symbol,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
		MinQty:     step,
		StepSize:   step,
	}, nil
}

func (a *Adapter) CreateOrder(ctx context.Context, creds common.Credentials, spec common.OrderSpec) (*common.OrderAck, error) {
	price, err := a.GetCurrentPrice(ctx, spec.Symbol, spec.Futures)
	if err != nil {
		return nil, err
	}
	info, err := a.GetSymbolInfo(ctx, spec.Symbol, spec.Futures)
	if err != nil {
		return nil, err
	}

	qty := common.QuantityForQuote(spec.Amount, price, info.StepSize)
	if qty <= 0 || qty < info.MinQty {
		return nil, common.NewOrderTooSmallError(a.Name(), info.MinQty, common.SuggestedQuoteAmount(info.MinQty, price))
	}

	tp, sl := common.ComputeTPSL(price, spec.Side, spec.TakeProfitPct, spec.StopLossPct)

	if spec.Futures {
		side := sideOpenLong
		if spec.Side == common.SideSell {
			side = sideOpenShort
		}
		payload := map[string]any{
			"symbol":   contractSymbolFor(spec.Symbol),
			"vol":      qty,
			"side":     side,
			"type":     orderTypeMarket,
			"openType": openTypeCross,
		}
		if spec.Leverage > 0 {
			payload["leverage"] = spec.Leverage
		}
		if tp > 0 {
			payload["takeProfitPrice"] = common.RoundToStep(tp, info.TickSize)
		}
		if sl > 0 {
			payload["stopLossPrice"] = common.RoundToStep(sl, info.TickSize)
		}
		if spec.ClientOrderID != "" {
			payload["externalOid"] = spec.ClientOrderID
		}
		body, err := a.doContract(ctx, creds, http.MethodPost, "/api/v1/private/order/submit", nil, payload)
		if err != nil {
			return nil, err
		}
		var res struct {
			Data json.Number `json:"data"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, fmt.Errorf("decode order response: %w", err)
		}
		return &common.OrderAck{
			ExchangeOrderID: res.Data.String(),
			ClientOrderID:   spec.ClientOrderID,
			Symbol:          spec.Symbol,
			Side:            spec.Side,
			Quantity:        qty,
			EntryPrice:      price,
			Raw:             rawMap(body),
		}, nil
	}

	if spec.TakeProfitPct > 0 || spec.StopLossPct > 0 {
		a.log.Warnw("mexc spot orders do not support attached TP/SL, skipping",
			"symbol", spec.Symbol)
	}

	params := url.Values{}
	params.Set("symbol", spec.Symbol)
	params.Set("side", string(spec.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", common.FormatFloat(qty))
	if spec.ClientOrderID != "" {
		params.Set("newClientOrderId", spec.ClientOrderID)
	}
	body, err := a.doSpotSigned(ctx, creds, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}

	raw := rawMap(body)
	orderID := ""
	switch v := raw["orderId"].(type) {
	case string:
		orderID = v
	case float64:
		orderID = strconv.FormatInt(int64(v), 10)
	}
	return &common.OrderAck{
		ExchangeOrderID: orderID,
		ClientOrderID:   spec.ClientOrderID,
		Symbol:          spec.Symbol,
		Side:            spec.Side,
		Quantity:        qty,
		EntryPrice:      price,
		Raw:             raw,
	}, nil
}

func (a *Adapter) ClosePosition(ctx context.Context, creds common.Credentials, symbol string, futures bool) (map[string]any, error) {
	if futures {
		positions, err := a.GetPositions(ctx, creds, true)
		if err != nil {
			return nil, err
		}
		var pos *common.Position
		contractSym := contractSymbolFor(symbol)
		for i := range positions {
			if positions[i].Symbol == contractSym {
				pos = &positions[i]
				break
			}
		}
		if pos == nil {
			return nil, fmt.Errorf("no open position for %s", symbol)
		}

		side := sideCloseLong
		if pos.Side == "short" {
			side = sideCloseShort
		}
		payload := map[string]any{
			"symbol":   contractSym,
			"vol":      pos.Size,
			"side":     side,
			"type":     orderTypeMarket,
			"openType": openTypeCross,
		}
		body, err := a.doContract(ctx, creds, http.MethodPost, "/api/v1/private/order/submit", nil, payload)
		if err != nil {
			return nil, err
		}
		return rawMap(body), nil
	}

	info, err := a.GetSymbolInfo(ctx, symbol, false)
	if err != nil {
		return nil, err
	}
	free, err := a.freeAsset(ctx, creds, info.BaseAsset)
	if err != nil {
		return nil, err
	}
	qty := common.RoundToStep(free, info.StepSize)
	if qty <= 0 {
		return nil, fmt.Errorf("no %s holding to close", info.BaseAsset)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(common.SideSell))
	params.Set("type", "MARKET")
	params.Set("quantity", common.FormatFloat(qty))
	body, err := a.doSpotSigned(ctx, creds, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}
	return rawMap(body), nil
}

func (a *Adapter) GetPositions(ctx context.Context, creds common.Credentials, futures bool) ([]common.Position, error) {
	if !futures {
		return nil, nil
	}
	body, err := a.doContract(ctx, creds, http.MethodGet, "/api/v1/private/position/open_positions", nil, nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		Data []struct {
			Symbol       string  `json:"symbol"`
			PositionType int     `json:"positionType"` // 1 long, 2 short
			HoldVol      float64 `json:"holdVol"`
			HoldAvgPrice float64 `json:"holdAvgPrice"`
			Realised     float64 `json:"realised"`
			Leverage     float64 `json:"leverage"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	var out []common.Position
	for _, p := range res.Data {
		if p.HoldVol == 0 {
			continue
		}
		side := "long"
		if p.PositionType == 2 {
			side = "short"
		}
		out = append(out, common.Position{
			Exchange:   a.Name(),
			Symbol:     p.Symbol,
			Side:       side,
			Size:       p.HoldVol,
			EntryPrice: p.HoldAvgPrice,
			Leverage:   p.Leverage,
		})
	}
	return out, nil
}

func (a *Adapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]float64, error) {
	q := url.Values{}
	q.Set("symbol", contractSymbolFor(symbol))
	q.Set("interval", intervalFor(interval))
	q.Set("limit", strconv.Itoa(limit))
	body, err := a.doPublic(ctx, a.contractURL+"/api/v1/contract/kline?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var res struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Data    struct {
			Klines [][]json.Number `json:"klines"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	if !res.Success {
		return nil, fmt.Errorf("mexc kline error: %s", res.Message)
	}

	// Rows arrive oldest first; close sits at index 2.
	closes := make([]float64, 0, len(res.Data.Klines))
	for _, row := range res.Data.Klines {
		if len(row) < 3 {
			continue
		}
		v, _ := row[2].Float64()
		closes = append(closes, v)
	}
	return closes, nil
}

func (a *Adapter) freeAsset(ctx context.Context, creds common.Credentials, asset string) (float64, error) {
	body, err := a.doSpotSigned(ctx, creds, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return 0, err
	}
	var acct struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &acct); err != nil {
		return 0, fmt.Errorf("decode account: %w", err)
	}
	for _, b := range acct.Balances {
		if b.Asset == asset {
			return toFloat(b.Free), nil
		}
	}
	return 0, nil
}

// doSpotSigned signs the query string HMAC-SHA256 hex, Binance style, with
// MEXC's own auth header.
func (a *Adapter) doSpotSigned(ctx context.Context, creds common.Credentials, method, path string, params url.Values) ([]byte, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, common.NewAuthError(a.Name(), "API key/secret required")
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("signature", signHex(creds.APISecret, params.Encode()))

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	if method == http.MethodGet || method == http.MethodDelete {
		req, err = http.NewRequestWithContext(ctx, method, a.spotURL+path+"?"+encoded, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, a.spotURL+path, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MEXC-APIKEY", creds.APIKey)

	res, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("mexc %s %s status %d: %s", method, path, res.StatusCode, string(body))
	}
	return body, nil
}

// doContract signs per the contract API: HMAC-SHA256 hex over
// apiKey + timestamp + params, in ApiKey/Request-Time/Signature headers.
func (a *Adapter) doContract(ctx context.Context, creds common.Credentials, method, path string, query url.Values, jsonBody any) ([]byte, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, common.NewAuthError(a.Name(), "API key/secret required")
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	var paramStr string
	var bodyReader io.Reader
	urlStr := a.contractURL + path
	if method == http.MethodGet {
		paramStr = query.Encode()
		if paramStr != "" {
			urlStr += "?" + paramStr
		}
	} else {
		raw, err := json.Marshal(jsonBody)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		paramStr = string(raw)
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("ApiKey", creds.APIKey)
	req.Header.Set("Request-Time", timestamp)
	req.Header.Set("Signature", signHex(creds.APISecret, creds.APIKey+timestamp+paramStr))
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("mexc %s %s status %d: %s", method, path, res.StatusCode, string(body))
	}

	var envelope struct {
		Success *bool  `json:"success"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil &&
		envelope.Success != nil && !*envelope.Success {
		return nil, fmt.Errorf("mexc %s code %d: %s", path, envelope.Code, envelope.Message)
	}
	return body, nil
}

func (a *Adapter) doPublic(ctx context.Context, urlStr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	res, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("mexc GET %s status %d: %s", urlStr, res.StatusCode, string(body))
	}
	return body, nil
}

func signHex(secret, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func rawMap(body []byte) map[string]any {
	raw := map[string]any{}
	_ = json.Unmarshal(body, &raw)
	return raw
}

func toFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

var _ common.Adapter = (*Adapter)(nil)
