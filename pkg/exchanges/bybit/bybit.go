// Package bybit implements the exchange adapter for Bybit's v5 API.
package bybit

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
	"time"

	"go.uber.org/zap"

	"autotrader/pkg/exchanges/common"
)

const (
	baseURL    = "https://api.bybit.com"
	recvWindow = "5000"
)

// Adapter is the Bybit venue adapter.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

// New creates a Bybit adapter against the production endpoint.
func New(log *zap.SugaredLogger) *Adapter {
	return NewWithBaseURL(baseURL, log)
}

// NewWithBaseURL creates an adapter against a custom endpoint; used by tests.
func NewWithBaseURL(base string, log *zap.SugaredLogger) *Adapter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Adapter{
		baseURL:    base,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

func (a *Adapter) Name() string { return "bybit" }

func category(futures bool) string {
	if futures {
		return "linear"
	}
	return "spot"
}

// intervalFor maps the shared interval vocabulary onto Bybit's.
func intervalFor(interval string) string {
	switch interval {
	case "1m":
		return "1"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "30m":
		return "30"
	case "1h":
		return "60"
	case "4h":
		return "240"
	case "1d":
		return "D"
	default:
		return interval
	}
}

func (a *Adapter) GetBalance(ctx context.Context, creds common.Credentials, futures bool) (common.Balance, error) {
	accountType := "SPOT"
	if futures {
		accountType = "CONTRACT"
	}
	q := url.Values{}
	q.Set("accountType", accountType)
	body, err := a.doSigned(ctx, creds, http.MethodGet, "/v5/account/wallet-balance", q, nil)
	if err != nil {
		return common.Balance{}, err
	}

	var res struct {
		Result struct {
			List []struct {
				Coin []struct {
					Coin                string `json:"coin"`
					WalletBalance       string `json:"walletBalance"`
					AvailableToWithdraw string `json:"availableToWithdraw"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return common.Balance{}, fmt.Errorf("decode wallet balance: %w", err)
	}
	for _, acct := range res.Result.List {
		for _, c := range acct.Coin {
			if c.Coin == "USDT" {
				total := toFloat(c.WalletBalance)
				avail := toFloat(c.AvailableToWithdraw)
				if avail == 0 {
					avail = total
				}
				return common.Balance{Asset: "USDT", Free: avail, Locked: total - avail, Total: total}, nil
			}
		}
	}
	return common.Balance{Asset: "USDT"}, nil
}

func (a *Adapter) GetCurrentPrice(ctx context.Context, symbol string, futures bool) (float64, error) {
	q := url.Values{}
	q.Set("category", category(futures))
	q.Set("symbol", symbol)
	body, err := a.doPublic(ctx, "/v5/market/tickers?"+q.Encode())
	if err != nil {
		return 0, err
	}
	var res struct {
		Result struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode tickers: %w", err)
	}
	if len(res.Result.List) == 0 {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return toFloat(res.Result.List[0].LastPrice), nil
}

func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string, futures bool) (common.SymbolInfo, error) {
	q := url.Values{}
	q.Set("category", category(futures))
	q.Set("symbol", symbol)
	body, err := a.doPublic(ctx, "/v5/market/instruments-info?"+q.Encode())
	if err != nil {
		return common.SymbolInfo{}, err
	}

	var res struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				BaseCoin      string `json:"baseCoin"`
				QuoteCoin     string `json:"quoteCoin"`
				LotSizeFilter struct {
					MinOrderQty string `json:"minOrderQty"`
					QtyStep     string `json:"qtyStep"`
					MinOrderAmt string `json:"minOrderAmt"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return common.SymbolInfo{}, fmt.Errorf("decode instruments info: %w", err)
	}
	if len(res.Result.List) == 0 {
		return common.SymbolInfo{}, fmt.Errorf("symbol %s not found", symbol)
	}

	s := res.Result.List[0]
	step := toFloat(s.LotSizeFilter.QtyStep)
	if step == 0 {
		step = toFloat(s.LotSizeFilter.MinOrderQty)
	}
	return common.SymbolInfo{
		Symbol:      s.Symbol,
		BaseAsset:   s.BaseCoin,
		QuoteAsset:  s.QuoteCoin,
		MinQty:      toFloat(s.LotSizeFilter.MinOrderQty),
		StepSize:    step,
		TickSize:    toFloat(s.PriceFilter.TickSize),
		MinNotional: toFloat(s.LotSizeFilter.MinOrderAmt),
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

	if spec.Futures && spec.Leverage > 0 {
		lev := map[string]any{
			"category":     "linear",
			"symbol":       spec.Symbol,
			"buyLeverage":  strconv.Itoa(spec.Leverage),
			"sellLeverage": strconv.Itoa(spec.Leverage),
		}
		if _, err := a.doSigned(ctx, creds, http.MethodPost, "/v5/position/set-leverage", nil, lev); err != nil {
			a.log.Warnw("set leverage failed", "symbol", spec.Symbol, "leverage", spec.Leverage, "error", err)
		}
	}

	tp, sl := common.ComputeTPSL(price, spec.Side, spec.TakeProfitPct, spec.StopLossPct)

	payload := map[string]any{
		"category":  category(spec.Futures),
		"symbol":    spec.Symbol,
		"side":      sideFor(spec.Side),
		"orderType": "Market",
		"qty":       common.FormatFloat(qty),
	}
	if !spec.Futures {
		// Spot market buys default to quote-denominated qty; force base.
		payload["marketUnit"] = "baseCoin"
	}
	if spec.ClientOrderID != "" {
		payload["orderLinkId"] = spec.ClientOrderID
	}
	// Bybit v5 takes the protection legs inline with the entry order.
	if tp > 0 {
		payload["takeProfit"] = common.FormatFloat(common.RoundToStep(tp, info.TickSize))
	}
	if sl > 0 {
		payload["stopLoss"] = common.FormatFloat(common.RoundToStep(sl, info.TickSize))
	}

	body, err := a.doSigned(ctx, creds, http.MethodPost, "/v5/order/create", nil, payload)
	if err != nil {
		return nil, err
	}

	var res struct {
		Result struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}

	raw := map[string]any{}
	_ = json.Unmarshal(body, &raw)

	return &common.OrderAck{
		ExchangeOrderID: res.Result.OrderID,
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
		for i := range positions {
			if positions[i].Symbol == symbol {
				pos = &positions[i]
				break
			}
		}
		if pos == nil {
			return nil, fmt.Errorf("no open position for %s", symbol)
		}

		side := "Sell"
		if pos.Side == "short" {
			side = "Buy"
		}
		payload := map[string]any{
			"category":   "linear",
			"symbol":     symbol,
			"side":       side,
			"orderType":  "Market",
			"qty":        common.FormatFloat(pos.Size),
			"reduceOnly": true,
		}
		body, err := a.doSigned(ctx, creds, http.MethodPost, "/v5/order/create", nil, payload)
		if err != nil {
			return nil, err
		}
		a.cancelAll(ctx, creds, "linear", symbol)
		return rawMap(body), nil
	}

	info, err := a.GetSymbolInfo(ctx, symbol, false)
	if err != nil {
		return nil, err
	}
	free, err := a.coinBalance(ctx, creds, "SPOT", info.BaseAsset)
	if err != nil {
		return nil, err
	}
	qty := common.RoundToStep(free, info.StepSize)
	if qty <= 0 {
		return nil, fmt.Errorf("no %s holding to close", info.BaseAsset)
	}

	a.cancelAll(ctx, creds, "spot", symbol)
	payload := map[string]any{
		"category":   "spot",
		"symbol":     symbol,
		"side":       "Sell",
		"orderType":  "Market",
		"qty":        common.FormatFloat(qty),
		"marketUnit": "baseCoin",
	}
	body, err := a.doSigned(ctx, creds, http.MethodPost, "/v5/order/create", nil, payload)
	if err != nil {
		return nil, err
	}
	return rawMap(body), nil
}

func (a *Adapter) GetPositions(ctx context.Context, creds common.Credentials, futures bool) ([]common.Position, error) {
	if !futures {
		return nil, nil
	}
	q := url.Values{}
	q.Set("category", "linear")
	q.Set("settleCoin", "USDT")
	body, err := a.doSigned(ctx, creds, http.MethodGet, "/v5/position/list", q, nil)
	if err != nil {
		return nil, err
	}

	var res struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				Side          string `json:"side"`
				Size          string `json:"size"`
				AvgPrice      string `json:"avgPrice"`
				MarkPrice     string `json:"markPrice"`
				UnrealisedPnl string `json:"unrealisedPnl"`
				Leverage      string `json:"leverage"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	var out []common.Position
	for _, p := range res.Result.List {
		size := toFloat(p.Size)
		if size <= 0 {
			continue
		}
		side := "long"
		if p.Side == "Sell" {
			side = "short"
		}
		out = append(out, common.Position{
			Exchange:      a.Name(),
			Symbol:        p.Symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    toFloat(p.AvgPrice),
			MarkPrice:     toFloat(p.MarkPrice),
			UnrealizedPnL: toFloat(p.UnrealisedPnl),
			Leverage:      toFloat(p.Leverage),
		})
	}
	return out, nil
}

func (a *Adapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]float64, error) {
	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", symbol)
	q.Set("interval", intervalFor(interval))
	q.Set("limit", strconv.Itoa(limit))
	body, err := a.doPublic(ctx, "/v5/market/kline?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var res struct {
		Result struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	// Bybit returns newest first; close sits at index 4.
	closes := make([]float64, 0, len(res.Result.List))
	for _, row := range res.Result.List {
		if len(row) < 5 {
			continue
		}
		closes = append(closes, toFloat(row[4]))
	}
	return common.ReverseCloses(closes), nil
}

func (a *Adapter) cancelAll(ctx context.Context, creds common.Credentials, cat, symbol string) {
	payload := map[string]any{"category": cat, "symbol": symbol}
	if _, err := a.doSigned(ctx, creds, http.MethodPost, "/v5/order/cancel-all", nil, payload); err != nil {
		a.log.Warnw("cancel residual orders failed", "symbol", symbol, "error", err)
	}
}

func (a *Adapter) coinBalance(ctx context.Context, creds common.Credentials, accountType, coin string) (float64, error) {
	q := url.Values{}
	q.Set("accountType", accountType)
	q.Set("coin", coin)
	body, err := a.doSigned(ctx, creds, http.MethodGet, "/v5/account/wallet-balance", q, nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		Result struct {
			List []struct {
				Coin []struct {
					Coin          string `json:"coin"`
					WalletBalance string `json:"walletBalance"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode wallet balance: %w", err)
	}
	for _, acct := range res.Result.List {
		for _, c := range acct.Coin {
			if c.Coin == coin {
				return toFloat(c.WalletBalance), nil
			}
		}
	}
	return 0, nil
}

// doSigned performs a request signed per Bybit v5: HMAC-SHA256 over
// timestamp + apiKey + recvWindow + payload, hex encoded, in X-BAPI headers.
func (a *Adapter) doSigned(ctx context.Context, creds common.Credentials, method, path string, query url.Values, jsonBody any) ([]byte, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, common.NewAuthError(a.Name(), "API key/secret required")
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	var payload string
	var bodyReader io.Reader
	urlStr := a.baseURL + path
	if method == http.MethodGet {
		payload = query.Encode()
		if payload != "" {
			urlStr += "?" + payload
		}
	} else {
		raw, err := json.Marshal(jsonBody)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		payload = string(raw)
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-BAPI-API-KEY", creds.APIKey)
	req.Header.Set("X-BAPI-SIGN", sign(creds.APISecret, timestamp+creds.APIKey+recvWindow+payload))
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return a.roundTrip(req, method, path)
}

func (a *Adapter) doPublic(ctx context.Context, pathWithQuery string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+pathWithQuery, nil)
	if err != nil {
		return nil, err
	}
	return a.roundTrip(req, http.MethodGet, pathWithQuery)
}

// roundTrip executes the request and unwraps Bybit's retCode envelope.
func (a *Adapter) roundTrip(req *http.Request, method, path string) ([]byte, error) {
	res, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("bybit %s %s status %d: %s", method, path, res.StatusCode, string(body))
	}

	var envelope struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if envelope.RetCode != 0 {
		return nil, fmt.Errorf("bybit %s retCode %d: %s", path, envelope.RetCode, envelope.RetMsg)
	}
	return body, nil
}

func sideFor(s common.Side) string {
	if s == common.SideBuy {
		return "Buy"
	}
	return "Sell"
}

func rawMap(body []byte) map[string]any {
	raw := map[string]any{}
	_ = json.Unmarshal(body, &raw)
	return raw
}

func sign(secret, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func toFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

var _ common.Adapter = (*Adapter)(nil)
