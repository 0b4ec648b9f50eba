// Package kucoin implements the exchange adapter for KuCoin spot trading.
// Candle data comes from the public futures kline endpoint, which serves the
// same series with a simpler granularity vocabulary.
package kucoin

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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
	spotBaseURL    = "https://api.kucoin.com"
	futuresBaseURL = "https://api-futures.kucoin.com"
)

// Adapter is the KuCoin venue adapter. Trading is spot only; futures
// operations report an explicit error rather than guessing at contract
// semantics.
type Adapter struct {
	spotURL    string
	futURL     string
	httpClient *http.Client
	log        *zap.SugaredLogger
	now        func() time.Time
}

// New creates a KuCoin adapter against the production endpoints.
func New(log *zap.SugaredLogger) *Adapter {
	return NewWithBaseURLs(spotBaseURL, futuresBaseURL, log)
}

// NewWithBaseURLs creates an adapter against custom endpoints; used by tests.
func NewWithBaseURLs(spotURL, futURL string, log *zap.SugaredLogger) *Adapter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Adapter{
		spotURL:    spotURL,
		futURL:     futURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
		now:        time.Now,
	}
}

func (a *Adapter) Name() string { return "kucoin" }

var errFuturesUnsupported = common.NewError("kucoin", "futures trading not supported", nil)

// symbolFor converts a compact symbol like BTCUSDT into KuCoin's dashed form.
func symbolFor(symbol string) string {
	if strings.Contains(symbol, "-") {
		return symbol
	}
	for _, quote := range []string{"USDT", "USDC", "BTC", "ETH"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return symbol[:len(symbol)-len(quote)] + "-" + quote
		}
	}
	return symbol
}

// granularityFor maps the shared interval vocabulary onto kline granularity
// in minutes.
func granularityFor(interval string) int {
	switch interval {
	case "1m":
		return 1
	case "5m":
		return 5
	case "15m":
		return 15
	case "30m":
		return 30
	case "1h":
		return 60
	case "4h":
		return 240
	case "1d":
		return 1440
	default:
		return 15
	}
}

func (a *Adapter) GetBalance(ctx context.Context, creds common.Credentials, futures bool) (common.Balance, error) {
	if futures {
		return common.Balance{}, errFuturesUnsupported
	}
	body, err := a.doSigned(ctx, creds, http.MethodGet, "/api/v1/accounts?currency=USDT&type=trade", nil)
	if err != nil {
		return common.Balance{}, err
	}
	var res struct {
		Data []struct {
			Currency  string `json:"currency"`
			Balance   string `json:"balance"`
			Available string `json:"available"`
			Holds     string `json:"holds"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return common.Balance{}, fmt.Errorf("decode accounts: %w", err)
	}

	bal := common.Balance{Asset: "USDT"}
	for _, acct := range res.Data {
		if acct.Currency != "USDT" {
			continue
		}
		bal.Total += toFloat(acct.Balance)
		bal.Free += toFloat(acct.Available)
		bal.Locked += toFloat(acct.Holds)
	}
	return bal, nil
}

func (a *Adapter) GetCurrentPrice(ctx context.Context, symbol string, futures bool) (float64, error) {
	body, err := a.doPublic(ctx, a.spotURL+"/api/v1/market/orderbook/level1?symbol="+url.QueryEscape(symbolFor(symbol)))
	if err != nil {
		return 0, err
	}
	var res struct {
		Data struct {
			Price string `json:"price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode level1: %w", err)
	}
	price := toFloat(res.Data.Price)
	if price <= 0 {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string, futures bool) (common.SymbolInfo, error) {
	if futures {
		return common.SymbolInfo{}, errFuturesUnsupported
	}
	body, err := a.doPublic(ctx, a.spotURL+"/api/v2/symbols/"+url.PathEscape(symbolFor(symbol)))
	if err != nil {
		return common.SymbolInfo{}, err
	}
	var res struct {
		Data struct {
			Symbol         string `json:"symbol"`
			BaseCurrency   string `json:"baseCurrency"`
			QuoteCurrency  string `json:"quoteCurrency"`
			BaseMinSize    string `json:"baseMinSize"`
			BaseIncrement  string `json:"baseIncrement"`
			PriceIncrement string `json:"priceIncrement"`
			MinFunds       string `json:"minFunds"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return common.SymbolInfo{}, fmt.Errorf("decode symbol: %w", err)
	}
	if res.Data.Symbol == "" {
		return common.SymbolInfo{}, fmt.Errorf("symbol %s not found", symbol)
	}
	return common.SymbolInfo{
		Symbol:      res.Data.Symbol,
		BaseAsset:   res.Data.BaseCurrency,
		QuoteAsset:  res.Data.QuoteCurrency,
		MinQty:      toFloat(res.Data.BaseMinSize),
		StepSize:    toFloat(res.Data.BaseIncrement),
		TickSize:    toFloat(res.Data.PriceIncrement),
		MinNotional: toFloat(res.Data.MinFunds),
	}, nil
}

func (a *Adapter) CreateOrder(ctx context.Context, creds common.Credentials, spec common.OrderSpec) (*common.OrderAck, error) {
	if spec.Futures {
		return nil, errFuturesUnsupported
	}
	price, err := a.GetCurrentPrice(ctx, spec.Symbol, false)
	if err != nil {
		return nil, err
	}
	info, err := a.GetSymbolInfo(ctx, spec.Symbol, false)
	if err != nil {
		return nil, err
	}

	qty := common.QuantityForQuote(spec.Amount, price, info.StepSize)
	if qty <= 0 || qty < info.MinQty {
		return nil, common.NewOrderTooSmallError(a.Name(), info.MinQty, common.SuggestedQuoteAmount(info.MinQty, price))
	}

	if spec.TakeProfitPct > 0 || spec.StopLossPct > 0 {
		a.log.Warnw("kucoin spot orders do not support attached TP/SL, skipping",
			"symbol", spec.Symbol)
	}

	clientOid := spec.ClientOrderID
	if clientOid == "" {
		clientOid = strconv.FormatInt(a.now().UnixNano(), 10)
	}
	payload := map[string]any{
		"clientOid": clientOid,
		"symbol":    symbolFor(spec.Symbol),
		"side":      strings.ToLower(string(spec.Side)),
		"type":      "market",
		"size":      common.FormatFloat(qty),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode order: %w", err)
	}
	body, err := a.doSigned(ctx, creds, http.MethodPost, "/api/v1/orders", raw)
	if err != nil {
		return nil, err
	}

	var res struct {
		Data struct {
			OrderID string `json:"orderId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}

	return &common.OrderAck{
		ExchangeOrderID: res.Data.OrderID,
		ClientOrderID:   spec.ClientOrderID,
		Symbol:          spec.Symbol,
		Side:            spec.Side,
		Quantity:        qty,
		EntryPrice:      price,
		Raw:             rawMap(body),
	}, nil
}

func (a *Adapter) ClosePosition(ctx context.Context, creds common.Credentials, symbol string, futures bool) (map[string]any, error) {
	if futures {
		return nil, errFuturesUnsupported
	}
	info, err := a.GetSymbolInfo(ctx, symbol, false)
	if err != nil {
		return nil, err
	}
	free, err := a.currencyBalance(ctx, creds, info.BaseAsset)
	if err != nil {
		return nil, err
	}
	qty := common.RoundToStep(free, info.StepSize)
	if qty <= 0 {
		return nil, fmt.Errorf("no %s holding to close", info.BaseAsset)
	}

	payload := map[string]any{
		"clientOid": strconv.FormatInt(a.now().UnixNano(), 10),
		"symbol":    symbolFor(symbol),
		"side":      "sell",
		"type":      "market",
		"size":      common.FormatFloat(qty),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode order: %w", err)
	}
	body, err := a.doSigned(ctx, creds, http.MethodPost, "/api/v1/orders", raw)
	if err != nil {
		return nil, err
	}
	return rawMap(body), nil
}

func (a *Adapter) GetPositions(ctx context.Context, creds common.Credentials, futures bool) ([]common.Position, error) {
	return nil, nil
}

func (a *Adapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]float64, error) {
	granularity := granularityFor(interval)
	end := a.now().Unix()
	start := end - int64(limit*60*granularity)

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("granularity", strconv.Itoa(granularity))
	q.Set("from", strconv.FormatInt(start, 10))
	q.Set("to", strconv.FormatInt(end, 10))
	body, err := a.doPublic(ctx, a.futURL+"/api/v1/kline/query?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var res struct {
		Data [][]json.Number `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	// Rows arrive oldest first; close sits at index 2.
	closes := make([]float64, 0, len(res.Data))
	for _, row := range res.Data {
		if len(row) < 3 {
			continue
		}
		v, _ := row[2].Float64()
		closes = append(closes, v)
	}
	return closes, nil
}

func (a *Adapter) currencyBalance(ctx context.Context, creds common.Credentials, currency string) (float64, error) {
	path := "/api/v1/accounts?currency=" + url.QueryEscape(currency) + "&type=trade"
	body, err := a.doSigned(ctx, creds, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		Data []struct {
			Currency  string `json:"currency"`
			Available string `json:"available"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode accounts: %w", err)
	}
	total := 0.0
	for _, acct := range res.Data {
		if acct.Currency == currency {
			total += toFloat(acct.Available)
		}
	}
	return total, nil
}

// doSigned signs per KuCoin v2: base64(HMAC-SHA256(ts + method + path + body))
// with the passphrase itself signed the same way.
func (a *Adapter) doSigned(ctx context.Context, creds common.Credentials, method, pathWithQuery string, body []byte) ([]byte, error) {
	if creds.APIKey == "" || creds.APISecret == "" || creds.Passphrase == "" {
		return nil, common.NewAuthError(a.Name(), "API key/secret/passphrase required")
	}

	ts := strconv.FormatInt(a.now().UnixMilli(), 10)
	sig := signB64(creds.APISecret, ts+method+pathWithQuery+string(body))

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.spotURL+pathWithQuery, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("KC-API-KEY", creds.APIKey)
	req.Header.Set("KC-API-SIGN", sig)
	req.Header.Set("KC-API-TIMESTAMP", ts)
	req.Header.Set("KC-API-PASSPHRASE", signB64(creds.APISecret, creds.Passphrase))
	req.Header.Set("KC-API-KEY-VERSION", "2")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return a.roundTrip(req, method, pathWithQuery)
}

func (a *Adapter) doPublic(ctx context.Context, urlStr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	return a.roundTrip(req, http.MethodGet, urlStr)
}

// roundTrip executes the request and unwraps KuCoin's code envelope.
func (a *Adapter) roundTrip(req *http.Request, method, path string) ([]byte, error) {
	res, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("kucoin %s %s status %d: %s", method, path, res.StatusCode, string(body))
	}

	var envelope struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if envelope.Code != "" && envelope.Code != "200000" {
		return nil, fmt.Errorf("kucoin %s code %s: %s", path, envelope.Code, envelope.Msg)
	}
	return body, nil
}

func signB64(secret, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
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
