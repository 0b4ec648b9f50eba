// Package okx implements the exchange adapter for OKX's v5 API.
package okx

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

const baseURL = "https://www.okx.com"

// Adapter is the OKX venue adapter. OKX additionally requires the account
// passphrase for signed calls.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

// New creates an OKX adapter against the production endpoint.
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

func (a *Adapter) Name() string { return "okx" }

// instIDFor converts a compact symbol like BTCUSDT into OKX's dashed
// instrument id, appending -SWAP for perpetuals. Dashed input passes through.
func instIDFor(symbol string, futures bool) string {
	id := symbol
	if !strings.Contains(id, "-") {
		for _, quote := range []string{"USDT", "USDC", "BTC", "ETH"} {
			if strings.HasSuffix(id, quote) && len(id) > len(quote) {
				id = id[:len(id)-len(quote)] + "-" + quote
				break
			}
		}
	}
	if futures && !strings.HasSuffix(id, "-SWAP") {
		id += "-SWAP"
	}
	return id
}

// barFor maps the shared interval vocabulary onto OKX bar strings.
func barFor(interval string) string {
	switch interval {
	case "1h":
		return "1H"
	case "4h":
		return "4H"
	case "1d":
		return "1D"
	default:
		return interval
	}
}

// clOrdIDFor strips characters OKX rejects in client order ids.
func clOrdIDFor(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > 32 {
		out = out[:32]
	}
	return out
}

func (a *Adapter) GetBalance(ctx context.Context, creds common.Credentials, futures bool) (common.Balance, error) {
	body, err := a.doSigned(ctx, creds, http.MethodGet, "/api/v5/account/balance?ccy=USDT", nil)
	if err != nil {
		return common.Balance{}, err
	}
	var res struct {
		Data []struct {
			Details []struct {
				Ccy      string `json:"ccy"`
				Eq       string `json:"eq"`
				AvailBal string `json:"availBal"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return common.Balance{}, fmt.Errorf("decode balance: %w", err)
	}
	for _, acct := range res.Data {
		for _, d := range acct.Details {
			if d.Ccy == "USDT" {
				total := toFloat(d.Eq)
				avail := toFloat(d.AvailBal)
				return common.Balance{Asset: "USDT", Free: avail, Locked: total - avail, Total: total}, nil
			}
		}
	}
	return common.Balance{Asset: "USDT"}, nil
}

func (a *Adapter) GetCurrentPrice(ctx context.Context, symbol string, futures bool) (float64, error) {
	body, err := a.doPublic(ctx, "/api/v5/market/ticker?instId="+url.QueryEscape(instIDFor(symbol, futures)))
	if err != nil {
		return 0, err
	}
	var res struct {
		Data []struct {
			Last string `json:"last"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode ticker: %w", err)
	}
	if len(res.Data) == 0 {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return toFloat(res.Data[0].Last), nil
}

func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string, futures bool) (common.SymbolInfo, error) {
	instType := "SPOT"
	if futures {
		instType = "SWAP"
	}
	q := url.Values{}
	q.Set("instType", instType)
	q.Set("instId", instIDFor(symbol, futures))
	body, err := a.doPublic(ctx, "/api/v5/public/instruments?"+q.Encode())
	if err != nil {
		return common.SymbolInfo{}, err
	}

	var res struct {
		Data []struct {
			InstID   string `json:"instId"`
			BaseCcy  string `json:"baseCcy"`
			QuoteCcy string `json:"quoteCcy"`
			MinSz    string `json:"minSz"`
			LotSz    string `json:"lotSz"`
			TickSz   string `json:"tickSz"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return common.SymbolInfo{}, fmt.Errorf("decode instruments: %w", err)
	}
	if len(res.Data) == 0 {
		return common.SymbolInfo{}, fmt.Errorf("symbol %s not found", symbol)
	}

	d := res.Data[0]
	base := d.BaseCcy
	if base == "" {
		base = strings.SplitN(d.InstID, "-", 2)[0]
	}
	return common.SymbolInfo{
		Symbol:     d.InstID,
		BaseAsset:  base,
		QuoteAsset: d.QuoteCcy,
		MinQty:     toFloat(d.MinSz),
		StepSize:   toFloat(d.LotSz),
		TickSize:   toFloat(d.TickSz),
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

	instID := instIDFor(spec.Symbol, spec.Futures)
	if spec.Futures && spec.Leverage > 0 {
		lev := map[string]any{
			"instId":  instID,
			"lever":   strconv.Itoa(spec.Leverage),
			"mgnMode": "cross",
		}
		if _, err := a.doSignedJSON(ctx, creds, "/api/v5/account/set-leverage", lev); err != nil {
			a.log.Warnw("set leverage failed", "instId", instID, "leverage", spec.Leverage, "error", err)
		}
	}

	tp, sl := common.ComputeTPSL(price, spec.Side, spec.TakeProfitPct, spec.StopLossPct)

	payload := map[string]any{
		"instId":  instID,
		"tdMode":  "cash",
		"side":    strings.ToLower(string(spec.Side)),
		"ordType": "market",
		"sz":      common.FormatFloat(qty),
	}
	if spec.Futures {
		payload["tdMode"] = "cross"
	} else if spec.Side == common.SideBuy {
		// Spot market buys default to quote-denominated sz; force base units.
		payload["tgtCcy"] = "base_ccy"
	}
	if spec.ClientOrderID != "" {
		payload["clOrdId"] = clOrdIDFor(spec.ClientOrderID)
	}
	if tp > 0 || sl > 0 {
		algo := map[string]any{}
		if tp > 0 {
			algo["tpTriggerPx"] = common.FormatFloat(common.RoundToStep(tp, info.TickSize))
			algo["tpOrdPx"] = "-1" // market on trigger
		}
		if sl > 0 {
			algo["slTriggerPx"] = common.FormatFloat(common.RoundToStep(sl, info.TickSize))
			algo["slOrdPx"] = "-1"
		}
		payload["attachAlgoOrds"] = []map[string]any{algo}
	}

	body, err := a.doSignedJSON(ctx, creds, "/api/v5/trade/order", payload)
	if err != nil {
		return nil, err
	}

	var res struct {
		Data []struct {
			OrdID   string `json:"ordId"`
			ClOrdID string `json:"clOrdId"`
			SCode   string `json:"sCode"`
			SMsg    string `json:"sMsg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	if len(res.Data) == 0 {
		return nil, fmt.Errorf("empty order response")
	}
	if res.Data[0].SCode != "" && res.Data[0].SCode != "0" {
		return nil, fmt.Errorf("okx order rejected sCode %s: %s", res.Data[0].SCode, res.Data[0].SMsg)
	}

	return &common.OrderAck{
		ExchangeOrderID: res.Data[0].OrdID,
		ClientOrderID:   spec.ClientOrderID,
		Symbol:          spec.Symbol,
		Side:            spec.Side,
		Quantity:        qty,
		EntryPrice:      price,
		Raw:             rawMap(body),
	}, nil
}

func (a *Adapter) ClosePosition(ctx context.Context, creds common.Credentials, symbol string, futures bool) (map[string]any, error) {
	instID := instIDFor(symbol, futures)
	if futures {
		payload := map[string]any{
			"instId":  instID,
			"mgnMode": "cross",
			"autoCxl": true, // drop attached TP/SL algos with the position
		}
		body, err := a.doSignedJSON(ctx, creds, "/api/v5/trade/close-position", payload)
		if err != nil {
			return nil, err
		}
		return rawMap(body), nil
	}

	info, err := a.GetSymbolInfo(ctx, symbol, false)
	if err != nil {
		return nil, err
	}
	free, err := a.ccyBalance(ctx, creds, info.BaseAsset)
	if err != nil {
		return nil, err
	}
	qty := common.RoundToStep(free, info.StepSize)
	if qty <= 0 {
		return nil, fmt.Errorf("no %s holding to close", info.BaseAsset)
	}

	payload := map[string]any{
		"instId":  instID,
		"tdMode":  "cash",
		"side":    "sell",
		"ordType": "market",
		"sz":      common.FormatFloat(qty),
	}
	body, err := a.doSignedJSON(ctx, creds, "/api/v5/trade/order", payload)
	if err != nil {
		return nil, err
	}
	return rawMap(body), nil
}

func (a *Adapter) GetPositions(ctx context.Context, creds common.Credentials, futures bool) ([]common.Position, error) {
	if !futures {
		return nil, nil
	}
	body, err := a.doSigned(ctx, creds, http.MethodGet, "/api/v5/account/positions?instType=SWAP", nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		Data []struct {
			InstID  string `json:"instId"`
			PosSide string `json:"posSide"`
			Pos     string `json:"pos"`
			AvgPx   string `json:"avgPx"`
			MarkPx  string `json:"markPx"`
			Upl     string `json:"upl"`
			Lever   string `json:"lever"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	var out []common.Position
	for _, p := range res.Data {
		size := toFloat(p.Pos)
		if size == 0 {
			continue
		}
		side := p.PosSide
		if side == "" || side == "net" {
			side = "long"
			if size < 0 {
				side = "short"
			}
		}
		if size < 0 {
			size = -size
		}
		out = append(out, common.Position{
			Exchange:      a.Name(),
			Symbol:        p.InstID,
			Side:          side,
			Size:          size,
			EntryPrice:    toFloat(p.AvgPx),
			MarkPrice:     toFloat(p.MarkPx),
			UnrealizedPnL: toFloat(p.Upl),
			Leverage:      toFloat(p.Lever),
		})
	}
	return out, nil
}

func (a *Adapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]float64, error) {
	q := url.Values{}
	q.Set("instId", instIDFor(symbol, true))
	q.Set("bar", barFor(interval))
	q.Set("limit", strconv.Itoa(limit))
	body, err := a.doPublic(ctx, "/api/v5/market/candles?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var res struct {
		Data [][]string `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}

	// OKX returns newest first; close sits at index 4.
	closes := make([]float64, 0, len(res.Data))
	for _, row := range res.Data {
		if len(row) < 5 {
			continue
		}
		closes = append(closes, toFloat(row[4]))
	}
	return common.ReverseCloses(closes), nil
}

func (a *Adapter) ccyBalance(ctx context.Context, creds common.Credentials, ccy string) (float64, error) {
	body, err := a.doSigned(ctx, creds, http.MethodGet, "/api/v5/account/balance?ccy="+url.QueryEscape(ccy), nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		Data []struct {
			Details []struct {
				Ccy      string `json:"ccy"`
				AvailBal string `json:"availBal"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	for _, acct := range res.Data {
		for _, d := range acct.Details {
			if d.Ccy == ccy {
				return toFloat(d.AvailBal), nil
			}
		}
	}
	return 0, nil
}

func (a *Adapter) doSignedJSON(ctx context.Context, creds common.Credentials, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return a.doSigned(ctx, creds, http.MethodPost, path, raw)
}

// doSigned signs per OKX v5: base64(HMAC-SHA256(ts + method + path + body))
// with an ISO-8601 millisecond timestamp, plus the account passphrase header.
func (a *Adapter) doSigned(ctx context.Context, creds common.Credentials, method, pathWithQuery string, body []byte) ([]byte, error) {
	if creds.APIKey == "" || creds.APISecret == "" || creds.Passphrase == "" {
		return nil, common.NewAuthError(a.Name(), "API key/secret/passphrase required")
	}

	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(ts + method + pathWithQuery + string(body)))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+pathWithQuery, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("OK-ACCESS-KEY", creds.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", sig)
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", creds.Passphrase)
	req.Header.Set("Content-Type", "application/json")

	return a.roundTrip(req, method, pathWithQuery)
}

func (a *Adapter) doPublic(ctx context.Context, pathWithQuery string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+pathWithQuery, nil)
	if err != nil {
		return nil, err
	}
	return a.roundTrip(req, http.MethodGet, pathWithQuery)
}

// roundTrip executes the request and unwraps OKX's code envelope.
func (a *Adapter) roundTrip(req *http.Request, method, path string) ([]byte, error) {
	res, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("okx %s %s status %d: %s", method, path, res.StatusCode, string(body))
	}

	var envelope struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if envelope.Code != "" && envelope.Code != "0" {
		return nil, fmt.Errorf("okx %s code %s: %s", path, envelope.Code, envelope.Msg)
	}
	return body, nil
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
