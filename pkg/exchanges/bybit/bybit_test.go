package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"autotrader/pkg/exchanges/common"
)

var testCreds = common.Credentials{APIKey: "key", APISecret: "secret"}

type fakeVenue struct {
	mu       sync.Mutex
	orders   []map[string]any
	lastSign struct {
		sign, timestamp, payload string
	}
}

func (f *fakeVenue) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":0,"result":{"list":[{"lastPrice":"50000"}]}}`)
	})
	mux.HandleFunc("/v5/market/instruments-info", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":0,"result":{"list":[{"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT",
			"lotSizeFilter":{"minOrderQty":"0.001","qtyStep":"0.001","minOrderAmt":"5"},
			"priceFilter":{"tickSize":"0.1"}}]}}`)
	})
	mux.HandleFunc("/v5/market/kline", func(w http.ResponseWriter, r *http.Request) {
		// Newest first, close at index 4.
		fmt.Fprint(w, `{"retCode":0,"result":{"list":[
			["3","0","0","0","102","0","0"],
			["2","0","0","0","101","0","0"],
			["1","0","0","0","100","0","0"]]}}`)
	})
	mux.HandleFunc("/v5/position/set-leverage", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":0,"result":{}}`)
	})
	mux.HandleFunc("/v5/order/create", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		order := map[string]any{}
		json.Unmarshal(body, &order)
		f.mu.Lock()
		f.orders = append(f.orders, order)
		f.lastSign.sign = r.Header.Get("X-BAPI-SIGN")
		f.lastSign.timestamp = r.Header.Get("X-BAPI-TIMESTAMP")
		f.lastSign.payload = string(body)
		f.mu.Unlock()
		fmt.Fprint(w, `{"retCode":0,"result":{"orderId":"ord-1","orderLinkId":"cid-1"}}`)
	})
	return mux
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeVenue) {
	t.Helper()
	venue := &fakeVenue{}
	srv := httptest.NewServer(venue.handler())
	t.Cleanup(srv.Close)
	return NewWithBaseURL(srv.URL, nil), venue
}

func TestCreateFuturesOrderInlineTPSL(t *testing.T) {
	a, venue := newTestAdapter(t)

	ack, err := a.CreateOrder(context.Background(), testCreds, common.OrderSpec{
		Symbol:        "BTCUSDT",
		Side:          common.SideBuy,
		Amount:        100,
		Leverage:      10,
		Futures:       true,
		TakeProfitPct: 5,
		StopLossPct:   2,
		ClientOrderID: "cid-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if ack.ExchangeOrderID != "ord-1" {
		t.Errorf("ExchangeOrderID = %q, want ord-1", ack.ExchangeOrderID)
	}

	venue.mu.Lock()
	defer venue.mu.Unlock()
	if len(venue.orders) != 1 {
		t.Fatalf("orders = %d, want 1 entry with inline tpsl", len(venue.orders))
	}
	o := venue.orders[0]
	if o["side"] != "Buy" || o["orderType"] != "Market" || o["category"] != "linear" {
		t.Errorf("order = %v", o)
	}
	if o["qty"] != "0.002" {
		t.Errorf("qty = %v, want 0.002", o["qty"])
	}
	// Entry 50000: TP 52500, SL 49000, inline in the create payload.
	if o["takeProfit"] != "52500" {
		t.Errorf("takeProfit = %v, want 52500", o["takeProfit"])
	}
	if o["stopLoss"] != "49000" {
		t.Errorf("stopLoss = %v, want 49000", o["stopLoss"])
	}
	if o["orderLinkId"] != "cid-1" {
		t.Errorf("orderLinkId = %v, want cid-1", o["orderLinkId"])
	}
}

func TestSignatureCoversTimestampKeyWindowPayload(t *testing.T) {
	a, venue := newTestAdapter(t)

	_, err := a.CreateOrder(context.Background(), testCreds, common.OrderSpec{
		Symbol:  "BTCUSDT",
		Side:    common.SideSell,
		Amount:  100,
		Futures: true,
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	venue.mu.Lock()
	defer venue.mu.Unlock()
	mac := hmac.New(sha256.New, []byte(testCreds.APISecret))
	mac.Write([]byte(venue.lastSign.timestamp + testCreds.APIKey + "5000" + venue.lastSign.payload))
	want := hex.EncodeToString(mac.Sum(nil))
	if venue.lastSign.sign != want {
		t.Errorf("signature = %q, want %q", venue.lastSign.sign, want)
	}
}

func TestCreateOrderTooSmall(t *testing.T) {
	a, _ := newTestAdapter(t)

	_, err := a.CreateOrder(context.Background(), testCreds, common.OrderSpec{
		Symbol: "BTCUSDT",
		Side:   common.SideBuy,
		Amount: 10, // 0.0002 BTC floors to zero at step 0.001
	})
	if !common.IsOrderTooSmall(err) {
		t.Fatalf("err = %v, want OrderTooSmall", err)
	}
}

func TestGetKlinesReversed(t *testing.T) {
	a, _ := newTestAdapter(t)

	closes, err := a.GetKlines(context.Background(), "BTCUSDT", "15m", 3)
	if err != nil {
		t.Fatalf("GetKlines failed: %v", err)
	}
	want := []float64{100, 101, 102}
	for i := range want {
		if closes[i] != want[i] {
			t.Fatalf("closes = %v, want chronological %v", closes, want)
		}
	}
}

func TestRetCodeErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":10003,"retMsg":"API key is invalid"}`)
	}))
	defer srv.Close()
	a := NewWithBaseURL(srv.URL, nil)

	_, err := a.GetBalance(context.Background(), testCreds, true)
	if err == nil {
		t.Fatal("expected error for non-zero retCode")
	}
	if got := common.Classify(a.Name(), err); got.Kind != common.KindAuth {
		t.Errorf("Classify kind = %v, want auth (message %q)", got.Kind, err)
	}
}
