package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"autotrader/pkg/exchanges/common"
)

// fakeAdapter scripts per-call failures so retry behavior is observable.
type fakeAdapter struct {
	name string

	balanceCalls int
	priceCalls   int
	priceErrs    []error
	price        float64
	balance      common.Balance
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) GetBalance(ctx context.Context, creds common.Credentials, futures bool) (common.Balance, error) {
	f.balanceCalls++
	return f.balance, nil
}

func (f *fakeAdapter) GetCurrentPrice(ctx context.Context, symbol string, futures bool) (float64, error) {
	f.priceCalls++
	if len(f.priceErrs) > 0 {
		err := f.priceErrs[0]
		f.priceErrs = f.priceErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return f.price, nil
}

func (f *fakeAdapter) GetSymbolInfo(ctx context.Context, symbol string, futures bool) (common.SymbolInfo, error) {
	return common.SymbolInfo{Symbol: symbol}, nil
}

func (f *fakeAdapter) CreateOrder(ctx context.Context, creds common.Credentials, spec common.OrderSpec) (*common.OrderAck, error) {
	return &common.OrderAck{Symbol: spec.Symbol, ClientOrderID: spec.ClientOrderID}, nil
}

func (f *fakeAdapter) ClosePosition(ctx context.Context, creds common.Credentials, symbol string, futures bool) (map[string]any, error) {
	return map[string]any{"status": "closed"}, nil
}

func (f *fakeAdapter) GetPositions(ctx context.Context, creds common.Credentials, futures bool) ([]common.Position, error) {
	return nil, nil
}

func (f *fakeAdapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]float64, error) {
	return []float64{1, 2, 3}, nil
}

var _ common.Adapter = (*fakeAdapter)(nil)

// newTestGateway disables spacing and records backoff sleeps instead of
// waiting them out.
func newTestGateway(t *testing.T) (*Gateway, *[]time.Duration) {
	t.Helper()
	g := New(nil)
	g.spacing = 0
	var slept []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return g, &slept
}

func TestUnknownExchange(t *testing.T) {
	g, _ := newTestGateway(t)
	_, err := g.GetCurrentPrice(context.Background(), "kraken", "BTCUSDT", false)
	if !common.IsUnsupported(err) {
		t.Fatalf("err = %v, want unsupported exchange", err)
	}
}

func TestRetryBackoffThenSuccess(t *testing.T) {
	g, slept := newTestGateway(t)
	fake := &fakeAdapter{
		name:      "binance",
		price:     50000,
		priceErrs: []error{errors.New("status 500: upstream"), errors.New("status 502: upstream")},
	}
	g.Register(fake)

	price, err := g.GetCurrentPrice(context.Background(), "binance", "BTCUSDT", true)
	if err != nil {
		t.Fatalf("GetCurrentPrice failed: %v", err)
	}
	if price != 50000 {
		t.Errorf("price = %v, want 50000", price)
	}
	if fake.priceCalls != 3 {
		t.Errorf("calls = %d, want 3", fake.priceCalls)
	}
	// Exponential schedule: 1s then 2s.
	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, (*slept)[i], want[i])
		}
	}
}

func TestRetryExhaustionKeepsRateLimitKind(t *testing.T) {
	g, slept := newTestGateway(t)
	fake := &fakeAdapter{
		name: "bybit",
		priceErrs: []error{
			errors.New("status 429: too many requests"),
			errors.New("status 429: too many requests"),
			errors.New("status 429: too many requests"),
		},
	}
	g.Register(fake)

	_, err := g.GetCurrentPrice(context.Background(), "bybit", "BTCUSDT", true)
	if !common.IsRateLimit(err) {
		t.Fatalf("err = %v, want rate limit after exhaustion", err)
	}
	if fake.priceCalls != 3 {
		t.Errorf("calls = %d, want 3", fake.priceCalls)
	}
	if len(*slept) != 2 {
		t.Errorf("sleeps = %v, want two backoff pauses", *slept)
	}
}

func TestAuthErrorNeverRetried(t *testing.T) {
	g, slept := newTestGateway(t)
	fake := &fakeAdapter{
		name:      "okx",
		priceErrs: []error{errors.New("status 401: invalid api key")},
	}
	g.Register(fake)

	_, err := g.GetCurrentPrice(context.Background(), "okx", "BTCUSDT", false)
	if !common.IsAuth(err) {
		t.Fatalf("err = %v, want auth", err)
	}
	if fake.priceCalls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on bad credentials)", fake.priceCalls)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v, want no backoff", *slept)
	}
}

func TestBalanceCachedPerAccountType(t *testing.T) {
	g, _ := newTestGateway(t)
	fake := &fakeAdapter{name: "binance", balance: common.Balance{Asset: "USDT", Free: 1000}}
	g.Register(fake)

	ctx := context.Background()
	creds := common.Credentials{APIKey: "key-a", APISecret: "sec"}

	for i := 0; i < 3; i++ {
		bal, err := g.GetBalance(ctx, "binance", creds, true)
		if err != nil {
			t.Fatalf("GetBalance failed: %v", err)
		}
		if bal.Free != 1000 {
			t.Errorf("Free = %v, want 1000", bal.Free)
		}
	}
	if fake.balanceCalls != 1 {
		t.Errorf("network calls = %d, want 1 (served from cache)", fake.balanceCalls)
	}

	// Spot is a separate account type and gets its own entry.
	if _, err := g.GetBalance(ctx, "binance", creds, false); err != nil {
		t.Fatalf("GetBalance spot failed: %v", err)
	}
	if fake.balanceCalls != 2 {
		t.Errorf("network calls = %d, want 2 after spot lookup", fake.balanceCalls)
	}

	g.InvalidateBalance("binance", creds.APIKey, true)
	if _, err := g.GetBalance(ctx, "binance", creds, true); err != nil {
		t.Fatalf("GetBalance after invalidate failed: %v", err)
	}
	if fake.balanceCalls != 3 {
		t.Errorf("network calls = %d, want 3 after invalidation", fake.balanceCalls)
	}
}

func TestPlaceOrderInvalidatesBalance(t *testing.T) {
	g, _ := newTestGateway(t)
	fake := &fakeAdapter{name: "binance", balance: common.Balance{Asset: "USDT", Free: 500}}
	g.Register(fake)

	ctx := context.Background()
	creds := common.Credentials{APIKey: "key-b", APISecret: "sec"}

	if _, err := g.GetBalance(ctx, "binance", creds, true); err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if _, err := g.PlaceOrder(ctx, "binance", creds, common.OrderSpec{
		Symbol: "BTCUSDT", Side: common.SideBuy, Amount: 100, Futures: true,
	}); err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if _, err := g.GetBalance(ctx, "binance", creds, true); err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if fake.balanceCalls != 2 {
		t.Errorf("balance calls = %d, want 2 (order drops the cached entry)", fake.balanceCalls)
	}
}
