// Package gateway is the single entry point for exchange I/O. It wraps the
// venue adapters with retry/backoff, per-exchange rate limiting and
// short-lived balance caching.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"autotrader/pkg/cache"
	"autotrader/pkg/exchanges/common"
)

const (
	maxAttempts = 3
	baseDelay   = 1 * time.Second
	maxDelay    = 60 * time.Second

	// Minimum spacing between outbound calls to one venue.
	defaultSpacing = 100 * time.Millisecond

	balanceTTL = 120 * time.Second
)

// Gateway dispatches normalized exchange operations to registered adapters.
type Gateway struct {
	mu       sync.RWMutex
	adapters map[string]common.Adapter
	limiters map[string]*rate.Limiter

	balances *cache.TTLCache
	log      *zap.SugaredLogger

	spacing time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates an empty gateway; adapters are added with Register.
func New(log *zap.SugaredLogger) *Gateway {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Gateway{
		adapters: make(map[string]common.Adapter),
		limiters: make(map[string]*rate.Limiter),
		balances: cache.New(balanceTTL),
		log:      log,
		spacing:  defaultSpacing,
		sleep:    sleepCtx,
	}
}

// Register adds an adapter under its Name.
func (g *Gateway) Register(a common.Adapter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adapters[a.Name()] = a
}

// Exchanges lists the registered exchange ids.
func (g *Gateway) Exchanges() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.adapters))
	for name := range g.adapters {
		out = append(out, name)
	}
	return out
}

// adapter resolves the exchange id; unknown ids fail here, at the registry
// boundary, not deep inside a call chain.
func (g *Gateway) adapter(exchange string) (common.Adapter, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.adapters[exchange]
	if !ok {
		return nil, common.NewUnsupportedExchangeError(exchange)
	}
	return a, nil
}

func (g *Gateway) limiter(exchange string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[exchange]
	if !ok {
		limit := rate.Inf
		if g.spacing > 0 {
			limit = rate.Every(g.spacing)
		}
		l = rate.NewLimiter(limit, 1)
		g.limiters[exchange] = l
	}
	return l
}

// GetBalance returns the quote balance, serving repeat calls for the same
// (exchange, api key, account type) from cache for the TTL window. A cache
// hit bypasses both the network and the rate limiter.
func (g *Gateway) GetBalance(ctx context.Context, exchange string, creds common.Credentials, futures bool) (common.Balance, error) {
	a, err := g.adapter(exchange)
	if err != nil {
		return common.Balance{}, err
	}

	key := balanceKey(exchange, creds.APIKey, futures)
	if v, ok := g.balances.Get(key); ok {
		return v.(common.Balance), nil
	}

	var bal common.Balance
	err = g.withRetry(ctx, exchange, func() error {
		var err error
		bal, err = a.GetBalance(ctx, creds, futures)
		return err
	})
	if err != nil {
		return common.Balance{}, err
	}
	g.balances.Set(key, bal)
	return bal, nil
}

// InvalidateBalance drops the cached balance after a trade mutates it.
func (g *Gateway) InvalidateBalance(exchange, apiKey string, futures bool) {
	g.balances.Delete(balanceKey(exchange, apiKey, futures))
}

func (g *Gateway) GetCurrentPrice(ctx context.Context, exchange, symbol string, futures bool) (float64, error) {
	a, err := g.adapter(exchange)
	if err != nil {
		return 0, err
	}
	var price float64
	err = g.withRetry(ctx, exchange, func() error {
		var err error
		price, err = a.GetCurrentPrice(ctx, symbol, futures)
		return err
	})
	return price, err
}

func (g *Gateway) GetSymbolInfo(ctx context.Context, exchange, symbol string, futures bool) (common.SymbolInfo, error) {
	a, err := g.adapter(exchange)
	if err != nil {
		return common.SymbolInfo{}, err
	}
	var info common.SymbolInfo
	err = g.withRetry(ctx, exchange, func() error {
		var err error
		info, err = a.GetSymbolInfo(ctx, symbol, futures)
		return err
	})
	return info, err
}

// PlaceOrder dispatches the order intent. Order placement is not retried
// blindly: a failed attempt may still have reached the venue, so only the
// caller's idempotency key makes a retry safe, and that decision sits above
// the gateway.
func (g *Gateway) PlaceOrder(ctx context.Context, exchange string, creds common.Credentials, spec common.OrderSpec) (*common.OrderAck, error) {
	a, err := g.adapter(exchange)
	if err != nil {
		return nil, err
	}
	if err := g.wait(ctx, exchange); err != nil {
		return nil, err
	}
	ack, err := a.CreateOrder(ctx, creds, spec)
	if err != nil {
		return nil, common.Classify(exchange, err)
	}
	g.InvalidateBalance(exchange, creds.APIKey, spec.Futures)
	return ack, nil
}

func (g *Gateway) ClosePosition(ctx context.Context, exchange string, creds common.Credentials, symbol string, futures bool) (map[string]any, error) {
	a, err := g.adapter(exchange)
	if err != nil {
		return nil, err
	}
	if err := g.wait(ctx, exchange); err != nil {
		return nil, err
	}
	res, err := a.ClosePosition(ctx, creds, symbol, futures)
	if err != nil {
		return nil, common.Classify(exchange, err)
	}
	g.InvalidateBalance(exchange, creds.APIKey, futures)
	return res, nil
}

func (g *Gateway) GetPositions(ctx context.Context, exchange string, creds common.Credentials, futures bool) ([]common.Position, error) {
	a, err := g.adapter(exchange)
	if err != nil {
		return nil, err
	}
	var positions []common.Position
	err = g.withRetry(ctx, exchange, func() error {
		var err error
		positions, err = a.GetPositions(ctx, creds, futures)
		return err
	})
	return positions, err
}

func (g *Gateway) GetKlines(ctx context.Context, exchange, symbol, interval string, limit int) ([]float64, error) {
	a, err := g.adapter(exchange)
	if err != nil {
		return nil, err
	}
	var closes []float64
	err = g.withRetry(ctx, exchange, func() error {
		var err error
		closes, err = a.GetKlines(ctx, symbol, interval, limit)
		return err
	})
	return closes, err
}

// withRetry runs fn up to maxAttempts times with exponential backoff.
// Credential rejections and below-minimum orders are surfaced immediately;
// everything else retries and keeps its classified kind when exhausted.
func (g *Gateway) withRetry(ctx context.Context, exchange string, fn func() error) error {
	b := &backoff.Backoff{Min: baseDelay, Max: maxDelay, Factor: 2}

	var lastErr *common.Error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := g.wait(ctx, exchange); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		cerr := common.Classify(exchange, err)
		switch cerr.Kind {
		case common.KindAuth, common.KindOrderTooSmall, common.KindUnsupported:
			return cerr
		}
		lastErr = cerr

		if attempt < maxAttempts {
			delay := b.Duration()
			g.log.Warnw("exchange call failed, retrying",
				"exchange", exchange, "attempt", attempt, "delay", delay, "error", err)
			if err := g.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

// wait enforces the per-exchange minimum spacing.
func (g *Gateway) wait(ctx context.Context, exchange string) error {
	return g.limiter(exchange).Wait(ctx)
}

func balanceKey(exchange, apiKey string, futures bool) string {
	accountType := "spot"
	if futures {
		accountType = "futures"
	}
	return fmt.Sprintf("%s_%s_%s", exchange, apiKey, accountType)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
