package common

import "context"

// Adapter abstracts one trading venue. Implementations are stateless with
// respect to users; credentials arrive per call.
type Adapter interface {
	// Name returns the lowercase exchange id, e.g. "binance".
	Name() string

	// GetBalance returns the quote-currency balance for the spot or futures
	// account.
	GetBalance(ctx context.Context, creds Credentials, futures bool) (Balance, error)

	// GetCurrentPrice returns the latest traded price for symbol on the spot
	// or futures market.
	GetCurrentPrice(ctx context.Context, symbol string, futures bool) (float64, error)

	// GetSymbolInfo returns the trading constraints for symbol.
	GetSymbolInfo(ctx context.Context, symbol string, futures bool) (SymbolInfo, error)

	// CreateOrder converts the quote amount to a base quantity at market
	// price, rounds it to the venue step, rejects below-minimum quantities,
	// applies leverage for futures, places a market order, then places the
	// TP/SL conditional close orders at trigger prices derived from entry.
	CreateOrder(ctx context.Context, creds Credentials, spec OrderSpec) (*OrderAck, error)

	// ClosePosition closes the open position (futures) or sells the holding
	// (spot) for symbol at market, then cancels any residual conditional
	// orders for the symbol. The returned map is the raw venue response.
	ClosePosition(ctx context.Context, creds Credentials, symbol string, futures bool) (map[string]any, error)

	// GetPositions lists open positions with non-zero size. Spot venues
	// return an empty slice.
	GetPositions(ctx context.Context, creds Credentials, futures bool) ([]Position, error)

	// GetKlines returns up to limit close prices for symbol at interval,
	// oldest first regardless of the venue's native ordering.
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]float64, error)
}
