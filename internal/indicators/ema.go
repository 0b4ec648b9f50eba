// Package indicators computes the moving-average signals driving auto-trades.
package indicators

import "errors"

// ErrNotEnoughData is returned when the close series is shorter than the
// requested period.
var ErrNotEnoughData = errors.New("not enough closes for period")

// EMA computes the exponential moving average over a chronological
// (oldest-first) close series. The first close seeds the average, so callers
// should pass extra history beyond the period to amortize the seed; feeding a
// newest-first series produces a wrong result, which is why adapters reverse
// venue output before it gets here.
func EMA(closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.New("period must be positive")
	}
	if len(closes) < period {
		return 0, ErrNotEnoughData
	}

	mult := 2.0 / float64(period+1)
	ema := closes[0]
	for _, close := range closes[1:] {
		ema = (close-ema)*mult + ema
	}
	return ema, nil
}

// Direction labels a detected crossover.
type Direction string

const (
	DirectionBullish Direction = "BULLISH"
	DirectionBearish Direction = "BEARISH"
	DirectionNone    Direction = ""
)

// DetectCrossover compares the previous and current EMA pair. hasPrev is
// false on the first observation, which can never signal.
func DetectCrossover(prev9, prev21, cur9, cur21 float64, hasPrev bool) Direction {
	if !hasPrev {
		return DirectionNone
	}
	if prev9 < prev21 && cur9 > cur21 {
		return DirectionBullish
	}
	if prev9 > prev21 && cur9 < cur21 {
		return DirectionBearish
	}
	return DirectionNone
}
