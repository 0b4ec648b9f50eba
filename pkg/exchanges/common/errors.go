package common

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies adapter and gateway failures for retry decisions.
type Kind int

const (
	// KindExchange is a generic venue failure, retryable.
	KindExchange Kind = iota
	// KindAuth means the credentials were rejected; never retried.
	KindAuth
	// KindRateLimit means the venue throttled us.
	KindRateLimit
	// KindOrderTooSmall means the computed quantity is below the venue minimum.
	KindOrderTooSmall
	// KindUnsupported means no adapter is registered for the exchange id.
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "authentication"
	case KindRateLimit:
		return "rate_limit"
	case KindOrderTooSmall:
		return "order_too_small"
	case KindUnsupported:
		return "unsupported_exchange"
	default:
		return "exchange"
	}
}

// Error is the typed failure returned by adapters and the gateway.
type Error struct {
	Exchange string
	Kind     Kind
	Message  string
	Cause    error

	// Populated for KindOrderTooSmall so callers can surface a fix.
	MinQty          float64
	SuggestedAmount float64
}

func (e *Error) Error() string {
	if e.Exchange != "" {
		return fmt.Sprintf("%s: %s: %s", e.Exchange, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a generic exchange error.
func NewError(exchange, message string, cause error) *Error {
	return &Error{Exchange: exchange, Kind: KindExchange, Message: message, Cause: cause}
}

// NewAuthError marks a credential rejection.
func NewAuthError(exchange, message string) *Error {
	return &Error{Exchange: exchange, Kind: KindAuth, Message: message}
}

// NewRateLimitError marks venue throttling.
func NewRateLimitError(exchange, message string) *Error {
	return &Error{Exchange: exchange, Kind: KindRateLimit, Message: message}
}

// NewOrderTooSmallError reports a quantity below the venue minimum along with
// the amount that would have cleared it.
func NewOrderTooSmallError(exchange string, minQty, suggestedAmount float64) *Error {
	return &Error{
		Exchange:        exchange,
		Kind:            KindOrderTooSmall,
		Message:         fmt.Sprintf("quantity below exchange minimum %v", minQty),
		MinQty:          minQty,
		SuggestedAmount: suggestedAmount,
	}
}

// NewUnsupportedExchangeError reports an unknown exchange id.
func NewUnsupportedExchangeError(exchange string) *Error {
	return &Error{Exchange: exchange, Kind: KindUnsupported, Message: "no adapter registered"}
}

// KindOf extracts the Kind from err, or KindExchange for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExchange
}

// IsAuth reports whether err is a credential rejection.
func IsAuth(err error) bool { return hasKind(err, KindAuth) }

// IsRateLimit reports whether err is venue throttling.
func IsRateLimit(err error) bool { return hasKind(err, KindRateLimit) }

// IsOrderTooSmall reports whether err is a below-minimum order.
func IsOrderTooSmall(err error) bool { return hasKind(err, KindOrderTooSmall) }

// IsUnsupported reports whether err names an unknown exchange.
func IsUnsupported(err error) bool { return hasKind(err, KindUnsupported) }

func hasKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

var (
	authPatterns      = []string{"invalid", "unauthorized", "forbidden", "api key"}
	rateLimitPatterns = []string{"429", "rate limit", "too many requests"}
)

// Classify wraps err as a typed Error, sniffing the message for credential
// and throttling signatures the venues embed in otherwise opaque responses.
// Already-typed errors pass through unchanged.
func Classify(exchange string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	msg := strings.ToLower(err.Error())
	for _, p := range authPatterns {
		if strings.Contains(msg, p) {
			return &Error{Exchange: exchange, Kind: KindAuth, Message: err.Error(), Cause: err}
		}
	}
	for _, p := range rateLimitPatterns {
		if strings.Contains(msg, p) {
			return &Error{Exchange: exchange, Kind: KindRateLimit, Message: err.Error(), Cause: err}
		}
	}
	return NewError(exchange, err.Error(), err)
}
