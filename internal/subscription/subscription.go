// Package subscription gates features by plan tier. Billing itself happens
// upstream; this package only answers "may this user use feature X".
package subscription

import (
	"context"
	"errors"
	"time"

	"autotrader/pkg/config"
	"autotrader/pkg/store"
)

// Feature names consulted by the trading core.
const (
	FeatureAutoTrading    = "auto_trading"
	FeatureFuturesTrading = "futures_trading"
)

// Checker answers feature-gate questions for a user.
type Checker interface {
	HasFeature(ctx context.Context, userID, feature string) (bool, error)
	Plan(ctx context.Context, userID string) (string, error)
}

// Record is the persisted subscription state, written by the billing webhook
// upstream and read here.
type Record struct {
	Plan      string     `json:"plan"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// StoreChecker resolves plans from the store and features from the plan
// matrix in the trading defaults.
type StoreChecker struct {
	store store.Store
	plans map[string][]string
	now   func() time.Time
}

func NewStoreChecker(st store.Store, defaults config.TradingDefaults) *StoreChecker {
	plans := defaults.Plans
	if plans == nil {
		plans = config.BuiltinDefaults().Plans
	}
	return &StoreChecker{store: st, plans: plans, now: time.Now}
}

// Plan returns the user's active plan; missing or expired subscriptions
// resolve to free.
func (c *StoreChecker) Plan(ctx context.Context, userID string) (string, error) {
	var rec Record
	err := c.store.Get(ctx, "subscriptions/"+userID, &rec)
	if errors.Is(err, store.ErrNotFound) {
		return "free", nil
	}
	if err != nil {
		return "", err
	}
	if rec.Plan == "" {
		return "free", nil
	}
	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(c.now()) {
		return "free", nil
	}
	return rec.Plan, nil
}

func (c *StoreChecker) HasFeature(ctx context.Context, userID, feature string) (bool, error) {
	plan, err := c.Plan(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, f := range c.plans[plan] {
		if f == feature {
			return true, nil
		}
	}
	return false, nil
}

var _ Checker = (*StoreChecker)(nil)

// AllowAll grants every feature; used in tests and single-user deployments.
type AllowAll struct{}

func (AllowAll) HasFeature(ctx context.Context, userID, feature string) (bool, error) {
	return true, nil
}

func (AllowAll) Plan(ctx context.Context, userID string) (string, error) { return "pro", nil }

var _ Checker = AllowAll{}
