// Package billing decides whether paid plugins and features are unlocked.
// Payment processing itself is delegated to a PaymentProcessor.
package billing

import (
	"context"
	"time"
)

// Charge is a request to take a payment.
type Charge struct {
	PluginID  string
	FeatureID string
	Amount    float64
	Currency  string
}

// PaymentProcessor takes payments and returns a receipt id.
type PaymentProcessor interface {
	Process(ctx context.Context, c Charge) (receipt string, err error)
}

// PaymentProcessorFunc adapts a function to PaymentProcessor.
type PaymentProcessorFunc func(ctx context.Context, c Charge) (string, error)

// Process calls f.
func (f PaymentProcessorFunc) Process(ctx context.Context, c Charge) (string, error) {
	return f(ctx, c)
}

// Purchase is a completed payment for a plugin or one of its features.
// FeatureID is empty for a whole-plugin purchase.
type Purchase struct {
	PluginID    string    `json:"pluginId" yaml:"plugin_id"`
	FeatureID   string    `json:"featureId,omitempty" yaml:"feature_id,omitempty"`
	Receipt     string    `json:"receipt" yaml:"receipt"`
	Amount      float64   `json:"amount" yaml:"amount"`
	Currency    string    `json:"currency" yaml:"currency"`
	PurchasedAt time.Time `json:"purchasedAt" yaml:"purchased_at"`
}

// PurchaseRepository stores purchases.
type PurchaseRepository interface {
	SavePurchase(ctx context.Context, p Purchase) error
	Purchases(ctx context.Context, pluginID string) ([]Purchase, error)
}

// Trial is a time-limited unlock of a premium plugin.
type Trial struct {
	PluginID  string    `json:"pluginId" yaml:"plugin_id"`
	StartedAt time.Time `json:"startedAt" yaml:"started_at"`
	ExpiresAt time.Time `json:"expiresAt" yaml:"expires_at"`
	Ended     bool      `json:"ended,omitempty" yaml:"ended,omitempty"`
}

// Active reports whether the trial unlocks the plugin at now.
func (t Trial) Active(now time.Time) bool {
	return !t.Ended && now.Before(t.ExpiresAt)
}

// TrialRepository stores trials. Trial returns an error wrapping ErrNoTrial
// for plugins that never had one.
type TrialRepository interface {
	SaveTrial(ctx context.Context, t Trial) error
	Trial(ctx context.Context, pluginID string) (Trial, error)
}
