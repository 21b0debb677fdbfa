package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plughost/internal/plugin"
)

// Service answers whether a plugin is paid for and records new purchases
// and trials.
type Service struct {
	payments  PaymentProcessor
	purchases PurchaseRepository
	trials    TrialRepository
	now       func() time.Time
	logger    hclog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for trials and purchase timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a billing service.
func NewService(payments PaymentProcessor, purchases PurchaseRepository, trials TrialRepository, opts ...Option) *Service {
	s := &Service{
		payments:  payments,
		purchases: purchases,
		trials:    trials,
		now:       time.Now,
		logger:    hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsPurchased reports whether the plugin was bought outright or is in an
// active trial.
func (s *Service) IsPurchased(ctx context.Context, pluginID string) (bool, error) {
	purchases, err := s.purchases.Purchases(ctx, pluginID)
	if err != nil {
		return false, err
	}
	for _, p := range purchases {
		if p.FeatureID == "" {
			return true, nil
		}
	}
	return s.trialActive(ctx, pluginID)
}

// IsFeatureUnlocked reports whether a freemium feature may be used: the
// feature or the whole plugin was bought, or a trial is active.
func (s *Service) IsFeatureUnlocked(ctx context.Context, pluginID, featureID string) (bool, error) {
	purchases, err := s.purchases.Purchases(ctx, pluginID)
	if err != nil {
		return false, err
	}
	for _, p := range purchases {
		if p.FeatureID == "" || p.FeatureID == featureID {
			return true, nil
		}
	}
	return s.trialActive(ctx, pluginID)
}

func (s *Service) trialActive(ctx context.Context, pluginID string) (bool, error) {
	t, err := s.trials.Trial(ctx, pluginID)
	if errors.Is(err, ErrNoTrial) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.Active(s.now()), nil
}

// Purchase buys a premium plugin. An active trial ends with the purchase.
func (s *Service) Purchase(ctx context.Context, m *plugin.Manifest) (*Purchase, error) {
	if !m.Monetization.IsPremium() || m.Monetization.Price <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotForSale, m.ID)
	}
	purchases, err := s.purchases.Purchases(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	for _, p := range purchases {
		if p.FeatureID == "" {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyPurchased, m.ID)
		}
	}

	p, err := s.charge(ctx, Charge{PluginID: m.ID, Amount: m.Monetization.Price, Currency: m.Monetization.Currency})
	if err != nil {
		return nil, err
	}
	if err := s.EndTrial(ctx, m.ID); err != nil && !errors.Is(err, ErrNoTrial) {
		s.logger.Warn("cannot end trial after purchase", "plugin", m.ID, "error", err)
	}
	return p, nil
}

// PurchaseFeature buys one feature of a freemium plugin.
func (s *Service) PurchaseFeature(ctx context.Context, m *plugin.Manifest, featureID string) (*Purchase, error) {
	if m.Monetization == nil || m.Monetization.Kind != plugin.MonetizationFreemium {
		return nil, fmt.Errorf("%w: %s has no purchasable features", ErrNotForSale, m.ID)
	}
	var feature *plugin.Feature
	for i := range m.Monetization.Features {
		if m.Monetization.Features[i].ID == featureID {
			feature = &m.Monetization.Features[i]
			break
		}
	}
	if feature == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownFeature, m.ID, featureID)
	}

	purchases, err := s.purchases.Purchases(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	for _, p := range purchases {
		if p.FeatureID == featureID || p.FeatureID == "" {
			return nil, fmt.Errorf("%w: %s/%s", ErrAlreadyPurchased, m.ID, featureID)
		}
	}

	return s.charge(ctx, Charge{PluginID: m.ID, FeatureID: featureID, Amount: feature.Price, Currency: feature.Currency})
}

func (s *Service) charge(ctx context.Context, c Charge) (*Purchase, error) {
	receipt, err := s.payments.Process(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("process payment for %s: %w", c.PluginID, err)
	}
	p := Purchase{
		PluginID:    c.PluginID,
		FeatureID:   c.FeatureID,
		Receipt:     receipt,
		Amount:      c.Amount,
		Currency:    c.Currency,
		PurchasedAt: s.now(),
	}
	if err := s.purchases.SavePurchase(ctx, p); err != nil {
		// The payment went through; the receipt is logged so it can be
		// reconciled by hand.
		s.logger.Error("purchase not recorded", "plugin", c.PluginID, "receipt", receipt, "error", err)
		return nil, fmt.Errorf("record purchase for %s: %w", c.PluginID, err)
	}
	s.logger.Info("purchase recorded", "plugin", c.PluginID, "feature", c.FeatureID, "receipt", receipt)
	return &p, nil
}

// StartTrial starts the trial period of a premium plugin. A plugin gets one
// trial, ever.
func (s *Service) StartTrial(ctx context.Context, m *plugin.Manifest) (*Trial, error) {
	if !m.Monetization.IsPremium() || m.Monetization.TrialDays == nil || *m.Monetization.TrialDays <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTrialOffered, m.ID)
	}
	_, err := s.trials.Trial(ctx, m.ID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrTrialUsed, m.ID)
	case !errors.Is(err, ErrNoTrial):
		return nil, err
	}

	now := s.now()
	t := Trial{
		PluginID:  m.ID,
		StartedAt: now,
		ExpiresAt: now.AddDate(0, 0, *m.Monetization.TrialDays),
	}
	if err := s.trials.SaveTrial(ctx, t); err != nil {
		return nil, fmt.Errorf("start trial for %s: %w", m.ID, err)
	}
	return &t, nil
}

// EndTrial ends a trial early.
func (s *Service) EndTrial(ctx context.Context, pluginID string) error {
	t, err := s.trials.Trial(ctx, pluginID)
	if err != nil {
		return err
	}
	if t.Ended {
		return nil
	}
	t.Ended = true
	return s.trials.SaveTrial(ctx, t)
}

// TrialRemaining returns the time left in an active trial, or zero.
func (s *Service) TrialRemaining(ctx context.Context, pluginID string) (time.Duration, error) {
	t, err := s.trials.Trial(ctx, pluginID)
	if errors.Is(err, ErrNoTrial) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	now := s.now()
	if !t.Active(now) {
		return 0, nil
	}
	return t.ExpiresAt.Sub(now), nil
}
