package billing

import "errors"

// Billing errors.
var (
	// ErrNotForSale is returned when purchasing something that has no price.
	ErrNotForSale = errors.New("plugin is not for sale")

	// ErrAlreadyPurchased is returned when buying something twice.
	ErrAlreadyPurchased = errors.New("already purchased")

	// ErrUnknownFeature is returned for feature ids the manifest does not list.
	ErrUnknownFeature = errors.New("unknown feature")

	// ErrNoTrialOffered is returned when the plugin has no trial period.
	ErrNoTrialOffered = errors.New("plugin offers no trial")

	// ErrTrialUsed is returned when a trial was already started once.
	ErrTrialUsed = errors.New("trial already used")

	// ErrNoTrial is returned by a TrialRepository that has no trial for a plugin.
	ErrNoTrial = errors.New("no trial")

	// ErrPaymentDeclined is returned by processors that refuse a payment.
	ErrPaymentDeclined = errors.New("payment declined")
)
