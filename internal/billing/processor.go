package billing

import (
	"context"

	"github.com/google/uuid"
)

// OfflineProcessor records purchases without taking money. Receipts are
// random ids prefixed with "offline-". It backs the CLI, where payment
// happens outside the host.
func OfflineProcessor() PaymentProcessor {
	return PaymentProcessorFunc(func(ctx context.Context, c Charge) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "offline-" + uuid.NewString(), nil
	})
}
