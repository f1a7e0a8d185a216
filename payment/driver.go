package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Driver is the pluggable on-chain settlement backend (spec §4.F's "driver
// trait"). payment/erc20 is the one concrete implementation in this tree;
// other platforms register their own Driver under a platform string.
type Driver interface {
	// Pay submits (or batches) a payment of amount from the allocation's
	// owning address to payee before deadline, returning the confirmation
	// once broadcast. A driver that cannot confirm before deadline returns
	// an error; the scheduler retries any failed Pay with backoff.
	Pay(ctx context.Context, platform, payerAddress, payeeAddress string, amount decimal.Decimal, deadline time.Time) (Confirmation, error)

	// VerifyConfirmation inspects a SendPayment message's opaque
	// confirmation bytes and returns the (sender, recipient, amount) it
	// attests to.
	VerifyConfirmation(ctx context.Context, confirmationBytes []byte) (Confirmation, error)

	// RequiredConfirmations is the number of block confirmations below
	// which a transaction is not treated as final.
	RequiredConfirmations() uint64

	// Platform names the platform string this driver services, e.g. "erc20-mainnet".
	Platform() string
}

// Registry looks a Driver up by platform string.
type Registry struct {
	drivers map[string]Driver
}

// NewRegistry builds a Registry from the given drivers.
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[string]Driver)}
	for _, d := range drivers {
		r.drivers[d.Platform()] = d
	}
	return r
}

// For returns the driver registered for platform, if any.
func (r *Registry) For(platform string) (Driver, bool) {
	d, ok := r.drivers[platform]
	return d, ok
}
