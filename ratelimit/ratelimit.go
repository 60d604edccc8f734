// This package enforces the per-account send budget and keeps a cheap cardinality
// estimate of how many distinct accounts a sender has contacted recently. Budgets
// are fixed windows counted in bytes; estimates feed abuse review rather than any
// hard block.
package ratelimit

import (
	"context"
	"time"

	"github.com/meow-io/go-courier/types"
)

type Limiter interface {
	// AllowBytes charges n bytes against the account's window. A zero return
	// means the send may proceed; otherwise it is the duration until the
	// window resets.
	AllowBytes(ctx context.Context, account types.AccountID, n int) (time.Duration, error)

	Close() error
}

type Estimator interface {
	// Observe records that source contacted the given account.
	Observe(ctx context.Context, source string, dest types.AccountID) error

	// Count estimates the number of distinct accounts source has contacted
	// within the window.
	Count(ctx context.Context, source string) (int64, error)

	Close() error
}
