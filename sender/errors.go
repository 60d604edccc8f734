package sender

import (
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-courier/types"
)

// The envelope content is over the configured limit.
var ErrMessageTooLarge = errors.New("message too large")

// The durable store could not be written within the retry budget. The send had
// no effect and the caller should retry later.
var ErrDeliveryUnavailable = errors.New("delivery unavailable")

// The caller's view of the destination's devices disagrees with the directory.
// Nothing was written; the caller must refresh its device list, re-encrypt and
// retry.
type MismatchedDevicesError struct {
	// devices the destination has which the caller didn't address
	Missing []types.DeviceID
	// devices the caller addressed which no longer exist
	Extra []types.DeviceID
	// devices addressed with an out of date registration
	Stale []types.DeviceID
}

func (e *MismatchedDevicesError) Error() string {
	return fmt.Sprintf("mismatched devices: missing %v, extra %v, stale %v", e.Missing, e.Extra, e.Stale)
}

type RateLimitExceededError struct {
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}
