package auditstore

import (
	"context"
	"time"

	"github.com/securag/policygate/internal/metrics"
)

// lockRetryDelays is the bounded retry schedule for "database is locked"
// style contention. The first attempt runs immediately; each retry waits
// the next delay.
var lockRetryDelays = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
}

// withLockRetry runs fn, retrying per the schedule while isLockErr reports
// contention. Any other error, or exhaustion of the schedule, returns the
// last error.
func withLockRetry(ctx context.Context, isLockErr func(error) bool, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isLockErr(err) || attempt >= len(lockRetryDelays) {
			return err
		}
		metrics.AuditLockRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryDelays[attempt]):
		}
	}
}
