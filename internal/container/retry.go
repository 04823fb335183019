// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"time"
)

// RetryWithBackoff calls op up to maxAttempts times, sleeping baseBackoff
// doubled on each retry. op reports whether a failure is worth retrying;
// cancellation of ctx stops the loop between attempts.
func RetryWithBackoff(
	ctx context.Context,
	maxAttempts int,
	baseBackoff time.Duration,
	op func(attempt int) (retry bool, err error),
) error {
	var lastErr error
	for attempt := range maxAttempts {
		if attempt > 0 {
			timer := time.NewTimer(baseBackoff * time.Duration(1<<(attempt-1)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry aborted: %w", ctx.Err())
			case <-timer.C:
			}
		}

		retry, err := op(attempt)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// RemoveWithRetry force-removes container, retrying failed attempts until
// ctx is cancelled or the attempts run out.
func RemoveWithRetry(ctx context.Context, e Engine, container string) error {
	return RetryWithBackoff(ctx, 4, 100*time.Millisecond, func(int) (bool, error) {
		err := e.Remove(ctx, container, true)
		if err == nil {
			return false, nil
		}
		if ctx.Err() != nil {
			return false, err
		}
		return true, err
	})
}
