package ticker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Done signals a clean stop from a periodic task, e.g. when the thing being
// sampled reached a terminal state.
var Done = errors.New("periodic task done")

// Periodically runs task at the given interval until the context is
// cancelled, the task returns Done, or the task fails.
func Periodically(ctx context.Context, interval time.Duration, task func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := task(ctx); err != nil {
				if errors.Is(err, Done) {
					return nil
				}
				return fmt.Errorf("periodic task failed: %w", err)
			}
		}
	}
}
