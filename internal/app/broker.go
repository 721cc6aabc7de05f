package app

import (
	"context"
	"fmt"
	"time"

	"signalPilot/internal/ports"
)

// DefaultBrokerCallTimeout bounds a single gateway call when none is configured.
const DefaultBrokerCallTimeout = 3 * time.Second

// callBroker runs fn with its own deadline, detached from ctx cancellation so
// that stopping the monitor never aborts a call that is already in flight.
// A call that outlives the deadline is reported as failed; fn keeps running
// in the background and its result is discarded.
func callBroker(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultBrokerCallTimeout
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in gateway: %v", r)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s failed: %w: %w", op, ports.ErrBrokerCallFailed, err)
		}
		return nil
	case <-callCtx.Done():
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrBrokerCallFailed, ports.ErrTimeout)
	}
}
