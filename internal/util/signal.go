package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// ErrSignal is the cancellation cause of a context ended by SIGINT or SIGTERM.
var ErrSignal = errors.New("received signal")

// WithSignalContext returns a context cancelled on the first SIGINT or SIGTERM.
// context.Cause reports which signal arrived.
func WithSignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(signals)
		select {
		case sig := <-signals:
			cancel(fmt.Errorf("%w: %s", ErrSignal, sig))
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}
