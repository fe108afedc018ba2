package scheduler

import "context"

// Wake is a single-slot activity signal. Any number of Signal calls made while
// nobody waits collapse into one wake-up.
type Wake struct {
	ch chan struct{}
}

func NewWake() *Wake {
	return &Wake{ch: make(chan struct{}, 1)}
}

// Signal never blocks.
func (w *Wake) Signal() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until a signal is pending or ctx is done.
func (w *Wake) Wait(ctx context.Context) error {
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C exposes the signal channel for use in a select.
func (w *Wake) C() <-chan struct{} {
	return w.ch
}
