package main

import (
	"context"
	"sync"
)

// workers tracks background loops that must finish before the process exits.
type workers struct {
	wg sync.WaitGroup
}

// Go runs fn in a tracked goroutine.
func (w *workers) Go(fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Wait blocks until every loop has returned or ctx expires.
func (w *workers) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
