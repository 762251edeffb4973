package mock

import (
	"context"
	"sync"
)

// Waiter is a 'sync.WaitGroup' whose wait accepts a 'context.Context' so a
// stuck Goroutine fails the test instead of hanging it.
type Waiter struct {
	wg *sync.WaitGroup
}

func NewWaiter() Waiter {
	return Waiter{wg: new(sync.WaitGroup)}
}

func (w Waiter) Add() {
	w.wg.Add(1)
}

func (w Waiter) Done() {
	w.wg.Done()
	log.Debug("waiter.Done() called")
}

func (w Waiter) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return context.DeadlineExceeded
	case <-done:
		return nil
	}
}
