// Package worker runs slow external calls off the caller's goroutine with a
// hard cap on concurrency.
package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
	log *zap.SugaredLogger
}

func NewPool(size int, log *zap.SugaredLogger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), log: log}
}

// Submit blocks until a slot is free, then runs task in its own goroutine.
// The task gets a context detached from ctx's cancellation so that an
// accepted job is never abandoned halfway through.
func (p *Pool) Submit(ctx context.Context, name string, task func(ctx context.Context)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("submit %s: %w", name, err)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.log.Errorf("worker task %s panicked: %v", name, r)
			}
		}()
		task(context.WithoutCancel(ctx))
	}()
	return nil
}

// Wait blocks until every submitted task has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
