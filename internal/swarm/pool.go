// Package swarm provides the bounded executor used for intra-worker
// parallelism across partitions, plus the adaptive window that
// sizes remote message flushes against observed peer backpressure.
package swarm

import (
	"context"
	"sync"
)

// Task is a unit of work for the pool.
type Task func(ctx context.Context) error

// Pool runs tasks with bounded concurrency. Each task owns its inputs
// exclusively (one partition is never handed to two tasks), so tasks need
// no locking among themselves.
type Pool struct {
	MaxWorkers int
}

func NewPool(maxWorkers int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Pool{MaxWorkers: maxWorkers}
}

// Run executes every task and waits for all of them. The first error
// cancels the remaining tasks; its value is returned.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, p.MaxWorkers)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, task := range tasks {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
			wg.Add(1)
			go func(task Task) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := task(ctx); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
						cancel()
					}
					mu.Unlock()
				}
			}(task)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}
