// Package async runs named tasks on a bounded number of workers.
package async

import (
	"context"
	"fmt"
	"sync"
)

type Task[T any] struct {
	Name    string
	Execute func(ctx context.Context) (T, error)
}

type Result[T any] struct {
	Name string
	Data T
	Err  error
}

type Pool[T any] struct {
	workerCount int
}

func NewPool[T any](workerCount int) *Pool[T] {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Pool[T]{workerCount: workerCount}
}

func (p *Pool[T]) worker(ctx context.Context, wg *sync.WaitGroup, tasks <-chan Task[T], results chan<- Result[T]) {
	defer wg.Done()
	for {
		select {
		case task, ok := <-tasks:
			if !ok {
				return
			}
			results <- run(ctx, task)
		case <-ctx.Done():
			return
		}
	}
}

// run executes one task, turning a panic into the task's error.
func run[T any](ctx context.Context, task Task[T]) (result Result[T]) {
	result.Name = task.Name
	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	result.Data, result.Err = task.Execute(ctx)
	return result
}

// Execute runs tasks and returns their results by name. If ctx ends first,
// the results collected so far are returned; tasks that never ran are
// reported with ctx's error.
func (p *Pool[T]) Execute(ctx context.Context, tasks []Task[T]) map[string]Result[T] {
	var wg sync.WaitGroup
	results := make(map[string]Result[T], len(tasks))
	queue := make(chan Task[T])
	out := make(chan Result[T], len(tasks))

	// Start workers
	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		go p.worker(ctx, &wg, queue, out)
	}

	// Send tasks
	go func() {
		defer close(queue)
		for _, task := range tasks {
			select {
			case queue <- task:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Collect results
	for i := 0; i < len(tasks); i++ {
		select {
		case result := <-out:
			results[result.Name] = result
		case <-ctx.Done():
			for _, task := range tasks {
				if _, ok := results[task.Name]; !ok {
					results[task.Name] = Result[T]{Name: task.Name, Err: ctx.Err()}
				}
			}
			return results
		}
	}

	wg.Wait()
	return results
}
