package async_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/pkg/async"
)

func TestPoolExecute(t *testing.T) {
	t.Run("collects every result by name", func(t *testing.T) {
		pool := async.NewPool[int](3)
		var tasks []async.Task[int]
		for i := 0; i < 10; i++ {
			i := i
			tasks = append(tasks, async.Task[int]{
				Name:    fmt.Sprintf("task-%d", i),
				Execute: func(context.Context) (int, error) { return i * i, nil },
			})
		}

		results := pool.Execute(context.Background(), tasks)
		require.Len(t, results, 10)
		assert.Equal(t, 49, results["task-7"].Data)
		assert.NoError(t, results["task-7"].Err)
	})

	t.Run("isolates errors and panics", func(t *testing.T) {
		pool := async.NewPool[string](2)
		results := pool.Execute(context.Background(), []async.Task[string]{
			{Name: "ok", Execute: func(context.Context) (string, error) { return "done", nil }},
			{Name: "fails", Execute: func(context.Context) (string, error) { return "", errors.New("boom") }},
			{Name: "panics", Execute: func(context.Context) (string, error) { panic("bad batch") }},
		})

		assert.Equal(t, "done", results["ok"].Data)
		assert.EqualError(t, results["fails"].Err, "boom")
		assert.ErrorContains(t, results["panics"].Err, "bad batch")
	})

	t.Run("pool can be reused", func(t *testing.T) {
		pool := async.NewPool[int](1)
		var calls atomic.Int32
		task := async.Task[int]{Name: "n", Execute: func(context.Context) (int, error) {
			return int(calls.Add(1)), nil
		}}

		pool.Execute(context.Background(), []async.Task[int]{task})
		results := pool.Execute(context.Background(), []async.Task[int]{task})
		assert.Equal(t, 2, results["n"].Data)
	})

	t.Run("cancelled context reports unfinished tasks", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		pool := async.NewPool[int](2)
		results := pool.Execute(ctx, []async.Task[int]{
			{Name: "a", Execute: func(context.Context) (int, error) { return 1, nil }},
			{Name: "b", Execute: func(context.Context) (int, error) { return 2, nil }},
		})
		require.Len(t, results, 2)
		for _, r := range results {
			if r.Err != nil {
				assert.ErrorIs(t, r.Err, context.Canceled)
			}
		}
	})

	t.Run("empty task list", func(t *testing.T) {
		assert.Empty(t, async.NewPool[int](4).Execute(context.Background(), nil))
	})
}
