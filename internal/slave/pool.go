package slave

import (
	"context"

	"github.com/ygrebnov/workers"

	"mrs/internal/utils"
)

// pool is the bounded concurrent task runner sized to a slave's capacity
// (SPEC_FULL.md §4.3.1), replacing the teacher's one-goroutine-per-task
// `go w.ExecuteTask(task)` dispatch in agent.go with a capacity-respecting
// pool. Each submitted unit reports its own outcome to the master inline
// (via the closure it was built from), so the pool's error channel is only
// drained for logging, not for task-identity routing.
type pool struct {
	w workers.Workers[struct{}]
}

func newPool(ctx context.Context, capacity int) *pool {
	w := workers.New[struct{}](ctx, &workers.Config{
		MaxWorkers:       uint(capacity),
		StartImmediately: true,
	})
	return &pool{w: w}
}

// submit enqueues fn to run on the pool. fn is responsible for reporting
// its own success/failure to the master before returning.
func (p *pool) submit(fn func(context.Context) error) error {
	return p.w.AddTask(func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
}

// drainErrors logs any error a pooled task returned after it already
// reported its own outcome to the master — a defensive backstop, not the
// primary reporting path.
func (p *pool) drainErrors(ctx context.Context) {
	errs := p.w.GetErrors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			if err != nil {
				utils.LogJSON("ERROR", "pooled task returned error", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}
