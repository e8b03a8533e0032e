package worker

import (
	"context"
	"runtime"
)

// ValidateBatch validates jobs on up to workers goroutines and returns the
// results in job order. If workers <= 0 it defaults to runtime.NumCPU().
func ValidateBatch(ctx context.Context, v Validator, jobs []Job, workers int) *BatchResult {
	if len(jobs) == 0 {
		return &BatchResult{Results: make([]*JobResult, 0)}
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	pool := NewPool(ctx, v, workers)
	for _, job := range jobs {
		if !pool.Submit(job) {
			break
		}
	}
	return pool.CloseAndWait()
}
