// Package worker validates many resources in parallel against one shared
// validator.
//
// Example usage:
//
//	pool := worker.NewPool(ctx, v, 4)
//	for _, job := range jobs {
//	    pool.Submit(job)
//	}
//	batch := pool.CloseAndWait()
//	for _, r := range batch.Results { // submission order
//	    ...
//	}
//
// For a fixed slice of jobs, ValidateBatch does the same in one call.
package worker
