package worker

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofhir/profilevalidator/pkg/issue"
	"github.com/gofhir/profilevalidator/pkg/logger"
	"github.com/gofhir/profilevalidator/pkg/validator"
)

// Validator is the part of *validator.Validator the pool needs.
type Validator interface {
	Validate(ctx context.Context, resource []byte, opts ...validator.ValidateOption) (*issue.Result, error)
}

// ErrNoValidator is returned when the pool has no validator configured.
var ErrNoValidator = errors.New("no validator configured")

// ErrPoolClosed is reported for jobs submitted after Close.
var ErrPoolClosed = errors.New("pool is closed")

type indexedJob struct {
	index int
	job   Job
}

// Pool runs validation jobs on a fixed number of goroutines.
type Pool struct {
	workers    int
	jobsChan   chan indexedJob
	resultChan chan *JobResult
	collected  chan struct{}
	results    []*JobResult // written by the collector only
	validator  Validator
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex // guards closed and submission order
	closed     bool

	// Metrics
	jobsSubmitted atomic.Uint64
	jobsCompleted atomic.Uint64
	jobsFailed    atomic.Uint64
	totalDuration atomic.Uint64
}

// NewPool starts workers goroutines validating with v. If workers <= 0 it
// defaults to runtime.NumCPU(). Cancelling ctx stops the workers.
func NewPool(ctx context.Context, v Validator, workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(ctx)

	p := &Pool{
		workers:    workers,
		jobsChan:   make(chan indexedJob, workers*2),
		resultChan: make(chan *JobResult, workers*2),
		collected:  make(chan struct{}),
		validator:  v,
		ctx:        ctx,
		cancel:     cancel,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	go p.collect()
	logger.Debug("Started worker pool with %d workers", workers)

	return p
}

// Submit queues a job, blocking while the queue is full. It returns false
// when the pool is closed or its context is done.
func (p *Pool) Submit(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}

	index := int(p.jobsSubmitted.Load())
	select {
	case <-p.ctx.Done():
		return false
	case p.jobsChan <- indexedJob{index: index, job: job}:
		p.jobsSubmitted.Add(1)
		return true
	}
}

// Close stops accepting jobs and waits for queued jobs to finish,
// discarding their results.
func (p *Pool) Close() {
	p.CloseAndWait()
}

// CloseAndWait stops accepting jobs, waits for queued jobs to finish and
// returns every result in submission order. Only the first call returns
// results.
func (p *Pool) CloseAndWait() *BatchResult {
	if !p.shutdown() {
		return &BatchResult{}
	}

	p.wg.Wait()
	close(p.resultChan)
	<-p.collected
	p.cancel()

	results := p.results
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })

	return &BatchResult{
		Results:       results,
		TotalJobs:     int(p.jobsSubmitted.Load()),
		CompletedJobs: int(p.jobsCompleted.Load()),
		FailedJobs:    int(p.jobsFailed.Load()),
		TotalDuration: int64(p.totalDuration.Load()),
	}
}

func (p *Pool) collect() {
	for result := range p.resultChan {
		p.results = append(p.results, result)
	}
	close(p.collected)
}

func (p *Pool) shutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	close(p.jobsChan)
	return true
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:       p.workers,
		JobsSubmitted: p.jobsSubmitted.Load(),
		JobsCompleted: p.jobsCompleted.Load(),
		JobsFailed:    p.jobsFailed.Load(),
		AvgDuration:   p.averageDuration(),
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Workers       int
	JobsSubmitted uint64
	JobsCompleted uint64
	JobsFailed    uint64
	AvgDuration   time.Duration
}

// worker drains the queue. Once the context is done remaining jobs are
// reported with the context error instead of being validated.
func (p *Pool) worker() {
	defer p.wg.Done()

	for ij := range p.jobsChan {
		result := p.processJob(ij)
		p.jobsCompleted.Add(1)
		if result.Error != nil {
			p.jobsFailed.Add(1)
		}
		p.totalDuration.Add(uint64(result.Duration))
		p.resultChan <- result
	}
}

func (p *Pool) processJob(ij indexedJob) *JobResult {
	start := time.Now()
	result := &JobResult{ID: ij.job.ID, Index: ij.index}

	switch {
	case p.validator == nil:
		result.Error = ErrNoValidator
	case p.ctx.Err() != nil:
		result.Error = p.ctx.Err()
	default:
		var opts []validator.ValidateOption
		if len(ij.job.Profiles) > 0 {
			opts = append(opts, validator.ValidateWithProfile(ij.job.Profiles...))
		}
		result.Result, result.Error = p.validator.Validate(p.ctx, ij.job.Resource, opts...)
	}

	if result.Error != nil {
		logger.Debug("Job %s failed: %v", ij.job.ID, result.Error)
	}
	result.Duration = time.Since(start).Nanoseconds()
	return result
}

func (p *Pool) averageDuration() time.Duration {
	completed := p.jobsCompleted.Load()
	if completed == 0 {
		return 0
	}
	return time.Duration(p.totalDuration.Load() / completed)
}
