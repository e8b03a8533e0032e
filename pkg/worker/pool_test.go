package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofhir/profilevalidator/pkg/issue"
	"github.com/gofhir/profilevalidator/pkg/validator"
)

// mockValidator implements the Validator interface for testing.
type mockValidator struct {
	callCount atomic.Int32
	delay     time.Duration
	err       error
}

func (m *mockValidator) Validate(ctx context.Context, resource []byte, opts ...validator.ValidateOption) (*issue.Result, error) {
	m.callCount.Add(1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	result := issue.NewResult()
	if len(opts) > 0 {
		result.Add(issue.Message{Severity: issue.SeverityError, Text: "explicit profile"})
	}
	result.Stats = &issue.Stats{ResourceSize: len(resource)}
	return result, nil
}

func jobs(n int) []Job {
	out := make([]Job, n)
	for i := range out {
		out[i] = Job{ID: fmt.Sprintf("job-%d", i), Resource: []byte(`{"resourceType":"Patient"}`)}
	}
	return out
}

func TestPool_DefaultWorkers(t *testing.T) {
	pool := NewPool(context.Background(), &mockValidator{}, 0)
	defer pool.Close()

	if pool.workers <= 0 {
		t.Errorf("workers = %d; want > 0", pool.workers)
	}
}

func TestPool_ResultsInSubmissionOrder(t *testing.T) {
	v := &mockValidator{delay: time.Millisecond}
	pool := NewPool(context.Background(), v, 4)

	// More jobs than the queues hold, so submission must not deadlock.
	for _, job := range jobs(50) {
		if !pool.Submit(job) {
			t.Fatalf("Submit(%s) returned false", job.ID)
		}
	}
	batch := pool.CloseAndWait()

	if batch.TotalJobs != 50 || batch.CompletedJobs != 50 {
		t.Fatalf("TotalJobs = %d, CompletedJobs = %d; want 50, 50", batch.TotalJobs, batch.CompletedJobs)
	}
	for i, r := range batch.Results {
		if r.Index != i || r.ID != fmt.Sprintf("job-%d", i) {
			t.Fatalf("Results[%d] = %s (index %d)", i, r.ID, r.Index)
		}
	}
	if !batch.Successful() {
		t.Error("batch should be successful")
	}
	if got := v.callCount.Load(); got != 50 {
		t.Errorf("callCount = %d; want 50", got)
	}
}

func TestPool_SubmitAfterClose(t *testing.T) {
	pool := NewPool(context.Background(), &mockValidator{}, 1)
	pool.Close()

	if pool.Submit(Job{ID: "late"}) {
		t.Error("Submit after Close should return false")
	}
	if batch := pool.CloseAndWait(); len(batch.Results) != 0 {
		t.Errorf("second CloseAndWait returned %d results", len(batch.Results))
	}
}

func TestPool_Errors(t *testing.T) {
	boom := errors.New("boom")
	pool := NewPool(context.Background(), &mockValidator{err: boom}, 2)
	pool.Submit(Job{ID: "a"})
	pool.Submit(Job{ID: "b"})
	batch := pool.CloseAndWait()

	if batch.FailedJobs != 2 {
		t.Errorf("FailedJobs = %d; want 2", batch.FailedJobs)
	}
	if !batch.HasErrors() || batch.Successful() {
		t.Error("batch with failed jobs should report errors")
	}
	if !errors.Is(batch.Results[0].Error, boom) {
		t.Errorf("Error = %v; want boom", batch.Results[0].Error)
	}
}

func TestPool_NoValidator(t *testing.T) {
	pool := NewPool(context.Background(), nil, 1)
	pool.Submit(Job{ID: "a"})
	batch := pool.CloseAndWait()

	if len(batch.Results) != 1 || !errors.Is(batch.Results[0].Error, ErrNoValidator) {
		t.Errorf("expected ErrNoValidator, got %+v", batch.Results)
	}
}

func TestPool_Stats(t *testing.T) {
	pool := NewPool(context.Background(), &mockValidator{}, 3)
	for _, job := range jobs(5) {
		pool.Submit(job)
	}
	pool.Close()

	stats := pool.Stats()
	if stats.Workers != 3 || stats.JobsSubmitted != 5 || stats.JobsCompleted != 5 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPool_JobProfilesArePassed(t *testing.T) {
	batch := ValidateBatch(context.Background(), &mockValidator{}, []Job{
		{ID: "plain"},
		{ID: "explicit", Profiles: []string{"http://example.org/StructureDefinition/P|1.0.0"}},
	}, 2)

	if !batch.Results[0].Successful() {
		t.Error("job without profiles should be successful")
	}
	if batch.Results[1].Successful() {
		t.Error("job with profiles should carry the explicit profile message")
	}
}

func TestValidateBatch_Empty(t *testing.T) {
	batch := ValidateBatch(context.Background(), &mockValidator{}, nil, 4)
	if batch.TotalJobs != 0 || len(batch.Results) != 0 {
		t.Errorf("unexpected batch %+v", batch)
	}
}

func TestValidateBatch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch := ValidateBatch(ctx, &mockValidator{}, jobs(10), 2)
	for _, r := range batch.Results {
		if !errors.Is(r.Error, context.Canceled) {
			t.Errorf("job %s: Error = %v; want context.Canceled", r.ID, r.Error)
		}
	}
}
