package worker

import "github.com/gofhir/profilevalidator/pkg/issue"

// Job is one resource to validate.
type Job struct {
	// ID identifies the job, e.g. the source file name.
	ID string

	// Resource is the FHIR resource to validate (as JSON bytes).
	Resource []byte

	// Profiles are explicit profile references for this job. When empty the
	// resource's meta.profile is used.
	Profiles []string
}

// JobResult is the outcome of one job.
type JobResult struct {
	// ID matches the Job.ID that produced this result.
	ID string

	// Index is the submission position of the job.
	Index int

	// Result contains the validation result.
	Result *issue.Result

	// Error contains any error that occurred during validation.
	Error error

	// Duration is the time taken to validate (in nanoseconds).
	Duration int64
}

// Successful reports whether the job ran and produced no messages.
func (r *JobResult) Successful() bool {
	return r.Error == nil && r.Result != nil && r.Result.Successful()
}

// BatchResult aggregates results from multiple jobs.
type BatchResult struct {
	// Results contains all job results in submission order.
	Results []*JobResult

	// TotalJobs is the number of jobs submitted.
	TotalJobs int

	// CompletedJobs is the number of jobs completed (including errors).
	CompletedJobs int

	// FailedJobs is the number of jobs that failed with an error.
	FailedJobs int

	// TotalDuration is the summed validation time (in nanoseconds).
	TotalDuration int64
}

// Successful reports whether every job was successful.
func (br *BatchResult) Successful() bool {
	for _, r := range br.Results {
		if !r.Successful() {
			return false
		}
	}
	return true
}

// HasErrors returns true if any job failed or has error-level messages.
func (br *BatchResult) HasErrors() bool {
	for _, r := range br.Results {
		if r.Error != nil {
			return true
		}
		if r.Result != nil && r.Result.HasErrors() {
			return true
		}
	}
	return false
}

// ErrorCount returns the total number of error-level messages.
func (br *BatchResult) ErrorCount() int {
	count := 0
	for _, r := range br.Results {
		if r.Result != nil {
			count += r.Result.ErrorCount()
		}
	}
	return count
}
