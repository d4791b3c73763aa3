package github

import (
	"context"
	"errors"
	"fmt"

	"labelsync/pkg/labels"
)

// DefaultConcurrency is how many repositories of one batch are reconciled at once
const DefaultConcurrency = 4

// Recorder receives the outcome of every repository in a batch. Calls may
// come from several goroutines.
type Recorder interface {
	RecordPlan(repository string, plan *labels.Plan)
	RecordApplied(repository string, applied []labels.LabelChange)
	RecordConfigError(repository string, err *labels.ConfigurationError)
	RecordRemoteError(repository string, err error)
}

// MultiReconciler reconciles a batch of repositories of one installation
type MultiReconciler interface {
	// ReconcileAll plans, and unless dryRun applies, every listed repository.
	// Per-repository failures are recorded and do not fail the batch; the
	// returned error is set only when the batch hit a rate limit or a
	// credential failure and should be retried as a whole.
	ReconcileAll(ctx context.Context, config labels.Configuration, repositories []string, dryRun bool, rec Recorder) (*MultiRepoResult, error)
}

// MultiRepoResult contains results from multi-repository operations
type MultiRepoResult struct {
	Succeeded []string         `json:"succeeded"`
	Failed    map[string]error `json:"failed"`
	Summary   OperationSummary `json:"summary"`
}

// OperationSummary provides aggregate statistics for a batch
type OperationSummary struct {
	TotalRepositories int `json:"total_repositories"`
	SuccessCount      int `json:"success_count"`
	FailureCount      int `json:"failure_count"`
	TotalChanges      int `json:"total_changes"`
}

// multiReconciler implements the MultiReconciler interface
type multiReconciler struct {
	reconciler  Reconciler
	concurrency int
}

// NewMultiReconciler creates a new multi-repository reconciler instance
func NewMultiReconciler(client APIClient, concurrency int) MultiReconciler {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &multiReconciler{
		reconciler:  NewReconciler(client),
		concurrency: concurrency,
	}
}

// repoJob represents a repository processing job
type repoJob struct {
	name   string
	config labels.RepositoryConfig
}

// repoResult represents the result of processing a repository
type repoResult struct {
	name    string
	changes int
	err     error
}

// ReconcileAll implements MultiReconciler
func (mr *multiReconciler) ReconcileAll(ctx context.Context, config labels.Configuration, repositories []string, dryRun bool, rec Recorder) (*MultiRepoResult, error) {
	result := &MultiRepoResult{
		Succeeded: make([]string, 0, len(repositories)),
		Failed:    make(map[string]error),
		Summary:   OperationSummary{TotalRepositories: len(repositories)},
	}

	jobs := make([]repoJob, 0, len(repositories))
	for _, name := range repositories {
		repoConfig, ok := config[name]
		if !ok {
			cfgErr := labels.NewConfigurationError(name, "repository is not configured")
			rec.RecordConfigError(name, cfgErr)
			result.Failed[name] = cfgErr
			result.Summary.FailureCount++
			continue
		}
		jobs = append(jobs, repoJob{name: name, config: repoConfig})
	}

	if len(jobs) == 0 {
		return result, nil
	}

	numWorkers := minInt(mr.concurrency, len(jobs))
	jobChan := make(chan repoJob)
	resultChan := make(chan repoResult, len(jobs))

	for i := 0; i < numWorkers; i++ {
		go mr.worker(ctx, jobChan, resultChan, dryRun, rec)
	}

	go func() {
		defer close(jobChan)
		for _, job := range jobs {
			jobChan <- job
		}
	}()

	// Batch-level failures, rate limits first since they carry a retry delay
	var retryErr error
	for range jobs {
		res := <-resultChan
		result.Summary.TotalChanges += res.changes

		if res.err == nil {
			result.Succeeded = append(result.Succeeded, res.name)
			result.Summary.SuccessCount++
			continue
		}

		result.Failed[res.name] = res.err
		result.Summary.FailureCount++

		switch {
		case IsRateLimit(res.err):
			if !IsRateLimit(retryErr) || RetryAfter(res.err) > RetryAfter(retryErr) {
				retryErr = res.err
			}
		case IsAuth(res.err) && retryErr == nil:
			retryErr = res.err
		}
	}

	return result, retryErr
}

func (mr *multiReconciler) worker(ctx context.Context, jobs <-chan repoJob, results chan<- repoResult, dryRun bool, rec Recorder) {
	for job := range jobs {
		changes, err := mr.processJob(ctx, job, dryRun, rec)
		results <- repoResult{name: job.name, changes: changes, err: err}
	}
}

// processJob plans and applies one repository and records the outcome
func (mr *multiReconciler) processJob(ctx context.Context, job repoJob, dryRun bool, rec Recorder) (int, error) {
	if err := ctx.Err(); err != nil {
		rec.RecordRemoteError(job.name, err)
		return 0, err
	}

	plan, err := mr.reconciler.Plan(ctx, job.name, job.config)
	if err != nil {
		var cfgErr *labels.ConfigurationError
		if errors.As(err, &cfgErr) {
			rec.RecordConfigError(job.name, cfgErr)
		} else {
			rec.RecordRemoteError(job.name, err)
		}
		return 0, err
	}

	rec.RecordPlan(job.name, plan)
	if dryRun || plan.IsEmpty() {
		return plan.Count(), nil
	}

	applied, err := mr.reconciler.Apply(ctx, plan)
	rec.RecordApplied(job.name, applied)
	if err != nil {
		rec.RecordRemoteError(job.name, fmt.Errorf("failed to apply changes: %w", err))
		return len(applied), err
	}

	return len(applied), nil
}

// minInt returns the minimum of two integers
func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
