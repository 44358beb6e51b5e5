// Package workflow runs heat-map scans as Temporal workflows so a finished
// scan whose write failed is persisted later without repeating provider calls.
package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/localrank/internal/heatmap"
)

// ScanWorkflowName is the registered workflow type.
const ScanWorkflowName = "HeatmapScan"

// Scanner is the part of heatmap.Scanner the activities drive.
type Scanner interface {
	Execute(ctx context.Context, req heatmap.ScanRequest) (*heatmap.Execution, error)
	Persist(ctx context.Context, s *heatmap.ScanSummary) error
}

// Activities holds the scan activities.
type Activities struct {
	scanner Scanner
}

// NewActivities creates Activities backed by scanner.
func NewActivities(scanner Scanner) *Activities {
	return &Activities{scanner: scanner}
}

// ExecuteScan runs the provider loop and settles quota. Failures are never
// retried: a retry would bill provider calls twice.
func (a *Activities) ExecuteScan(ctx context.Context, req heatmap.ScanRequest) (*heatmap.Execution, error) {
	info := activity.GetInfo(ctx)
	zap.L().Info("executing scan activity",
		zap.String("workflow_id", info.WorkflowExecution.ID),
		zap.String("project_id", req.ProjectID),
		zap.String("keyword", req.KeywordCombination),
	)
	exec, err := a.scanner.Execute(ctx, req)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), heatmap.Category(err), err)
	}
	return exec, nil
}

// PersistScan stores the summary and builds the caller response.
func (a *Activities) PersistScan(ctx context.Context, exec *heatmap.Execution) (*heatmap.Result, error) {
	if exec == nil || exec.Summary == nil {
		return nil, temporal.NewNonRetryableApplicationError("workflow: empty execution", heatmap.CategoryInternal, nil)
	}
	if err := a.scanner.Persist(ctx, exec.Summary); err != nil {
		zap.L().Warn("persist activity failed",
			zap.String("scan_id", exec.Summary.ID.String()),
			zap.Int32("attempt", activity.GetInfo(ctx).Attempt),
			zap.Error(err),
		)
		return nil, err
	}
	return heatmap.NewResult(exec.Summary, exec.RemainingChecks), nil
}

// Options tunes activity timeouts and the persistence retry schedule.
type Options struct {
	ExecuteTimeout time.Duration
	PersistTimeout time.Duration
	PersistRetry   temporal.RetryPolicy
}

// DefaultOptions returns the production schedule.
func DefaultOptions() Options {
	return Options{
		ExecuteTimeout: 15 * time.Minute,
		PersistTimeout: 30 * time.Second,
		PersistRetry: temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    10,
		},
	}
}

// ScanInput is the workflow argument.
type ScanInput struct {
	Request heatmap.ScanRequest `json:"request"`
	Options Options             `json:"options"`
}

// ScanWorkflow executes a scan once, then persists it with retries.
func ScanWorkflow(ctx workflow.Context, in ScanInput) (*heatmap.Result, error) {
	opts := in.Options
	if opts.ExecuteTimeout <= 0 {
		opts = DefaultOptions()
	}
	log := workflow.GetLogger(ctx)

	var a *Activities

	execCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: opts.ExecuteTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	var exec heatmap.Execution
	if err := workflow.ExecuteActivity(execCtx, a.ExecuteScan, in.Request).Get(ctx, &exec); err != nil {
		return nil, err
	}

	retry := opts.PersistRetry
	persistCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: opts.PersistTimeout,
		RetryPolicy:         &retry,
	})
	var res heatmap.Result
	if err := workflow.ExecuteActivity(persistCtx, a.PersistScan, &exec).Get(ctx, &res); err != nil {
		log.Error("scan could not be persisted", "scan_id", exec.Summary.ID.String(), "error", err)
		return nil, err
	}
	return &res, nil
}

// NewWorker registers the scan workflow and activities on taskQueue.
func NewWorker(c client.Client, taskQueue string, scanner Scanner) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	Register(w, scanner)
	return w
}

// Register adds the workflow and activities to a registry.
func Register(r worker.Registry, scanner Scanner) {
	r.RegisterWorkflowWithOptions(ScanWorkflow, workflow.RegisterOptions{Name: ScanWorkflowName})
	r.RegisterActivity(NewActivities(scanner))
}

// StartScan submits a scan workflow and returns its run.
func StartScan(ctx context.Context, c client.Client, taskQueue string, req heatmap.ScanRequest) (client.WorkflowRun, error) {
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "heatmap-scan-" + req.ProjectID + "-" + uuid.NewString(),
		TaskQueue: taskQueue,
	}, ScanWorkflowName, ScanInput{Request: req, Options: DefaultOptions()})
	if err != nil {
		return nil, eris.Wrap(err, "workflow: start scan")
	}
	return run, nil
}
