package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/sells-group/localrank/internal/heatmap"
	"github.com/sells-group/localrank/internal/quota"
)

type fakeScanner struct {
	mu           sync.Mutex
	execErr      error
	persistFails int
	executes     int
	persists     int
}

func (f *fakeScanner) Execute(_ context.Context, req heatmap.ScanRequest) (*heatmap.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executes++
	if f.execErr != nil {
		return nil, f.execErr
	}
	one := 1
	return &heatmap.Execution{
		Summary: &heatmap.ScanSummary{
			ID:                 uuid.MustParse("6b0e0d4c-8f7a-4c55-9a1e-3d7f2b9c1a00"),
			ProjectID:          req.ProjectID,
			KeywordCombination: req.KeywordCombination,
			GridSize:           1,
			AveragePosition:    1,
			RankedCount:        1,
			GridData:           []heatmap.PointResult{{Position: &one, BusinessCount: &one, Status: heatmap.StatusMatched}},
			ScannedAt:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		RemainingChecks: 7,
	}, nil
}

func (f *fakeScanner) Persist(_ context.Context, _ *heatmap.ScanSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persists++
	if f.persists <= f.persistFails {
		return eris.New("db unavailable")
	}
	return nil
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.PersistRetry = temporal.RetryPolicy{
		InitialInterval:    time.Millisecond,
		BackoffCoefficient: 1,
		MaximumAttempts:    3,
	}
	return opts
}

func runScan(t *testing.T, scanner *fakeScanner) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(ScanWorkflow)
	env.RegisterActivity(NewActivities(scanner))
	env.ExecuteWorkflow(ScanWorkflow, ScanInput{
		Request: heatmap.ScanRequest{ProjectID: "proj-1", KeywordCombination: "plumber", GridSize: 1, RadiusKm: 1},
		Options: fastOptions(),
	})
	require.True(t, env.IsWorkflowCompleted())
	return env
}

func TestScanWorkflow_Completes(t *testing.T) {
	scanner := &fakeScanner{}
	env := runScan(t, scanner)
	require.NoError(t, env.GetWorkflowError())

	var res heatmap.Result
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, 1, res.AveragePosition)
	assert.Equal(t, 7, res.RemainingChecks)
	require.Len(t, res.Positions, 1)
	assert.Equal(t, 1, *res.Positions[0])
	assert.Equal(t, 1, scanner.executes)
	assert.Equal(t, 1, scanner.persists)
}

func TestScanWorkflow_RetriesPersistOnly(t *testing.T) {
	scanner := &fakeScanner{persistFails: 2}
	env := runScan(t, scanner)
	require.NoError(t, env.GetWorkflowError())

	assert.Equal(t, 1, scanner.executes)
	assert.Equal(t, 3, scanner.persists)
}

func TestScanWorkflow_PersistGivesUp(t *testing.T) {
	scanner := &fakeScanner{persistFails: 10}
	env := runScan(t, scanner)
	require.Error(t, env.GetWorkflowError())

	assert.Equal(t, 1, scanner.executes)
	assert.Equal(t, 3, scanner.persists)
}

func TestScanWorkflow_ExecuteFailureNotRetried(t *testing.T) {
	scanner := &fakeScanner{execErr: eris.Wrap(quota.ErrQuotaExhausted, "heatmap: reserve")}
	env := runScan(t, scanner)

	err := env.GetWorkflowError()
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, heatmap.CategoryQuota, appErr.Type())
	assert.Equal(t, 1, scanner.executes)
	assert.Zero(t, scanner.persists)
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, int32(10), opts.PersistRetry.MaximumAttempts)
	assert.Greater(t, opts.ExecuteTimeout, opts.PersistTimeout)
}
