package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IbIFACE-Tech/paracle-flow/workflow"
)

func newStoreUnderTest(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	return store
}

func sampleReport(runID string) *workflow.RunReport {
	started := time.Now().Add(-time.Second)
	return &workflow.RunReport{
		RunID:    runID,
		Workflow: "etl-pipeline",
		Status:   workflow.RunFailed,
		Steps: map[string]workflow.StepResult{
			"extract": {
				StepID:    "extract",
				Status:    workflow.StepSucceeded,
				Outputs:   map[string]any{"rows": 42},
				Attempts:  1,
				StartedAt: started,
				EndedAt:   started.Add(100 * time.Millisecond),
			},
			"load": {
				StepID:    "load",
				Status:    workflow.StepFailed,
				ErrDetail: "[TRANSIENT] database unavailable",
				Attempts:  3,
				StartedAt: started.Add(100 * time.Millisecond),
				EndedAt:   started.Add(400 * time.Millisecond),
			},
		},
		FirstError: "[TRANSIENT] database unavailable",
		StartedAt:  started,
		EndedAt:    started.Add(time.Second),
	}
}

func TestStore_ArchiveAndGet(t *testing.T) {
	t.Parallel()
	store := newStoreUnderTest(t)

	report := sampleReport("run-abc")
	require.NoError(t, store.Archive(context.Background(), report))

	record, err := store.Get(context.Background(), "run-abc")
	require.NoError(t, err)

	assert.Equal(t, "run-abc", record.RunID)
	assert.Equal(t, "etl-pipeline", record.Workflow)
	assert.Equal(t, string(workflow.RunFailed), record.Status)
	assert.Equal(t, "[TRANSIENT] database unavailable", record.FirstError)
	require.Len(t, record.Steps, 2)

	byStep := make(map[string]StepRecord, len(record.Steps))
	for _, s := range record.Steps {
		byStep[s.StepID] = s
	}
	assert.Equal(t, string(workflow.StepSucceeded), byStep["extract"].Status)
	assert.Contains(t, byStep["extract"].Outputs, `"rows":42`)
	assert.Equal(t, 3, byStep["load"].Attempts)
	assert.Equal(t, "[TRANSIENT] database unavailable", byStep["load"].ErrDetail)
}

func TestStore_GetUnknownRun(t *testing.T) {
	t.Parallel()
	store := newStoreUnderTest(t)

	_, err := store.Get(context.Background(), "no-such-run")
	assert.Error(t, err)
}

func TestStore_DuplicateRunIDRejected(t *testing.T) {
	t.Parallel()
	store := newStoreUnderTest(t)

	require.NoError(t, store.Archive(context.Background(), sampleReport("run-dup")))
	assert.Error(t, store.Archive(context.Background(), sampleReport("run-dup")))
}

func TestStore_ListByWorkflow(t *testing.T) {
	t.Parallel()
	store := newStoreUnderTest(t)

	for i := 0; i < 5; i++ {
		report := sampleReport(fmt.Sprintf("run-%d", i))
		report.StartedAt = time.Now().Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Archive(context.Background(), report))
	}

	records, err := store.ListByWorkflow(context.Background(), "etl-pipeline", 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	// Most recent first.
	assert.Equal(t, "run-4", records[0].RunID)
	assert.Equal(t, "run-3", records[1].RunID)

	none, err := store.ListByWorkflow(context.Background(), "unknown-workflow", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
