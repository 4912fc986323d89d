package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/repository/repotest"
)

func TestRunCycleDrainsBoundedBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{DrainLimit: 3, Workers: 1})
	src, dir := h.localSource(t, nil)
	for i := 0; i < 5; i++ {
		writeCSV(t, dir, fmt.Sprintf("f%d.csv", i), fmt.Sprintf("id,value\n%d,%d\n", i, i*10))
	}

	report, err := h.coordinator.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 5, report.Scans[src.ID].Queued)
	assert.Equal(t, 3, report.Drained)
	assert.Equal(t, 3, report.Succeeded)
	assert.EqualValues(t, 2, h.jobCount(t, domain.JobStatusPending))

	// The source is not due again, but leftover jobs keep draining.
	report, err = h.coordinator.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Equal(t, 2, report.Drained)
	assert.EqualValues(t, 5, h.jobCount(t, domain.JobStatusSuccess))

	report, err = h.coordinator.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Drained)
}

func TestRunCycleSelectsDueSources(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{})
	recent := time.Now()

	due, _ := h.localSource(t, nil)
	notDue, _ := h.localSource(t, nil)
	require.NoError(t, h.sources.RecordScan(ctx, notDue.ID, recent, ""))
	disabled := repotest.CreateSource(t, h.db, &domain.IngestionSource{
		Name: "off", Kind: domain.SourceKindLocal, Directories: domain.StringArray{t.TempDir()},
	})
	h.pushSource(t, "s3cret-value", nil)

	report, err := h.coordinator.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Contains(t, report.Scans, due.ID)
	assert.NotContains(t, report.Scans, disabled.ID)

	loaded, err := h.sources.GetByID(ctx, due.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.LastScanAt)

	// A nudge makes a source due once.
	h.coordinator.Nudge(notDue.ID)
	report, err = h.coordinator.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Contains(t, report.Scans, notDue.ID)

	report, err = h.coordinator.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

func TestRunCycleIsolatesFailedJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{DrainLimit: 10, Workers: 1})
	src, dir := h.localSource(t, &domain.TemplateSpec{RequiredColumns: []string{"partner", "revenue"}})
	writeCSV(t, dir, "good.csv", "partner,revenue\nacme,10\n")
	writeCSV(t, dir, "bad.csv", "partner\nacme\n")

	report, err := h.coordinator.RunCycle(ctx)
	require.NoError(t, err)
	// The template mismatch is rejected at scan time and never queued.
	assert.Equal(t, 1, report.Scans[src.ID].Queued)
	assert.Equal(t, 1, report.Scans[src.ID].Failed)
	assert.Equal(t, 1, report.Drained)
	assert.Equal(t, 1, report.Succeeded)
	assert.Empty(t, report.Errors)

	loaded, err := h.sources.GetByID(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{apperr.KindTemplateMismatch}, h.sink.kinds())
	// Permanent failures are not retried on the next scan.
	h.coordinator.Nudge(loaded.ID)
	report, err = h.coordinator.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scans[src.ID].Skipped)
	assert.Zero(t, report.Drained)
}

func TestScanSourceRejectsUnscannableSources(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{})
	pushSrc := h.pushSource(t, "s3cret-value", nil)
	disabled := repotest.CreateSource(t, h.db, &domain.IngestionSource{
		Name: "off", Kind: domain.SourceKindLocal, Directories: domain.StringArray{t.TempDir()},
	})

	testCases := []struct {
		name     string
		sourceID uint
		want     error
	}{
		{name: "push source", sourceID: pushSrc.ID, want: apperr.ErrInvalidInput},
		{name: "disabled source", sourceID: disabled.ID, want: apperr.ErrInvalidInput},
		{name: "unknown source", sourceID: 9999, want: apperr.ErrNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.coordinator.ScanSource(ctx, tc.sourceID, ScanOptions{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestScanSourceRequeuesStuckJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{StuckAfter: 30 * time.Minute})
	src, dir := h.localSource(t, nil)
	writeCSV(t, dir, "stuck.csv", "a,b\n1,2\n")

	// A worker claimed the job and died two hours ago.
	scanner, err := h.coordinator.registry.For(domain.SourceKindLocal)
	require.NoError(t, err)
	_, err = scanner.Scan(ctx, src)
	require.NoError(t, err)
	pending, err := h.queue.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	_, err = h.queue.Claim(ctx, pending[0].ID)
	require.NoError(t, err)
	require.NoError(t, h.db.Model(&domain.IngestionJob{}).Where("id = ?", pending[0].ID).
		Update("started_at", time.Now().Add(-2*time.Hour)).Error)

	// Without the flag the file stays stuck.
	res, err := h.coordinator.ScanSource(ctx, src.ID, ScanOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.Abandoned)
	assert.Equal(t, 1, res.Report.Skipped)

	res, err = h.coordinator.ScanSource(ctx, src.ID, ScanOptions{RequeueStuck: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)
	assert.Equal(t, 1, res.Report.Queued)
	assert.Equal(t, 1, res.Drained)

	stuck, err := h.queue.Get(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stuck.Status)
	assert.Equal(t, apperr.KindAbandoned, stuck.ErrorKind)

	var files []domain.IngestionFile
	require.NoError(t, h.db.Order("id").Find(&files).Error)
	require.Len(t, files, 2)
	assert.Equal(t, domain.FileStatusFailed, files[0].Status)
	assert.Equal(t, 2, files[1].Attempt)
	assert.Equal(t, domain.FileStatusSuccess, files[1].Status)
}
