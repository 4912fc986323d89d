package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/queue"
	"github.com/timmy/tabport/internal/repository/repotest"
	"gorm.io/gorm"
)

func setup(t *testing.T) (*gorm.DB, *queue.Queue, *domain.IngestionSource) {
	t.Helper()
	db := repotest.NewDB(t)
	src := repotest.CreateSource(t, db, &domain.IngestionSource{
		Name: "inbox", Kind: domain.SourceKindLocal, Directories: domain.StringArray{"/in"}, Enabled: true,
	})
	return db, queue.New(db), src
}

func newFile(t *testing.T, db *gorm.DB, sourceID uint, path string) *domain.IngestionFile {
	t.Helper()
	f := &domain.IngestionFile{
		SourceID: sourceID, RemotePath: path, FileName: path, Checksum: "sum-" + path,
		Attempt: 1, Status: domain.FileStatusNew, ModifiedAt: time.Now(),
	}
	require.NoError(t, db.Create(f).Error)
	return f
}

func fileStatus(t *testing.T, db *gorm.DB, id uint) domain.FileStatus {
	t.Helper()
	var f domain.IngestionFile
	require.NoError(t, db.First(&f, id).Error)
	return f.Status
}

func TestEnqueueFlipsFileToQueued(t *testing.T) {
	ctx := context.Background()
	db, q, src := setup(t)
	f := newFile(t, db, src.ID, "a.csv")

	job, err := q.Enqueue(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, domain.FileStatusQueued, fileStatus(t, db, f.ID))

	_, err = q.Enqueue(ctx, f)
	assert.ErrorIs(t, err, apperr.ErrDuplicateChecksum, "a QUEUED file cannot be enqueued twice")

	pending, err := q.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, job.ID, pending[0].ID)
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	db, q, src := setup(t)
	job, err := q.Enqueue(ctx, newFile(t, db, src.ID, "a.csv"))
	require.NoError(t, err)

	const workers = 8
	var wins, lost int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := q.Claim(ctx, job.ID)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, apperr.ErrClaimLost):
				atomic.AddInt32(&lost, 1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(workers-1), lost)

	claimed, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)

	pending, err := q.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCompleteSuccessAndFailure(t *testing.T) {
	ctx := context.Background()
	db, q, src := setup(t)

	okFile := newFile(t, db, src.ID, "ok.csv")
	okJob, err := q.Enqueue(ctx, okFile)
	require.NoError(t, err)
	okJob, err = q.Claim(ctx, okJob.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FileStatusProcessing, fileStatus(t, db, okFile.ID))

	importedID := uint(42)
	require.NoError(t, q.Complete(ctx, okJob, queue.Outcome{
		Status: domain.JobStatusSuccess, RowsImported: 3, ImportedFileID: &importedID,
	}))
	assert.Equal(t, domain.FileStatusSuccess, fileStatus(t, db, okFile.ID))

	stored, err := q.Get(ctx, okJob.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.RowsImported)
	require.NotNil(t, stored.ImportedFileID)
	assert.Equal(t, importedID, *stored.ImportedFileID)

	err = q.Complete(ctx, okJob, queue.Outcome{Status: domain.JobStatusSuccess})
	assert.ErrorIs(t, err, apperr.ErrClaimLost, "completing twice must fail")

	badFile := newFile(t, db, src.ID, "bad.csv")
	badJob, err := q.Enqueue(ctx, badFile)
	require.NoError(t, err)
	badJob, err = q.Claim(ctx, badJob.ID)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, badJob, queue.Outcome{
		Status: domain.JobStatusFailed,
		Err:    apperr.New(apperr.ErrTooManyRows, "file exceeds 10 rows"),
	}))
	assert.Equal(t, domain.FileStatusFailed, fileStatus(t, db, badFile.ID))

	stored, err = q.Get(ctx, badJob.ID)
	require.NoError(t, err)
	assert.Equal(t, apperr.KindTooManyRows, stored.ErrorKind)

	var reloaded domain.IngestionSource
	require.NoError(t, db.First(&reloaded, src.ID).Error)
	assert.Equal(t, "file exceeds 10 rows", reloaded.LastError)
}

func TestCompleteRecordsSourceScan(t *testing.T) {
	testCases := []struct {
		name      string
		outcome   queue.Outcome
		touched   bool
		lastError string
	}{
		{
			name:    "success",
			outcome: queue.Outcome{Status: domain.JobStatusSuccess, RowsImported: 1},
			touched: true,
		},
		{
			name:      "failure",
			outcome:   queue.Outcome{Status: domain.JobStatusFailed, Err: apperr.New(apperr.ErrTemplateMismatch, "missing required columns: revenue")},
			touched:   true,
			lastError: "missing required columns: revenue",
		},
		{
			name:    "skipped",
			outcome: queue.Outcome{Status: domain.JobStatusSkipped},
			touched: false,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			db, q, src := setup(t)
			job, err := q.Enqueue(ctx, newFile(t, db, src.ID, "a.csv"))
			require.NoError(t, err)
			job, err = q.Claim(ctx, job.ID)
			require.NoError(t, err)

			before := time.Now().Add(-time.Second)
			require.NoError(t, q.Complete(ctx, job, tc.outcome))

			var reloaded domain.IngestionSource
			require.NoError(t, db.First(&reloaded, src.ID).Error)
			if !tc.touched {
				assert.Nil(t, reloaded.LastScanAt)
				return
			}
			require.NotNil(t, reloaded.LastScanAt)
			assert.True(t, reloaded.LastScanAt.After(before))
			assert.Equal(t, tc.lastError, reloaded.LastError)
		})
	}
}

func TestRecordDeletion(t *testing.T) {
	ctx := context.Background()
	db, q, src := setup(t)
	f := newFile(t, db, src.ID, "a.csv")
	pendingJob, err := q.Enqueue(ctx, f)
	require.NoError(t, err)

	job, err := q.RecordDeletion(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDeleted, job.Status)
	assert.Equal(t, domain.FileStatusDeleted, fileStatus(t, db, f.ID))

	_, err = q.Claim(ctx, pendingJob.ID)
	assert.ErrorIs(t, err, apperr.ErrClaimLost, "jobs of a deleted file cannot be claimed")
}

func TestRecordDeletionCoversOlderVersions(t *testing.T) {
	ctx := context.Background()
	db, q, src := setup(t)
	older := newFile(t, db, src.ID, "v.csv")
	require.NoError(t, db.Model(older).Update("status", domain.FileStatusSuccess).Error)
	latest := &domain.IngestionFile{
		SourceID: src.ID, RemotePath: "v.csv", FileName: "v.csv", Checksum: "sum-v2",
		Attempt: 1, Status: domain.FileStatusNew, ModifiedAt: time.Now(),
	}
	require.NoError(t, db.Create(latest).Error)
	other := newFile(t, db, src.ID, "w.csv")

	_, err := q.RecordDeletion(ctx, latest)
	require.NoError(t, err)
	assert.Equal(t, domain.FileStatusDeleted, fileStatus(t, db, older.ID))
	assert.Equal(t, domain.FileStatusDeleted, fileStatus(t, db, latest.ID))
	assert.Equal(t, domain.FileStatusNew, fileStatus(t, db, other.ID))

	var audit int64
	require.NoError(t, db.Model(&domain.IngestionJob{}).Where("status = ?", domain.JobStatusDeleted).Count(&audit).Error)
	assert.EqualValues(t, 1, audit)
}

func TestRecordRejected(t *testing.T) {
	ctx := context.Background()
	db, q, src := setup(t)
	cause := apperr.New(apperr.ErrTemplateMismatch, "missing required columns: revenue")

	for attempt := 1; attempt <= 2; attempt++ {
		f := &domain.IngestionFile{SourceID: src.ID, RemotePath: "r.csv", FileName: "r.csv", Checksum: "x", ModifiedAt: time.Now()}
		job, err := q.RecordRejected(ctx, f, cause)
		require.NoError(t, err)
		assert.Equal(t, attempt, f.Attempt)
		assert.Equal(t, domain.JobStatusFailed, job.Status)
		assert.Equal(t, apperr.KindTemplateMismatch, job.ErrorKind)
		assert.Equal(t, domain.FileStatusFailed, fileStatus(t, db, f.ID))
	}

	var queued int64
	require.NoError(t, db.Model(&domain.IngestionFile{}).Where("status = ?", domain.FileStatusQueued).Count(&queued).Error)
	assert.Zero(t, queued)
}

func TestAbandonStuck(t *testing.T) {
	ctx := context.Background()
	db, q, src := setup(t)
	f := newFile(t, db, src.ID, "a.csv")
	job, err := q.Enqueue(ctx, f)
	require.NoError(t, err)
	_, err = q.Claim(ctx, job.ID)
	require.NoError(t, err)

	n, err := q.AbandonStuck(ctx, src.ID, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh claims are not stuck")

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, db.Model(&domain.IngestionJob{}).Where("id = ?", job.ID).Update("started_at", old).Error)

	n, err = q.AbandonStuck(ctx, src.ID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.FileStatusFailed, fileStatus(t, db, f.ID))

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, apperr.KindAbandoned, stored.ErrorKind)
	assert.Equal(t, "abandoned after 1h0m0s in PROCESSING", stored.Error)
}
