// Package queue stores ingestion jobs and hands them to workers through an
// atomic claim.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/repository"
	"gorm.io/gorm"
)

// Outcome is the result a worker reports for a claimed job.
type Outcome struct {
	Status         domain.JobStatus
	RowsImported   int
	ImportedFileID *uint
	Err            error
}

// Queue is the durable job queue.
type Queue struct {
	db    *gorm.DB
	files *repository.FileRepository
	now   func() time.Time
}

// New creates a Queue over db.
func New(db *gorm.DB) *Queue {
	return &Queue{db: db, files: repository.NewFileRepository(db), now: time.Now}
}

// Enqueue inserts a PENDING job for file and moves the file from NEW to
// QUEUED in one transaction.
func (q *Queue) Enqueue(ctx context.Context, file *domain.IngestionFile) (*domain.IngestionJob, error) {
	var job *domain.IngestionJob
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		job, err = q.EnqueueTx(ctx, tx, file)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// EnqueueTx is Enqueue inside the caller's transaction.
func (q *Queue) EnqueueTx(ctx context.Context, tx *gorm.DB, file *domain.IngestionFile) (*domain.IngestionJob, error) {
	job := &domain.IngestionJob{
		FileID:   file.ID,
		SourceID: file.SourceID,
		Attempt:  file.Attempt,
		Status:   domain.JobStatusPending,
	}
	ok, err := q.files.WithTx(tx).Transition(ctx, file.ID, domain.FileStatusQueued, domain.FileStatusNew)
	if err != nil {
		return nil, fmt.Errorf("enqueue file %d: %w", file.ID, err)
	}
	if !ok {
		return nil, apperr.Newf(apperr.ErrDuplicateChecksum, "file %d is no longer NEW", file.ID)
	}
	if err := tx.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("enqueue file %d: %w", file.ID, err)
	}
	file.Status = domain.FileStatusQueued
	return job, nil
}

// Claim marks an unclaimed job PROCESSING with a single conditional update.
// Exactly one caller wins; the others get apperr.ErrClaimLost.
func (q *Queue) Claim(ctx context.Context, jobID uint) (*domain.IngestionJob, error) {
	now := q.now()
	var job domain.IngestionJob
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.IngestionJob{}).
			Where("id = ? AND started_at IS NULL", jobID).
			Updates(map[string]interface{}{
				"status":     domain.JobStatusProcessing,
				"started_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Newf(apperr.ErrClaimLost, "job %d already claimed", jobID)
		}
		if err := tx.First(&job, jobID).Error; err != nil {
			return err
		}
		_, err := q.files.WithTx(tx).Transition(ctx, job.FileID, domain.FileStatusProcessing,
			domain.FileStatusNew, domain.FileStatusQueued)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Complete records the outcome of a claimed job, the file status it implies,
// and the source's last error and last scan time, in one transaction.
func (q *Queue) Complete(ctx context.Context, job *domain.IngestionJob, out Outcome) error {
	now := q.now()
	updates := map[string]interface{}{
		"status":           out.Status,
		"finished_at":      now,
		"rows_imported":    out.RowsImported,
		"imported_file_id": out.ImportedFileID,
		"error":            "",
		"error_kind":       "",
	}
	lastError := ""
	if out.Err != nil {
		updates["error"] = apperr.Message(out.Err)
		updates["error_kind"] = apperr.Kind(out.Err)
		lastError = apperr.Message(out.Err)
	}

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.IngestionJob{}).
			Where("id = ? AND status = ?", job.ID, domain.JobStatusProcessing).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Newf(apperr.ErrClaimLost, "job %d is not processing", job.ID)
		}

		if status, ok := fileStatusFor(out.Status); ok {
			// A file deleted while processing stays DELETED.
			if _, err := q.files.WithTx(tx).Transition(ctx, job.FileID, status,
				domain.FileStatusQueued, domain.FileStatusProcessing); err != nil {
				return err
			}
		}

		switch out.Status {
		case domain.JobStatusSuccess, domain.JobStatusFailed:
			return tx.Model(&domain.IngestionSource{}).
				Where("id = ?", job.SourceID).
				Updates(map[string]interface{}{
					"last_error":   lastError,
					"last_scan_at": now,
				}).Error
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete job %d: %w", job.ID, err)
	}

	job.Status = out.Status
	job.FinishedAt = &now
	job.RowsImported = out.RowsImported
	job.ImportedFileID = out.ImportedFileID
	if out.Err != nil {
		job.Error = apperr.Message(out.Err)
		job.ErrorKind = apperr.Kind(out.Err)
	}
	return nil
}

func fileStatusFor(s domain.JobStatus) (domain.FileStatus, bool) {
	switch s {
	case domain.JobStatusSuccess:
		return domain.FileStatusSuccess, true
	case domain.JobStatusFailed:
		return domain.FileStatusFailed, true
	default:
		return "", false
	}
}

// Pending lists unclaimed jobs, oldest first.
func (q *Queue) Pending(ctx context.Context, limit int) ([]domain.IngestionJob, error) {
	var jobs []domain.IngestionJob
	db := q.db.WithContext(ctx).
		Where("status = ? AND started_at IS NULL", domain.JobStatusPending).
		Order("id ASC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	err := db.Find(&jobs).Error
	return jobs, err
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, id uint) (*domain.IngestionJob, error) {
	var job domain.IngestionJob
	if err := q.db.WithContext(ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.ErrNotFound, "job %d not found", id)
		}
		return nil, err
	}
	return &job, nil
}

// RecordRejected stores a file that failed before it could be queued,
// together with the FAILED job explaining why.
func (q *Queue) RecordRejected(ctx context.Context, file *domain.IngestionFile, cause error) (*domain.IngestionJob, error) {
	now := q.now()
	file.Status = domain.FileStatusFailed
	job := &domain.IngestionJob{
		SourceID:   file.SourceID,
		Status:     domain.JobStatusFailed,
		StartedAt:  &now,
		FinishedAt: &now,
		Error:      apperr.Message(cause),
		ErrorKind:  apperr.Kind(cause),
	}
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if file.Attempt == 0 {
			var highest sql.NullInt64
			if err := tx.Model(&domain.IngestionFile{}).
				Select("MAX(attempt)").
				Where("source_id = ? AND remote_path = ? AND checksum = ?", file.SourceID, file.RemotePath, file.Checksum).
				Row().Scan(&highest); err != nil {
				return err
			}
			file.Attempt = int(highest.Int64) + 1
		}
		job.Attempt = file.Attempt
		if err := tx.Create(file).Error; err != nil {
			if repository.IsUniqueViolation(err) {
				return apperr.Newf(apperr.ErrDuplicateChecksum, "%s already recorded", file.RemotePath)
			}
			return err
		}
		job.FileID = file.ID
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		return tx.Model(&domain.IngestionSource{}).
			Where("id = ?", file.SourceID).
			Update("last_error", job.Error).Error
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// RecordDeletion marks every record of file's path DELETED, retires their
// unclaimed jobs and writes a DELETED job for file as the audit trail.
func (q *Queue) RecordDeletion(ctx context.Context, file *domain.IngestionFile) (*domain.IngestionJob, error) {
	return q.recordDeletion(ctx, q.db, file)
}

// RecordDeletionTx is RecordDeletion inside the caller's transaction.
func (q *Queue) RecordDeletionTx(ctx context.Context, tx *gorm.DB, file *domain.IngestionFile) (*domain.IngestionJob, error) {
	return q.recordDeletion(ctx, tx, file)
}

func (q *Queue) recordDeletion(ctx context.Context, db *gorm.DB, file *domain.IngestionFile) (*domain.IngestionJob, error) {
	now := q.now()
	job := &domain.IngestionJob{
		FileID:     file.ID,
		SourceID:   file.SourceID,
		Attempt:    file.Attempt,
		Status:     domain.JobStatusDeleted,
		StartedAt:  &now,
		FinishedAt: &now,
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		if err := tx.Model(&domain.IngestionFile{}).
			Where("source_id = ? AND remote_path = ? AND status <> ?", file.SourceID, file.RemotePath, domain.FileStatusDeleted).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		ids = append(ids, file.ID)
		if err := tx.Model(&domain.IngestionFile{}).
			Where("id IN ?", ids).
			Update("status", domain.FileStatusDeleted).Error; err != nil {
			return err
		}
		if err := tx.Model(&domain.IngestionJob{}).
			Where("file_id IN ? AND started_at IS NULL", ids).
			Updates(map[string]interface{}{
				"status":      domain.JobStatusSkipped,
				"started_at":  now,
				"finished_at": now,
				"error":       "file deleted before processing",
			}).Error; err != nil {
			return err
		}
		return tx.Create(job).Error
	})
	if err != nil {
		return nil, fmt.Errorf("record deletion of file %d: %w", file.ID, err)
	}
	file.Status = domain.FileStatusDeleted
	return job, nil
}

// AbandonStuck fails jobs of a source that have been PROCESSING longer than
// olderThan so the next scan retries them. It returns how many were failed.
func (q *Queue) AbandonStuck(ctx context.Context, sourceID uint, olderThan time.Duration) (int, error) {
	now := q.now()
	cutoff := now.Add(-olderThan)
	cause := apperr.Newf(apperr.ErrAbandoned, "abandoned after %s in PROCESSING", olderThan)
	var jobs []domain.IngestionJob
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("source_id = ? AND status = ? AND started_at < ?", sourceID, domain.JobStatusProcessing, cutoff).
			Find(&jobs).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}
		jobIDs := make([]uint, len(jobs))
		fileIDs := make([]uint, len(jobs))
		for i, j := range jobs {
			jobIDs[i] = j.ID
			fileIDs[i] = j.FileID
		}
		if err := tx.Model(&domain.IngestionJob{}).
			Where("id IN ? AND status = ?", jobIDs, domain.JobStatusProcessing).
			Updates(map[string]interface{}{
				"status":      domain.JobStatusFailed,
				"finished_at": now,
				"error":       apperr.Message(cause),
				"error_kind":  apperr.Kind(cause),
			}).Error; err != nil {
			return err
		}
		return tx.Model(&domain.IngestionFile{}).
			Where("id IN ? AND status = ?", fileIDs, domain.FileStatusProcessing).
			Update("status", domain.FileStatusFailed).Error
	})
	if err != nil {
		return 0, fmt.Errorf("abandon stuck jobs of source %d: %w", sourceID, err)
	}
	return len(jobs), nil
}

// LatestForFile returns the newest job of a file, or nil.
func (q *Queue) LatestForFile(ctx context.Context, fileID uint) (*domain.IngestionJob, error) {
	var job domain.IngestionJob
	err := q.db.WithContext(ctx).
		Where("file_id = ?", fileID).
		Order("id DESC").
		Limit(1).
		Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}
