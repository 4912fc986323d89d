package repository

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/domain"
	"gorm.io/gorm"
)

// SourceRepository handles ingestion source records.
type SourceRepository struct {
	db *gorm.DB
}

// NewSourceRepository creates a new SourceRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *SourceRepository: repository instance bound to db.
func NewSourceRepository(db *gorm.DB) *SourceRepository {
	return &SourceRepository{db: db}
}

// Create inserts a new source after validating its kind constraints.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - src: source record to persist.
// Returns:
//   - error: non-nil if validation or the insert fails.
func (r *SourceRepository) Create(ctx context.Context, src *domain.IngestionSource) error {
	if err := src.Validate(); err != nil {
		return apperr.New(apperr.ErrInvalidInput, err.Error())
	}
	return r.db.WithContext(ctx).Create(src).Error
}

// UpsertByName creates a source or updates the one sharing its project and name.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - src: source record; ID is filled on return.
// Returns:
//   - error: non-nil if validation or the write fails.
func (r *SourceRepository) UpsertByName(ctx context.Context, src *domain.IngestionSource) error {
	if err := src.Validate(); err != nil {
		return apperr.New(apperr.ErrInvalidInput, err.Error())
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.IngestionSource
		err := tx.Where("project_id = ? AND name = ?", src.ProjectID, src.Name).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(src).Error
		}
		if err != nil {
			return err
		}
		src.ID = existing.ID
		src.CreatedAt = existing.CreatedAt
		src.LastScanAt = existing.LastScanAt
		src.LastError = existing.LastError
		return tx.Save(src).Error
	})
}

// GetByID retrieves a source by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: source ID.
// Returns:
//   - *domain.IngestionSource: source record if found.
//   - error: apperr.ErrNotFound when missing, other errors on lookup failure.
func (r *SourceRepository) GetByID(ctx context.Context, id uint) (*domain.IngestionSource, error) {
	var src domain.IngestionSource
	if err := r.db.WithContext(ctx).First(&src, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.ErrNotFound, "source %d not found", id)
		}
		return nil, err
	}
	return &src, nil
}

// ListEnabled returns all enabled sources ordered by ID.
func (r *SourceRepository) ListEnabled(ctx context.Context) ([]domain.IngestionSource, error) {
	var sources []domain.IngestionSource
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("id ASC").
		Find(&sources).Error
	return sources, err
}

// RecordScan stores the outcome of a scan or push on the source.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: source ID.
//   - at: scan time written to last_scan_at.
//   - lastError: error summary; empty clears it.
// Returns:
//   - error: non-nil if the update fails.
func (r *SourceRepository) RecordScan(ctx context.Context, id uint, at time.Time, lastError string) error {
	return r.db.WithContext(ctx).Model(&domain.IngestionSource{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_scan_at": at,
			"last_error":   lastError,
		}).Error
}

// Touch updates last_scan_at only, leaving last_error as it is.
func (r *SourceRepository) Touch(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.IngestionSource{}).
		Where("id = ?", id).
		Update("last_scan_at", at).Error
}
