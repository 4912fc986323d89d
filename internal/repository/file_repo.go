package repository

import (
	"context"
	"errors"

	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/domain"
	"gorm.io/gorm"
)

// FileRepository handles ingestion file records.
type FileRepository struct {
	db *gorm.DB
}

// NewFileRepository creates a new FileRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *FileRepository: repository instance bound to db.
func NewFileRepository(db *gorm.DB) *FileRepository {
	return &FileRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *FileRepository) WithTx(tx *gorm.DB) *FileRepository {
	return &FileRepository{db: tx}
}

// Create inserts a new file record.
func (r *FileRepository) Create(ctx context.Context, file *domain.IngestionFile) error {
	return r.db.WithContext(ctx).Create(file).Error
}

// GetByID retrieves a file by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: file ID.
// Returns:
//   - *domain.IngestionFile: file record if found.
//   - error: apperr.ErrNotFound when missing.
func (r *FileRepository) GetByID(ctx context.Context, id uint) (*domain.IngestionFile, error) {
	var file domain.IngestionFile
	if err := r.db.WithContext(ctx).First(&file, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.ErrNotFound, "file %d not found", id)
		}
		return nil, err
	}
	return &file, nil
}

// Latest returns the highest-ID record for a remote path, or nil when none exists.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - sourceID: owning source.
//   - remotePath: path (or drive id) as seen by the source.
// Returns:
//   - *domain.IngestionFile: latest record or nil.
//   - error: non-nil if the query fails.
func (r *FileRepository) Latest(ctx context.Context, sourceID uint, remotePath string) (*domain.IngestionFile, error) {
	var file domain.IngestionFile
	err := r.db.WithContext(ctx).
		Where("source_id = ? AND remote_path = ?", sourceID, remotePath).
		Order("id DESC").
		Limit(1).
		Take(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// LatestPerPath returns the latest record of every remote path of a source
// whose status is not DELETED.
func (r *FileRepository) LatestPerPath(ctx context.Context, sourceID uint) ([]domain.IngestionFile, error) {
	latest := r.db.Model(&domain.IngestionFile{}).
		Select("MAX(id)").
		Where("source_id = ?", sourceID).
		Group("remote_path")

	var files []domain.IngestionFile
	err := r.db.WithContext(ctx).
		Where("id IN (?)", latest).
		Where("status <> ?", domain.FileStatusDeleted).
		Order("id ASC").
		Find(&files).Error
	return files, err
}

// FindSuccessByChecksum returns the newest SUCCESS record of a source with the
// given checksum, or nil.
func (r *FileRepository) FindSuccessByChecksum(ctx context.Context, sourceID uint, checksum string) (*domain.IngestionFile, error) {
	var file domain.IngestionFile
	err := r.db.WithContext(ctx).
		Where("source_id = ? AND checksum = ? AND status = ?", sourceID, checksum, domain.FileStatusSuccess).
		Order("id DESC").
		Limit(1).
		Take(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// Transition moves a file to status only when it is currently in one of from.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: file ID.
//   - status: target status.
//   - from: allowed current statuses; empty allows any.
// Returns:
//   - bool: true when a row was updated.
//   - error: non-nil if the update fails.
func (r *FileRepository) Transition(ctx context.Context, id uint, status domain.FileStatus, from ...domain.FileStatus) (bool, error) {
	q := r.db.WithContext(ctx).Model(&domain.IngestionFile{}).Where("id = ?", id)
	if len(from) > 0 {
		q = q.Where("status IN ?", from)
	}
	res := q.Update("status", status)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
