package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/quality"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ImportRequest is everything needed to persist one parsed file.
type ImportRequest struct {
	ProjectID       uint
	SourceID        uint
	IngestionFileID uint
	Name            string
	Columns         []string
	Rows            []map[string]string
	Quality         quality.Result
}

// Store owns imported datasets.
type Store struct {
	db     *gorm.DB
	writer *Writer
}

// NewStore creates a Store writing rows through writer.
func NewStore(db *gorm.DB, writer *Writer) *Store {
	return &Store{db: db, writer: writer}
}

// Import creates the imported file, its columns and rows, and upserts its
// quality score in a single transaction. On error nothing is visible.
func (s *Store) Import(ctx context.Context, req ImportRequest) (*domain.ImportedFile, error) {
	file := &domain.ImportedFile{
		ProjectID:       req.ProjectID,
		SourceID:        req.SourceID,
		IngestionFileID: req.IngestionFileID,
		Name:            req.Name,
		RowCount:        len(req.Rows),
		ColumnCount:     len(req.Columns),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(file).Error; err != nil {
			return fmt.Errorf("create imported file: %w", err)
		}
		if err := s.writer.Write(ctx, tx, file.ID, req.Columns, req.Rows); err != nil {
			return err
		}
		return upsertQuality(tx, file.ID, req.Quality)
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

func upsertQuality(tx *gorm.DB, fileID uint, q quality.Result) error {
	score := &domain.QualityScore{
		FileID:                  fileID,
		Score:                   q.Score,
		TrustLevel:              q.TrustLevel,
		MissingRate:             q.MissingRate,
		DuplicateRate:           q.DuplicateRate,
		InvalidRate:             q.InvalidRate,
		SchemaInconsistencyRate: q.SchemaInconsistencyRate,
		UpdatedAt:               time.Now(),
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "file_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"score", "trust_level", "missing_rate", "duplicate_rate",
			"invalid_rate", "schema_inconsistency_rate", "updated_at",
		}),
	}).Create(score).Error
	if err != nil {
		return fmt.Errorf("upsert quality score: %w", err)
	}
	return nil
}

// Purge removes an imported file with its rows, columns and quality score.
func (s *Store) Purge(ctx context.Context, importedFileID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return purge(tx, []uint{importedFileID})
	})
}

// PurgeByPath removes every imported file produced from a remote path of a
// source and returns how many were removed.
func (s *Store) PurgeByPath(ctx context.Context, sourceID uint, remotePath string) (int, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		files := tx.Model(&domain.IngestionFile{}).
			Select("id").
			Where("source_id = ? AND remote_path = ?", sourceID, remotePath)
		if err := tx.Model(&domain.ImportedFile{}).
			Where("source_id = ? AND ingestion_file_id IN (?)", sourceID, files).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		return purge(tx, ids)
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// WithTx returns a Store bound to tx so purges join the caller's transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, writer: s.writer}
}

func purge(tx *gorm.DB, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	for _, model := range []interface{}{&domain.FileRow{}, &domain.FileColumn{}, &domain.QualityScore{}} {
		if err := tx.Where("file_id IN ?", ids).Delete(model).Error; err != nil {
			return fmt.Errorf("purge %T: %w", model, err)
		}
	}
	if err := tx.Where("id IN ?", ids).Delete(&domain.ImportedFile{}).Error; err != nil {
		return fmt.Errorf("purge imported files: %w", err)
	}
	return nil
}
