package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/rowcodec"
	"gorm.io/gorm"
)

// Row is a decoded stored row.
type Row struct {
	Index   int             `json:"index"`
	Payload json.RawMessage `json:"data"`
}

// Page is a window of an imported file's rows.
type Page struct {
	File    *domain.ImportedFile `json:"file"`
	Columns []string             `json:"columns"`
	Quality *domain.QualityScore `json:"quality,omitempty"`
	Rows    []Row                `json:"rows"`
}

// Reader reads imported datasets back through the row codec.
type Reader struct {
	db    *gorm.DB
	codec rowcodec.Codec
}

func NewReader(db *gorm.DB, codec rowcodec.Codec) *Reader {
	if codec == nil {
		codec = rowcodec.Plain{}
	}
	return &Reader{db: db, codec: codec}
}

// Rows returns up to limit decoded rows starting at offset, in row order.
func (r *Reader) Rows(ctx context.Context, fileID uint, offset, limit int) ([]Row, error) {
	var stored []domain.FileRow
	q := r.db.WithContext(ctx).
		Where("file_id = ?", fileID).
		Order("row_index ASC")
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&stored).Error; err != nil {
		return nil, err
	}

	rows := make([]Row, len(stored))
	for i, s := range stored {
		plain, err := r.codec.Decode(s.Payload, s.Encrypted)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", s.RowIndex, err)
		}
		rows[i] = Row{Index: s.RowIndex, Payload: plain}
	}
	return rows, nil
}

// Columns returns the ordered column names of a file.
func (r *Reader) Columns(ctx context.Context, fileID uint) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).Model(&domain.FileColumn{}).
		Where("file_id = ?", fileID).
		Order("position ASC").
		Pluck("name", &names).Error
	return names, err
}

// Page loads file metadata, columns, quality and a window of rows.
func (r *Reader) Page(ctx context.Context, fileID uint, offset, limit int) (*Page, error) {
	var file domain.ImportedFile
	if err := r.db.WithContext(ctx).First(&file, fileID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.ErrNotFound, "imported file %d not found", fileID)
		}
		return nil, err
	}
	cols, err := r.Columns(ctx, fileID)
	if err != nil {
		return nil, err
	}
	rows, err := r.Rows(ctx, fileID, offset, limit)
	if err != nil {
		return nil, err
	}
	page := &Page{File: &file, Columns: cols, Rows: rows}

	var q domain.QualityScore
	err = r.db.WithContext(ctx).Where("file_id = ?", fileID).Take(&q).Error
	switch {
	case err == nil:
		page.Quality = &q
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}
	return page, nil
}
