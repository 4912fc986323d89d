// Package dataset persists parsed tables as imported files with their
// columns, rows and quality score.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/rowcodec"
	"gorm.io/gorm"
)

// DefaultBatchSize bounds rows per INSERT statement.
const DefaultBatchSize = 500

// Writer inserts columns and rows of one imported file.
type Writer struct {
	codec     rowcodec.Codec
	batchSize int
}

// NewWriter creates a Writer; batchSize <= 0 uses DefaultBatchSize.
func NewWriter(codec rowcodec.Codec, batchSize int) *Writer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if codec == nil {
		codec = rowcodec.Plain{}
	}
	return &Writer{codec: codec, batchSize: batchSize}
}

// Write stores columns at positions 0..n-1 and rows at indices 0..m-1 using
// tx. The caller owns the transaction.
func (w *Writer) Write(ctx context.Context, tx *gorm.DB, fileID uint, columns []string, rows []map[string]string) error {
	tx = tx.WithContext(ctx)

	if len(columns) > 0 {
		cols := make([]domain.FileColumn, len(columns))
		for i, name := range columns {
			cols[i] = domain.FileColumn{FileID: fileID, Position: i, Name: name}
		}
		if err := tx.CreateInBatches(cols, w.batchSize).Error; err != nil {
			return fmt.Errorf("insert columns: %w", err)
		}
	}

	batch := make([]domain.FileRow, 0, min(w.batchSize, len(rows)))
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := tx.Create(&batch).Error; err != nil {
			return fmt.Errorf("insert rows %d..%d: %w", batch[0].RowIndex, batch[len(batch)-1].RowIndex, err)
		}
		batch = batch[:0]
		return nil
	}

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("serialize row %d: %w", i, err)
		}
		payload, encrypted, err := w.codec.Encode(raw)
		if err != nil {
			return fmt.Errorf("encode row %d: %w", i, err)
		}
		batch = append(batch, domain.FileRow{
			FileID:    fileID,
			RowIndex:  i,
			Payload:   payload,
			Encrypted: encrypted,
		})
		if len(batch) >= w.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}
