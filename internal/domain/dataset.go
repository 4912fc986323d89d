package domain

import "time"

// TrustLevel classifies a quality score.
type TrustLevel string

const (
	TrustHigh   TrustLevel = "High"
	TrustMedium TrustLevel = "Medium"
	TrustLow    TrustLevel = "Low"
)

// ImportedFile is a logical dataset produced by a successful ingestion.
type ImportedFile struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	ProjectID       uint      `gorm:"not null;index" json:"project_id"`
	SourceID        uint      `gorm:"not null;index" json:"source_id"`
	IngestionFileID uint      `gorm:"not null;index" json:"ingestion_file_id"`
	Name            string    `gorm:"type:text;not null" json:"name"`
	RowCount        int       `json:"row_count"`
	ColumnCount     int       `json:"column_count"`
	CreatedAt       time.Time `json:"created_at"`
}

func (ImportedFile) TableName() string {
	return "imported_files"
}

// FileColumn is one ordered column of an imported file.
type FileColumn struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	FileID   uint   `gorm:"not null;uniqueIndex:idx_file_columns_pos,priority:1" json:"file_id"`
	Position int    `gorm:"not null;uniqueIndex:idx_file_columns_pos,priority:2" json:"position"`
	Name     string `gorm:"type:text;not null" json:"name"`
}

func (FileColumn) TableName() string {
	return "file_columns"
}

// FileRow holds one serialized row; Payload is ciphertext when Encrypted is set.
type FileRow struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	FileID    uint   `gorm:"not null;uniqueIndex:idx_file_rows_idx,priority:1" json:"file_id"`
	RowIndex  int    `gorm:"not null;uniqueIndex:idx_file_rows_idx,priority:2" json:"row_index"`
	Payload   string `gorm:"type:text;not null" json:"-"`
	Encrypted bool   `gorm:"not null;default:false" json:"encrypted"`
}

func (FileRow) TableName() string {
	return "file_rows"
}

// QualityScore is the single quality record of an imported file.
type QualityScore struct {
	ID                      uint       `gorm:"primaryKey" json:"id"`
	FileID                  uint       `gorm:"not null;uniqueIndex" json:"file_id"`
	Score                   float64    `json:"score"`
	TrustLevel              TrustLevel `gorm:"type:text" json:"trust_level"`
	MissingRate             float64    `json:"missing_rate"`
	DuplicateRate           float64    `json:"duplicate_rate"`
	InvalidRate             float64    `json:"invalid_rate"`
	SchemaInconsistencyRate float64    `json:"schema_inconsistency_rate"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

func (QualityScore) TableName() string {
	return "quality_scores"
}
