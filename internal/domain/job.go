package domain

import "time"

// JobStatus represents the status of an ingestion job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusSuccess    JobStatus = "SUCCESS"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusSkipped    JobStatus = "SKIPPED"
	JobStatusDeleted    JobStatus = "DELETED"
)

// IngestionJob is one processing attempt of an IngestionFile.
// StartedAt is written exactly once, by the worker that wins the claim.
type IngestionJob struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	FileID         uint       `gorm:"not null;index" json:"file_id"`
	SourceID       uint       `gorm:"not null;index" json:"source_id"`
	Attempt        int        `gorm:"not null;default:1" json:"attempt"`
	Status         JobStatus  `gorm:"type:text;not null;index;default:PENDING" json:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	RowsImported   int        `gorm:"default:0" json:"rows_imported"`
	ImportedFileID *uint      `json:"imported_file_id,omitempty"`
	Error          string     `gorm:"type:text" json:"error,omitempty"`
	ErrorKind      string     `gorm:"type:text" json:"error_kind,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for IngestionJob.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (IngestionJob) TableName() string {
	return "ingestion_jobs"
}
