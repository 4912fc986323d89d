package domain

import "time"

// FileStatus is the lifecycle state of a discovered file.
type FileStatus string

const (
	FileStatusNew        FileStatus = "NEW"
	FileStatusQueued     FileStatus = "QUEUED"
	FileStatusProcessing FileStatus = "PROCESSING"
	FileStatusSuccess    FileStatus = "SUCCESS"
	FileStatusFailed     FileStatus = "FAILED"
	FileStatusDeleted    FileStatus = "DELETED"
)

// IngestionFile is one discovery of a (source, remote path) at a given checksum.
// History is append-only; the latest record for a path has the highest ID.
type IngestionFile struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	SourceID   uint       `gorm:"not null;index;uniqueIndex:idx_ingestion_files_dedup,priority:1" json:"source_id"`
	RemotePath string     `gorm:"type:text;not null;index;uniqueIndex:idx_ingestion_files_dedup,priority:2" json:"remote_path"`
	RemoteID   string     `gorm:"type:text" json:"remote_id,omitempty"`
	FileName   string     `gorm:"type:text;not null" json:"file_name"`
	Size       int64      `json:"size"`
	ModifiedAt time.Time  `json:"modified_at"`
	Checksum   string     `gorm:"type:text;not null;index;uniqueIndex:idx_ingestion_files_dedup,priority:3" json:"checksum"`
	Attempt    int        `gorm:"not null;default:1;uniqueIndex:idx_ingestion_files_dedup,priority:4" json:"attempt"`
	StagingKey string     `gorm:"type:text" json:"staging_key,omitempty"`
	Status     FileStatus `gorm:"type:text;not null;index;default:NEW" json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName returns the database table name for IngestionFile.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (IngestionFile) TableName() string {
	return "ingestion_files"
}
