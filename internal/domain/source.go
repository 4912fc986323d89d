package domain

import (
	"fmt"
	"time"

	"github.com/timmy/tabport/internal/template"
)

// SourceKind represents the type of ingestion source.
// Values include SourceKindLocal, SourceKindCloudDrive, and SourceKindAgentPush.
type SourceKind string

const (
	SourceKindLocal      SourceKind = "local"
	SourceKindCloudDrive SourceKind = "cloud_drive"
	SourceKindAgentPush  SourceKind = "agent_push"
)

// IngestionSource is a configured origin of tabular files.
type IngestionSource struct {
	ID                  uint          `gorm:"primaryKey" json:"id"`
	ProjectID           uint          `gorm:"not null;index" json:"project_id"`
	Name                string        `gorm:"type:text;not null" json:"name"`
	Kind                SourceKind    `gorm:"type:text;not null" json:"kind"`
	Directories         StringArray   `gorm:"type:text" json:"directories,omitempty"`
	DriveFolderID       string        `gorm:"type:text" json:"drive_folder_id,omitempty"`
	SharedDriveID       string        `gorm:"type:text" json:"shared_drive_id,omitempty"`
	NamePattern         string        `gorm:"type:text" json:"name_pattern,omitempty"`
	Template            *TemplateSpec `gorm:"type:text" json:"template,omitempty"`
	Recursive           bool          `gorm:"not null" json:"recursive"`
	PollIntervalSeconds int           `gorm:"default:300" json:"poll_interval_seconds"`
	Enabled             bool          `gorm:"not null" json:"enabled"`
	LastScanAt          *time.Time    `json:"last_scan_at,omitempty"`
	LastError           string        `gorm:"type:text" json:"last_error,omitempty"`
	AgentSecretHash     string        `gorm:"type:text" json:"-"`
	AgentSecretHint     string        `gorm:"type:text" json:"agent_secret_hint,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// TableName returns the database table name for IngestionSource.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (IngestionSource) TableName() string {
	return "ingestion_sources"
}

// Validate checks that the connection parameters match the source kind.
// Parameters: none.
// Returns:
//   - error: non-nil describing the first violated constraint.
func (s *IngestionSource) Validate() error {
	hasDirs := len(s.Directories) > 0
	hasFolder := s.DriveFolderID != ""

	switch s.Kind {
	case SourceKindLocal:
		if !hasDirs || hasFolder {
			return fmt.Errorf("local source %q needs directories and no drive folder", s.Name)
		}
	case SourceKindCloudDrive:
		if !hasFolder || hasDirs {
			return fmt.Errorf("cloud_drive source %q needs a drive folder id and no directories", s.Name)
		}
	case SourceKindAgentPush:
		if hasDirs || hasFolder {
			return fmt.Errorf("agent_push source %q takes neither directories nor a drive folder", s.Name)
		}
	default:
		return fmt.Errorf("source %q has unknown kind %q", s.Name, s.Kind)
	}
	if s.PollIntervalSeconds < 0 {
		return fmt.Errorf("source %q has negative poll interval", s.Name)
	}
	return nil
}

// PollInterval returns the configured interval between scans.
func (s *IngestionSource) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// Due reports whether the source should be scanned at now.
func (s *IngestionSource) Due(now time.Time) bool {
	if !s.Enabled || s.Kind == SourceKindAgentPush {
		return false
	}
	if s.LastScanAt == nil {
		return true
	}
	return now.Sub(*s.LastScanAt) >= s.PollInterval()
}

// Rule returns the source's template rule, or nil when none is configured.
func (s *IngestionSource) Rule() *template.Rule {
	if s.Template.IsZero() {
		return nil
	}
	return &template.Rule{
		FilenamePattern: s.Template.FilenamePattern,
		RequiredColumns: s.Template.RequiredColumns,
	}
}
