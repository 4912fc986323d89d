package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SourcesFile is the bootstrap list of ingestion sources.
type SourcesFile struct {
	Sources []SourceSpec `yaml:"sources"`
}

// SourceSpec declares one ingestion source. AgentSecret is the raw secret of
// an agent_push source; it is hashed on load and never stored.
type SourceSpec struct {
	Name                string        `yaml:"name"`
	ProjectID           uint          `yaml:"project_id"`
	Kind                string        `yaml:"kind"`
	Directories         []string      `yaml:"directories"`
	DriveFolderID       string        `yaml:"drive_folder_id"`
	SharedDriveID       string        `yaml:"shared_drive_id"`
	NamePattern         string        `yaml:"name_pattern"`
	Recursive           bool          `yaml:"recursive"`
	PollIntervalSeconds int           `yaml:"poll_interval_seconds"`
	Enabled             *bool         `yaml:"enabled"`
	AgentSecret         string        `yaml:"agent_secret"`
	Template            *TemplateSpec `yaml:"template"`
}

// TemplateSpec is the optional filename and column rule of a source.
type TemplateSpec struct {
	FilenamePattern string   `yaml:"filename_pattern"`
	RequiredColumns []string `yaml:"required_columns"`
}

// IsEnabled defaults to true when enabled is omitted.
func (s SourceSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// LoadSources reads a sources file. ${VAR} references are expanded from the
// environment so secrets can stay out of the file.
func LoadSources(path string) ([]SourceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}

	var file SourcesFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("parse sources file %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(file.Sources))
	for i := range file.Sources {
		s := &file.Sources[i]
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			return nil, fmt.Errorf("sources[%d]: name is required", i)
		}
		if s.ProjectID == 0 {
			s.ProjectID = 1
		}
		if s.PollIntervalSeconds == 0 {
			s.PollIntervalSeconds = 300
		}
		key := fmt.Sprintf("%d/%s", s.ProjectID, s.Name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("sources[%d]: duplicate name %q", i, s.Name)
		}
		seen[key] = struct{}{}
		if s.Kind == "agent_push" && s.AgentSecret == "" {
			return nil, fmt.Errorf("source %q: agent_secret is required for agent_push", s.Name)
		}
	}
	return file.Sources, nil
}
