package service

import (
	"context"
	"fmt"

	"github.com/timmy/tabport/internal/config"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/logger"
	"github.com/timmy/tabport/internal/repository"
)

// BootstrapSources creates or updates the sources declared in a sources file.
// Raw agent secrets are replaced by their bcrypt hash and display hint.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - repo: source repository.
//   - specs: declarations from config.LoadSources.
// Returns:
//   - []domain.IngestionSource: the stored sources, in file order.
//   - error: non-nil on the first invalid or unwritable source.
func BootstrapSources(ctx context.Context, repo *repository.SourceRepository, specs []config.SourceSpec) ([]domain.IngestionSource, error) {
	out := make([]domain.IngestionSource, 0, len(specs))
	for _, spec := range specs {
		src := domain.IngestionSource{
			ProjectID:           spec.ProjectID,
			Name:                spec.Name,
			Kind:                domain.SourceKind(spec.Kind),
			Directories:         domain.StringArray(spec.Directories),
			DriveFolderID:       spec.DriveFolderID,
			SharedDriveID:       spec.SharedDriveID,
			NamePattern:         spec.NamePattern,
			Recursive:           spec.Recursive,
			PollIntervalSeconds: spec.PollIntervalSeconds,
			Enabled:             spec.IsEnabled(),
		}
		if spec.Template != nil {
			src.Template = &domain.TemplateSpec{
				FilenamePattern: spec.Template.FilenamePattern,
				RequiredColumns: spec.Template.RequiredColumns,
			}
		}
		if spec.AgentSecret != "" {
			hash, hint, err := HashSecret(spec.AgentSecret)
			if err != nil {
				return nil, fmt.Errorf("source %q: %w", spec.Name, err)
			}
			src.AgentSecretHash = hash
			src.AgentSecretHint = hint
		}
		if err := repo.UpsertByName(ctx, &src); err != nil {
			return nil, fmt.Errorf("source %q: %w", spec.Name, err)
		}
		logger.With(logger.Fields{
			logger.FieldSourceID: src.ID,
			"kind":               src.Kind,
			"enabled":            src.Enabled,
		}).Info(ctx, "bootstrapped source %q", src.Name)
		out = append(out, src)
	}
	return out, nil
}
