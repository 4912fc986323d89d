// Package push holds the scanner of agent_push sources, whose files arrive
// through the upload API instead of being discovered.
package push

import (
	"context"

	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/source"
)

// NoopScanner never discovers anything.
type NoopScanner struct{}

// Scan returns an empty report for agent_push sources.
func (NoopScanner) Scan(_ context.Context, src *domain.IngestionSource) (*source.ScanReport, error) {
	if src.Kind != domain.SourceKindAgentPush {
		return nil, apperr.Newf(apperr.ErrInvalidInput, "source %d is not an agent_push source", src.ID)
	}
	return &source.ScanReport{}, nil
}
