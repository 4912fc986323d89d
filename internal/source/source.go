// Package source discovers files in configured ingestion sources and hands
// new or changed ones to the job queue.
package source

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/domain"
)

// ScanReport summarizes one scan of a source.
type ScanReport struct {
	Discovered int `json:"discovered"`
	Queued     int `json:"queued"`
	Skipped    int `json:"skipped"`
	Unstable   int `json:"unstable"`
	Failed     int `json:"failed"`
	Deleted    int `json:"deleted"`
	// Truncated is set when the file budget cut the listing short.
	Truncated bool     `json:"truncated"`
	Errors    []string `json:"errors,omitempty"`
}

// AddError records a non-fatal problem met during the scan.
func (r *ScanReport) AddError(err error) {
	if err == nil {
		return
	}
	r.Errors = append(r.Errors, apperr.Message(err))
}

// LastError is the summary stored on the source; empty when the scan was clean.
func (r *ScanReport) LastError() string {
	if r == nil || len(r.Errors) == 0 {
		return ""
	}
	return strings.Join(r.Errors, "; ")
}

// Scanner discovers files of one source kind.
type Scanner interface {
	// Scan lists the source, stages new or changed files and enqueues them.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - src: the source to scan.
	// Returns:
	//   - *ScanReport: counts and per-file problems of the scan.
	//   - error: non-nil only when the scan could not run at all.
	Scan(ctx context.Context, src *domain.IngestionSource) (*ScanReport, error)
}

// Registry maps each source kind to its scanner.
type Registry struct {
	mu       sync.RWMutex
	scanners map[domain.SourceKind]Scanner
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{scanners: make(map[domain.SourceKind]Scanner)}
}

// Register binds kind to s, replacing any earlier binding.
func (r *Registry) Register(kind domain.SourceKind, s Scanner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanners[kind] = s
}

// For returns the scanner of kind.
func (r *Registry) For(kind domain.SourceKind) (Scanner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scanners[kind]
	if !ok {
		return nil, apperr.New(apperr.ErrInvalidInput, fmt.Sprintf("no scanner for source kind %q", kind))
	}
	return s, nil
}
