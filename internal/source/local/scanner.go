// Package local scans directories on the host file system.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/checksum"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/logger"
	"github.com/timmy/tabport/internal/metrics"
	"github.com/timmy/tabport/internal/parser"
	"github.com/timmy/tabport/internal/source"
	"github.com/timmy/tabport/internal/staging"
	"github.com/timmy/tabport/internal/template"
)

// Options bounds a local scan.
type Options struct {
	MaxDepth          int
	MaxFiles          int
	AllowedExtensions []string
}

// Scanner walks the directories of local sources breadth first.
type Scanner struct {
	intake   *source.Intake
	detector *checksum.Detector
	opts     Options
	allowed  map[string]struct{}
	metrics  *metrics.Metrics
}

// NewScanner creates a Scanner.
// Parameters:
//   - intake: dedup, staging and queue entry point.
//   - detector: stability window and hashing.
//   - opts: depth and file budgets plus the extension allow-list.
//   - m: metrics, may be nil.
// Returns:
//   - *Scanner: ready to scan local sources.
func NewScanner(intake *source.Intake, detector *checksum.Detector, opts Options, m *metrics.Metrics) *Scanner {
	allowed := make(map[string]struct{}, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		allowed[parser.NormalizeExt(ext)] = struct{}{}
	}
	return &Scanner{intake: intake, detector: detector, opts: opts, allowed: allowed, metrics: m}
}

type dirEntry struct {
	path  string
	depth int
}

// Scan implements source.Scanner. Unreadable directories are reported and
// skipped; the other directories are still scanned. Local sources are not
// reconciled, so files removed from disk keep their history.
func (s *Scanner) Scan(ctx context.Context, src *domain.IngestionSource) (*source.ScanReport, error) {
	if src.Kind != domain.SourceKindLocal {
		return nil, apperr.Newf(apperr.ErrInvalidInput, "source %d is not local", src.ID)
	}
	ctx = logger.SetComponent(logger.SetSourceID(ctx, src.ID), "local_scanner")
	start := time.Now()
	defer func() { s.metrics.ObserveScan(string(src.Kind), time.Since(start)) }()

	report := &source.ScanReport{}
	budget := s.opts.MaxFiles

	for _, root := range src.Directories {
		if budget == 0 && s.opts.MaxFiles > 0 {
			report.Truncated = true
			break
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			report.AddError(apperr.Newf(apperr.ErrDirectoryUnreadable, "%s: %v", root, err))
			continue
		}
		if err := s.walk(ctx, src, abs, &budget, report); err != nil {
			return report, err
		}
	}

	logger.With(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldCount:      report.Discovered,
		"queued":               report.Queued,
		"unstable":             report.Unstable,
	}).Info(ctx, "local scan finished")
	return report, nil
}

func (s *Scanner) walk(ctx context.Context, src *domain.IngestionSource, root string, budget *int, report *source.ScanReport) error {
	queue := []dirEntry{{path: root}}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		dir := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(dir.path)
		if err != nil {
			report.AddError(apperr.Newf(apperr.ErrDirectoryUnreadable, "%s: %v", dir.path, err))
			logger.CtxWarn(ctx, "skipping unreadable directory %s: %v", dir.path, err)
			continue
		}

		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			full := filepath.Join(dir.path, name)

			if e.IsDir() {
				if src.Recursive && (s.opts.MaxDepth <= 0 || dir.depth < s.opts.MaxDepth) {
					queue = append(queue, dirEntry{path: full, depth: dir.depth + 1})
				}
				continue
			}
			// Symlinks and other special files are ignored.
			if !e.Type().IsRegular() {
				continue
			}
			if !s.accepts(src, name) {
				continue
			}
			if s.opts.MaxFiles > 0 {
				if *budget == 0 {
					report.Truncated = true
					return nil
				}
				*budget--
			}
			if err := s.offer(ctx, src, full, report); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scanner) accepts(src *domain.IngestionSource, name string) bool {
	ext := parser.NormalizeExt(filepath.Ext(name))
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[ext]; !ok {
			return false
		}
	} else if !parser.Supported(ext) {
		return false
	}
	if src.NamePattern != "" && !template.MatchName(src.NamePattern, name) {
		return false
	}
	return true
}

func (s *Scanner) offer(ctx context.Context, src *domain.IngestionSource, path string, report *source.ScanReport) error {
	info, err := s.detector.Inspect(path)
	if errors.Is(err, apperr.ErrUnstableFile) {
		report.Unstable++
		s.metrics.FileDiscovered(string(src.Kind), "unstable")
		logger.CtxDebug(ctx, "%s is still being written", path)
		return nil
	}
	if err != nil {
		report.AddError(fmt.Errorf("inspect %s: %w", path, err))
		return nil
	}

	c := staging.Candidate{
		SourceID:   src.ID,
		RemotePath: path,
		FileName:   filepath.Base(path),
		Size:       info.Size,
		ModifiedAt: info.ModifiedAt,
		Checksum:   info.Checksum,
	}
	open := func(context.Context) (io.ReadCloser, error) {
		return os.Open(path)
	}
	return s.intake.Offer(ctx, src, c, open, report)
}
