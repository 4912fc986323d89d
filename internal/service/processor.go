package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/timmy/tabport/internal/alert"
	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/dataset"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/logger"
	"github.com/timmy/tabport/internal/metrics"
	"github.com/timmy/tabport/internal/parser"
	"github.com/timmy/tabport/internal/quality"
	"github.com/timmy/tabport/internal/queue"
	"github.com/timmy/tabport/internal/repository"
	"github.com/timmy/tabport/internal/staging"
	"github.com/timmy/tabport/internal/template"
)

// sniffSize is the prefix of a staged file inspected for its content type.
const sniffSize = 3072

// ProcessorConfig holds configuration for the processor
type ProcessorConfig struct {
	MaxRows int
}

// ProcessResult is the outcome of one claimed job.
type ProcessResult struct {
	JobID          uint
	FileID         uint
	Status         domain.JobStatus
	RowsImported   int
	ImportedFileID *uint
	Quality        *quality.Result
	// Err is the job-level failure, already recorded on the job.
	Err error
}

// Processor runs the parse, validate, score and write chain for claimed jobs.
type Processor struct {
	staging  *staging.Manager
	queue    *queue.Queue
	datasets *dataset.Store
	files    *repository.FileRepository
	alerts   *alert.Alerter
	metrics  *metrics.Metrics
	maxRows  int
}

// NewProcessor creates a new processor
func NewProcessor(
	st *staging.Manager,
	q *queue.Queue,
	datasets *dataset.Store,
	files *repository.FileRepository,
	alerts *alert.Alerter,
	m *metrics.Metrics,
	cfg *ProcessorConfig,
) *Processor {
	return &Processor{
		staging:  st,
		queue:    q,
		datasets: datasets,
		files:    files,
		alerts:   alerts,
		metrics:  m,
		maxRows:  cfg.MaxRows,
	}
}

// Run processes a job the caller has already claimed and completes it.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - src: owning source, for the template rule and project.
//   - file: the staged file.
//   - job: the claimed job.
// Returns:
//   - *ProcessResult: the recorded outcome, including job-level failures.
//   - error: non-nil only if the outcome could not be recorded.
func (p *Processor) Run(ctx context.Context, src *domain.IngestionSource, file *domain.IngestionFile, job *domain.IngestionJob) (*ProcessResult, error) {
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldSourceID: src.ID,
		logger.FieldFileID:   file.ID,
		logger.FieldJobID:    job.ID,
	})
	start := time.Now()
	res := &ProcessResult{JobID: job.ID, FileID: file.ID}

	// A file deleted between enqueue and claim is not imported.
	if current, err := p.files.GetByID(ctx, file.ID); err == nil && current.Status == domain.FileStatusDeleted {
		res.Status = domain.JobStatusSkipped
		if err := p.queue.Complete(ctx, job, queue.Outcome{Status: domain.JobStatusSkipped}); err != nil {
			return nil, err
		}
		p.metrics.JobCompleted(string(domain.JobStatusSkipped), "", 0)
		logger.CtxInfo(ctx, "skipped %s: file deleted before processing", file.FileName)
		return res, nil
	}

	imported, q, err := p.importFile(ctx, src, file)
	if err != nil {
		return p.fail(ctx, src, file, job, res, err)
	}

	res.Status = domain.JobStatusSuccess
	res.RowsImported = imported.RowCount
	res.ImportedFileID = &imported.ID
	res.Quality = q
	if err := p.queue.Complete(ctx, job, queue.Outcome{
		Status:         domain.JobStatusSuccess,
		RowsImported:   imported.RowCount,
		ImportedFileID: &imported.ID,
	}); err != nil {
		if purgeErr := p.datasets.Purge(ctx, imported.ID); purgeErr != nil {
			logger.CtxError(ctx, "purge orphaned import %d: %v", imported.ID, purgeErr)
		}
		return nil, err
	}

	// Deleted while processing: the import must not outlive the file.
	if current, err := p.files.GetByID(ctx, file.ID); err == nil && current.Status == domain.FileStatusDeleted {
		if err := p.datasets.Purge(ctx, imported.ID); err != nil {
			logger.CtxError(ctx, "purge import of deleted file: %v", err)
		}
	}
	if err := p.staging.Discard(ctx, file); err != nil {
		logger.CtxWarn(ctx, "discard staged bytes: %v", err)
	}

	p.metrics.JobCompleted(string(domain.JobStatusSuccess), "", imported.RowCount)
	p.metrics.ObserveQuality(q.Score)
	logger.With(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldCount:      imported.RowCount,
		"score":                q.Score,
		"trust_level":          q.TrustLevel,
	}).Info(ctx, "imported %s", file.FileName)
	return res, nil
}

func (p *Processor) importFile(ctx context.Context, src *domain.IngestionSource, file *domain.IngestionFile) (*domain.ImportedFile, *quality.Result, error) {
	rc, err := p.staging.Open(ctx, file)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()

	// Only a prefix is sniffed; the parser streams the rest so the row
	// ceiling stops the read.
	ext := filepath.Ext(file.FileName)
	br := bufio.NewReaderSize(rc, sniffSize)
	head, err := br.Peek(sniffSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, nil, apperr.Newf(apperr.ErrDownloadFailed, "read staged %s: %v", file.FileName, err)
	}
	if err := parser.Sniff(head, ext); err != nil {
		return nil, nil, err
	}
	table, err := parser.Parse(br, ext, parser.Options{MaxRows: p.maxRows})
	if err != nil {
		return nil, nil, err
	}
	if verdict := template.Validate(file.FileName, table.Columns, src.Rule()); !verdict.OK {
		return nil, nil, apperr.New(apperr.ErrTemplateMismatch, verdict.Message)
	}

	q := quality.Compute(table.Columns, table.Rows, table.RawKeys)
	imported, err := p.datasets.Import(ctx, dataset.ImportRequest{
		ProjectID:       src.ProjectID,
		SourceID:        src.ID,
		IngestionFileID: file.ID,
		Name:            file.FileName,
		Columns:         table.Columns,
		Rows:            table.Rows,
		Quality:         q,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("import %s: %w", file.FileName, err)
	}
	return imported, &q, nil
}

func (p *Processor) fail(ctx context.Context, src *domain.IngestionSource, file *domain.IngestionFile, job *domain.IngestionJob, res *ProcessResult, cause error) (*ProcessResult, error) {
	res.Status = domain.JobStatusFailed
	res.Err = cause
	if err := p.queue.Complete(ctx, job, queue.Outcome{Status: domain.JobStatusFailed, Err: cause}); err != nil {
		return nil, err
	}

	kind := apperr.Kind(cause)
	p.metrics.JobCompleted(string(domain.JobStatusFailed), kind, 0)
	logger.FromContext(ctx).WithError(cause).Warnf("processing %s failed", file.FileName)

	severity := alert.SeverityWarning
	if errors.Is(cause, apperr.ErrMalwareDetected) {
		severity = alert.SeverityCritical
		if err := p.staging.Discard(ctx, file); err != nil {
			logger.CtxWarn(ctx, "discard rejected bytes: %v", err)
		}
	}
	if err := p.alerts.Notify(ctx, alert.Alert{
		Fingerprint: alert.Fingerprint(kind, fmt.Sprint(src.ID), file.RemotePath, file.Checksum),
		Kind:        kind,
		Severity:    severity,
		SourceID:    src.ID,
		FileID:      file.ID,
		JobID:       job.ID,
		Message:     fmt.Sprintf("%s failed: %s", file.FileName, apperr.Message(cause)),
	}); err != nil {
		logger.CtxWarn(ctx, "alert delivery failed: %v", err)
	}
	return res, nil
}
