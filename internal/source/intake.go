package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/timmy/tabport/internal/alert"
	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/dataset"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/logger"
	"github.com/timmy/tabport/internal/metrics"
	"github.com/timmy/tabport/internal/parser"
	"github.com/timmy/tabport/internal/queue"
	"github.com/timmy/tabport/internal/repository"
	"github.com/timmy/tabport/internal/staging"
	"github.com/timmy/tabport/internal/template"
	"gorm.io/gorm"
)

// Opener opens the bytes of a discovered file. It is only called once the
// file is known to need staging.
type Opener func(ctx context.Context) (io.ReadCloser, error)

// Intake is the path every discovered file takes into the queue, shared by
// all scanner kinds.
type Intake struct {
	db       *gorm.DB
	files    *repository.FileRepository
	staging  *staging.Manager
	queue    *queue.Queue
	datasets *dataset.Store
	alerts   *alert.Alerter
	metrics  *metrics.Metrics
}

// NewIntake wires an Intake. alerts and m may be nil.
func NewIntake(db *gorm.DB, st *staging.Manager, q *queue.Queue, datasets *dataset.Store, alerts *alert.Alerter, m *metrics.Metrics) *Intake {
	return &Intake{
		db:       db,
		files:    repository.NewFileRepository(db),
		staging:  st,
		queue:    q,
		datasets: datasets,
		alerts:   alerts,
		metrics:  m,
	}
}

// Offer runs the dedup check for c and, when the file is new or due for a
// retry, stages it, screens it against the source's template and enqueues
// it. A file failing the screen is recorded FAILED and never queued.
// Per-file failures are recorded on report and as FAILED files; only
// infrastructure errors are returned.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - src: owning source.
//   - c: the discovered file with its checksum.
//   - open: opens the file bytes.
//   - report: scan report to update.
// Returns:
//   - error: non-nil if the database is unusable.
func (in *Intake) Offer(ctx context.Context, src *domain.IngestionSource, c staging.Candidate, open Opener, report *ScanReport) error {
	kind := string(src.Kind)
	report.Discovered++

	decision, err := in.staging.Check(ctx, src.ID, c.RemotePath, c.Checksum)
	if err != nil {
		return err
	}
	if !decision.Proceed() {
		report.Skipped++
		in.metrics.FileDiscovered(kind, "skipped")
		return nil
	}
	c.SourceID = src.ID
	c.Attempt = decision.Attempt

	rule := src.Rule()
	if rule != nil && !template.MatchName(rule.FilenamePattern, c.FileName) {
		verdict := template.Validate(c.FileName, nil, rule)
		return in.reject(ctx, src, c, apperr.New(apperr.ErrTemplateMismatch, verdict.Message), report)
	}

	rc, err := open(ctx)
	if err != nil {
		if !errors.Is(err, apperr.ErrDownloadFailed) {
			err = apperr.Newf(apperr.ErrDownloadFailed, "download %s: %v", c.FileName, err)
		}
		return in.reject(ctx, src, c, err, report)
	}
	key, err := in.staging.Upload(ctx, c, rc)
	rc.Close()
	if err != nil {
		return in.reject(ctx, src, c, err, report)
	}

	if err := in.screen(ctx, c, key, rule); err != nil {
		if err := in.staging.DiscardKey(ctx, key); err != nil {
			logger.CtxWarn(ctx, "discard screened bytes of %s: %v", c.FileName, err)
		}
		return in.reject(ctx, src, c, err, report)
	}

	var job *domain.IngestionJob
	file, err := in.staging.Commit(ctx, c, key, in.enqueue(ctx, &job))
	switch {
	case errors.Is(err, apperr.ErrDuplicateChecksum):
		report.Skipped++
		in.metrics.FileDiscovered(kind, "skipped")
		return nil
	case err != nil:
		return err
	}
	report.Queued++
	in.metrics.FileDiscovered(kind, "queued")
	logger.With(logger.Fields{
		logger.FieldFileID: file.ID,
		logger.FieldJobID:  job.ID,
		"attempt":          file.Attempt,
	}).Info(ctx, "queued %s", c.FileName)
	return nil
}

// headSize is how much of a staged file is sniffed before it is queued.
const headSize = 3072

// screen reads the staged bytes under key and rejects content that is not
// tabular or whose header lacks the rule's required columns. Headers that
// cannot be read are left for the processor to classify.
func (in *Intake) screen(ctx context.Context, c staging.Candidate, key string, rule *template.Rule) error {
	if rule == nil || len(rule.RequiredColumns) == 0 {
		return nil
	}
	rc, err := in.staging.OpenKey(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	ext := filepath.Ext(c.FileName)
	br := bufio.NewReaderSize(rc, headSize)
	head, _ := br.Peek(headSize)
	if err := parser.Sniff(head, ext); err != nil {
		return err
	}
	columns, err := parser.Headers(br, ext)
	if err != nil {
		logger.CtxDebug(ctx, "header of %s unreadable at intake: %v", c.FileName, err)
		return nil
	}
	if verdict := template.Validate(c.FileName, columns, rule); !verdict.OK {
		return apperr.New(apperr.ErrTemplateMismatch, verdict.Message)
	}
	return nil
}

// enqueue returns a staging.EnqueueFunc that stores the created job in job.
func (in *Intake) enqueue(ctx context.Context, job **domain.IngestionJob) staging.EnqueueFunc {
	return func(tx *gorm.DB, file *domain.IngestionFile) error {
		j, err := in.queue.EnqueueTx(ctx, tx, file)
		if err != nil {
			return err
		}
		*job = j
		return nil
	}
}

// Admit stages content for c and enqueues a PENDING job for it; the file
// record and its job are written in one transaction. Losing a race for the
// same checksum returns apperr.ErrDuplicateChecksum.
func (in *Intake) Admit(ctx context.Context, c staging.Candidate, content io.Reader) (*domain.IngestionFile, *domain.IngestionJob, error) {
	var job *domain.IngestionJob
	file, err := in.staging.Stage(ctx, c, content, in.enqueue(ctx, &job))
	if err != nil {
		return nil, nil, err
	}
	return file, job, nil
}

// Reject records a file that failed before staging as a FAILED file with a
// FAILED job and alerts about it.
func (in *Intake) Reject(ctx context.Context, src *domain.IngestionSource, c staging.Candidate, cause error) (*domain.IngestionJob, error) {
	file := &domain.IngestionFile{
		SourceID:   src.ID,
		RemotePath: c.RemotePath,
		RemoteID:   c.RemoteID,
		FileName:   c.FileName,
		Size:       c.Size,
		ModifiedAt: c.ModifiedAt,
		Checksum:   c.Checksum,
	}
	job, err := in.queue.RecordRejected(ctx, file, cause)
	if err != nil {
		return nil, err
	}
	in.metrics.FileDiscovered(string(src.Kind), "failed")
	in.metrics.JobCompleted(string(domain.JobStatusFailed), job.ErrorKind, 0)
	severity := alert.SeverityWarning
	if errors.Is(cause, apperr.ErrMalwareDetected) {
		severity = alert.SeverityCritical
	}
	if err := in.alerts.Notify(ctx, alert.Alert{
		Fingerprint: alert.Fingerprint(job.ErrorKind, fmt.Sprint(src.ID), c.RemotePath, c.Checksum),
		Kind:        job.ErrorKind,
		Severity:    severity,
		SourceID:    src.ID,
		FileID:      file.ID,
		JobID:       job.ID,
		Message:     fmt.Sprintf("%s rejected: %s", c.FileName, job.Error),
	}); err != nil {
		logger.CtxWarn(ctx, "alert delivery failed: %v", err)
	}
	return job, nil
}

func (in *Intake) reject(ctx context.Context, src *domain.IngestionSource, c staging.Candidate, cause error, report *ScanReport) error {
	report.Failed++
	report.AddError(cause)
	logger.FromContext(ctx).WithError(cause).Warnf("rejecting %s", c.FileName)
	if _, err := in.Reject(ctx, src, c, cause); err != nil {
		if errors.Is(err, apperr.ErrDuplicateChecksum) {
			return nil
		}
		return err
	}
	return nil
}

// Remove marks file DELETED, purges the datasets imported from its path and
// records a DELETED job, all in one transaction. Staged bytes are discarded
// afterwards.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - file: latest record of the vanished path.
// Returns:
//   - int: number of imported files purged.
//   - error: non-nil if the transaction fails.
func (in *Intake) Remove(ctx context.Context, file *domain.IngestionFile) (int, error) {
	var purged int
	err := in.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := in.datasets.WithTx(tx).PurgeByPath(ctx, file.SourceID, file.RemotePath)
		if err != nil {
			return err
		}
		purged = n
		_, err = in.queue.RecordDeletionTx(ctx, tx, file)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("remove %s: %w", file.RemotePath, err)
	}
	if err := in.staging.Discard(ctx, file); err != nil {
		logger.CtxWarn(ctx, "discard staged bytes of file %d: %v", file.ID, err)
	}
	return purged, nil
}

// Reconcile removes every tracked path of src that is absent from seen.
// Callers must only pass a complete listing.
func (in *Intake) Reconcile(ctx context.Context, src *domain.IngestionSource, seen map[string]struct{}, report *ScanReport) error {
	tracked, err := in.files.LatestPerPath(ctx, src.ID)
	if err != nil {
		return fmt.Errorf("list tracked files: %w", err)
	}
	for i := range tracked {
		file := &tracked[i]
		if _, ok := seen[file.RemotePath]; ok {
			continue
		}
		purged, err := in.Remove(ctx, file)
		if err != nil {
			report.AddError(err)
			continue
		}
		report.Deleted++
		in.metrics.FileDiscovered(string(src.Kind), "deleted")
		logger.With(logger.Fields{
			logger.FieldFileID: file.ID,
			"purged":           purged,
		}).Info(ctx, "%s disappeared from source", file.FileName)
	}
	return nil
}

// Latest returns the latest record of a path, or nil.
func (in *Intake) Latest(ctx context.Context, sourceID uint, remotePath string) (*domain.IngestionFile, error) {
	return in.files.Latest(ctx, sourceID, remotePath)
}
