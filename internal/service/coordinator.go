package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/logger"
	"github.com/timmy/tabport/internal/metrics"
	"github.com/timmy/tabport/internal/queue"
	"github.com/timmy/tabport/internal/repository"
	"github.com/timmy/tabport/internal/source"
	"golang.org/x/sync/errgroup"
)

// CoordinatorConfig holds configuration for the scan cycle.
type CoordinatorConfig struct {
	PollTick   time.Duration
	DrainLimit int
	Workers    int
	StuckAfter time.Duration
}

// CycleReport summarizes one RunCycle.
type CycleReport struct {
	Scanned   int                         `json:"scanned"`
	Scans     map[uint]*source.ScanReport `json:"scans,omitempty"`
	Drained   int                         `json:"drained"`
	Succeeded int                         `json:"succeeded"`
	Failed    int                         `json:"failed"`
	Skipped   int                         `json:"skipped"`
	Errors    []string                    `json:"errors,omitempty"`

	mu sync.Mutex
}

func (r *CycleReport) record(res *ProcessResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Drained++
	switch res.Status {
	case domain.JobStatusSuccess:
		r.Succeeded++
	case domain.JobStatusFailed:
		r.Failed++
	default:
		r.Skipped++
	}
}

func (r *CycleReport) addError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, err.Error())
}

// ScanOptions tunes a manual scan.
type ScanOptions struct {
	// RequeueStuck fails jobs stuck in PROCESSING longer than StuckAfter so
	// their files are retried by this scan.
	RequeueStuck bool
}

// ScanResult is the outcome of ScanSource.
type ScanResult struct {
	SourceID  uint               `json:"source_id"`
	Report    *source.ScanReport `json:"report"`
	Abandoned int                `json:"abandoned"`
	Drained   int                `json:"drained"`
}

// Coordinator runs the periodic scan cycle: scan every due source in turn,
// then drain a bounded number of pending jobs.
type Coordinator struct {
	sources   *repository.SourceRepository
	files     *repository.FileRepository
	registry  *source.Registry
	queue     *queue.Queue
	processor *Processor
	metrics   *metrics.Metrics
	cfg       CoordinatorConfig
	now       func() time.Time

	mu     sync.Mutex
	nudged map[uint]struct{}
	// cycleMu serializes cycles and manual scans within this process.
	cycleMu sync.Mutex
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(
	sources *repository.SourceRepository,
	files *repository.FileRepository,
	registry *source.Registry,
	q *queue.Queue,
	processor *Processor,
	m *metrics.Metrics,
	cfg CoordinatorConfig,
) *Coordinator {
	if cfg.DrainLimit <= 0 {
		cfg.DrainLimit = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollTick <= 0 {
		cfg.PollTick = 30 * time.Second
	}
	return &Coordinator{
		sources:   sources,
		files:     files,
		registry:  registry,
		queue:     q,
		processor: processor,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
		nudged:    make(map[uint]struct{}),
	}
}

// Nudge marks a source as due at the next cycle regardless of its interval.
func (c *Coordinator) Nudge(sourceID uint) {
	c.mu.Lock()
	c.nudged[sourceID] = struct{}{}
	c.mu.Unlock()
}

func (c *Coordinator) takeNudge(sourceID uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.nudged[sourceID]
	delete(c.nudged, sourceID)
	return ok
}

// Start runs cycles on a fixed ticker until ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx = logger.SetComponent(ctx, "coordinator")
	logger.CtxInfo(ctx, "coordinator started, tick %s", c.cfg.PollTick)

	ticker := time.NewTicker(c.cfg.PollTick)
	defer ticker.Stop()
	for {
		if _, err := c.RunCycle(ctx); err != nil && ctx.Err() == nil {
			logger.CtxError(ctx, "scan cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			logger.CtxInfo(ctx, "coordinator stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle scans every due source sequentially, then drains up to DrainLimit
// pending jobs. Per-source and per-job failures are recorded and never abort
// the cycle.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - *CycleReport: what the cycle did.
//   - error: non-nil if sources or pending jobs could not be listed.
func (c *Coordinator) RunCycle(ctx context.Context) (*CycleReport, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	report := &CycleReport{Scans: make(map[uint]*source.ScanReport)}
	sources, err := c.sources.ListEnabled(ctx)
	if err != nil {
		return report, fmt.Errorf("list sources: %w", err)
	}

	now := c.now()
	for i := range sources {
		src := &sources[i]
		nudged := c.takeNudge(src.ID)
		if src.Kind == domain.SourceKindAgentPush || !(nudged || src.Due(now)) {
			continue
		}
		scan, err := c.scan(ctx, src)
		if err != nil {
			report.addError(fmt.Errorf("source %d: %w", src.ID, err))
		}
		report.Scans[src.ID] = scan
		report.Scanned++
	}

	if err := c.drain(ctx, report); err != nil {
		return report, err
	}
	return report, nil
}

// scan runs the source's scanner and stores the outcome on the source.
func (c *Coordinator) scan(ctx context.Context, src *domain.IngestionSource) (*source.ScanReport, error) {
	ctx = logger.SetSourceID(ctx, src.ID)
	scanner, err := c.registry.For(src.Kind)
	if err != nil {
		return nil, err
	}

	report, scanErr := scanner.Scan(ctx, src)
	if report == nil {
		report = &source.ScanReport{}
	}
	lastError := report.LastError()
	if scanErr != nil {
		report.AddError(scanErr)
		lastError = report.LastError()
		logger.CtxWarn(ctx, "scan of %q failed: %v", src.Name, scanErr)
	}
	if err := c.sources.RecordScan(ctx, src.ID, c.now(), lastError); err != nil {
		return report, fmt.Errorf("record scan: %w", err)
	}
	return report, scanErr
}

// drain claims and processes up to DrainLimit pending jobs with at most
// Workers running at once.
func (c *Coordinator) drain(ctx context.Context, report *CycleReport) error {
	jobs, err := c.queue.Pending(ctx, c.cfg.DrainLimit)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	c.metrics.SetPending(len(jobs))
	if len(jobs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for _, job := range jobs {
		jobID := job.ID
		g.Go(func() error {
			res, err := c.process(gctx, jobID)
			switch {
			case errors.Is(err, apperr.ErrClaimLost):
				logger.CtxDebug(gctx, "job %d claimed elsewhere", jobID)
			case err != nil:
				report.addError(fmt.Errorf("job %d: %w", jobID, err))
				logger.CtxError(gctx, "job %d: %v", jobID, err)
			default:
				report.record(res)
			}
			// Job failures stay isolated from the rest of the drain.
			return nil
		})
	}
	return g.Wait()
}

// process claims one job and runs it through the processor.
func (c *Coordinator) process(ctx context.Context, jobID uint) (*ProcessResult, error) {
	job, err := c.queue.Claim(ctx, jobID)
	if err != nil {
		return nil, err
	}
	ctx = logger.SetJobID(ctx, job.ID)

	file, err := c.files.GetByID(ctx, job.FileID)
	if err == nil {
		var src *domain.IngestionSource
		if src, err = c.sources.GetByID(ctx, job.SourceID); err == nil {
			return c.processor.Run(ctx, src, file, job)
		}
	}
	// The job is ours; record why it could not run.
	if cerr := c.queue.Complete(ctx, job, queue.Outcome{Status: domain.JobStatusFailed, Err: err}); cerr != nil {
		return nil, errors.Join(err, cerr)
	}
	return &ProcessResult{JobID: job.ID, FileID: job.FileID, Status: domain.JobStatusFailed, Err: err}, nil
}

// ScanSource scans one source now, regardless of its interval, then drains
// pending jobs. It serves the manual trigger.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - sourceID: source to scan.
//   - opts: RequeueStuck abandons stuck jobs first.
// Returns:
//   - *ScanResult: scan report and drain count.
//   - error: apperr.ErrNotFound for unknown sources.
func (c *Coordinator) ScanSource(ctx context.Context, sourceID uint, opts ScanOptions) (*ScanResult, error) {
	src, err := c.sources.GetByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src.Kind == domain.SourceKindAgentPush {
		return nil, apperr.Newf(apperr.ErrInvalidInput, "source %d receives pushes and is never scanned", sourceID)
	}
	if !src.Enabled {
		return nil, apperr.Newf(apperr.ErrInvalidInput, "source %d is disabled", sourceID)
	}

	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	result := &ScanResult{SourceID: sourceID}
	if opts.RequeueStuck {
		n, err := c.queue.AbandonStuck(ctx, sourceID, c.cfg.StuckAfter)
		if err != nil {
			return nil, err
		}
		result.Abandoned = n
		if n > 0 {
			logger.CtxInfo(ctx, "abandoned %d stuck jobs of source %d", n, sourceID)
		}
	}

	report, err := c.scan(ctx, src)
	result.Report = report
	if err != nil {
		return result, err
	}

	cycle := &CycleReport{}
	if err := c.drain(ctx, cycle); err != nil {
		return result, err
	}
	result.Drained = cycle.Drained
	return result, nil
}
