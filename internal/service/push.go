package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/checksum"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/logger"
	"github.com/timmy/tabport/internal/metrics"
	"github.com/timmy/tabport/internal/parser"
	"github.com/timmy/tabport/internal/queue"
	"github.com/timmy/tabport/internal/repository"
	"github.com/timmy/tabport/internal/source"
	"github.com/timmy/tabport/internal/staging"
	"github.com/timmy/tabport/internal/template"
	"golang.org/x/crypto/bcrypt"
)

// PushConfig holds configuration for agent push ingress.
type PushConfig struct {
	MaxUploadBytes    int64
	AllowedExtensions []string
}

// PushRequest is one file uploaded by a watcher agent.
type PushRequest struct {
	SourceID     uint
	Secret       string
	OriginalPath string
	// FileName defaults to the base of OriginalPath.
	FileName string
	Content  io.Reader
}

// PushResult is the verdict returned to the agent.
type PushResult struct {
	OK           bool    `json:"ok"`
	Duplicate    bool    `json:"duplicate,omitempty"`
	SourceID     uint    `json:"sourceId"`
	JobID        uint    `json:"ingestionJobId,omitempty"`
	FileID       uint    `json:"ingestionFileId,omitempty"`
	RowsImported *int    `json:"rowsImported,omitempty"`
	FileHash     string  `json:"fileHash,omitempty"`
	QualityScore float64 `json:"qualityScore,omitempty"`
	Message      string  `json:"message,omitempty"`
}

// DeleteRequest notifies that a pushed file was removed at the agent.
type DeleteRequest struct {
	SourceID     uint
	Secret       string
	OriginalPath string
}

// DeleteResult is the verdict of a deletion notice.
type DeleteResult struct {
	OK                   bool `json:"ok"`
	SourceID             uint `json:"sourceId"`
	FileID               uint `json:"ingestionFileId,omitempty"`
	DeletedImportedCount int  `json:"deletedImportedCount"`
}

// PushService accepts files pushed by remote agents and imports them
// synchronously within the request.
type PushService struct {
	sources   *repository.SourceRepository
	intake    *source.Intake
	staging   *staging.Manager
	queue     *queue.Queue
	processor *Processor
	metrics   *metrics.Metrics
	maxBytes  int64
	allowed   map[string]struct{}
	now       func() time.Time
}

// NewPushService creates a new push service
func NewPushService(
	sources *repository.SourceRepository,
	intake *source.Intake,
	st *staging.Manager,
	q *queue.Queue,
	processor *Processor,
	m *metrics.Metrics,
	cfg *PushConfig,
) *PushService {
	allowed := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[parser.NormalizeExt(ext)] = struct{}{}
	}
	return &PushService{
		sources:   sources,
		intake:    intake,
		staging:   st,
		queue:     q,
		processor: processor,
		metrics:   m,
		maxBytes:  cfg.MaxUploadBytes,
		allowed:   allowed,
		now:       time.Now,
	}
}

// HashSecret hashes an agent secret for storage and returns it with the
// display hint of its last four characters.
func HashSecret(secret string) (hash, hint string, err error) {
	if secret == "" {
		return "", "", apperr.New(apperr.ErrInvalidInput, "agent secret must not be empty")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash agent secret: %w", err)
	}
	hint = secret
	if len(hint) > 4 {
		hint = hint[len(hint)-4:]
	}
	return string(b), "****" + hint, nil
}

// authorize loads the source and checks the shared secret.
func (s *PushService) authorize(ctx context.Context, sourceID uint, secret string) (*domain.IngestionSource, error) {
	src, err := s.sources.GetByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src.Kind != domain.SourceKindAgentPush {
		return nil, apperr.Newf(apperr.ErrInvalidInput, "source %d does not accept pushes", sourceID)
	}
	if !src.Enabled {
		return nil, apperr.Newf(apperr.ErrInvalidInput, "source %d is disabled", sourceID)
	}
	if src.AgentSecretHash == "" || secret == "" ||
		bcrypt.CompareHashAndPassword([]byte(src.AgentSecretHash), []byte(secret)) != nil {
		return nil, apperr.New(apperr.ErrUnauthorized, "invalid agent secret")
	}
	return src, nil
}

func (s *PushService) extensionAllowed(ext string) bool {
	ext = parser.NormalizeExt(ext)
	if len(s.allowed) > 0 {
		_, ok := s.allowed[ext]
		return ok
	}
	return parser.Supported(ext)
}

// Upload authenticates, validates and imports one pushed file.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: source, secret, path and content of the upload.
// Returns:
//   - *PushResult: verdict for the agent; set alongside template and
//     malware errors so the caller can report the recorded job.
//   - error: apperr-classified failure.
func (s *PushService) Upload(ctx context.Context, req PushRequest) (*PushResult, error) {
	ctx = logger.SetComponent(logger.SetSourceID(ctx, req.SourceID), "push")
	res, err := s.upload(ctx, req)
	switch {
	case err != nil:
		s.metrics.PushResult(apperr.Kind(err))
	case res.Duplicate:
		s.metrics.PushResult("duplicate")
	case res.OK:
		s.metrics.PushResult("imported")
	default:
		s.metrics.PushResult("failed")
	}
	return res, err
}

func (s *PushService) upload(ctx context.Context, req PushRequest) (*PushResult, error) {
	src, err := s.authorize(ctx, req.SourceID, req.Secret)
	if err != nil {
		return nil, err
	}
	remotePath := strings.TrimSpace(req.OriginalPath)
	if remotePath == "" {
		return nil, apperr.New(apperr.ErrInvalidInput, "originalPath is required")
	}
	name := req.FileName
	if name == "" {
		name = path.Base(strings.ReplaceAll(remotePath, `\`, "/"))
	}
	ext := filepath.Ext(name)
	if !s.extensionAllowed(ext) {
		return nil, apperr.Newf(apperr.ErrUnsupportedFormat, "extension %q is not allowed", ext)
	}

	content, err := readLimited(req.Content, s.maxBytes)
	if err != nil {
		return nil, err
	}
	sum := checksum.HashBytes(content)
	res := &PushResult{SourceID: src.ID, FileHash: sum}
	cand := staging.Candidate{
		SourceID:   src.ID,
		RemotePath: remotePath,
		FileName:   name,
		Size:       int64(len(content)),
		ModifiedAt: s.now(),
		Checksum:   sum,
	}

	// Rejections before staging leave a FAILED file and job behind.
	if err := parser.Sniff(content, ext); err != nil {
		return s.rejected(ctx, src, cand, res, err)
	}
	headers, err := parser.Headers(bytes.NewReader(content), ext)
	if err != nil {
		if !errors.Is(err, apperr.ErrUnsupportedFormat) {
			err = apperr.Newf(apperr.ErrUnsupportedFormat, "read header of %s: %v", name, err)
		}
		return s.rejected(ctx, src, cand, res, err)
	}
	if verdict := template.Validate(name, headers, src.Rule()); !verdict.OK {
		return s.rejected(ctx, src, cand, res, apperr.New(apperr.ErrTemplateMismatch, verdict.Message))
	}

	prior, err := s.staging.FindSuccessByChecksum(ctx, src.ID, sum)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return s.duplicate(ctx, res, prior)
	}
	latest, err := s.intake.Latest(ctx, src.ID, remotePath)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Checksum == sum && inFlight(latest.Status) {
		return s.duplicate(ctx, res, latest)
	}

	file, job, err := s.intake.Admit(ctx, cand, bytes.NewReader(content))
	if errors.Is(err, apperr.ErrDuplicateChecksum) {
		// A concurrent push of the same bytes won the race.
		res.OK = true
		res.Duplicate = true
		res.Message = "identical file is already being imported"
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.FileID = file.ID
	res.JobID = job.ID

	if _, err := s.queue.Claim(ctx, job.ID); err != nil {
		if errors.Is(err, apperr.ErrClaimLost) {
			res.OK = true
			res.Message = "queued for processing"
			return res, s.touch(ctx, src.ID)
		}
		return nil, err
	}
	out, err := s.processor.Run(ctx, src, file, job)
	if err != nil {
		return nil, err
	}
	if err := s.touch(ctx, src.ID); err != nil {
		return nil, err
	}
	if out.Err != nil {
		res.Message = apperr.Message(out.Err)
		return res, out.Err
	}

	rows := out.RowsImported
	res.OK = true
	res.RowsImported = &rows
	if out.Quality != nil {
		res.QualityScore = out.Quality.Score
	}
	return res, nil
}

func (s *PushService) rejected(ctx context.Context, src *domain.IngestionSource, cand staging.Candidate, res *PushResult, cause error) (*PushResult, error) {
	job, err := s.intake.Reject(ctx, src, cand, cause)
	if err != nil && !errors.Is(err, apperr.ErrDuplicateChecksum) {
		return nil, err
	}
	if job != nil {
		res.JobID = job.ID
		res.FileID = job.FileID
	}
	res.Message = apperr.Message(cause)
	if err := s.touch(ctx, src.ID); err != nil {
		return nil, err
	}
	return res, cause
}

func (s *PushService) duplicate(ctx context.Context, res *PushResult, prior *domain.IngestionFile) (*PushResult, error) {
	res.OK = true
	res.Duplicate = true
	res.FileID = prior.ID
	res.Message = "identical content was already imported"
	if job, err := s.queue.LatestForFile(ctx, prior.ID); err == nil && job != nil {
		res.JobID = job.ID
	}
	logger.CtxInfo(ctx, "duplicate push of file %d", prior.ID)
	return res, s.touch(ctx, res.SourceID)
}

func (s *PushService) touch(ctx context.Context, sourceID uint) error {
	return s.sources.Touch(ctx, sourceID, s.now())
}

// Delete marks every file pushed under a path DELETED and purges the
// datasets imported from them.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: source, secret and the removed path.
// Returns:
//   - *DeleteResult: how many imported datasets were removed.
//   - error: apperr.ErrNotFound when the path was never pushed.
func (s *PushService) Delete(ctx context.Context, req DeleteRequest) (*DeleteResult, error) {
	ctx = logger.SetComponent(logger.SetSourceID(ctx, req.SourceID), "push")
	src, err := s.authorize(ctx, req.SourceID, req.Secret)
	if err != nil {
		return nil, err
	}
	remotePath := strings.TrimSpace(req.OriginalPath)
	if remotePath == "" {
		return nil, apperr.New(apperr.ErrInvalidInput, "originalPath is required")
	}

	latest, err := s.intake.Latest(ctx, src.ID, remotePath)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, apperr.Newf(apperr.ErrNotFound, "%s was never pushed", remotePath)
	}
	res := &DeleteResult{OK: true, SourceID: src.ID, FileID: latest.ID}
	if latest.Status == domain.FileStatusDeleted {
		return res, nil
	}

	purged, err := s.intake.Remove(ctx, latest)
	if err != nil {
		return nil, err
	}
	res.DeletedImportedCount = purged
	s.metrics.PushResult("deleted")
	logger.CtxInfo(ctx, "deleted %s, purged %d imported files", remotePath, purged)
	return res, s.touch(ctx, src.ID)
}

// readLimited reads r fully, failing once more than limit bytes arrive.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if r == nil {
		return nil, apperr.New(apperr.ErrInvalidInput, "file content is required")
	}
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, apperr.Newf(apperr.ErrInvalidInput, "read upload: %v", err)
	}
	if limit > 0 && int64(len(content)) > limit {
		return nil, apperr.Newf(apperr.ErrPayloadTooLarge, "upload exceeds %d bytes", limit)
	}
	return content, nil
}

func inFlight(status domain.FileStatus) bool {
	switch status {
	case domain.FileStatusNew, domain.FileStatusQueued, domain.FileStatusProcessing:
		return true
	}
	return false
}
