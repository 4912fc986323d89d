// Package staging decides whether a discovered file needs processing and
// stages its bytes for the worker that will process it.
package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/logger"
	"github.com/timmy/tabport/internal/repository"
	"github.com/timmy/tabport/internal/storage"
	"gorm.io/gorm"
)

// DefaultMaxAttempts bounds retries of a transiently failed checksum.
const DefaultMaxAttempts = 3

// Action is the dedup verdict for a discovered file.
type Action int

const (
	ActionNew Action = iota
	ActionSkip
	ActionRetry
)

func (a Action) String() string {
	switch a {
	case ActionNew:
		return "new"
	case ActionSkip:
		return "skip"
	case ActionRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Check.
type Decision struct {
	Action  Action
	Attempt int
	Latest  *domain.IngestionFile
}

// Proceed reports whether the file should be staged.
func (d Decision) Proceed() bool {
	return d.Action == ActionNew || d.Action == ActionRetry
}

// Candidate describes a file about to be staged.
type Candidate struct {
	SourceID   uint
	RemotePath string
	RemoteID   string
	FileName   string
	Size       int64
	ModifiedAt time.Time
	Checksum   string
	Attempt    int
}

// Manager is the single gate between discovery and the job queue.
type Manager struct {
	db          *gorm.DB
	files       *repository.FileRepository
	store       storage.ObjectStorage
	maxAttempts int
}

// NewManager creates a Manager; maxAttempts <= 0 uses DefaultMaxAttempts.
func NewManager(db *gorm.DB, store storage.ObjectStorage, maxAttempts int) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Manager{
		db:          db,
		files:       repository.NewFileRepository(db),
		store:       store,
		maxAttempts: maxAttempts,
	}
}

// Check compares checksum with the latest record for the path.
func (m *Manager) Check(ctx context.Context, sourceID uint, remotePath, checksum string) (Decision, error) {
	latest, err := m.files.Latest(ctx, sourceID, remotePath)
	if err != nil {
		return Decision{}, fmt.Errorf("load latest record: %w", err)
	}
	if latest == nil || latest.Checksum != checksum || latest.Status == domain.FileStatusDeleted {
		return Decision{Action: ActionNew, Attempt: 1, Latest: latest}, nil
	}

	switch latest.Status {
	case domain.FileStatusFailed:
		kind, err := m.lastErrorKind(ctx, latest.ID)
		if err != nil {
			return Decision{}, err
		}
		if apperr.IsTransientKind(kind) && latest.Attempt < m.maxAttempts {
			return Decision{Action: ActionRetry, Attempt: latest.Attempt + 1, Latest: latest}, nil
		}
		return Decision{Action: ActionSkip, Attempt: latest.Attempt, Latest: latest}, nil
	case domain.FileStatusNew:
		// A NEW record without a job was never queued and nothing else will
		// pick it up.
		orphan, err := m.orphaned(ctx, latest.ID)
		if err != nil {
			return Decision{}, err
		}
		if orphan {
			return Decision{Action: ActionRetry, Attempt: latest.Attempt + 1, Latest: latest}, nil
		}
		return Decision{Action: ActionSkip, Attempt: latest.Attempt, Latest: latest}, nil
	default:
		return Decision{Action: ActionSkip, Attempt: latest.Attempt, Latest: latest}, nil
	}
}

func (m *Manager) orphaned(ctx context.Context, fileID uint) (bool, error) {
	var n int64
	if err := m.db.WithContext(ctx).Model(&domain.IngestionJob{}).
		Where("file_id = ?", fileID).
		Count(&n).Error; err != nil {
		return false, fmt.Errorf("count jobs of file %d: %w", fileID, err)
	}
	return n == 0, nil
}

// Deleted checksums restart at attempt 1, which may already exist for the
// same content; pick the next free attempt in that case.
func nextAttempt(ctx context.Context, db *gorm.DB, c Candidate) (int, error) {
	if c.Attempt > 1 {
		return c.Attempt, nil
	}
	var highest sql.NullInt64
	err := db.WithContext(ctx).Model(&domain.IngestionFile{}).
		Select("MAX(attempt)").
		Where("source_id = ? AND remote_path = ? AND checksum = ?", c.SourceID, c.RemotePath, c.Checksum).
		Row().Scan(&highest)
	if err != nil {
		return 0, err
	}
	if !highest.Valid {
		return 1, nil
	}
	return int(highest.Int64) + 1, nil
}

func (m *Manager) lastErrorKind(ctx context.Context, fileID uint) (string, error) {
	var job domain.IngestionJob
	err := m.db.WithContext(ctx).
		Where("file_id = ?", fileID).
		Order("id DESC").
		Limit(1).
		Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.KindInternal, nil
	}
	if err != nil {
		return "", fmt.Errorf("load last job: %w", err)
	}
	return job.ErrorKind, nil
}

// StagingKey is where a candidate's bytes live in object storage.
func StagingKey(c Candidate) string {
	name := path.Base(strings.ReplaceAll(c.FileName, `\`, "/"))
	return fmt.Sprintf("%d/%s/%s", c.SourceID, c.Checksum, name)
}

// EnqueueFunc queues a freshly inserted file inside the insert's transaction.
type EnqueueFunc func(tx *gorm.DB, file *domain.IngestionFile) error

// Upload writes the candidate's bytes to object storage and returns their key.
// Nothing is recorded in the database.
func (m *Manager) Upload(ctx context.Context, c Candidate, content io.Reader) (string, error) {
	key := StagingKey(c)
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	// Same checksum means same bytes, so a concurrent loser overwriting the
	// winner's object is harmless.
	if err := m.store.Upload(ctx, key, content, c.Size, contentType); err != nil {
		return "", apperr.Newf(apperr.ErrDownloadFailed, "stage %s: %v", c.RemotePath, err)
	}
	return key, nil
}

// Commit inserts the file record for bytes already uploaded under key and
// runs enqueue in the same transaction, so a file is never recorded without
// its job. Losing an insert race to another worker returns
// apperr.ErrDuplicateChecksum.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - c: the candidate, with SourceID and Attempt resolved.
//   - key: staging key returned by Upload.
//   - enqueue: queues the inserted file; nil leaves it NEW.
// Returns:
//   - *domain.IngestionFile: the inserted record.
//   - error: apperr.ErrDuplicateChecksum on a lost race, else the failure.
func (m *Manager) Commit(ctx context.Context, c Candidate, key string, enqueue EnqueueFunc) (*domain.IngestionFile, error) {
	file := &domain.IngestionFile{
		SourceID:   c.SourceID,
		RemotePath: c.RemotePath,
		RemoteID:   c.RemoteID,
		FileName:   c.FileName,
		Size:       c.Size,
		ModifiedAt: c.ModifiedAt,
		Checksum:   c.Checksum,
		StagingKey: key,
		Status:     domain.FileStatusNew,
	}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attempt, err := nextAttempt(ctx, tx, c)
		if err != nil {
			return fmt.Errorf("resolve attempt: %w", err)
		}
		file.Attempt = attempt
		if err := m.files.WithTx(tx).Create(ctx, file); err != nil {
			if repository.IsUniqueViolation(err) {
				logger.CtxDebug(ctx, "lost staging race for %s@%s", c.RemotePath, c.Checksum)
				return apperr.Newf(apperr.ErrDuplicateChecksum, "%s already staged", c.RemotePath)
			}
			return fmt.Errorf("insert file record: %w", err)
		}
		if enqueue == nil {
			return nil
		}
		return enqueue(tx, file)
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

// Stage uploads the bytes, then inserts the file record and queues it in one
// transaction. See Commit for the race semantics.
func (m *Manager) Stage(ctx context.Context, c Candidate, content io.Reader, enqueue EnqueueFunc) (*domain.IngestionFile, error) {
	key, err := m.Upload(ctx, c, content)
	if err != nil {
		return nil, err
	}
	return m.Commit(ctx, c, key, enqueue)
}

// Open returns the staged bytes of a file.
func (m *Manager) Open(ctx context.Context, file *domain.IngestionFile) (io.ReadCloser, error) {
	if file.StagingKey == "" {
		return nil, apperr.Newf(apperr.ErrDownloadFailed, "file %d has no staged bytes", file.ID)
	}
	rc, err := m.store.Download(ctx, file.StagingKey)
	if err != nil {
		return nil, apperr.Newf(apperr.ErrDownloadFailed, "open staged %s: %v", file.StagingKey, err)
	}
	return rc, nil
}

// OpenKey returns bytes uploaded under key that may not have a record yet.
func (m *Manager) OpenKey(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := m.store.Download(ctx, key)
	if err != nil {
		return nil, apperr.Newf(apperr.ErrDownloadFailed, "open staged %s: %v", key, err)
	}
	return rc, nil
}

// Discard removes a file's staged bytes.
func (m *Manager) Discard(ctx context.Context, file *domain.IngestionFile) error {
	return m.DiscardKey(ctx, file.StagingKey)
}

// DiscardKey removes the bytes under key; an empty key is a no-op.
func (m *Manager) DiscardKey(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	return m.store.Delete(ctx, key)
}

// FindSuccessByChecksum returns a SUCCESS record of the source with this
// checksum, or nil.
func (m *Manager) FindSuccessByChecksum(ctx context.Context, sourceID uint, checksum string) (*domain.IngestionFile, error) {
	return m.files.FindSuccessByChecksum(ctx, sourceID, checksum)
}
