package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timmy/tabport/internal/alert"
	"github.com/timmy/tabport/internal/checksum"
	"github.com/timmy/tabport/internal/dataset"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/queue"
	"github.com/timmy/tabport/internal/repository"
	"github.com/timmy/tabport/internal/repository/repotest"
	"github.com/timmy/tabport/internal/rowcodec"
	"github.com/timmy/tabport/internal/source"
	"github.com/timmy/tabport/internal/source/local"
	"github.com/timmy/tabport/internal/source/push"
	"github.com/timmy/tabport/internal/staging"
	"github.com/timmy/tabport/internal/storage"
	"gorm.io/gorm"
)

type recordingSink struct {
	mu   sync.Mutex
	sent []alert.Alert
}

func (s *recordingSink) Send(_ context.Context, a alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, a)
	return nil
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, a := range s.sent {
		out[i] = a.Kind
	}
	return out
}

// harness wires the full pipeline on SQLite and a temp directory store.
type harness struct {
	db          *gorm.DB
	sink        *recordingSink
	sources     *repository.SourceRepository
	files       *repository.FileRepository
	queue       *queue.Queue
	staging     *staging.Manager
	intake      *source.Intake
	reader      *dataset.Reader
	processor   *Processor
	coordinator *Coordinator
	push        *PushService
}

func newHarness(t *testing.T, cc CoordinatorConfig) *harness {
	t.Helper()
	db := repotest.NewDB(t)
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	sink := &recordingSink{}
	alerts := alert.New(alert.NewMemoryDeduper(), time.Hour, nil, sink)
	q := queue.New(db)
	st := staging.NewManager(db, store, 3)
	datasets := dataset.NewStore(db, dataset.NewWriter(rowcodec.Plain{}, 2))
	files := repository.NewFileRepository(db)
	sources := repository.NewSourceRepository(db)
	intake := source.NewIntake(db, st, q, datasets, alerts, nil)

	processor := NewProcessor(st, q, datasets, files, alerts, nil, &ProcessorConfig{MaxRows: 100})
	registry := source.NewRegistry()
	registry.Register(domain.SourceKindLocal, local.NewScanner(intake, checksum.NewDetector(0), local.Options{MaxDepth: 2, MaxFiles: 100}, nil))
	registry.Register(domain.SourceKindAgentPush, push.NoopScanner{})

	return &harness{
		db:          db,
		sink:        sink,
		sources:     sources,
		files:       files,
		queue:       q,
		staging:     st,
		intake:      intake,
		reader:      dataset.NewReader(db, rowcodec.Plain{}),
		processor:   processor,
		coordinator: NewCoordinator(sources, files, registry, q, processor, nil, cc),
		push: NewPushService(sources, intake, st, q, processor, nil, &PushConfig{
			MaxUploadBytes: 1024,
		}),
	}
}

// localSource creates an enabled local source over a fresh directory.
func (h *harness) localSource(t *testing.T, tmpl *domain.TemplateSpec) (*domain.IngestionSource, string) {
	t.Helper()
	dir := t.TempDir()
	src := repotest.CreateSource(t, h.db, &domain.IngestionSource{
		Name:                "inbox-" + filepath.Base(dir),
		Kind:                domain.SourceKindLocal,
		Directories:         domain.StringArray{dir},
		Template:            tmpl,
		PollIntervalSeconds: 300,
		Enabled:             true,
	})
	return src, dir
}

// pushSource creates an enabled agent_push source guarded by secret.
func (h *harness) pushSource(t *testing.T, secret string, tmpl *domain.TemplateSpec) *domain.IngestionSource {
	t.Helper()
	hash, hint, err := HashSecret(secret)
	require.NoError(t, err)
	return repotest.CreateSource(t, h.db, &domain.IngestionSource{
		Name:            "agent",
		Kind:            domain.SourceKindAgentPush,
		Template:        tmpl,
		AgentSecretHash: hash,
		AgentSecretHint: hint,
		Enabled:         true,
	})
}

// stage queues content as if a scanner had discovered it.
func (h *harness) stage(t *testing.T, src *domain.IngestionSource, name, body string) (*domain.IngestionFile, *domain.IngestionJob) {
	t.Helper()
	file, job, err := h.intake.Admit(context.Background(), staging.Candidate{
		SourceID:   src.ID,
		RemotePath: "/in/" + name,
		FileName:   name,
		Size:       int64(len(body)),
		ModifiedAt: time.Now(),
		Checksum:   checksum.HashBytes([]byte(body)),
	}, strings.NewReader(body))
	require.NoError(t, err)
	return file, job
}

func writeCSV(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))
}

func (h *harness) jobCount(t *testing.T, status domain.JobStatus) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&domain.IngestionJob{}).Where("status = ?", status).Count(&n).Error)
	return n
}
