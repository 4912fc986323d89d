package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/checksum"
	"github.com/timmy/tabport/internal/dataset"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/rowcodec"
	"github.com/timmy/tabport/internal/staging"
	"github.com/timmy/tabport/internal/storage"
	"gorm.io/gorm"
)

func TestProcessorRun(t *testing.T) {
	testCases := []struct {
		name      string
		fileName  string
		body      string
		template  *domain.TemplateSpec
		status    domain.JobStatus
		errKind   string
		rows      int
		wantAlert string
	}{
		{
			name:     "csv imported",
			fileName: "sales.csv",
			body:     "partner,revenue\nacme,10\nglobex,20\ninitech,\n",
			status:   domain.JobStatusSuccess,
			rows:     3,
		},
		{
			name:      "missing required column",
			fileName:  "sales.csv",
			body:      "partner\nacme\n",
			template:  &domain.TemplateSpec{RequiredColumns: []string{"partner", "revenue"}},
			status:    domain.JobStatusFailed,
			errKind:   apperr.KindTemplateMismatch,
			wantAlert: apperr.KindTemplateMismatch,
		},
		{
			name:      "executable disguised as csv",
			fileName:  "sales.csv",
			body:      "\x7fELF\x02\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00",
			status:    domain.JobStatusFailed,
			errKind:   apperr.KindMalware,
			wantAlert: apperr.KindMalware,
		},
		{
			name:      "filename outside template pattern",
			fileName:  "notes.csv",
			body:      "partner,revenue\nacme,1\n",
			template:  &domain.TemplateSpec{FilenamePattern: "sales_*.csv"},
			status:    domain.JobStatusFailed,
			errKind:   apperr.KindTemplateMismatch,
			wantAlert: apperr.KindTemplateMismatch,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, CoordinatorConfig{})
			src, _ := h.localSource(t, tc.template)
			file, job := h.stage(t, src, tc.fileName, tc.body)

			claimed, err := h.queue.Claim(ctx, job.ID)
			require.NoError(t, err)
			res, err := h.processor.Run(ctx, src, file, claimed)
			require.NoError(t, err)
			assert.Equal(t, tc.status, res.Status)
			assert.Equal(t, tc.rows, res.RowsImported)

			stored, err := h.queue.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.status, stored.Status)
			assert.Equal(t, tc.errKind, stored.ErrorKind)
			assert.NotNil(t, stored.FinishedAt)

			current, err := h.files.GetByID(ctx, file.ID)
			require.NoError(t, err)
			if tc.status == domain.JobStatusSuccess {
				assert.Equal(t, domain.FileStatusSuccess, current.Status)
				require.NotNil(t, res.ImportedFileID)
				require.NotNil(t, res.Quality)
				page, err := h.reader.Page(ctx, *res.ImportedFileID, 0, 10)
				require.NoError(t, err)
				assert.Equal(t, []string{"partner", "revenue"}, page.Columns)
				assert.Len(t, page.Rows, tc.rows)
				assert.Empty(t, h.sink.kinds())
			} else {
				assert.Equal(t, domain.FileStatusFailed, current.Status)
				assert.Equal(t, []string{tc.wantAlert}, h.sink.kinds())
				var loaded domain.IngestionSource
				require.NoError(t, h.db.First(&loaded, src.ID).Error)
				assert.NotEmpty(t, loaded.LastError)
			}
		})
	}
}

func TestProcessorTemplateMismatchNamesMissingColumn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{})
	src, _ := h.localSource(t, &domain.TemplateSpec{RequiredColumns: []string{"partner", "revenue"}})
	file, job := h.stage(t, src, "sales.csv", "partner\nacme\n")

	claimed, err := h.queue.Claim(ctx, job.ID)
	require.NoError(t, err)
	res, err := h.processor.Run(ctx, src, file, claimed)
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, apperr.ErrTemplateMismatch))
	assert.Contains(t, apperr.Message(res.Err), "revenue")

	var imported int64
	require.NoError(t, h.db.Model(&domain.ImportedFile{}).Count(&imported).Error)
	assert.Zero(t, imported)
}

func TestProcessorSkipsFileDeletedBeforeClaim(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{})
	src, _ := h.localSource(t, nil)
	file, job := h.stage(t, src, "gone.csv", "a\n1\n")

	claimed, err := h.queue.Claim(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, h.db.Model(&domain.IngestionFile{}).Where("id = ?", file.ID).
		Update("status", domain.FileStatusDeleted).Error)

	res, err := h.processor.Run(ctx, src, file, claimed)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSkipped, res.Status)

	current, err := h.files.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FileStatusDeleted, current.Status)

	var imported int64
	require.NoError(t, h.db.Model(&domain.ImportedFile{}).Count(&imported).Error)
	assert.Zero(t, imported)
}

func TestProcessorRejectsOversizedTable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, CoordinatorConfig{})
	h.processor.maxRows = 2
	src, _ := h.localSource(t, nil)
	file, job := h.stage(t, src, "big.csv", "a\n1\n2\n3\n")

	claimed, err := h.queue.Claim(ctx, job.ID)
	require.NoError(t, err)
	res, err := h.processor.Run(ctx, src, file, claimed)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, res.Status)
	assert.True(t, errors.Is(res.Err, apperr.ErrTooManyRows))
}

// countingStore reports how many staged bytes were read back.
type countingStore struct {
	storage.ObjectStorage
	read int64
}

func (s *countingStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := s.ObjectStorage.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	return &countingReader{ReadCloser: rc, n: &s.read}, nil
}

type countingReader struct {
	io.ReadCloser
	n *int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	atomic.AddInt64(r.n, int64(n))
	return n, err
}

func TestProcessorStopsReadingAtRowCeiling(t *testing.T) {
	testCases := []struct {
		name      string
		rows      int
		status    domain.JobStatus
		errKind   string
		readsFull bool
	}{
		{name: "within the ceiling", rows: 50, status: domain.JobStatusSuccess, readsFull: true},
		{name: "far over the ceiling", rows: 200000, status: domain.JobStatusFailed, errKind: apperr.KindTooManyRows},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, CoordinatorConfig{})
			src, _ := h.localSource(t, nil)

			var body strings.Builder
			body.WriteString("partner,revenue\n")
			for i := 0; i < tc.rows; i++ {
				fmt.Fprintf(&body, "partner-%d,%d\n", i, i)
			}

			disk, err := storage.NewLocalStorage(t.TempDir())
			require.NoError(t, err)
			store := &countingStore{ObjectStorage: disk}
			st := staging.NewManager(h.db, store, 3)
			processor := NewProcessor(st, h.queue, dataset.NewStore(h.db, dataset.NewWriter(rowcodec.Plain{}, 100)),
				h.files, nil, nil, &ProcessorConfig{MaxRows: 100})

			var job *domain.IngestionJob
			file, err := st.Stage(ctx, staging.Candidate{
				SourceID:   src.ID,
				RemotePath: "/in/big.csv",
				FileName:   "big.csv",
				Size:       int64(body.Len()),
				ModifiedAt: time.Now(),
				Checksum:   checksum.HashBytes([]byte(body.String())),
			}, strings.NewReader(body.String()), func(tx *gorm.DB, f *domain.IngestionFile) error {
				var err error
				job, err = h.queue.EnqueueTx(ctx, tx, f)
				return err
			})
			require.NoError(t, err)

			claimed, err := h.queue.Claim(ctx, job.ID)
			require.NoError(t, err)
			res, err := processor.Run(ctx, src, file, claimed)
			require.NoError(t, err)
			assert.Equal(t, tc.status, res.Status)
			assert.Equal(t, tc.errKind, apperr.Kind(res.Err))

			read := atomic.LoadInt64(&store.read)
			if tc.readsFull {
				assert.EqualValues(t, body.Len(), read)
			} else {
				assert.Less(t, read, int64(body.Len()/10), "read %d of %d bytes", read, body.Len())
			}
		})
	}
}
