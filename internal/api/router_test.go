package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/tabport/internal/alert"
	"github.com/timmy/tabport/internal/api"
	"github.com/timmy/tabport/internal/config"
	"github.com/timmy/tabport/internal/dataset"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/metrics"
	"github.com/timmy/tabport/internal/queue"
	"github.com/timmy/tabport/internal/repository"
	"github.com/timmy/tabport/internal/repository/repotest"
	"github.com/timmy/tabport/internal/rowcodec"
	"github.com/timmy/tabport/internal/service"
	"github.com/timmy/tabport/internal/source"
	"github.com/timmy/tabport/internal/source/push"
	"github.com/timmy/tabport/internal/staging"
	"github.com/timmy/tabport/internal/storage"
	"gorm.io/gorm"
)

const secret = "agent-secret-1234"

type testServer struct {
	router *gin.Engine
	db     *gorm.DB
	src    *domain.IngestionSource
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := repotest.NewDB(t)
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	codec, err := rowcodec.New("test-row-key")
	require.NoError(t, err)
	m := metrics.New()
	alerts := alert.New(alert.NewMemoryDeduper(), time.Hour, m, alert.LogSink{})
	q := queue.New(db)
	st := staging.NewManager(db, store, 3)
	datasets := dataset.NewStore(db, dataset.NewWriter(codec, 100))
	files := repository.NewFileRepository(db)
	sources := repository.NewSourceRepository(db)
	intake := source.NewIntake(db, st, q, datasets, alerts, m)
	processor := service.NewProcessor(st, q, datasets, files, alerts, m, &service.ProcessorConfig{})

	registry := source.NewRegistry()
	registry.Register(domain.SourceKindAgentPush, push.NoopScanner{})
	coordinator := service.NewCoordinator(sources, files, registry, q, processor, m, service.CoordinatorConfig{})
	pushService := service.NewPushService(sources, intake, st, q, processor, m, &service.PushConfig{MaxUploadBytes: 2048})

	hash, hint, err := service.HashSecret(secret)
	require.NoError(t, err)
	src := repotest.CreateSource(t, db, &domain.IngestionSource{
		Name:            "laptops",
		Kind:            domain.SourceKindAgentPush,
		Template:        &domain.TemplateSpec{RequiredColumns: []string{"partner", "revenue"}},
		AgentSecretHash: hash,
		AgentSecretHint: hint,
		Enabled:         true,
	})

	router := api.SetupRouter(api.Deps{
		DB:             db,
		Push:           pushService,
		Coordinator:    coordinator,
		Reader:         dataset.NewReader(db, codec),
		Metrics:        m,
		MaxUploadBytes: 2048,
	}, config.ServerConfig{Mode: "test"})
	return &testServer{router: router, db: db, src: src}
}

func (s *testServer) do(req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	var body map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func pushRequest(t *testing.T, sourceID uint, originalPath, content string, header http.Header) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("sourceId", fmt.Sprint(sourceID)))
	require.NoError(t, mw.WriteField("originalPath", originalPath))
	fw, err := mw.CreateFormFile("file", "upload.bin")
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/push", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range header {
		req.Header[k] = v
	}
	return req
}

func secretHeader() http.Header {
	return http.Header{"X-Agent-Secret": []string{secret}}
}

func TestPushEndpoint(t *testing.T) {
	testCases := []struct {
		name         string
		header       http.Header
		path         string
		content      string
		expectedCode int
		expectedKind string
		errContains  string
	}{
		{
			name:         "imports with header secret",
			header:       secretHeader(),
			path:         "/exports/q1.csv",
			content:      "partner,revenue\nacme,10\nglobex,20\n",
			expectedCode: http.StatusOK,
		},
		{
			name:         "imports with bearer secret",
			header:       http.Header{"Authorization": []string{"Bearer " + secret}},
			path:         "/exports/q1.csv",
			content:      "partner,revenue\nacme,10\n",
			expectedCode: http.StatusOK,
		},
		{
			name:         "wrong secret",
			header:       http.Header{"X-Agent-Secret": []string{"guess"}},
			path:         "/exports/q1.csv",
			content:      "partner,revenue\nacme,10\n",
			expectedCode: http.StatusUnauthorized,
			expectedKind: "unauthorized",
		},
		{
			name:         "missing required column",
			header:       secretHeader(),
			path:         "/exports/q1.csv",
			content:      "partner\nacme\n",
			expectedCode: http.StatusBadRequest,
			expectedKind: "template_mismatch",
			errContains:  "revenue",
		},
		{
			name:         "oversized file",
			header:       secretHeader(),
			path:         "/exports/big.csv",
			content:      "partner,revenue\n" + strings.Repeat("acme,10\n", 400),
			expectedCode: http.StatusRequestEntityTooLarge,
			expectedKind: "payload_too_large",
		},
		{
			name:         "unsupported extension",
			header:       secretHeader(),
			path:         "/exports/notes.pdf",
			content:      "%PDF-1.4",
			expectedCode: http.StatusBadRequest,
			expectedKind: "unsupported_format",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t)
			w, body := s.do(pushRequest(t, s.src.ID, tc.path, tc.content, tc.header))
			assert.Equal(t, tc.expectedCode, w.Code, w.Body.String())
			assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
			if tc.expectedCode == http.StatusOK {
				assert.Equal(t, true, body["ok"])
				assert.NotZero(t, body["rowsImported"])
				assert.NotZero(t, body["ingestionJobId"])
				return
			}
			assert.Equal(t, false, body["ok"])
			assert.Equal(t, tc.expectedKind, body["kind"])
			if tc.errContains != "" {
				assert.Contains(t, body["error"], tc.errContains)
				assert.NotZero(t, body["ingestionJobId"])
			}
		})
	}
}

func TestPushDuplicateAndDelete(t *testing.T) {
	s := newTestServer(t)
	content := "partner,revenue\nacme,10\n"

	w, first := s.do(pushRequest(t, s.src.ID, "/exports/q1.csv", content, secretHeader()))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, second := s.do(pushRequest(t, s.src.ID, "/exports/q1.csv", content, secretHeader()))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, second["duplicate"])
	assert.Equal(t, first["ingestionJobId"], second["ingestionJobId"])

	var imported domain.ImportedFile
	require.NoError(t, s.db.First(&imported).Error)
	w, page := s.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/files/%d/rows?limit=10", imported.ID), nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{"partner", "revenue"}, page["columns"])
	rows, ok := page["rows"].([]interface{})
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, "acme", rows[0].(map[string]interface{})["data"].(map[string]interface{})["partner"])

	body := strings.NewReader(fmt.Sprintf(`{"sourceId":%d,"originalPath":"/exports/q1.csv"}`, s.src.ID))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/delete", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Secret", secret)
	w, deleted := s.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, deleted["deletedImportedCount"])

	w, _ = s.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/files/%d/rows", imported.ID), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteRequiresBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/delete", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w, body := s.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_input", body["kind"])
}

func TestScanEndpoint(t *testing.T) {
	s := newTestServer(t)
	testCases := []struct {
		name         string
		path         string
		expectedCode int
	}{
		{name: "push sources are not scanned", path: fmt.Sprintf("/api/v1/sources/%d/scan", s.src.ID), expectedCode: http.StatusBadRequest},
		{name: "unknown source", path: "/api/v1/sources/999/scan?requeueStuck=true", expectedCode: http.StatusNotFound},
		{name: "bad id", path: "/api/v1/sources/abc/scan", expectedCode: http.StatusBadRequest},
		{name: "bad flag", path: fmt.Sprintf("/api/v1/sources/%d/scan?requeueStuck=maybe", s.src.ID), expectedCode: http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w, _ := s.do(httptest.NewRequest(http.MethodPost, tc.path, nil))
			assert.Equal(t, tc.expectedCode, w.Code)
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	w, body := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `http_requests_total{method="GET",path="/health",status="200"} 1`)
}
