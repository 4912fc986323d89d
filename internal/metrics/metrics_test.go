package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestHelpersRecord(t *testing.T) {
	m := New()
	m.FileDiscovered("local", "queued")
	m.FileDiscovered("local", "queued")
	m.JobCompleted("SUCCESS", "", 12)
	m.ObserveScan("local", 20*time.Millisecond)

	body := scrape(t, m)
	for _, want := range []string{
		`ingest_files_discovered_total{kind="local",outcome="queued"} 2`,
		`ingest_rows_imported_total 12`,
		`ingest_jobs_completed_total{error_kind="",status="SUCCESS"} 1`,
		`ingest_scan_duration_seconds_count{kind="local"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output lacks %q", want)
		}
	}
}

func TestNilReceiver(t *testing.T) {
	var m *Metrics
	m.FileDiscovered("local", "queued")
	m.JobCompleted("FAILED", "internal", 0)
	m.PushResult("imported")
	m.SetPending(3)
}

func TestNewTwice(t *testing.T) {
	// Private registries allow several instances in one process.
	New()
	New()
}
