// Package alert notifies operators about rejected files and failed jobs,
// suppressing repeats of the same condition.
package alert

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/timmy/tabport/internal/logger"
	"github.com/timmy/tabport/internal/metrics"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one notification.
type Alert struct {
	Fingerprint string    `json:"fingerprint"`
	Kind        string    `json:"kind"`
	Severity    Severity  `json:"severity"`
	SourceID    uint      `json:"source_id"`
	FileID      uint      `json:"file_id,omitempty"`
	JobID       uint      `json:"job_id,omitempty"`
	Message     string    `json:"message"`
	At          time.Time `json:"at"`
}

// Sink delivers alerts.
type Sink interface {
	Send(ctx context.Context, a Alert) error
}

// Fingerprint hashes parts into a stable identifier.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:12])
}

// Alerter fans alerts out to sinks once per fingerprint and window.
type Alerter struct {
	dedup   Deduper
	window  time.Duration
	sinks   []Sink
	metrics *metrics.Metrics
}

// New creates an Alerter. A nil deduper disables suppression.
func New(dedup Deduper, window time.Duration, m *metrics.Metrics, sinks ...Sink) *Alerter {
	return &Alerter{dedup: dedup, window: window, sinks: sinks, metrics: m}
}

// Notify sends a unless an alert with the same fingerprint was sent within
// the window. A nil Alerter drops everything.
func (a *Alerter) Notify(ctx context.Context, al Alert) error {
	if a == nil {
		return nil
	}
	if al.Fingerprint == "" {
		al.Fingerprint = Fingerprint(al.Kind, fmt.Sprint(al.SourceID), al.Message)
	}
	if al.Severity == "" {
		al.Severity = SeverityWarning
	}
	if al.At.IsZero() {
		al.At = time.Now().UTC()
	}

	if a.dedup != nil && a.window > 0 {
		first, err := a.dedup.Allow(ctx, al.Fingerprint, a.window)
		if err != nil {
			logger.CtxWarn(ctx, "alert dedup unavailable, sending anyway: %v", err)
		} else if !first {
			a.metrics.AlertRaised(al.Kind, true)
			return nil
		}
	}
	a.metrics.AlertRaised(al.Kind, false)

	var errs []error
	for _, s := range a.sinks {
		if err := s.Send(ctx, al); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// LogSink writes alerts to the structured log.
type LogSink struct{}

func (LogSink) Send(ctx context.Context, a Alert) error {
	entry := logger.FromContext(ctx).WithFields(logger.Fields{
		"alert_kind":        a.Kind,
		"alert_fingerprint": a.Fingerprint,
		"severity":          a.Severity,
		logger.FieldSourceID: a.SourceID,
	})
	if a.FileID != 0 {
		entry = entry.WithField(logger.FieldFileID, a.FileID)
	}
	if a.JobID != 0 {
		entry = entry.WithField(logger.FieldJobID, a.JobID)
	}
	if a.Severity == SeverityCritical {
		entry.Errorf("ALERT: %s", a.Message)
	} else {
		entry.Warnf("ALERT: %s", a.Message)
	}
	return nil
}
