// Package drive scans Google Drive folders through the Drive v3 REST API.
package drive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/logger"
	"github.com/timmy/tabport/internal/metrics"
	"github.com/timmy/tabport/internal/parser"
	"github.com/timmy/tabport/internal/source"
	"github.com/timmy/tabport/internal/staging"
	"github.com/timmy/tabport/internal/template"
	"golang.org/x/oauth2"
)

const (
	// ReadOnlyScope is the OAuth scope the connector needs.
	ReadOnlyScope = "https://www.googleapis.com/auth/drive.readonly"

	mimeFolder      = "application/vnd.google-apps.folder"
	mimeSpreadsheet = "application/vnd.google-apps.spreadsheet"
	mimeXLSX        = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	nativePrefix    = "application/vnd.google-apps."

	listFields = "nextPageToken,files(id,name,mimeType,md5Checksum,size,modifiedTime)"
)

// TokenSource supplies bearer tokens for API calls.
type TokenSource interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// Options configures the connector.
type Options struct {
	APIBase           string
	PageSize          int
	MaxFiles          int
	MaxDepth          int
	AllowedExtensions []string
	Timeout           time.Duration
}

// Connector lists Drive folders and stages new or changed files.
type Connector struct {
	client  *resty.Client
	tokens  TokenSource
	intake  *source.Intake
	opts    Options
	allowed map[string]struct{}
	metrics *metrics.Metrics
}

// NewConnector creates a Connector.
// Parameters:
//   - intake: dedup, staging and queue entry point.
//   - tokens: bearer token supplier, normally a cached service account provider.
//   - opts: API base URL, paging and budgets.
//   - m: metrics, may be nil.
// Returns:
//   - *Connector: ready to scan cloud_drive sources.
func NewConnector(intake *source.Intake, tokens TokenSource, opts Options, m *metrics.Metrics) *Connector {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(opts.APIBase, "/"))
	client.SetHeader("Accept", "application/json")
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}

	allowed := make(map[string]struct{}, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		allowed[parser.NormalizeExt(ext)] = struct{}{}
	}
	return &Connector{
		client:  client,
		tokens:  tokens,
		intake:  intake,
		opts:    opts,
		allowed: allowed,
		metrics: m,
	}
}

// remoteFile is the subset of a Drive file resource the connector reads.
type remoteFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	MD5Checksum  string `json:"md5Checksum"`
	Size         string `json:"size"`
	ModifiedTime string `json:"modifiedTime"`
}

type listResponse struct {
	NextPageToken string       `json:"nextPageToken"`
	Files         []remoteFile `json:"files"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (f remoteFile) exported() bool {
	return f.MimeType == mimeSpreadsheet
}

// displayName is the name the file is staged and parsed under.
func (f remoteFile) displayName() string {
	if f.exported() && parser.NormalizeExt(path.Ext(f.Name)) != ".xlsx" {
		return f.Name + ".xlsx"
	}
	return f.Name
}

func (f remoteFile) size() int64 {
	n, _ := strconv.ParseInt(f.Size, 10, 64)
	return n
}

func (f remoteFile) modified() time.Time {
	t, _ := time.Parse(time.RFC3339, f.ModifiedTime)
	return t
}

// checksum prefers Drive's content hash; exported and native files have none.
func (f remoteFile) checksum() string {
	if f.MD5Checksum != "" {
		return f.MD5Checksum
	}
	sum := sha256.Sum256([]byte(f.ID + "|" + f.ModifiedTime + "|" + f.Size))
	return hex.EncodeToString(sum[:])
}

type folder struct {
	id    string
	depth int
}

// Scan implements source.Scanner. Files whose download fails are recorded as
// FAILED and the scan continues. When the whole folder tree was listed, paths
// no longer present are reconciled as deleted.
func (c *Connector) Scan(ctx context.Context, src *domain.IngestionSource) (*source.ScanReport, error) {
	if src.Kind != domain.SourceKindCloudDrive {
		return nil, apperr.Newf(apperr.ErrInvalidInput, "source %d is not a drive source", src.ID)
	}
	ctx = logger.SetComponent(logger.SetSourceID(ctx, src.ID), "drive_connector")
	start := time.Now()
	defer func() { c.metrics.ObserveScan(string(src.Kind), time.Since(start)) }()

	report := &source.ScanReport{}
	seen := make(map[string]struct{})
	complete := true
	budget := c.opts.MaxFiles

	pending := []folder{{id: src.DriveFolderID}}
	for len(pending) > 0 && !report.Truncated {
		f := pending[0]
		pending = pending[1:]

		files, err := c.listFolder(ctx, src, f.id)
		if err != nil {
			if f.id == src.DriveFolderID {
				return report, err
			}
			report.AddError(err)
			complete = false
			continue
		}

		for _, rf := range files {
			if rf.MimeType == mimeFolder {
				if src.Recursive && (c.opts.MaxDepth <= 0 || f.depth < c.opts.MaxDepth) {
					pending = append(pending, folder{id: rf.ID, depth: f.depth + 1})
				}
				continue
			}
			if !c.accepts(src, rf) {
				continue
			}
			if c.opts.MaxFiles > 0 {
				if budget == 0 {
					report.Truncated = true
					break
				}
				budget--
			}
			seen[rf.ID] = struct{}{}
			if err := c.offer(ctx, src, rf, report); err != nil {
				return report, err
			}
		}
	}

	if complete && !report.Truncated {
		if err := c.intake.Reconcile(ctx, src, seen, report); err != nil {
			return report, err
		}
	}

	logger.With(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldCount:      report.Discovered,
		"queued":               report.Queued,
		"deleted":              report.Deleted,
		"truncated":            report.Truncated,
	}).Info(ctx, "drive scan finished")
	return report, nil
}

func (c *Connector) accepts(src *domain.IngestionSource, rf remoteFile) bool {
	if strings.HasPrefix(rf.MimeType, nativePrefix) && !rf.exported() {
		return false
	}
	name := rf.displayName()
	ext := parser.NormalizeExt(path.Ext(name))
	if len(c.allowed) > 0 {
		if _, ok := c.allowed[ext]; !ok {
			return false
		}
	} else if !parser.Supported(ext) {
		return false
	}
	return src.NamePattern == "" || template.MatchName(src.NamePattern, name)
}

func (c *Connector) offer(ctx context.Context, src *domain.IngestionSource, rf remoteFile, report *source.ScanReport) error {
	cand := staging.Candidate{
		SourceID:   src.ID,
		RemotePath: rf.ID,
		RemoteID:   rf.ID,
		FileName:   rf.displayName(),
		Size:       rf.size(),
		ModifiedAt: rf.modified(),
		Checksum:   rf.checksum(),
	}
	open := func(ctx context.Context) (io.ReadCloser, error) {
		return c.download(ctx, rf)
	}
	return c.intake.Offer(ctx, src, cand, open, report)
}

func (c *Connector) request(ctx context.Context) (*resty.Request, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, apperr.Newf(apperr.ErrDownloadFailed, "obtain drive token: %v", err)
	}
	return c.client.R().
		SetContext(ctx).
		SetAuthToken(tok.AccessToken), nil
}

func (c *Connector) listFolder(ctx context.Context, src *domain.IngestionSource, folderID string) ([]remoteFile, error) {
	var all []remoteFile
	pageToken := ""
	for {
		req, err := c.request(ctx)
		if err != nil {
			return nil, err
		}
		params := map[string]string{
			"q":                         fmt.Sprintf("'%s' in parents and trashed=false", strings.ReplaceAll(folderID, "'", `\'`)),
			"orderBy":                   "modifiedTime desc",
			"pageSize":                  strconv.Itoa(c.opts.PageSize),
			"fields":                    listFields,
			"supportsAllDrives":         "true",
			"includeItemsFromAllDrives": "true",
		}
		if src.SharedDriveID != "" {
			params["corpora"] = "drive"
			params["driveId"] = src.SharedDriveID
		}
		if pageToken != "" {
			params["pageToken"] = pageToken
		}

		var page listResponse
		var apiErr apiError
		resp, err := req.
			SetQueryParams(params).
			SetResult(&page).
			SetError(&apiErr).
			Get("/files")
		if err != nil {
			return nil, apperr.Newf(apperr.ErrDownloadFailed, "list drive folder %s: %v", folderID, err)
		}
		if resp.IsError() {
			return nil, apperr.Newf(apperr.ErrDownloadFailed, "list drive folder %s: status %d %s", folderID, resp.StatusCode(), apiErr.Error.Message)
		}

		all = append(all, page.Files...)
		if page.NextPageToken == "" {
			return all, nil
		}
		pageToken = page.NextPageToken
	}
}

// download streams a file's bytes; native spreadsheets are exported as xlsx.
func (c *Connector) download(ctx context.Context, rf remoteFile) (io.ReadCloser, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	req.SetDoNotParseResponse(true)

	var resp *resty.Response
	if rf.exported() {
		resp, err = req.
			SetQueryParam("mimeType", mimeXLSX).
			Get("/files/" + rf.ID + "/export")
	} else {
		resp, err = req.
			SetQueryParams(map[string]string{"alt": "media", "supportsAllDrives": "true"}).
			Get("/files/" + rf.ID)
	}
	if err != nil {
		return nil, apperr.Newf(apperr.ErrDownloadFailed, "download %s: %v", rf.Name, err)
	}
	body := resp.RawBody()
	if resp.IsError() {
		if body != nil {
			body.Close()
		}
		return nil, apperr.Newf(apperr.ErrDownloadFailed, "download %s: status %d", rf.Name, resp.StatusCode())
	}
	return body, nil
}
