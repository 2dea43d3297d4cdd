// Package source talks to the relation export API of a source installation.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/bulkimport/internal/domain"
)

// Export status codes reported by the source installation.
const (
	StatusFailed   = -1
	StatusStarted  = 0
	StatusFinished = 1
)

// rateLimitDelay is used when a 429 response carries no Retry-After header.
const rateLimitDelay = 30 * time.Second

// Connection addresses a source installation.
type Connection struct {
	URL   string
	Token string
}

// Portable names a group or project on the source.
type Portable struct {
	Type     domain.SourceType
	FullPath string
}

// BatchStatus is the status of one export batch.
type BatchStatus struct {
	BatchNumber  int       `json:"batch_number"`
	Status       int       `json:"status"`
	Error        string    `json:"error,omitempty"`
	ObjectsCount int       `json:"objects_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RelationStatus is the export status of one relation of a portable.
type RelationStatus struct {
	Relation          string        `json:"relation"`
	Status            int           `json:"status"`
	Error             string        `json:"error,omitempty"`
	Batched           bool          `json:"batched"`
	BatchesCount      int           `json:"batches_count"`
	TotalObjectsCount int           `json:"total_objects_count"`
	UpdatedAt         time.Time     `json:"updated_at"`
	Batches           []BatchStatus `json:"batches,omitempty"`
}

// HTTPError is a non-success response from the source.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("source responded with status %d: %s", e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

// Client is a resty based client for the export_relations endpoints.
type Client struct {
	client *resty.Client
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	client := resty.New()
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	client.SetHeader("Accept", "application/json")

	return &Client{client: client}
}

// ExportPath returns the export_relations path of p under the v4 API.
func ExportPath(p Portable) string {
	kind := "groups"
	if p.Type == domain.SourceTypeProject {
		kind = "projects"
	}
	return fmt.Sprintf("/api/v4/%s/%s/export_relations", kind, url.PathEscape(p.FullPath))
}

func (c *Client) request(ctx context.Context, conn Connection) *resty.Request {
	return c.client.R().
		SetContext(ctx).
		SetHeader("PRIVATE-TOKEN", conn.Token)
}

func endpoint(conn Connection, p Portable, suffix string) string {
	return strings.TrimSuffix(conn.URL, "/") + ExportPath(p) + suffix
}

// StartExport asks the source to (re)start exporting every relation of p.
func (c *Client) StartExport(ctx context.Context, conn Connection, p Portable, batched bool) error {
	resp, err := c.request(ctx, conn).
		SetQueryParam("batched", strconv.FormatBool(batched)).
		Post(endpoint(conn, p, ""))
	if err != nil {
		return domain.NewRetryable(fmt.Errorf("request export of %s: %w", p.FullPath, err), 0)
	}
	if resp.IsError() {
		return classify(resp.StatusCode(), resp.Header(), resp.String())
	}
	return nil
}

// ExportStatus returns the export status of one relation, or nil when the
// source has no export for it yet.
func (c *Client) ExportStatus(ctx context.Context, conn Connection, p Portable, relation string) (*RelationStatus, error) {
	var status RelationStatus
	resp, err := c.request(ctx, conn).
		SetQueryParam("relation", relation).
		SetResult(&status).
		Get(endpoint(conn, p, "/status"))
	if err != nil {
		return nil, domain.NewRetryable(fmt.Errorf("query export status of %s/%s: %w", p.FullPath, relation, err), 0)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.IsError() {
		return nil, classify(resp.StatusCode(), resp.Header(), resp.String())
	}
	return &status, nil
}

// Download streams an exported relation file. batchNumber is ignored unless
// batched is set. The caller closes the reader.
func (c *Client) Download(ctx context.Context, conn Connection, p Portable, relation string, batched bool, batchNumber int) (io.ReadCloser, error) {
	req := c.request(ctx, conn).
		SetDoNotParseResponse(true).
		SetQueryParam("relation", relation)
	if batched {
		req.SetQueryParam("batched", "true").
			SetQueryParam("batch_number", strconv.Itoa(batchNumber))
	}

	resp, err := req.Get(endpoint(conn, p, "/download"))
	if err != nil {
		return nil, domain.NewRetryable(fmt.Errorf("download %s/%s: %w", p.FullPath, relation, err), 0)
	}

	body := resp.RawBody()
	if resp.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(body, 1024))
		_ = body.Close()
		return nil, classify(resp.StatusCode(), resp.Header(), string(msg))
	}
	return body, nil
}

// classify maps an error status to an error the runners understand. Rate
// limiting and server errors are retryable, anything else is not.
func classify(code int, header http.Header, body string) error {
	herr := &HTTPError{StatusCode: code, Body: body}
	switch {
	case code == http.StatusTooManyRequests:
		delay := rateLimitDelay
		if s, err := strconv.Atoi(header.Get("Retry-After")); err == nil && s > 0 {
			delay = time.Duration(s) * time.Second
		}
		return domain.NewRetryable(herr, delay)
	case code >= 500:
		return domain.NewRetryable(herr, 0)
	default:
		return herr
	}
}
