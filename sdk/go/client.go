package reportlenssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// Client is a minimal reportlens HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v0.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     30 * time.Second,
	}
}

// Receipt is returned for an accepted report.
type Receipt struct {
	ID      string  `json:"id"`
	Summary Summary `json:"summary"`
}

type Summary struct {
	Tests   int   `json:"tests"`
	Passed  int   `json:"passed"`
	Failed  int   `json:"failed"`
	Skipped int   `json:"skipped"`
	Pending int   `json:"pending"`
	Other   int   `json:"other"`
	Start   int64 `json:"start"`
	Stop    int64 `json:"stop"`
}

// Report is a stored report as listed by the API. Sub-objects stay raw.
type Report struct {
	ID          string          `json:"id"`
	Timestamp   string          `json:"timestamp"`
	Tool        json.RawMessage `json:"tool"`
	Summary     json.RawMessage `json:"summary"`
	Tests       json.RawMessage `json:"tests"`
	Environment json.RawMessage `json:"environment,omitempty"`
	Metadata    struct {
		UploadedBy string   `json:"uploadedBy"`
		UserTeams  []string `json:"userTeams"`
		UploadedAt string   `json:"uploadedAt"`
	} `json:"metadata"`
}

type ReportPage struct {
	Reports    []Report `json:"reports"`
	Total      int64    `json:"total"`
	Pagination struct {
		Page       int  `json:"page"`
		Size       int  `json:"size"`
		TotalPages int  `json:"totalPages"`
		HasNext    bool `json:"hasNext"`
		HasPrev    bool `json:"hasPrev"`
	} `json:"pagination"`
}

// ListOptions filters ListReports. Zero values are omitted.
type ListOptions struct {
	Page        int
	Size        int
	Status      string
	Tool        string
	Environment string
}

// Meta describes where an analytics answer came from.
type Meta struct {
	Source        string `json:"source"`
	Index         string `json:"index"`
	Timestamp     string `json:"timestamp"`
	BackendHealth string `json:"backendHealth"`
}

// Health is the backend probe result.
type Health struct {
	Connected     bool   `json:"connected"`
	IndexExists   bool   `json:"indexExists"`
	DocumentCount int64  `json:"documentCount"`
	ClusterStatus string `json:"clusterStatus"`
	Error         string `json:"error,omitempty"`
}

type FlakyTest struct {
	TestName      string  `json:"testName"`
	TotalRuns     int64   `json:"totalRuns"`
	Passed        int64   `json:"passed"`
	Failed        int64   `json:"failed"`
	Skipped       int64   `json:"skipped"`
	FlakyScorePct float64 `json:"flakyScorePct"`
	IsFlaky       bool    `json:"isFlaky"`
	IsMarkedFlaky bool    `json:"isMarkedFlaky"`
}

type TrendPoint struct {
	BucketLabel string  `json:"bucketLabel"`
	Total       int64   `json:"total"`
	Passed      int64   `json:"passed"`
	Failed      int64   `json:"failed"`
	Skipped     int64   `json:"skipped"`
	PassRatePct float64 `json:"passRatePct"`
}

// Event represents an audit log entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	ReportID string         `json:"report_id"`
	ActorID  string         `json:"actor_id"`
	Payload  map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Code       string `json:"code"`
	Source     string `json:"source"`
	Body       string `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s source=%s: %s", e.StatusCode, e.Code, e.Source, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// UploadReport sends a CTRF document as is.
func (c *Client) UploadReport(ctx context.Context, report []byte) (Receipt, error) {
	var resp Receipt
	err := c.do(ctx, http.MethodPost, "reports", bytes.NewReader(report), &resp)
	return resp, err
}

// ListReports returns one page of visible reports, newest first.
func (c *Client) ListReports(ctx context.Context, opts ListOptions) (ReportPage, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Size > 0 {
		q.Set("size", strconv.Itoa(opts.Size))
	}
	for k, v := range map[string]string{"status": opts.Status, "tool": opts.Tool, "environment": opts.Environment} {
		if v != "" {
			q.Set(k, v)
		}
	}
	var resp ReportPage
	err := c.do(ctx, http.MethodGet, withQuery("reports", q), nil, &resp)
	return resp, err
}

// Analytics fetches one analytics view into data and returns its meta.
func (c *Client) Analytics(ctx context.Context, view string, q url.Values, data any) (Meta, error) {
	var resp struct {
		Data json.RawMessage `json:"data"`
		Meta Meta            `json:"meta"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("analytics/"+strings.TrimLeft(view, "/"), q), nil, &resp); err != nil {
		return Meta{}, err
	}
	if data != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, data); err != nil {
			return resp.Meta, fmt.Errorf("decode %s: %w", view, err)
		}
	}
	return resp.Meta, nil
}

// Trends returns the daily trend over the last days days.
func (c *Client) Trends(ctx context.Context, days int) ([]TrendPoint, error) {
	var out []TrendPoint
	_, err := c.Analytics(ctx, "trends", url.Values{"days": {strconv.Itoa(days)}}, &out)
	return out, err
}

// FlakyTests returns tests with mixed outcomes.
func (c *Client) FlakyTests(ctx context.Context) ([]FlakyTest, error) {
	var out []FlakyTest
	_, err := c.Analytics(ctx, "flaky-tests", nil, &out)
	return out, err
}

// Health probes the search backend through the API.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	_, err := c.Analytics(ctx, "health", nil, &out)
	return out, err
}

// EventsPage returns a paginated audit event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = cleanhttp.DefaultPooledClient()
		c.HTTPClient.Timeout = c.Timeout
	}
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		_ = json.Unmarshal(b, apiErr)
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
