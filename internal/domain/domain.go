package domain

import "encoding/json"

// Test statuses accepted in a report.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusPending = "pending"
	StatusOther   = "other"
)

// ValidStatus reports whether s is one of the known test statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped, StatusPending, StatusOther:
		return true
	}
	return false
}

// Report is one stored test-execution run. Sub-objects are kept as raw JSON
// so what was uploaded is what is served back.
type Report struct {
	ReportFormat string          `json:"reportFormat"`
	SpecVersion  string          `json:"specVersion"`
	ReportID     string          `json:"reportId"`
	Timestamp    string          `json:"timestamp" format:"date-time"`
	GeneratedBy  string          `json:"generatedBy,omitempty"`
	Results      Results         `json:"results"`
	Extra        json.RawMessage `json:"extra,omitempty"`
	Metadata     *Metadata       `json:"metadata,omitempty"`
}

type Results struct {
	Tool        json.RawMessage `json:"tool"`
	Summary     json.RawMessage `json:"summary"`
	Tests       json.RawMessage `json:"tests"`
	Environment json.RawMessage `json:"environment,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

type Metadata struct {
	UploadedBy string   `json:"uploadedBy"`
	UserTeams  []string `json:"userTeams"`
	UploadedAt string   `json:"uploadedAt" format:"date-time"`
}

// Summary is the typed view of results.summary.
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

// Test is the typed view of one entry of results.tests.
type Test struct {
	Name     string   `json:"name"`
	Status   string   `json:"status"`
	Duration float64  `json:"duration"`
	Suite    string   `json:"suite,omitempty"`
	Message  string   `json:"message,omitempty"`
	Trace    string   `json:"trace,omitempty"`
	Flaky    bool     `json:"flaky,omitempty"`
	Retries  int      `json:"retries,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// StoredReport is a report as returned by the listing endpoints.
type StoredReport struct {
	ID           string          `json:"id"`
	ReportFormat string          `json:"reportFormat"`
	SpecVersion  string          `json:"specVersion"`
	Timestamp    string          `json:"timestamp" format:"date-time"`
	GeneratedBy  string          `json:"generatedBy,omitempty"`
	Tool         json.RawMessage `json:"tool"`
	Summary      json.RawMessage `json:"summary"`
	Tests        json.RawMessage `json:"tests"`
	Environment  json.RawMessage `json:"environment,omitempty"`
	Extra        json.RawMessage `json:"extra,omitempty"`
	ReportExtra  json.RawMessage `json:"reportExtra,omitempty"`
	Metadata     *Metadata       `json:"metadata,omitempty"`
}

// Stored flattens r into the listing shape.
func (r Report) Stored() StoredReport {
	return StoredReport{
		ID:           r.ReportID,
		ReportFormat: r.ReportFormat,
		SpecVersion:  r.SpecVersion,
		Timestamp:    r.Timestamp,
		GeneratedBy:  r.GeneratedBy,
		Tool:         r.Results.Tool,
		Summary:      r.Results.Summary,
		Tests:        r.Results.Tests,
		Environment:  r.Results.Environment,
		Extra:        r.Results.Extra,
		ReportExtra:  r.Extra,
		Metadata:     r.Metadata,
	}
}

type Team struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TeamMember struct {
	TeamID    string `json:"team_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	ReportID string         `json:"report_id,omitempty"`
	ActorID  string         `json:"actor_id"`
	Payload  map[string]any `json:"payload"`
}

// Analytics results. Derived per request, never persisted.

type SuiteOverview struct {
	Name          string  `json:"name"`
	Total         int64   `json:"total"`
	Passed        int64   `json:"passed"`
	Failed        int64   `json:"failed"`
	Skipped       int64   `json:"skipped"`
	AvgDurationMs float64 `json:"avgDurationMs"`
}

type TrendPoint struct {
	BucketLabel string  `json:"bucketLabel"`
	Total       int64   `json:"total"`
	Passed      int64   `json:"passed"`
	Failed      int64   `json:"failed"`
	Skipped     int64   `json:"skipped"`
	PassRatePct float64 `json:"passRatePct"`
}

type DurationBucket struct {
	RangeLabel string  `json:"rangeLabel"`
	Count      int64   `json:"count"`
	AvgMs      float64 `json:"avgMs"`
	MaxMs      float64 `json:"maxMs"`
	MinMs      float64 `json:"minMs"`
}

type DurationStats struct {
	AvgMs float64 `json:"avgMs"`
	MaxMs float64 `json:"maxMs"`
	MinMs float64 `json:"minMs"`
}

type DurationHistogram struct {
	Buckets []DurationBucket `json:"buckets"`
	Overall DurationStats    `json:"overall"`
}

type ErrorGroup struct {
	Message           string   `json:"message"`
	Count             int64    `json:"count"`
	AffectedTestNames []string `json:"affectedTestNames"`
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

// TestRun is one execution of a named test inside a stored report.
type TestRun struct {
	ReportID   string  `json:"reportId"`
	Timestamp  string  `json:"timestamp"`
	Status     string  `json:"status"`
	DurationMs float64 `json:"durationMs"`
	Message    string  `json:"message,omitempty"`
	Flaky      bool    `json:"flaky"`
	Retries    int     `json:"retries"`
}

// Health is the side-effect-free backend probe result.
type Health struct {
	Connected     bool   `json:"connected"`
	IndexExists   bool   `json:"indexExists"`
	DocumentCount int64  `json:"documentCount"`
	ClusterStatus string `json:"clusterStatus"`
	Error         string `json:"error,omitempty"`
}

type Pagination struct {
	Page       int  `json:"page"`
	Size       int  `json:"size"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}
