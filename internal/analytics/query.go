package analytics

import (
	"time"
)

// Q is a search request body fragment.
type Q = map[string]any

// Index field paths.
const (
	fieldTests       = "results.tests"
	fieldTestName    = "results.tests.name"
	fieldTestStatus  = "results.tests.status"
	fieldTestSuite   = "results.tests.suite"
	fieldTestMessage = "results.tests.message"
	fieldTestDur     = "results.tests.duration"
	fieldTestFlaky   = "results.tests.flaky"
	fieldToolName    = "results.tool.name"
	fieldEnvironment = "results.environment.testEnvironment"
	fieldUserTeams   = "metadata.userTeams"
	fieldUploadedBy  = "metadata.uploadedBy"
	fieldTimestamp   = "timestamp"
)

const (
	UncategorizedSuite = "Uncategorized"
	UnknownError       = "Unknown error"

	MinDays     = 1
	MaxDays     = 365
	DefaultDays = 30

	maxSuites        = 500
	maxErrorGroups   = 20
	maxAffectedTests = 5
	maxFlakyNames    = 1000
	DefaultRunsLimit = 20
	MaxRunsLimit     = 100
	DefaultPageSize  = 20
	MaxPageSize      = 100
)

// TeamScope restricts documents to those shared with one of teamIDs or
// uploaded by subject. A caller with no teams sees only their own uploads.
func TeamScope(teamIDs []string, subject string) Q {
	should := []any{Q{"term": Q{fieldUploadedBy: subject}}}
	if len(teamIDs) > 0 {
		should = append([]any{Q{"terms": Q{fieldUserTeams: teamIDs}}}, should...)
	}
	return Q{"bool": Q{"should": should, "minimum_should_match": 1}}
}

func scoped(scope Q, filters ...Q) Q {
	all := make([]any, 0, len(filters)+1)
	all = append(all, scope)
	for _, f := range filters {
		all = append(all, f)
	}
	return Q{"bool": Q{"filter": all}}
}

func statusCount(status string) Q {
	return Q{"filter": Q{"term": Q{fieldTestStatus: status}}}
}

func nested(aggs Q) Q {
	return Q{"nested": Q{"path": fieldTests}, "aggs": aggs}
}

// SuiteOverviewQuery groups tests by suite and averages the wall time of the
// reports each suite appears in.
func SuiteOverviewQuery(scope Q) Q {
	return Q{
		"size":  0,
		"query": scoped(scope),
		"aggs": Q{
			"tests": nested(Q{
				"suites": Q{
					"terms": Q{"field": fieldTestSuite, "missing": UncategorizedSuite, "size": maxSuites},
					"aggs": Q{
						"passed":  statusCount("passed"),
						"failed":  statusCount("failed"),
						"skipped": statusCount("skipped"),
						"reports": Q{
							"reverse_nested": Q{},
							"aggs": Q{
								"avg_duration": Q{"avg": Q{"script": Q{
									"lang":   "painless",
									"source": "doc['results.summary.stop'].value - doc['results.summary.start'].value",
								}}},
							},
						},
					},
				},
			}),
		},
	}
}

// TrendsQuery sums report summaries per calendar day over the last days days
// counted back from now.
func TrendsQuery(scope Q, days int, now time.Time) Q {
	since := now.UTC().AddDate(0, 0, -days)
	sum := func(field string) Q { return Q{"sum": Q{"field": "results.summary." + field}} }
	return Q{
		"size":  0,
		"query": scoped(scope, Q{"range": Q{fieldTimestamp: Q{"gte": since.Format(time.RFC3339)}}}),
		"aggs": Q{
			"daily": Q{
				"date_histogram": Q{
					"field":             fieldTimestamp,
					"calendar_interval": "day",
					"format":            "yyyy-MM-dd",
					"min_doc_count":     0,
				},
				"aggs": Q{
					"total":   sum("tests"),
					"passed":  sum("passed"),
					"failed":  sum("failed"),
					"skipped": sum("skipped"),
				},
			},
		},
	}
}

// durationRanges are the fixed histogram buckets in milliseconds.
var durationRanges = []struct {
	Label    string
	From, To float64
}{
	{"0-1s", 0, 1000},
	{"1-5s", 1000, 5000},
	{"5-10s", 5000, 10000},
	{"10-30s", 10000, 30000},
	{"30s+", 30000, 0},
}

// DurationQuery buckets individual test durations and computes global stats.
func DurationQuery(scope Q) Q {
	ranges := make([]any, 0, len(durationRanges))
	for _, r := range durationRanges {
		rng := Q{"key": r.Label, "from": r.From}
		if r.To > 0 {
			rng["to"] = r.To
		}
		ranges = append(ranges, rng)
	}
	return Q{
		"size":  0,
		"query": scoped(scope),
		"aggs": Q{
			"tests": nested(Q{
				"ranges": Q{
					"range": Q{"field": fieldTestDur, "ranges": ranges},
					"aggs": Q{
						"avg": Q{"avg": Q{"field": fieldTestDur}},
						"max": Q{"max": Q{"field": fieldTestDur}},
						"min": Q{"min": Q{"field": fieldTestDur}},
					},
				},
				"overall": Q{"stats": Q{"field": fieldTestDur}},
			}),
		},
	}
}

// ErrorsQuery groups failed tests by message.
func ErrorsQuery(scope Q) Q {
	return Q{
		"size":  0,
		"query": scoped(scope),
		"aggs": Q{
			"tests": nested(Q{
				"failed": Q{
					"filter": Q{"term": Q{fieldTestStatus: "failed"}},
					"aggs": Q{
						"messages": Q{
							"terms": Q{"field": fieldTestMessage, "missing": UnknownError, "size": maxErrorGroups},
							"aggs": Q{
								"tests": Q{"terms": Q{"field": fieldTestName, "size": maxAffectedTests}},
							},
						},
					},
				},
			}),
		},
	}
}

// FlakyTestsQuery collects the status histogram and explicit flaky markers
// per test name.
func FlakyTestsQuery(scope Q) Q {
	return Q{
		"size":  0,
		"query": scoped(scope),
		"aggs": Q{
			"tests": nested(Q{
				"names": Q{
					"terms": Q{"field": fieldTestName, "size": maxFlakyNames},
					"aggs": Q{
						"statuses": Q{"terms": Q{"field": fieldTestStatus, "size": 10}},
						"marked":   Q{"filter": Q{"term": Q{fieldTestFlaky: true}}},
					},
				},
			}),
		},
	}
}

// FlakyTestRunsQuery returns the most recent reports containing testName with
// the matching test entries as inner hits.
func FlakyTestRunsQuery(scope Q, testName string, limit int) Q {
	return Q{
		"size":    limit,
		"sort":    []any{Q{fieldTimestamp: Q{"order": "desc"}}},
		"_source": []string{"reportId", "timestamp"},
		"query": scoped(scope, Q{"nested": Q{
			"path":  fieldTests,
			"query": Q{"term": Q{fieldTestName: testName}},
			"inner_hits": Q{
				"name": "runs",
				"size": 10,
			},
		}}),
	}
}

// ReportFilter narrows the report listing.
type ReportFilter struct {
	Page        int
	Size        int
	Status      string
	Tool        string
	Environment string
}

// Normalize clamps page to at least 1 and size to [1, MaxPageSize].
func (f ReportFilter) Normalize() ReportFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Size <= 0 {
		f.Size = DefaultPageSize
	}
	if f.Size > MaxPageSize {
		f.Size = MaxPageSize
	}
	return f
}

// ReportsQuery lists reports newest first.
func ReportsQuery(scope Q, f ReportFilter) Q {
	f = f.Normalize()
	var filters []Q
	if f.Status != "" {
		filters = append(filters, Q{"nested": Q{"path": fieldTests, "query": Q{"term": Q{fieldTestStatus: f.Status}}}})
	}
	if f.Tool != "" {
		filters = append(filters, Q{"term": Q{fieldToolName: f.Tool}})
	}
	if f.Environment != "" {
		filters = append(filters, Q{"term": Q{fieldEnvironment: f.Environment}})
	}
	return Q{
		"from":             (f.Page - 1) * f.Size,
		"size":             f.Size,
		"track_total_hits": true,
		"sort":             []any{Q{fieldTimestamp: Q{"order": "desc"}}},
		"query":            scoped(scope, filters...),
	}
}

// ReportByIDQuery fetches one report visible to the scope.
func ReportByIDQuery(scope Q, id string) Q {
	return Q{
		"size":  1,
		"query": scoped(scope, Q{"ids": Q{"values": []string{id}}}),
	}
}
