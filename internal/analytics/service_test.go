package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportlens/internal/apperr"
	"reportlens/internal/auth"
	"reportlens/internal/logging"
	"reportlens/internal/search"
	"reportlens/internal/search/searchtest"
)

type staticTeams map[string][]string

func (s staticTeams) TeamIDs(_ context.Context, subject string) ([]string, error) {
	return s[subject], nil
}

type failingTeams struct{}

func (failingTeams) TeamIDs(context.Context, string) ([]string, error) {
	return nil, apperr.Wrap(apperr.DependencyUnavailable, apperr.SourceMembershipStore, errors.New("locked"), "team membership unavailable")
}

var fixedNow = time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC)

func newTestService(fake *searchtest.Fake, teams TeamResolver) *Service {
	return &Service{
		Indexes: search.NewManager(fake, "reports", logging.Discard()),
		Teams:   teams,
		Log:     logging.Discard(),
		Now:     func() time.Time { return fixedNow },
	}
}

var user = auth.Principal{Subject: "u1", Roles: auth.NewRoles([]string{"readonly"})}

func TestServiceFlakyTestsEndToEnd(t *testing.T) {
	fake := searchtest.New()
	fake.SearchFunc = func(index string, body []byte) ([]byte, error) {
		return []byte(`{"aggregations":{"tests":{"names":{"buckets":[
			{"key":"checkout","doc_count":10,"statuses":{"buckets":[{"key":"passed","doc_count":7},{"key":"failed","doc_count":3}]},"marked":{"doc_count":0}}
		]}}}}`), nil
	}
	svc := newTestService(fake, staticTeams{"u1": {"web"}})

	res, err := svc.FlakyTests(context.Background(), user)
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, 30.0, res.Data[0].FlakyScorePct)
	assert.True(t, res.Data[0].IsFlaky)
	assert.Equal(t, Meta{Source: SourceBackend, Index: "reports", Timestamp: "2024-05-31T12:00:00Z", BackendHealth: HealthHealthy}, res.Meta)

	require.Len(t, fake.Queries, 1)
	assert.Contains(t, string(fake.Queries[0]), `"metadata.userTeams":["web"]`)
	assert.Equal(t, 1, fake.Calls("CreateIndex"), "index is ensured before the first query")
}

func TestServiceTeamResolutionFailsClosed(t *testing.T) {
	fake := searchtest.New()
	svc := newTestService(fake, failingTeams{})

	_, err := svc.SuiteOverview(context.Background(), user)
	assert.True(t, apperr.Is(err, apperr.DependencyUnavailable))
	assert.Equal(t, 0, fake.Calls(""), "no backend call without a team scope")
}

func TestServiceBackendUnavailable(t *testing.T) {
	fake := searchtest.New()
	fake.Err = apperr.New(apperr.BackendUnavailable, apperr.SourceSearchBackend, "unreachable")
	svc := newTestService(fake, staticTeams{})

	_, err := svc.Errors(context.Background(), user)
	assert.True(t, apperr.Is(err, apperr.BackendUnavailable))

	svc.Degraded = true
	res, err := svc.Errors(context.Background(), user)
	require.NoError(t, err)
	assert.Empty(t, res.Data)
	assert.NotNil(t, res.Data)
	assert.Equal(t, SourceDegraded, res.Meta.Source)
	assert.Equal(t, HealthUnavailable, res.Meta.BackendHealth)

	page, err := svc.Reports(context.Background(), user, ReportFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Reports)
}

func TestServiceDegradedDoesNotHideQueryFailures(t *testing.T) {
	fake := searchtest.New()
	fake.SearchFunc = func(string, []byte) ([]byte, error) {
		return nil, apperr.New(apperr.QueryExecutionFailed, apperr.SourceSearchBackend, "parse exception")
	}
	svc := newTestService(fake, staticTeams{})
	svc.Degraded = true

	_, err := svc.Duration(context.Background(), user)
	assert.True(t, apperr.Is(err, apperr.QueryExecutionFailed))
}

func TestServiceTrendsValidatesBeforeQuerying(t *testing.T) {
	fake := searchtest.New()
	svc := newTestService(fake, staticTeams{})

	_, err := svc.Trends(context.Background(), user, 366)
	assert.True(t, apperr.Is(err, apperr.ValidationFailed))
	assert.Equal(t, 0, fake.Calls(""))

	_, err = svc.Trends(context.Background(), user, 365)
	assert.NoError(t, err)
}

func TestServiceReportLookup(t *testing.T) {
	fake := searchtest.New()
	ctx := context.Background()
	svc := newTestService(fake, staticTeams{})
	require.NoError(t, svc.Indexes.EnsureIndexExists(ctx))
	doc := map[string]any{
		"reportFormat": "CTRF", "specVersion": "1.0.0", "reportId": "r1", "timestamp": "2024-05-01T00:00:00Z",
		"results":  map[string]any{"tool": map[string]any{"name": "jest"}, "summary": map[string]any{"tests": 0}, "tests": []any{}},
		"metadata": map[string]any{"uploadedBy": "u1", "userTeams": []string{}, "uploadedAt": "2024-05-01T00:00:00Z"},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, fake.IndexDocument(ctx, "reports", "r1", raw, true))

	rep, err := svc.Report(ctx, user, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", rep.ID)
	assert.Equal(t, "u1", rep.Metadata.UploadedBy)

	_, err = svc.Report(ctx, user, "nope")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestServiceFlakyTestRunsRequiresName(t *testing.T) {
	svc := newTestService(searchtest.New(), staticTeams{})
	_, err := svc.FlakyTestRuns(context.Background(), user, " ", 10)
	assert.True(t, apperr.Is(err, apperr.ValidationFailed))
}

func TestServiceHealth(t *testing.T) {
	fake := searchtest.New()
	res := newTestService(fake, staticTeams{}).Health(context.Background())
	assert.True(t, res.Data.Connected)
	assert.Equal(t, HealthHealthy, res.Meta.BackendHealth)

	fake.Err = apperr.New(apperr.BackendUnavailable, apperr.SourceSearchBackend, "down")
	res = newTestService(fake, staticTeams{}).Health(context.Background())
	assert.False(t, res.Data.Connected)
	assert.Equal(t, HealthUnavailable, res.Meta.BackendHealth)
}
