package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportlens/internal/analytics"
	"reportlens/internal/apperr"
	"reportlens/internal/auth"
	"reportlens/internal/db"
	"reportlens/internal/domain"
	"reportlens/internal/events"
	"reportlens/internal/ingest"
	"reportlens/internal/logging"
	"reportlens/internal/migrate"
	"reportlens/internal/repo"
	"reportlens/internal/search"
	"reportlens/internal/search/searchtest"
	"reportlens/internal/teams"
)

// stubAuth accepts a fixed set of opaque tokens.
type stubAuth map[string]auth.Principal

func (s stubAuth) Verify(_ context.Context, token string) (auth.Principal, error) {
	if p, ok := s[token]; ok {
		return p, nil
	}
	return auth.Principal{}, apperr.New(apperr.AuthInvalid, apperr.SourceIdentityProvider, "invalid token")
}

var principals = stubAuth{
	"reader":  {Subject: "u1", Roles: auth.NewRoles([]string{"readonly"})},
	"outside": {Subject: "u2", Roles: auth.NewRoles([]string{"readonly"})},
	"writer":  {Subject: "u1", Roles: auth.NewRoles([]string{"maintainer"})},
	"owner":   {Subject: "admin", Roles: auth.NewRoles([]string{"owner"})},
}

type testServer struct {
	URL    string
	client *http.Client
	fake   *searchtest.Fake
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, configure func(*Config)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := logging.Discard()
	r := repo.Repo{DB: conn}
	audit := events.Writer{DB: conn}
	resolver := teams.Resolver{Store: r, Log: log}
	fake := searchtest.New()
	indexes := search.NewManager(fake, "reports", log)

	cfg := Config{
		Analytics: &analytics.Service{Indexes: indexes, Teams: resolver, Log: log},
		Ingestor:  &ingest.Ingestor{Indexes: indexes, Teams: resolver, Audit: audit, Log: log},
		Teams:     teams.Service{Repo: r, Events: audit, Log: log},
		Events:    r,
		Auth:      principals,
		BasePath:  "/v0",
		Log:       log,
	}
	if configure != nil {
		configure(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String() + "/v0",
		client: &http.Client{Timeout: 10 * time.Second},
		fake:   fake,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doRaw(t *testing.T, client *http.Client, method, url, token string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func doJSON(t *testing.T, client *http.Client, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		raw = b
	}
	return doRaw(t, client, method, url, token, raw)
}

type errorBody struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Source  string            `json:"source"`
	Details []json.RawMessage `json:"details"`
}

func decodeError(t *testing.T, data []byte) errorBody {
	t.Helper()
	var e errorBody
	require.NoError(t, json.Unmarshal(data, &e), string(data))
	return e
}

const (
	reportTool        = `{"name":"jest","version":"29.7.0"}`
	reportSummary     = `{"tests":2,"passed":1,"failed":1,"skipped":0,"pending":0,"other":0,"start":1714550400000,"stop":1714550460000}`
	reportTests       = `[{"name":"adds","status":"passed","duration":12,"suite":"math"},{"name":"divides","status":"failed","duration":30.5,"message":"expected 2","flaky":true,"retries":1}]`
	reportEnvironment = `{"testEnvironment":"ci","branchName":"main","buildNumber":"42"}`
	reportExtra       = `{"ci":{"run":42}}`
)

var sampleReport = `{"reportFormat":"CTRF","specVersion":"1.0.0","results":{"tool":` + reportTool +
	`,"summary":` + reportSummary + `,"tests":` + reportTests + `,"environment":` + reportEnvironment +
	`,"extra":` + reportExtra + `}}`

func TestRoutesRequireBearerToken(t *testing.T) {
	srv := newTestServer(t, nil)
	routes := []struct{ method, path string }{
		{http.MethodPost, "/reports"},
		{http.MethodGet, "/reports"},
		{http.MethodGet, "/reports/abc"},
		{http.MethodGet, "/analytics/suite-overview"},
		{http.MethodGet, "/analytics/trends?days=7"},
		{http.MethodGet, "/analytics/duration"},
		{http.MethodGet, "/analytics/errors"},
		{http.MethodGet, "/analytics/flaky-tests"},
		{http.MethodGet, "/analytics/flaky-test-runs?testName=adds"},
		{http.MethodGet, "/analytics/health"},
		{http.MethodGet, "/teams"},
		{http.MethodGet, "/me"},
		{http.MethodGet, "/events"},
	}
	headers := map[string]string{
		"missing":    "",
		"unknown":    "Bearer nope",
		"wrong kind": "Basic cmVhZGVyOg==",
	}
	for _, route := range routes {
		for name, authz := range headers {
			t.Run(route.method+" "+route.path+" "+name, func(t *testing.T) {
				req, err := http.NewRequest(route.method, srv.URL+route.path, strings.NewReader(sampleReport))
				require.NoError(t, err)
				if authz != "" {
					req.Header.Set("Authorization", authz)
				}
				res, err := srv.Client().Do(req)
				require.NoError(t, err)
				data, _ := io.ReadAll(res.Body)
				res.Body.Close()

				assert.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
				assert.True(t, strings.HasPrefix(res.Header.Get("WWW-Authenticate"), "Bearer"))
				assert.Equal(t, "auth_invalid", decodeError(t, data).Code)
			})
		}
	}
	assert.Equal(t, 0, srv.fake.Calls(""), "rejected requests never reach the backend")
}

func TestPublicRoutes(t *testing.T) {
	srv := newTestServer(t, nil)

	res, data := doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/healthz", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	res, data = doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var oas struct {
		Paths      map[string]any `json:"paths"`
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(data, &oas))
	assert.Contains(t, oas.Paths, "/v0/analytics/trends")
	assert.Contains(t, oas.Components.SecuritySchemes, "bearerAuth")

	res, _ = doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/docs", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data = doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Code)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, nil)

	res, data := doRaw(t, srv.Client(), http.MethodDelete, srv.URL+"/analytics/trends", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, res.StatusCode, string(data))
	assert.Equal(t, "Method not allowed. Supported methods: GET", decodeError(t, data).Error)
	assert.Equal(t, "GET", res.Header.Get("Allow"))

	res, data = doRaw(t, srv.Client(), http.MethodPut, srv.URL+"/reports", "writer", nil)
	require.Equal(t, http.StatusMethodNotAllowed, res.StatusCode, string(data))
	assert.Equal(t, "Method not allowed. Supported methods: GET, POST", decodeError(t, data).Error)
	assert.Equal(t, 0, srv.fake.Calls(""))
}

func TestTrendsDaysValidation(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, days := range []string{"0", "-5", "366", "abc", "1.5"} {
		t.Run(days, func(t *testing.T) {
			res, data := doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/analytics/trends?days="+days, "reader", nil)
			require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
			e := decodeError(t, data)
			assert.Equal(t, analytics.InvalidDaysMessage, e.Error)
			assert.Equal(t, "validation_failed", e.Code)
		})
	}
	assert.Equal(t, 0, srv.fake.Calls("Search"))

	for _, query := range []string{"?days=1", "?days=365", ""} {
		res, data := doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/analytics/trends"+query, "reader", nil)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var body analytics.Result[[]domain.TrendPoint]
		require.NoError(t, json.Unmarshal(data, &body))
		assert.Equal(t, []domain.TrendPoint{}, body.Data)
		assert.Equal(t, analytics.SourceBackend, body.Meta.Source)
		assert.Equal(t, "reports", body.Meta.Index)
	}
	assert.Equal(t, 3, srv.fake.Calls("Search"))
}

func TestReportRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil)

	res, data := doRaw(t, srv.Client(), http.MethodPost, srv.URL+"/reports", "writer", []byte(sampleReport))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var receipt ingest.Receipt
	require.NoError(t, json.Unmarshal(data, &receipt))
	_, err := uuid.Parse(receipt.ID)
	require.NoError(t, err, "server assigns a report id")
	assert.Equal(t, 2, receipt.Summary.Tests)

	res, data = doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/reports", "reader", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page analytics.ReportPage
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Reports, 1)
	got := page.Reports[0]
	assert.Equal(t, receipt.ID, got.ID)
	assert.NotEmpty(t, got.Timestamp)
	assert.Equal(t, reportTool, string(got.Tool))
	assert.Equal(t, reportSummary, string(got.Summary))
	assert.Equal(t, reportTests, string(got.Tests))
	assert.Equal(t, reportEnvironment, string(got.Environment))
	assert.Equal(t, reportExtra, string(got.Extra))
	require.NotNil(t, got.Metadata)
	assert.Equal(t, "u1", got.Metadata.UploadedBy)
	assert.Equal(t, []string{}, got.Metadata.UserTeams)

	res, data = doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/reports/"+receipt.ID, "reader", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var one domain.StoredReport
	require.NoError(t, json.Unmarshal(data, &one))
	assert.Equal(t, reportTests, string(one.Tests))

	res, data = doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/reports/"+uuid.NewString(), "reader", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestReportListClampsPaging(t *testing.T) {
	srv := newTestServer(t, nil)

	res, data := doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/reports?size=200&page=0", "reader", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page analytics.ReportPage
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Equal(t, 100, page.Pagination.Size)
	assert.Equal(t, 1, page.Pagination.Page)
	assert.Equal(t, []domain.StoredReport{}, page.Reports)

	require.Len(t, srv.fake.Queries, 1)
	var sent struct {
		From int `json:"from"`
		Size int `json:"size"`
	}
	require.NoError(t, json.Unmarshal(srv.fake.Queries[0], &sent))
	assert.Equal(t, 0, sent.From)
	assert.Equal(t, 100, sent.Size)
}

func TestUploadRequiresMaintainer(t *testing.T) {
	srv := newTestServer(t, nil)

	res, data := doRaw(t, srv.Client(), http.MethodPost, srv.URL+"/reports", "reader", []byte(sampleReport))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "forbidden", decodeError(t, data).Code)
	assert.Equal(t, 0, srv.fake.Calls("IndexDocument"))
}

func TestUploadRejectsInvalidReport(t *testing.T) {
	srv := newTestServer(t, nil)

	res, data := doRaw(t, srv.Client(), http.MethodPost, srv.URL+"/reports", "writer", []byte(`{"reportFormat":"JUnit","specVersion":"1"}`))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	e := decodeError(t, data)
	assert.Equal(t, "Invalid CTRF report", e.Error)
	assert.GreaterOrEqual(t, len(e.Details), 3)
	assert.Equal(t, 0, srv.fake.Calls("IndexDocument"))
}

func TestBackendOutage(t *testing.T) {
	outage := apperr.New(apperr.BackendUnavailable, apperr.SourceSearchBackend, "connection refused")

	t.Run("strict", func(t *testing.T) {
		srv := newTestServer(t, nil)
		srv.fake.Err = outage
		res, data := doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/analytics/suite-overview", "reader", nil)
		require.Equal(t, http.StatusServiceUnavailable, res.StatusCode, string(data))
		e := decodeError(t, data)
		assert.Equal(t, "backend_unavailable", e.Code)
		assert.Equal(t, string(apperr.SourceSearchBackend), e.Source)
	})

	t.Run("degraded", func(t *testing.T) {
		srv := newTestServer(t, func(cfg *Config) { cfg.Analytics.Degraded = true })
		srv.fake.Err = outage
		res, data := doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/analytics/suite-overview", "reader", nil)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var body analytics.Result[[]domain.SuiteOverview]
		require.NoError(t, json.Unmarshal(data, &body))
		assert.Empty(t, body.Data)
		assert.Equal(t, analytics.SourceDegraded, body.Meta.Source)
		assert.Equal(t, analytics.HealthUnavailable, body.Meta.BackendHealth)

		res, data = doRaw(t, srv.Client(), http.MethodPost, srv.URL+"/reports", "writer", []byte(sampleReport))
		assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode, "writes never degrade: %s", data)
	})

	t.Run("health", func(t *testing.T) {
		srv := newTestServer(t, nil)
		srv.fake.Err = outage
		res, data := doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/analytics/health", "reader", nil)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var body analytics.Result[domain.Health]
		require.NoError(t, json.Unmarshal(data, &body))
		assert.False(t, body.Data.Connected)
		assert.Equal(t, analytics.HealthUnavailable, body.Meta.BackendHealth)
	})
}

func TestTeamAdministration(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/teams", "reader", map[string]any{"name": "Checkout Web"})
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/teams", "owner", map[string]any{"name": "Checkout Web"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var team domain.Team
	require.NoError(t, json.Unmarshal(data, &team))
	assert.Equal(t, "checkout-web", team.ID)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/teams", "owner", map[string]any{"name": "Checkout Web"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/teams/checkout-web/members", "owner", map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var member domain.TeamMember
	require.NoError(t, json.Unmarshal(data, &member))
	assert.Equal(t, repo.MemberRole, member.Role)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/teams/missing/members", "owner", map[string]any{"user_id": "u1"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doRaw(t, client, http.MethodGet, srv.URL+"/me", "reader", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me MeResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "u1", me.Subject)
	assert.Equal(t, auth.RoleReadonly, me.Role)
	require.Len(t, me.Teams, 1)
	assert.Equal(t, "checkout-web", me.Teams[0].ID)

	res, data = doRaw(t, client, http.MethodGet, srv.URL+"/teams/checkout-web", "reader", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var detail teams.TeamDetail
	require.NoError(t, json.Unmarshal(data, &detail))
	assert.Len(t, detail.Members, 2)

	res, _ = doRaw(t, client, http.MethodGet, srv.URL+"/teams/checkout-web", "outside", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = doRaw(t, client, http.MethodGet, srv.URL+"/teams?all=true", "reader", nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = doRaw(t, client, http.MethodGet, srv.URL+"/teams?all=true", "owner", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list TeamList
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list.Items, 1)

	// Upload after joining: the report carries the new team.
	res, data = doRaw(t, client, http.MethodPost, srv.URL+"/reports", "writer", []byte(sampleReport))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var receipt ingest.Receipt
	require.NoError(t, json.Unmarshal(data, &receipt))
	stored, err := srv.fake.GetDocument(context.Background(), "reports", receipt.ID)
	require.NoError(t, err)
	assert.Contains(t, string(stored), `"userTeams":["checkout-web"]`)
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/teams", "owner", map[string]any{"id": "web", "name": "Web"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/teams/web/members", "owner", map[string]any{"user_id": "u1", "role": "admin"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, _ = doRaw(t, client, http.MethodGet, srv.URL+"/events", "writer", nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = doRaw(t, client, http.MethodGet, srv.URL+"/events?limit=1", "owner", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var first paginatedEvents
	require.NoError(t, json.Unmarshal(data, &first))
	require.Len(t, first.Items, 1)
	assert.Equal(t, events.MemberAdded, first.Items[0].Type)
	require.NotEmpty(t, first.NextCursor)

	res, data = doRaw(t, client, http.MethodGet, srv.URL+"/events?limit=1&cursor="+first.NextCursor, "owner", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var second paginatedEvents
	require.NoError(t, json.Unmarshal(data, &second))
	require.Len(t, second.Items, 1)
	assert.Equal(t, events.TeamCreated, second.Items[0].Type)
	assert.Empty(t, second.NextCursor)

	res, _ = doRaw(t, client, http.MethodGet, srv.URL+"/events?cursor=abc", "owner", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestBasePathIsOptional(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) { cfg.BasePath = "" })
	root := strings.TrimSuffix(srv.URL, "/v0")

	res, data := doRaw(t, srv.Client(), http.MethodGet, root+"/analytics/errors", "reader", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, _ = doRaw(t, srv.Client(), http.MethodGet, root+"/analytics/errors", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res, _ = doRaw(t, srv.Client(), http.MethodGet, root+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
