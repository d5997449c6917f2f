// Package analytics builds the team-scoped search requests behind every
// analytics view and shapes the raw backend responses into typed records.
package analytics

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"reportlens/internal/apperr"
	"reportlens/internal/auth"
	"reportlens/internal/domain"
	"reportlens/internal/search"
)

// InvalidDaysMessage is returned verbatim for an out-of-range trend window.
const InvalidDaysMessage = "Invalid days parameter. Must be between 1 and 365."

// Meta sources and backend health labels.
const (
	SourceBackend  = "search-backend"
	SourceDegraded = "degraded"

	HealthHealthy     = "healthy"
	HealthUnavailable = "unavailable"
)

type TeamResolver interface {
	TeamIDs(ctx context.Context, subject string) ([]string, error)
}

// Meta describes where an analytics answer came from.
type Meta struct {
	Source        string `json:"source"`
	Index         string `json:"index"`
	Timestamp     string `json:"timestamp" format:"date-time"`
	BackendHealth string `json:"backendHealth"`
}

// Result is the success body of every analytics view.
type Result[T any] struct {
	Data T    `json:"data"`
	Meta Meta `json:"meta"`
}

type Service struct {
	Indexes *search.Manager
	Teams   TeamResolver
	Log     logrus.FieldLogger
	Now     func() time.Time
	// Degraded turns BackendUnavailable on reads into empty answers.
	Degraded bool
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) log() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

func (s *Service) meta(source, health string) Meta {
	return Meta{
		Source:        source,
		Index:         s.Indexes.Index(),
		Timestamp:     s.now().UTC().Format(time.RFC3339),
		BackendHealth: health,
	}
}

// Scope resolves the caller's team scope. Resolution failures fail closed.
func (s *Service) Scope(ctx context.Context, p auth.Principal) (Q, error) {
	teams, err := s.Teams.TeamIDs(ctx, p.Subject)
	if err != nil {
		return nil, err
	}
	return TeamScope(teams, p.Subject), nil
}

// run executes one view query. In degraded mode an unreachable backend
// yields an empty body and degraded meta instead of an error.
func (s *Service) run(ctx context.Context, p auth.Principal, view string, build func(scope Q) Q) ([]byte, Meta, error) {
	scope, err := s.Scope(ctx, p)
	if err != nil {
		return nil, Meta{}, err
	}
	body, err := s.search(ctx, build(scope))
	if err != nil {
		if s.Degraded && search.IsUnavailable(err) {
			s.log().WithError(err).WithField("view", view).Warn("serving degraded analytics")
			return []byte(`{}`), s.meta(SourceDegraded, HealthUnavailable), nil
		}
		return nil, Meta{}, err
	}
	return body, s.meta(SourceBackend, HealthHealthy), nil
}

func (s *Service) search(ctx context.Context, query Q) ([]byte, error) {
	if err := s.Indexes.EnsureIndexExists(ctx); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(query)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, apperr.SourceInternal, err, "encode query")
	}
	return s.Indexes.Backend().Search(ctx, s.Indexes.Index(), payload)
}

func shapeFailed(err error) error {
	return apperr.Wrap(apperr.QueryExecutionFailed, apperr.SourceSearchBackend, err, "unexpected backend response")
}

func (s *Service) SuiteOverview(ctx context.Context, p auth.Principal) (Result[[]domain.SuiteOverview], error) {
	body, meta, err := s.run(ctx, p, "suite-overview", SuiteOverviewQuery)
	if err != nil {
		return Result[[]domain.SuiteOverview]{}, err
	}
	data, err := ShapeSuiteOverview(body)
	if err != nil {
		return Result[[]domain.SuiteOverview]{}, shapeFailed(err)
	}
	return Result[[]domain.SuiteOverview]{Data: data, Meta: meta}, nil
}

// ValidateDays checks the trend window.
func ValidateDays(days int) error {
	if days < MinDays || days > MaxDays {
		return apperr.Validation(InvalidDaysMessage, []apperr.Violation{{Field: "days", Message: "must be between 1 and 365"}})
	}
	return nil
}

func (s *Service) Trends(ctx context.Context, p auth.Principal, days int) (Result[[]domain.TrendPoint], error) {
	if err := ValidateDays(days); err != nil {
		return Result[[]domain.TrendPoint]{}, err
	}
	now := s.now()
	body, meta, err := s.run(ctx, p, "trends", func(scope Q) Q { return TrendsQuery(scope, days, now) })
	if err != nil {
		return Result[[]domain.TrendPoint]{}, err
	}
	data, err := ShapeTrends(body)
	if err != nil {
		return Result[[]domain.TrendPoint]{}, shapeFailed(err)
	}
	return Result[[]domain.TrendPoint]{Data: data, Meta: meta}, nil
}

func (s *Service) Duration(ctx context.Context, p auth.Principal) (Result[domain.DurationHistogram], error) {
	body, meta, err := s.run(ctx, p, "duration", DurationQuery)
	if err != nil {
		return Result[domain.DurationHistogram]{}, err
	}
	data, err := ShapeDuration(body)
	if err != nil {
		return Result[domain.DurationHistogram]{}, shapeFailed(err)
	}
	return Result[domain.DurationHistogram]{Data: data, Meta: meta}, nil
}

func (s *Service) Errors(ctx context.Context, p auth.Principal) (Result[[]domain.ErrorGroup], error) {
	body, meta, err := s.run(ctx, p, "errors", ErrorsQuery)
	if err != nil {
		return Result[[]domain.ErrorGroup]{}, err
	}
	data, err := ShapeErrors(body)
	if err != nil {
		return Result[[]domain.ErrorGroup]{}, shapeFailed(err)
	}
	return Result[[]domain.ErrorGroup]{Data: data, Meta: meta}, nil
}

func (s *Service) FlakyTests(ctx context.Context, p auth.Principal) (Result[[]domain.FlakyTest], error) {
	body, meta, err := s.run(ctx, p, "flaky-tests", FlakyTestsQuery)
	if err != nil {
		return Result[[]domain.FlakyTest]{}, err
	}
	data, err := ShapeFlakyTests(body)
	if err != nil {
		return Result[[]domain.FlakyTest]{}, shapeFailed(err)
	}
	return Result[[]domain.FlakyTest]{Data: data, Meta: meta}, nil
}

func (s *Service) FlakyTestRuns(ctx context.Context, p auth.Principal, testName string, limit int) (Result[[]domain.TestRun], error) {
	testName = strings.TrimSpace(testName)
	if testName == "" {
		return Result[[]domain.TestRun]{}, apperr.Validation("testName is required", []apperr.Violation{{Field: "testName", Message: "is required"}})
	}
	if limit <= 0 {
		limit = DefaultRunsLimit
	}
	if limit > MaxRunsLimit {
		limit = MaxRunsLimit
	}
	body, meta, err := s.run(ctx, p, "flaky-test-runs", func(scope Q) Q { return FlakyTestRunsQuery(scope, testName, limit) })
	if err != nil {
		return Result[[]domain.TestRun]{}, err
	}
	data, err := ShapeTestRuns(body, testName)
	if err != nil {
		return Result[[]domain.TestRun]{}, shapeFailed(err)
	}
	return Result[[]domain.TestRun]{Data: data, Meta: meta}, nil
}

// Health probes the backend. It never fails; connectivity is reported in the
// data.
func (s *Service) Health(ctx context.Context) Result[domain.Health] {
	h := s.Indexes.Health(ctx)
	health := HealthHealthy
	if !h.Connected {
		health = HealthUnavailable
	}
	return Result[domain.Health]{Data: h, Meta: s.meta(SourceBackend, health)}
}

// Reports lists the caller's visible reports newest first.
func (s *Service) Reports(ctx context.Context, p auth.Principal, f ReportFilter) (ReportPage, error) {
	f = f.Normalize()
	body, _, err := s.run(ctx, p, "reports", func(scope Q) Q { return ReportsQuery(scope, f) })
	if err != nil {
		return ReportPage{}, err
	}
	page, err := ShapeReports(body, f)
	if err != nil {
		return ReportPage{}, shapeFailed(err)
	}
	return page, nil
}

// Report returns one report visible to the caller.
func (s *Service) Report(ctx context.Context, p auth.Principal, id string) (domain.StoredReport, error) {
	scope, err := s.Scope(ctx, p)
	if err != nil {
		return domain.StoredReport{}, err
	}
	body, err := s.search(ctx, ReportByIDQuery(scope, id))
	if err != nil {
		return domain.StoredReport{}, err
	}
	rep, ok, err := ShapeReport(body, id)
	if err != nil {
		return domain.StoredReport{}, shapeFailed(err)
	}
	if !ok {
		return domain.StoredReport{}, apperr.New(apperr.NotFound, apperr.SourceRequest, "report not found")
	}
	return rep, nil
}
