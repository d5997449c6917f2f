package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"reportlens/internal/analytics"
	"reportlens/internal/apperr"
	"reportlens/internal/auth"
	"reportlens/internal/domain"
	"reportlens/internal/ingest"
)

const maxReportBytes = 64 << 20

func (s *server) registerReports(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "upload-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Upload a CTRF report",
		DefaultStatus: http.StatusCreated,
		MaxBodyBytes:  maxReportBytes,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		RawBody []byte `contentType:"application/json"`
	}) (*struct {
		Body ingest.Receipt `json:"body"`
	}, error) {
		p, authErr := s.requireRoles(ctx, auth.AtLeast(auth.RoleMaintainer)...)
		if authErr != nil {
			return nil, authErr
		}
		receipt, err := s.cfg.Ingestor.Ingest(ctx, p, input.RawBody)
		if err != nil {
			return nil, s.fail(err)
		}
		return &struct {
			Body ingest.Receipt `json:"body"`
		}{Body: receipt}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List visible reports, newest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Page        int    `query:"page" default:"1"`
		Size        int    `query:"size" default:"20"`
		Status      string `query:"status" enum:"passed,failed,skipped,pending,other"`
		Tool        string `query:"tool"`
		Environment string `query:"environment"`
	}) (*struct {
		Body analytics.ReportPage `json:"body"`
	}, error) {
		p, authErr := s.requireRoles(ctx)
		if authErr != nil {
			return nil, authErr
		}
		page, err := s.cfg.Analytics.Reports(ctx, p, analytics.ReportFilter{
			Page:        input.Page,
			Size:        input.Size,
			Status:      input.Status,
			Tool:        input.Tool,
			Environment: input.Environment,
		})
		if err != nil {
			return nil, s.fail(err)
		}
		return &struct {
			Body analytics.ReportPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{id}",
		Summary:     "Get one report",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.StoredReport `json:"body"`
	}, error) {
		p, authErr := s.requireRoles(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := s.cfg.Analytics.Report(ctx, p, input.ID)
		if err != nil {
			return nil, s.fail(err)
		}
		return &struct {
			Body domain.StoredReport `json:"body"`
		}{Body: rep}, nil
	})
}

// parseDays reads the trend window. An absent value means the default window;
// anything that is not an integer in range is rejected with one message.
func parseDays(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return analytics.DefaultDays, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation(analytics.InvalidDaysMessage, []apperr.Violation{{Field: "days", Message: "must be an integer"}})
	}
	if err := analytics.ValidateDays(days); err != nil {
		return 0, err
	}
	return days, nil
}

type analyticsOutput[T any] struct {
	Body analytics.Result[T] `json:"body"`
}

func respond[T any](s *server, res analytics.Result[T], err error) (*analyticsOutput[T], error) {
	if err != nil {
		return nil, s.fail(err)
	}
	return &analyticsOutput[T]{Body: res}, nil
}

func (s *server) registerAnalytics(api huma.API) {
	readErrors := []int{http.StatusUnauthorized, http.StatusServiceUnavailable}

	huma.Register(api, huma.Operation{
		OperationID: "suite-overview",
		Method:      http.MethodGet,
		Path:        "/analytics/suite-overview",
		Summary:     "Per-suite test counts and average duration",
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*analyticsOutput[[]domain.SuiteOverview], error) {
		p, authErr := s.requireRoles(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.cfg.Analytics.SuiteOverview(ctx, p)
		return respond(s, res, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "trends",
		Method:      http.MethodGet,
		Path:        "/analytics/trends",
		Summary:     "Daily pass/fail trend",
		Errors:      append([]int{http.StatusBadRequest}, readErrors...),
	}, func(ctx context.Context, input *struct {
		Days string `query:"days" doc:"Window in days, 1 to 365" example:"30"`
	}) (*analyticsOutput[[]domain.TrendPoint], error) {
		p, authErr := s.requireRoles(ctx)
		if authErr != nil {
			return nil, authErr
		}
		days, err := parseDays(input.Days)
		if err != nil {
			return nil, s.fail(err)
		}
		res, err := s.cfg.Analytics.Trends(ctx, p, days)
		return respond(s, res, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "duration",
		Method:      http.MethodGet,
		Path:        "/analytics/duration",
		Summary:     "Test duration histogram",
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*analyticsOutput[domain.DurationHistogram], error) {
		p, authErr := s.requireRoles(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.cfg.Analytics.Duration(ctx, p)
		return respond(s, res, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "errors",
		Method:      http.MethodGet,
		Path:        "/analytics/errors",
		Summary:     "Most frequent failure messages",
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*analyticsOutput[[]domain.ErrorGroup], error) {
		p, authErr := s.requireRoles(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.cfg.Analytics.Errors(ctx, p)
		return respond(s, res, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "flaky-tests",
		Method:      http.MethodGet,
		Path:        "/analytics/flaky-tests",
		Summary:     "Tests with mixed outcomes",
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*analyticsOutput[[]domain.FlakyTest], error) {
		p, authErr := s.requireRoles(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.cfg.Analytics.FlakyTests(ctx, p)
		return respond(s, res, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "flaky-test-runs",
		Method:      http.MethodGet,
		Path:        "/analytics/flaky-test-runs",
		Summary:     "Recent runs of one test",
		Errors:      append([]int{http.StatusBadRequest}, readErrors...),
	}, func(ctx context.Context, input *struct {
		TestName string `query:"testName"`
		Limit    int    `query:"limit" default:"20"`
	}) (*analyticsOutput[[]domain.TestRun], error) {
		p, authErr := s.requireRoles(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.cfg.Analytics.FlakyTestRuns(ctx, p, input.TestName, input.Limit)
		return respond(s, res, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "backend-health",
		Method:      http.MethodGet,
		Path:        "/analytics/health",
		Summary:     "Search backend connectivity",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*analyticsOutput[domain.Health], error) {
		if _, authErr := s.requireRoles(ctx); authErr != nil {
			return nil, authErr
		}
		return &analyticsOutput[domain.Health]{Body: s.cfg.Analytics.Health(ctx)}, nil
	})
}
