package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"reportlens/internal/analytics"
	"reportlens/internal/apperr"
	"reportlens/internal/ingest"
	"reportlens/internal/repo"
	"reportlens/internal/teams"
)

// Config for the HTTP API handler.
type Config struct {
	Analytics *analytics.Service
	Ingestor  *ingest.Ingestor
	Teams     teams.Service
	Events    repo.Repo
	Auth      Authenticator
	BasePath  string
	Log       logrus.FieldLogger
}

// apiError is the error envelope returned by every route.
type apiError struct {
	status  int
	Message string `json:"error" example:"Invalid days parameter. Must be between 1 and 365."`
	Code    string `json:"code" example:"validation_failed"`
	Source  string `json:"source,omitempty" example:"request"`
	Details []any  `json:"details,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

var tracer = otel.Tracer("reportlens/http")

type server struct {
	cfg Config
	log logrus.FieldLogger
}

// New returns an HTTP handler exposing the reportlens API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Analytics == nil || cfg.Ingestor == nil || cfg.Auth == nil {
		return nil, fmt.Errorf("server: analytics, ingestor and authenticator are required")
	}
	basePath := strings.TrimRight(cfg.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &server{cfg: cfg, log: log.WithField("component", "http")}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", apperr.SourceRequest, msg, errorDetails(errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", apperr.SourceRequest, msg, errorDetails(errs))
	}

	router := chi.NewRouter()
	public := map[string]bool{
		path.Join("/", basePath, "healthz"):      true,
		path.Join("/", basePath, "openapi.json"): true,
		path.Join("/", basePath, "docs"):         true,
	}
	router.Use(middleware.RequestID)
	router.Use(s.requestLogger)
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(router, public, cfg.Auth, s.log))
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondStatusError(w, newAPIError(http.StatusNotFound, "", apperr.SourceRequest, "Not found", nil))
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		allowed := allowedMethods(router, r.URL.Path)
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		respondStatusError(w, newAPIError(http.StatusMethodNotAllowed, "method_not_allowed", apperr.SourceRequest,
			"Method not allowed. Supported methods: "+strings.Join(allowed, ", "), nil))
	})

	hcfg := huma.DefaultConfig("reportlens API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hcfg.SchemasPath = ""
	// Bodies carry no $schema links.
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)
	var group huma.API = api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	registerDocs(router, basePath)
	registerHealth(group)
	s.registerReports(group)
	s.registerAnalytics(group)
	s.registerTeams(group)
	s.registerEvents(group)
	registerOpenAPI(router, api, basePath, public)

	return router, nil
}

var probeMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

func allowedMethods(router chi.Routes, p string) []string {
	var out []string
	for _, m := range probeMethods {
		if router.Match(chi.NewRouteContext(), m, p) {
			out = append(out, m)
		}
	}
	return out
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", ww.Status()))
		fields := logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}
		if sc := span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
		}
		s.log.WithFields(fields).Debug("request")
	})
}

func newAPIError(status int, code string, source apperr.Source, message string, details []any) *apiError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Message: message, Code: code, Source: string(source), Details: details}
}

func errorDetails(errs []error) []any {
	if len(errs) == 0 {
		return nil
	}
	out := make([]any, 0, len(errs))
	for _, err := range errs {
		if ed, ok := err.(*huma.ErrorDetail); ok {
			out = append(out, apperr.Violation{Field: ed.Location, Message: ed.Message})
			continue
		}
		out = append(out, apperr.Violation{Message: err.Error()})
	}
	return out
}

var statusByKind = map[apperr.Kind]int{
	apperr.AuthInvalid:           http.StatusUnauthorized,
	apperr.Forbidden:             http.StatusForbidden,
	apperr.ValidationFailed:      http.StatusBadRequest,
	apperr.NotFound:              http.StatusNotFound,
	apperr.BackendUnavailable:    http.StatusServiceUnavailable,
	apperr.KeySetUnavailable:     http.StatusServiceUnavailable,
	apperr.DependencyUnavailable: http.StatusServiceUnavailable,
	apperr.QueryExecutionFailed:  http.StatusInternalServerError,
	apperr.Internal:              http.StatusInternalServerError,
}

// toStatusError maps a classified error to the response envelope. Server
// side failures are logged with the captured stack.
func toStatusError(log logrus.FieldLogger, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if se, ok := err.(huma.StatusError); ok {
		return se
	}
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Wrap(apperr.Internal, apperr.SourceInternal, err, "")
	}
	status := statusByKind[e.Kind]
	msg := e.Message
	if status >= http.StatusInternalServerError {
		entry := log.WithError(err).WithFields(logrus.Fields{"kind": e.Kind.String(), "source": string(e.Source)})
		if status == http.StatusInternalServerError {
			entry.WithField("stack", apperr.Stack(e.Err)).Error("request failed")
		} else {
			entry.Warn("dependency unavailable")
		}
		if e.Kind == apperr.Internal {
			msg = "internal error"
		} else if e.Err != nil && msg != "" {
			msg = e.Error()
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return newAPIError(status, e.Kind.String(), e.Source, msg, e.Details)
}

func (s *server) fail(err error) huma.StatusError {
	return toStatusError(s.log, err)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "auth_invalid"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join("/", basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, public map[string]bool) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get(path.Join("/", basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, public)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	if oas.Components != nil && oas.Components.Schemas != nil {
		oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, public map[string]bool) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>reportlens API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; issued by the identity provider.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Liveness check",
	}, func(_ context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}
