package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"reportlens/internal/apperr"
)

// DefaultQueryTimeout is the ceiling applied to every read.
const DefaultQueryTimeout = 30 * time.Second

var tracer = otel.Tracer("reportlens/search")

type ElasticConfig struct {
	Addresses []string
	Username  string
	Password  string
	// QueryTimeout bounds each request; zero means DefaultQueryTimeout.
	QueryTimeout time.Duration
	DisableRetry bool
	Transport    http.RoundTripper
}

// Elastic is the Backend backed by an Elasticsearch cluster.
type Elastic struct {
	es      *elasticsearch.Client
	timeout time.Duration
	log     logrus.FieldLogger
}

func NewElastic(cfg ElasticConfig, log logrus.FieldLogger) (*Elastic, error) {
	transport := cfg.Transport
	if transport == nil {
		transport = cleanhttp.DefaultPooledTransport()
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Transport:    transport,
		DisableRetry: cfg.DisableRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Elastic{es: es, timeout: timeout, log: log.WithField("component", "search")}, nil
}

// do runs one request under the query ceiling inside a span and turns
// transport failures and error statuses into classified errors. The response
// body is fully read before returning.
func (e *Elastic) do(ctx context.Context, op, index string, call func(ctx context.Context) (*esapi.Response, error)) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "search."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "elasticsearch"),
		attribute.String("db.operation", op),
		attribute.String("db.elasticsearch.index", index),
	)

	start := time.Now()
	res, err := call(ctx)
	if err != nil {
		cerr := classifyTransport(ctx, op, err)
		span.RecordError(cerr)
		span.SetStatus(codes.Error, cerr.Error())
		e.log.WithError(err).WithField("op", op).Warn("search request failed")
		return 0, nil, cerr
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		cerr := classifyTransport(ctx, op, err)
		span.RecordError(cerr)
		span.SetStatus(codes.Error, cerr.Error())
		return res.StatusCode, nil, cerr
	}
	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))
	e.log.WithFields(logrus.Fields{"op": op, "status": res.StatusCode, "took": time.Since(start)}).Debug("search request")
	return res.StatusCode, body, nil
}

func (e *Elastic) IndexExists(ctx context.Context, index string) (bool, error) {
	status, body, err := e.do(ctx, "index_exists", index, func(ctx context.Context) (*esapi.Response, error) {
		return e.es.Indices.Exists([]string{index}, e.es.Indices.Exists.WithContext(ctx))
	})
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, statusError("index_exists", status, body)
}

func (e *Elastic) CreateIndex(ctx context.Context, index string, mapping []byte) error {
	status, body, err := e.do(ctx, "create_index", index, func(ctx context.Context) (*esapi.Response, error) {
		return e.es.Indices.Create(index,
			e.es.Indices.Create.WithContext(ctx),
			e.es.Indices.Create.WithBody(bytes.NewReader(mapping)),
		)
	})
	if err != nil {
		return err
	}
	if status < 300 {
		return nil
	}
	if parseError(body).Type == "resource_already_exists_exception" {
		return ErrIndexExists
	}
	return statusError("create_index", status, body)
}

func (e *Elastic) IndexDocument(ctx context.Context, index, id string, doc []byte, refresh bool) error {
	status, body, err := e.do(ctx, "index", index, func(ctx context.Context) (*esapi.Response, error) {
		opts := []func(*esapi.IndexRequest){
			e.es.Index.WithContext(ctx),
			e.es.Index.WithDocumentID(id),
		}
		if refresh {
			opts = append(opts, e.es.Index.WithRefresh("true"))
		}
		return e.es.Index(index, bytes.NewReader(doc), opts...)
	})
	if err != nil {
		return err
	}
	if status >= 300 {
		return statusError("index", status, body)
	}
	return nil
}

func (e *Elastic) GetDocument(ctx context.Context, index, id string) ([]byte, error) {
	status, body, err := e.do(ctx, "get", index, func(ctx context.Context) (*esapi.Response, error) {
		return e.es.Get(index, id, e.es.Get.WithContext(ctx))
	})
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrDocumentNotFound
	}
	if status >= 300 {
		return nil, statusError("get", status, body)
	}
	var doc struct {
		Found  bool            `json:"found"`
		Source json.RawMessage `json:"_source"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, apperr.Wrap(apperr.QueryExecutionFailed, apperr.SourceSearchBackend, err, "decode document")
	}
	if !doc.Found {
		return nil, ErrDocumentNotFound
	}
	return doc.Source, nil
}

func (e *Elastic) Search(ctx context.Context, index string, query []byte) ([]byte, error) {
	status, body, err := e.do(ctx, "search", index, func(ctx context.Context) (*esapi.Response, error) {
		return e.es.Search(
			e.es.Search.WithContext(ctx),
			e.es.Search.WithIndex(index),
			e.es.Search.WithBody(bytes.NewReader(query)),
			e.es.Search.WithTrackTotalHits(true),
		)
	})
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, statusError("search", status, body)
	}
	return body, nil
}

func (e *Elastic) Count(ctx context.Context, index string) (int64, error) {
	status, body, err := e.do(ctx, "count", index, func(ctx context.Context) (*esapi.Response, error) {
		return e.es.Count(e.es.Count.WithContext(ctx), e.es.Count.WithIndex(index))
	})
	if err != nil {
		return 0, err
	}
	if status >= 300 {
		return 0, statusError("count", status, body)
	}
	var out struct {
		Count int64 `json:"count"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, apperr.Wrap(apperr.QueryExecutionFailed, apperr.SourceSearchBackend, err, "decode count")
	}
	return out.Count, nil
}

func (e *Elastic) ClusterHealth(ctx context.Context) (string, error) {
	status, body, err := e.do(ctx, "cluster_health", "", func(ctx context.Context) (*esapi.Response, error) {
		return e.es.Cluster.Health(e.es.Cluster.Health.WithContext(ctx))
	})
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", statusError("cluster_health", status, body)
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", apperr.Wrap(apperr.QueryExecutionFailed, apperr.SourceSearchBackend, err, "decode cluster health")
	}
	return out.Status, nil
}

type backendError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func parseError(body []byte) backendError {
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &env) != nil || len(env.Error) == 0 {
		return backendError{}
	}
	var be backendError
	if json.Unmarshal(env.Error, &be) != nil {
		var s string
		if json.Unmarshal(env.Error, &s) == nil {
			be.Reason = s
		}
	}
	return be
}

// statusError classifies an error response. Gateway and availability
// statuses mean the backend is unreachable; anything else is a failed query.
func statusError(op string, status int, body []byte) error {
	be := parseError(body)
	msg := fmt.Sprintf("%s returned status %d", op, status)
	if be.Type != "" || be.Reason != "" {
		msg = fmt.Sprintf("%s: %s %s", msg, be.Type, be.Reason)
	}
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return apperr.New(apperr.BackendUnavailable, apperr.SourceSearchBackend, strings.TrimSpace(msg))
	}
	return apperr.New(apperr.QueryExecutionFailed, apperr.SourceSearchBackend, strings.TrimSpace(msg))
}

func classifyTransport(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.QueryExecutionFailed, apperr.SourceSearchBackend, err, op+" timed out")
	}
	if errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.QueryExecutionFailed, apperr.SourceSearchBackend, err, op+" canceled")
	}
	var netErr net.Error
	if errors.Is(err, syscall.ECONNREFUSED) || errors.As(err, &netErr) {
		return apperr.Wrap(apperr.BackendUnavailable, apperr.SourceSearchBackend, err, "search backend unreachable")
	}
	return apperr.Wrap(apperr.BackendUnavailable, apperr.SourceSearchBackend, err, "search backend request failed")
}

// IsUnavailable reports whether err means the backend could not be reached.
func IsUnavailable(err error) bool {
	return apperr.Is(err, apperr.BackendUnavailable)
}
