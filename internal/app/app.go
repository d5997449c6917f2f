// Package app builds the service dependency graph from a Config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"reportlens/internal/analytics"
	"reportlens/internal/auth"
	"reportlens/internal/config"
	"reportlens/internal/db"
	"reportlens/internal/events"
	"reportlens/internal/ingest"
	"reportlens/internal/migrate"
	"reportlens/internal/repo"
	"reportlens/internal/search"
	"reportlens/internal/server"
	"reportlens/internal/teams"
)

// LoadConfig reads the workspace config file when present, then applies
// .env and REPORTLENS_* overrides bound in v, then validates.
func LoadConfig(path string, v *viper.Viper) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return nil, err
	}
	if v != nil {
		cfg.Overlay(v)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// App holds the wired services.
type App struct {
	Config    *config.Config
	Log       logrus.FieldLogger
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Resolver  teams.Resolver
	Teams     teams.Service
	Indexes   *search.Manager
	Analytics *analytics.Service
	Ingestor  *ingest.Ingestor
	Keys      *auth.KeySetCache
	Verifier  *auth.Verifier
}

// Option adjusts the graph before it is returned.
type Option func(*App)

// WithBackend replaces the Elasticsearch backend.
func WithBackend(b search.Backend) Option {
	return func(a *App) {
		a.Indexes = search.NewManager(b, a.Config.Search.Index, a.Log)
		a.Analytics.Indexes = a.Indexes
		a.Ingestor.Indexes = a.Indexes
	}
}

// New opens the membership store, migrates it and wires every service.
func New(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, opts ...Option) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	conn, err := OpenStore(ctx, cfg.Store.Workspace)
	if err != nil {
		return nil, err
	}
	backend, err := search.NewElastic(search.ElasticConfig{
		Addresses:    cfg.Search.Addresses,
		Username:     cfg.Search.Username,
		Password:     cfg.Search.Password,
		QueryTimeout: cfg.Search.QueryTimeout,
	}, log)
	if err != nil {
		conn.Close()
		return nil, err
	}

	a := &App{Config: cfg, Log: log, DB: conn}
	a.Repo = repo.Repo{DB: conn}
	a.Events = events.Writer{DB: conn}
	a.Resolver = teams.Resolver{Store: a.Repo, Log: log.WithField("component", "teams")}
	a.Teams = teams.Service{Repo: a.Repo, Events: a.Events, Log: log.WithField("component", "teams")}
	a.Indexes = search.NewManager(backend, cfg.Search.Index, log)
	a.Analytics = &analytics.Service{
		Indexes:  a.Indexes,
		Teams:    a.Resolver,
		Log:      log.WithField("component", "analytics"),
		Degraded: cfg.Mode.DegradedReads,
	}
	a.Ingestor = &ingest.Ingestor{
		Indexes: a.Indexes,
		Teams:   a.Resolver,
		Audit:   a.Events,
		Log:     log.WithField("component", "ingest"),
		Refresh: cfg.Search.RefreshOnWrite,
	}
	a.Keys = auth.NewKeySetCache(auth.HTTPFetcher{URL: cfg.Auth.JWKSURL, Client: cleanhttp.DefaultPooledClient()}, cfg.Auth.KeySetTTL, log)
	a.Verifier = auth.NewVerifier(a.Keys, auth.VerifierConfig{
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		ClientID: cfg.Auth.ClientID,
	})
	for _, opt := range opts {
		opt(a)
	}
	if cfg.Mode.DegradedReads {
		log.Warn("degraded reads enabled: backend outages on analytics reads return empty results")
	}
	return a, nil
}

// OpenStore opens and migrates the membership store of workspace.
func OpenStore(ctx context.Context, workspace string) (*sql.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Handler builds the HTTP API. authn replaces the token verifier when set.
func (a *App) Handler(authn server.Authenticator) (http.Handler, error) {
	if authn == nil {
		authn = a.Verifier
	}
	return server.New(server.Config{
		Analytics: a.Analytics,
		Ingestor:  a.Ingestor,
		Teams:     a.Teams,
		Events:    a.Repo,
		Auth:      authn,
		BasePath:  a.Config.Server.BasePath,
		Log:       a.Log,
	})
}

func (a *App) Close() error {
	return a.DB.Close()
}
