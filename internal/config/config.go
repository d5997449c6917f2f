package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultIndex        = "ctrf-reports"
	DefaultKeySetTTL    = time.Hour
	DefaultQueryTimeout = 30 * time.Second
)

// Config models reportlens.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWKSURL   string        `yaml:"jwks_url"`
		Issuer    string        `yaml:"issuer"`
		Audience  string        `yaml:"audience"`
		ClientID  string        `yaml:"client_id"`
		KeySetTTL time.Duration `yaml:"key_set_ttl"`
	} `yaml:"auth"`
	Search struct {
		Addresses      []string      `yaml:"addresses"`
		Username       string        `yaml:"username"`
		Password       string        `yaml:"password"`
		Index          string        `yaml:"index"`
		QueryTimeout   time.Duration `yaml:"query_timeout"`
		RefreshOnWrite bool          `yaml:"refresh_on_write"`
	} `yaml:"search"`
	Store struct {
		Workspace string `yaml:"workspace"`
	} `yaml:"store"`
	Mode struct {
		// DegradedReads turns backend outages on read paths into empty
		// results. Test and demo environments only.
		DegradedReads bool `yaml:"degraded_reads"`
	} `yaml:"mode"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Auth.JWKSURL == "" {
		return fmt.Errorf("config.auth.jwks_url is required")
	}
	if u, err := url.Parse(c.Auth.JWKSURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.auth.jwks_url must be an absolute URL")
	}
	if c.Auth.KeySetTTL <= 0 {
		return fmt.Errorf("config.auth.key_set_ttl must be positive")
	}
	if len(c.Search.Addresses) == 0 {
		return fmt.Errorf("config.search.addresses is required")
	}
	for _, addr := range c.Search.Addresses {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("config.search.addresses contains an empty address")
		}
	}
	if c.Search.Index == "" {
		return fmt.Errorf("config.search.index is required")
	}
	if c.Search.QueryTimeout <= 0 {
		return fmt.Errorf("config.search.query_timeout must be positive")
	}
	if c.Store.Workspace == "" {
		return fmt.Errorf("config.store.workspace is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reportlens.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return parse(data)
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

// Overlay applies values set through viper (flags, REPORTLENS_* env vars)
// on top of c. Keys use the YAML paths, e.g. "search.index".
func (c *Config) Overlay(v *viper.Viper) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}
	boolean := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	str("server.addr", &c.Server.Addr)
	str("server.base_path", &c.Server.BasePath)
	str("auth.jwks_url", &c.Auth.JWKSURL)
	str("auth.issuer", &c.Auth.Issuer)
	str("auth.audience", &c.Auth.Audience)
	str("auth.client_id", &c.Auth.ClientID)
	dur("auth.key_set_ttl", &c.Auth.KeySetTTL)
	if v.IsSet("search.addresses") {
		var addrs []string
		for _, part := range v.GetStringSlice("search.addresses") {
			for _, a := range strings.Split(part, ",") {
				if a = strings.TrimSpace(a); a != "" {
					addrs = append(addrs, a)
				}
			}
		}
		c.Search.Addresses = addrs
	}
	str("search.username", &c.Search.Username)
	str("search.password", &c.Search.Password)
	str("search.index", &c.Search.Index)
	dur("search.query_timeout", &c.Search.QueryTimeout)
	boolean("search.refresh_on_write", &c.Search.RefreshOnWrite)
	str("store.workspace", &c.Store.Workspace)
	boolean("mode.degraded_reads", &c.Mode.DegradedReads)
	str("log.level", &c.Log.Level)
	str("log.format", &c.Log.Format)
}

// Keys lists every key understood by Overlay.
func Keys() []string {
	return []string{
		"server.addr", "server.base_path",
		"auth.jwks_url", "auth.issuer", "auth.audience", "auth.client_id", "auth.key_set_ttl",
		"search.addresses", "search.username", "search.password", "search.index",
		"search.query_timeout", "search.refresh_on_write",
		"store.workspace",
		"mode.degraded_reads",
		"log.level", "log.format",
	}
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: ""

auth:
  jwks_url: http://localhost:8180/realms/reportlens/protocol/openid-connect/certs
  issuer: http://localhost:8180/realms/reportlens
  audience: ""
  client_id: reportlens
  key_set_ttl: 1h

search:
  addresses: [http://localhost:9200]
  username: ""
  password: ""
  index: ` + DefaultIndex + `
  query_timeout: 30s
  refresh_on_write: false

store:
  workspace: .

mode:
  degraded_reads: false

log:
  level: info
  format: text
`
