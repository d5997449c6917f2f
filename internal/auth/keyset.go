package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"reportlens/internal/apperr"
)

const (
	// DefaultKeySetTTL bounds how long a fetched key set is trusted.
	DefaultKeySetTTL = time.Hour
	// DefaultMinRefreshInterval limits refreshes caused by unknown key ids.
	DefaultMinRefreshInterval = 10 * time.Second
	// DefaultFetchTimeout bounds one key set download.
	DefaultFetchTimeout = 10 * time.Second
	maxKeySetBytes      = 1 << 20
)

// KeySet is an immutable snapshot of the remote signing keys.
type KeySet struct {
	Keys      jose.JSONWebKeySet
	FetchedAt time.Time
}

func (s *KeySet) fresh(now time.Time, ttl time.Duration) bool {
	return s != nil && now.Sub(s.FetchedAt) < ttl
}

func (s *KeySet) lookup(kid string) (jose.JSONWebKey, bool) {
	if s == nil {
		return jose.JSONWebKey{}, false
	}
	matches := s.Keys.Key(kid)
	for _, k := range matches {
		if k.Use == "" || k.Use == "sig" {
			return k, true
		}
	}
	return jose.JSONWebKey{}, false
}

// Fetcher retrieves the current key set from its publisher.
type Fetcher interface {
	Fetch(ctx context.Context) (jose.JSONWebKeySet, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (jose.JSONWebKeySet, error)

func (f FetcherFunc) Fetch(ctx context.Context) (jose.JSONWebKeySet, error) { return f(ctx) }

var defaultClient = cleanhttp.DefaultPooledClient()

// HTTPFetcher downloads a JWKS document. A nil Client uses a shared pooled
// client.
type HTTPFetcher struct {
	URL    string
	Client *http.Client
}

func (f HTTPFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return defaultClient
}

func (f HTTPFetcher) Fetch(ctx context.Context) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	req.Header.Set("Accept", "application/json")
	res, err := f.client().Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks endpoint returned %s", res.Status)
	}
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(res.Body, maxKeySetBytes)).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}
	if len(set.Keys) == 0 {
		return jose.JSONWebKeySet{}, errors.New("jwks contains no keys")
	}
	return set, nil
}

// KeySetCache holds one key set snapshot, replaced wholesale on refresh.
// Readers never observe a partially updated set.
type KeySetCache struct {
	fetcher Fetcher
	ttl     time.Duration
	log     logrus.FieldLogger

	// Now and MinRefreshInterval are exported for tests.
	Now                func() time.Time
	MinRefreshInterval time.Duration
	FetchTimeout       time.Duration

	current atomic.Pointer[KeySet]
	group   singleflight.Group
}

func NewKeySetCache(fetcher Fetcher, ttl time.Duration, log logrus.FieldLogger) *KeySetCache {
	if ttl <= 0 {
		ttl = DefaultKeySetTTL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &KeySetCache{
		fetcher:            fetcher,
		ttl:                ttl,
		log:                log.WithField("component", "keyset"),
		Now:                time.Now,
		MinRefreshInterval: DefaultMinRefreshInterval,
		FetchTimeout:       DefaultFetchTimeout,
	}
}

func (c *KeySetCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Store replaces the cached snapshot.
func (c *KeySetCache) Store(set *KeySet) { c.current.Store(set) }

// Snapshot returns the cached snapshot, nil before the first fetch.
func (c *KeySetCache) Snapshot() *KeySet { return c.current.Load() }

// Key resolves the verification key for kid, fetching the key set when the
// cache is empty, expired, or does not know kid.
func (c *KeySetCache) Key(ctx context.Context, kid string) (any, error) {
	now := c.now()
	seen := c.current.Load()
	valid := seen.fresh(now, c.ttl)
	if valid {
		if k, ok := seen.lookup(kid); ok {
			return k.Key, nil
		}
		if now.Sub(seen.FetchedAt) < c.MinRefreshInterval {
			return nil, apperr.New(apperr.AuthInvalid, apperr.SourceIdentityProvider, fmt.Sprintf("unknown signing key %q", kid))
		}
	}

	set, err := c.refresh(ctx, seen)
	if err != nil {
		if valid {
			c.log.WithError(err).Warn("key set refresh failed; keeping cached keys")
			return nil, apperr.New(apperr.AuthInvalid, apperr.SourceIdentityProvider, fmt.Sprintf("unknown signing key %q", kid))
		}
		return nil, apperr.Wrap(apperr.KeySetUnavailable, apperr.SourceIdentityProvider, err, "signing keys unavailable")
	}
	if k, ok := set.lookup(kid); ok {
		return k.Key, nil
	}
	return nil, apperr.New(apperr.AuthInvalid, apperr.SourceIdentityProvider, fmt.Sprintf("unknown signing key %q", kid))
}

// refresh fetches a new snapshot unless another caller already replaced seen
// with a fresh one. Concurrent refreshes share a single fetch, which outlives
// any one caller's cancellation; each caller stops waiting on its own ctx.
func (c *KeySetCache) refresh(ctx context.Context, seen *KeySet) (*KeySet, error) {
	ch := c.group.DoChan("jwks", func() (any, error) {
		if cur := c.current.Load(); cur != nil && cur != seen && cur.fresh(c.now(), c.ttl) {
			return cur, nil
		}
		timeout := c.FetchTimeout
		if timeout <= 0 {
			timeout = DefaultFetchTimeout
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		keys, err := c.fetcher.Fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		set := &KeySet{Keys: keys, FetchedAt: c.now()}
		c.current.Store(set)
		c.log.WithField("keys", len(keys.Keys)).Debug("key set refreshed")
		return set, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*KeySet), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
