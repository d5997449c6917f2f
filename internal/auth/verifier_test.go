package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportlens/internal/apperr"
	"reportlens/internal/logging"
)

const (
	testIssuer   = "https://idp.example.test/realms/qa"
	testAudience = "reportlens"
	testClientID = "reportlens"
)

type signer struct {
	kid string
	key *rsa.PrivateKey
}

func newSigner(t *testing.T, kid string) signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return signer{kid: kid, key: key}
}

func (s signer) jwk() jose.JSONWebKey {
	return jose.JSONWebKey{Key: &s.key.PublicKey, KeyID: s.kid, Algorithm: "RS256", Use: "sig"}
}

func (s signer) sign(t *testing.T, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	out, err := tok.SignedString(s.key)
	require.NoError(t, err)
	return out
}

func validClaims(now time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		PreferredUsername: "ada",
		RealmAccess:       roleList{Roles: []string{"readonly"}},
		ResourceAccess: map[string]roleList{
			testClientID: {Roles: []string{"maintainer"}},
			"other-app":  {Roles: []string{"owner"}},
		},
	}
}

// jwksServer serves whatever key set is currently configured and counts hits.
type jwksServer struct {
	*httptest.Server
	mu    sync.Mutex
	keys  []jose.JSONWebKey
	fail  atomic.Bool
	calls atomic.Int32
}

func newJWKSServer(t *testing.T, keys ...jose.JSONWebKey) *jwksServer {
	t.Helper()
	s := &jwksServer{keys: keys}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		if s.fail.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: s.keys})
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) setKeys(keys ...jose.JSONWebKey) {
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
}

func newTestVerifier(url string) (*Verifier, *KeySetCache) {
	cache := NewKeySetCache(HTTPFetcher{URL: url}, time.Hour, logging.Discard())
	cache.MinRefreshInterval = 0
	return NewVerifier(cache, VerifierConfig{Issuer: testIssuer, Audience: testAudience, ClientID: testClientID}), cache
}

func TestVerifyValidToken(t *testing.T) {
	s := newSigner(t, "k1")
	srv := newJWKSServer(t, s.jwk())
	v, _ := newTestVerifier(srv.URL)

	p, err := v.Verify(context.Background(), s.sign(t, validClaims(time.Now())))
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.Subject)
	assert.Equal(t, "ada", p.Username)
	assert.Equal(t, []string{"maintainer", "readonly"}, p.Roles.List(), "only the configured client's roles are merged")
	assert.EqualValues(t, 1, srv.calls.Load())

	_, err = v.Verify(context.Background(), s.sign(t, validClaims(time.Now())))
	require.NoError(t, err)
	assert.EqualValues(t, 1, srv.calls.Load(), "second verification is served from cache")
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	s := newSigner(t, "k1")
	other := newSigner(t, "k1")
	srv := newJWKSServer(t, s.jwk())
	v, _ := newTestVerifier(srv.URL)
	now := time.Now()

	expired := validClaims(now)
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
	wrongIssuer := validClaims(now)
	wrongIssuer.Issuer = "https://evil.example.test"
	wrongAudience := validClaims(now)
	wrongAudience.Audience = jwt.ClaimStrings{"someone-else"}
	noSubject := validClaims(now)
	noSubject.Subject = ""
	noExpiry := validClaims(now)
	noExpiry.ExpiresAt = nil

	cases := map[string]string{
		"malformed":      "not-a-token",
		"empty":          "  ",
		"expired":        s.sign(t, expired),
		"wrong issuer":   s.sign(t, wrongIssuer),
		"wrong audience": s.sign(t, wrongAudience),
		"no subject":     s.sign(t, noSubject),
		"no expiry":      s.sign(t, noExpiry),
		"bad signature":  other.sign(t, validClaims(now)),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tok)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.AuthInvalid), "got %v", err)
		})
	}
}

func TestVerifyRejectsHMACTokens(t *testing.T) {
	s := newSigner(t, "k1")
	srv := newJWKSServer(t, s.jwk())
	v, _ := newTestVerifier(srv.URL)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(time.Now()))
	tok.Header["kid"] = "k1"
	raw, err := tok.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), raw)
	assert.True(t, apperr.Is(err, apperr.AuthInvalid))
}

func TestKeyRotationRefreshesOnUnknownKid(t *testing.T) {
	old := newSigner(t, "old")
	rotated := newSigner(t, "new")
	srv := newJWKSServer(t, old.jwk())
	v, _ := newTestVerifier(srv.URL)

	_, err := v.Verify(context.Background(), old.sign(t, validClaims(time.Now())))
	require.NoError(t, err)

	srv.setKeys(rotated.jwk())
	_, err = v.Verify(context.Background(), rotated.sign(t, validClaims(time.Now())))
	require.NoError(t, err)
	assert.EqualValues(t, 2, srv.calls.Load())
}

func TestKeySetUnavailableWithoutCache(t *testing.T) {
	s := newSigner(t, "k1")
	srv := newJWKSServer(t, s.jwk())
	srv.fail.Store(true)
	v, _ := newTestVerifier(srv.URL)

	_, err := v.Verify(context.Background(), s.sign(t, validClaims(time.Now())))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KeySetUnavailable), "got %v", err)
}

func TestFreshCacheSurvivesFetchFailure(t *testing.T) {
	s := newSigner(t, "k1")
	stranger := newSigner(t, "k2")
	srv := newJWKSServer(t, s.jwk())
	v, _ := newTestVerifier(srv.URL)

	_, err := v.Verify(context.Background(), s.sign(t, validClaims(time.Now())))
	require.NoError(t, err)

	srv.fail.Store(true)
	_, err = v.Verify(context.Background(), stranger.sign(t, validClaims(time.Now())))
	assert.True(t, apperr.Is(err, apperr.AuthInvalid), "unknown kid with a valid cache is a token problem, got %v", err)

	_, err = v.Verify(context.Background(), s.sign(t, validClaims(time.Now())))
	assert.NoError(t, err)
}

func TestExpiredCacheIsRefetched(t *testing.T) {
	s := newSigner(t, "k1")
	fetches := 0
	cache := NewKeySetCache(FetcherFunc(func(context.Context) (jose.JSONWebKeySet, error) {
		fetches++
		return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{s.jwk()}}, nil
	}), time.Hour, logging.Discard())
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cache.Now = func() time.Time { return clock }

	_, err := cache.Key(context.Background(), "k1")
	require.NoError(t, err)
	clock = clock.Add(59 * time.Minute)
	_, err = cache.Key(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, 1, fetches)

	clock = clock.Add(2 * time.Minute)
	_, err = cache.Key(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)
	assert.Equal(t, clock, cache.Snapshot().FetchedAt)
}

func TestExpiredCacheAndFailingFetch(t *testing.T) {
	s := newSigner(t, "k1")
	cache := NewKeySetCache(FetcherFunc(func(context.Context) (jose.JSONWebKeySet, error) {
		return jose.JSONWebKeySet{}, errors.New("connection refused")
	}), time.Hour, logging.Discard())
	cache.Store(&KeySet{
		Keys:      jose.JSONWebKeySet{Keys: []jose.JSONWebKey{s.jwk()}},
		FetchedAt: time.Now().Add(-2 * time.Hour),
	})

	_, err := cache.Key(context.Background(), "k1")
	assert.True(t, apperr.Is(err, apperr.KeySetUnavailable))
}

func TestUnknownKidWithinMinRefreshIntervalDoesNotFetch(t *testing.T) {
	s := newSigner(t, "k1")
	var fetches atomic.Int32
	cache := NewKeySetCache(FetcherFunc(func(context.Context) (jose.JSONWebKeySet, error) {
		fetches.Add(1)
		return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{s.jwk()}}, nil
	}), time.Hour, logging.Discard())

	_, err := cache.Key(context.Background(), "k1")
	require.NoError(t, err)
	_, err = cache.Key(context.Background(), "missing")
	assert.True(t, apperr.Is(err, apperr.AuthInvalid))
	assert.EqualValues(t, 1, fetches.Load())
}

func TestConcurrentColdLookupsShareOneFetch(t *testing.T) {
	s := newSigner(t, "k1")
	var fetches atomic.Int32
	release := make(chan struct{})
	cache := NewKeySetCache(FetcherFunc(func(context.Context) (jose.JSONWebKeySet, error) {
		fetches.Add(1)
		<-release
		return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{s.jwk()}}, nil
	}), time.Hour, logging.Discard())

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Key(context.Background(), "k1")
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, fetches.Load())
}

func TestCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	s := newSigner(t, "k1")
	var fetches atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	cache := NewKeySetCache(FetcherFunc(func(ctx context.Context) (jose.JSONWebKeySet, error) {
		if fetches.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{s.jwk()}}, nil
		case <-ctx.Done():
			return jose.JSONWebKeySet{}, ctx.Err()
		}
	}), time.Hour, logging.Discard())

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := cache.Key(leaderCtx, "k1")
		leaderErr <- err
	}()
	<-started

	followerErr := make(chan error, 1)
	go func() {
		_, err := cache.Key(context.Background(), "k1")
		followerErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.Error(t, <-leaderErr)
	close(release)
	require.NoError(t, <-followerErr)
	assert.EqualValues(t, 1, fetches.Load())
	assert.NotNil(t, cache.Snapshot())
}

func TestHTTPFetcherSharesDefaultClient(t *testing.T) {
	s := newSigner(t, "k1")
	srv := newJWKSServer(t, s.jwk())
	f := HTTPFetcher{URL: srv.URL}

	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background())
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, srv.calls.Load())
	assert.Same(t, f.client(), HTTPFetcher{URL: "http://other"}.client(), "fetchers without a client share one pool")

	own := &http.Client{}
	assert.Same(t, own, HTTPFetcher{Client: own}.client())
}
