package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"reportlens/internal/apperr"
)

var signingMethods = []string{
	jwt.SigningMethodRS256.Alg(),
	jwt.SigningMethodRS384.Alg(),
	jwt.SigningMethodRS512.Alg(),
	jwt.SigningMethodES256.Alg(),
	jwt.SigningMethodES384.Alg(),
}

type VerifierConfig struct {
	Issuer   string
	Audience string
	// ClientID selects the resource_access entry whose roles are merged
	// with the realm roles.
	ClientID string
	Leeway   time.Duration
}

type roleList struct {
	Roles []string `json:"roles"`
}

// Claims is the token payload understood by the verifier.
type Claims struct {
	jwt.RegisteredClaims
	PreferredUsername string              `json:"preferred_username,omitempty"`
	Email             string              `json:"email,omitempty"`
	Roles             []string            `json:"roles,omitempty"`
	RealmAccess       roleList            `json:"realm_access"`
	ResourceAccess    map[string]roleList `json:"resource_access,omitempty"`
}

// Verifier validates bearer tokens against the cached remote key set.
type Verifier struct {
	keys   *KeySetCache
	cfg    VerifierConfig
	parser *jwt.Parser
}

func NewVerifier(keys *KeySetCache, cfg VerifierConfig) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(signingMethods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{keys: keys, cfg: cfg, parser: jwt.NewParser(opts...)}
}

// Verify parses token and returns the caller's principal.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, apperr.New(apperr.AuthInvalid, apperr.SourceRequest, "bearer token required")
	}
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header has no kid")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		if e, ok := apperr.As(err); ok && e.Kind == apperr.KeySetUnavailable {
			return Principal{}, e
		}
		return Principal{}, apperr.Wrap(apperr.AuthInvalid, apperr.SourceIdentityProvider, err, "invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, apperr.New(apperr.AuthInvalid, apperr.SourceIdentityProvider, "subject claim required")
	}
	var clientRoles []string
	if v.cfg.ClientID != "" {
		clientRoles = claims.ResourceAccess[v.cfg.ClientID].Roles
	}
	return Principal{
		Subject:  claims.Subject,
		Username: claims.PreferredUsername,
		Email:    claims.Email,
		Roles:    NewRoles(claims.RealmAccess.Roles, claims.Roles, clientRoles),
	}, nil
}
