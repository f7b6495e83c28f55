// Package authadapter implements the AuthAdapter boundary described in
// §4.H of the fabric design: it turns an inbound HTTP upgrade request
// into a Principal, or rejects the connection outright. Grounded in the
// teacher's internal/v1/auth package: JWKS-cached JWT verification via
// golang-jwt/jwt/v5 + lestrrat-go/jwx/v2, with the same keyFunc-by-kid
// shape. The JWKS adapter always cryptographically verifies the
// signature and never trusts claims from an unverified token; DevAdapter
// is a development-only fallback that performs no verification.
package authadapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/clusterwire/fabric/pkg/principal"
)

// CustomClaims is the JWT claim set the fabric expects: subject as user
// id, an optional display name, and a scope string used to derive
// AccessLevel (admin access requires the "admin" scope).
type CustomClaims struct {
	Scope string `json:"scope"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// AuthAdapter turns an upgrade request into a Principal or rejects it.
// Implementations only return an error on failure; the caller (Server),
// which owns the socket lifecycle, closes the connection with code 4001
// AUTH_FAILED (§6).
type AuthAdapter interface {
	Authenticate(ctx context.Context, r *http.Request) (principal.Principal, error)
}

// JWKSAdapter verifies bearer tokens against a JWKS endpoint, refreshed
// on an interval by jwx's cache, exactly as the teacher's Validator does.
type JWKSAdapter struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewJWKSAdapter builds a JWKSAdapter for the given issuer/audience pair.
// It eagerly fetches the JWKS once to fail fast on misconfiguration.
func NewJWKSAdapter(ctx context.Context, issuer, audience string) (*JWKSAdapter, error) {
	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("authadapter: failed to parse issuer URL: %w", err)
	}
	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithRefreshInterval(1*time.Hour)); err != nil {
		return nil, fmt.Errorf("authadapter: failed to register JWKS cache: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("authadapter: failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("authadapter: kid header not found")
		}
		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("authadapter: failed to get keys from cache: %w", err)
		}
		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("authadapter: key with kid %s not found", kid)
		}
		var pubKey any
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("authadapter: failed to get raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &JWKSAdapter{keyFunc: keyFunc, issuer: issuerURL.String(), audience: audience}, nil
}

// tokenFromRequest extracts a bearer token from, in order: the
// Authorization header, the "token" query parameter (needed since
// browser WebSocket clients cannot set custom headers on the upgrade
// request), and a "fabric_token" cookie.
func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if c, err := r.Cookie("fabric_token"); err == nil {
		return c.Value
	}
	return ""
}

func (a *JWKSAdapter) Authenticate(_ context.Context, r *http.Request) (principal.Principal, error) {
	tokenString := tokenFromRequest(r)
	if tokenString == "" {
		return principal.Principal{}, errors.New("authadapter: no bearer token present")
	}

	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, a.keyFunc,
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
	)
	if err != nil {
		return principal.Principal{}, fmt.Errorf("authadapter: failed to parse token: %w", err)
	}
	if !token.Valid {
		return principal.Principal{}, errors.New("authadapter: token is invalid")
	}
	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return principal.Principal{}, errors.New("authadapter: failed to cast claims")
	}

	level := principal.AccessUser
	if claims.Scope == "admin" {
		level = principal.AccessAdmin
	}
	return principal.Principal{
		UserID:       claims.Subject,
		DisplayName:  claims.Name,
		AccessLevel:  level,
		LastActionTS: time.Now(),
	}, nil
}

// DevAdapter is a non-cryptographic fallback for local development,
// mirroring the teacher's MockValidator: it trusts a plain "dev_user"
// query parameter as the user id and reads no token. It must never be
// wired in production configuration.
type DevAdapter struct{}

func (DevAdapter) Authenticate(_ context.Context, r *http.Request) (principal.Principal, error) {
	if user := r.URL.Query().Get("dev_user"); user != "" {
		return principal.Principal{UserID: user, DisplayName: user, AccessLevel: principal.AccessUser, LastActionTS: time.Now()}, nil
	}
	return principal.Principal{}, errors.New("authadapter: no dev_user query parameter present")
}

var _ AuthAdapter = (*JWKSAdapter)(nil)
var _ AuthAdapter = DevAdapter{}
