// Package authn authenticates API keys: bearer JWT with a kid claim equal
// to the key's public_key, verified with HS256 against the key's own id
// as secret; or HTTP Basic using the raw key id as username. Verification
// goes through golang-jwt/jwt/v5.
package authn

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/discodeploy/disco/pkg/disco"
	"github.com/discodeploy/disco/pkg/store"
)

type Authenticator struct {
	db *store.DB
}

func New(db *store.DB) *Authenticator {
	return &Authenticator{db: db}
}

// Authenticate accepts an Authorization header value of either "Bearer
// <jwt>" or "Basic <base64(id:)>" and returns the resolved ApiKey, or a
// *disco.Error with Kind AuthError and Status 401/403.
func (a *Authenticator) Authenticate(ctx context.Context, authHeader string) (*store.ApiKey, error) {
	switch {
	case strings.HasPrefix(authHeader, "Bearer "):
		return a.authenticateBearer(ctx, strings.TrimPrefix(authHeader, "Bearer "))
	case strings.HasPrefix(authHeader, "Basic "):
		return a.authenticateBasic(ctx, strings.TrimPrefix(authHeader, "Basic "))
	default:
		return nil, disco.AuthError(401, "missing credentials")
	}
}

func (a *Authenticator) authenticateBearer(ctx context.Context, token string) (*store.ApiKey, error) {
	var publicKey string
	if _, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{}); err != nil {
		return nil, disco.AuthError(401, "malformed token")
	}
	unverified, _, _ := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if kid, ok := unverified.Header["kid"].(string); ok {
		publicKey = kid
	}
	if publicKey == "" {
		return nil, disco.AuthError(401, "token missing kid")
	}

	key, err := a.db.GetApiKeyByPublicKey(ctx, publicKey)
	if err != nil {
		return nil, disco.AuthError(401, "unknown key")
	}
	if key.DeletedAt != nil {
		return nil, disco.AuthError(403, "key revoked")
	}

	_, err = jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return []byte(key.ID), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, disco.AuthError(401, "invalid token signature")
	}

	a.db.RecordApiKeyUsage(ctx, key.ID, "bearer")
	return key, nil
}

func (a *Authenticator) authenticateBasic(ctx context.Context, encoded string) (*store.ApiKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, disco.AuthError(401, "malformed basic credentials")
	}
	id := strings.SplitN(string(raw), ":", 2)[0]

	key, err := a.db.GetApiKey(ctx, id)
	if err != nil {
		return nil, disco.AuthError(401, "unknown key")
	}
	if key.DeletedAt != nil {
		return nil, disco.AuthError(403, "key revoked")
	}

	a.db.RecordApiKeyUsage(ctx, key.ID, "basic")
	return key, nil
}

// MintToken issues an HS256 JWT for ad-hoc clients that prefer bearer auth
// over Basic, keyed the same way Authenticate verifies: kid=public_key,
// secret=id.
func MintToken(key *store.ApiKey, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": key.PublicKey,
		"exp": time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = key.PublicKey
	return token.SignedString([]byte(key.ID))
}
