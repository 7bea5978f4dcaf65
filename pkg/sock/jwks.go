/*
Copyright 2025 The Dorch Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sock

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	jwksCacheTTL  = 10 * time.Minute
	jwtLeeway     = 30 * time.Second
	jwksFetchWait = 15 * time.Second
)

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// TokenValidator validates RS256 access tokens issued by the identity
// provider, fetching signing keys from its JWKS endpoint. Keys are
// cached for ten minutes keyed by kid.
type TokenValidator struct {
	// Issuer the token's iss claim must match exactly, for example
	// "https://keycloak.example.com/realms/dorch".
	Issuer string
	// Audience the aud claim must contain.
	Audience string
	// JWKSURL is the provider's certs endpoint.
	JWKSURL string

	HTTPClient *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewKeycloakValidator derives the issuer and JWKS URL from a keycloak
// endpoint and realm. The client id doubles as the expected audience.
func NewKeycloakValidator(endpoint, realm, clientID string) *TokenValidator {
	issuer := fmt.Sprintf("%s/realms/%s", strings.TrimRight(endpoint, "/"), realm)
	return &TokenValidator{
		Issuer:     issuer,
		Audience:   clientID,
		JWKSURL:    issuer + "/protocol/openid-connect/certs",
		HTTPClient: &http.Client{Timeout: jwksFetchWait},
	}
}

func (v *TokenValidator) cachedKey(kid string) (*rsa.PublicKey, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if time.Since(v.fetchedAt) >= jwksCacheTTL {
		return nil, false
	}
	key, ok := v.keys[kid]
	return key, ok
}

func (v *TokenValidator) signingKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := v.cachedKey(kid); ok {
		return key, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.JWKSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := v.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}
	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKey(k)
		if err != nil {
			return nil, fmt.Errorf("jwk %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = time.Now()
	v.mu.Unlock()
	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("kid %q not found in jwks", kid)
	}
	return key, nil
}

func rsaPublicKey(k jwk) (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}

// Validate checks the token's signature, issuer, expiry, audience, and
// typ claim, and returns the verified claims.
func (v *TokenValidator) Validate(ctx context.Context, accessToken string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.Issuer),
		jwt.WithLeeway(jwtLeeway),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.Parse(accessToken, func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token missing kid header")
		}
		return v.signingKey(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}
	// Keycloak emits aud as either a string or an array, so check it
	// here instead of through the parser.
	if !audContains(claims["aud"], v.Audience) {
		return nil, fmt.Errorf("audience mismatch (expected %s)", v.Audience)
	}
	if typ, _ := claims["typ"].(string); typ != "Bearer" {
		return nil, fmt.Errorf("token typ is not Bearer")
	}
	return claims, nil
}

func audContains(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, entry := range v {
			if s, ok := entry.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}
