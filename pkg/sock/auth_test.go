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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func testHandshake(t *testing.T) Handshake {
	t.Helper()
	key := make([]byte, aesKeySize)
	nonce := make([]byte, gcmNonceSize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(nonce)
	require.NoError(t, err)
	return Handshake{
		UserID:   uuid.New(),
		Key:      key,
		Nonce:    nonce,
		DeviceID: uuid.New(),
	}
}

// encryptToken seals a token the way a client would before connecting.
func encryptToken(t *testing.T, hs Handshake, token string) string {
	t.Helper()
	block, err := aes.NewCipher(hs.Key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	ciphertext := gcm.Seal(nil, hs.Nonce, []byte(token), nil)
	return base64.URLEncoding.EncodeToString(ciphertext)
}

type fakeValidator struct {
	claims jwt.MapClaims
	err    error
	tokens []string
}

func (f *fakeValidator) Validate(_ context.Context, token string) (jwt.MapClaims, error) {
	f.tokens = append(f.tokens, token)
	return f.claims, f.err
}

func TestHandshakeStoreBeginSetsTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := NewHandshakeStore(rdb)

	connID, err := store.Begin(context.Background(), testHandshake(t))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, connID)

	ttl := mr.TTL("wsa:" + connID.String())
	assert.Equal(t, 10*time.Second, ttl)
}

func TestHandshakeStoreTakeIsSingleShot(t *testing.T) {
	store := NewHandshakeStore(testRedis(t))
	hs := testHandshake(t)

	connID, err := store.Begin(context.Background(), hs)
	require.NoError(t, err)

	got, err := store.Take(context.Background(), connID)
	require.NoError(t, err)
	assert.Equal(t, hs.UserID, got.UserID)
	assert.Equal(t, hs.DeviceID, got.DeviceID)
	assert.Equal(t, hs.Key, got.Key)
	assert.Equal(t, hs.Nonce, got.Nonce)

	_, err = store.Take(context.Background(), connID)
	assert.ErrorIs(t, err, ErrHandshakeNotFound)
}

func TestAuthConnHappyPath(t *testing.T) {
	store := NewHandshakeStore(testRedis(t))
	hs := testHandshake(t)
	connID, err := store.Begin(context.Background(), hs)
	require.NoError(t, err)

	validator := &fakeValidator{claims: jwt.MapClaims{"sub": hs.UserID.String()}}
	auth := &Authenticator{Store: store, Validator: validator}

	got, err := auth.AuthConn(context.Background(), connID, encryptToken(t, hs, "the-access-token"))
	require.NoError(t, err)
	assert.Equal(t, hs.UserID, got.UserID)
	require.Len(t, validator.tokens, 1)
	assert.Equal(t, "the-access-token", validator.tokens[0])
}

func TestAuthConnRejectsReplay(t *testing.T) {
	store := NewHandshakeStore(testRedis(t))
	hs := testHandshake(t)
	connID, err := store.Begin(context.Background(), hs)
	require.NoError(t, err)

	validator := &fakeValidator{claims: jwt.MapClaims{"sub": hs.UserID.String()}}
	auth := &Authenticator{Store: store, Validator: validator}
	ciphertext := encryptToken(t, hs, "token")

	_, err = auth.AuthConn(context.Background(), connID, ciphertext)
	require.NoError(t, err)

	_, err = auth.AuthConn(context.Background(), connID, ciphertext)
	assert.ErrorIs(t, err, ErrHandshakeNotFound)
}

func TestAuthConnRejectsSubMismatch(t *testing.T) {
	store := NewHandshakeStore(testRedis(t))
	hs := testHandshake(t)
	connID, err := store.Begin(context.Background(), hs)
	require.NoError(t, err)

	validator := &fakeValidator{claims: jwt.MapClaims{"sub": uuid.NewString()}}
	auth := &Authenticator{Store: store, Validator: validator}

	_, err = auth.AuthConn(context.Background(), connID, encryptToken(t, hs, "token"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user id mismatch")
}

func TestAuthConnRejectsTamperedCiphertext(t *testing.T) {
	store := NewHandshakeStore(testRedis(t))
	hs := testHandshake(t)
	connID, err := store.Begin(context.Background(), hs)
	require.NoError(t, err)

	auth := &Authenticator{
		Store:     store,
		Validator: &fakeValidator{claims: jwt.MapClaims{"sub": hs.UserID.String()}},
	}

	tampered := encryptToken(t, hs, "token")
	raw, err := base64.URLEncoding.DecodeString(tampered)
	require.NoError(t, err)
	raw[0] ^= 0xff
	_, err = auth.AuthConn(context.Background(), connID, base64.URLEncoding.EncodeToString(raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decrypt access token")
}

// jwksServer serves a one-key JWKS for the given RSA key.
func jwksServer(t *testing.T, kid string, key *rsa.PrivateKey) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		set := jwkSet{Keys: []jwk{{
			Kid: kid,
			Kty: "RSA",
			N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x00, 0x01}),
		}}}
		require.NoError(t, json.NewEncoder(w).Encode(set))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestTokenValidator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := jwksServer(t, "key-1", key)

	validator := &TokenValidator{
		Issuer:     "https://idp.example.com/realms/dorch",
		Audience:   "dorch",
		JWKSURL:    srv.URL,
		HTTPClient: srv.Client(),
	}

	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss": "https://idp.example.com/realms/dorch",
			"aud": []any{"dorch", "account"},
			"typ": "Bearer",
			"sub": uuid.NewString(),
			"exp": time.Now().Add(time.Hour).Unix(),
		}
	}

	t.Run("valid token", func(t *testing.T) {
		claims := base()
		got, err := validator.Validate(context.Background(), signToken(t, key, "key-1", claims))
		require.NoError(t, err)
		sub, err := got.GetSubject()
		require.NoError(t, err)
		assert.Equal(t, claims["sub"], sub)
	})

	t.Run("aud as plain string", func(t *testing.T) {
		claims := base()
		claims["aud"] = "dorch"
		_, err := validator.Validate(context.Background(), signToken(t, key, "key-1", claims))
		assert.NoError(t, err)
	})

	t.Run("audience mismatch", func(t *testing.T) {
		claims := base()
		claims["aud"] = "someone-else"
		_, err := validator.Validate(context.Background(), signToken(t, key, "key-1", claims))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "audience mismatch")
	})

	t.Run("typ not bearer", func(t *testing.T) {
		claims := base()
		claims["typ"] = "Refresh"
		_, err := validator.Validate(context.Background(), signToken(t, key, "key-1", claims))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "typ is not Bearer")
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := base()
		claims["iss"] = "https://evil.example.com/realms/dorch"
		_, err := validator.Validate(context.Background(), signToken(t, key, "key-1", claims))
		assert.Error(t, err)
	})

	t.Run("expired token", func(t *testing.T) {
		claims := base()
		claims["exp"] = time.Now().Add(-time.Hour).Unix()
		_, err := validator.Validate(context.Background(), signToken(t, key, "key-1", claims))
		assert.Error(t, err)
	})

	t.Run("unknown kid", func(t *testing.T) {
		claims := base()
		_, err := validator.Validate(context.Background(), signToken(t, key, "key-2", claims))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found in jwks")
	})

	t.Run("wrong signing key", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		_, err = validator.Validate(context.Background(), signToken(t, other, "key-1", base()))
		assert.Error(t, err)
	})
}

func TestNewKeycloakValidatorDerivesURLs(t *testing.T) {
	v := NewKeycloakValidator("https://kc.example.com/", "dorch", "dorch-client")
	assert.Equal(t, "https://kc.example.com/realms/dorch", v.Issuer)
	assert.Equal(t, "https://kc.example.com/realms/dorch/protocol/openid-connect/certs", v.JWKSURL)
	assert.Equal(t, "dorch-client", v.Audience)
}
