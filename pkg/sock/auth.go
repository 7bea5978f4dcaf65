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
	"encoding/base64"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

const (
	aesKeySize   = 32
	gcmNonceSize = 12
)

// Validator verifies an access token and returns its claims.
type Validator interface {
	Validate(ctx context.Context, accessToken string) (jwt.MapClaims, error)
}

// Authenticator completes phase two of the websocket handshake: it
// consumes the stored handshake, decrypts the presented access token,
// and validates it against the identity provider.
type Authenticator struct {
	Store     *HandshakeStore
	Validator Validator
}

// AuthConn authenticates a websocket upgrade request carrying a conn id
// and a base64url AES-256-GCM ciphertext of the access token. The
// handshake is consumed even when validation fails, so every attempt
// burns the conn id.
func (a *Authenticator) AuthConn(ctx context.Context, connID uuid.UUID, encryptedToken string) (*Handshake, error) {
	hs, err := a.Store.Take(ctx, connID)
	if err != nil {
		return nil, err
	}
	if len(hs.Key) != aesKeySize {
		return nil, fmt.Errorf("handshake key must be %d bytes, got %d", aesKeySize, len(hs.Key))
	}
	if len(hs.Nonce) != gcmNonceSize {
		return nil, fmt.Errorf("handshake nonce must be %d bytes, got %d", gcmNonceSize, len(hs.Nonce))
	}
	block, err := aes.NewCipher(hs.Key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	ciphertext, err := base64.URLEncoding.DecodeString(encryptedToken)
	if err != nil {
		return nil, fmt.Errorf("decode encrypted access token: %w", err)
	}
	plaintext, err := gcm.Open(nil, hs.Nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	claims, err := a.Validator.Validate(ctx, string(plaintext))
	if err != nil {
		return nil, fmt.Errorf("validate access token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("token missing sub claim")
	}
	if sub != hs.UserID.String() {
		return nil, fmt.Errorf("user id mismatch: expected %s, got %s", hs.UserID, sub)
	}
	klog.V(4).InfoS("websocket connection authenticated",
		"userID", hs.UserID, "deviceID", hs.DeviceID, "connID", connID)
	return hs, nil
}
