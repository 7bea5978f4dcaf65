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

// Package zandronum implements the Zandronum master-server SRP auth
// protocol: an SRP-6a server for the RFC 5054 2048-bit group with SHA-256,
// and the UDP exchange that drives it. Zandronum links libsrp with
// SRP_SHA256 + SRP_NG_2048, so anything else will not interoperate.
package zandronum

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"
)

// RFC 5054 2048-bit group.
const nHex = "AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B855F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773BCA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB694B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73"

const groupLen = 256 // byte length of N

var (
	groupN = mustParseHex(nHex)
	groupG = big.NewInt(2)
)

func mustParseHex(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("invalid group prime")
	}
	return v
}

// UserSecrets is the per-user SRP material handed to a server session.
type UserSecrets struct {
	Username string
	Salt     []byte
	Verifier []byte
}

func pad(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

func hashParts(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// k = H(N || PAD(g))
func computeK() *big.Int {
	nBytes := groupN.Bytes()
	gPad := pad(groupG.Bytes(), len(nBytes))
	return new(big.Int).SetBytes(hashParts(nBytes, gPad))
}

// u = H(PAD(A) || PAD(B))
func computeU(aBytes, bBytes []byte) *big.Int {
	return new(big.Int).SetBytes(hashParts(aBytes, bBytes))
}

// M1 = H( H(N) XOR H(PAD(g, |N|)) || H(I) || s || PAD(A) || PAD(B) || K )
func computeM1(username string, salt, aBytes, bBytes, kBytes []byte) []byte {
	nBytes := groupN.Bytes()
	hn := hashParts(nBytes)
	hg := hashParts(pad(groupG.Bytes(), len(nBytes)))
	hi := hashParts([]byte(username))
	return hashParts(xorBytes(hn, hg), hi, salt, aBytes, bBytes, kBytes)
}

// HAMK = H(PAD(A) || M1 || K)
func computeHAMK(aBytes, m1, kBytes []byte) []byte {
	return hashParts(aBytes, m1, kBytes)
}

// GenerateUserSecrets derives a fresh random-salt verifier pair:
// x = H(s || H(I ":" P)), v = g^x mod N. The salt is 16 bytes so the
// negotiate packet's u8 length prefix always fits.
func GenerateUserSecrets(username, password string) (*UserSecrets, error) {
	if username == "" {
		return nil, fmt.Errorf("empty username")
	}
	if password == "" {
		return nil, fmt.Errorf("empty password")
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return GenerateUserSecretsWithSalt(username, password, salt)
}

// GenerateUserSecretsWithSalt derives a verifier for a caller-provided salt.
func GenerateUserSecretsWithSalt(username, password string, salt []byte) (*UserSecrets, error) {
	if username == "" {
		return nil, fmt.Errorf("empty username")
	}
	if password == "" {
		return nil, fmt.Errorf("empty password")
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("empty salt")
	}
	if len(salt) > 255 {
		return nil, fmt.Errorf("salt too long")
	}

	upHash := hashParts([]byte(username + ":" + password))
	x := new(big.Int).SetBytes(hashParts(salt, upHash))
	if x.Sign() == 0 {
		return nil, fmt.Errorf("x is zero")
	}

	v := new(big.Int).Exp(groupG, x, groupN)
	return &UserSecrets{
		Username: username,
		Salt:     append([]byte(nil), salt...),
		Verifier: pad(v.Bytes(), groupLen),
	}, nil
}

// ServerSession holds the server side of one SRP exchange: the user's
// stored secrets plus the ephemeral b, and A/B once step 1 has run.
type ServerSession struct {
	secrets UserSecrets
	b       *big.Int
	a       *big.Int
	bPub    *big.Int
}

// NewServerSession validates the secrets and picks a random 256-bit b.
func NewServerSession(secrets UserSecrets) (*ServerSession, error) {
	if secrets.Username == "" {
		return nil, fmt.Errorf("empty username")
	}
	if len(secrets.Salt) == 0 {
		return nil, fmt.Errorf("empty salt")
	}
	if len(secrets.Verifier) == 0 {
		return nil, fmt.Errorf("empty verifier")
	}
	rnd := make([]byte, 32)
	if _, err := rand.Read(rnd); err != nil {
		return nil, fmt.Errorf("generate b: %w", err)
	}
	return &ServerSession{
		secrets: secrets,
		b:       new(big.Int).SetBytes(rnd),
	}, nil
}

// Step1ProcessA ingests the client public value A and returns the padded
// server public value B = (k*v + g^b) mod N. Degenerate A is rejected.
func (s *ServerSession) Step1ProcessA(aBytes []byte) ([]byte, error) {
	a := new(big.Int).SetBytes(aBytes)
	if a.Sign() == 0 {
		return nil, fmt.Errorf("A is zero")
	}
	if new(big.Int).Mod(a, groupN).Sign() == 0 {
		return nil, fmt.Errorf("A mod N is zero")
	}

	v := new(big.Int).SetBytes(s.secrets.Verifier)
	k := computeK()

	gb := new(big.Int).Exp(groupG, s.b, groupN)
	kv := new(big.Int).Mod(new(big.Int).Mul(k, v), groupN)
	bPub := new(big.Int).Mod(new(big.Int).Add(kv, gb), groupN)

	s.a = a
	s.bPub = bPub
	return pad(bPub.Bytes(), groupLen), nil
}

// Step3VerifyM1 checks the client proof and returns HAMK iff it matches.
func (s *ServerSession) Step3VerifyM1(m1 []byte) ([]byte, error) {
	if s.a == nil || s.bPub == nil {
		return nil, fmt.Errorf("step 1 has not run")
	}

	aBytes := pad(s.a.Bytes(), groupLen)
	bBytes := pad(s.bPub.Bytes(), groupLen)

	u := computeU(aBytes, bBytes)
	if u.Sign() == 0 {
		return nil, fmt.Errorf("u is zero")
	}

	// S = (A * v^u)^b mod N
	v := new(big.Int).SetBytes(s.secrets.Verifier)
	vu := new(big.Int).Exp(v, u, groupN)
	avu := new(big.Int).Mod(new(big.Int).Mul(new(big.Int).SetBytes(aBytes), vu), groupN)
	sShared := new(big.Int).Exp(avu, s.b, groupN)

	kBytes := hashParts(pad(sShared.Bytes(), groupLen))

	expected := computeM1(s.secrets.Username, s.secrets.Salt, aBytes, bBytes, kBytes)
	if len(m1) != len(expected) || subtle.ConstantTimeCompare(m1, expected) != 1 {
		return nil, fmt.Errorf("M1 mismatch")
	}
	return computeHAMK(aBytes, expected, kBytes), nil
}
