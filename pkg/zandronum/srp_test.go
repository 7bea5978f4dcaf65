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

package zandronum

import (
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient is the client half of the exchange, used to drive the server
// end to end the way a real Zandronum client would.
type testClient struct {
	username string
	password string
	salt     []byte
	a        *big.Int
	aPub     *big.Int
	m1       []byte
	key      []byte
}

func newTestClient(t *testing.T, username, password string, salt []byte) *testClient {
	rnd := make([]byte, 32)
	_, err := rand.Read(rnd)
	require.NoError(t, err)
	a := new(big.Int).SetBytes(rnd)
	return &testClient{
		username: username,
		password: password,
		salt:     salt,
		a:        a,
		aPub:     new(big.Int).Exp(groupG, a, groupN),
	}
}

func (c *testClient) publicA() []byte {
	return pad(c.aPub.Bytes(), groupLen)
}

// proveM1 consumes the server's B and produces the client proof.
func (c *testClient) proveM1(bBytes []byte) []byte {
	aBytes := pad(c.aPub.Bytes(), groupLen)
	bPadded := pad(bBytes, groupLen)

	u := computeU(aBytes, bPadded)
	k := computeK()

	upHash := hashParts([]byte(c.username + ":" + c.password))
	x := new(big.Int).SetBytes(hashParts(c.salt, upHash))

	// S = (B - k*g^x) ^ (a + u*x) mod N
	gx := new(big.Int).Exp(groupG, x, groupN)
	kgx := new(big.Int).Mod(new(big.Int).Mul(k, gx), groupN)
	base := new(big.Int).Mod(new(big.Int).Sub(new(big.Int).SetBytes(bPadded), kgx), groupN)
	if base.Sign() < 0 {
		base.Add(base, groupN)
	}
	exp := new(big.Int).Add(c.a, new(big.Int).Mul(u, x))
	s := new(big.Int).Exp(base, exp, groupN)

	c.key = hashParts(pad(s.Bytes(), groupLen))
	c.m1 = computeM1(c.username, c.salt, aBytes, bPadded, c.key)
	return c.m1
}

// verifyHAMK checks the server's proof of the shared key.
func (c *testClient) verifyHAMK(hamk []byte) bool {
	expected := computeHAMK(pad(c.aPub.Bytes(), groupLen), c.m1, c.key)
	return assert.ObjectsAreEqual(expected, hamk)
}

func TestFullExchange(t *testing.T) {
	secrets, err := GenerateUserSecrets("doomguy", "hunter2")
	require.NoError(t, err)

	server, err := NewServerSession(*secrets)
	require.NoError(t, err)

	client := newTestClient(t, "doomguy", "hunter2", secrets.Salt)

	b, err := server.Step1ProcessA(client.publicA())
	require.NoError(t, err)
	require.Len(t, b, groupLen)

	m1 := client.proveM1(b)
	hamk, err := server.Step3VerifyM1(m1)
	require.NoError(t, err)
	assert.True(t, client.verifyHAMK(hamk), "server HAMK should verify against client key")
}

func TestWrongPasswordFails(t *testing.T) {
	secrets, err := GenerateUserSecrets("doomguy", "hunter2")
	require.NoError(t, err)

	server, err := NewServerSession(*secrets)
	require.NoError(t, err)

	client := newTestClient(t, "doomguy", "wrong-password", secrets.Salt)
	b, err := server.Step1ProcessA(client.publicA())
	require.NoError(t, err)

	_, err = server.Step3VerifyM1(client.proveM1(b))
	assert.Error(t, err)
}

func TestStep1RejectsDegenerateA(t *testing.T) {
	secrets, err := GenerateUserSecrets("doomguy", "hunter2")
	require.NoError(t, err)

	tests := []struct {
		name string
		a    []byte
	}{
		{name: "zero", a: make([]byte, groupLen)},
		{name: "N itself", a: groupN.Bytes()},
		{name: "multiple of N", a: new(big.Int).Mul(groupN, big.NewInt(3)).Bytes()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, err := NewServerSession(*secrets)
			require.NoError(t, err)
			_, err = server.Step1ProcessA(tt.a)
			assert.Error(t, err)
		})
	}
}

func TestStep3RequiresStep1(t *testing.T) {
	secrets, err := GenerateUserSecrets("doomguy", "hunter2")
	require.NoError(t, err)
	server, err := NewServerSession(*secrets)
	require.NoError(t, err)
	_, err = server.Step3VerifyM1(make([]byte, 32))
	assert.Error(t, err)
}

func TestGenerateUserSecrets(t *testing.T) {
	secrets, err := GenerateUserSecrets("doomguy", "hunter2")
	require.NoError(t, err)
	assert.Len(t, secrets.Salt, 16)
	assert.Len(t, secrets.Verifier, groupLen)

	// Deterministic for a fixed salt.
	again, err := GenerateUserSecretsWithSalt("doomguy", "hunter2", secrets.Salt)
	require.NoError(t, err)
	assert.Equal(t, secrets.Verifier, again.Verifier)

	_, err = GenerateUserSecrets("", "hunter2")
	assert.Error(t, err)
	_, err = GenerateUserSecrets("doomguy", "")
	assert.Error(t, err)
	_, err = GenerateUserSecretsWithSalt("doomguy", "hunter2", make([]byte, 256))
	assert.Error(t, err)
}
