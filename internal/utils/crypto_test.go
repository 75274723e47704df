// internal/utils/crypto_test.go
package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyHMAC(t *testing.T) {
	payload := []byte(`{"transaction_id":"pi_100"}`)

	signature := ComputeHMAC(payload, "secret")
	assert.True(t, VerifyHMAC(payload, "secret", signature))
	assert.False(t, VerifyHMAC(payload, "other-secret", signature))
	assert.False(t, VerifyHMAC([]byte(`{"transaction_id":"pi_101"}`), "secret", signature))
	assert.False(t, VerifyHMAC(payload, "secret", ""))
}

func TestHashString(t *testing.T) {
	digest := HashString(`{"transaction_id":"pi_100"}`)
	assert.Len(t, digest, 64)
	assert.Equal(t, digest, HashString(`{"transaction_id":"pi_100"}`))
	assert.NotEqual(t, digest, HashString(`{"transaction_id":"pi_101"}`))
}

func TestPayloadEncryptionRoundTrip(t *testing.T) {
	key := DeriveKey("secret", "salt")
	require.Len(t, key, 32)

	sealed, err := EncryptPayload(key, `{"id":"pi_100","amount":4999}`)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "pi_100")

	plaintext, err := DecryptPayload(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"pi_100","amount":4999}`, plaintext)
}

func TestDecryptPayloadRejectsWrongKey(t *testing.T) {
	sealed, err := EncryptPayload(DeriveKey("secret", "salt"), "payload")
	require.NoError(t, err)

	_, err = DecryptPayload(DeriveKey("other", "salt"), sealed)
	assert.Error(t, err)
}

func TestDecryptPayloadRejectsGarbage(t *testing.T) {
	key := DeriveKey("secret", "salt")

	_, err := DecryptPayload(key, "not-base64!!!")
	assert.Error(t, err)

	_, err = DecryptPayload(key, "c2hvcnQ=")
	assert.Error(t, err)
}

func TestGenerateRandomString(t *testing.T) {
	a, err := GenerateRandomString(24)
	require.NoError(t, err)
	b, err := GenerateRandomString(24)
	require.NoError(t, err)

	assert.Len(t, a, 24)
	assert.NotEqual(t, a, b)
}
