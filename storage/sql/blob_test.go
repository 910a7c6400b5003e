package sql

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptBlobRoundTrip(t *testing.T) {
	key := []byte(strings.Repeat("k", 32))
	plaintext := []byte(`{"code_verifier":"abc123","redirect_uri":"https://client.example/cb"}`)

	ciphertext, err := encryptBlob(plaintext, key)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext, "encrypted blob must not equal the plaintext it was given")

	got, err := decryptBlob(ciphertext, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptDecryptBlobNilKeyIsNoOp(t *testing.T) {
	plaintext := []byte(`{"code_verifier":"abc123"}`)

	ciphertext, err := encryptBlob(plaintext, nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, ciphertext)

	got, err := decryptBlob(plaintext, nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptBlobWrongKeyFails(t *testing.T) {
	key := []byte(strings.Repeat("k", 32))
	wrongKey := []byte(strings.Repeat("x", 32))
	plaintext := []byte(`{"code_verifier":"abc123"}`)

	ciphertext, err := encryptBlob(plaintext, key)
	require.NoError(t, err)

	_, err = decryptBlob(ciphertext, wrongKey)
	assert.Error(t, err)
}
