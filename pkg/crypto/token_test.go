package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewOpaqueTokenLengthAndUniqueness(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		tok, err := NewOpaqueToken(RefreshTokenEntropyBytes)
		require.NoError(t, err)
		require.NotEmpty(t, tok)
		require.False(t, seen[tok], "generated duplicate token")
		seen[tok] = true
	}
}

func TestHashSecretDeterministic(t *testing.T) {
	a := HashSecret("same-secret")
	b := HashSecret("same-secret")
	require.Equal(t, a, b)

	c := HashSecret("different-secret")
	require.NotEqual(t, a, c)
}

func TestVerifyPKCES256(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	require.True(t, VerifyPKCE(verifier, challenge, CodeChallengeMethodS256))
	require.False(t, VerifyPKCE("wrong-verifier", challenge, CodeChallengeMethodS256))
	require.False(t, VerifyPKCE("", challenge, CodeChallengeMethodS256))
}

func TestVerifyPKCEPlain(t *testing.T) {
	require.True(t, VerifyPKCE("abc123", "abc123", CodeChallengeMethodPlain))
	require.False(t, VerifyPKCE("abc123", "xyz789", CodeChallengeMethodPlain))
}

func TestConstantTimeEqual(t *testing.T) {
	require.True(t, ConstantTimeEqual([]byte("secret"), []byte("secret")))
	require.False(t, ConstantTimeEqual([]byte("secret"), []byte("different")))
	require.False(t, ConstantTimeEqual([]byte("short"), []byte("much-longer-value")))
}
