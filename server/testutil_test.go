package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/thefixer3x/onasis-authgate/pkg/cache"
	"github.com/thefixer3x/onasis-authgate/storage"
	"github.com/thefixer3x/onasis-authgate/storage/memory"
)

// newTestServer builds a Server backed by storage/memory and an L1-only
// pkg/cache with a fixed clock, mirroring the fixture-builder pattern dex's own
// testutil_test.go uses (a single helper every *_test.go in the package
// calls rather than repeating NewServer wiring).
func newTestServer(now time.Time) (*Server, storage.Storage) {
	store := memory.New()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	s, err := NewServer(context.Background(), Config{
		Storage:         store,
		Cache:           cache.New(logger, cache.Options{}),
		CookieDomain:    "example.com",
		AuthCodeTTL:     5 * time.Minute,
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		UAICacheTTL:     5 * time.Minute,
		ClientCacheTTL:  time.Hour,
		Logger:          logger,
		Now:             func() time.Time { return now },
	})
	if err != nil {
		panic(err)
	}
	return s, store
}

var fixedNow = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// sessionTokenFromTestCookie decodes a cookie minted by
// Server.sessionCookie back into the raw opaque session token, for tests
// that need to hand that raw value to resolveIdentity directly instead of
// driving a request through Server.ServeHTTP.
func sessionTokenFromTestCookie(t *testing.T, s *Server, cookie *http.Cookie) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	token, ok := s.sessionTokenFromCookie(req)
	require.True(t, ok)
	return token
}

const testJWTKeyID = "test-key"

// newTestServerWithJWKS builds a Server with the jwt auth method enabled,
// backed by a freshly generated RSA key whose public half is published in
// the server's configured JWKS; signTestJWT mints tokens against the
// matching private half.
func newTestServerWithJWKS(now time.Time, issuer, audience string) (*Server, storage.Storage, *rsa.PrivateKey) {
	store := memory.New()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	jwks := &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &priv.PublicKey,
		KeyID:     testJWTKeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}

	s, err := NewServer(context.Background(), Config{
		Storage:         store,
		Cache:           cache.New(logger, cache.Options{}),
		CookieDomain:    "example.com",
		AuthCodeTTL:     5 * time.Minute,
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		UAICacheTTL:     5 * time.Minute,
		ClientCacheTTL:  time.Hour,
		Logger:          logger,
		Now:             func() time.Time { return now },
		JWKS:            jwks,
		JWTIssuer:       issuer,
		JWTAudience:     audience,
	})
	if err != nil {
		panic(err)
	}
	return s, store, priv
}

// signTestJWT mints a compact RS256 JWT signed by priv, as an external IdP
// would, for resolveFromJWT's verification path to check.
func signTestJWT(t *testing.T, priv *rsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: priv},
		(&jose.SignerOptions{}).WithHeader("kid", testJWTKeyID),
	)
	require.NoError(t, err)
	token, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	require.NoError(t, err)
	return token
}

func testOAuthClient() storage.OAuthClient {
	return storage.OAuthClient{
		ClientID:                    "client-1",
		ClientType:                  "confidential",
		RequirePKCE:                 true,
		AllowedCodeChallengeMethods: []string{"S256"},
		AllowedRedirectURIs:         []string{"https://app.example.com/callback"},
		AllowedScopes:               []string{"profile", "email", "admin"},
		DefaultScopes:               []string{"profile"},
		Status:                      storage.ClientStatusActive,
		CreatedAt:                   fixedNow,
		UpdatedAt:                   fixedNow,
	}
}
