package main

import (
	"os"
	"testing"
	"time"

	"github.com/ghodss/yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authsql "github.com/thefixer3x/onasis-authgate/storage/sql"
)

func TestValidConfiguration(t *testing.T) {
	c := Config{
		Storage:      Storage{Type: "memory", Config: memoryConfig{}},
		Web:          Web{HTTP: "127.0.0.1:5556"},
		CookieDomain: "example.com",
	}
	require.NoError(t, c.Validate())
}

func TestInvalidConfiguration(t *testing.T) {
	err := (Config{}).Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "no storage supplied in config file")
	assert.Contains(t, msg, "must supply a HTTP/HTTPS address to listen on")
	assert.Contains(t, msg, "no cookieDomain specified in config file")
}

func TestInvalidConfigurationHTTPSMissingCertAndKey(t *testing.T) {
	c := Config{
		Storage:      Storage{Type: "memory", Config: memoryConfig{}},
		Web:          Web{HTTPS: "127.0.0.1:5556"},
		CookieDomain: "example.com",
	}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cert specified for HTTPS")
	assert.Contains(t, err.Error(), "no private key specified for HTTPS")
}

func TestUnmarshalConfigMemory(t *testing.T) {
	raw := []byte(`
storage:
  type: memory
web:
  http: 127.0.0.1:5556
cookieDomain: example.com
logger:
  level: debug
  format: json
`)
	var c Config
	require.NoError(t, yaml.Unmarshal(raw, &c))

	assert.Equal(t, "memory", c.Storage.Type)
	assert.Equal(t, memoryConfig{}, c.Storage.Config)
	assert.Equal(t, "127.0.0.1:5556", c.Web.HTTP)
	assert.Equal(t, "example.com", c.CookieDomain)
	assert.Equal(t, Logger{Level: "debug", Format: "json"}, c.Logger)
}

func TestUnmarshalConfigPostgresWithRedis(t *testing.T) {
	raw := []byte(`
storage:
  type: postgres
  config:
    host: 10.0.0.1
    port: 5432
  redis:
    addrs:
    - 127.0.0.1:6379
web:
  https: 127.0.0.1:5556
  tlsCert: /etc/authgate/tls.crt
  tlsKey: /etc/authgate/tls.key
cookieDomain: example.com
`)
	var c Config
	require.NoError(t, yaml.Unmarshal(raw, &c))

	require.IsType(t, &authsql.Postgres{}, c.Storage.Config)
	pg := c.Storage.Config.(*authsql.Postgres)
	assert.Equal(t, "10.0.0.1", pg.Host)
	assert.Equal(t, uint16(5432), pg.Port)

	require.NotNil(t, c.Storage.Redis)
	assert.Equal(t, []string{"127.0.0.1:6379"}, c.Storage.Redis.Addrs)
	require.NoError(t, c.Validate())
}

func TestUnmarshalConfigUnknownStorageType(t *testing.T) {
	raw := []byte(`
storage:
  type: mongo
web:
  http: 127.0.0.1:5556
`)
	var c Config
	err := yaml.Unmarshal(raw, &c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown storage type "mongo"`)
}

func TestUnmarshalConfigWithEnvExpand(t *testing.T) {
	os.Setenv("AUTHGATE_TEST_POSTGRES_HOST", "10.0.0.9")
	defer os.Unsetenv("AUTHGATE_TEST_POSTGRES_HOST")

	raw := []byte(`
storage:
  type: postgres
  config:
    host: '$AUTHGATE_TEST_POSTGRES_HOST'
    port: 5432
web:
  http: 127.0.0.1:5556
cookieDomain: example.com
`)
	var c Config
	require.NoError(t, yaml.Unmarshal(raw, &c))
	require.NoError(t, replaceEnvKeys(&c, os.Getenv))

	pg := c.Storage.Config.(*authsql.Postgres)
	assert.Equal(t, "10.0.0.9", pg.Host)
}

func TestHeadersToHTTPHeader(t *testing.T) {
	h := Headers{
		ContentSecurityPolicy:   "default-src 'self'",
		XFrameOptions:           "DENY",
		XContentTypeOptions:     "nosniff",
		StrictTransportSecurity: "max-age=31536000",
	}
	header := h.ToHTTPHeader()
	assert.Equal(t, "default-src 'self'", header.Get("Content-Security-Policy"))
	assert.Equal(t, "DENY", header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", header.Get("X-Content-Type-Options"))
	assert.Equal(t, "max-age=31536000", header.Get("Strict-Transport-Security"))
	assert.Empty(t, header.Get("X-XSS-Protection"))
}

func TestExpiryParseDefaults(t *testing.T) {
	authCode, accessToken, refreshToken, uaiCache, clientCache, err := Expiry{}.parse()
	require.NoError(t, err)
	assert.Zero(t, authCode)
	assert.Zero(t, accessToken)
	assert.Zero(t, refreshToken)
	assert.Zero(t, uaiCache)
	assert.Zero(t, clientCache)
}

func TestExpiryParse(t *testing.T) {
	e := Expiry{
		AuthCode:     "5m",
		AccessToken:  "15m",
		RefreshToken: "720h",
		UAICache:     "5m",
		ClientCache:  "1h",
	}
	authCode, accessToken, refreshToken, uaiCache, clientCache, err := e.parse()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, authCode)
	assert.Equal(t, 15*time.Minute, accessToken)
	assert.Equal(t, 720*time.Hour, refreshToken)
	assert.Equal(t, 5*time.Minute, uaiCache)
	assert.Equal(t, time.Hour, clientCache)
}

func TestExpiryParseInvalid(t *testing.T) {
	_, _, _, _, _, err := Expiry{AuthCode: "not-a-duration"}.parse()
	require.Error(t, err)
}

func TestWebParsedTrustedCIDRs(t *testing.T) {
	w := Web{TrustedRealIPCIDRs: []string{"10.0.0.0/8", "192.168.0.0/16"}}
	prefixes, err := w.parsedTrustedCIDRs()
	require.NoError(t, err)
	require.Len(t, prefixes, 2)
	assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
}

func TestWebParsedTrustedCIDRsInvalid(t *testing.T) {
	w := Web{TrustedRealIPCIDRs: []string{"not-a-cidr"}}
	_, err := w.parsedTrustedCIDRs()
	require.Error(t, err)
}

func TestCacheConfigToOptionsDefaults(t *testing.T) {
	opts, err := CacheConfig{Capacity: 1000}.toOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, 1000, opts.Capacity)
	assert.Equal(t, time.Minute, opts.SweepInterval)
	assert.Nil(t, opts.L2)
}

func TestRateLimitConfigParseDefaults(t *testing.T) {
	sweep, idle, err := RateLimitConfig{}.parse()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, sweep)
	assert.Equal(t, 30*time.Minute, idle)
}

func TestOutboxConfigParse(t *testing.T) {
	opts, err := OutboxConfig{
		BatchSize:    50,
		PollInterval: "2s",
		BackoffBase:  "1s",
		BackoffCap:   "30s",
	}.parse()
	require.NoError(t, err)
	assert.Equal(t, 50, opts.BatchSize)
	assert.Equal(t, 2*time.Second, opts.PollInterval)
	assert.Equal(t, time.Second, opts.BackoffBase)
	assert.Equal(t, 30*time.Second, opts.BackoffCap)
}
