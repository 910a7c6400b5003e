package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thefixer3x/onasis-authgate/pkg/cache"
	"github.com/thefixer3x/onasis-authgate/storage"
	"github.com/thefixer3x/onasis-authgate/storage/memory"
	"github.com/thefixer3x/onasis-authgate/storage/redis"
	authsql "github.com/thefixer3x/onasis-authgate/storage/sql"
)

// Config is the config format for the authgate binary, grounded on dex's
// cmd/dex Config: a root struct with a dynamically-typed Storage stanza,
// a Web stanza for listen addresses/TLS/CORS, and duration knobs that
// mirror the engines' own Config fields so a deployment only has to tune
// one file.
type Config struct {
	Storage   Storage   `json:"storage"`
	Web       Web       `json:"web"`
	Telemetry Telemetry `json:"telemetry"`
	Logger    Logger    `json:"logger"`

	// CookieDomain is the parent domain session cookies are scoped to
	// (spec §6).
	CookieDomain string `json:"cookieDomain"`

	Expiry Expiry `json:"expiry"`

	// Cache configures the L1 in-process accelerator; L2 is derived from
	// Storage.Redis when present.
	Cache CacheConfig `json:"cache"`

	RateLimit RateLimitConfig `json:"rateLimit"`

	Outbox OutboxConfig `json:"outbox"`
}

// Validate the configuration, following dex's Config.Validate shape: a
// flat slice of (condition, message) checks evaluated together so every
// problem is reported in one pass instead of one-at-a-time.
func (c Config) Validate() error {
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{c.Storage.Config == nil, "no storage supplied in config file"},
		{c.Web.HTTP == "" && c.Web.HTTPS == "", "must supply a HTTP/HTTPS address to listen on"},
		{c.Web.HTTPS != "" && c.Web.TLSCert == "", "no cert specified for HTTPS"},
		{c.Web.HTTPS != "" && c.Web.TLSKey == "", "no private key specified for HTTPS"},
		{c.CookieDomain == "", "no cookieDomain specified in config file"},
	}

	var checkErrors []string
	for _, check := range checks {
		if check.bad {
			checkErrors = append(checkErrors, check.errMsg)
		}
	}
	if len(checkErrors) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(checkErrors, "\n\t-\t"))
	}
	return nil
}

// Storage holds the storage backend configuration. Its Config field is
// dynamically typed by the "type" discriminator, the same pattern dex's
// own Storage.UnmarshalJSON uses.
type Storage struct {
	Type   string        `json:"type"`
	Config StorageConfig `json:"config"`

	// Redis optionally configures the L2 durable cache tier (spec §4.4).
	// It lives alongside Storage rather than Cache since both the
	// ratelimit package's durable counter and the cache's L2 share the
	// same redis.Client.
	Redis *redis.Config `json:"redis"`
}

// StorageConfig is a configuration that can open a storage.Storage.
type StorageConfig interface {
	Open(logger logrus.FieldLogger) (storage.Storage, error)
}

var (
	_ StorageConfig = (*authsql.Postgres)(nil)
	_ StorageConfig = (*authsql.MySQL)(nil)
	_ StorageConfig = memoryConfig{}
)

// memoryConfig adapts storage/memory.New (which takes no logger and
// cannot fail) to the StorageConfig interface, for local development and
// tests without a database.
type memoryConfig struct{}

func (memoryConfig) Open(logrus.FieldLogger) (storage.Storage, error) {
	return memory.New(), nil
}

var storageBackends = map[string]func() StorageConfig{
	"memory":   func() StorageConfig { return memoryConfig{} },
	"postgres": func() StorageConfig { return new(authsql.Postgres) },
	"mysql":    func() StorageConfig { return new(authsql.MySQL) },
}

// UnmarshalJSON dynamically resolves Storage.Config's concrete type from
// the "type" discriminator, mirroring dex's Storage.UnmarshalJSON.
func (s *Storage) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type   string          `json:"type"`
		Config json.RawMessage `json:"config"`
		Redis  *redis.Config   `json:"redis"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("parse storage: %v", err)
	}
	f, ok := storageBackends[raw.Type]
	if !ok {
		return fmt.Errorf("unknown storage type %q", raw.Type)
	}
	cfg := f()
	if len(raw.Config) != 0 {
		if err := json.Unmarshal(raw.Config, cfg); err != nil {
			return fmt.Errorf("parse storage config: %v", err)
		}
	}
	*s = Storage{Type: raw.Type, Config: cfg, Redis: raw.Redis}
	return nil
}

// Web is the config format for the HTTP server and its CORS/header policy.
type Web struct {
	HTTP    string  `json:"http"`
	HTTPS   string  `json:"https"`
	TLSCert string  `json:"tlsCert"`
	TLSKey  string  `json:"tlsKey"`
	Headers Headers `json:"headers"`

	AllowedOrigins []string `json:"allowedOrigins"`
	AllowedHeaders []string `json:"allowedHeaders"`

	// RealIPHeader names the header a trusted reverse proxy sets with the
	// real client IP (spec §4.8 rate-limit keying, audit IPAddress
	// fields).
	RealIPHeader       string   `json:"realIPHeader"`
	TrustedRealIPCIDRs []string `json:"trustedRealIPCIDRs"`
}

// parsedTrustedCIDRs parses Web.TrustedRealIPCIDRs, grounded on dex's own
// preference for failing config parsing loudly rather than silently
// ignoring a malformed operator-supplied value.
func (w Web) parsedTrustedCIDRs() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(w.TrustedRealIPCIDRs))
	for _, raw := range w.TrustedRealIPCIDRs {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trustedRealIPCIDRs entry %q: %v", raw, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Headers are added to every HTTP response, grounded on dex's Headers type.
type Headers struct {
	ContentSecurityPolicy string `json:"Content-Security-Policy"`
	XFrameOptions         string `json:"X-Frame-Options"`
	XContentTypeOptions   string `json:"X-Content-Type-Options"`
	XXSSProtection        string `json:"X-XSS-Protection"`
	StrictTransportSecurity string `json:"Strict-Transport-Security"`
}

func (h Headers) ToHTTPHeader() http.Header {
	header := make(http.Header)
	if h.ContentSecurityPolicy != "" {
		header.Set("Content-Security-Policy", h.ContentSecurityPolicy)
	}
	if h.XFrameOptions != "" {
		header.Set("X-Frame-Options", h.XFrameOptions)
	}
	if h.XContentTypeOptions != "" {
		header.Set("X-Content-Type-Options", h.XContentTypeOptions)
	}
	if h.XXSSProtection != "" {
		header.Set("X-XSS-Protection", h.XXSSProtection)
	}
	if h.StrictTransportSecurity != "" {
		header.Set("Strict-Transport-Security", h.StrictTransportSecurity)
	}
	return header
}

// Telemetry is the config for the metrics/health endpoint, separate from
// the main Web listener so it can be bound to a private interface.
type Telemetry struct {
	HTTP string `json:"http"`
}

// Logger holds configuration for the process logger.
type Logger struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Expiry mirrors server.Config's duration knobs as parseable strings, the
// same indirection dex's own Expiry type uses so the YAML surface can
// take "5m" rather than a raw integer of nanoseconds.
type Expiry struct {
	AuthCode     string `json:"authCode"`     // default 5m
	AccessToken  string `json:"accessToken"`  // default 15m
	RefreshToken string `json:"refreshToken"` // default 720h (30d)
	UAICache     string `json:"uaiCache"`     // default 5m
	ClientCache  string `json:"clientCache"`  // default 1h
}

func (e Expiry) parse() (authCode, accessToken, refreshToken, uaiCache, clientCache time.Duration, err error) {
	parse := func(s string) (time.Duration, error) {
		if s == "" {
			return 0, nil
		}
		return time.ParseDuration(s)
	}
	if authCode, err = parse(e.AuthCode); err != nil {
		return
	}
	if accessToken, err = parse(e.AccessToken); err != nil {
		return
	}
	if refreshToken, err = parse(e.RefreshToken); err != nil {
		return
	}
	if uaiCache, err = parse(e.UAICache); err != nil {
		return
	}
	if clientCache, err = parse(e.ClientCache); err != nil {
		return
	}
	return
}

// CacheConfig configures the L1 tiered-cache accelerator (pkg/cache).
type CacheConfig struct {
	Capacity      int    `json:"capacity"`
	SweepInterval string `json:"sweepInterval"`
}

func (c CacheConfig) toOptions(l2 cache.L2) (cache.Options, error) {
	sweep := time.Minute
	if c.SweepInterval != "" {
		var err error
		sweep, err = time.ParseDuration(c.SweepInterval)
		if err != nil {
			return cache.Options{}, fmt.Errorf("invalid cache.sweepInterval: %v", err)
		}
	}
	return cache.Options{Capacity: c.Capacity, SweepInterval: sweep, L2: l2}, nil
}

// RateLimitConfig tunes pkg/ratelimit's idle-key sweep (spec §4.8); the
// per-endpoint limit/window values themselves are request-path constants
// defined in server, not operator config, since they express a security
// policy rather than a deployment preference.
type RateLimitConfig struct {
	SweepInterval string `json:"sweepInterval"`
	IdleAfter     string `json:"idleAfter"`
}

func (r RateLimitConfig) parse() (sweepInterval, idleAfter time.Duration, err error) {
	sweepInterval = 5 * time.Minute
	idleAfter = 30 * time.Minute
	if r.SweepInterval != "" {
		if sweepInterval, err = time.ParseDuration(r.SweepInterval); err != nil {
			return
		}
	}
	if r.IdleAfter != "" {
		if idleAfter, err = time.ParseDuration(r.IdleAfter); err != nil {
			return
		}
	}
	return
}

// OutboxConfig tunes pkg/events.Worker (spec §4.3).
type OutboxConfig struct {
	BatchSize    int    `json:"batchSize"`
	PollInterval string `json:"pollInterval"`
	BackoffBase  string `json:"backoffBase"`
	BackoffCap   string `json:"backoffCap"`
}

func (o OutboxConfig) parse() (opts workerOptionsDurations, err error) {
	parse := func(s string) (time.Duration, error) {
		if s == "" {
			return 0, nil
		}
		return time.ParseDuration(s)
	}
	if opts.PollInterval, err = parse(o.PollInterval); err != nil {
		return
	}
	if opts.BackoffBase, err = parse(o.BackoffBase); err != nil {
		return
	}
	if opts.BackoffCap, err = parse(o.BackoffCap); err != nil {
		return
	}
	opts.BatchSize = o.BatchSize
	return
}

// workerOptionsDurations avoids importing pkg/events into config.go just
// to spell out its WorkerOptions shape; serve.go converts this into the
// real events.WorkerOptions when constructing the worker.
type workerOptionsDurations struct {
	BatchSize    int
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}
