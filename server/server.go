// Package server implements the HTTP surface and engines of the
// authentication gateway: the OAuth2/PKCE state machine (§4.5), the
// session engine (§4.6), the API key engine (§4.7), and identity
// resolution (§4.9), wired to storage.Storage (the L3 authoritative
// store), pkg/cache (the L1/L2 tiered cache), and pkg/ratelimit.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/securecookie"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	jose "gopkg.in/square/go-jose.v2"

	"github.com/thefixer3x/onasis-authgate/pkg/cache"
	"github.com/thefixer3x/onasis-authgate/pkg/events"
	"github.com/thefixer3x/onasis-authgate/pkg/ratelimit"
	"github.com/thefixer3x/onasis-authgate/storage"
)

// Config holds everything needed to construct a Server. Multiple gateway
// instances pointed at the same Storage and L2 are expected to be
// configured identically (mirrors the same contract dex's own Config
// states for multi-instance dex deployments).
type Config struct {
	Storage storage.Storage
	Cache   *cache.Cache
	Limiter *ratelimit.Limiter

	// CookieDomain is the parent domain session cookies are scoped to
	// (spec §6): ".example.com" so the cookie is shared across
	// subdomains.
	CookieDomain string

	// CookieHashKey/CookieBlockKey back the securecookie codec the
	// session cookie is signed (and, if CookieBlockKey is set,
	// encrypted) with. A production deployment must set a stable
	// CookieHashKey so a restart doesn't invalidate every outstanding
	// session cookie; if unset, a random key is generated at startup.
	CookieHashKey  []byte
	CookieBlockKey []byte

	// JWKS verifies externally-issued JWT credentials (auth_method=jwt,
	// spec §4.9); nil disables the jwt auth method. A production
	// deployment fetches and periodically refreshes this from the
	// upstream issuer's JWKS endpoint before passing it in here — this
	// package only verifies, it never fetches.
	JWKS        *jose.JSONWebKeySet
	JWTIssuer   string
	JWTAudience string

	AuthCodeTTL     time.Duration // default 5m
	AccessTokenTTL  time.Duration // default 15m
	RefreshTokenTTL time.Duration // default 30 * 24h
	UAICacheTTL     time.Duration // default 5m
	ClientCacheTTL  time.Duration // default 1h

	// AllowedOrigins/AllowedHeaders configure CORS on the endpoints that
	// serve browser clients directly (every route except /oauth/authorize
	// and /healthz).
	AllowedOrigins []string
	AllowedHeaders []string

	// Headers are added to every response.
	Headers http.Header

	RealIPHeader       string
	TrustedRealIPCIDRs []netip.Prefix

	PrometheusRegistry *prometheus.Registry

	Logger logrus.FieldLogger

	// Now, if set, replaces time.Now for deterministic tests.
	Now func() time.Time

	// HealthCheck reports whether the server is ready to serve traffic;
	// consulted by /healthz. Nil means always healthy.
	HealthCheck func() error
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Server is the authentication gateway's HTTP surface plus its engines.
type Server struct {
	store   storage.Storage
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	logger  logrus.FieldLogger
	now     func() time.Time

	cookieDomain    string
	authCodeTTL     time.Duration
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	uaiCacheTTL     time.Duration
	clientCacheTTL  time.Duration

	healthCheck func() error

	secureCookie *securecookie.SecureCookie

	jwks        *jose.JSONWebKeySet
	jwtIssuer   string
	jwtAudience string

	identityFlight singleflight.Group

	mux http.Handler
}

// NewServer builds the gorilla/mux router and wraps every route with the
// same header/CORS/instrumentation/request-id middleware chain dex's own
// server.go assembles, grounded on its handleWithCORS/handlerWithHeaders
// closures.
func NewServer(ctx context.Context, c Config) (*Server, error) {
	if c.Storage == nil {
		return nil, fmt.Errorf("server: no storage configured")
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}

	hashKey := c.CookieHashKey
	if len(hashKey) == 0 {
		hashKey = securecookie.GenerateRandomKey(32)
		c.Logger.Warn("server: no CookieHashKey configured, generated a random one; session cookies will not survive a restart")
	}

	s := &Server{
		store:           c.Storage,
		cache:           c.Cache,
		limiter:         c.Limiter,
		logger:          c.Logger,
		now:             c.now,
		cookieDomain:    c.CookieDomain,
		authCodeTTL:     valueOr(c.AuthCodeTTL, 5*time.Minute),
		accessTokenTTL:  valueOr(c.AccessTokenTTL, 15*time.Minute),
		refreshTokenTTL: valueOr(c.RefreshTokenTTL, 30*24*time.Hour),
		uaiCacheTTL:     valueOr(c.UAICacheTTL, 5*time.Minute),
		clientCacheTTL:  valueOr(c.ClientCacheTTL, time.Hour),
		healthCheck:     c.HealthCheck,
		secureCookie:    securecookie.New(hashKey, c.CookieBlockKey),
		jwks:            c.JWKS,
		jwtIssuer:       c.JWTIssuer,
		jwtAudience:     c.JWTAudience,
	}

	instrumentHandler := func(_ string, handler http.Handler) http.HandlerFunc {
		return handler.ServeHTTP
	}
	if c.PrometheusRegistry != nil {
		instrumentHandler = newPrometheusInstrumenter(c.PrometheusRegistry)
	}

	parseRealIP := func(r *http.Request) (string, error) {
		remoteAddr, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return "", err
		}
		remoteIP, err := netip.ParseAddr(remoteAddr)
		if err != nil {
			return "", err
		}
		for _, n := range c.TrustedRealIPCIDRs {
			if !n.Contains(remoteIP) {
				return remoteAddr, nil
			}
		}
		if ipVal := r.Header.Get(c.RealIPHeader); ipVal != "" {
			if ip, err := netip.ParseAddr(ipVal); err == nil {
				return ip.String(), nil
			}
		}
		return remoteAddr, nil
	}

	handlerWithHeaders := func(handlerName string, handler http.Handler) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			for k, v := range c.Headers {
				w.Header()[k] = v
			}
			rCtx := WithRequestID(r.Context())
			if c.RealIPHeader != "" {
				if realIP, err := parseRealIP(r); err == nil {
					rCtx = WithRemoteIP(rCtx, realIP)
				}
			}
			r = r.WithContext(rCtx)
			instrumentHandler(handlerName, handler)(w, r)
		}
	}

	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	handleFunc := func(p string, h http.HandlerFunc) {
		router.Handle(path.Join("/", p), handlerWithHeaders(p, h))
	}
	handleWithCORS := func(p string, h http.HandlerFunc) {
		var handler http.Handler = h
		if len(c.AllowedOrigins) > 0 {
			cors := handlers.CORS(
				handlers.AllowedOrigins(c.AllowedOrigins),
				handlers.AllowedHeaders(c.AllowedHeaders),
			)
			handler = cors(handler)
		}
		router.Handle(path.Join("/", p), handlerWithHeaders(p, handler))
	}
	router.NotFoundHandler = http.NotFoundHandler()

	handleFunc("/oauth/authorize", s.handleAuthorize)
	handleWithCORS("/oauth/token", s.handleToken)
	handleWithCORS("/oauth/revoke", s.handleRevoke)
	handleWithCORS("/oauth/introspect", s.handleIntrospect)

	handleWithCORS("/v1/auth/login", s.handleLogin)
	handleWithCORS("/v1/auth/logout", s.handleLogout)
	handleWithCORS("/v1/auth/session", s.handleSessionInfo)
	handleWithCORS("/v1/auth/verify", s.handleVerify)

	handleWithCORS("/v1/api-keys", s.handleAPIKeysCollection)
	handleWithCORS("/v1/api-keys/{id}", s.handleAPIKeyResource)
	handleWithCORS("/v1/api-keys/{id}/rotate", s.handleAPIKeyRotate)

	handleFunc("/healthz", s.handleHealthz)

	s.mux = router
	return s, nil
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// RunOutboxWorker constructs and runs the outbox delivery worker against
// this server's storage until ctx is canceled. It is a thin convenience
// wrapper so cmd/authgate can register one run.Group actor per concern
// without constructing the worker itself.
func (s *Server) RunOutboxWorker(ctx context.Context, projector events.Projector, opts events.WorkerOptions) error {
	w := events.NewWorker(s.store, projector, s.logger, opts)
	return w.Run(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck != nil {
		if err := s.healthCheck(); err != nil {
			s.logger.WithError(err).Warn("server: health check failed")
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	fmt.Fprint(w, "ok")
}

func valueOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// --- request-scoped context values, grounded on dex's server.go ---

type logRequestKey string

const (
	RequestKeyRequestID logRequestKey = "request_id"
	RequestKeyRemoteIP  logRequestKey = "client_remote_addr"
)

// WithRequestID attaches a freshly generated request id to ctx.
func WithRequestID(ctx context.Context) context.Context {
	return context.WithValue(ctx, RequestKeyRequestID, uuid.NewString())
}

// WithRemoteIP attaches the resolved client IP to ctx.
func WithRemoteIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, RequestKeyRemoteIP, ip)
}

// RequestIDFromContext returns the request id set by WithRequestID, if any.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(RequestKeyRequestID).(string)
	return v
}

// RemoteIPFromContext returns the client IP set by WithRemoteIP, if any.
func RemoteIPFromContext(ctx context.Context) string {
	v, _ := ctx.Value(RequestKeyRemoteIP).(string)
	return v
}
