package server

import (
	"net/http"
	"time"

	"github.com/thefixer3x/onasis-authgate/pkg/authgwerr"
)

// rateLimitClass names one of spec §4.8's "endpoint classes": a distinct
// budget, keyed to whatever credential actually identifies the caller at
// that point in the flow (remote IP before any client/user is known,
// client_id once a token request names one, user_id once a session
// exists).
type rateLimitClass struct {
	prefix string
	limit  int
	window time.Duration
}

var (
	// rateLimitAuthorize guards the authorization endpoint, keyed by
	// remote IP: the caller is a browser redirect, no client credential
	// has been authenticated yet.
	rateLimitAuthorize = rateLimitClass{prefix: "rl:authorize", limit: 30, window: time.Minute}

	// rateLimitToken guards token issuance, keyed by client_id once the
	// request names one (falls back to remote IP otherwise).
	rateLimitToken = rateLimitClass{prefix: "rl:token", limit: 60, window: time.Minute}

	// rateLimitLogin guards first-party session creation, keyed by
	// remote IP.
	rateLimitLogin = rateLimitClass{prefix: "rl:login", limit: 10, window: time.Minute}

	// rateLimitVerify guards the high-volume identity-check endpoint,
	// keyed by remote IP with a much larger budget since every proxied
	// request through a gateway client legitimately calls it.
	rateLimitVerify = rateLimitClass{prefix: "rl:verify", limit: 600, window: time.Minute}
)

// allowRate enforces class's sliding-window budget against key. It writes
// the 429 response itself and returns false when the caller should stop
// handling the request; a nil Limiter (rate limiting not configured) or
// an empty key always allows.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, class rateLimitClass, key string) bool {
	if s.limiter == nil || key == "" {
		return true
	}
	decision := s.limiter.Allow(r.Context(), class.prefix+":"+key, class.limit, class.window)
	if decision.Allowed {
		return true
	}
	resetAfter := int64(time.Until(decision.ResetAt).Seconds())
	if resetAfter < 0 {
		resetAfter = 0
	}
	writeJSONError(w, authgwerr.RateLimit(resetAfter))
	return false
}

// rateLimitKeyOr returns preferred when it is non-empty, and otherwise the
// remote IP, the one identifier every endpoint class can fall back to
// before a client_id or user_id is known.
func rateLimitKeyOr(r *http.Request, preferred string) string {
	if preferred != "" {
		return preferred
	}
	return RemoteIPFromContext(r.Context())
}
