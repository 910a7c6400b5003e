package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/thefixer3x/onasis-authgate/pkg/authgwerr"
)

// writeJSONError maps an engine error to an HTTP status code and a
// sanitized JSON body, per spec §7's propagation policy: internal causes
// are logged by the caller, never serialized here.
func writeJSONError(w http.ResponseWriter, err error) {
	aerr, ok := err.(*authgwerr.Error)
	if !ok {
		aerr = authgwerr.Wrap(authgwerr.KindService, err, "internal error")
	}

	status := aerr.Kind.HTTPStatus()
	if aerr.Kind == authgwerr.KindOAuthProtocol && aerr.Code == authgwerr.OAuthInvalidClient {
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	}
	if aerr.Kind == authgwerr.KindRateLimit {
		w.Header().Set("Retry-After", strconv.FormatInt(aerr.ResetAfter, 10))
	}

	writeJSONBody(w, status, oauthErrorBody(aerr))
}

// oauthErrorBody renders aerr the way RFC 6749 §5.2 expects error bodies
// to look: {"error": code, "error_description": message}. Non-OAuth kinds
// reuse the same shape since it is also a reasonable generic error body,
// matching dex's own apiError{Type, Description} struct.
func oauthErrorBody(aerr *authgwerr.Error) apiErrorBody {
	code := aerr.Code
	if code == "" {
		code = string(aerr.Kind)
	}
	return apiErrorBody{Error: code, ErrorDescription: aerr.Message}
}

type apiErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeJSONBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// redirectWithOAuthError 302s to redirectURL with error/error_description/
// state appended, per spec §6's authorize-error contract. state is echoed
// even on failure.
func redirectWithOAuthError(w http.ResponseWriter, r *http.Request, redirectURL url.URL, aerr *authgwerr.Error, state string) {
	q := redirectURL.Query()
	code := aerr.Code
	if code == "" {
		code = string(aerr.Kind)
	}
	q.Set("error", code)
	if aerr.Message != "" {
		q.Set("error_description", aerr.Message)
	}
	if state != "" {
		q.Set("state", state)
	}
	redirectURL.RawQuery = q.Encode()
	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
}
