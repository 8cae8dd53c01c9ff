package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/emissary-hq/emissary/pkg/auth"
	"github.com/emissary-hq/emissary/pkg/httputil"
)

// CSRFHeader is the request header clients echo the CSRF cookie into.
const CSRFHeader = "X-CSRF-Token"

// CSRF enforces the double-submit check on state-changing requests: the
// value of the script-readable CSRF cookie must be echoed in the request
// header. Safe methods and the exempt paths (login, bootstrap and the SSO
// callbacks, which have no session yet) pass through.
func CSRF(exemptPaths ...string) func(http.Handler) http.Handler {
	exempt := make(map[string]bool, len(exemptPaths))
	for _, path := range exemptPaths {
		exempt[path] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			if exempt[r.URL.Path] || strings.HasPrefix(r.URL.Path, "/auth/saml/") || strings.HasPrefix(r.URL.Path, "/auth/oidc/") {
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(auth.CookieCSRF)
			if err != nil || cookie.Value == "" {
				httputil.WriteForbidden(w, "missing csrf token")
				return
			}
			header := r.Header.Get(CSRFHeader)
			if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
				httputil.WriteForbidden(w, "csrf token mismatch")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
