package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/emissary-hq/emissary/pkg/auth"
)

func csrfTestHandler() http.Handler {
	protected := CSRF("/auth/login")
	return protected(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCSRFSafeMethodsPass(t *testing.T) {
	handler := csrfTestHandler()

	for _, method := range []string{"GET", "HEAD", "OPTIONS"} {
		req := httptest.NewRequest(method, "/api/resource", nil)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		assert.Equal(t, http.StatusOK, recorder.Code, method)
	}
}

func TestCSRFExemptPathPasses(t *testing.T) {
	handler := csrfTestHandler()

	req := httptest.NewRequest("POST", "/auth/login", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestCSRFSSOCallbacksExempt(t *testing.T) {
	handler := csrfTestHandler()

	req := httptest.NewRequest("POST", "/auth/saml/callback", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestCSRFMissingTokenRejected(t *testing.T) {
	handler := csrfTestHandler()

	req := httptest.NewRequest("POST", "/api/resource", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusForbidden, recorder.Code)
}

func TestCSRFMismatchedTokenRejected(t *testing.T) {
	handler := csrfTestHandler()

	req := httptest.NewRequest("POST", "/api/resource", nil)
	req.AddCookie(&http.Cookie{Name: auth.CookieCSRF, Value: "cookie-value"})
	req.Header.Set(CSRFHeader, "different-value")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusForbidden, recorder.Code)
}

func TestCSRFMatchingTokenPasses(t *testing.T) {
	handler := csrfTestHandler()

	req := httptest.NewRequest("POST", "/api/resource", nil)
	req.AddCookie(&http.Cookie{Name: auth.CookieCSRF, Value: "token-123"})
	req.Header.Set(CSRFHeader, "token-123")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)
}
