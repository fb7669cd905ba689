package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func serve(origins []string, method, origin string) *httptest.ResponseRecorder {
	h := CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(method, "/api/state", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORSExplicitOriginGetsCredentials(t *testing.T) {
	t.Parallel()

	rec := serve([]string{"http://localhost:5173"}, http.MethodGet, "http://localhost:5173")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Moodchat-Session-ID")
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	t.Parallel()

	rec := serve([]string{"*"}, http.MethodGet, "http://evil.example")
	assert.Equal(t, "http://evil.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSUnknownOrigin(t *testing.T) {
	t.Parallel()

	rec := serve([]string{"http://localhost:5173"}, http.MethodGet, "http://other.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	t.Parallel()

	rec := serve([]string{"*"}, http.MethodOptions, "http://a.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
