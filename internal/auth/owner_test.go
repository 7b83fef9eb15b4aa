package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoOwner() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(OwnerFromContext(r.Context())))
	})
}

func TestRequireOwner(t *testing.T) {
	t.Parallel()

	handler := RequireOwner(echoOwner())

	tests := []struct {
		name   string
		target string
		header string
		code   int
		body   string
	}{
		{name: "header", target: "/", header: "u1", code: http.StatusOK, body: "u1"},
		{name: "query", target: "/?user_id=u2", code: http.StatusOK, body: "u2"},
		{name: "header wins", target: "/?user_id=u2", header: "u1", code: http.StatusOK, body: "u1"},
		{name: "missing", target: "/", code: http.StatusUnauthorized},
		{name: "blank", target: "/", header: "  ", code: http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set(OwnerHeader, tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tc.code, rec.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, rec.Body.String())
			}
		})
	}
}

func TestRequireAPIKey(t *testing.T) {
	t.Parallel()

	handler := RequireAPIKey("secret")(echoOwner())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(APIKeyHeader, "wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(APIKeyHeader, "secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/?api_key=secret", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
