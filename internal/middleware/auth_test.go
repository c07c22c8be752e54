package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nutrimed/chat-relay/internal/middleware"
)

const secret = "test-secret"

// sign signs claims, or raw when claims is nil.
func sign(t *testing.T, method jwt.SigningMethod, key any, claims *middleware.Claims, raw ...jwt.MapClaims) string {
	t.Helper()
	var c jwt.Claims
	if claims != nil {
		c = claims
	} else {
		c = raw[0]
	}
	s, err := jwt.NewWithClaims(method, c).SignedString(key)
	require.NoError(t, err)
	return s
}

func claimsFor(sub string, scopes ...string) *middleware.Claims {
	return &middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: scopes,
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()

	expired := claimsFor("u1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantUser string
	}{
		{name: "valid", header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), claimsFor("u1")), wantCode: http.StatusOK, wantUser: "u1"},
		{name: "lowercase scheme", header: "bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), claimsFor("u2")), wantCode: http.StatusOK, wantUser: "u2"},
		{name: "missing", header: "", wantCode: http.StatusUnauthorized},
		{name: "bad format", header: "Token abc", wantCode: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("other"), claimsFor("u1")), wantCode: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), expired), wantCode: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), claimsFor("")), wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var gotUser string
			h := middleware.Auth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUser = middleware.GetUserID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantUser, gotUser)
		})
	}
}

func TestRequireScope(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := middleware.Auth(secret)(middleware.RequireScope(middleware.ScopeCreditsWrite)(ok))

	for _, tc := range []struct {
		scopes []string
		want   int
	}{
		{scopes: []string{middleware.ScopeCreditsWrite}, want: http.StatusNoContent},
		{scopes: []string{"chat"}, want: http.StatusForbidden},
		{scopes: nil, want: http.StatusForbidden},
	} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, []byte(secret), claimsFor("admin", tc.scopes...)))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "scopes %v", tc.scopes)
	}
}

func TestAuth_ScopeClaimForms(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := middleware.Auth(secret)(middleware.RequireScope(middleware.ScopeCreditsWrite)(ok))
	exp := time.Now().Add(time.Hour).Unix()

	for name, scope := range map[string]any{
		"space delimited": "chat credits:write",
		"array":           []string{"chat", "credits:write"},
	} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, []byte(secret), nil, jwt.MapClaims{
			"sub": "admin", "exp": exp, "scope": scope,
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code, name)
	}
}

func TestAuth_RequiresExpiry(t *testing.T) {
	t.Parallel()

	h := middleware.Auth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, []byte(secret), nil, jwt.MapClaims{"sub": "u1"}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid token"}`, rec.Body.String())
}

func TestScopeList_MarshalJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(middleware.Claims{Scopes: middleware.ScopeList{"chat", "credits:write"}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scope":"chat credits:write"`)
}
