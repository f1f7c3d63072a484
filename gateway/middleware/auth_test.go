package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthenticatorEnforcesTokens(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "s3cret", Issuer: "ops", Audience: "dmarket"}, nil)
	var subject string
	handler := auth.Middleware(ScopeWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = r.Context().Value(ContextKeySubject).(string)
		w.WriteHeader(http.StatusNoContent)
	}))

	exp := time.Now().Add(time.Hour).Unix()
	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad signature", "Bearer " + signToken(t, "other", jwt.MapClaims{"iss": "ops", "aud": "dmarket", "scope": ScopeWrite, "exp": exp}), http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"iss": "x", "aud": "dmarket", "scope": ScopeWrite, "exp": exp}), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"iss": "ops", "aud": "dmarket", "scope": ScopeWrite, "exp": time.Now().Add(-time.Hour).Unix()}), http.StatusUnauthorized},
		{"missing scope", "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"iss": "ops", "aud": "dmarket", "scope": "market:read", "exp": exp}), http.StatusForbidden},
		{"valid", "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"sub": "ops-bot", "iss": "ops", "aud": []interface{}{"dmarket"}, "scope": "market:read " + ScopeWrite, "exp": exp}), http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/offers", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			require.Equal(t, tc.status, res.Code)
		})
	}
	require.Equal(t, "ops-bot", subject)
}

func TestDisabledAuthenticatorAllowsAll(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	handler := auth.Middleware(ScopeWrite)(okHandler())
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusOK, res.Code)
}
