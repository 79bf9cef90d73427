package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/auth"
)

const (
	secret = "0123456789abcdef0123456789abcdef"
	issuer = "signon-test"
)

func mint(t *testing.T, sub string, ttl time.Duration, roles ...auth.Role) string {
	t.Helper()
	tok, err := auth.Mint(secret, issuer, sub, roles, ttl)
	require.NoError(t, err)
	return tok
}

func TestVerify(t *testing.T) {
	v := auth.NewVerifier(secret, issuer)

	p, err := v.Verify(mint(t, "bob", time.Minute, auth.RoleOperator, "admin"))
	require.NoError(t, err)
	assert.Equal(t, "bob", p.ID)
	assert.Equal(t, []auth.Role{auth.RoleOperator}, p.Roles, "unknown roles are dropped")

	_, err = v.Verify(mint(t, "bob", -time.Minute, auth.RoleOperator))
	assert.Equal(t, apperr.CodeUnauthenticated, apperr.CodeOf(err))

	other, err := auth.Mint(secret, "someone-else", "bob", []auth.Role{auth.RoleOperator}, time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(other)
	assert.True(t, apperr.IsKind(err, apperr.KindAuth))

	forged, err := auth.Mint("another-secret-another-secret!!", issuer, "bob", []auth.Role{auth.RoleOperator}, time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(forged)
	assert.True(t, apperr.IsKind(err, apperr.KindAuth))

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "bob", "iss": issuer, "exp": time.Now().Add(time.Minute).Unix()})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(unsigned)
	assert.True(t, apperr.IsKind(err, apperr.KindAuth))
}

func TestAuthenticateBindsClaimedRole(t *testing.T) {
	v := auth.NewVerifier(secret, issuer)
	tok := mint(t, "alice", time.Minute, auth.RoleRequester)

	p, err := v.Authenticate(tok, auth.RoleRequester)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.ID)

	_, err = v.Authenticate(tok, auth.RoleOperator)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
}

func TestMiddlewareAndRequireRole(t *testing.T) {
	v := auth.NewVerifier(secret, issuer)
	r := chi.NewRouter()
	r.Use(auth.Middleware(v))
	r.With(auth.RequireRole(auth.RoleOperator)).Get("/queue", func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.FromContext(r.Context())
		w.Write([]byte(p.ID))
	})

	do := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/queue", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, do("").Code)
	assert.Equal(t, http.StatusForbidden, do(mint(t, "alice", time.Minute, auth.RoleRequester)).Code)

	rec := do(mint(t, "bob", time.Minute, auth.RoleOperator))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", rec.Body.String())
}
