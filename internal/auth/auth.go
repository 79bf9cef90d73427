// Package auth verifies the bearer tokens presented by requesters,
// operators and worker agents.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/neboloop/signon/internal/apperr"
)

// Role scopes what a principal may do.
type Role string

const (
	RoleRequester Role = "requester"
	RoleOperator  Role = "operator"
	RoleWorker    Role = "worker"
)

func (r Role) Valid() bool {
	switch r {
	case RoleRequester, RoleOperator, RoleWorker:
		return true
	}
	return false
}

// Claims carried by signon tokens.
type Claims struct {
	Roles []Role `json:"roles"`
	jwt.RegisteredClaims
}

// Principal is an authenticated caller.
type Principal struct {
	ID    string `json:"id"`
	Roles []Role `json:"roles"`
}

func (p Principal) Has(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Verifier checks HS256 tokens against a shared secret and issuer.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses token and returns its principal.
func (v *Verifier) Verify(token string) (Principal, error) {
	if token == "" {
		return Principal{}, apperr.Unauthenticated("missing token")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		msg := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "token expired"
		}
		return Principal{}, apperr.Unauthenticated("%s", msg)
	}
	if claims.Subject == "" {
		return Principal{}, apperr.Unauthenticated("token has no subject")
	}

	p := Principal{ID: claims.Subject}
	for _, r := range claims.Roles {
		if r.Valid() {
			p.Roles = append(p.Roles, r)
		}
	}
	return p, nil
}

// Authenticate verifies token and binds the claimed role, which the token
// must grant.
func (v *Verifier) Authenticate(token string, claimed Role) (Principal, error) {
	p, err := v.Verify(token)
	if err != nil {
		return Principal{}, err
	}
	if !claimed.Valid() {
		return Principal{}, apperr.Validation("unknown role %q", claimed)
	}
	if !p.Has(claimed) {
		return Principal{}, apperr.Forbidden("token does not grant role %s", claimed)
	}
	return p, nil
}

// Mint signs a token. It exists for development and tests; production
// tokens come from the identity provider.
func Mint(secret, issuer, subject string, roles []Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
