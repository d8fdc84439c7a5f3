package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// CookieName is the cookie carrying the session token.
const CookieName = "session"

// DefaultTTL matches a one day browser session.
const DefaultTTL = 24 * time.Hour

type ctxKey int

const userKey ctxKey = 1

// WithUser adds an authenticated username to the context.
func WithUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, userKey, username)
}

// User returns the authenticated username, if any.
func User(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userKey).(string)
	return v, ok && v != ""
}

// IsAdmin reports whether the request was authenticated. Every account is
// an admin.
func IsAdmin(r *http.Request) bool {
	_, ok := User(r.Context())
	return ok
}

// Sessions issues and verifies HS256 session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

func NewSessions(secret string, ttl time.Duration, clk clock.Clock) *Sessions {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, clock: clk}
}

func (s *Sessions) TTL() time.Duration { return s.ttl }

// Sign creates a token for username.
func (s *Sessions) Sign(username string) (string, error) {
	if username == "" {
		return "", errors.New("empty username")
	}
	now := s.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks a token and returns its subject.
func (s *Sessions) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.clock.Now))
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("no sub")
	}
	return claims.Subject, nil
}

// Token finds the session token of r in the session cookie, a bearer
// Authorization header or the token query parameter, in that order.
func Token(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if b := r.Header.Get("Authorization"); strings.HasPrefix(b, "Bearer ") {
		return strings.TrimPrefix(b, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Identify adds the user of a valid session to the request context. Requests
// without one pass through anonymously.
func (s *Sessions) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok := Token(r); tok != "" {
			if username, err := s.Verify(tok); err == nil {
				r = r.WithContext(WithUser(r.Context(), username))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Cookie returns the cookie carrying token.
func (s *Sessions) Cookie(token string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie expires the session cookie.
func ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	}
}
