// Package session implements the Session Service: short-lived signed
// tokens issued after a successful verify_authentication call, with a
// sliding-window refresh so a relay-issued session stays alive across a
// long-lived client without ever handing out a long-lived token.
//
// Grounded directly on the teacher's pkg/auth.SupabaseAuth.ValidateToken
// (jwt.Parse against an HMAC secret, jwt.MapClaims extraction, signing
// method assertion) generalized from validating a Supabase-issued token to
// signing and verifying the relay's own tokens, and on its TokenClaims
// shape (Sub, Exp, Iat, custom claims) carried into this package's Claims
// type.
package session

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nearkey/signer-core/internal/svcerr"
)

// DefaultTTL is how long a freshly signed token remains valid.
const DefaultTTL = 1 * time.Hour

// DefaultRefreshWindow is how close to expiry a token must be before
// Refresh will reissue it, per spec.md §4.11's "default 15 min".
const DefaultRefreshWindow = 15 * time.Minute

// Claims is the session payload carried in a token, mirroring the
// teacher's TokenClaims shape narrowed to this service's own concerns.
type Claims struct {
	Sub   string                 `json:"sub"`
	Extra map[string]interface{} `json:"extra,omitempty"`
	Exp   int64                  `json:"exp"`
	Iat   int64                  `json:"iat"`
}

// IsExpired reports whether the claims' expiry has passed.
func (c Claims) IsExpired(now time.Time) bool {
	return now.Unix() > c.Exp
}

// CookieSpec configures the cookie a caller wraps a session token in.
// Cookie concerns are intentionally kept out of this package's signing
// logic and delegated to a pluggable builder, per spec.md §4.11.
type CookieSpec struct {
	Name     string
	MaxAge   time.Duration
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite
}

// CookieBuilder turns a signed token into a ready-to-set *http.Cookie.
type CookieBuilder func(token string, spec CookieSpec) *http.Cookie

// DefaultCookieBuilder produces a standard net/http cookie from spec.
func DefaultCookieBuilder(token string, spec CookieSpec) *http.Cookie {
	return &http.Cookie{
		Name:     spec.Name,
		Value:    token,
		MaxAge:   int(spec.MaxAge.Seconds()),
		Secure:   spec.Secure,
		HttpOnly: spec.HTTPOnly,
		SameSite: spec.SameSite,
		Path:     "/",
	}
}

// Service signs and verifies session tokens with a single HMAC secret.
type Service struct {
	secret        []byte
	ttl           time.Duration
	refreshWindow time.Duration
	now           func() time.Time
}

// Option customizes a Service constructed by New.
type Option func(*Service)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithRefreshWindow overrides DefaultRefreshWindow.
func WithRefreshWindow(window time.Duration) Option {
	return func(s *Service) { s.refreshWindow = window }
}

// withNow overrides the clock; used by tests.
func withNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs a Service signing tokens with secret.
func New(secret []byte, opts ...Option) *Service {
	s := &Service{
		secret:        secret,
		ttl:           DefaultTTL,
		refreshWindow: DefaultRefreshWindow,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign issues a new token for sub, merging in extraClaims.
func (s *Service) Sign(sub string, extraClaims map[string]interface{}) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	}
	for k, v := range extraClaims {
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", svcerr.Wrap(svcerr.CodeSessionInvalid, "sign session token", err)
	}
	return signed, nil
}

// Verify reports whether token is a validly signed, unexpired token and,
// if so, its decoded Claims.
func (s *Service) Verify(tokenString string) (valid bool, claims *Claims) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return false, nil
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return false, nil
	}

	parsed := parseMapClaims(mapClaims)
	if parsed.IsExpired(s.now()) {
		return false, nil
	}
	return true, parsed
}

// Refresh reissues a token carried in headers (by convention, an
// Authorization: Bearer <token> header) when the existing token is
// currently valid and within the configured sliding refresh window of its
// expiry. Outside the window, or if the token is invalid or already
// expired, refresh fails without extending the session.
func (s *Service) Refresh(headers http.Header) (ok bool, token string) {
	existing := bearerToken(headers)
	if existing == "" {
		return false, ""
	}

	valid, claims := s.Verify(existing)
	if !valid {
		return false, ""
	}

	remaining := time.Unix(claims.Exp, 0).Sub(s.now())
	if remaining > s.refreshWindow {
		return false, ""
	}

	reissued, err := s.Sign(claims.Sub, claims.Extra)
	if err != nil {
		return false, ""
	}
	return true, reissued
}

func bearerToken(headers http.Header) string {
	auth := headers.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
}

func parseMapClaims(m jwt.MapClaims) *Claims {
	c := &Claims{Extra: make(map[string]interface{})}

	if sub, ok := m["sub"].(string); ok {
		c.Sub = sub
	}
	if exp, ok := m["exp"].(float64); ok {
		c.Exp = int64(exp)
	}
	if iat, ok := m["iat"].(float64); ok {
		c.Iat = int64(iat)
	}
	for k, v := range m {
		switch k {
		case "sub", "exp", "iat":
			continue
		default:
			c.Extra[k] = v
		}
	}
	return c
}
