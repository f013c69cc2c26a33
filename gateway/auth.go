/*
Package gateway holds the HTTP middleware that sits in front of the ledger.

PURPOSE:
  Every request passes through the same chain before it reaches a handler:
  optional bearer-token identity, admin recognition by email, and a per-IP
  rate limit. The ledger itself knows nothing about callers.

AUTHENTICATION (OPTIMISTIC):
  - No Authorization header     -> anonymous, request continues
  - Valid "Bearer <jwt>"        -> Identity stored in the request context
  - Invalid or expired token    -> warning logged, request continues anonymous
  Handlers that need a caller use RequireAdmin; public endpoints never do.

ADMIN:
  A caller is an admin when the token's email claim is in the configured
  allow-list (case-insensitive).

SEE ALSO:
  - ratelimit.go: fixed-window limiter backed by Redis
  - api/server.go: middleware order
*/
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// =============================================================================
// IDENTITY
// =============================================================================

// Identity is the authenticated caller.
type Identity struct {
	UID     string
	Email   string
	IsAdmin bool
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller's identity, or nil for anonymous requests.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// =============================================================================
// TOKEN VERIFICATION
// =============================================================================

// ErrInvalidToken is returned for malformed, expired or unsigned tokens.
var ErrInvalidToken = errors.New("gateway: invalid token")

// TokenVerifier turns a raw bearer token into an identity.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, raw string) (*Identity, error)
}

// JWTVerifier checks HMAC-signed JWTs. The subject claim becomes the UID.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

type JWTOption func(*JWTVerifier)

func WithIssuer(iss string) JWTOption   { return func(v *JWTVerifier) { v.issuer = iss } }
func WithAudience(aud string) JWTOption { return func(v *JWTVerifier) { v.audience = aud } }

func NewJWTVerifier(secret string, opts ...JWTOption) *JWTVerifier {
	v := &JWTVerifier{secret: []byte(secret)}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type tokenClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func (v *JWTVerifier) VerifyToken(_ context.Context, raw string) (*Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims tokenClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &Identity{UID: claims.Subject, Email: strings.ToLower(claims.Email)}, nil
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// Authenticator attaches an Identity to requests that carry a valid token.
type Authenticator struct {
	verifier TokenVerifier
	admins   map[string]bool
	logger   *slog.Logger
}

func NewAuthenticator(verifier TokenVerifier, adminEmails []string, logger *slog.Logger) *Authenticator {
	admins := make(map[string]bool, len(adminEmails))
	for _, email := range adminEmails {
		if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
			admins[email] = true
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{verifier: verifier, admins: admins, logger: logger}
}

// Middleware never rejects a request; it only decorates the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok || a.verifier == nil {
			next.ServeHTTP(w, r)
			return
		}

		id, err := a.verifier.VerifyToken(r.Context(), raw)
		if err != nil {
			a.logger.WarnContext(r.Context(), "token verification failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		id.IsAdmin = id.Email != "" && a.admins[id.Email]
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireAdmin rejects anonymous callers with 401 and non-admins with 403.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFrom(r.Context())
		switch {
		case id == nil:
			deny(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		case !id.IsAdmin:
			deny(w, http.StatusForbidden, "forbidden", "Admin access required")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func deny(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
