// Package auth resolves the user behind a request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// UserHeader names the user when token verification is disabled.
	UserHeader    = "X-User-ID"
	AnonymousUser = "anonymous"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Claims are the token claims the facilitator issues and accepts.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Verifier turns a request into an authenticated user id.
type Verifier interface {
	Authenticate(r *http.Request) (string, error)
}

// JWTVerifier accepts HS256 bearer tokens. Browsers cannot set headers on a
// websocket handshake, so the token may also come from the access_token
// query parameter.
type JWTVerifier struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTVerifier(secret, issuer string, ttl time.Duration) *JWTVerifier {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a token for userID.
func (v *JWTVerifier) Issue(userID, name string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id is required")
	}
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
		Name: name,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (v *JWTVerifier) Verify(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: invalid token claims", ErrUnauthenticated)
	}
	return claims, nil
}

func (v *JWTVerifier) Authenticate(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	claims, err := v.Verify(raw)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// HeaderVerifier trusts the X-User-ID header. It is meant for local
// development and deployments behind an authenticating proxy.
type HeaderVerifier struct{}

func (HeaderVerifier) Authenticate(r *http.Request) (string, error) {
	if user := strings.TrimSpace(r.Header.Get(UserHeader)); user != "" {
		return user, nil
	}
	if user := strings.TrimSpace(r.URL.Query().Get("user")); user != "" {
		return user, nil
	}
	return AnonymousUser, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

type ctxKey struct{}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

func UserFrom(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(ctxKey{}).(string)
	return user, ok && user != ""
}
