// Package auth validates viewer bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrTokenExpired indicates that the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidToken indicates that the token is invalid
	ErrInvalidToken = errors.New("invalid token")

	// ErrAuthRequired indicates that authentication is required
	ErrAuthRequired = errors.New("authentication required")
)

// Claims represents viewer JWT claims. The subject, when set, is the
// viewer's peer ID.
type Claims struct {
	Substream string `json:"substream,omitempty"`
	jwt.RegisteredClaims
}

// Config configures token validation
type Config struct {
	Enabled bool
	Secret  string
	Issuer  string
}

// Service validates HS256 tokens
type Service struct {
	enabled bool
	secret  []byte
	issuer  string
}

// NewService creates an authentication service
func NewService(cfg Config) *Service {
	return &Service{
		enabled: cfg.Enabled,
		secret:  []byte(cfg.Secret),
		issuer:  cfg.Issuer,
	}
}

// Enabled reports whether requests must carry a token
func (s *Service) Enabled() bool {
	return s.enabled
}

// GenerateToken issues a token for peerID valid for ttl
func (s *Service) GenerateToken(peerID string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   peerID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// ValidateToken validates a JWT token and returns claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	// Parse the token
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})

	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if s.issuer != "" && !claims.VerifyIssuer(s.issuer, true) {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}

	return claims, nil
}

// ExtractToken reads the token from the Authorization header or, for
// browsers opening a WebSocket, the token query parameter
func ExtractToken(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			return strings.TrimPrefix(authHeader, "Bearer "), nil
		}
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	return "", ErrAuthRequired
}

// Authenticate validates the request's token. With auth disabled it
// returns nil claims and no error.
func (s *Service) Authenticate(r *http.Request) (*Claims, error) {
	if !s.enabled {
		return nil, nil
	}

	token, err := ExtractToken(r)
	if err != nil {
		return nil, err
	}

	return s.ValidateToken(token)
}

type contextKey struct{}

// WithClaims returns a context carrying claims
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// ClaimsFromContext returns the claims stored by WithClaims
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok && claims != nil
}

// PeerID returns the token subject stored in ctx, if any
func PeerID(ctx context.Context) string {
	if claims, ok := ClaimsFromContext(ctx); ok {
		return claims.Subject
	}
	return ""
}
