package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ClaimsKey is the gin context key holding the verified claims
const ClaimsKey = "claims"

var ErrAuthNotConfigured = errors.New("authentication not configured")

// AuthConfig configures bearer token verification
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Logger   *zap.Logger
}

// Claims are the verified token claims handed to downstream handlers
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

type claimsKey struct{}

// Verifier checks HMAC signed JWTs
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a verifier for cfg. Issuer and audience are only
// checked when set.
func NewVerifier(cfg AuthConfig) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{
		secret: []byte(cfg.Secret),
		parser: jwt.NewParser(opts...),
	}
}

// Verify parses and validates a token string
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, ErrAuthNotConfigured
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Auth requires "Authorization: Bearer <jwt>". Missing, malformed and
// unverifiable tokens get 401 and halt the chain. With no secret configured
// every request is rejected.
func Auth(cfg AuthConfig) gin.HandlerFunc {
	verifier := NewVerifier(cfg)
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			unauthorized(c, "missing authorization header")
			return
		}

		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			unauthorized(c, "invalid authorization header format")
			return
		}

		claims, err := verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			logger.Debug("bearer token rejected",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err))
			unauthorized(c, "invalid or expired token")
			return
		}

		c.Set(ClaimsKey, claims)
		c.Request = c.Request.WithContext(WithClaims(c.Request.Context(), claims))
		c.Next()
	}
}

// WithClaims stores claims on ctx
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom returns the claims stored by Auth, if any
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

func unauthorized(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", `Bearer realm="api"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}
