package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, tokenStr string) (string, error)
}

// JWTValidator validates HMAC-signed tokens with a shared secret.
type JWTValidator struct {
	secret []byte
}

func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

func (v *JWTValidator) ValidateToken(_ context.Context, tokenStr string) (string, error) {
	if tokenStr == "" || len(v.secret) == 0 {
		return "", ErrInvalidToken
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	for _, key := range []string{"user_id", "userId", "sub"} {
		if val, ok := claims[key].(string); ok && val != "" {
			return val, nil
		}
	}
	return "", ErrInvalidToken
}

// TokenFromRequest returns the bearer token from the Authorization header,
// or from the token query parameter that browser WebSocket clients use.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Auth rejects requests without a valid token and stores the user id under
// "user_id".
func Auth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := TokenFromRequest(c.Request)
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "UNAUTHORIZED",
					"message": "Authorization token is required",
				},
			})
			c.Abort()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		userID, err := validator.ValidateToken(ctx, tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "UNAUTHORIZED",
					"message": "Invalid or expired token",
				},
			})
			c.Abort()
			return
		}

		c.Set("user_id", userID)
		c.Set("jwtToken", tokenString)
		c.Next()
	}
}

// InternalAPIKeyHeader carries the shared key backend services present on
// internal routes.
const InternalAPIKeyHeader = "X-Internal-Api-Key"

// InternalAuth admits only callers presenting apiKey. User tokens are not
// accepted, and an empty apiKey rejects every request.
func InternalAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader(InternalAPIKeyHeader)
		if apiKey == "" || provided == "" ||
			subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "UNAUTHORIZED",
					"message": "Invalid internal API key",
				},
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// SignToken issues an HS256 token for userID. Production tokens come from
// the auth service; this serves local tooling and tests.
func SignToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":     userID,
		"user_id": userID,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}
