package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"controlhub/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// CallerKey is the gin context key holding the authenticated caller id.
const CallerKey = "user_id"

// validateToken verifies an HS256 JWT and returns its claims.
// exp/nbf/iat are checked when present.
func validateToken(token, secret string, now time.Time) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// SignHS256 builds a compact HS256 JWT for the given claims.
func SignHS256(claims map[string]interface{}, secret string) (string, error) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(claims)).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tok, nil
}

// callerFromClaims prefers user_id over sub; numeric ids are rendered without exponent.
func callerFromClaims(claims jwt.MapClaims) string {
	for _, key := range []string{"user_id", "sub"} {
		switch v := claims[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   "Authentication required",
	})
}

// AuthMiddleware enforces Authorization: Bearer <jwt> and stores the caller id
// under CallerKey. Tokens without a usable subject are rejected.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	secret := ""
	if cfg != nil {
		secret = cfg.JWT.Secret
	}
	return func(c *gin.Context) {
		ah := c.GetHeader("Authorization")
		if len(ah) < len("bearer ") || !strings.EqualFold(ah[:len("bearer ")], "bearer ") {
			unauthorized(c)
			return
		}
		token := strings.TrimSpace(ah[len("bearer "):])
		if token == "" || secret == "" {
			unauthorized(c)
			return
		}
		claims, err := validateToken(token, secret, time.Now())
		if err != nil {
			_ = c.Error(err)
			unauthorized(c)
			return
		}
		caller := callerFromClaims(claims)
		if caller == "" {
			unauthorized(c)
			return
		}
		c.Set(CallerKey, caller)
		c.Next()
	}
}

// CallerID returns the authenticated caller id, or "" when the request is anonymous.
func CallerID(c *gin.Context) string {
	return c.GetString(CallerKey)
}
