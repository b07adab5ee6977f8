// Package daemon wraps the extension host library in an HTTP/WebSocket
// surface (SPEC_FULL.md §1.1), the thin ambient entrypoint a separate
// spreadsheet front-end process talks to. Its JWT bearer-token check and
// Gin wiring follow backend/internal/middleware/auth.go and
// backend/internal/auth/auth.go's ValidateToken/RequireAuth split, reusing
// the teacher's actual github.com/golang-jwt/jwt/v5 dependency.
package daemon

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload a front-end process presents to authenticate
// as the one client this extension host daemon serves.
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"clientId"`
}

var (
	ErrInvalidToken = errors.New("daemon: invalid bearer token")
	ErrTokenExpired = errors.New("daemon: bearer token expired")
)

// IssueToken mints a short-lived HS256 token for clientID, used by an
// operator CLI or the front-end's own login flow rather than by the
// extension sandbox itself.
func IssueToken(secret []byte, clientID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID: clientID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses and verifies tokenString against secret.
func ValidateToken(secret []byte, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func extractBearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("daemon: authorization header must use the Bearer scheme")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("daemon: empty bearer token")
	}
	return token, nil
}

// RequireAuth validates the request's Authorization header and stores the
// decoded claims in the Gin context under "claims".
func RequireAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header is required", "code": "AUTH_HEADER_MISSING"})
			c.Abort()
			return
		}
		token, err := extractBearerToken(header)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "code": "INVALID_AUTH_HEADER"})
			c.Abort()
			return
		}
		claims, err := ValidateToken(secret, token)
		if err != nil {
			code := "TOKEN_VALIDATION_FAILED"
			if errors.Is(err, ErrTokenExpired) {
				code = "TOKEN_EXPIRED"
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "code": code})
			c.Abort()
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}
