package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const subjectKey = "authSubject"

// Subject returns the authenticated caller stored by JWTMiddleware, or an
// empty string when the route is unauthenticated.
func Subject(c *gin.Context) string {
	return c.GetString(subjectKey)
}

// JWTMiddleware requires an HS256 bearer token signed with secret. When
// audience is non-empty the token must list it.
func JWTMiddleware(secret, audience string) gin.HandlerFunc {
	key := []byte(strings.TrimSpace(secret))
	audience = strings.TrimSpace(audience)

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil || !token.Valid {
			unauthorized(c, "invalid token")
			return
		}
		if claims.Subject == "" {
			unauthorized(c, "missing subject")
			return
		}

		c.Set(subjectKey, claims.Subject)
		c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "detail": message})
}
