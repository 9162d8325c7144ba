package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/reviewsync/internal/access"
	"github.com/lalith-99/reviewsync/internal/auth"
)

// Context keys for storing claims in gin.Context. Handlers read them through
// the getters below, never with raw c.Get calls.
const (
	ContextKeyUserID = "user_id"
	ContextKeyEmail  = "email"
	ContextKeyName   = "name"
	ContextKeyAvatar = "avatar"
)

// AuthMiddleware rejects requests without a valid bearer token with 401 and
// stores the token's claims in the context for the handlers.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization header",
			})
			return
		}

		claims, err := parseBearer(header, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		setClaims(c, claims)
		c.Next()
	}
}

// OptionalAuth accepts anonymous requests. A request that does send a token
// must send a valid one: a bad token is still a 401, never a silent
// downgrade to anonymous.
func OptionalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}

		claims, err := parseBearer(header, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		setClaims(c, claims)
		c.Next()
	}
}

// ServiceToken guards machine-to-machine endpoints with a static shared
// token. An empty token disables the endpoints entirely.
func ServiceToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid service token"})
			return
		}
		c.Next()
	}
}

type authError string

func (e authError) Error() string { return string(e) }

func parseBearer(header, secret string) (*auth.Claims, error) {
	// "Bearer eyJhbG..." → ["Bearer", "eyJhbG..."]
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, authError("invalid authorization format, expected: Bearer <token>")
	}
	claims, err := auth.ParseToken(parts[1], secret)
	if err != nil {
		return nil, authError("invalid or expired token")
	}
	return claims, nil
}

func setClaims(c *gin.Context, claims *auth.Claims) {
	c.Set(ContextKeyUserID, claims.UserID)
	c.Set(ContextKeyEmail, claims.Email)
	c.Set(ContextKeyName, claims.Name)
	c.Set(ContextKeyAvatar, claims.Avatar)
}

func GetUserID(c *gin.Context) string {
	return getString(c, ContextKeyUserID)
}

func GetEmail(c *gin.Context) string {
	return getString(c, ContextKeyEmail)
}

// GetActor builds the access.Actor for the request. Requests that passed
// OptionalAuth without a token get the anonymous actor. Memberships are left
// nil; the service loads them when a decision needs them.
func GetActor(c *gin.Context) access.Actor {
	return access.Actor{
		ID:     GetUserID(c),
		Email:  GetEmail(c),
		Name:   getString(c, ContextKeyName),
		Avatar: getString(c, ContextKeyAvatar),
	}
}

func getString(c *gin.Context, key string) string {
	val, exists := c.Get(key)
	if !exists {
		return ""
	}
	s, ok := val.(string)
	if !ok {
		return ""
	}
	return s
}
