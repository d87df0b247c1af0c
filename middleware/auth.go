package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pongchat/server/cache"
	"github.com/pongchat/server/config"
)

const (
	UserIDKey      = "user_id"
	TokenKey       = "token"
	AdminKeyHeader = "X-Admin-Key"
)

// SessionKey is the cache key marking token as a live login.
func SessionKey(token string) string { return "session:" + token }

var (
	errTokenMissing = errors.New("missing token")
	errTokenInvalid = errors.New("invalid token")
	errNoSession    = errors.New("session expired")
)

// Authenticate validates a JWT and checks its session is still live.
func Authenticate(ctx context.Context, token string, sec config.SecurityConfig, c cache.Cache) (*Claims, bool) {
	claims, err := authenticate(ctx, token, sec, c)
	return claims, err == nil
}

func authenticate(ctx context.Context, token string, sec config.SecurityConfig, c cache.Cache) (*Claims, error) {
	if token == "" {
		return nil, errTokenMissing
	}
	claims, err := ParseToken(token, sec.JWTSecret)
	if err != nil {
		return nil, errTokenInvalid
	}
	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	live, err := c.Exists(cacheCtx, SessionKey(token))
	if err != nil || !live {
		return nil, errNoSession
	}
	return claims, nil
}

// Auth requires "Authorization: Bearer <jwt>" backed by a live session and
// stores the user id and token on the context.
func Auth(sec config.SecurityConfig, c cache.Cache) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token, ok := strings.CutPrefix(ctx.GetHeader("Authorization"), "Bearer ")
		if !ok {
			token = ""
		}
		token = strings.TrimSpace(token)
		claims, err := authenticate(ctx.Request.Context(), token, sec, c)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "code": "unauthorized"})
			return
		}
		ctx.Set(UserIDKey, claims.UserID)
		ctx.Set(TokenKey, token)
		ctx.Next()
	}
}

// GetUserID returns the authenticated user id, 0 outside Auth.
func GetUserID(c *gin.Context) int64 {
	return c.GetInt64(UserIDKey)
}

// GetToken retrieves the bearer token of the authenticated request.
func GetToken(c *gin.Context) string {
	return c.GetString(TokenKey)
}

// AdminKey guards operator endpoints with a shared key. An empty key
// disables them.
func AdminKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(AdminKeyHeader)
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin key required"})
			return
		}
		c.Next()
	}
}
