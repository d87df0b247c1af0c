package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pongchat/server/cache"
	"github.com/pongchat/server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var authSec = config.SecurityConfig{JWTSecret: "secret", JWTTTLH: time.Hour}

func newSessionCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.NewCache(cache.CacheConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func login(t *testing.T, c cache.Cache, userID int64) string {
	t.Helper()
	token, err := GenerateToken(userID, "", authSec.JWTSecret, time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.Set(context.Background(), SessionKey(token), "1", time.Hour))
	return token
}

func TestAuth(t *testing.T) {
	c := newSessionCache(t)
	live := login(t, c, 42)
	orphan, err := GenerateToken(42, "", authSec.JWTSecret, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
		reason string
	}{
		{"no header", "", http.StatusUnauthorized, "missing token"},
		{"wrong scheme", "Token " + live, http.StatusUnauthorized, "missing token"},
		{"garbage", "Bearer notavalidtoken", http.StatusUnauthorized, "invalid token"},
		{"no session", "Bearer " + orphan, http.StatusUnauthorized, "session expired"},
		{"live", "Bearer " + live, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUser int64
			var gotToken string
			r := gin.New()
			r.Use(Auth(authSec, c))
			r.GET("/me", func(ctx *gin.Context) {
				gotUser, gotToken = GetUserID(ctx), GetToken(ctx)
				ctx.Status(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, int64(42), gotUser)
				assert.Equal(t, live, gotToken)
				return
			}
			assert.Contains(t, w.Body.String(), tt.reason)
		})
	}
}

func TestAuthenticate_RevokedSession(t *testing.T) {
	c := newSessionCache(t)
	token := login(t, c, 7)

	claims, ok := Authenticate(context.Background(), token, authSec, c)
	require.True(t, ok)
	assert.Equal(t, int64(7), claims.UserID)

	require.NoError(t, c.Del(context.Background(), SessionKey(token)))
	_, ok = Authenticate(context.Background(), token, authSec, c)
	assert.False(t, ok)
}

func TestGetUserID(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Zero(t, GetUserID(c))
	c.Set(UserIDKey, int64(99))
	assert.Equal(t, int64(99), GetUserID(c))
}

func TestAdminKey(t *testing.T) {
	tests := []struct {
		name, key, header string
		want              int
	}{
		{"match", "k3y", "k3y", http.StatusOK},
		{"wrong", "k3y", "nope", http.StatusUnauthorized},
		{"missing", "k3y", "", http.StatusUnauthorized},
		{"disabled", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(AdminKey(tt.key))
			r.GET("/admin", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set(AdminKeyHeader, tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
