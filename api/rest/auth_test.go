package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pongchat/server/api/rest"
	"github.com/pongchat/server/audit"
	"github.com/pongchat/server/cache"
	"github.com/pongchat/server/config"
	mw "github.com/pongchat/server/middleware"
	"github.com/pongchat/server/model"
	"github.com/pongchat/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func nopLogger() *zap.Logger { return zap.NewNop() }

var testSec = config.SecurityConfig{
	JWTSecret: "test-secret",
	JWTTTLH:   72 * time.Hour,
}

func newAuthRouter(t *testing.T) (*gin.Engine, *gorm.DB, *audit.Service) {
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	auditSvc := audit.New(db, nopLogger())
	t.Cleanup(func() { auditSvc.Stop(context.Background()) })
	h := rest.NewAuthHandler(db, c, testSec, auditSvc, nopLogger())
	r := gin.New()
	r.Use(mw.TraceID())
	r.POST("/api/auth/login", h.Login)
	r.POST("/api/auth/logout", mw.Auth(testSec, c), h.Logout)
	r.POST("/api/auth/refresh", mw.Auth(testSec, c), h.Refresh)
	return r, db, auditSvc
}

func request(r *gin.Engine, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func postJSON(r *gin.Engine, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	return request(r, http.MethodPost, path, body, headers...)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// tokenFor issues a live session token for u without going through login.
func tokenFor(t *testing.T, c cache.Cache, u *model.User) string {
	t.Helper()
	token, err := mw.GenerateToken(u.ID, u.Username, testSec.JWTSecret, testSec.JWTTTLH)
	require.NoError(t, err)
	require.NoError(t, c.Set(context.Background(), mw.SessionKey(token), "1", testSec.JWTTTLH))
	return token
}

func bearer(token string) []string {
	return []string{"Authorization", "Bearer " + token}
}

func TestLoginAutoRegister(t *testing.T) {
	r, db, _ := newAuthRouter(t)

	w := postJSON(r, "/api/auth/login", map[string]string{
		"username": "alice",
		"password": "pass1234",
		"nickname": "Alice",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.NotEmpty(t, resp["token"])
	assert.NotZero(t, resp["user_id"])
	assert.Equal(t, "Alice", resp["nickname"])

	var u model.User
	require.NoError(t, db.Where("username = ?", "alice").First(&u).Error)
	assert.Equal(t, model.UserStatusOffline, u.Status)
	assert.NotNil(t, u.LastLoginAt)
}

func TestLoginDefaultsNicknameToUsername(t *testing.T) {
	r, _, _ := newAuthRouter(t)
	w := postJSON(r, "/api/auth/login", map[string]string{"username": "erin", "password": "pass1234"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "erin", decodeBody(t, w)["nickname"])
}

func TestLoginWrongPassword(t *testing.T) {
	r, _, _ := newAuthRouter(t)

	postJSON(r, "/api/auth/login", map[string]string{"username": "bob", "password": "correct"})

	w := postJSON(r, "/api/auth/login", map[string]string{"username": "bob", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginValidation(t *testing.T) {
	r, _, _ := newAuthRouter(t)
	w := postJSON(r, "/api/auth/login", map[string]string{"username": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoginSecondTime(t *testing.T) {
	r, _, _ := newAuthRouter(t)

	w1 := postJSON(r, "/api/auth/login", map[string]string{"username": "carol", "password": "pass1234"})
	require.Equal(t, http.StatusOK, w1.Code)

	w2 := postJSON(r, "/api/auth/login", map[string]string{"username": "carol", "password": "pass1234"})
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, decodeBody(t, w1)["user_id"], decodeBody(t, w2)["user_id"])
}

func TestLoginAudited(t *testing.T) {
	r, db, auditSvc := newAuthRouter(t)
	w := postJSON(r, "/api/auth/login", map[string]string{"username": "frank", "password": "pass1234"})
	require.Equal(t, http.StatusOK, w.Code)

	auditSvc.Stop(context.Background())
	var logs []model.AuditLog
	require.NoError(t, db.Where("action = ?", audit.ActionLogin).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.NotEmpty(t, logs[0].TraceID)
}

func TestLogout(t *testing.T) {
	r, _, _ := newAuthRouter(t)

	w := postJSON(r, "/api/auth/login", map[string]string{"username": "dave", "password": "pass1234"})
	require.Equal(t, http.StatusOK, w.Code)
	token := decodeBody(t, w)["token"].(string)

	w2 := postJSON(r, "/api/auth/logout", nil, bearer(token)...)
	assert.Equal(t, http.StatusOK, w2.Code)

	// Second attempt with same token should fail (session removed)
	w3 := postJSON(r, "/api/auth/logout", nil, bearer(token)...)
	assert.Equal(t, http.StatusUnauthorized, w3.Code)
}

func TestRefresh(t *testing.T) {
	r, _, _ := newAuthRouter(t)

	w := postJSON(r, "/api/auth/login", map[string]string{"username": "refreshuser", "password": "pass1234"})
	require.Equal(t, http.StatusOK, w.Code)
	token := decodeBody(t, w)["token"].(string)

	w2 := postJSON(r, "/api/auth/refresh", nil, bearer(token)...)
	require.Equal(t, http.StatusOK, w2.Code)
	newToken := decodeBody(t, w2)["token"].(string)
	assert.NotEmpty(t, newToken)
	assert.NotEqual(t, token, newToken)

	// The old token is revoked, the new one works.
	assert.Equal(t, http.StatusUnauthorized, postJSON(r, "/api/auth/refresh", nil, bearer(token)...).Code)
	assert.Equal(t, http.StatusOK, postJSON(r, "/api/auth/logout", nil, bearer(newToken)...).Code)
}

func TestRefresh_NoToken(t *testing.T) {
	r, _, _ := newAuthRouter(t)
	w := postJSON(r, "/api/auth/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
