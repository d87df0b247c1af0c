package rest_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pongchat/server/api/rest"
	"github.com/pongchat/server/cache"
	"github.com/pongchat/server/game/keylock"
	"github.com/pongchat/server/game/presence"
	"github.com/pongchat/server/game/relation"
	"github.com/pongchat/server/game/users"
	mw "github.com/pongchat/server/middleware"
	"github.com/pongchat/server/model"
	"github.com/pongchat/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type socialEnv struct {
	r     *gin.Engine
	c     cache.Cache
	alice *model.User
	bob   *model.User
}

func newSocialEnv(t *testing.T) *socialEnv {
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	engine := relation.NewEngine(relation.NewGormStore(db), users.NewDirectory(db),
		presence.NewRegistry(c), keylock.New(), nil, nil, nopLogger())
	h := rest.NewSocialHandler(engine)

	r := gin.New()
	g := r.Group("/api/social", mw.Auth(testSec, c))
	g.GET("/friends", h.ListFriends)
	g.GET("/blocks", h.ListBlocks)
	g.GET("/incoming-friends", h.ListIncomingFriends)
	g.GET("/incoming-blocks", h.ListIncomingBlocks)
	g.POST("/friends/:id", h.AddFriend)
	g.DELETE("/friends/:id", h.RemoveFriend)
	g.POST("/blocks/:id", h.AddBlock)
	g.DELETE("/blocks/:id", h.RemoveBlock)

	return &socialEnv{
		r:     r,
		c:     c,
		alice: testutil.CreateUser(t, db, "alice"),
		bob:   testutil.CreateUser(t, db, "bob"),
	}
}

func TestSocial_FriendLifecycle(t *testing.T) {
	env := newSocialEnv(t)
	aliceTok := tokenFor(t, env.c, env.alice)
	bobTok := tokenFor(t, env.c, env.bob)
	path := fmt.Sprintf("/api/social/friends/%d", env.bob.ID)

	w := request(env.r, http.MethodPost, path, nil, bearer(aliceTok)...)
	require.Equal(t, http.StatusCreated, w.Code)

	w = request(env.r, http.MethodPost, path, nil, bearer(aliceTok)...)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_friended", decodeBody(t, w)["code"])

	w = request(env.r, http.MethodGet, "/api/social/friends", nil, bearer(aliceTok)...)
	require.Equal(t, http.StatusOK, w.Code)
	friends := decodeBody(t, w)["friends"].([]interface{})
	require.Len(t, friends, 1)
	assert.Equal(t, float64(env.bob.ID), friends[0].(map[string]interface{})["user_id"])

	w = request(env.r, http.MethodGet, "/api/social/incoming-friends", nil, bearer(bobTok)...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{float64(env.alice.ID)}, decodeBody(t, w)["user_ids"])

	w = request(env.r, http.MethodDelete, path, nil, bearer(aliceTok)...)
	assert.Equal(t, http.StatusOK, w.Code)
	w = request(env.r, http.MethodDelete, path, nil, bearer(aliceTok)...)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSocial_BlockSupersedesFriend(t *testing.T) {
	env := newSocialEnv(t)
	tok := tokenFor(t, env.c, env.alice)

	request(env.r, http.MethodPost, fmt.Sprintf("/api/social/friends/%d", env.bob.ID), nil, bearer(tok)...)
	w := request(env.r, http.MethodPost, fmt.Sprintf("/api/social/blocks/%d", env.bob.ID), nil, bearer(tok)...)
	require.Equal(t, http.StatusCreated, w.Code)

	w = request(env.r, http.MethodGet, "/api/social/friends", nil, bearer(tok)...)
	assert.Empty(t, decodeBody(t, w)["friends"])
	w = request(env.r, http.MethodGet, "/api/social/blocks", nil, bearer(tok)...)
	assert.Len(t, decodeBody(t, w)["blocks"], 1)

	bobTok := tokenFor(t, env.c, env.bob)
	w = request(env.r, http.MethodGet, "/api/social/incoming-blocks", nil, bearer(bobTok)...)
	assert.Equal(t, []interface{}{float64(env.alice.ID)}, decodeBody(t, w)["user_ids"])
}

func TestSocial_Errors(t *testing.T) {
	env := newSocialEnv(t)
	tok := tokenFor(t, env.c, env.alice)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"self", http.MethodPost, fmt.Sprintf("/api/social/friends/%d", env.alice.ID), http.StatusBadRequest},
		{"unknown user", http.MethodPost, "/api/social/blocks/9999", http.StatusNotFound},
		{"bad id", http.MethodPost, "/api/social/friends/abc", http.StatusBadRequest},
		{"no block", http.MethodDelete, fmt.Sprintf("/api/social/blocks/%d", env.bob.ID), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := request(env.r, tt.method, tt.path, nil, bearer(tok)...)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestSocial_RequiresAuth(t *testing.T) {
	env := newSocialEnv(t)
	w := request(env.r, http.MethodGet, "/api/social/friends", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
