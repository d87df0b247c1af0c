package model_test

import (
	"testing"
	"time"

	"github.com/pongchat/server/model"
	"github.com/pongchat/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoMigrate_InsertAndQuery(t *testing.T) {
	db := testutil.SetupTestDB(t)

	// User
	u := &model.User{Username: "alice", Nickname: "Alice", PasswordHash: "hash"}
	require.NoError(t, db.Create(u).Error)
	assert.Greater(t, u.ID, int64(0))

	var found model.User
	require.NoError(t, db.First(&found, u.ID).Error)
	assert.Equal(t, "alice", found.Username)
	assert.Equal(t, model.UserStatusOffline, found.Status)

	peer := &model.User{Username: "bob", Nickname: "Bob", PasswordHash: "hash"}
	require.NoError(t, db.Create(peer).Error)

	// Relation
	rel := &model.Relation{SenderID: u.ID, ReceiverID: peer.ID, Type: model.RelationFriend}
	require.NoError(t, db.Create(rel).Error)

	// Channel + member + ban
	ch := &model.Channel{Name: "general", Kind: model.ChannelPublic, OwnerID: u.ID}
	require.NoError(t, db.Create(ch).Error)
	require.NoError(t, db.Create(&model.ChannelMember{ChannelID: ch.ID, UserID: u.ID, Role: model.RoleOwner}).Error)
	require.NoError(t, db.Create(&model.ChannelBan{ChannelID: ch.ID, UserID: peer.ID, BannedBy: u.ID}).Error)

	// Game
	g := &model.Game{LeftID: u.ID, RightID: peer.ID}
	require.NoError(t, db.Create(g).Error)
	assert.False(t, g.StartedAt.IsZero())

	// AuditLog
	al := &model.AuditLog{TraceID: "trace-001", Action: "kick", CreatedAt: time.Now()}
	require.NoError(t, db.Create(al).Error)
}

func TestRelation_OrderedPairUnique(t *testing.T) {
	db := testutil.SetupTestDB(t)

	require.NoError(t, db.Create(&model.Relation{SenderID: 1, ReceiverID: 2, Type: model.RelationFriend}).Error)
	// reverse direction is a different ordered pair
	require.NoError(t, db.Create(&model.Relation{SenderID: 2, ReceiverID: 1, Type: model.RelationBlock}).Error)
	// same ordered pair violates the unique index
	assert.Error(t, db.Create(&model.Relation{SenderID: 1, ReceiverID: 2, Type: model.RelationBlock}).Error)
}

func TestChannelRole_String(t *testing.T) {
	assert.Equal(t, "owner", model.RoleOwner.String())
	assert.Equal(t, "admin", model.RoleAdmin.String())
	assert.Equal(t, "member", model.RoleMember.String())
	assert.True(t, model.RoleOwner > model.RoleAdmin && model.RoleAdmin > model.RoleMember)
}

func TestChannel_DMKeyUnique(t *testing.T) {
	db := testutil.SetupTestDB(t)
	key := "1:2"
	require.NoError(t, db.Create(&model.Channel{Name: "dm", Kind: model.ChannelDM, DMKey: &key, OwnerID: 1}).Error)
	assert.Error(t, db.Create(&model.Channel{Name: "dm", Kind: model.ChannelDM, DMKey: &key, OwnerID: 2}).Error)
	// public channels carry no key and never collide
	require.NoError(t, db.Create(&model.Channel{Name: "a", Kind: model.ChannelPublic, OwnerID: 1}).Error)
	require.NoError(t, db.Create(&model.Channel{Name: "b", Kind: model.ChannelPublic, OwnerID: 1}).Error)
}
