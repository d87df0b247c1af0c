package relation

import (
	"context"
	"sync"
	"testing"

	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/game/keylock"
	"github.com/pongchat/server/game/presence"
	"github.com/pongchat/server/game/users"
	"github.com/pongchat/server/model"
	"github.com/pongchat/server/plugin/hook"
	"github.com/pongchat/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu    sync.Mutex
	pairs [][2]int64
}

func (n *recordingNotifier) RelationChanged(_ context.Context, sender, receiver int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pairs = append(n.pairs, [2]int64{sender, receiver})
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pairs)
}

type fixture struct {
	db       *gorm.DB
	store    *GormStore
	engine   *Engine
	registry *presence.Registry
	notifier *recordingNotifier
	hooks    *hook.Center
	ids      []int64
}

// newFixture creates n users; fx.ids[i] is the id of user i+1.
func newFixture(t *testing.T, n int) *fixture {
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	fx := &fixture{
		db:       db,
		store:    NewGormStore(db),
		registry: presence.NewRegistry(c),
		notifier: &recordingNotifier{},
		hooks:    hook.New(zap.NewNop()),
	}
	fx.engine = NewEngine(fx.store, users.NewDirectory(db), fx.registry, keylock.New(),
		fx.notifier, fx.hooks, zap.NewNop())
	for i := 0; i < n; i++ {
		u := testutil.CreateUser(t, db, "user"+string(rune('a'+i)))
		fx.ids = append(fx.ids, u.ID)
	}
	return fx
}

func (fx *fixture) edges(t *testing.T, sender, receiver int64) []model.Relation {
	var rels []model.Relation
	require.NoError(t, fx.db.Where("sender_id = ? AND receiver_id = ?", sender, receiver).Find(&rels).Error)
	return rels
}

func TestAddFriend_SelfReference(t *testing.T) {
	fx := newFixture(t, 1)
	_, err := fx.engine.AddFriend(context.Background(), fx.ids[0], fx.ids[0])
	assert.ErrorIs(t, err, apperr.ErrSelfReference)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = fx.engine.AddBlock(context.Background(), fx.ids[0], fx.ids[0])
	assert.ErrorIs(t, err, apperr.ErrSelfReference)
	assert.Zero(t, fx.notifier.count())
}

func TestAddFriend_UnknownReceiver(t *testing.T) {
	fx := newFixture(t, 1)
	_, err := fx.engine.AddFriend(context.Background(), fx.ids[0], 999)
	assert.ErrorIs(t, err, apperr.ErrUserNotFound)
}

func TestAddFriend_AlreadyFriended(t *testing.T) {
	fx := newFixture(t, 2)
	ctx := context.Background()
	a, b := fx.ids[0], fx.ids[1]

	rel, err := fx.engine.AddFriend(ctx, a, b)
	require.NoError(t, err)
	assert.Equal(t, model.RelationFriend, rel.Type)

	_, err = fx.engine.AddFriend(ctx, a, b)
	assert.ErrorIs(t, err, apperr.ErrAlreadyFriended)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Len(t, fx.edges(t, a, b), 1)
}

func TestAddBlock_AlreadyBlocked(t *testing.T) {
	fx := newFixture(t, 2)
	ctx := context.Background()
	_, err := fx.engine.AddBlock(ctx, fx.ids[0], fx.ids[1])
	require.NoError(t, err)
	_, err = fx.engine.AddBlock(ctx, fx.ids[0], fx.ids[1])
	assert.ErrorIs(t, err, apperr.ErrAlreadyBlocked)
}

// user 1 blocks then friends user 2: one FRIEND edge, no BLOCK edge.
func TestBlockThenFriend_Supersedes(t *testing.T) {
	fx := newFixture(t, 2)
	ctx := context.Background()
	a, b := fx.ids[0], fx.ids[1]

	_, err := fx.engine.AddBlock(ctx, a, b)
	require.NoError(t, err)
	_, err = fx.engine.AddFriend(ctx, a, b)
	require.NoError(t, err)

	edges := fx.edges(t, a, b)
	require.Len(t, edges, 1)
	assert.Equal(t, model.RelationFriend, edges[0].Type)

	blocking, err := fx.engine.IsBlocking(ctx, a, b)
	require.NoError(t, err)
	assert.False(t, blocking)
	assert.Equal(t, 2, fx.notifier.count())
}

func TestFriendThenBlock_Supersedes(t *testing.T) {
	fx := newFixture(t, 2)
	ctx := context.Background()
	a, b := fx.ids[0], fx.ids[1]

	_, err := fx.engine.AddFriend(ctx, a, b)
	require.NoError(t, err)
	_, err = fx.engine.AddBlock(ctx, a, b)
	require.NoError(t, err)

	edges := fx.edges(t, a, b)
	require.Len(t, edges, 1)
	assert.Equal(t, model.RelationBlock, edges[0].Type)
}

func TestUnFriend_NotFound(t *testing.T) {
	fx := newFixture(t, 2)
	ctx := context.Background()
	a, b := fx.ids[0], fx.ids[1]

	// nothing yet
	assert.ErrorIs(t, fx.engine.UnFriend(ctx, a, b), apperr.ErrNotFoundRelation)

	// last operation was addBlock
	_, err := fx.engine.AddBlock(ctx, a, b)
	require.NoError(t, err)
	err = fx.engine.UnFriend(ctx, a, b)
	assert.ErrorIs(t, err, apperr.ErrNotFoundRelation)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	// last operation was unFriend
	_, err = fx.engine.AddFriend(ctx, a, b)
	require.NoError(t, err)
	require.NoError(t, fx.engine.UnFriend(ctx, a, b))
	assert.ErrorIs(t, fx.engine.UnFriend(ctx, a, b), apperr.ErrNotFoundRelation)
	assert.Empty(t, fx.edges(t, a, b))
}

func TestUnBlock(t *testing.T) {
	fx := newFixture(t, 2)
	ctx := context.Background()
	a, b := fx.ids[0], fx.ids[1]

	assert.ErrorIs(t, fx.engine.UnBlock(ctx, a, b), apperr.ErrNotFoundRelation)
	_, err := fx.engine.AddBlock(ctx, a, b)
	require.NoError(t, err)
	require.NoError(t, fx.engine.UnBlock(ctx, a, b))
	assert.Empty(t, fx.edges(t, a, b))
}

func TestReverseDirectionIndependent(t *testing.T) {
	fx := newFixture(t, 2)
	ctx := context.Background()
	a, b := fx.ids[0], fx.ids[1]

	_, err := fx.engine.AddBlock(ctx, a, b)
	require.NoError(t, err)
	// b may still friend a; a's block is not consulted
	_, err = fx.engine.AddFriend(ctx, b, a)
	require.NoError(t, err)

	assert.Equal(t, model.RelationBlock, fx.edges(t, a, b)[0].Type)
	assert.Equal(t, model.RelationFriend, fx.edges(t, b, a)[0].Type)
}

// Any interleaving of operations on one ordered pair leaves at most one edge
// whose type matches the last successful add.
func TestOrderedPair_AtMostOneEdge(t *testing.T) {
	fx := newFixture(t, 2)
	ctx := context.Background()
	a, b := fx.ids[0], fx.ids[1]

	type op func() (model.RelationType, bool, error)
	ops := []op{
		func() (model.RelationType, bool, error) { _, err := fx.engine.AddFriend(ctx, a, b); return model.RelationFriend, true, err },
		func() (model.RelationType, bool, error) { _, err := fx.engine.AddBlock(ctx, a, b); return model.RelationBlock, true, err },
		func() (model.RelationType, bool, error) { return "", false, fx.engine.UnFriend(ctx, a, b) },
		func() (model.RelationType, bool, error) { return "", false, fx.engine.UnBlock(ctx, a, b) },
	}
	seq := []int{0, 0, 1, 2, 1, 3, 3, 0, 2, 1, 0, 1, 1, 3}

	var want model.RelationType
	for _, i := range seq {
		typ, isAdd, err := ops[i]()
		if err == nil {
			if isAdd {
				want = typ
			} else {
				want = ""
			}
		}
		edges := fx.edges(t, a, b)
		require.LessOrEqual(t, len(edges), 1)
		if want == "" {
			assert.Empty(t, edges)
		} else {
			require.Len(t, edges, 1)
			assert.Equal(t, want, edges[0].Type)
		}
	}
}

func TestConcurrentSupersession(t *testing.T) {
	fx := newFixture(t, 2)
	ctx := context.Background()
	a, b := fx.ids[0], fx.ids[1]

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				_, _ = fx.engine.AddFriend(ctx, a, b)
			} else {
				_, _ = fx.engine.AddBlock(ctx, a, b)
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, fx.edges(t, a, b), 1)
}

func TestListFriendsAndBlocks_WithPresence(t *testing.T) {
	fx := newFixture(t, 3)
	ctx := context.Background()
	a, b, c := fx.ids[0], fx.ids[1], fx.ids[2]

	require.NoError(t, fx.registry.Put(ctx, presence.Record{UserID: b, State: presence.InChat, ChannelID: 7}))
	_, err := fx.engine.AddFriend(ctx, a, b)
	require.NoError(t, err)
	_, err = fx.engine.AddBlock(ctx, a, c)
	require.NoError(t, err)

	friends, err := fx.engine.ListFriends(ctx, a)
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, b, friends[0].UserID)
	assert.True(t, friends[0].IsFriend)
	assert.False(t, friends[0].IsBlocked)
	assert.Equal(t, presence.InChat, friends[0].State)

	blocks, err := fx.engine.ListBlocks(ctx, a)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, c, blocks[0].UserID)
	assert.True(t, blocks[0].IsBlocked)
	assert.Equal(t, presence.Offline, blocks[0].State)
}

func TestListIncoming(t *testing.T) {
	fx := newFixture(t, 3)
	ctx := context.Background()
	a, b, c := fx.ids[0], fx.ids[1], fx.ids[2]

	_, err := fx.engine.AddBlock(ctx, b, a)
	require.NoError(t, err)
	_, err = fx.engine.AddFriend(ctx, c, a)
	require.NoError(t, err)

	blockers, err := fx.engine.ListIncomingBlocks(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []int64{b}, blockers)

	friends, err := fx.engine.ListIncomingFriends(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []int64{c}, friends)

	followers, err := fx.store.Followers(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []int64{c}, followers)
}

func TestRelationChangeHook(t *testing.T) {
	fx := newFixture(t, 2)
	ctx := context.Background()
	var got []hook.RelationChange
	fx.hooks.Register(hook.OnRelationChange, "test", func(_ context.Context, _ string, d interface{}) error {
		got = append(got, d.(hook.RelationChange))
		return nil
	})

	_, err := fx.engine.AddFriend(ctx, fx.ids[0], fx.ids[1])
	require.NoError(t, err)
	require.NoError(t, fx.engine.UnFriend(ctx, fx.ids[0], fx.ids[1]))

	require.Len(t, got, 2)
	assert.Equal(t, "friend", got[0].Type)
	assert.Equal(t, "", got[1].Type)
}
