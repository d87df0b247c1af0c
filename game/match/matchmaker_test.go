package match

import (
	"context"
	"sync"
	"testing"

	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEnqueue_PairsOldestWaiter(t *testing.T) {
	m := NewMatchmaker(testutil.SetupTestDB(t), zap.NewNop())
	ctx := context.Background()

	p, err := m.Enqueue(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, p)
	p, err = m.Enqueue(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(1), p.Waiter)
	assert.Equal(t, int64(2), p.Joiner)
	assert.Equal(t, int64(2), p.Opponent(1))
	assert.Equal(t, int64(1), p.Opponent(2))
	assert.Greater(t, p.GameID, int64(0))
	assert.Zero(t, m.Waiting())
}

func TestEnqueue_Duplicate(t *testing.T) {
	m := NewMatchmaker(testutil.SetupTestDB(t), zap.NewNop())
	_, err := m.Enqueue(context.Background(), 1)
	require.NoError(t, err)
	_, err = m.Enqueue(context.Background(), 1)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, 1, m.Waiting())
}

func TestCancel_OnlyOwnEntry(t *testing.T) {
	m := NewMatchmaker(testutil.SetupTestDB(t), zap.NewNop())
	ctx := context.Background()
	_, _ = m.Enqueue(ctx, 1)

	assert.False(t, m.Cancel(2))
	assert.Equal(t, 1, m.Waiting())
	assert.True(t, m.Cancel(1))
	assert.False(t, m.Cancel(1))
	assert.Zero(t, m.Waiting())

	// after cancel the next user waits instead of pairing
	p, err := m.Enqueue(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestFinalize(t *testing.T) {
	m := NewMatchmaker(testutil.SetupTestDB(t), zap.NewNop())
	ctx := context.Background()
	_, _ = m.Enqueue(ctx, 1)
	p, _ := m.Enqueue(ctx, 2)

	g, err := m.Finalize(ctx, p.GameID, 2)
	require.NoError(t, err)
	require.NotNil(t, g.EndedAt)
	assert.Equal(t, int64(2), *g.EndedBy)

	// second finalize keeps the first result
	g, err = m.Finalize(ctx, p.GameID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), *g.EndedBy)

	_, err = m.Finalize(ctx, 999, 1)
	assert.ErrorIs(t, err, apperr.ErrGameNotFound)
	assert.Equal(t, "game_not_found", apperr.CodeOf(err))

	games, err := m.Recent(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, games, 1)
}

func TestEnqueue_ConcurrentPairsEveryone(t *testing.T) {
	m := NewMatchmaker(testutil.SetupTestDB(t), zap.NewNop())
	ctx := context.Background()

	var mu sync.Mutex
	paired := map[int64]int{}
	var wg sync.WaitGroup
	for uid := int64(1); uid <= 10; uid++ {
		wg.Add(1)
		go func(u int64) {
			defer wg.Done()
			p, err := m.Enqueue(ctx, u)
			if err != nil || p == nil {
				return
			}
			mu.Lock()
			paired[p.Waiter]++
			paired[p.Joiner]++
			mu.Unlock()
		}(uid)
	}
	wg.Wait()
	assert.Len(t, paired, 10)
	for uid, n := range paired {
		assert.Equal(t, 1, n, "user %d paired %d times", uid, n)
	}
	assert.Zero(t, m.Waiting())
}
