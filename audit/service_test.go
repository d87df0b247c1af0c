package audit

import (
	"context"
	"testing"
	"time"

	"github.com/pongchat/server/model"
	"github.com/pongchat/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newService(t *testing.T, opts ...Option) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	svc := New(db, zap.NewNop(), opts...)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return svc, db
}

func TestLog_StoredOnStop(t *testing.T) {
	svc, db := newService(t)

	svc.Log(Entry{
		TraceID:   "trace-123",
		ActorID:   Int64(3),
		ChannelID: Int64(10),
		Action:    ActionKick,
		Request:   map[string]int64{"target": 4},
		Response:  map[string]bool{"ok": true},
		IP:        "127.0.0.1",
		Latency:   42 * time.Millisecond,
	})
	require.NoError(t, svc.Stop(context.Background()))

	var logs []model.AuditLog
	require.NoError(t, db.Find(&logs).Error)
	require.Len(t, logs, 1)
	got := logs[0]
	assert.Equal(t, "trace-123", got.TraceID)
	require.NotNil(t, got.ActorID)
	assert.Equal(t, int64(3), *got.ActorID)
	assert.Equal(t, int64(10), *got.ChannelID)
	assert.JSONEq(t, `{"target":4}`, string(got.Request))
	assert.JSONEq(t, `{"ok":true}`, string(got.Response))
	assert.Equal(t, "127.0.0.1", got.RemoteIP)
	assert.Equal(t, int64(42), got.LatencyMs)
	assert.Empty(t, got.ErrorCode)
	assert.Equal(t, Stats{Written: 1}, svc.Stats())
}

func TestLog_OptionalFields(t *testing.T) {
	svc, db := newService(t)
	svc.Log(Entry{Action: ActionForbidden, Error: "forbidden"})
	require.NoError(t, svc.Stop(context.Background()))

	var got model.AuditLog
	require.NoError(t, db.First(&got).Error)
	assert.Nil(t, got.ActorID)
	assert.Nil(t, got.ChannelID)
	assert.Empty(t, got.Request)
	assert.Equal(t, "forbidden", got.ErrorCode)
}

func TestLog_FlushedByInterval(t *testing.T) {
	svc, db := newService(t, WithFlushInterval(20*time.Millisecond))
	svc.Log(Entry{Action: "tick"})

	require.Eventually(t, func() bool {
		var n int64
		db.Model(&model.AuditLog{}).Where("action = ?", "tick").Count(&n)
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLog_FlushedByBatchSize(t *testing.T) {
	svc, db := newService(t, WithBatchSize(5), WithFlushInterval(time.Hour))
	for i := 0; i < 5; i++ {
		svc.Log(Entry{Action: "batch"})
	}
	require.Eventually(t, func() bool {
		var n int64
		db.Model(&model.AuditLog{}).Count(&n)
		return n == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLog_DropsWhenFull(t *testing.T) {
	// A stopped writer never drains, so the queue fills deterministically.
	svc := &Service{queue: make(chan *model.AuditLog, 2), quit: make(chan struct{}), logger: zap.NewNop()}
	for i := 0; i < 5; i++ {
		svc.Log(Entry{Action: "flood"})
	}
	assert.Equal(t, uint64(3), svc.Stats().Dropped)
}

func TestLog_AfterStop(t *testing.T) {
	svc, _ := newService(t)
	require.NoError(t, svc.Stop(context.Background()))
	svc.Log(Entry{Action: ActionBan})
	assert.Equal(t, uint64(1), svc.Stats().Dropped)
}

func TestNilService(t *testing.T) {
	var svc *Service
	svc.Log(Entry{Action: ActionBan})
	assert.Equal(t, Stats{}, svc.Stats())
	assert.NoError(t, svc.Stop(context.Background()))
}

func TestStop_Idempotent(t *testing.T) {
	svc, _ := newService(t)
	assert.NoError(t, svc.Stop(context.Background()))
	assert.NoError(t, svc.Stop(context.Background()))
}

func TestQuery(t *testing.T) {
	svc, _ := newService(t)
	svc.Log(Entry{Action: ActionKick, ActorID: Int64(1), ChannelID: Int64(7)})
	svc.Log(Entry{Action: ActionBan, ActorID: Int64(1), ChannelID: Int64(7)})
	svc.Log(Entry{Action: ActionKick, ActorID: Int64(2), ChannelID: Int64(8)})
	svc.Log(Entry{Action: ActionLogin, ActorID: Int64(2)})
	require.NoError(t, svc.Stop(context.Background()))
	ctx := context.Background()

	all, err := svc.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, ActionLogin, all[0].Action, "newest first")

	kicks, err := svc.Query(ctx, Filter{Action: ActionKick})
	require.NoError(t, err)
	assert.Len(t, kicks, 2)

	byActor, err := svc.Query(ctx, Filter{ActorID: 1, ChannelID: 7})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	limited, err := svc.Query(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	future, err := svc.Query(ctx, Filter{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, future)
}

func TestTraceID_Context(t *testing.T) {
	ctx := WithTraceID(context.Background(), "abc")
	assert.Equal(t, "abc", TraceIDFrom(ctx))
	assert.Equal(t, "", TraceIDFrom(context.Background()))
}
