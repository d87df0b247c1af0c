package ws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/audit"
	"github.com/pongchat/server/game/event"
	"github.com/pongchat/server/game/player"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nop() *zap.Logger { return zap.NewNop() }

// newSession creates a connection-less Session for testing.
func newSession(userID int64) *player.Session {
	return &player.Session{
		ID:       "c1",
		UserID:   userID,
		SendChan: make(chan []byte, 256),
		Done:     make(chan struct{}),
	}
}

func makePacket(t *testing.T, seq uint64, msgType string, payload interface{}) []byte {
	t.Helper()
	var p json.RawMessage
	if payload != nil {
		var err error
		p, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	b, err := json.Marshal(player.Packet{Seq: seq, Type: msgType, Payload: p})
	require.NoError(t, err)
	return b
}

func sent(t *testing.T, s *player.Session) []player.Packet {
	t.Helper()
	var out []player.Packet
	for {
		select {
		case raw := <-s.SendChan:
			var pkt player.Packet
			require.NoError(t, json.Unmarshal(raw, &pkt))
			out = append(out, pkt)
		default:
			return out
		}
	}
}

func counting(n *int) HandlerFunc {
	return func(context.Context, *player.Session, json.RawMessage) (interface{}, error) {
		*n++
		return nil, nil
	}
}

func TestRouter_Dispatch_Basic(t *testing.T) {
	r := NewRouter(nop())
	var calls int
	s := newSession(1)
	r.Dispatch(context.Background(), s, Table{event.Ping: counting(&calls)}, makePacket(t, 1, "ping", nil))
	assert.Equal(t, 1, calls)
	assert.Empty(t, sent(t, s))
}

func TestRouter_Dispatch_MalformedJSON(t *testing.T) {
	r := NewRouter(nop())
	s := newSession(1)
	r.Dispatch(context.Background(), s, Table{}, []byte("not json"))

	pkts := sent(t, s)
	require.Len(t, pkts, 1)
	assert.Equal(t, "error", pkts[0].Type)
}

func TestRouter_Dispatch_UnknownType(t *testing.T) {
	r := NewRouter(nop())
	var calls int
	s := newSession(1)
	r.Dispatch(context.Background(), s, Table{event.Ping: counting(&calls)}, makePacket(t, 1, "teleport", nil))
	assert.Zero(t, calls)

	pkts := sent(t, s)
	require.Len(t, pkts, 1)
	var body ErrorPayload
	require.NoError(t, json.Unmarshal(pkts[0].Payload, &body))
	assert.Equal(t, "teleport", body.Event)
	assert.Equal(t, apperr.ErrBadRequest.Code, body.Code)
}

func TestRouter_Dispatch_AntiReplay_RejectsOldSeq(t *testing.T) {
	r := NewRouter(nop())
	var calls int
	table := Table{event.Ping: counting(&calls)}
	s := newSession(1)

	r.Dispatch(context.Background(), s, table, makePacket(t, 5, "ping", nil))
	r.Dispatch(context.Background(), s, table, makePacket(t, 5, "ping", nil))
	r.Dispatch(context.Background(), s, table, makePacket(t, 3, "ping", nil))
	assert.Equal(t, 1, calls)

	r.Dispatch(context.Background(), s, table, makePacket(t, 6, "ping", nil))
	assert.Equal(t, 2, calls)
}

func TestRouter_Dispatch_SeqZero_SkipsAntiReplay(t *testing.T) {
	r := NewRouter(nop())
	var calls int
	table := Table{event.Ping: counting(&calls)}
	s := newSession(1)
	s.LastSeq = 100

	r.Dispatch(context.Background(), s, table, makePacket(t, 0, "ping", nil))
	r.Dispatch(context.Background(), s, table, makePacket(t, 0, "ping", nil))
	assert.Equal(t, 2, calls)
}

func TestRouter_Dispatch_FailureKinds(t *testing.T) {
	tests := []struct {
		kind event.Inbound
		want string
	}{
		{event.EnterDM, "enter-dm-fail"},
		{event.LeaveChannel, "leave-fail"},
		{event.CloseChannel, "close-fail"},
		{event.CloseChannelWindow, "close-fail"},
		{event.JoinChannel, "error"},
		{event.Kick, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			r := NewRouter(nop())
			s := newSession(1)
			table := Table{tt.kind: func(context.Context, *player.Session, json.RawMessage) (interface{}, error) {
				return nil, apperr.ErrForbidden
			}}
			r.Dispatch(context.Background(), s, table, makePacket(t, 1, tt.kind.String(), nil))

			pkts := sent(t, s)
			require.Len(t, pkts, 1)
			assert.Equal(t, tt.want, pkts[0].Type)
			var body ErrorPayload
			require.NoError(t, json.Unmarshal(pkts[0].Payload, &body))
			assert.Equal(t, tt.kind.String(), body.Event)
			assert.Equal(t, "forbidden", body.Code)
			assert.Equal(t, uint64(1), body.Seq)
		})
	}
}

func TestRouter_Dispatch_HidesInternalErrors(t *testing.T) {
	r := NewRouter(nop())
	s := newSession(1)
	table := Table{event.Ping: func(context.Context, *player.Session, json.RawMessage) (interface{}, error) {
		return nil, assert.AnError
	}}
	r.Dispatch(context.Background(), s, table, makePacket(t, 1, "ping", nil))

	pkts := sent(t, s)
	require.Len(t, pkts, 1)
	var body ErrorPayload
	require.NoError(t, json.Unmarshal(pkts[0].Payload, &body))
	assert.Equal(t, apperr.ErrUnavailable.Code, body.Code)
	assert.NotContains(t, body.Message, assert.AnError.Error())
}

func TestRouter_Dispatch_Ack(t *testing.T) {
	r := NewRouter(nop())
	s := newSession(1)
	table := Table{event.AddFriend: func(context.Context, *player.Session, json.RawMessage) (interface{}, error) {
		return map[string]int64{"target_id": 2}, nil
	}}
	r.Dispatch(context.Background(), s, table, makePacket(t, 7, "add-friend", targetPayload{TargetID: 2}))

	pkts := sent(t, s)
	require.Len(t, pkts, 1)
	assert.Equal(t, "ack", pkts[0].Type)
	var body struct {
		Event string           `json:"event"`
		Seq   uint64           `json:"seq"`
		Data  map[string]int64 `json:"data"`
	}
	require.NoError(t, json.Unmarshal(pkts[0].Payload, &body))
	assert.Equal(t, "add-friend", body.Event)
	assert.Equal(t, uint64(7), body.Seq)
	assert.Equal(t, int64(2), body.Data["target_id"])
}

func TestRouter_Dispatch_TraceID(t *testing.T) {
	r := NewRouter(nop())
	var ids []string
	table := Table{event.Ping: func(ctx context.Context, _ *player.Session, _ json.RawMessage) (interface{}, error) {
		ids = append(ids, audit.TraceIDFrom(ctx))
		return nil, nil
	}}
	s := newSession(1)
	r.Dispatch(context.Background(), s, table, makePacket(t, 1, "ping", nil))
	r.Dispatch(context.Background(), s, table, makePacket(t, 2, "ping", nil))

	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.NotEqual(t, ids[0], ids[1])
	assert.Equal(t, ids[1], s.TraceID)
}

func TestHandlerTable_CoversEveryInbound(t *testing.T) {
	h := &Handler{}
	assert.Empty(t, h.Table().Missing())
}

func TestHandlerTable_PerConnection(t *testing.T) {
	h := &Handler{}
	first, second := h.Table(), h.Table()
	delete(first, event.Ping)
	assert.NotNil(t, second[event.Ping])
	assert.Equal(t, []event.Inbound{event.Ping}, first.Missing())
}

func TestHandlers_RejectMissingIDs(t *testing.T) {
	h := &Handler{}
	table := h.Table()
	s := newSession(1)
	for _, k := range []event.Inbound{event.JoinChannel, event.Kick, event.SetAdmin, event.SendMessage, event.AddFriend, event.EnterDM} {
		_, err := table[k](context.Background(), s, json.RawMessage(`{}`))
		assert.ErrorIs(t, err, apperr.ErrBadRequest, k.String())
	}
	_, err := table[event.LeaveChannel](context.Background(), s, nil)
	assert.ErrorIs(t, err, apperr.ErrBadRequest)
}

func TestHandlePing(t *testing.T) {
	h := &Handler{}
	s := newSession(1)
	reply, err := h.handlePing(context.Background(), s, json.RawMessage(`{"ts":42}`))
	require.NoError(t, err)
	assert.Nil(t, reply)

	pkts := sent(t, s)
	require.Len(t, pkts, 1)
	assert.Equal(t, "pong", pkts[0].Type)
	var body map[string]int64
	require.NoError(t, json.Unmarshal(pkts[0].Payload, &body))
	assert.Equal(t, int64(42), body["ts"])
}
