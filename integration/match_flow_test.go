package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchmakingRoundTrip(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	_, idA, wsA := ts.LoginAndConnect(t, UniqueID("plA"))
	defer wsA.Close()
	_, idB, wsB := ts.LoginAndConnect(t, UniqueID("plB"))
	defer wsB.Close()

	wsA.Send("enter-matching", nil)
	assert.Equal(t, "matching", recvStatusOf(t, wsA, idA)["state"])

	wsB.Send("enter-matching", nil)
	foundB := PayloadMap(t, wsB.RecvType("match-found", wait))
	foundA := PayloadMap(t, wsA.RecvType("match-found", wait))
	assert.Equal(t, float64(idA), foundB["opponent_id"])
	assert.Equal(t, float64(idB), foundA["opponent_id"])
	assert.Equal(t, foundA["game_id"], foundB["game_id"])

	// Chat is not available while playing.
	wsA.Send("join-channel", map[string]interface{}{"channel_id": 1})
	assert.Equal(t, "invalid_transition", PayloadMap(t, wsA.RecvType("error", wait))["code"])

	wsA.Send("exit-game", nil)
	endedA := PayloadMap(t, wsA.RecvType("game-ended", wait))
	endedB := PayloadMap(t, wsB.RecvType("game-ended", wait))
	assert.Equal(t, float64(idA), endedA["ended_by"])
	assert.Equal(t, endedA["game_id"], endedB["game_id"])
}

func TestCancelMatching(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	_, idA, wsA := ts.LoginAndConnect(t, UniqueID("solo"))
	defer wsA.Close()

	wsA.Send("cancel-matching", nil)
	assert.Equal(t, "invalid_transition", PayloadMap(t, wsA.RecvType("error", wait))["code"])

	wsA.Send("enter-matching", nil)
	recvStatusOf(t, wsA, idA)
	wsA.Send("cancel-matching", nil)
	assert.Equal(t, "idle", recvStatusOf(t, wsA, idA)["state"])

	resp := ts.Admin(t, http.MethodGet, "/api/admin/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	ReadJSON(t, resp, &body)
	assert.Equal(t, float64(0), body["matching_waiting"])
}

func TestOpponentDisconnectEndsGame(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	_, _, wsA := ts.LoginAndConnect(t, UniqueID("qtA"))
	defer wsA.Close()
	_, idB, wsB := ts.LoginAndConnect(t, UniqueID("qtB"))

	wsA.Send("enter-matching", nil)
	wsB.Send("enter-matching", nil)
	wsA.RecvType("match-found", wait)
	wsB.RecvType("match-found", wait)

	wsB.Close()
	ended := PayloadMap(t, wsA.RecvType("game-ended", wait))
	assert.Equal(t, float64(idB), ended["ended_by"])

	wsA.Send("ping", map[string]interface{}{"ts": time.Now().UnixMilli()})
	assert.NotNil(t, PayloadMap(t, wsA.RecvType("pong", wait))["server_ts"])
}
