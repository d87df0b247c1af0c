// Package integration runs the fully wired server over real HTTP and
// WebSocket connections.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pongchat/server/cmd"
	"github.com/pongchat/server/config"
	dbadapter "github.com/pongchat/server/db"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// AdminKey is the operator key configured on every TestServer.
const AdminKey = "integration-admin-key"

var serverSeq atomic.Int64

// TestServer wraps a real HTTP server around cmd.App.
type TestServer struct {
	App    *cmd.App
	Server *httptest.Server
	URL    string // http://127.0.0.1:<port>
	WSURL  string // ws://127.0.0.1:<port>/ws
	Cfg    *config.Config
}

// NewTestServer creates a fully wired server on a private in-memory DB and
// the local cache.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Database.Mode = dbadapter.ModeSQLiteMemory
	cfg.Database.SQLitePath = fmt.Sprintf("integration_%d_%p", serverSeq.Add(1), t)
	cfg.Security.JWTSecret = "integration-test-secret"
	cfg.Security.RateLimitRPS = 1000
	cfg.Security.RateLimitBurst = 2000
	cfg.Server.AdminKey = AdminKey

	app, err := cmd.NewApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err, "NewApp")

	server := httptest.NewServer(app.Engine)
	url := server.URL
	return &TestServer{
		App:    app,
		Server: server,
		URL:    url,
		WSURL:  "ws" + url[len("http"):] + "/ws",
		Cfg:    cfg,
	}
}

// Close shuts down the server and its background work.
func (ts *TestServer) Close() {
	ts.App.Sessions.CloseAll()
	ts.Server.Close()
	ts.App.Close()
}

// --- HTTP helpers ---

func (ts *TestServer) do(t *testing.T, method, path string, body interface{}, token string, headers ...string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodPost, path, body, token)
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodGet, path, nil, token)
}

// Delete sends a DELETE request with optional Bearer token.
func (ts *TestServer) Delete(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodDelete, path, nil, token)
}

// Admin sends an operator request carrying the admin key.
func (ts *TestServer) Admin(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	return ts.do(t, method, path, body, "", "X-Admin-Key", AdminKey)
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// --- Auth helpers ---

// Login logs in (auto-registers on first call) and returns the token and user ID.
func (ts *TestServer) Login(t *testing.T, username, password string) (token string, userID int64) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]interface{}
	ReadJSON(t, resp, &result)
	token = result["token"].(string)
	userID = int64(result["user_id"].(float64))
	return
}

// CreateChannel creates a public channel owned by the token's user.
func (ts *TestServer) CreateChannel(t *testing.T, token, name string) int64 {
	t.Helper()
	resp := ts.PostJSON(t, "/api/channels", map[string]interface{}{"name": name}, token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var result map[string]interface{}
	ReadJSON(t, resp, &result)
	return int64(result["channel"].(map[string]interface{})["id"].(float64))
}

// --- WebSocket client ---

// WSClient wraps a gorilla/websocket connection for integration testing.
// A background readLoop feeds readCh so a timed-out receive never corrupts
// the connection.
type WSClient struct {
	Conn   *websocket.Conn
	t      *testing.T
	seq    uint64
	readCh chan readResult
}

type readResult struct {
	data []byte
	err  error
}

// ConnectWS dials the test server's WS endpoint with the given JWT token.
func (ts *TestServer) ConnectWS(t *testing.T, token string) *WSClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(ts.WSURL+"?token="+token, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "WS dial failed")
	wc := &WSClient{Conn: conn, t: t, readCh: make(chan readResult, 256)}
	go wc.readLoop()
	return wc
}

func (wc *WSClient) readLoop() {
	for {
		_, data, err := wc.Conn.ReadMessage()
		wc.readCh <- readResult{data, err}
		if err != nil {
			return
		}
	}
}

// Send writes one packet with the next seq.
func (wc *WSClient) Send(msgType string, payload interface{}) {
	wc.t.Helper()
	seq := atomic.AddUint64(&wc.seq, 1)
	payloadJSON, err := json.Marshal(payload)
	require.NoError(wc.t, err)
	data, err := json.Marshal(map[string]interface{}{
		"seq":     seq,
		"type":    msgType,
		"payload": json.RawMessage(payloadJSON),
	})
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
}

// RecvAny reads one packet, returning an error on timeout or read failure.
func (wc *WSClient) RecvAny(timeout time.Duration) (map[string]interface{}, error) {
	select {
	case res := <-wc.readCh:
		if res.err != nil {
			return nil, res.err
		}
		var pkt map[string]interface{}
		if err := json.Unmarshal(res.data, &pkt); err != nil {
			return nil, err
		}
		return pkt, nil
	case <-time.After(timeout):
		return nil, errRecvTimeout
	}
}

var errRecvTimeout = fmt.Errorf("read timeout")

// RecvType reads packets until one of type msgType arrives.
func (wc *WSClient) RecvType(msgType string, timeout time.Duration) map[string]interface{} {
	wc.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		pkt, err := wc.RecvAny(remaining)
		if err != nil {
			wc.t.Fatalf("WS recv failed while waiting for %q: %v", msgType, err)
		}
		if pkt["type"] == msgType {
			return pkt
		}
	}
	wc.t.Fatalf("timed out waiting for message type %q", msgType)
	return nil
}

// NoType reports whether no packet of msgType arrives within wait.
func (wc *WSClient) NoType(msgType string, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		pkt, err := wc.RecvAny(remaining)
		if err != nil {
			return true
		}
		if pkt["type"] == msgType {
			return false
		}
	}
}

// Close closes the WebSocket connection.
func (wc *WSClient) Close() {
	_ = wc.Conn.Close()
}

// PayloadMap extracts the payload of a received packet.
func PayloadMap(t *testing.T, pkt map[string]interface{}) map[string]interface{} {
	t.Helper()
	m, ok := pkt["payload"].(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return m
}

// LoginAndConnect logs in and opens a WebSocket, waiting until the user's
// presence record exists.
func (ts *TestServer) LoginAndConnect(t *testing.T, username string) (token string, userID int64, ws *WSClient) {
	t.Helper()
	token, userID = ts.Login(t, username, username+"pass")
	ws = ts.ConnectWS(t, token)
	ws.RecvType("refresh-status", 5*time.Second)
	return token, userID, ws
}

var testCounter uint64

// UniqueID returns a short unique string suitable for usernames.
func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano()%100000, n)
}
