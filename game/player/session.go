package player

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pongchat/server/game/event"
	"go.uber.org/zap"
)

const (
	sendChanBuf   = 256
	writeDeadline = 10 * time.Second
	readDeadlineS = 60 * time.Second
	pingInterval  = 30 * time.Second // server-side WS ping
)

var (
	// ErrClosed is returned when sending to a closed session.
	ErrClosed = errors.New("session closed")
	// ErrBufferFull is returned when the send buffer of a slow client is full.
	ErrBufferFull = errors.New("send buffer full")
)

// Packet is the unified WS message envelope.
type Packet struct {
	ID      string          `json:"id,omitempty"`
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session is one WebSocket connection of a user. A user may hold several.
type Session struct {
	ID       string
	UserID   int64
	Nickname string

	Conn     *websocket.Conn
	SendChan chan []byte
	Done     chan struct{}
	TraceID  string
	LastSeq  uint64

	logger *zap.Logger
}

// NewSession creates a Session and starts its write goroutine.
func NewSession(userID int64, nickname string, conn *websocket.Conn, logger *zap.Logger) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		Nickname: nickname,
		Conn:     conn,
		SendChan: make(chan []byte, sendChanBuf),
		Done:     make(chan struct{}),
		logger:   logger,
	}
	go s.writePump()
	return s
}

// writePump drains SendChan and writes to the WebSocket connection.
// Also sends periodic WebSocket pings to detect dead connections quickly.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.Conn.Close()
	for {
		select {
		case data, ok := <-s.SendChan:
			if !ok {
				return
			}
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("ws write error",
					zap.Int64("user_id", s.UserID),
					zap.String("conn_id", s.ID),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.Done:
			_ = s.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send encodes pkt and queues it without blocking.
func (s *Session) Send(pkt *Packet) error {
	data, err := json.Marshal(pkt)
	if err != nil {
		return err
	}
	return s.SendRaw(data)
}

// SendRaw queues pre-encoded bytes without blocking.
func (s *Session) SendRaw(data []byte) error {
	if s.IsClosed() {
		return ErrClosed
	}
	select {
	case s.SendChan <- data:
		return nil
	case <-s.Done:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

// Emit sends an outbound event with a JSON-encoded payload.
func (s *Session) Emit(kind event.Outbound, payload interface{}) error {
	raw, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	return s.Send(&Packet{Type: kind.String(), Payload: raw})
}

// EncodePayload marshals v, passing json.RawMessage and nil through.
func EncodePayload(v interface{}) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(v)
}

// Close signals the writePump to shut down.
func (s *Session) Close() {
	select {
	case <-s.Done:
	default:
		close(s.Done)
	}
}

// IsClosed returns true if the session has been closed.
func (s *Session) IsClosed() bool {
	select {
	case <-s.Done:
		return true
	default:
		return false
	}
}

// SetReadDeadline resets the WebSocket read deadline to 60 s from now.
func (s *Session) SetReadDeadline() {
	_ = s.Conn.SetReadDeadline(time.Now().Add(readDeadlineS))
}
