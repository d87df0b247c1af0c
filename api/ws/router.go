package ws

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/audit"
	"github.com/pongchat/server/game/event"
	"github.com/pongchat/server/game/player"
	"go.uber.org/zap"
)

// HandlerFunc processes one decoded inbound event. A non-nil reply is sent
// back to the calling connection as ack.
type HandlerFunc func(ctx context.Context, s *player.Session, payload json.RawMessage) (reply interface{}, err error)

// Table maps every inbound kind to its handler. One Table is built per
// connection and dropped with it.
type Table map[event.Inbound]HandlerFunc

// Missing lists the inbound kinds t has no handler for.
func (t Table) Missing() []event.Inbound {
	var out []event.Inbound
	for _, k := range event.AllInbound() {
		if t[k] == nil {
			out = append(out, k)
		}
	}
	return out
}

// ErrorPayload is the body of error and *-fail events.
type ErrorPayload struct {
	Event   string `json:"event"`
	Seq     uint64 `json:"seq,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AckPayload is the body of ack.
type AckPayload struct {
	Event string      `json:"event"`
	Seq   uint64      `json:"seq,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// failureKind is the outbound event reporting a failed inbound one.
func failureKind(k event.Inbound) event.Outbound {
	switch k {
	case event.EnterDM:
		return event.EnterDMFail
	case event.LeaveChannel:
		return event.LeaveFail
	case event.CloseChannel, event.CloseChannelWindow:
		return event.CloseFail
	default:
		return event.Error
	}
}

// Router decodes packets and dispatches them through a connection's Table.
type Router struct {
	logger *zap.Logger
}

// NewRouter creates a new Router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{logger: logger}
}

// Dispatch decodes raw bytes, validates seq, and invokes the handler of the
// packet's kind. Failures are reported to s only.
func (r *Router) Dispatch(ctx context.Context, s *player.Session, table Table, raw []byte) {
	var pkt player.Packet
	if err := json.Unmarshal(raw, &pkt); err != nil {
		r.logger.Warn("malformed packet",
			zap.Int64("user_id", s.UserID),
			zap.Error(err))
		r.reply(s, event.Error, ErrorPayload{Code: apperr.ErrBadRequest.Code, Message: "malformed packet"})
		return
	}

	// Monotonic seq check (anti-replay). Seq == 0 means no seq tracking.
	if pkt.Seq != 0 && pkt.Seq <= s.LastSeq {
		r.logger.Warn("replayed or out-of-order packet",
			zap.Int64("user_id", s.UserID),
			zap.Uint64("seq", pkt.Seq),
			zap.Uint64("last_seq", s.LastSeq))
		return
	}
	if pkt.Seq != 0 {
		s.LastSeq = pkt.Seq
	}

	kind, ok := event.ParseInbound(pkt.Type)
	fn := table[kind]
	if !ok || fn == nil {
		r.logger.Debug("unhandled message type",
			zap.String("type", pkt.Type),
			zap.Int64("user_id", s.UserID))
		r.reply(s, event.Error, ErrorPayload{
			Event: pkt.Type, Seq: pkt.Seq, Code: apperr.ErrBadRequest.Code, Message: "unknown event",
		})
		return
	}

	s.TraceID = uuid.NewString()
	ctx = audit.WithTraceID(ctx, s.TraceID)

	reply, err := fn(ctx, s, pkt.Payload)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnavailable {
			r.logger.Error("handler error",
				zap.String("type", pkt.Type),
				zap.Int64("user_id", s.UserID),
				zap.String("trace_id", s.TraceID),
				zap.Error(err))
		}
		r.reply(s, failureKind(kind), ErrorPayload{
			Event:   pkt.Type,
			Seq:     pkt.Seq,
			Code:    apperr.CodeOf(err),
			Message: apperr.MessageOf(err),
		})
		return
	}
	if reply != nil {
		r.reply(s, event.Ack, AckPayload{Event: pkt.Type, Seq: pkt.Seq, Data: reply})
	}
}

func (r *Router) reply(s *player.Session, kind event.Outbound, payload interface{}) {
	if err := s.Emit(kind, payload); err != nil {
		r.logger.Debug("reply dropped",
			zap.Int64("user_id", s.UserID),
			zap.String("event", kind.String()),
			zap.Error(err))
	}
}

// decode unmarshals a handler payload, reporting a bad request on failure.
func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return apperr.ErrBadRequest.With("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.ErrBadRequest.With("malformed payload")
	}
	return nil
}
