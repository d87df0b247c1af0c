package session

import (
	"time"

	"github.com/pongchat/server/game/event"
)

// UserEventPayload is the body of user-event.
type UserEventPayload struct {
	Type      event.UserEventType `json:"type"`
	UserID    int64               `json:"user_id"`
	Nickname  string              `json:"nickname"`
	ChannelID int64               `json:"channel_id"`
	ActorID   int64               `json:"actor_id,omitempty"`
	Role      string              `json:"role,omitempty"`
}

// ChatMessage is one message of a channel, as delivered and as kept in the
// history list.
type ChatMessage struct {
	ID        string    `json:"id"`
	ChannelID int64     `json:"channel_id"`
	UserID    int64     `json:"user_id"`
	Nickname  string    `json:"nickname"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sent_at"`
}

// JoinPayload is the body of join-success.
type JoinPayload struct {
	ChannelID int64         `json:"channel_id"`
	Role      string        `json:"role"`
	History   []ChatMessage `json:"history"`
}

// ChannelPayload is the body of leave-success and close-success. Window is
// set when only the channel window was closed.
type ChannelPayload struct {
	ChannelID int64 `json:"channel_id"`
	Window    bool  `json:"window,omitempty"`
	NewOwner  int64 `json:"new_owner,omitempty"`
	Closed    bool  `json:"closed,omitempty"`
}

// ModerationPayload is the body of got-kicked, got-banned and got-muted.
type ModerationPayload struct {
	ChannelID int64      `json:"channel_id"`
	ActorID   int64      `json:"actor_id"`
	Until     *time.Time `json:"until,omitempty"`
}

// DMPayload is the body of enter-dm-success.
type DMPayload struct {
	ChannelID int64         `json:"channel_id"`
	TargetID  int64         `json:"target_id"`
	History   []ChatMessage `json:"history"`
}

// MatchPayload is the body of match-found.
type MatchPayload struct {
	GameID     int64 `json:"game_id"`
	OpponentID int64 `json:"opponent_id"`
	Aborted    bool  `json:"aborted,omitempty"`
}

// GamePayload is the body of game-ended.
type GamePayload struct {
	GameID  int64 `json:"game_id"`
	EndedBy int64 `json:"ended_by"`
}
