// Package event enumerates the named events exchanged with clients.
package event

// Inbound is an event a client sends to the server.
type Inbound int

const (
	JoinChannel Inbound = iota + 1
	LeaveChannel
	CloseChannel
	CloseChannelWindow
	EnterDM
	EnterMatching
	CancelMatching
	ExitGame
	AddFriend
	AddBlock
	RemoveFriend
	RemoveBlock
	Kick
	Ban
	Mute
	Unmute
	Unban
	SetAdmin
	SendMessage
	Ping

	inboundEnd
)

var inboundNames = [...]string{
	JoinChannel:        "join-channel",
	LeaveChannel:       "leave-channel",
	CloseChannel:       "close-channel",
	CloseChannelWindow: "close-channel-window",
	EnterDM:            "enter-dm",
	EnterMatching:      "enter-matching",
	CancelMatching:     "cancel-matching",
	ExitGame:           "exit-game",
	AddFriend:          "add-friend",
	AddBlock:           "add-block",
	RemoveFriend:       "remove-friend",
	RemoveBlock:        "remove-block",
	Kick:               "kick",
	Ban:                "ban",
	Mute:               "mute",
	Unmute:             "unmute",
	Unban:              "unban",
	SetAdmin:           "set-admin",
	SendMessage:        "send-message",
	Ping:               "ping",
}

var inboundByName = func() map[string]Inbound {
	m := make(map[string]Inbound, len(inboundNames))
	for k := JoinChannel; k < inboundEnd; k++ {
		m[inboundNames[k]] = k
	}
	return m
}()

func (k Inbound) String() string {
	if k < JoinChannel || k >= inboundEnd {
		return "unknown"
	}
	return inboundNames[k]
}

// Valid reports whether k is a declared inbound kind.
func (k Inbound) Valid() bool { return k >= JoinChannel && k < inboundEnd }

// ParseInbound maps a wire name to its kind.
func ParseInbound(name string) (Inbound, bool) {
	k, ok := inboundByName[name]
	return k, ok
}

// AllInbound returns every inbound kind in declaration order.
func AllInbound() []Inbound {
	out := make([]Inbound, 0, inboundEnd-1)
	for k := JoinChannel; k < inboundEnd; k++ {
		out = append(out, k)
	}
	return out
}

// Outbound is an event the server pushes to a client.
type Outbound int

const (
	RefreshStatus Outbound = iota + 1
	EnterDMSuccess
	EnterDMFail
	LeaveSuccess
	LeaveFail
	CloseSuccess
	CloseFail
	GotKicked
	GotBanned
	GotMuted
	UserEvent
	ChatMessage
	ChatHistory
	MatchFound
	GameEnded
	JoinSuccess
	Error
	Pong
	Ack
	Announce

	outboundEnd
)

var outboundNames = [...]string{
	RefreshStatus:  "refresh-status",
	EnterDMSuccess: "enter-dm-success",
	EnterDMFail:    "enter-dm-fail",
	LeaveSuccess:   "leave-success",
	LeaveFail:      "leave-fail",
	CloseSuccess:   "close-success",
	CloseFail:      "close-fail",
	GotKicked:      "got-kicked",
	GotBanned:      "got-banned",
	GotMuted:       "got-muted",
	UserEvent:      "user-event",
	ChatMessage:    "chat-message",
	ChatHistory:    "chat-history",
	MatchFound:     "match-found",
	GameEnded:      "game-ended",
	JoinSuccess:    "join-success",
	Error:          "error",
	Pong:           "pong",
	Ack:            "ack",
	Announce:       "announce",
}

func (k Outbound) String() string {
	if k < RefreshStatus || k >= outboundEnd {
		return "unknown"
	}
	return outboundNames[k]
}

// AllOutbound returns every outbound kind in declaration order.
func AllOutbound() []Outbound {
	out := make([]Outbound, 0, outboundEnd-1)
	for k := RefreshStatus; k < outboundEnd; k++ {
		out = append(out, k)
	}
	return out
}

// UserEventType is the "type" field of a user-event payload.
type UserEventType string

const (
	UserJoin   UserEventType = "join"
	UserLeave  UserEventType = "leave"
	UserClose  UserEventType = "close"
	UserKick   UserEventType = "kick"
	UserBan    UserEventType = "ban"
	UserMute   UserEventType = "mute"
	UserUnmute UserEventType = "unmute"
	UserAdmin  UserEventType = "admin"
	UserOwner  UserEventType = "owner"
)
