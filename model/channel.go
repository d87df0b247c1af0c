package model

import "time"

// ChannelKind controls who may join a channel.
type ChannelKind string

const (
	ChannelPublic    ChannelKind = "public"
	ChannelPrivate   ChannelKind = "private"
	ChannelProtected ChannelKind = "protected"
	ChannelDM        ChannelKind = "dm"
)

// ChannelRole is a member's rank within a channel. Higher outranks lower.
type ChannelRole int

const (
	RoleMember ChannelRole = 1
	RoleAdmin  ChannelRole = 2
	RoleOwner  ChannelRole = 3
)

func (r ChannelRole) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleAdmin:
		return "admin"
	case RoleMember:
		return "member"
	}
	return "unknown"
}

// Channel is a chat room or a direct-message context.
type Channel struct {
	ID           int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string      `gorm:"size:64;not null" json:"name"`
	Kind         ChannelKind `gorm:"size:16;not null;default:public" json:"kind"`
	PasswordHash string      `gorm:"size:64" json:"-"`
	// DMKey is "<low>:<high>" for direct-message channels, nil otherwise.
	DMKey     *string   `gorm:"uniqueIndex;size:48" json:"-"`
	OwnerID   int64     `gorm:"not null" json:"owner_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ChannelMember links a user to a channel with a role.
type ChannelMember struct {
	ChannelID  int64       `gorm:"primaryKey;index:idx_channel_member" json:"channel_id"`
	UserID     int64       `gorm:"primaryKey;index:idx_user_channel" json:"user_id"`
	Role       ChannelRole `gorm:"default:1" json:"role"`
	MutedUntil *time.Time  `json:"muted_until"`
	JoinedAt   time.Time   `gorm:"autoCreateTime" json:"joined_at"`
}

// ChannelBan lists users barred from joining a channel.
type ChannelBan struct {
	ChannelID int64     `gorm:"primaryKey" json:"channel_id"`
	UserID    int64     `gorm:"primaryKey" json:"user_id"`
	BannedBy  int64     `json:"banned_by"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
