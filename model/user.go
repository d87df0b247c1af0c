package model

import "time"

// Display status values shown to other users.
const (
	UserStatusOffline = "offline"
	UserStatusOnline  = "online"
	UserStatusInGame  = "in_game"
)

// User is the identity referenced by presence, relations and channels.
type User struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string     `gorm:"uniqueIndex;size:32;not null" json:"username"`
	Nickname     string     `gorm:"size:32;not null" json:"nickname"`
	PasswordHash string     `gorm:"size:64;not null" json:"-"`
	Status       string     `gorm:"size:16;default:offline" json:"status"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	LastLoginIP  string     `gorm:"size:45" json:"last_login_ip"`
}
