package model

import "time"

// Game records a match between two users.
type Game struct {
	ID        int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	LeftID    int64      `gorm:"index;not null" json:"left_id"`
	RightID   int64      `gorm:"index;not null" json:"right_id"`
	StartedAt time.Time  `gorm:"autoCreateTime" json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
	// EndedBy is the user whose exit or disconnect finalized the game.
	EndedBy *int64 `json:"ended_by"`
}
