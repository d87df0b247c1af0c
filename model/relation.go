package model

import "time"

// RelationType is the kind of a directed relation edge.
type RelationType string

const (
	RelationFriend RelationType = "friend"
	RelationBlock  RelationType = "block"
)

// Relation is a directed sender→receiver edge. At most one row exists per
// ordered pair.
type Relation struct {
	ID         int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	SenderID   int64        `gorm:"uniqueIndex:idx_relation_pair;not null" json:"sender_id"`
	ReceiverID int64        `gorm:"uniqueIndex:idx_relation_pair;index:idx_relation_receiver;not null" json:"receiver_id"`
	Type       RelationType `gorm:"size:8;not null" json:"type"`
	CreatedAt  time.Time    `gorm:"autoCreateTime" json:"created_at"`
}
