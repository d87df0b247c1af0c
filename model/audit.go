package model

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog is one moderation action or rejected privileged attempt.
// ErrorCode is empty when the action succeeded.
type AuditLog struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TraceID   string         `gorm:"index;size:64;not null" json:"trace_id"`
	Action    string         `gorm:"index:idx_audit_action_time,priority:1;size:64;not null" json:"action"`
	ActorID   *int64         `gorm:"index" json:"actor_id,omitempty"`
	ChannelID *int64         `gorm:"index" json:"channel_id,omitempty"`
	Request   datatypes.JSON `json:"request,omitempty"`
	Response  datatypes.JSON `json:"response,omitempty"`
	ErrorCode string         `gorm:"size:32" json:"error_code,omitempty"`
	RemoteIP  string         `gorm:"size:45" json:"remote_ip,omitempty"`
	LatencyMs int64          `json:"latency_ms"`
	CreatedAt time.Time      `gorm:"index:idx_audit_action_time,priority:2;autoCreateTime:milli" json:"created_at"`
}
