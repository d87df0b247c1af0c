package audit

import (
	"context"
	"time"

	"github.com/pongchat/server/model"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

// Filter selects stored entries. Zero fields match everything.
type Filter struct {
	Action    string
	ActorID   int64
	ChannelID int64
	Since     time.Time
	Limit     int
}

// Query returns the newest stored entries matching f, newest first.
func (svc *Service) Query(ctx context.Context, f Filter) ([]model.AuditLog, error) {
	q := svc.db.WithContext(ctx).Model(&model.AuditLog{})
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.ActorID != 0 {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	if f.ChannelID != 0 {
		q = q.Where("channel_id = ?", f.ChannelID)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = defaultQueryLimit
	case limit > maxQueryLimit:
		limit = maxQueryLimit
	}
	var out []model.AuditLog
	err := q.Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}
