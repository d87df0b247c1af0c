// Package users is the identity lookup used by the social subsystems.
package users

import (
	"context"
	"errors"

	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/model"
	"gorm.io/gorm"
)

// Directory resolves users from the database.
type Directory struct {
	db *gorm.DB
}

// NewDirectory creates a Directory.
func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// ResolveUser loads a user by id.
func (d *Directory) ResolveUser(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	err := d.db.WithContext(ctx).First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrUserNotFound
	}
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return &u, nil
}

// UserExists reports whether id names a user.
func (d *Directory) UserExists(ctx context.Context, id int64) (bool, error) {
	var n int64
	if err := d.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, apperr.Unavailable(err)
	}
	return n > 0, nil
}

// Nickname returns the user's nickname, or "" when unknown.
func (d *Directory) Nickname(ctx context.Context, id int64) string {
	u, err := d.ResolveUser(ctx, id)
	if err != nil {
		return ""
	}
	return u.Nickname
}

// SetStatus updates the display status shown to other users.
func (d *Directory) SetStatus(ctx context.Context, id int64, status string) error {
	if err := d.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", id).Update("status", status).Error; err != nil {
		return apperr.Unavailable(err)
	}
	return nil
}

// ResetStatuses marks every user offline. Run once at startup.
func (d *Directory) ResetStatuses(ctx context.Context) (int64, error) {
	res := d.db.WithContext(ctx).Model(&model.User{}).
		Where("status <> ?", model.UserStatusOffline).
		Update("status", model.UserStatusOffline)
	if res.Error != nil {
		return 0, apperr.Unavailable(res.Error)
	}
	return res.RowsAffected, nil
}
