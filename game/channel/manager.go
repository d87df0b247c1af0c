// Package channel tracks chat channel membership, roles, mutes and bans.
//
// Every mutation of a channel's membership set runs under that channel's
// keylock. Each channel with at least one member has exactly one OWNER.
package channel

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/game/keylock"
	"github.com/pongchat/server/model"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const maxNameLen = 64

// LeaveResult describes the side effects of a departure.
type LeaveResult struct {
	// NewOwner is set when ownership moved to another member.
	NewOwner int64
	// Closed is set when the last member left and the channel was deleted.
	Closed bool
}

// Manager owns channel membership state.
type Manager struct {
	db     *gorm.DB
	locks  *keylock.Locker
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a Manager.
func NewManager(db *gorm.DB, locks *keylock.Locker, logger *zap.Logger) *Manager {
	return &Manager{db: db, locks: locks, logger: logger, now: time.Now}
}

func (m *Manager) lock(ctx context.Context, channelID int64) (func(), error) {
	unlock, err := m.locks.Lock(ctx, keylock.ChannelKey(channelID))
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return unlock, nil
}

// ---- creation ----

// Create makes a new channel owned by owner.
func (m *Manager) Create(ctx context.Context, owner int64, name string, kind model.ChannelKind, password string) (*model.Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLen {
		return nil, apperr.ErrBadRequest.With("channel name must be 1-64 characters")
	}
	switch kind {
	case "":
		kind = model.ChannelPublic
	case model.ChannelPublic, model.ChannelPrivate:
	case model.ChannelProtected:
		if password == "" {
			return nil, apperr.ErrBadRequest.With("protected channel requires a password")
		}
	default:
		return nil, apperr.ErrBadRequest.With("unknown channel kind")
	}

	ch := &model.Channel{Name: name, Kind: kind, OwnerID: owner}
	if kind == model.ChannelProtected {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, apperr.Unavailable(err)
		}
		ch.PasswordHash = string(hash)
	}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ch).Error; err != nil {
			return err
		}
		return tx.Create(&model.ChannelMember{
			ChannelID: ch.ID, UserID: owner, Role: model.RoleOwner, JoinedAt: m.now(),
		}).Error
	})
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	m.logger.Info("channel created",
		zap.Int64("channel_id", ch.ID), zap.Int64("user_id", owner), zap.String("kind", string(kind)))
	return ch, nil
}

func dmKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}

// OpenDM finds or creates the direct-message channel of a and b. The opener
// owns a newly created DM; a member who left an existing DM is re-added.
func (m *Manager) OpenDM(ctx context.Context, opener, peer int64) (*model.Channel, error) {
	if opener == peer {
		return nil, apperr.ErrSelfReference
	}
	unlock, err := m.locks.Lock(ctx, keylock.DMKey(opener, peer))
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	defer unlock()

	key := dmKey(opener, peer)
	var ch model.Channel
	err = m.db.WithContext(ctx).Where("dm_key = ?", key).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		ch = model.Channel{Name: "dm:" + key, Kind: model.ChannelDM, DMKey: &key, OwnerID: opener}
		now := m.now()
		err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&ch).Error; err != nil {
				return err
			}
			return tx.Create([]model.ChannelMember{
				{ChannelID: ch.ID, UserID: opener, Role: model.RoleOwner, JoinedAt: now},
				{ChannelID: ch.ID, UserID: peer, Role: model.RoleMember, JoinedAt: now.Add(time.Microsecond)},
			}).Error
		})
		if err != nil {
			return nil, apperr.Unavailable(err)
		}
		return &ch, nil
	}
	if err != nil {
		return nil, apperr.Unavailable(err)
	}

	unlockCh, err := m.lock(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	defer unlockCh()
	for _, uid := range []int64{opener, peer} {
		mem, err := m.Member(ctx, ch.ID, uid)
		if err != nil {
			return nil, err
		}
		if mem != nil {
			continue
		}
		if err := m.db.WithContext(ctx).Create(&model.ChannelMember{
			ChannelID: ch.ID, UserID: uid, Role: model.RoleMember, JoinedAt: m.now(),
		}).Error; err != nil {
			return nil, apperr.Unavailable(err)
		}
	}
	return &ch, nil
}

// ---- membership ----

// Join adds userID to the channel. The first member becomes OWNER.
func (m *Manager) Join(ctx context.Context, channelID, userID int64, password string) (model.ChannelRole, error) {
	unlock, err := m.lock(ctx, channelID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	ch, err := m.Get(ctx, channelID)
	if err != nil {
		return 0, err
	}
	banned, err := m.IsBanned(ctx, channelID, userID)
	if err != nil {
		return 0, err
	}
	if banned {
		return 0, apperr.ErrBanned
	}
	mem, err := m.Member(ctx, channelID, userID)
	if err != nil {
		return 0, err
	}
	if mem != nil {
		return 0, apperr.ErrAlreadyMember
	}
	switch ch.Kind {
	case model.ChannelDM:
		return 0, apperr.ErrForbidden.With("direct-message channels cannot be joined")
	case model.ChannelPrivate:
		return 0, apperr.ErrForbidden.With("private channel")
	case model.ChannelProtected:
		if bcrypt.CompareHashAndPassword([]byte(ch.PasswordHash), []byte(password)) != nil {
			return 0, apperr.ErrWrongPassword
		}
	}

	var count int64
	if err := m.db.WithContext(ctx).Model(&model.ChannelMember{}).
		Where("channel_id = ?", channelID).Count(&count).Error; err != nil {
		return 0, apperr.Unavailable(err)
	}
	role := model.RoleMember
	if count == 0 {
		role = model.RoleOwner
	}
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model.ChannelMember{
			ChannelID: channelID, UserID: userID, Role: role, JoinedAt: m.now(),
		}).Error; err != nil {
			return err
		}
		if role == model.RoleOwner {
			return tx.Model(&model.Channel{}).Where("id = ?", channelID).Update("owner_id", userID).Error
		}
		return nil
	})
	if err != nil {
		return 0, apperr.Unavailable(err)
	}
	return role, nil
}

// Leave removes userID's membership. A departing OWNER hands the channel to
// the earliest-joined ADMIN, else the earliest-joined MEMBER; when nobody
// remains the channel is deleted.
func (m *Manager) Leave(ctx context.Context, channelID, userID int64) (LeaveResult, error) {
	unlock, err := m.lock(ctx, channelID)
	if err != nil {
		return LeaveResult{}, err
	}
	defer unlock()

	if _, err := m.Get(ctx, channelID); err != nil {
		return LeaveResult{}, err
	}
	mem, err := m.Member(ctx, channelID, userID)
	if err != nil {
		return LeaveResult{}, err
	}
	if mem == nil {
		return LeaveResult{}, apperr.ErrNotMember
	}

	var res LeaveResult
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("channel_id = ? AND user_id = ?", channelID, userID).
			Delete(&model.ChannelMember{}).Error; err != nil {
			return err
		}
		var successor model.ChannelMember
		err := tx.Where("channel_id = ?", channelID).
			Order("role DESC, joined_at ASC, user_id ASC").
			First(&successor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			res.Closed = true
			return deleteChannel(tx, channelID)
		}
		if err != nil {
			return err
		}
		if mem.Role != model.RoleOwner {
			return nil
		}
		res.NewOwner = successor.UserID
		if err := tx.Model(&model.ChannelMember{}).
			Where("channel_id = ? AND user_id = ?", channelID, successor.UserID).
			Update("role", model.RoleOwner).Error; err != nil {
			return err
		}
		return tx.Model(&model.Channel{}).Where("id = ?", channelID).Update("owner_id", successor.UserID).Error
	})
	if err != nil {
		return LeaveResult{}, apperr.Unavailable(err)
	}
	if res.NewOwner != 0 {
		m.logger.Info("channel ownership transferred",
			zap.Int64("channel_id", channelID), zap.Int64("from", userID), zap.Int64("to", res.NewOwner))
	}
	if res.Closed {
		m.logger.Info("channel closed, no members left", zap.Int64("channel_id", channelID))
	}
	return res, nil
}

// Close deletes the channel with its memberships and bans. Only the OWNER
// may close. Returns the ids of the former members other than actor.
func (m *Manager) Close(ctx context.Context, actor, channelID int64) ([]int64, error) {
	unlock, err := m.lock(ctx, channelID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := m.Get(ctx, channelID); err != nil {
		return nil, err
	}
	mem, err := m.Member(ctx, channelID, actor)
	if err != nil {
		return nil, err
	}
	if mem == nil {
		return nil, apperr.ErrNotMember
	}
	if mem.Role != model.RoleOwner {
		return nil, apperr.ErrForbidden.With("only the owner can close the channel")
	}
	ids, err := m.MemberIDs(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteChannel(tx, channelID)
	}); err != nil {
		return nil, apperr.Unavailable(err)
	}
	peers := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != actor {
			peers = append(peers, id)
		}
	}
	return peers, nil
}

func deleteChannel(tx *gorm.DB, channelID int64) error {
	if err := tx.Where("channel_id = ?", channelID).Delete(&model.ChannelMember{}).Error; err != nil {
		return err
	}
	if err := tx.Where("channel_id = ?", channelID).Delete(&model.ChannelBan{}).Error; err != nil {
		return err
	}
	return tx.Delete(&model.Channel{}, channelID).Error
}

// ---- roles & moderation ----

// SetRole grants or revokes ADMIN. Only the OWNER may change roles.
func (m *Manager) SetRole(ctx context.Context, actor, channelID, target int64, role model.ChannelRole) error {
	if role != model.RoleAdmin && role != model.RoleMember {
		return apperr.ErrBadRequest.With("role must be admin or member")
	}
	if actor == target {
		return apperr.ErrSelfReference
	}
	unlock, err := m.lock(ctx, channelID)
	if err != nil {
		return err
	}
	defer unlock()

	a, t, err := m.pair(ctx, channelID, actor, target)
	if err != nil {
		return err
	}
	if a.Role != model.RoleOwner {
		return apperr.ErrForbidden.With("only the owner can change roles")
	}
	if t.Role == role {
		return nil
	}
	return m.update(ctx, channelID, target, "role", role)
}

// Kick removes target from the channel. actor must outrank target.
func (m *Manager) Kick(ctx context.Context, actor, channelID, target int64) error {
	return m.moderate(ctx, actor, channelID, target, func(tx *gorm.DB) error {
		return tx.Where("channel_id = ? AND user_id = ?", channelID, target).
			Delete(&model.ChannelMember{}).Error
	})
}

// Ban removes target and bars them from rejoining. actor must outrank target.
func (m *Manager) Ban(ctx context.Context, actor, channelID, target int64) error {
	return m.moderate(ctx, actor, channelID, target, func(tx *gorm.DB) error {
		if err := tx.Where("channel_id = ? AND user_id = ?", channelID, target).
			Delete(&model.ChannelMember{}).Error; err != nil {
			return err
		}
		return tx.Save(&model.ChannelBan{ChannelID: channelID, UserID: target, BannedBy: actor}).Error
	})
}

// Mute silences target until the given time. actor must outrank target.
func (m *Manager) Mute(ctx context.Context, actor, channelID, target int64, until time.Time) error {
	return m.moderate(ctx, actor, channelID, target, func(tx *gorm.DB) error {
		return tx.Model(&model.ChannelMember{}).
			Where("channel_id = ? AND user_id = ?", channelID, target).
			Update("muted_until", until).Error
	})
}

// Unmute lifts a mute. actor must outrank target.
func (m *Manager) Unmute(ctx context.Context, actor, channelID, target int64) error {
	return m.moderate(ctx, actor, channelID, target, func(tx *gorm.DB) error {
		return tx.Model(&model.ChannelMember{}).
			Where("channel_id = ? AND user_id = ?", channelID, target).
			Update("muted_until", nil).Error
	})
}

// Unban lifts a ban. Requires ADMIN or OWNER.
func (m *Manager) Unban(ctx context.Context, actor, channelID, target int64) error {
	unlock, err := m.lock(ctx, channelID)
	if err != nil {
		return err
	}
	defer unlock()

	a, err := m.Member(ctx, channelID, actor)
	if err != nil {
		return err
	}
	if a == nil {
		return apperr.ErrNotMember
	}
	if a.Role < model.RoleAdmin {
		return apperr.ErrForbidden
	}
	res := m.db.WithContext(ctx).Where("channel_id = ? AND user_id = ?", channelID, target).Delete(&model.ChannelBan{})
	if res.Error != nil {
		return apperr.Unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotBanned
	}
	return nil
}

func (m *Manager) moderate(ctx context.Context, actor, channelID, target int64, apply func(tx *gorm.DB) error) error {
	if actor == target {
		return apperr.ErrSelfReference
	}
	unlock, err := m.lock(ctx, channelID)
	if err != nil {
		return err
	}
	defer unlock()

	a, t, err := m.pair(ctx, channelID, actor, target)
	if err != nil {
		return err
	}
	if a.Role <= t.Role {
		return apperr.ErrForbidden.With("you do not outrank this member")
	}
	if err := m.db.WithContext(ctx).Transaction(apply); err != nil {
		return apperr.Unavailable(err)
	}
	return nil
}

// pair loads both memberships, failing when either is missing.
func (m *Manager) pair(ctx context.Context, channelID, actor, target int64) (*model.ChannelMember, *model.ChannelMember, error) {
	ch, err := m.Get(ctx, channelID)
	if err != nil {
		return nil, nil, err
	}
	if ch.Kind == model.ChannelDM {
		return nil, nil, apperr.ErrForbidden.With("direct messages have no roles or moderation")
	}
	a, err := m.Member(ctx, channelID, actor)
	if err != nil {
		return nil, nil, err
	}
	if a == nil {
		return nil, nil, apperr.ErrNotMember
	}
	t, err := m.Member(ctx, channelID, target)
	if err != nil {
		return nil, nil, err
	}
	if t == nil {
		return nil, nil, apperr.ErrNotMember.With("target is not a member of this channel")
	}
	return a, t, nil
}

func (m *Manager) update(ctx context.Context, channelID, userID int64, column string, value interface{}) error {
	if err := m.db.WithContext(ctx).Model(&model.ChannelMember{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Update(column, value).Error; err != nil {
		return apperr.Unavailable(err)
	}
	return nil
}

// ExpireMutes clears every mute that elapsed at or before now and returns
// the affected memberships.
func (m *Manager) ExpireMutes(ctx context.Context, now time.Time) ([]model.ChannelMember, error) {
	var due []model.ChannelMember
	if err := m.db.WithContext(ctx).
		Where("muted_until IS NOT NULL AND muted_until <= ?", now).
		Find(&due).Error; err != nil {
		return nil, apperr.Unavailable(err)
	}
	var expired []model.ChannelMember
	for _, mem := range due {
		unlock, err := m.lock(ctx, mem.ChannelID)
		if err != nil {
			return expired, err
		}
		res := m.db.WithContext(ctx).Model(&model.ChannelMember{}).
			Where("channel_id = ? AND user_id = ? AND muted_until <= ?", mem.ChannelID, mem.UserID, now).
			Update("muted_until", nil)
		unlock()
		if res.Error != nil {
			return expired, apperr.Unavailable(res.Error)
		}
		if res.RowsAffected > 0 {
			mem.MutedUntil = nil
			expired = append(expired, mem)
		}
	}
	return expired, nil
}

// ---- queries ----

// Get loads a channel.
func (m *Manager) Get(ctx context.Context, channelID int64) (*model.Channel, error) {
	var ch model.Channel
	err := m.db.WithContext(ctx).First(&ch, channelID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrChannelNotFound
	}
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return &ch, nil
}

// Exists reports whether the channel exists.
func (m *Manager) Exists(ctx context.Context, channelID int64) (bool, error) {
	_, err := m.Get(ctx, channelID)
	if errors.Is(err, apperr.ErrChannelNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Member returns userID's membership, or nil.
func (m *Manager) Member(ctx context.Context, channelID, userID int64) (*model.ChannelMember, error) {
	var mem model.ChannelMember
	err := m.db.WithContext(ctx).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		First(&mem).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return &mem, nil
}

// Members lists memberships in join order.
func (m *Manager) Members(ctx context.Context, channelID int64) ([]model.ChannelMember, error) {
	var mems []model.ChannelMember
	if err := m.db.WithContext(ctx).Where("channel_id = ?", channelID).
		Order("joined_at ASC, user_id ASC").Find(&mems).Error; err != nil {
		return nil, apperr.Unavailable(err)
	}
	return mems, nil
}

// MemberIDs lists member user ids in join order.
func (m *Manager) MemberIDs(ctx context.Context, channelID int64) ([]int64, error) {
	mems, err := m.Members(ctx, channelID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(mems))
	for i, mem := range mems {
		ids[i] = mem.UserID
	}
	return ids, nil
}

// ChannelsOf lists the channels userID is a member of.
func (m *Manager) ChannelsOf(ctx context.Context, userID int64) ([]model.Channel, error) {
	var chs []model.Channel
	if err := m.db.WithContext(ctx).
		Joins("JOIN channel_members ON channel_members.channel_id = channels.id").
		Where("channel_members.user_id = ?", userID).
		Order("channels.id").Find(&chs).Error; err != nil {
		return nil, apperr.Unavailable(err)
	}
	return chs, nil
}

// IsMuted reports whether userID is muted in the channel at now. It fails
// with ErrNotMember when userID holds no membership.
func (m *Manager) IsMuted(ctx context.Context, channelID, userID int64, now time.Time) (bool, error) {
	mem, err := m.Member(ctx, channelID, userID)
	if err != nil {
		return false, err
	}
	if mem == nil {
		return false, apperr.ErrNotMember
	}
	return mem.MutedUntil != nil && mem.MutedUntil.After(now), nil
}

// IsBanned reports whether userID is on the channel's ban list.
func (m *Manager) IsBanned(ctx context.Context, channelID, userID int64) (bool, error) {
	var n int64
	if err := m.db.WithContext(ctx).Model(&model.ChannelBan{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).Count(&n).Error; err != nil {
		return false, apperr.Unavailable(err)
	}
	return n > 0, nil
}
