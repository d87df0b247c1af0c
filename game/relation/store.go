package relation

import (
	"context"
	"errors"

	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/model"
	"gorm.io/gorm"
)

// Store persists directed relation edges.
type Store interface {
	// Get returns the edge for the ordered pair, or nil.
	Get(ctx context.Context, sender, receiver int64) (*model.Relation, error)
	// Put replaces whatever edge the ordered pair holds with one of typ.
	Put(ctx context.Context, sender, receiver int64, typ model.RelationType) (*model.Relation, error)
	Delete(ctx context.Context, id int64) error
	ListBySender(ctx context.Context, sender int64, typ model.RelationType) ([]model.Relation, error)
	ListByReceiver(ctx context.Context, receiver int64, typ model.RelationType) ([]model.Relation, error)
}

// GormStore is the relational Store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, sender, receiver int64) (*model.Relation, error) {
	var rel model.Relation
	err := s.db.WithContext(ctx).
		Where("sender_id = ? AND receiver_id = ?", sender, receiver).
		First(&rel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return &rel, nil
}

// Put deletes any edge of the ordered pair and inserts the new one in a
// single transaction, so the pair never holds two edges.
func (s *GormStore) Put(ctx context.Context, sender, receiver int64, typ model.RelationType) (*model.Relation, error) {
	rel := &model.Relation{SenderID: sender, ReceiverID: receiver, Type: typ}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sender_id = ? AND receiver_id = ?", sender, receiver).
			Delete(&model.Relation{}).Error; err != nil {
			return err
		}
		return tx.Create(rel).Error
	})
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return rel, nil
}

func (s *GormStore) Delete(ctx context.Context, id int64) error {
	if err := s.db.WithContext(ctx).Delete(&model.Relation{}, id).Error; err != nil {
		return apperr.Unavailable(err)
	}
	return nil
}

func (s *GormStore) ListBySender(ctx context.Context, sender int64, typ model.RelationType) ([]model.Relation, error) {
	var rels []model.Relation
	if err := s.db.WithContext(ctx).
		Where("sender_id = ? AND type = ?", sender, typ).
		Order("id").Find(&rels).Error; err != nil {
		return nil, apperr.Unavailable(err)
	}
	return rels, nil
}

func (s *GormStore) ListByReceiver(ctx context.Context, receiver int64, typ model.RelationType) ([]model.Relation, error) {
	var rels []model.Relation
	if err := s.db.WithContext(ctx).
		Where("receiver_id = ? AND type = ?", receiver, typ).
		Order("id").Find(&rels).Error; err != nil {
		return nil, apperr.Unavailable(err)
	}
	return rels, nil
}

// Followers returns the ids of users holding a FRIEND edge toward userID.
// These are the users whose friend lists show userID's status.
func (s *GormStore) Followers(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	if err := s.db.WithContext(ctx).Model(&model.Relation{}).
		Where("receiver_id = ? AND type = ?", userID, model.RelationFriend).
		Order("id").Pluck("sender_id", &ids).Error; err != nil {
		return nil, apperr.Unavailable(err)
	}
	return ids, nil
}
