// Package match pairs waiting users into games.
package match

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Pairing is the result of a successful match.
type Pairing struct {
	GameID int64
	// Waiter is the user who was already queued; Joiner completed the pair.
	Waiter int64
	Joiner int64
}

// Opponent returns the other side of the pairing for userID.
func (p *Pairing) Opponent(userID int64) int64 {
	if p.Waiter == userID {
		return p.Joiner
	}
	return p.Waiter
}

// Matchmaker keeps a FIFO queue of waiting users. Pairing happens on
// Enqueue; there is no background loop.
type Matchmaker struct {
	mu     sync.Mutex
	queue  []int64
	db     *gorm.DB
	logger *zap.Logger
}

// NewMatchmaker creates a Matchmaker.
func NewMatchmaker(db *gorm.DB, logger *zap.Logger) *Matchmaker {
	return &Matchmaker{db: db, logger: logger}
}

// Enqueue pairs userID with the oldest waiting user, or queues userID when
// nobody waits. A nil Pairing means the user is now waiting.
func (m *Matchmaker) Enqueue(ctx context.Context, userID int64) (*Pairing, error) {
	m.mu.Lock()
	for _, id := range m.queue {
		if id == userID {
			m.mu.Unlock()
			return nil, apperr.ErrInvalidTransition.With("already matching")
		}
	}
	if len(m.queue) == 0 {
		m.queue = append(m.queue, userID)
		m.mu.Unlock()
		return nil, nil
	}
	waiter := m.queue[0]
	m.queue = m.queue[1:]
	m.mu.Unlock()

	game := &model.Game{LeftID: waiter, RightID: userID}
	if err := m.db.WithContext(ctx).Create(game).Error; err != nil {
		m.mu.Lock()
		m.queue = append([]int64{waiter}, m.queue...)
		m.mu.Unlock()
		return nil, apperr.Unavailable(err)
	}
	m.logger.Info("match found",
		zap.Int64("game_id", game.ID), zap.Int64("waiter", waiter), zap.Int64("joiner", userID))
	return &Pairing{GameID: game.ID, Waiter: waiter, Joiner: userID}, nil
}

// Cancel removes userID's own queue entry. It reports false when the user
// was not waiting, including when a match was found for them meanwhile.
func (m *Matchmaker) Cancel(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range m.queue {
		if id == userID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Waiting returns the queue length.
func (m *Matchmaker) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Finalize stamps the game as ended by userID. Ending an already ended game
// is a no-op. The game is returned either way.
func (m *Matchmaker) Finalize(ctx context.Context, gameID, userID int64) (*model.Game, error) {
	now := time.Now()
	if err := m.db.WithContext(ctx).Model(&model.Game{}).
		Where("id = ? AND ended_at IS NULL", gameID).
		Updates(map[string]interface{}{"ended_at": now, "ended_by": userID}).Error; err != nil {
		return nil, apperr.Unavailable(err)
	}
	var g model.Game
	err := m.db.WithContext(ctx).First(&g, gameID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrGameNotFound
	}
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return &g, nil
}

// Recent lists userID's latest games, newest first.
func (m *Matchmaker) Recent(ctx context.Context, userID int64, limit int) ([]model.Game, error) {
	var games []model.Game
	if err := m.db.WithContext(ctx).
		Where("left_id = ? OR right_id = ?", userID, userID).
		Order("id DESC").Limit(limit).Find(&games).Error; err != nil {
		return nil, apperr.Unavailable(err)
	}
	return games, nil
}
