package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wallet-ledger/internal/model"
)

// ErrInsufficientFunds is returned when wallet balance is not enough.
var ErrInsufficientFunds = errors.New("insufficient funds")

const walletCacheTTL = 5 * time.Minute

// CachedWallet is the Redis representation of a wallet. Ownership is
// immutable after creation, so a stale owner can never occur.
type CachedWallet struct {
	UserID  uuid.UUID       `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// RepositoryInterface restricts Repo methods (mockable in unit tests).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	GetOwnedWallet(ctx context.Context, tx *gorm.DB, walletID, userID uuid.UUID) (*model.Wallet, error)
	GetOwnedWalletForUpdate(ctx context.Context, tx *gorm.DB, walletID, userID uuid.UUID) (*model.Wallet, error)
	ListWalletsByOwner(ctx context.Context, userID uuid.UUID) ([]model.Wallet, error)
	UpdateWalletBalance(ctx context.Context, tx *gorm.DB, walletID uuid.UUID, newBalance decimal.Decimal, oldVersion uint64) error
	DeleteWallet(ctx context.Context, tx *gorm.DB, walletID uuid.UUID) error
	CreateOperation(ctx context.Context, tx *gorm.DB, op *model.Operation) error
	ListOperations(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]model.Operation, error)
	CountOperations(ctx context.Context, walletID uuid.UUID) (int64, error)
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheWallet(ctx context.Context, w *model.Wallet) error
	GetCachedWallet(ctx context.Context, walletID uuid.UUID) (*CachedWallet, error)
	DropCachedWallet(ctx context.Context, walletID uuid.UUID) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateWallet inserts a wallet row.
func (r *Repository) CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	return tx.WithContext(ctx).Create(w).Error
}

// GetOwnedWallet fetches a wallet scoped to its owner. A wallet that exists
// but belongs to someone else is indistinguishable from a missing one.
func (r *Repository) GetOwnedWallet(ctx context.Context, tx *gorm.DB, walletID, userID uuid.UUID) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Where("id = ? AND user_id = ?", walletID, userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetOwnedWalletForUpdate locks the wallet row, scoped to its owner.
func (r *Repository) GetOwnedWalletForUpdate(ctx context.Context, tx *gorm.DB, walletID, userID uuid.UUID) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND user_id = ?", walletID, userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWalletsByOwner returns every wallet owned by userID.
func (r *Repository) ListWalletsByOwner(ctx context.Context, userID uuid.UUID) ([]model.Wallet, error) {
	var ws []model.Wallet
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at").Find(&ws).Error
	return ws, err
}

// UpdateWalletBalance writes the new balance, guarded by the version read
// under the row lock.
func (r *Repository) UpdateWalletBalance(ctx context.Context, tx *gorm.DB, walletID uuid.UUID, newBalance decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", walletID, oldVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("wallet version conflict")
	}
	return nil
}

// DeleteWallet removes the wallet and all its operations. Caller provides
// the transaction so the cascade is atomic.
func (r *Repository) DeleteWallet(ctx context.Context, tx *gorm.DB, walletID uuid.UUID) error {
	if err := tx.WithContext(ctx).
		Where("wallet_id = ?", walletID).Delete(&model.Operation{}).Error; err != nil {
		return err
	}
	return tx.WithContext(ctx).
		Where("id = ?", walletID).Delete(&model.Wallet{}).Error
}

// CreateOperation appends a ledger entry.
func (r *Repository) CreateOperation(ctx context.Context, tx *gorm.DB, op *model.Operation) error {
	return tx.WithContext(ctx).Create(op).Error
}

// ListOperations returns ledger entries newest first. The id tie-breaker
// keeps the order stable when entries share a timestamp.
func (r *Repository) ListOperations(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]model.Operation, error) {
	var ops []model.Operation
	err := r.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("created_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&ops).Error
	return ops, err
}

// CountOperations returns the total ledger size for pagination.
func (r *Repository) CountOperations(ctx context.Context, walletID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.Operation{}).Where("wallet_id = ?", walletID).Count(&n).Error
	return n, err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.ID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheWallet writes owner and balance to Redis.
func (r *Repository) CacheWallet(ctx context.Context, w *model.Wallet) error {
	body, err := json.Marshal(CachedWallet{UserID: w.UserID, Balance: w.Balance})
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, walletCacheKey(w.ID), body, walletCacheTTL).Err()
}

// GetCachedWallet reads Redis.
func (r *Repository) GetCachedWallet(ctx context.Context, walletID uuid.UUID) (*CachedWallet, error) {
	str, err := r.rdb.Get(ctx, walletCacheKey(walletID)).Result()
	if err != nil {
		return nil, err
	}
	var cw CachedWallet
	if err := json.Unmarshal([]byte(str), &cw); err != nil {
		return nil, err
	}
	return &cw, nil
}

// DropCachedWallet removes the cache entry after deletion.
func (r *Repository) DropCachedWallet(ctx context.Context, walletID uuid.UUID) error {
	return r.rdb.Del(ctx, walletCacheKey(walletID)).Err()
}

func walletCacheKey(walletID uuid.UUID) string {
	return fmt.Sprintf("wallet:%s", walletID)
}
