package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/order-saga/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrOptimisticLock is returned when a version-guarded update matched no row.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

// OutboxRepository is shared by every service that emits events.
type OutboxRepository interface {
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
}

// Repository implements the per-service repository interfaces on one database.
type Repository struct {
	db       *gorm.DB
	rdb      *redis.Client
	cacheTTL time.Duration
	log      *zap.SugaredLogger
}

// NewRepository constructs repo. rdb may be nil, which disables the read cache.
func NewRepository(db *gorm.DB, rdb *redis.Client, cacheTTL time.Duration, logger *zap.SugaredLogger) *Repository {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Repository{db: db, rdb: rdb, cacheTTL: cacheTTL, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// Transaction runs fn in a transaction that commits on nil and rolls back otherwise.
func (r *Repository) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events in the order they were written.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("id").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// insertIgnore creates v unless a unique key already holds it; the transaction stays usable.
func insertIgnore(ctx context.Context, tx *gorm.DB, v interface{}) (bool, error) {
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(v)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func forUpdate(ctx context.Context, tx *gorm.DB) *gorm.DB {
	return tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func (r *Repository) cacheSet(ctx context.Context, key string, v interface{}) {
	if r.rdb == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		r.log.Warnf("cache marshal %s: %v", key, err)
		return
	}
	if err := r.rdb.Set(ctx, key, b, r.cacheTTL).Err(); err != nil {
		r.log.Warnf("cache set %s: %v", key, err)
	}
}

// cacheGet returns redis.Nil on a miss or when caching is disabled.
func (r *Repository) cacheGet(ctx context.Context, key string, v interface{}) error {
	if r.rdb == nil {
		return redis.Nil
	}
	str, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(str), v)
}

func cacheKey(kind, id string) string { return fmt.Sprintf("saga:%s:%s", kind, id) }
