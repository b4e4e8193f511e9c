package repository

import (
	"context"

	"github.com/Privnode-HQ/zelo-refund/internal/model"
	"github.com/Privnode-HQ/zelo-refund/pkg/idgen"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Append 追加一条待投递的退款事件，入库前补上事件号
func (r *OutboxRepository) Append(ctx context.Context, msg *model.OutboxMessage) error {
	if msg.EventNo == "" {
		msg.EventNo = idgen.GenerateEventNo()
	}
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Update("status", model.OutboxStatusSent).Error
}

// Bump 投递失败计一次重试；到达上限的直接标 FAILED，人工介入
func (r *OutboxRepository) Bump(ctx context.Context, id int64, maxRetry int) error {
	result := r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND retry_count < ?", id, maxRetry).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.db.WithContext(ctx).
			Model(&model.OutboxMessage{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":      model.OutboxStatusFailed,
				"retry_count": gorm.Expr("retry_count + 1"),
			}).Error
	}
	return nil
}
