package repository

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/Privnode-HQ/zelo-refund/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTopUpNotFound       = errors.New("充值单不存在")
	ErrTopUpAlreadyUpdated = errors.New("充值单状态已被其他操作改写")
)

type TopUpRepository struct {
	db *gorm.DB
}

func NewTopUpRepository(db *gorm.DB) *TopUpRepository {
	return &TopUpRepository{db: db}
}

func (r *TopUpRepository) GetByTradeNo(ctx context.Context, tradeNo string) (*model.TopUp, error) {
	var topup model.TopUp
	err := r.db.WithContext(ctx).Where("trade_no = ?", tradeNo).First(&topup).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTopUpNotFound
		}
		return nil, err
	}
	return &topup, nil
}

// GetByTradeNoForUpdate 单笔退款路径在事务里锁行用
func (r *TopUpRepository) GetByTradeNoForUpdate(ctx context.Context, tx *gorm.DB, tradeNo string) (*model.TopUp, error) {
	var topup model.TopUp
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("trade_no = ?", tradeNo).
		First(&topup).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTopUpNotFound
		}
		return nil, err
	}
	return &topup, nil
}

// ListForQuote 报价输入：该用户 success / refund 两态的充值单，按完成时间升序
func (r *TopUpRepository) ListForQuote(ctx context.Context, userID int64) ([]*model.TopUp, error) {
	var topups []*model.TopUp
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []string{model.TopUpStatusSuccess, model.TopUpStatusRefund}).
		Order("complete_time ASC, id ASC").
		Find(&topups).Error
	return topups, err
}

// ListAllForQuote 全量估算一次拉全表，按 user_id 聚类
func (r *TopUpRepository) ListAllForQuote(ctx context.Context) ([]*model.TopUp, error) {
	var topups []*model.TopUp
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{model.TopUpStatusSuccess, model.TopUpStatusRefund}).
		Order("user_id ASC, complete_time ASC, id ASC").
		Find(&topups).Error
	return topups, err
}

// TopUpFilter 管理端充值单列表筛选
type TopUpFilter struct {
	Q             string
	Status        string
	PaymentMethod string
	Limit         int
	Offset        int
}

// List trade_no 精确 / 模糊均可，纯数字的 Q 额外匹配 user_id
func (r *TopUpRepository) List(ctx context.Context, f TopUpFilter) ([]*model.TopUp, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.TopUp{})

	if q := strings.TrimSpace(f.Q); q != "" {
		if id, err := strconv.ParseInt(q, 10, 64); err == nil && id > 0 {
			query = query.Where("trade_no LIKE ? OR user_id = ?", "%"+q+"%", id)
		} else {
			query = query.Where("trade_no LIKE ?", "%"+q+"%")
		}
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.PaymentMethod != "" {
		query = query.Where("payment_method = ?", f.PaymentMethod)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var topups []*model.TopUp
	err := query.
		Order("create_time DESC, id DESC").
		Offset(f.Offset).
		Limit(limit).
		Find(&topups).Error
	return topups, total, err
}

// MarkRefunded 条件置为 refund，只认当前还是 success 的行。
// 0 行说明并发操作先到，调用方必须放弃本次退款。
func (r *TopUpRepository) MarkRefunded(ctx context.Context, tx *gorm.DB, id int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.TopUp{}).
		Where("id = ? AND status = ?", id, model.TopUpStatusSuccess).
		Update("status", model.TopUpStatusRefund)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTopUpAlreadyUpdated
	}
	return nil
}
