package repository

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/Privnode-HQ/zelo-refund/internal/model"

	"gorm.io/gorm"
)

var (
	ErrUserNotFound   = errors.New("用户不存在")
	ErrQuotaNotEnough = errors.New("用户剩余额度不足")
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// Search 管理端用户搜索：纯数字先按 id 精确命中，其余按邮箱模糊
func (r *UserRepository) Search(ctx context.Context, q string, limit int) ([]*model.User, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	var users []*model.User
	if id, err := strconv.ParseInt(q, 10, 64); err == nil && id > 0 {
		user, err := r.GetByID(ctx, id)
		if err == nil {
			return []*model.User{user}, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		// 数字也可能是邮箱前缀，落到模糊查询
	}
	err := r.db.WithContext(ctx).
		Where("email LIKE ?", "%"+q+"%").
		Order("id ASC").
		Limit(limit).
		Find(&users).Error
	return users, err
}

func (r *UserRepository) ListByIDs(ctx context.Context, ids []int64) ([]*model.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []*model.User
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error
	return users, err
}

// ListAll 全量估算用。管理工具规模，一次拉全表可以接受。
func (r *UserRepository) ListAll(ctx context.Context) ([]*model.User, error) {
	var users []*model.User
	err := r.db.WithContext(ctx).Order("id ASC").Find(&users).Error
	return users, err
}

// DeductQuota 条件扣减剩余额度，余量不足时一行都不会动。
// 这一条 UPDATE 是整个退款流程防超退的最终防线。
func (r *UserRepository) DeductQuota(ctx context.Context, tx *gorm.DB, userID, delta int64) error {
	// delta 为 0 时 MySQL 汇报零行受影响，会被误判为余量不足
	if delta <= 0 {
		return nil
	}
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ? AND quota >= ?", userID, delta).
		Update("quota", gorm.Expr("quota - ?", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, userID); err != nil {
			return err
		}
		return ErrQuotaNotEnough
	}
	return nil
}

// AddQuota 额度回加，渠道退款失败后的补偿用。delta 允许为负，
// 历史单据整单回收时直接透支扣减。
func (r *UserRepository) AddQuota(ctx context.Context, tx *gorm.DB, userID, delta int64) error {
	if delta == 0 {
		return nil
	}
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", userID).
		Update("quota", gorm.Expr("quota + ?", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
