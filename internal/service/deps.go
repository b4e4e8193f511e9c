package service

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Privnode-HQ/zelo-refund/internal/epay"
	"github.com/Privnode-HQ/zelo-refund/internal/model"
	"github.com/Privnode-HQ/zelo-refund/internal/repository"
	"github.com/Privnode-HQ/zelo-refund/internal/stripe"
	"github.com/Privnode-HQ/zelo-refund/internal/supabase"
)

// 服务层按消费方声明依赖接口，具体实现是 repository / supabase /
// epay / stripe 里的结构体，测试用手写替身。

type UserStore interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
	Search(ctx context.Context, q string, limit int) ([]*model.User, error)
	ListByIDs(ctx context.Context, ids []int64) ([]*model.User, error)
	ListAll(ctx context.Context) ([]*model.User, error)
	DeductQuota(ctx context.Context, tx *gorm.DB, userID, delta int64) error
	AddQuota(ctx context.Context, tx *gorm.DB, userID, delta int64) error
}

type TopUpStore interface {
	GetByTradeNo(ctx context.Context, tradeNo string) (*model.TopUp, error)
	GetByTradeNoForUpdate(ctx context.Context, tx *gorm.DB, tradeNo string) (*model.TopUp, error)
	ListForQuote(ctx context.Context, userID int64) ([]*model.TopUp, error)
	ListAllForQuote(ctx context.Context) ([]*model.TopUp, error)
	List(ctx context.Context, f repository.TopUpFilter) ([]*model.TopUp, int64, error)
	MarkRefunded(ctx context.Context, tx *gorm.DB, id int64) error
}

type AuditStore interface {
	InsertRefundLog(ctx context.Context, row *model.RefundLog) (*model.RefundLog, error)
	UpdateRefundLog(ctx context.Context, id string, patch map[string]interface{}) error
	GetRefundLog(ctx context.Context, id string) (*model.RefundLog, error)
	ListRefundLogs(ctx context.Context, f supabase.Filter) ([]model.RefundLog, error)
	ListUserOpenRefunds(ctx context.Context, userID int64) ([]model.RefundLog, error)
	ListAllOpenRefunds(ctx context.Context) ([]model.RefundLog, error)
	ListStalePending(ctx context.Context, before time.Time) ([]model.RefundLog, error)
	IsAdmin(ctx context.Context, email string) (bool, error)
}

type CardClient interface {
	ListCustomerCharges(ctx context.Context, customerID string) ([]stripe.Charge, error)
	CreateRefund(ctx context.Context, params stripe.RefundParams) (*stripe.Refund, error)
}

type AggregatorClient interface {
	Refund(ctx context.Context, in epay.RefundInput) (*epay.RefundResult, error)
}

type OutboxStore interface {
	Append(ctx context.Context, msg *model.OutboxMessage) error
}
