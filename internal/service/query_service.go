package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Privnode-HQ/zelo-refund/internal/model"
	"github.com/Privnode-HQ/zelo-refund/internal/repository"
	"github.com/Privnode-HQ/zelo-refund/internal/supabase"
	"github.com/Privnode-HQ/zelo-refund/pkg/errs"
)

// QueryService 管理端只读查询：用户搜索、充值单列表、退款流水
type QueryService struct {
	users  UserStore
	topups TopUpStore
	audit  AuditStore
}

func NewQueryService(users UserStore, topups TopUpStore, audit AuditStore) *QueryService {
	return &QueryService{users: users, topups: topups, audit: audit}
}

func (s *QueryService) SearchUsers(ctx context.Context, q string, limit int) ([]*model.User, error) {
	users, err := s.users.Search(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []*model.User{}
	}
	return users, nil
}

// TopUpPage 充值单列表页
type TopUpPage struct {
	Items  []*model.TopUp `json:"items"`
	Total  int64          `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

func (s *QueryService) ListTopUps(ctx context.Context, f repository.TopUpFilter) (*TopUpPage, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	items, total, err := s.topups.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*model.TopUp{}
	}
	return &TopUpPage{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// TopUpDetail 单笔充值单，附上所属用户。用户行已删除时 User 为空。
type TopUpDetail struct {
	TopUp *model.TopUp `json:"topup"`
	User  *model.User  `json:"user,omitempty"`
}

func (s *QueryService) GetTopUp(ctx context.Context, tradeNo string) (*TopUpDetail, error) {
	tradeNo = strings.TrimSpace(tradeNo)
	if tradeNo == "" {
		return nil, errs.Validation(errs.CodeInvalidTradeNo, "trade_no 不能为空")
	}
	topup, err := s.topups.GetByTradeNo(ctx, tradeNo)
	if err != nil {
		if errors.Is(err, repository.ErrTopUpNotFound) {
			return nil, errs.NotFound(errs.CodeTopUpNotFound, "充值单不存在")
		}
		return nil, err
	}
	detail := &TopUpDetail{TopUp: topup}
	user, err := s.users.GetByID(ctx, topup.UserID)
	if err == nil {
		detail.User = user
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, err
	}
	return detail, nil
}

// RefundListParams 退款流水筛选。StartAt / EndAt 为 RFC3339 时间串。
type RefundListParams struct {
	UserID        int64
	Status        string
	PaymentMethod string
	StartAt       string
	EndAt         string
	Limit         int
	Offset        int
}

var refundStatusFilter = map[string]bool{
	model.RefundStatusPending:   true,
	model.RefundStatusSucceeded: true,
	model.RefundStatusFailed:    true,
}

func (s *QueryService) ListRefunds(ctx context.Context, p RefundListParams) ([]model.RefundLog, error) {
	if p.Status != "" && !refundStatusFilter[p.Status] {
		return nil, errs.Validation(errs.CodeInvalidStatus, "status 只接受 pending / succeeded / failed")
	}
	for _, at := range []string{p.StartAt, p.EndAt} {
		if at == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, at); err != nil {
			return nil, errs.Validation(errs.CodeInvalidTimeRange, "时间参数须为 RFC3339 格式")
		}
	}
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	rows, err := s.audit.ListRefundLogs(ctx, supabase.Filter{
		MySQLUserID:   p.UserID,
		Status:        p.Status,
		PaymentMethod: p.PaymentMethod,
		StartAt:       p.StartAt,
		EndAt:         p.EndAt,
		Limit:         p.Limit,
		Offset:        p.Offset,
	})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []model.RefundLog{}
	}
	return rows, nil
}

func (s *QueryService) GetRefund(ctx context.Context, id string) (*model.RefundLog, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errs.NotFound(errs.CodeRefundNotFound, "退款流水不存在")
	}
	return s.audit.GetRefundLog(ctx, id)
}
