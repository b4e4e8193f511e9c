package service

import (
	"context"
	"errors"

	"github.com/Privnode-HQ/zelo-refund/internal/repository"
	"github.com/Privnode-HQ/zelo-refund/internal/stripe"
	"github.com/Privnode-HQ/zelo-refund/pkg/errs"
)

// QuoteService 聚齐报价输入（用户、充值单、在途退款、卡单）
// 再交给纯算法。IO 全在这一层，算完即扔。
type QuoteService struct {
	users  UserStore
	topups TopUpStore
	audit  AuditStore
	card   CardClient
}

func NewQuoteService(users UserStore, topups TopUpStore, audit AuditStore, card CardClient) *QuoteService {
	return &QuoteService{
		users:  users,
		topups: topups,
		audit:  audit,
		card:   card,
	}
}

func (s *QuoteService) BuildQuote(ctx context.Context, userID int64) (*Quote, error) {
	if userID <= 0 {
		return nil, errs.Validation(errs.CodeInvalidUserID, "用户 id 必须为正整数")
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, errs.NotFound(errs.CodeUserNotFound, "用户不存在")
		}
		return nil, err
	}

	topups, err := s.topups.ListForQuote(ctx, userID)
	if err != nil {
		return nil, err
	}
	openRefunds, err := s.audit.ListUserOpenRefunds(ctx, userID)
	if err != nil {
		return nil, err
	}

	var charges []stripe.Charge
	if user.StripeCustomerID != "" && s.card != nil {
		charges, err = s.card.ListCustomerCharges(ctx, user.StripeCustomerID)
		if err != nil {
			return nil, err
		}
	}

	return computeQuote(quoteInput{
		User:        user,
		TopUps:      topups,
		OpenRefunds: openRefunds,
		Charges:     charges,
	})
}
