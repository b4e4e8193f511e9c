package model

import (
	"github.com/shopspring/decimal"
)

const (
	TopUpStatusPending = "pending"
	TopUpStatusSuccess = "success"
	TopUpStatusRefund  = "refund"
)

const (
	PaymentMethodAlipay = "alipay"
	PaymentMethodWxpay  = "wxpay"
	PaymentMethodStripe = "stripe"
)

// TopUp 业务库 topups 表的映射，同样归上游所有。
// Money 是实付金额（元），Amount 是到账金额（元，可空，活动赠送时两者不同）。
// 聚合支付单的 TradeNo 是渠道商户单号；Stripe 单的 TradeNo
// 是 charge id 或 payment intent id。
type TopUp struct {
	ID            int64               `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        int64               `gorm:"column:user_id;index;not null" json:"user_id"`
	Money         decimal.Decimal     `gorm:"type:decimal(10,2);not null" json:"money"`
	Amount        decimal.NullDecimal `gorm:"type:decimal(10,2)" json:"amount"`
	TradeNo       string              `gorm:"column:trade_no;type:varchar(128);uniqueIndex" json:"trade_no"`
	CreateTime    int64               `gorm:"column:create_time" json:"create_time"`
	CompleteTime  int64               `gorm:"column:complete_time" json:"complete_time"`
	PaymentMethod string              `gorm:"column:payment_method;type:varchar(20)" json:"payment_method"`
	Status        string              `gorm:"type:varchar(20);index" json:"status"`
}

func (TopUp) TableName() string {
	return "topups"
}

// MoneyCents 实付金额折算成分。表里是两位小数，Shift 后不丢精度。
func (t *TopUp) MoneyCents() int64 {
	return t.Money.Shift(2).IntPart()
}

// AmountCents 到账金额折算成分，Amount 为空时退回实付金额。
func (t *TopUp) AmountCents() int64 {
	if t.Amount.Valid {
		return t.Amount.Decimal.Shift(2).IntPart()
	}
	return t.MoneyCents()
}

// IsStripe 该笔充值是否走 Stripe 渠道
func (t *TopUp) IsStripe() bool {
	return t.PaymentMethod == PaymentMethodStripe
}
