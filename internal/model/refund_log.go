package model

import (
	"github.com/shopspring/decimal"
)

const (
	RefundStatusPending   = "pending"
	RefundStatusSucceeded = "succeeded"
	RefundStatusFailed    = "failed"
)

const (
	ProviderEpay   = "epay"
	ProviderStripe = "stripe"
)

// RefundLog 审计库（Supabase / PostgREST）refund_log 表的一行，
// 每条渠道退款指令一行。pending 行先于渠道调用落库，渠道返回后
// 再补 status / provider_refund_no / raw_response，保证任何时刻
// 都能从审计表恢复出「已发出但未确认」的退款。
type RefundLog struct {
	ID                    string          `json:"id,omitempty"`
	CreatedAt             string          `json:"created_at,omitempty"`
	BatchID               string          `json:"batch_id,omitempty"`
	MySQLUserID           int64           `json:"mysql_user_id"`
	TopupTradeNo          string          `json:"topup_trade_no,omitempty"`
	StripeChargeID        string          `json:"stripe_charge_id,omitempty"`
	StripePaymentIntentID string          `json:"stripe_payment_intent_id,omitempty"`
	PaymentMethod         string          `json:"payment_method,omitempty"`
	Currency              string          `json:"currency"`
	RefundMoney           decimal.Decimal `json:"refund_money"`
	RefundMoneyMinor      int64           `json:"refund_money_minor"`
	QuotaDelta            int64           `json:"quota_delta"`
	Provider              string          `json:"provider"`
	OutRefundNo           string          `json:"out_refund_no"`
	ProviderRefundNo      string          `json:"provider_refund_no,omitempty"`
	Status                string          `json:"status"`
	ErrorMessage          string          `json:"error_message,omitempty"`
	PerformedBy           string          `json:"performed_by,omitempty"`
	ExecutedAt            string          `json:"executed_at,omitempty"`
	RawRequest            string          `json:"raw_request,omitempty"`
	RawResponse           string          `json:"raw_response,omitempty"`
}

// IsOpen pending 即在途：渠道指令可能已发出，金额必须按已退计算
func (r *RefundLog) IsOpen() bool {
	return r.Status == RefundStatusPending
}

// CountsAsRefunded 计算剩余可退时把 pending 和 succeeded 都算已退，
// 只有明确 failed 的才放回可退池。
func (r *RefundLog) CountsAsRefunded() bool {
	return r.Status == RefundStatusPending || r.Status == RefundStatusSucceeded
}
