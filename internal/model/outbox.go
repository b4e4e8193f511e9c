package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

const (
	EventTypeRefundResult  = "refund.result"
	EventTypeTopUpRefunded = "topup.refunded"
)

// OutboxMessage 退款结果事件的发件箱。退款批次落账后在这里追加一行，
// 后台任务轮询投递到 Kafka；brokers 未配置时事件只留在表里备查。
// 这是本服务唯一自建的 MySQL 表。
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventNo    string    `gorm:"type:varchar(40);uniqueIndex;not null" json:"event_no"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	EventType  string    `gorm:"type:varchar(32);not null" json:"event_type"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "refund_outbox"
}

// RefundResultEvent Kafka 退款结果事件的载荷。批次退款和
// 单笔历史单退款共用，后者带 trade_no。
type RefundResultEvent struct {
	EventType        string `json:"event_type"`
	BatchID          string `json:"batch_id"`
	UserID           int64  `json:"user_id"`
	TradeNo          string `json:"trade_no,omitempty"`
	Status           string `json:"status"`
	TotalCents       int64  `json:"total_cents"`
	CardCents        int64  `json:"card_cents"`
	AggregatorCents  int64  `json:"aggregator_cents"`
	LegsSucceeded    int    `json:"legs_succeeded"`
	LegsFailed       int    `json:"legs_failed"`
	QuotaDelta       int64  `json:"quota_delta"`
	DryRun           bool   `json:"dry_run"`
	PerformedBy      string `json:"performed_by,omitempty"`
	OccurredAtMillis int64  `json:"occurred_at_millis"`
}
