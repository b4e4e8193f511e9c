package job

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Privnode-HQ/zelo-refund/internal/config"
	"github.com/Privnode-HQ/zelo-refund/internal/infrastructure/mq"
	"github.com/Privnode-HQ/zelo-refund/internal/logger"
	"github.com/Privnode-HQ/zelo-refund/internal/model"
	"github.com/Privnode-HQ/zelo-refund/internal/repository"
)

// OutboxSender 轮询 refund_outbox，把退款结果事件投递到 Kafka。
// 投递失败只累加重试计数，到达上限标 FAILED 等人工处理，事件
// 本体永远留在表里。
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	cfg        *config.Config
	send       func(topic, key, value string) error
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, cfg *config.Config) *OutboxSender {
	s := &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   time.Second,
		batchSize:  100,
	}
	if mq.Enabled() {
		s.send = mq.SendMessage
	}
	return s
}

func (s *OutboxSender) Start(ctx context.Context) {
	if s.send == nil {
		logger.S().Info("kafka 未配置，outbox 发送任务不启动")
		return
	}
	logger.S().Infow("outbox_sender_started", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.S().Info("outbox 发送任务退出")
			return
		case <-s.stopCh:
			logger.S().Info("outbox 发送任务停止")
			return
		case <-ticker.C:
			s.processPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPending(ctx context.Context) {
	messages, err := s.outboxRepo.ListPending(ctx, s.batchSize)
	if err != nil {
		logger.S().Errorw("outbox_list_pending_failed", "error", err)
		return
	}
	for _, msg := range messages {
		s.sendOne(ctx, msg)
	}
}

func (s *OutboxSender) sendOne(ctx context.Context, msg *model.OutboxMessage) {
	if err := s.send(msg.Topic, msg.MessageKey, msg.Payload); err != nil {
		logger.S().Warnw("outbox_send_failed",
			"id", msg.ID,
			"event_no", msg.EventNo,
			"topic", msg.Topic,
			"retry_count", msg.RetryCount,
			"error", err,
		)
		if err := s.outboxRepo.Bump(ctx, msg.ID, s.cfg.Refund.OutboxMaxRetryCount); err != nil {
			logger.S().Errorw("outbox_bump_failed", "id", msg.ID, "error", err)
		}
		return
	}

	if err := s.outboxRepo.MarkSent(ctx, msg.ID); err != nil {
		// 下一轮会重发同一条，消费方按 event_no 去重
		logger.S().Errorw("outbox_mark_sent_failed", "id", msg.ID, "error", err)
		return
	}
	logger.S().Infow("outbox_sent",
		"id", msg.ID,
		"event_no", msg.EventNo,
		"topic", msg.Topic,
		"message_key", msg.MessageKey,
	)
}
