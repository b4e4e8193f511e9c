package job

import (
	"context"
	"time"

	"github.com/Privnode-HQ/zelo-refund/internal/logger"
	"github.com/Privnode-HQ/zelo-refund/internal/model"
)

// staleSource 审计库里「超过时限仍 pending」的退款行
type staleSource interface {
	ListStalePending(ctx context.Context, before time.Time) ([]model.RefundLog, error)
}

// PendingWatchdog 盯着长时间停在 pending 的审计行报警。只读不回收：
// pending 意味着渠道指令可能已发出，自动改状态会造成双重退款，
// 必须人工对账后处置。
type PendingWatchdog struct {
	audit    staleSource
	stopCh   chan struct{}
	interval time.Duration
	maxAge   time.Duration
}

func NewPendingWatchdog(audit staleSource, staleMinutes int) *PendingWatchdog {
	if staleMinutes <= 0 {
		staleMinutes = 15
	}
	return &PendingWatchdog{
		audit:    audit,
		stopCh:   make(chan struct{}),
		interval: time.Minute,
		maxAge:   time.Duration(staleMinutes) * time.Minute,
	}
}

func (w *PendingWatchdog) Start(ctx context.Context) {
	logger.S().Infow("pending_watchdog_started", "max_age", w.maxAge.String())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.S().Info("pending 巡检任务退出")
			return
		case <-w.stopCh:
			logger.S().Info("pending 巡检任务停止")
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *PendingWatchdog) Stop() {
	close(w.stopCh)
}

func (w *PendingWatchdog) scan(ctx context.Context) int {
	rows, err := w.audit.ListStalePending(ctx, time.Now().Add(-w.maxAge))
	if err != nil {
		logger.S().Errorw("stale_pending_scan_failed", "error", err)
		return 0
	}
	for i := range rows {
		row := &rows[i]
		logger.S().Warnw("stale_pending_refund",
			"refund_log_id", row.ID,
			"batch_id", row.BatchID,
			"user_id", row.MySQLUserID,
			"provider", row.Provider,
			"out_refund_no", row.OutRefundNo,
			"refund_money_minor", row.RefundMoneyMinor,
			"created_at", row.CreatedAt,
		)
	}
	if len(rows) > 0 {
		logger.S().Warnw("stale_pending_summary", "count", len(rows))
	}
	return len(rows)
}
