package service

import (
	"context"

	"github.com/Privnode-HQ/zelo-refund/internal/supabase"
)

const (
	activityDefaultLimit = 20
	activityMaxLimit     = 100
)

// ActivityService 对外公开的退款动态，免鉴权，行内容全部过脱敏墙
type ActivityService struct {
	audit AuditStore
}

func NewActivityService(audit AuditStore) *ActivityService {
	return &ActivityService{audit: audit}
}

func (s *ActivityService) List(ctx context.Context, limit, offset int) ([]map[string]interface{}, error) {
	if limit <= 0 {
		limit = activityDefaultLimit
	}
	if limit > activityMaxLimit {
		limit = activityMaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.audit.ListRefundLogs(ctx, supabase.Filter{Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(rows))
	for i := range rows {
		out = append(out, RedactRefundLog(&rows[i]))
	}
	return out, nil
}

func (s *ActivityService) Get(ctx context.Context, id string) (map[string]interface{}, error) {
	row, err := s.audit.GetRefundLog(ctx, id)
	if err != nil {
		return nil, err
	}
	return RedactRefundLog(row), nil
}
