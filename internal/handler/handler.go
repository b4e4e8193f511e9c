package handler

import (
	"errors"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"

	"github.com/Privnode-HQ/zelo-refund/internal/repository"
	"github.com/Privnode-HQ/zelo-refund/internal/service"
	"github.com/Privnode-HQ/zelo-refund/pkg/errs"
	"github.com/Privnode-HQ/zelo-refund/pkg/response"
)

// Handler 管理端接口的统一处理器
type Handler struct {
	quotes    *service.QuoteService
	refunds   *service.RefundService
	estimates *service.EstimateService
	queries   *service.QueryService
	activity  *service.ActivityService
}

func NewHandler(
	quotes *service.QuoteService,
	refunds *service.RefundService,
	estimates *service.EstimateService,
	queries *service.QueryService,
	activity *service.ActivityService,
) *Handler {
	return &Handler{
		quotes:    quotes,
		refunds:   refunds,
		estimates: estimates,
		queries:   queries,
		activity:  activity,
	}
}

// ============================================================
// 充值单 / 用户查询
// ============================================================

// ListTopUps 充值单列表
// GET /api/topups?q=&status=&payment_method=&limit=&offset=
func (h *Handler) ListTopUps(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	page, err := h.queries.ListTopUps(c.Request.Context(), repository.TopUpFilter{
		Q:             c.Query("q"),
		Status:        c.Query("status"),
		PaymentMethod: c.Query("payment_method"),
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		response.Err(c, err)
		return
	}
	response.OK(c, page)
}

// GetTopUp 单笔充值单详情，带所属用户
// GET /api/topups/{trade_no}
func (h *Handler) GetTopUp(c *gin.Context) {
	detail, err := h.queries.GetTopUp(c.Request.Context(), c.Param("trade_no"))
	if err != nil {
		response.Err(c, err)
		return
	}
	response.OK(c, detail)
}

// SearchUsers 按邮箱模糊或纯数字 id 搜索用户
// GET /api/users?q=&limit=
func (h *Handler) SearchUsers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	users, err := h.queries.SearchUsers(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		response.Err(c, err)
		return
	}
	response.OK(c, gin.H{"items": users})
}

// ============================================================
// 报价与退款执行
// ============================================================

// GetRefundQuote 单用户退款报价
// GET /api/users/{uid}/refund-quote
func (h *Handler) GetRefundQuote(c *gin.Context) {
	uid, err := parseUserID(c.Param("uid"))
	if err != nil {
		response.Err(c, err)
		return
	}
	quote, err := h.quotes.BuildQuote(c.Request.Context(), uid)
	if err != nil {
		response.Err(c, err)
		return
	}
	response.OK(c, quote)
}

// ExecuteRefund 对单用户执行退款批次
// POST /api/users/{uid}/refund
// body: amount_yuan? fee_percent? min_refund_yuan? max_refund_yuan? clear_balance? dry_run?
func (h *Handler) ExecuteRefund(c *gin.Context) {
	uid, err := parseUserID(c.Param("uid"))
	if err != nil {
		response.Err(c, err)
		return
	}

	// 全字段可选，空请求体等价于全默认
	var req service.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Err(c, errs.Validation(errs.CodeInvalidRequest, "请求体不合法: "+err.Error()))
		return
	}
	req.PerformedBy = operatorFrom(c)

	result, err := h.refunds.Execute(c.Request.Context(), uid, &req)
	if err != nil {
		response.Err(c, err)
		return
	}
	response.OK(c, result)
}

// RefundTopUp 按 trade_no 整单退一笔历史充值
// POST /api/refund
func (h *Handler) RefundTopUp(c *gin.Context) {
	var req service.TopUpRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Err(c, errs.Validation(errs.CodeInvalidRequest, "请求体不合法: "+err.Error()))
		return
	}
	req.PerformedBy = operatorFrom(c)

	result, err := h.refunds.RefundTopUp(c.Request.Context(), &req)
	if err != nil {
		response.Err(c, err)
		return
	}
	response.OK(c, result)
}

// ============================================================
// 退款流水
// ============================================================

// ListRefunds 审计库退款流水列表
// GET /api/refunds?mysql_user_id=&status=&payment_method=&start_at=&end_at=&limit=&offset=
func (h *Handler) ListRefunds(c *gin.Context) {
	var userID int64
	if raw := c.Query("mysql_user_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			response.Err(c, errs.Validation(errs.CodeInvalidUserID, "mysql_user_id 参数错误"))
			return
		}
		userID = v
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	rows, err := h.queries.ListRefunds(c.Request.Context(), service.RefundListParams{
		UserID:        userID,
		Status:        c.Query("status"),
		PaymentMethod: c.Query("payment_method"),
		StartAt:       c.Query("start_at"),
		EndAt:         c.Query("end_at"),
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		response.Err(c, err)
		return
	}
	response.OK(c, gin.H{"items": rows})
}

// GetRefund 单条退款流水全量字段
// GET /api/refunds/{uuid}
func (h *Handler) GetRefund(c *gin.Context) {
	row, err := h.queries.GetRefund(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Err(c, err)
		return
	}
	response.OK(c, row)
}

// ============================================================
// 全量估算
// ============================================================

// GetEstimate 估算任务当前状态
// GET /api/refund-estimate?autostart=1
func (h *Handler) GetEstimate(c *gin.Context) {
	if c.Query("autostart") == "1" {
		st, _ := h.estimates.Start(c.Request.Context())
		response.OK(c, st)
		return
	}
	response.OK(c, h.estimates.State(c.Request.Context()))
}

// RecomputeEstimate 触发一轮全量估算，已在跑则原样返回当前状态
// POST /api/refund-estimate/recompute
func (h *Handler) RecomputeEstimate(c *gin.Context) {
	st, _ := h.estimates.Start(c.Request.Context())
	response.OK(c, st)
}

// EstimateUsersRequest 按名单估算。user_ids 与 user_ids_text 可并用，
// 文本框里逗号 / 分号 / 空白都算分隔符。
type EstimateUsersRequest struct {
	UserIDs     []int64 `json:"user_ids"`
	UserIDsText string  `json:"user_ids_text"`
}

// EstimateUsers 按名单逐用户估算
// POST /api/refund-estimate/users
func (h *Handler) EstimateUsers(c *gin.Context) {
	var req EstimateUsersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Err(c, errs.Validation(errs.CodeInvalidRequest, "请求体不合法: "+err.Error()))
		return
	}

	tokens := make([]string, 0, len(req.UserIDs))
	for _, id := range req.UserIDs {
		tokens = append(tokens, strconv.FormatInt(id, 10))
	}
	tokens = append(tokens, splitUserIDText(req.UserIDsText)...)

	result, err := h.estimates.EstimateUsers(c.Request.Context(), tokens)
	if err != nil {
		response.Err(c, err)
		return
	}
	response.OK(c, result)
}

// ============================================================
// 公开退款动态
// ============================================================

// ListActivity 脱敏后的退款动态列表，免鉴权
// GET /api/public/refunds/activity?limit=&offset=
func (h *Handler) ListActivity(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	rows, err := h.activity.List(c.Request.Context(), limit, offset)
	if err != nil {
		response.Err(c, err)
		return
	}
	response.OK(c, gin.H{"items": rows})
}

// GetActivity 脱敏后的单条退款动态
// GET /api/public/refunds/activity/{uuid}
func (h *Handler) GetActivity(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	row, err := h.activity.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Err(c, err)
		return
	}
	response.OK(c, row)
}

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Validation(errs.CodeInvalidUserID, "用户 id 必须为正整数")
	}
	return id, nil
}

func splitUserIDText(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';' || unicode.IsSpace(r)
	})
}
