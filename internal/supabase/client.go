package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Privnode-HQ/zelo-refund/internal/config"
	"github.com/Privnode-HQ/zelo-refund/internal/model"
	"github.com/Privnode-HQ/zelo-refund/pkg/errs"
)

const (
	restPrefix      = "/rest/v1"
	defaultPageSize = 50
	bulkPageSize    = 1000
)

// Client 审计库客户端，走 PostgREST。refund_log 是退款流水，
// admin_users 是管理员表。service role key 同时当 apikey 和 bearer。
type Client struct {
	baseURL    string
	serviceKey string
	http       *http.Client
}

func New(cfg *config.SupabaseConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		serviceKey: cfg.ServiceKey,
		http: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     60 * time.Second,
			},
		},
	}
}

// Filter refund_log 列表筛选
type Filter struct {
	MySQLUserID   int64
	Status        string
	PaymentMethod string
	Provider      string
	BatchID       string
	StartAt       string
	EndAt         string
	Limit         int
	Offset        int
}

// InsertRefundLog 落一行退款流水，返回带库端字段的完整行
func (c *Client) InsertRefundLog(ctx context.Context, row *model.RefundLog) (*model.RefundLog, error) {
	payload, err := json.Marshal(row)
	if err != nil {
		return nil, errs.Internal("refund_log 序列化失败").WithCause(err)
	}
	body, err := c.do(ctx, http.MethodPost, restPrefix+"/refund_log", nil, payload, "return=representation")
	if err != nil {
		return nil, err
	}
	var rows []model.RefundLog
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errs.External(errs.CodeSupabaseError, "refund_log 插入应答解析失败").WithCause(err)
	}
	if len(rows) == 0 {
		return nil, errs.External(errs.CodeSupabaseError, "refund_log 插入未返回行")
	}
	return &rows[0], nil
}

// UpdateRefundLog 按 id 补写流水行（状态、渠道单号、原始应答等）
func (c *Client) UpdateRefundLog(ctx context.Context, id string, patch map[string]interface{}) error {
	payload, err := json.Marshal(patch)
	if err != nil {
		return errs.Internal("refund_log 补丁序列化失败").WithCause(err)
	}
	q := url.Values{}
	q.Set("id", "eq."+id)
	_, err = c.do(ctx, http.MethodPatch, restPrefix+"/refund_log", q, payload, "return=minimal")
	return err
}

func (c *Client) GetRefundLog(ctx context.Context, id string) (*model.RefundLog, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("limit", "1")
	rows, err := c.selectRefundLogs(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errs.NotFound(errs.CodeRefundNotFound, "退款记录不存在")
	}
	return &rows[0], nil
}

// ListRefundLogs 按筛选条件列退款流水，created_at 倒序
func (c *Client) ListRefundLogs(ctx context.Context, f Filter) ([]model.RefundLog, error) {
	q := url.Values{}
	if f.MySQLUserID > 0 {
		q.Set("mysql_user_id", "eq."+strconv.FormatInt(f.MySQLUserID, 10))
	}
	if f.Status != "" {
		q.Set("status", "eq."+f.Status)
	}
	if f.PaymentMethod != "" {
		q.Set("payment_method", "eq."+f.PaymentMethod)
	}
	if f.Provider != "" {
		q.Set("provider", "eq."+f.Provider)
	}
	if f.BatchID != "" {
		q.Set("batch_id", "eq."+f.BatchID)
	}
	if f.StartAt != "" {
		q.Set("created_at", "gte."+f.StartAt)
	}
	if f.EndAt != "" {
		q.Add("created_at", "lte."+f.EndAt)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	q.Set("order", "created_at.desc")
	q.Set("limit", strconv.Itoa(limit))
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	return c.selectRefundLogs(ctx, q)
}

// ListUserOpenRefunds 报价算法的输入：该用户 pending + succeeded 的流水
func (c *Client) ListUserOpenRefunds(ctx context.Context, userID int64) ([]model.RefundLog, error) {
	return c.listOpenRefunds(ctx, userID)
}

// ListAllOpenRefunds 全量估算用
func (c *Client) ListAllOpenRefunds(ctx context.Context) ([]model.RefundLog, error) {
	return c.listOpenRefunds(ctx, 0)
}

// listOpenRefunds 分页拉完 pending + succeeded 的流水，userID 为 0
// 时不按用户过滤。翻页按 id 排序，created_at 并列不会丢行；漏一行
// 已退流水会把 due 算大。
func (c *Client) listOpenRefunds(ctx context.Context, userID int64) ([]model.RefundLog, error) {
	var all []model.RefundLog
	for offset := 0; ; offset += bulkPageSize {
		q := url.Values{}
		if userID > 0 {
			q.Set("mysql_user_id", "eq."+strconv.FormatInt(userID, 10))
		}
		q.Set("status", "in.(pending,succeeded)")
		q.Set("order", "id.asc")
		q.Set("limit", strconv.Itoa(bulkPageSize))
		if offset > 0 {
			q.Set("offset", strconv.Itoa(offset))
		}
		rows, err := c.selectRefundLogs(ctx, q)
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
		if len(rows) < bulkPageSize {
			return all, nil
		}
	}
}

// ListStalePending 卡在 pending 超过给定时刻的流水，巡检任务用
func (c *Client) ListStalePending(ctx context.Context, before time.Time) ([]model.RefundLog, error) {
	q := url.Values{}
	q.Set("status", "eq.pending")
	q.Set("created_at", "lt."+before.UTC().Format(time.RFC3339))
	q.Set("order", "created_at.asc")
	q.Set("limit", strconv.Itoa(bulkPageSize))
	return c.selectRefundLogs(ctx, q)
}

// IsAdmin subject（邮箱）是否在 admin_users 表里
func (c *Client) IsAdmin(ctx context.Context, email string) (bool, error) {
	q := url.Values{}
	q.Set("email", "eq."+email)
	q.Set("select", "email")
	q.Set("limit", "1")
	body, err := c.do(ctx, http.MethodGet, restPrefix+"/admin_users", q, nil, "")
	if err != nil {
		return false, err
	}
	var rows []struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return false, errs.External(errs.CodeSupabaseError, "admin_users 应答解析失败").WithCause(err)
	}
	return len(rows) > 0, nil
}

func (c *Client) selectRefundLogs(ctx context.Context, q url.Values) ([]model.RefundLog, error) {
	body, err := c.do(ctx, http.MethodGet, restPrefix+"/refund_log", q, nil, "")
	if err != nil {
		return nil, err
	}
	var rows []model.RefundLog
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errs.External(errs.CodeSupabaseError, "refund_log 应答解析失败").WithCause(err)
	}
	return rows, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte, prefer string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, errs.External(errs.CodeSupabaseError, "supabase 请求构造失败").WithCause(err)
	}
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.External(errs.CodeSupabaseError, "supabase 请求失败").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errs.External(errs.CodeSupabaseError, "supabase 应答读取失败").WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, errs.External(errs.CodeSupabaseError,
			fmt.Sprintf("supabase HTTP %d", resp.StatusCode)).
			WithDetails(map[string]interface{}{"body": snippet})
	}
	return body, nil
}
