package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Privnode-HQ/zelo-refund/internal/config"
	"github.com/Privnode-HQ/zelo-refund/internal/epay"
	"github.com/Privnode-HQ/zelo-refund/internal/model"
	"github.com/Privnode-HQ/zelo-refund/internal/repository"
	"github.com/Privnode-HQ/zelo-refund/internal/service"
	"github.com/Privnode-HQ/zelo-refund/internal/stripe"
	"github.com/Privnode-HQ/zelo-refund/internal/supabase"
	"github.com/Privnode-HQ/zelo-refund/pkg/errs"
)

// ---- 接口层替身，行为照着 repository / supabase 的约定 ----

type hUserStore struct {
	users map[int64]*model.User
}

func (f *hUserStore) GetByID(ctx context.Context, id int64) (*model.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *hUserStore) Search(ctx context.Context, q string, limit int) ([]*model.User, error) {
	var out []*model.User
	for _, u := range f.users {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (f *hUserStore) ListByIDs(ctx context.Context, ids []int64) ([]*model.User, error) {
	var out []*model.User
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *hUserStore) ListAll(ctx context.Context) ([]*model.User, error) {
	var out []*model.User
	for _, u := range f.users {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (f *hUserStore) DeductQuota(ctx context.Context, tx *gorm.DB, userID, delta int64) error {
	u, ok := f.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	if delta > 0 && u.Quota < delta {
		return repository.ErrQuotaNotEnough
	}
	u.Quota -= delta
	return nil
}

func (f *hUserStore) AddQuota(ctx context.Context, tx *gorm.DB, userID, delta int64) error {
	u, ok := f.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.Quota += delta
	return nil
}

type hTopUpStore struct {
	topups []*model.TopUp
}

func (f *hTopUpStore) GetByTradeNo(ctx context.Context, tradeNo string) (*model.TopUp, error) {
	for _, t := range f.topups {
		if t.TradeNo == tradeNo {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repository.ErrTopUpNotFound
}

func (f *hTopUpStore) GetByTradeNoForUpdate(ctx context.Context, tx *gorm.DB, tradeNo string) (*model.TopUp, error) {
	return f.GetByTradeNo(ctx, tradeNo)
}

func (f *hTopUpStore) ListForQuote(ctx context.Context, userID int64) ([]*model.TopUp, error) {
	var out []*model.TopUp
	for _, t := range f.topups {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *hTopUpStore) ListAllForQuote(ctx context.Context) ([]*model.TopUp, error) {
	var out []*model.TopUp
	for _, t := range f.topups {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (f *hTopUpStore) List(ctx context.Context, filter repository.TopUpFilter) ([]*model.TopUp, int64, error) {
	return f.topups, int64(len(f.topups)), nil
}

func (f *hTopUpStore) MarkRefunded(ctx context.Context, tx *gorm.DB, id int64) error {
	return nil
}

type hAuditStore struct {
	inserted []*model.RefundLog
	admins   map[string]bool
}

func (f *hAuditStore) InsertRefundLog(ctx context.Context, row *model.RefundLog) (*model.RefundLog, error) {
	cp := *row
	f.inserted = append(f.inserted, &cp)
	return &cp, nil
}

func (f *hAuditStore) UpdateRefundLog(ctx context.Context, id string, patch map[string]interface{}) error {
	return nil
}

func (f *hAuditStore) GetRefundLog(ctx context.Context, id string) (*model.RefundLog, error) {
	for _, r := range f.inserted {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, errs.NotFound(errs.CodeRefundNotFound, "退款流水不存在")
}

func (f *hAuditStore) ListRefundLogs(ctx context.Context, filter supabase.Filter) ([]model.RefundLog, error) {
	var out []model.RefundLog
	for _, r := range f.inserted {
		out = append(out, *r)
	}
	return out, nil
}

func (f *hAuditStore) ListUserOpenRefunds(ctx context.Context, userID int64) ([]model.RefundLog, error) {
	return nil, nil
}

func (f *hAuditStore) ListAllOpenRefunds(ctx context.Context) ([]model.RefundLog, error) {
	return nil, nil
}

func (f *hAuditStore) ListStalePending(ctx context.Context, before time.Time) ([]model.RefundLog, error) {
	return nil, nil
}

func (f *hAuditStore) IsAdmin(ctx context.Context, email string) (bool, error) {
	return f.admins[email], nil
}

type hCardClient struct{}

func (f *hCardClient) ListCustomerCharges(ctx context.Context, customerID string) ([]stripe.Charge, error) {
	return nil, nil
}

func (f *hCardClient) CreateRefund(ctx context.Context, params stripe.RefundParams) (*stripe.Refund, error) {
	return nil, errs.Internal("测试里不应走到卡渠道")
}

type hAggClient struct {
	inputs []epay.RefundInput
}

func (f *hAggClient) Refund(ctx context.Context, in epay.RefundInput) (*epay.RefundResult, error) {
	f.inputs = append(f.inputs, in)
	return &epay.RefundResult{Code: 0, Msg: "success", RefundNo: "R1", RawBody: `{"code":0}`}, nil
}

type hOutbox struct {
	appended []*model.OutboxMessage
}

func (f *hOutbox) Append(ctx context.Context, msg *model.OutboxMessage) error {
	f.appended = append(f.appended, msg)
	return nil
}

// ---- 测试装配 ----

type testServer struct {
	engine *gin.Engine
	cfg    *config.Config
	users  *hUserStore
	topups *hTopUpStore
	audit  *hAuditStore
	agg    *hAggClient
	outbox *hOutbox
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.Server.Mode = "release"
	cfg.Admin.APIKey = "test-api-key"
	cfg.Admin.Emails = []string{"alice@example.com"}
	cfg.Supabase.JWTSecret = "test-secret"
	cfg.Refund.DefaultFeeBps = 500
	cfg.Kafka.Topic.RefundResult = "zelo.refund.result"

	users := &hUserStore{users: map[int64]*model.User{
		7: {ID: 7, Email: "user7@example.com", Quota: 5_000_000, UsedQuota: 0},
	}}
	topups := &hTopUpStore{topups: []*model.TopUp{
		{
			ID: 1, UserID: 7, TradeNo: "T1",
			Money:         decimal.New(1000, -2),
			Status:        model.TopUpStatusSuccess,
			PaymentMethod: model.PaymentMethodAlipay,
			CreateTime:    1700000000, CompleteTime: 1700000100,
		},
	}}
	audit := &hAuditStore{admins: map[string]bool{"bob@example.com": true}}
	card := &hCardClient{}
	agg := &hAggClient{}
	outbox := &hOutbox{}

	quotes := service.NewQuoteService(users, topups, audit, card)
	refunds := service.NewRefundService(nil, nil, cfg, users, topups, audit, card, agg, outbox, quotes)
	estimates := service.NewEstimateService(users, topups, audit, card, nil, 2)
	queries := service.NewQueryService(users, topups, audit)
	activity := service.NewActivityService(audit)

	h := NewHandler(quotes, refunds, estimates, queries, activity)
	engine := SetupRouter(h, cfg, audit)

	return &testServer{engine: engine, cfg: cfg, users: users, topups: topups, audit: audit, agg: agg, outbox: outbox}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func signToken(t *testing.T, secret, email string) string {
	t.Helper()
	claims := adminClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "sub-" + email,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

// ---- 用例 ----

func TestAdminRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	t.Run("无凭证", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/topups", "", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		require.Equal(t, "unauthorized", decodeBody(t, w)["error"])
	})

	t.Run("错误的共享密钥", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/topups", "wrong-key", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("共享密钥放行", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/topups", "test-api-key", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		require.Equal(t, float64(1), body["total"])
	})
}

func TestJWTAdminAuth(t *testing.T) {
	s := newTestServer(t)

	t.Run("白名单邮箱", func(t *testing.T) {
		token := signToken(t, "test-secret", "alice@example.com")
		w := s.do(t, http.MethodGet, "/api/users?q=user7", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("admin_users 表内邮箱", func(t *testing.T) {
		token := signToken(t, "test-secret", "bob@example.com")
		w := s.do(t, http.MethodGet, "/api/users?q=user7", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("合法 JWT 但非管理员", func(t *testing.T) {
		token := signToken(t, "test-secret", "carol@example.com")
		w := s.do(t, http.MethodGet, "/api/users?q=user7", token, nil)
		require.Equal(t, http.StatusForbidden, w.Code)
		require.Equal(t, "forbidden", decodeBody(t, w)["error"])
	})

	t.Run("签名不对", func(t *testing.T) {
		token := signToken(t, "other-secret", "alice@example.com")
		w := s.do(t, http.MethodGet, "/api/users?q=user7", token, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestExecuteRefundThroughHTTP(t *testing.T) {
	s := newTestServer(t)
	token := signToken(t, "test-secret", "alice@example.com")

	w := s.do(t, http.MethodPost, "/api/users/7/refund", token, map[string]interface{}{
		"dry_run": false,
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	require.Equal(t, "succeeded", body["status"])
	require.Equal(t, float64(1000), body["gross_cents"])
	require.Equal(t, float64(950), body["net_cents"])

	// 操作员身份从鉴权中间件透传到审计行
	require.NotEmpty(t, s.audit.inserted)
	require.Equal(t, "alice@example.com", s.audit.inserted[0].PerformedBy)
	require.Len(t, s.agg.inputs, 1)
	require.Len(t, s.outbox.appended, 1)
}

func TestExecuteRefundBadUserID(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/users/abc/refund", "test-api-key", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_user_id", decodeBody(t, w)["error"])
}

func TestQuoteEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/users/7/refund-quote", "test-api-key", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, float64(1000), body["due_cents"])

	w = s.do(t, http.MethodGet, "/api/users/404/refund-quote", "test-api-key", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "user_not_found", decodeBody(t, w)["error"])
}

func TestEstimateUsersSplitsTokens(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/refund-estimate/users", "test-api-key", map[string]interface{}{
		"user_ids":      []int64{7},
		"user_ids_text": "9001; abc,7",
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	require.ElementsMatch(t, []interface{}{"abc"}, body["invalid_user_ids"])
	require.ElementsMatch(t, []interface{}{float64(9001)}, body["user_ids_not_found"])
	require.ElementsMatch(t, []interface{}{float64(7)}, body["duplicate_user_ids"])
}

func TestRefundListAndDetail(t *testing.T) {
	s := newTestServer(t)
	_, err := s.audit.InsertRefundLog(context.Background(), &model.RefundLog{
		ID: "r1", MySQLUserID: 7, Status: model.RefundStatusSucceeded,
	})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/refunds?mysql_user_id=7&status=succeeded", "test-api-key", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/refunds?status=unknown", "test-api-key", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_status", decodeBody(t, w)["error"])

	w = s.do(t, http.MethodGet, "/api/refunds/r1", "test-api-key", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/refunds/missing", "test-api-key", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "refund_not_found", decodeBody(t, w)["error"])
}

func TestPublicActivityIsOpenAndRedacted(t *testing.T) {
	s := newTestServer(t)
	_, err := s.audit.InsertRefundLog(context.Background(), &model.RefundLog{
		ID: "a1", TopupTradeNo: "T1", Status: model.RefundStatusSucceeded,
	})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/public/refunds/activity", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	items := decodeBody(t, w)["items"].([]interface{})
	require.Len(t, items, 1)
	row := items[0].(map[string]interface{})
	require.Equal(t, "[redacted]", row["topup_trade_no"])

	w = s.do(t, http.MethodGet, "/api/public/refunds/activity/a1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}
