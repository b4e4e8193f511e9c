package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Privnode-HQ/zelo-refund/internal/config"
	"github.com/Privnode-HQ/zelo-refund/pkg/errs"
)

func newTestClient(baseURL string) *Client {
	return New(&config.StripeConfig{SecretKey: "sk_test_123", BaseURL: baseURL})
}

func TestChargeRemaining(t *testing.T) {
	testCases := []struct {
		name     string
		amount   int64
		refunded int64
		want     int64
	}{
		{"未退过", 1000, 0, 1000},
		{"退过一半", 1000, 400, 600},
		{"退完", 1000, 1000, 0},
		{"超退不出负数", 1000, 1200, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ch := Charge{Amount: tc.amount, AmountRefunded: tc.refunded}
			assert.Equal(t, tc.want, ch.Remaining())
		})
	}
}

func TestListCustomerChargesPagination(t *testing.T) {
	const total = 250
	var requests []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/charges", r.URL.Path)
		require.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		require.Equal(t, "cus_1", r.URL.Query().Get("customer"))
		require.Equal(t, "100", r.URL.Query().Get("limit"))
		requests = append(requests, r.URL.Query().Get("starting_after"))

		start := 0
		if after := r.URL.Query().Get("starting_after"); after != "" {
			n, err := strconv.Atoi(after[len("ch_"):])
			require.NoError(t, err)
			start = n + 1
		}
		end := start + pageLimit
		if end > total {
			end = total
		}
		page := chargeList{HasMore: end < total}
		for i := start; i < end; i++ {
			page.Data = append(page.Data, Charge{ID: fmt.Sprintf("ch_%d", i), Amount: 100, Currency: "cny"})
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer server.Close()

	charges, err := newTestClient(server.URL).ListCustomerCharges(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Len(t, charges, total)
	// 三页：首页无游标，后两页用上一页末尾的 id
	assert.Equal(t, []string{"", "ch_99", "ch_199"}, requests)
	assert.Equal(t, "ch_0", charges[0].ID)
	assert.Equal(t, "ch_249", charges[total-1].ID)
}

func TestCreateRefundFormAndIdempotency(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/refunds", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refund-key-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "ch_1", r.PostForm.Get("charge"))
		assert.Equal(t, "", r.PostForm.Get("payment_intent"))
		assert.Equal(t, "950", r.PostForm.Get("amount"))
		json.NewEncoder(w).Encode(Refund{ID: "re_1", Amount: 950, Currency: "cny", Charge: "ch_1", Status: "succeeded"})
	}))
	defer server.Close()

	amount := int64(950)
	got, err := newTestClient(server.URL).CreateRefund(context.Background(), RefundParams{
		ChargeID:       "ch_1",
		AmountMinor:    &amount,
		IdempotencyKey: "refund-key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "re_1", got.ID)
	assert.Equal(t, int64(950), got.Amount)
	assert.Contains(t, got.RawBody, `"re_1"`)
}

func TestCreateRefundFullWhenNoAmount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "pi_1", r.PostForm.Get("payment_intent"))
		assert.False(t, r.PostForm.Has("amount"))
		json.NewEncoder(w).Encode(Refund{ID: "re_2", Status: "succeeded"})
	}))
	defer server.Close()

	got, err := newTestClient(server.URL).CreateRefund(context.Background(), RefundParams{
		PaymentIntentID: "pi_1",
		IdempotencyKey:  "refund-key-2",
	})
	require.NoError(t, err)
	assert.Equal(t, "re_2", got.ID)
}

func TestCreateRefundExactlyOneTarget(t *testing.T) {
	c := newTestClient("http://unused")

	_, err := c.CreateRefund(context.Background(), RefundParams{})
	assert.Error(t, err)

	_, err = c.CreateRefund(context.Background(), RefundParams{PaymentIntentID: "pi_1", ChargeID: "ch_1"})
	assert.Error(t, err)
}

func TestCreateRefundCustomerMismatch(t *testing.T) {
	refundCalled := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/charges/ch_1":
			json.NewEncoder(w).Encode(Charge{ID: "ch_1", Customer: "cus_other", Status: "succeeded"})
		case "/v1/refunds":
			refundCalled = true
			json.NewEncoder(w).Encode(Refund{ID: "re_x"})
		default:
			t.Fatalf("意外请求 %s", r.URL.Path)
		}
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).CreateRefund(context.Background(), RefundParams{
		ChargeID:         "ch_1",
		ExpectedCustomer: "cus_1",
		IdempotencyKey:   "k",
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeCustomerMismatch))
	// 校验失败绝不能碰退款端点
	assert.False(t, refundCalled)
}

func TestCreateRefundNotSucceeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents/pi_1", r.URL.Path)
		json.NewEncoder(w).Encode(PaymentIntent{ID: "pi_1", Customer: "cus_1", Status: "requires_capture"})
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).CreateRefund(context.Background(), RefundParams{
		PaymentIntentID:  "pi_1",
		ExpectedCustomer: "cus_1",
		IdempotencyKey:   "k",
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeNotSucceeded))
	assert.Contains(t, err.Error(), "not_succeeded:requires_capture")
}

func TestAPIErrorSurfacesMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":{"type":"card_error","code":"charge_already_refunded","message":"Charge ch_1 has already been refunded."}}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).CreateRefund(context.Background(), RefundParams{
		ChargeID:       "ch_1",
		IdempotencyKey: "k",
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeProviderError))
	assert.Contains(t, err.Error(), "already been refunded")
}
