package stripe

import (
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
	"github.com/Privnode-HQ/zelo-refund/pkg/errs"
)

const (
	apiVersion   = "2023-10-16"
	pageLimit    = 100
	maxBodyBytes = 4 << 20
)

// Client Stripe REST 客户端。只封装退款链路用到的四个端点，
// 不引 SDK，表单编码直接打 /v1 接口。
type Client struct {
	secretKey string
	baseURL   string
	http      *http.Client
}

func New(cfg *config.StripeConfig) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.stripe.com"
	}
	return &Client{
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimRight(base, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     60 * time.Second,
			},
		},
	}
}

type Charge struct {
	ID             string `json:"id"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
	Customer       string `json:"customer"`
	PaymentIntent  string `json:"payment_intent"`
	Paid           bool   `json:"paid"`
	Refunded       bool   `json:"refunded"`
	Status         string `json:"status"`
	Created        int64  `json:"created"`
}

// Remaining 还能退的金额（最小币种单位），不会为负
func (c *Charge) Remaining() int64 {
	r := c.Amount - c.AmountRefunded
	if r < 0 {
		return 0
	}
	return r
}

type PaymentIntent struct {
	ID           string `json:"id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Customer     string `json:"customer"`
	Status       string `json:"status"`
	LatestCharge string `json:"latest_charge"`
}

type Refund struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Charge        string `json:"charge"`
	PaymentIntent string `json:"payment_intent"`
	Status        string `json:"status"`
	// RawBody 原始应答，留给审计行
	RawBody string `json:"-"`
}

// RefundParams 退款参数。PaymentIntentID 和 ChargeID 必须二选一；
// AmountMinor 为 nil 时整单退剩余额度。
type RefundParams struct {
	PaymentIntentID  string
	ChargeID         string
	AmountMinor      *int64
	ExpectedCustomer string
	IdempotencyKey   string
}

type chargeList struct {
	Data    []Charge `json:"data"`
	HasMore bool     `json:"has_more"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ListCustomerCharges 拉取客户全部 charge，按 starting_after 游标
// 翻页直到 has_more 为假。成功与否都返回，过滤是调用方的事。
func (c *Client) ListCustomerCharges(ctx context.Context, customerID string) ([]Charge, error) {
	var all []Charge
	startingAfter := ""
	for {
		q := url.Values{}
		q.Set("customer", customerID)
		q.Set("limit", strconv.Itoa(pageLimit))
		if startingAfter != "" {
			q.Set("starting_after", startingAfter)
		}
		var page chargeList
		if err := c.get(ctx, "/v1/charges", q, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Data...)
		if !page.HasMore || len(page.Data) == 0 {
			return all, nil
		}
		startingAfter = page.Data[len(page.Data)-1].ID
	}
}

func (c *Client) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	var ch Charge
	if err := c.get(ctx, "/v1/charges/"+url.PathEscape(chargeID), nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) GetPaymentIntent(ctx context.Context, piID string) (*PaymentIntent, error) {
	var pi PaymentIntent
	if err := c.get(ctx, "/v1/payment_intents/"+url.PathEscape(piID), nil, &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

// CreateRefund 发起退款。幂等键由调用方给定，同键重打不会二次退款。
// 给了 ExpectedCustomer 时先核对归属和 succeeded 状态再动钱。
func (c *Client) CreateRefund(ctx context.Context, params RefundParams) (*Refund, error) {
	hasPI := params.PaymentIntentID != ""
	hasCharge := params.ChargeID != ""
	if hasPI == hasCharge {
		return nil, fmt.Errorf("stripe 退款必须且只能指定 payment_intent 或 charge 之一")
	}

	if params.ExpectedCustomer != "" {
		if err := c.verifyOwnership(ctx, params); err != nil {
			return nil, err
		}
	}

	form := url.Values{}
	if hasPI {
		form.Set("payment_intent", params.PaymentIntentID)
	} else {
		form.Set("charge", params.ChargeID)
	}
	if params.AmountMinor != nil {
		form.Set("amount", strconv.FormatInt(*params.AmountMinor, 10))
	}

	body, err := c.postForm(ctx, "/v1/refunds", form, params.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	var refund Refund
	if err := json.Unmarshal(body, &refund); err != nil {
		return nil, errs.External(errs.CodeProviderError, "stripe 退款应答解析失败").WithCause(err)
	}
	refund.RawBody = string(body)
	return &refund, nil
}

func (c *Client) verifyOwnership(ctx context.Context, params RefundParams) error {
	var customer, status, target string
	if params.ChargeID != "" {
		ch, err := c.GetCharge(ctx, params.ChargeID)
		if err != nil {
			return err
		}
		customer, status, target = ch.Customer, ch.Status, ch.ID
	} else {
		pi, err := c.GetPaymentIntent(ctx, params.PaymentIntentID)
		if err != nil {
			return err
		}
		customer, status, target = pi.Customer, pi.Status, pi.ID
	}
	if customer != params.ExpectedCustomer {
		return errs.Integrity(errs.CodeCustomerMismatch,
			fmt.Sprintf("%s 不属于客户 %s", target, params.ExpectedCustomer))
	}
	if status != "succeeded" {
		return errs.State(errs.CodeNotSucceeded,
			fmt.Sprintf("not_succeeded:%s", status)).
			WithDetails(map[string]interface{}{"state": status})
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errs.External(errs.CodeProviderError, "stripe 请求构造失败").WithCause(err)
	}
	return c.do(req, out)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, idempotencyKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errs.External(errs.CodeProviderError, "stripe 请求构造失败").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	var raw json.RawMessage
	if err := c.do(req, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Stripe-Version", apiVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.External(errs.CodeProviderError, "stripe 请求失败").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return errs.External(errs.CodeProviderError, "stripe 应答读取失败").WithCause(err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		msg := fmt.Sprintf("stripe HTTP %d", resp.StatusCode)
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return errs.External(errs.CodeProviderError, msg).WithDetails(map[string]interface{}{
			"http_status": resp.StatusCode,
			"stripe_code": apiErr.Error.Code,
		})
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.External(errs.CodeProviderError, "stripe 应答解析失败").WithCause(err)
	}
	return nil
}
