package epay

import (
	"context"
	"crypto/rsa"
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

// OrderNoField 退款请求里订单号字段名。充值单存的是渠道单号时用
// trade_no，存的是我方单号时用 out_trade_no。
const (
	OrderNoFieldTradeNo    = "trade_no"
	OrderNoFieldOutTradeNo = "out_trade_no"
)

// Client 聚合支付（易支付协议）退款客户端。
// 请求走表单 + RSA 签名，响应是 JSON，配置了公钥就验签。
type Client struct {
	baseURL  string
	pid      string
	signType string
	priv     *rsa.PrivateKey
	pub      *rsa.PublicKey
	http     *http.Client
}

// RefundInput 一笔渠道退款指令
type RefundInput struct {
	OrderNoField string
	OrderNo      string
	MoneyYuan    string
	OutRefundNo  string
	Timestamp    int64
}

// RefundResult 网关应答。RawRequest / RawBody 原样留给审计行。
type RefundResult struct {
	Code       int
	Msg        string
	RefundNo   string
	RawRequest string
	RawBody    string
}

func New(cfg *config.EpayConfig) (*Client, error) {
	if cfg.BaseURL == "" || cfg.PID == "" {
		return nil, fmt.Errorf("epay 配置不完整: base_url / pid 必填")
	}
	priv, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("epay 私钥解析失败: %w", err)
	}
	signType := cfg.SignType
	if signType == "" {
		signType = SignTypeRSA
	}
	c := &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		pid:      cfg.PID,
		signType: signType,
		priv:     priv,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	if cfg.PublicKey != "" {
		pub, err := ParsePublicKey(cfg.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("epay 公钥解析失败: %w", err)
		}
		c.pub = pub
	}
	return c, nil
}

// Refund 向网关发起退款。幂等性依赖 out_refund_no：同一单号重发
// 网关不会二次扣款。code != 0 带网关原话返回。
func (c *Client) Refund(ctx context.Context, in RefundInput) (*RefundResult, error) {
	field := in.OrderNoField
	if field == "" {
		field = OrderNoFieldTradeNo
	}
	params := map[string]string{
		"pid":           c.pid,
		field:           in.OrderNo,
		"money":         in.MoneyYuan,
		"out_refund_no": in.OutRefundNo,
		"timestamp":     strconv.FormatInt(in.Timestamp, 10),
		"sign_type":     c.signType,
	}
	sign, err := signContent(c.priv, c.signType, canonicalize(params))
	if err != nil {
		return nil, errs.External(errs.CodeProviderError, "epay 签名失败").WithCause(err)
	}
	params["sign"] = sign

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	encoded := form.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/refund", strings.NewReader(encoded))
	if err != nil {
		return nil, errs.External(errs.CodeProviderError, "epay 请求构造失败").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.External(errs.CodeProviderError, "epay 请求失败").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.External(errs.CodeProviderError, "epay 响应读取失败").WithCause(err)
	}
	if resp.StatusCode >= 400 {
		return nil, errs.External(errs.CodeProviderError,
			fmt.Sprintf("epay HTTP %d", resp.StatusCode)).
			WithDetails(map[string]interface{}{"body": string(body)})
	}

	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, errs.External(errs.CodeProviderError, "epay 响应不是合法 JSON").
			WithCause(err).
			WithDetails(map[string]interface{}{"body": string(body)})
	}

	if c.pub != nil {
		if respSign, _ := payload["sign"].(string); respSign != "" {
			if err := verifyContent(c.pub, c.signType, canonicalizeResponse(payload), respSign); err != nil {
				return nil, errs.External(errs.CodeSignatureInvalid, "epay 响应验签失败").WithCause(err)
			}
		}
	}

	result := &RefundResult{
		RawRequest: encoded,
		RawBody:    string(body),
	}
	if num, ok := payload["code"].(json.Number); ok {
		code, _ := strconv.Atoi(num.String())
		result.Code = code
	}
	result.Msg, _ = payload["msg"].(string)
	result.RefundNo, _ = payload["refund_no"].(string)

	if result.Code != 0 {
		msg := result.Msg
		if msg == "" {
			msg = "epay 退款被拒绝"
		}
		return nil, errs.External(errs.CodeProviderError, msg).
			WithDetails(map[string]interface{}{"code": result.Code})
	}
	return result, nil
}
