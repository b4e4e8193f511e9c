package service

import (
	"encoding/json"
	"regexp"

	"github.com/Privnode-HQ/zelo-refund/internal/model"
)

// 公共活动页的脱敏墙。命中敏感键的值整个换成占位符，任意位置的
// 字符串再过一遍 stripe id 正则，超长数组折叠成计数。raw_request
// 里嵌着完整计算轨迹（含单号），按键整体屏蔽而不是逐字段洗。

const (
	redactedLiteral   = "[redacted]"
	maxPublicArrayLen = 50
)

var sensitiveKeys = map[string]bool{
	"trade_no":                 true,
	"topup_trade_no":           true,
	"stripe_charge_id":         true,
	"charge_id":                true,
	"stripe_payment_intent_id": true,
	"payment_intent_id":        true,
	"payment_intent":           true,
	"stripe_customer_id":       true,
	"customer":                 true,
	"customer_id":              true,
	"provider_refund_no":       true,
	"out_refund_no":            true,
	"refund_no":                true,
	"error_message":            true,
	"performed_by":             true,
	"email":                    true,
	"raw_request":              true,
	"raw_response":             true,
}

var stripeIDPattern = regexp.MustCompile(`(ch|pi|cus)_[A-Za-z0-9]+`)

// Redact 递归脱敏任意 JSON 形状的值
func Redact(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			if sensitiveKeys[k] && item != nil {
				out[k] = redactedLiteral
				continue
			}
			out[k] = Redact(item)
		}
		return out
	case []interface{}:
		if len(val) > maxPublicArrayLen {
			return map[string]interface{}{"count": len(val), "truncated": true}
		}
		out := make([]interface{}, len(val))
		for i := range val {
			out[i] = Redact(val[i])
		}
		return out
	case string:
		return stripeIDPattern.ReplaceAllString(val, "${1}_"+redactedLiteral)
	default:
		return v
	}
}

// RedactRefundLog 审计行转公共视图
func RedactRefundLog(row *model.RefundLog) map[string]interface{} {
	b, err := json.Marshal(row)
	if err != nil {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]interface{}{}
	}
	out, _ := Redact(m).(map[string]interface{})
	return out
}
