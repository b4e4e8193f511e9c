package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误大类，决定 HTTP 状态码与前端的处理方式
type Kind string

const (
	KindValidation   Kind = "validation"    // 参数不合法
	KindNotFound     Kind = "not_found"     // 目标不存在
	KindState        Kind = "state"         // 业务状态不允许
	KindIntegrity    Kind = "integrity"     // 并发/一致性冲突
	KindExternal     Kind = "external"      // 外部依赖失败（渠道、审计库）
	KindPartial      Kind = "partial"       // 批次部分成功
	KindUnauthorized Kind = "unauthorized"  // 未携带/无效凭证
	KindForbidden    Kind = "forbidden"     // 非管理员
	KindInternal     Kind = "internal"      // 兜底
)

// 稳定错误码，接口契约的一部分，前端按码分支
const (
	CodeInvalidRequest           = "invalid_request"
	CodeInvalidAmount            = "invalid_amount"
	CodeInvalidFeePercent        = "invalid_fee_percent"
	CodeInvalidTradeNo           = "invalid_trade_no"
	CodeInvalidUserID            = "invalid_user_id"
	CodeInvalidUserIDs           = "invalid_user_ids"
	CodeInvalidStatus            = "invalid_status"
	CodeInvalidTimeRange         = "invalid_time_range"
	CodeTooManyUserIDs           = "too_many_user_ids"
	CodeUserNotFound             = "user_not_found"
	CodeTopUpNotFound            = "topup_not_found"
	CodeRefundNotFound           = "refund_not_found"
	CodeNothingToRefund          = "nothing_to_refund"
	CodeTopUpNotRefundable       = "topup_not_refundable"
	CodeFeeTooHigh               = "fee_too_high"
	CodeRefundOutOfRange         = "refund_amount_out_of_range"
	CodeInvalidRefundRange       = "invalid_refund_amount_range"
	CodeStripeMultipleCurrencies = "stripe_multiple_currencies"
	CodeInsufficientUserQuota    = "insufficient_user_quota"
	CodeTopUpAlreadyUpdated      = "topup_already_updated"
	CodeCustomerMismatch         = "customer_mismatch"
	CodeNotSucceeded             = "not_succeeded"
	CodeSupabaseError            = "supabase_error"
	CodeProviderError            = "provider_error"
	CodeSignatureInvalid         = "signature_invalid"
	CodeRefundIncomplete         = "refund_incomplete"
	CodeRefundBusy               = "refund_busy"
	CodeUnauthorized             = "unauthorized"
	CodeForbidden                = "forbidden"
	CodeInternal                 = "internal_error"
)

// Error 带稳定错误码的业务错误。Message 面向操作员，可以含金额，
// 但不携带渠道原始报文（原始报文只进审计行）。
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetails 附加结构化细节（如已完成的 leg 列表）
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// WithCause 挂上底层错误，便于日志；不会出现在响应里
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Validation(code, message string) *Error {
	return New(KindValidation, code, message)
}

func NotFound(code, message string) *Error {
	return New(KindNotFound, code, message)
}

func State(code, message string) *Error {
	return New(KindState, code, message)
}

func Integrity(code, message string) *Error {
	return New(KindIntegrity, code, message)
}

func External(code, message string) *Error {
	return New(KindExternal, code, message)
}

func Partial(code, message string) *Error {
	return New(KindPartial, code, message)
}

func Internal(message string) *Error {
	return New(KindInternal, CodeInternal, message)
}

// From 将任意 error 归一成 *Error；未知错误按 internal 兜底
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err.Error())
}

// Is 按错误码判断，供 service 层分支
func Is(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// HTTPStatus 错误大类到状态码的映射
func HTTPStatus(e *Error) int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindState, KindIntegrity:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindExternal, KindPartial, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
