package money

import (
	"strings"

	"github.com/Privnode-HQ/zelo-refund/pkg/errs"

	"github.com/shopspring/decimal"
)

// 金额单位换算关系：1 元 = 100 分 = 500000 quota。
// 所有涉及金额的计算一律走整数，浮点只许出现在日志展示里。
const (
	QuotaPerCent int64 = 5000
	QuotaPerYuan int64 = 500000
)

// ParseYuanToCents 解析元字符串为分。
// 允许：可选负号、整数部分、可选小数点后 0~2 位；多余的小数位直接截断。
// 空串、非法字符、超出 int64 都报 invalid_amount。
func ParseYuanToCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errs.Validation(errs.CodeInvalidAmount, "金额不能为空")
	}
	if err := checkYuanShape(s); err != nil {
		return 0, err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, errs.Validation(errs.CodeInvalidAmount, "金额格式不合法: "+s)
	}
	// 先截断到两位小数再移位，和按字符串截断等价（Truncate 向零取整）
	cents := d.Truncate(2).Shift(2)
	bi := cents.BigInt()
	if !bi.IsInt64() {
		return 0, errs.Validation(errs.CodeInvalidAmount, "金额超出可表示范围: "+s)
	}
	return bi.Int64(), nil
}

// checkYuanShape 手工校验形状：-?\d+(\.\d*)?
// decimal.NewFromString 额外接受科学计数法和 ".5" 这类写法，这里先挡掉。
func checkYuanShape(s string) error {
	bad := func() error {
		return errs.Validation(errs.CodeInvalidAmount, "金额格式不合法: "+s)
	}
	if s[0] == '-' {
		s = s[1:]
	}
	if s == "" {
		return bad()
	}
	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" || !allDigits(intPart) {
		return bad()
	}
	if fracPart != "" && !allDigits(fracPart) {
		return bad()
	}
	return nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// FormatCentsToYuan 分转元字符串，恒定两位小数，保留符号
func FormatCentsToYuan(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// CentsToQuota 分转 quota（精确）
func CentsToQuota(cents int64) int64 {
	return cents * QuotaPerCent
}

// QuotaToCentsFloor quota 转分，向下取整。
// 调用方只会传入非负值，这里的 / 就是 floor。
func QuotaToCentsFloor(quota int64) int64 {
	return quota / QuotaPerCent
}

// ParseFeePercent 解析手续费百分比为基点（bp，万分之一）。
// 空串取默认值；合法范围 0~100，最多两位小数，不做截断，超了直接报错。
func ParseFeePercent(s string, defaultBps int64) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultBps, nil
	}
	bad := func() error {
		return errs.Validation(errs.CodeInvalidFeePercent, "手续费比例不合法: "+s)
	}
	if s[0] == '-' {
		return 0, bad()
	}
	if err := checkYuanShape(s); err != nil {
		return 0, bad()
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, bad()
	}
	if d.Exponent() < -2 && !d.Equal(d.Truncate(2)) {
		return 0, bad()
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		return 0, bad()
	}
	return d.Shift(2).IntPart(), nil
}
