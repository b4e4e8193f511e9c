package response

import (
	"net/http"

	"github.com/Privnode-HQ/zelo-refund/pkg/errs"

	"github.com/gin-gonic/gin"
)

// ErrorBody 统一错误响应。error 是稳定错误码，message 给操作员看，
// details 放结构化补充（校验细节、部分成功的 leg 列表等）。
type ErrorBody struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// OK 成功响应，payload 原样输出
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Err 业务错误响应，状态码由错误大类决定
func Err(c *gin.Context, err error) {
	e := errs.From(err)
	c.JSON(errs.HTTPStatus(e), ErrorBody{
		Error:   e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}

// AbortErr 中间件用：写响应并终止后续 handler
func AbortErr(c *gin.Context, err error) {
	e := errs.From(err)
	c.AbortWithStatusJSON(errs.HTTPStatus(e), ErrorBody{
		Error:   e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}
