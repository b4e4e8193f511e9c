package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Privnode-HQ/zelo-refund/internal/config"
	"github.com/Privnode-HQ/zelo-refund/internal/logger"
	"github.com/Privnode-HQ/zelo-refund/internal/service"
	"github.com/Privnode-HQ/zelo-refund/pkg/errs"
	"github.com/Privnode-HQ/zelo-refund/pkg/response"
)

// ctxKeyOperator 鉴权通过后写入 gin context 的操作员标识，
// 落进 RefundLog.performed_by
const ctxKeyOperator = "operator"

// LoggerMiddleware 请求日志
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		if query != "" {
			path = path + "?" + query
		}
		logger.S().Infow("http_request",
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"path", path,
			"client_ip", c.ClientIP(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}

// RecoveryMiddleware 兜住 panic，按统一错误包裹返回 500
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.S().Errorw("panic_recovered",
					"panic", r,
					"path", c.Request.URL.Path,
				)
				response.AbortErr(c, errs.Internal("服务器内部错误"))
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 管理端跨域。origin 未配置时放开给本地调试。
func CORSMiddleware(origin string) gin.HandlerFunc {
	if origin == "" {
		origin = "*"
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		if origin != "*" {
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// adminClaims 审计库签发的 JWT，管理员身份看 email
type adminClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// AdminAuthMiddleware 管理接口鉴权。Bearer token 两条路：
// 与 ADMIN_API_KEY 完全一致直接放行；否则按审计库 JWT 解析，
// email 须在白名单或 admin_users 表内。
func AdminAuthMiddleware(cfg *config.Config, audit service.AuditStore) gin.HandlerFunc {
	allow := make(map[string]bool, len(cfg.Admin.Emails))
	for _, email := range cfg.Admin.Emails {
		allow[strings.ToLower(strings.TrimSpace(email))] = true
	}

	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			response.AbortErr(c, errs.New(errs.KindUnauthorized, errs.CodeUnauthorized, "缺少凭证"))
			return
		}

		if cfg.Admin.APIKey != "" && token == cfg.Admin.APIKey {
			c.Set(ctxKeyOperator, "api_key")
			c.Next()
			return
		}

		if cfg.Supabase.JWTSecret == "" {
			response.AbortErr(c, errs.New(errs.KindUnauthorized, errs.CodeUnauthorized, "凭证无效"))
			return
		}

		claims := &adminClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(cfg.Supabase.JWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !parsed.Valid {
			response.AbortErr(c, errs.New(errs.KindUnauthorized, errs.CodeUnauthorized, "凭证无效"))
			return
		}

		email := strings.ToLower(strings.TrimSpace(claims.Email))
		if email == "" {
			response.AbortErr(c, errs.New(errs.KindUnauthorized, errs.CodeUnauthorized, "凭证缺少邮箱"))
			return
		}

		if !allow[email] {
			isAdmin, err := audit.IsAdmin(c.Request.Context(), email)
			if err != nil {
				response.AbortErr(c, err)
				return
			}
			if !isAdmin {
				response.AbortErr(c, errs.New(errs.KindForbidden, errs.CodeForbidden, "非管理员"))
				return
			}
		}

		c.Set(ctxKeyOperator, email)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func operatorFrom(c *gin.Context) string {
	return c.GetString(ctxKeyOperator)
}
