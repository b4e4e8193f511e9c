package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/Privnode-HQ/zelo-refund/internal/config"
	"github.com/Privnode-HQ/zelo-refund/internal/service"
)

// SetupRouter 组装路由。管理接口整组挂鉴权，公开动态和健康检查除外。
func SetupRouter(h *Handler, cfg *config.Config, audit service.AuditStore) *gin.Engine {
	if cfg.Server.Mode != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware(cfg.Server.AdminCORSOrigin))

	api := r.Group("/api")

	admin := api.Group("")
	admin.Use(AdminAuthMiddleware(cfg, audit))
	{
		admin.GET("/topups", h.ListTopUps)
		admin.GET("/topups/:trade_no", h.GetTopUp)

		admin.GET("/users", h.SearchUsers)
		admin.GET("/users/:uid/refund-quote", h.GetRefundQuote)
		admin.POST("/users/:uid/refund", h.ExecuteRefund)

		admin.GET("/refunds", h.ListRefunds)
		admin.GET("/refunds/:id", h.GetRefund)

		admin.GET("/refund-estimate", h.GetEstimate)
		admin.POST("/refund-estimate/recompute", h.RecomputeEstimate)
		admin.POST("/refund-estimate/users", h.EstimateUsers)

		admin.POST("/refund", h.RefundTopUp)
	}

	public := api.Group("/public")
	{
		public.GET("/refunds/activity", h.ListActivity)
		public.GET("/refunds/activity/:id", h.GetActivity)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
