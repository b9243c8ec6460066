package handler

import (
	"settlepay/internal/config"
	"settlepay/internal/infrastructure/lock"
	"settlepay/internal/provider"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, locks lock.Manager, registry *provider.Registry, cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(db, locks, registry, cfg)

	payments := r.Group("/api/v1/payments")
	{
		// 渠道回调不走身份中间件，靠验签鉴权
		payments.POST("/webhook/:provider", h.Webhook)

		authed := payments.Group("")
		authed.Use(AuthMiddleware())
		{
			authed.POST("/:contractNo/intent", h.Initiate)
			authed.POST("/confirm", h.Confirm)
			authed.POST("/:contractNo/release", h.Release)
			authed.POST("/:contractNo/refund", h.Refund)
			authed.POST("/withdraw", h.Withdraw)
			authed.GET("/balance", h.GetBalance)
			authed.GET("/list", h.ListRecords)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
