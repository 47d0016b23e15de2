package handler

import (
	"arena/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 钱包相关
		wallet := api.Group("/wallet")
		{
			wallet.GET("/balance", h.GetBalance)
			wallet.POST("/deposit", h.Deposit)
			wallet.POST("/withdraw", h.Withdraw)
			wallet.GET("/transactions", h.ListTransactions)
		}

		// 赛事相关
		tournament := api.Group("/tournament")
		{
			tournament.POST("/create", h.CreateTournament)
			tournament.POST("/update", h.UpdateTournament)
			tournament.POST("/publish", h.PublishTournament)
			tournament.POST("/close", h.CloseTournament)
			tournament.POST("/delete", h.DeleteTournament)
			tournament.GET("/detail", h.GetTournament)
			tournament.GET("/list", h.ListTournaments)
		}

		// 报名相关
		enroll := api.Group("/enroll")
		{
			enroll.POST("/join", h.Join)
			enroll.POST("/quit", h.Quit)
			enroll.GET("/detail", h.GetEnrollment)
			enroll.GET("/list", h.ListEnrollments)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
