package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yungbote/conductor/internal/handlers"
	"github.com/yungbote/conductor/internal/middleware"
)

type RouterConfig struct {
	TaskHandler         *handlers.TaskHandler
	CorrelationIDHeader string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(middleware.Correlation(cfg.CorrelationIDHeader))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", cfg.CorrelationIDHeader},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	v1 := router.Group("/v1")
	{
		v1.POST("/tasks", cfg.TaskHandler.Create)
		v1.GET("/tasks/:id", cfg.TaskHandler.Get)
		v1.GET("/tasks/:id/summary", cfg.TaskHandler.Summary)
		v1.POST("/tasks/:id/cancel", cfg.TaskHandler.Cancel)
	}

	return router
}
