package api

import "github.com/gin-gonic/gin"

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/metrics", gin.WrapH(MetricsHandler()))
	s.router.GET("/v1/health/network", s.handleHealthNetwork)
	s.router.GET("/ws", s.handleWebSocket)

	auth := s.router.Group("/api/v1/auth")
	{
		auth.POST("/login", s.handleLogin)
	}

	transfers := s.router.Group("/api/v1/transfers")
	{
		transfers.POST("", s.handleStartTransfer)
		transfers.GET("", s.handleListTransfers)
		transfers.GET("/:id", s.handleGetTransfer)
		transfers.POST("/:id/cancel", s.handleCancelTransfer)
		transfers.POST("/:id/pause", s.handlePauseTransfer)
		transfers.POST("/:id/resume", s.handleResumeTransfer)
		transfers.POST("/:id/payment", s.handleRecordPayment)
	}

	handlers := s.router.Group("/api/v1/handlers")
	{
		handlers.GET("", s.handleListHandlers)
	}

	s.router.POST("/api/v1/seed", s.handleSeedFile)
}
