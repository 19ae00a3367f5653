package api

import (
	"github.com/gin-gonic/gin"

	"labguard-worker-go/internal/api/middleware"
)

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.RequestContext())
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.Logger())
	s.router.Use(middleware.CORS())
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.healthHandler.WorkerInfo)
	s.router.GET("/health", s.healthHandler.HealthCheck)
	s.router.GET("/metrics", gin.WrapH(s.container.Metrics.Handler()))

	cameras := s.router.Group("/cameras")
	{
		cameras.GET("", s.cameraHandler.ListCameras)
		cameras.POST("", s.cameraHandler.StartCamera)
		cameras.GET("/:camera_id", s.cameraHandler.GetCamera)
		cameras.DELETE("/:camera_id", s.cameraHandler.StopCamera)
		cameras.GET("/:camera_id/stream", s.streamHandler.StreamMJPEG)
	}

	evidence := s.router.Group("/evidence")
	{
		evidence.GET("/:person_id", s.evidenceHandler.ListEvidence)
		evidence.GET("/:person_id/:day/:kind", s.evidenceHandler.GetImage)
	}

	system := s.router.Group("/system")
	{
		system.GET("/stats", s.systemHandler.GetStats)
	}
}
