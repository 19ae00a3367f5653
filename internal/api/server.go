package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"labguard-worker-go/internal/api/handlers"
	"labguard-worker-go/internal/config"
	"labguard-worker-go/internal/services"
)

type Server struct {
	config    *config.Config
	router    *gin.Engine
	server    *http.Server
	container *services.ServiceContainer

	healthHandler   *handlers.HealthHandler
	cameraHandler   *handlers.CameraHandler
	streamHandler   *handlers.StreamHandler
	evidenceHandler *handlers.EvidenceHandler
	systemHandler   *handlers.SystemHandler
}

// NewServer builds the service container and the HTTP API on top of it.
func NewServer(cfg *config.Config) (*Server, error) {
	container, err := services.NewServiceContainer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build services: %w", err)
	}

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	cameras := container.CameraManager
	s := &Server{
		config:          cfg,
		router:          router,
		container:       container,
		healthHandler:   handlers.NewHealthHandler(cfg.WorkerID, cfg.Version),
		cameraHandler:   handlers.NewCameraHandler(cameras, container.Publisher.GetStreamURL),
		streamHandler:   handlers.NewStreamHandler(cameras, container.Publisher),
		evidenceHandler: handlers.NewEvidenceHandler(cfg.SnapshotDir),
		systemHandler:   handlers.NewSystemHandler(cfg.WorkerID, cameras, container.Metrics.Snapshot),
	}
	s.setup()
	return s, nil
}

func (s *Server) setup() {
	s.setupMiddleware()
	s.setupRoutes()
	s.setupSwagger()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.container.Publisher.BindServer(s.server)
}

// Start starts the configured cameras and serves the API until Shutdown.
func (s *Server) Start() error {
	started := s.container.StartConfiguredCameras()
	log.Info().
		Int("port", s.config.Port).
		Int("cameras", started).
		Msg("Starting LabGuard Worker API")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then stops the pipeline. The pipeline
// drain gets its own ShutdownTimeout so a slow HTTP drain cannot starve it.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Stopping LabGuard Worker API")
	httpErr := s.server.Shutdown(ctx)
	if httpErr != nil {
		log.Warn().Err(httpErr).Msg("HTTP server did not drain in time, closing connections")
		s.server.Close()
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	return errors.Join(s.container.Shutdown(drainCtx), httpErr)
}

func (s *Server) GetServer() *http.Server {
	return s.server
}
