// internal/api/service.go
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/dmaresca/txpilot/internal/alert"
	"github.com/dmaresca/txpilot/internal/archive"
	"github.com/dmaresca/txpilot/internal/orchestrator"
	"github.com/dmaresca/txpilot/pkg/config"
	"github.com/dmaresca/txpilot/pkg/health"
	"github.com/dmaresca/txpilot/pkg/logging"
	"github.com/dmaresca/txpilot/pkg/metrics"
	"github.com/dmaresca/txpilot/pkg/service"
)

// APIService wraps the API server as a Service
type APIService struct {
	server           *Server
	config           *config.Config
	control          *orchestrator.Orchestrator
	archive          *archive.Archive
	alerts           *alert.Notifier
	status           service.Status
	logger           *logging.Logger
	metricsCollector *metrics.Metrics
}

// NewAPIService creates a new API service
func NewAPIService(
	cfg *config.Config,
	control *orchestrator.Orchestrator,
	store *archive.Archive,
	alerts *alert.Notifier,
	logger *logging.Logger,
	metricsCollector *metrics.Metrics,
) *APIService {
	return &APIService{
		config:           cfg,
		control:          control,
		archive:          store,
		alerts:           alerts,
		status:           service.StatusStopped,
		logger:           logger.WithField("service", "api"),
		metricsCollector: metricsCollector,
	}
}

// Name returns the service name
func (s *APIService) Name() string {
	return "api"
}

// Start initializes and starts the service
func (s *APIService) Start(ctx context.Context) error {
	s.status = service.StatusStarting
	s.logger.Info("starting API service")

	// Initialize the API server
	s.server = NewServer(s.config, s.control, s.archive, s.alerts, s.logger, s.metricsCollector)

	// Start the server
	go s.server.Start()

	// Record service start in metrics
	s.metricsCollector.ServiceLastStarted.Set(float64(time.Now().Unix()))

	s.status = service.StatusRunning
	s.logger.Info("API service started successfully")
	return nil
}

// Stop gracefully shuts down the service
func (s *APIService) Stop(ctx context.Context) error {
	s.status = service.StatusStopping
	s.logger.Info("stopping API service")

	if s.server != nil {
		s.server.Shutdown(ctx)
	}

	s.status = service.StatusStopped
	s.logger.Info("API service stopped successfully")
	return nil
}

// Status returns the current service status
func (s *APIService) Status() service.Status {
	return s.status
}

// Health performs a health check
func (s *APIService) Health() error {
	if s.status != service.StatusRunning {
		return fmt.Errorf("service not running")
	}

	if s.server == nil {
		return fmt.Errorf("server not initialized")
	}

	return nil
}

// Dependencies returns a list of services this service depends on
func (s *APIService) Dependencies() []string {
	return []string{"orchestrator"}
}

// HealthRegistry returns the health registry once the server is running.
func (s *APIService) HealthRegistry() *health.Registry {
	if s.server == nil {
		return nil
	}
	return s.server.healthRegistry
}
