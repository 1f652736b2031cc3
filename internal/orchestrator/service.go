// internal/orchestrator/service.go
package orchestrator

import (
	"context"
	"fmt"

	"github.com/dmaresca/txpilot/pkg/service"
)

// OrchestratorService wraps the Orchestrator as a Service
type OrchestratorService struct {
	orchestrator *Orchestrator
	status       service.Status
}

// NewOrchestratorService creates a new orchestrator service
func NewOrchestratorService(o *Orchestrator) *OrchestratorService {
	return &OrchestratorService{
		orchestrator: o,
		status:       service.StatusStopped,
	}
}

// Name returns the service name
func (s *OrchestratorService) Name() string {
	return "orchestrator"
}

// Start initializes and starts the service
func (s *OrchestratorService) Start(ctx context.Context) error {
	s.status = service.StatusStarting

	if err := s.orchestrator.Start(ctx); err != nil {
		s.status = service.StatusError
		return err
	}

	s.status = service.StatusRunning
	return nil
}

// Stop gracefully shuts down the service
func (s *OrchestratorService) Stop(ctx context.Context) error {
	s.status = service.StatusStopping

	s.orchestrator.Stop()

	s.status = service.StatusStopped
	return nil
}

// Status returns the current service status
func (s *OrchestratorService) Status() service.Status {
	return s.status
}

// Health performs a health check
func (s *OrchestratorService) Health() error {
	if s.status != service.StatusRunning {
		return fmt.Errorf("service not running")
	}

	return nil
}

// Dependencies returns a list of services this service depends on
func (s *OrchestratorService) Dependencies() []string {
	return []string{}
}
