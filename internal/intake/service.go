// internal/intake/service.go
package intake

import (
	"context"
	"fmt"

	"github.com/dmaresca/txpilot/pkg/service"
)

// IntakeService wraps the Consumer as a Service
type IntakeService struct {
	consumer *Consumer
	status   service.Status
}

// NewIntakeService creates a new intake service
func NewIntakeService(c *Consumer) *IntakeService {
	return &IntakeService{
		consumer: c,
		status:   service.StatusStopped,
	}
}

// Name returns the service name
func (s *IntakeService) Name() string {
	return "intake"
}

// Start initializes and starts the service
func (s *IntakeService) Start(ctx context.Context) error {
	s.status = service.StatusStarting

	go func() {
		if err := s.consumer.Run(ctx); err != nil {
			s.consumer.logger.WithError(err).Error("intake stopped with error")
			s.status = service.StatusError
		}
	}()

	s.status = service.StatusRunning
	return nil
}

// Stop gracefully shuts down the service
func (s *IntakeService) Stop(ctx context.Context) error {
	s.status = service.StatusStopping

	// The consumer stops via context cancellation, which is handled in
	// the main function.

	s.status = service.StatusStopped
	return nil
}

// Status returns the current service status
func (s *IntakeService) Status() service.Status {
	return s.status
}

// Health performs a health check
func (s *IntakeService) Health() error {
	if s.status != service.StatusRunning {
		return fmt.Errorf("service not running")
	}

	return nil
}

// Dependencies returns a list of services this service depends on
func (s *IntakeService) Dependencies() []string {
	return []string{"orchestrator"}
}
