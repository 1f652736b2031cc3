// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"

	"github.com/dmaresca/txpilot/internal/alert"
	"github.com/dmaresca/txpilot/internal/archive"
	"github.com/dmaresca/txpilot/internal/chain"
	"github.com/dmaresca/txpilot/internal/orchestrator"
	"github.com/dmaresca/txpilot/pkg/config"
	"github.com/dmaresca/txpilot/pkg/errors"
	"github.com/dmaresca/txpilot/pkg/health"
	"github.com/dmaresca/txpilot/pkg/logging"
	"github.com/dmaresca/txpilot/pkg/metrics"
)

// healthProbeAccount is the account endpoint health probes read the nonce
// of. Any account works; the zero address exists on every chain.
const healthProbeAccount = "0x0000000000000000000000000000000000000000"

// Server represents the control API server
type Server struct {
	config           *config.Config
	router           *chi.Mux
	control          *orchestrator.Orchestrator
	archive          *archive.Archive
	alerts           *alert.Notifier
	tokenAuth        *jwtauth.JWTAuth
	server           *http.Server
	logger           *logging.Logger
	metricsCollector *metrics.Metrics
	healthRegistry   *health.Registry
	started          time.Time
}

// NewServer creates the control API server. The archive and notifier may be
// nil when Redis or Slack is not configured; the affected routes report
// that instead of failing.
func NewServer(
	cfg *config.Config,
	control *orchestrator.Orchestrator,
	store *archive.Archive,
	alerts *alert.Notifier,
	logger *logging.Logger,
	metricsCollector *metrics.Metrics,
) *Server {
	r := chi.NewRouter()
	tokenAuth := jwtauth.New("HS256", []byte(cfg.API.JWTSecret), nil)

	apiLogger := logger.WithField("component", "api")

	// Set up health registry
	healthRegistry := health.NewRegistry(apiLogger)

	s := &Server{
		config:           cfg,
		router:           r,
		control:          control,
		archive:          store,
		alerts:           alerts,
		tokenAuth:        tokenAuth,
		logger:           apiLogger,
		metricsCollector: metricsCollector,
		healthRegistry:   healthRegistry,
		server: &http.Server{
			Addr:    ":" + cfg.API.Port,
			Handler: r,
		},
	}

	// Set up middleware and routes
	s.setupMiddleware()
	s.setupRoutes()
	s.setupHealthChecks()

	return s
}

// setupMiddleware configures middleware for the server
func (s *Server) setupMiddleware() {
	// Basic middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)

	// Custom structured logging middleware
	s.router.Use(LoggingMiddleware(s.logger))

	// Custom metrics middleware
	s.router.Use(MetricsMiddleware(s.metricsCollector, "api"))

	// Custom recoverer with metrics
	s.router.Use(RecovererWithMetrics(s.logger, s.metricsCollector, "api"))

	// Add CORS middleware
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.API.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Add rate limiting middleware (per IP)
	if s.config.API.RateLimit > 0 {
		s.router.Use(httprate.LimitByIP(s.config.API.RateLimit, s.config.API.RateWindow))
	}
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	// Public routes
	s.router.Group(func(r chi.Router) {
		r.Get("/healthz", s.handleHealthz)
		r.Get("/status", s.handleStatus)
		r.Get("/metrics", s.metricsCollector.Handler().ServeHTTP)
	})

	// Submission routes
	s.router.Group(func(r chi.Router) {
		r.Post("/api/v1/submissions", s.handleSubmit)
		r.Get("/api/v1/submissions", s.handleListSubmissions)
		r.Get("/api/v1/submissions/{id}", s.handleGetSubmission)
		r.Delete("/api/v1/submissions/{id}", s.handleCancelSubmission)
		r.Post("/api/v1/simulate", s.handleSimulate)
		r.Post("/api/v1/test-alert", s.handleTestAlert)
	})

	// Admin routes - require admin role
	s.router.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(s.tokenAuth))
		r.Use(jwtauth.Authenticator(s.tokenAuth))
		r.Use(s.adminOnly)

		r.Post("/admin/pause", s.handlePause)
		r.Post("/admin/resume", s.handleResume)
	})
}

// setupHealthChecks configures health checks for the server
func (s *Server) setupHealthChecks() {
	// Register orchestrator health check
	s.healthRegistry.Register("orchestrator", health.ServiceChecker("orchestrator", func(ctx context.Context) error {
		if !s.control.Status().Running {
			return errors.New("submission core is not running")
		}
		return nil
	}))

	// Register a probe per configured chain endpoint
	for _, cc := range s.config.Chains {
		ep, ok := s.control.Endpoint(cc.ID)
		if !ok {
			continue
		}
		s.healthRegistry.Register("endpoint-"+cc.ID, health.EndpointChecker(cc.ID, func(ctx context.Context) error {
			_, err := ep.ConfirmedNonce(ctx, healthProbeAccount)
			return err
		}))
	}

	// Register Redis health check when the archive is configured
	if s.archive != nil {
		s.healthRegistry.Register("redis", health.RedisChecker(s.config.Redis.Address, s.archive.Ping))
	}

	// Register signing backend check when running against a vault
	if s.config.Vault.Address != "" {
		s.healthRegistry.Register("vault", health.VaultChecker(s.config.Vault.Address, func(ctx context.Context) error {
			if s.config.Vault.Token == "" {
				return errors.New("vault token is not configured")
			}
			return nil
		}))
	}
}

// Start starts the API server
func (s *Server) Start() {
	s.logger.Info("starting API server", "port", s.config.API.Port)
	s.started = time.Now()

	// Record the start time for metrics
	s.metricsCollector.ServiceLastStarted.Set(float64(time.Now().Unix()))

	// Start recording uptime
	uptimeDone := make(chan struct{})
	s.metricsCollector.RecordUptime(uptimeDone)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("error starting server", "error", err)
		close(uptimeDone)
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("shutting down API server")
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
	}
	s.logger.Info("API server shutdown complete")
}

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// handleHealthz handles health check requests
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	// Run all health checks
	checks := s.healthRegistry.RunChecks(r.Context())

	// Determine overall status
	status := health.StatusUp
	for _, check := range checks {
		if check.Status == health.StatusDown {
			status = health.StatusDown
			break
		} else if check.Status == health.StatusUnknown && status != health.StatusDown {
			status = health.StatusUnknown
		}
	}

	// Set HTTP status code based on health status
	httpStatus := http.StatusOK
	if status == health.StatusDown {
		httpStatus = http.StatusServiceUnavailable
	}

	resp := Response{
		Success: status == health.StatusUp,
		Message: "Service health status: " + string(status),
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now().Unix(),
			"chains":    len(s.config.Chains),
			"checks":    checks,
			"system": map[string]interface{}{
				"go_version":    runtime.Version(),
				"go_goroutines": runtime.NumGoroutine(),
				"go_cpus":       runtime.NumCPU(),
			},
		},
	}

	s.renderJSON(w, resp, httpStatus)
}

// handleStatus handles submission core status requests
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.control.Status()

	var uptime float64
	if !s.started.IsZero() {
		uptime = time.Since(s.started).Seconds()
	}

	resp := Response{
		Success: true,
		Data: map[string]interface{}{
			"running":        status.Running,
			"paused":         status.Paused,
			"dry_run":        status.DryRun,
			"in_flight":      status.InFlight,
			"chains":         status.Chains,
			"uptime_seconds": uptime,
		},
	}

	s.renderJSON(w, resp, http.StatusOK)
}

// handleSubmit handles transaction submission requests
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req chain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.renderAPIError(w, errors.APIWrapWithCode(err, errors.OpParseRequestBody, errors.APIErrValidation, "Invalid request body"))
		return
	}

	// Callers may supply their own ID for idempotency; fill in the rest.
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}

	if err := s.control.Submit(r.Context(), &req); err != nil {
		s.renderError(w, err.Error(), submissionStatus(err))
		return
	}

	resp := Response{
		Success: true,
		Message: "Submission accepted",
		Data: map[string]interface{}{
			"id":       req.ID,
			"chain_id": req.ChainID,
			"state":    chain.StateIntake,
		},
	}

	s.renderJSON(w, resp, http.StatusAccepted)
}

// handleGetSubmission handles submission status requests. In-flight
// submissions are answered from memory, terminal ones from the archive.
func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if snap, ok := s.control.Get(id); ok {
		resp := Response{
			Success: true,
			Data:    snap,
		}
		s.renderJSON(w, resp, http.StatusOK)
		return
	}

	if s.archive == nil {
		s.renderError(w, "Submission not found", http.StatusNotFound)
		return
	}

	rec, err := s.archive.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, errors.ErrSubmissionNotFound) {
			s.renderError(w, "Submission not found", http.StatusNotFound)
		} else {
			s.renderError(w, "Failed to retrieve submission", http.StatusInternalServerError)
		}
		return
	}

	resp := Response{
		Success: true,
		Data:    rec,
	}

	s.renderJSON(w, resp, http.StatusOK)
}

// handleListSubmissions handles archived submission listing requests
func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.renderError(w, "Archive not configured", http.StatusServiceUnavailable)
		return
	}

	// Get filter and pagination parameters
	chainID := r.URL.Query().Get("chain")
	account := r.URL.Query().Get("account")
	limitStr := r.URL.Query().Get("limit")
	offsetStr := r.URL.Query().Get("offset")

	limit := int64(50) // Default
	offset := int64(0) // Default

	if limitStr != "" {
		if l, err := strconv.ParseInt(limitStr, 10, 64); err == nil && l > 0 {
			limit = l
		}
	}

	if offsetStr != "" {
		if o, err := strconv.ParseInt(offsetStr, 10, 64); err == nil && o >= 0 {
			offset = o
		}
	}

	var (
		records []*chain.SubmissionRecord
		err     error
	)
	switch {
	case account != "":
		records, err = s.archive.AccountRecords(r.Context(), account, limit, offset)
	case chainID != "":
		records, err = s.archive.ChainRecords(r.Context(), chainID, limit, offset)
	default:
		records, err = s.archive.Recent(r.Context(), limit)
	}
	if err != nil {
		s.renderError(w, "Failed to retrieve submissions", http.StatusInternalServerError)
		return
	}

	resp := Response{
		Success: true,
		Data: map[string]interface{}{
			"submissions": records,
			"count":       len(records),
			"limit":       limit,
			"offset":      offset,
		},
	}

	s.renderJSON(w, resp, http.StatusOK)
}

// handleCancelSubmission handles cancellation requests
func (s *Server) handleCancelSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.control.Cancel(id); err != nil {
		s.renderError(w, err.Error(), submissionStatus(err))
		return
	}

	resp := Response{
		Success: true,
		Message: "Submission cancelled",
		Data: map[string]interface{}{
			"id": id,
		},
	}

	s.renderJSON(w, resp, http.StatusOK)
}

// handleSimulate handles standalone simulation requests. Nothing is
// reserved or broadcast; the frame runs at the account's confirmed nonce.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req chain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.renderAPIError(w, errors.APIWrapWithCode(err, errors.OpParseRequestBody, errors.APIErrValidation, "Invalid request body"))
		return
	}

	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}

	verdict, err := s.control.Simulate(r.Context(), &req)
	if err != nil {
		s.renderError(w, err.Error(), submissionStatus(err))
		return
	}

	data := map[string]interface{}{
		"safe":     verdict.Safe,
		"attempts": verdict.Attempts,
	}
	if verdict.Reason != "" {
		data["reason"] = verdict.Reason
	}
	if verdict.Result != nil {
		data["result"] = verdict.Result
	}

	resp := Response{
		Success: true,
		Data:    data,
	}

	s.renderJSON(w, resp, http.StatusOK)
}

// handleTestAlert handles alert delivery test requests
func (s *Server) handleTestAlert(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		s.renderError(w, "Alerting not configured", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.renderAPIError(w, errors.APIWrapWithCode(err, errors.OpParseRequestBody, errors.APIErrValidation, "Invalid request body"))
		return
	}
	if req.Message == "" {
		req.Message = "Test alert"
	}

	level := alert.ParseLevel(req.Level)
	err := s.alerts.Send(r.Context(), level, req.Message, map[string]interface{}{
		"source": "api",
	})
	if err != nil {
		s.renderError(w, "Alert delivery failed", http.StatusBadGateway)
		return
	}

	resp := Response{
		Success: true,
		Message: "Alert sent",
		Data: map[string]interface{}{
			"level": level,
		},
	}

	s.renderJSON(w, resp, http.StatusOK)
}

// handlePause handles intake pause requests (admin only)
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control.Pause()

	resp := Response{
		Success: true,
		Message: "Intake paused",
		Data: map[string]interface{}{
			"paused":    true,
			"timestamp": time.Now().Unix(),
		},
	}

	s.renderJSON(w, resp, http.StatusOK)
}

// handleResume handles intake resume requests (admin only)
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control.Resume()

	resp := Response{
		Success: true,
		Message: "Intake resumed",
		Data: map[string]interface{}{
			"paused":    false,
			"timestamp": time.Now().Unix(),
		},
	}

	s.renderJSON(w, resp, http.StatusOK)
}

// adminOnly is middleware to verify the user has admin role
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, claims, err := jwtauth.FromContext(r.Context())
		if err != nil {
			s.renderAPIError(w, errors.APIWrapWithCode(err, errors.OpAuthenticate, errors.APIErrUnauthorized, "Authentication error"))
			return
		}

		role, ok := claims["role"].(string)
		if !ok || role != "admin" {
			s.renderAPIError(w, errors.APIErrorf(errors.APIErrForbidden, "Admin access required"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// submissionStatus maps submission errors to HTTP status codes.
func submissionStatus(err error) int {
	switch {
	case errors.Is(err, errors.ErrUnknownChain):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrDuplicateSubmission):
		return http.StatusConflict
	case errors.Is(err, errors.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, errors.ErrSubmissionNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrQueueFull), errors.Is(err, errors.ErrExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, errors.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.IsSubmissionError(err, errors.SubmissionErrInvalidRequest):
		return http.StatusBadRequest
	case errors.IsSubmissionError(err, errors.SubmissionErrRejected):
		return http.StatusServiceUnavailable
	case errors.IsEndpointError(err, errors.EndpointErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// renderJSON renders a JSON response
func (s *Server) renderJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("error encoding JSON response", "error", err)
	}
}

// renderAPIError renders an API domain error with its mapped status code.
// The response carries the domain message, not the full error chain.
func (s *Server) renderAPIError(w http.ResponseWriter, err error) {
	message := err.Error()
	var domainErr *errors.Error
	if errors.As(err, &domainErr) && domainErr.Message != "" {
		message = domainErr.Message
	}
	s.renderError(w, message, errors.HTTPStatusFromAPIError(err))
}

// renderError renders an error response
func (s *Server) renderError(w http.ResponseWriter, message string, status int) {
	// Record error metric
	s.metricsCollector.RecordError("api", "http", strconv.Itoa(status))

	resp := Response{
		Success: false,
		Error:   message,
	}

	s.renderJSON(w, resp, status)
}
