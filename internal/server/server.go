// Package server provides the operator HTTP surface for gateflow: workflow
// status reads plus the explicit resume, rollback, escalate, and gate-signal
// controls.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gateflow/internal/checkpoint"
	"github.com/fyrsmithlabs/gateflow/internal/orchestrator"
	"github.com/fyrsmithlabs/gateflow/internal/workflow"
)

// Controller is the orchestrator surface the server drives.
type Controller interface {
	Status(ctx context.Context, workflowID string) (*workflow.Snapshot, error)
	Resume(ctx context.Context, workflowID string) (*workflow.Workflow, error)
	Rollback(ctx context.Context, workflowID string, to workflow.Phase) (*workflow.Workflow, error)
	ForceEscalate(ctx context.Context, workflowID string, phase workflow.Phase, reason string) error
	SignalGate(ctx context.Context, workflowID string, phase workflow.Phase, gateName string, passed bool) error
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server exposes the operator endpoints.
type Server struct {
	echo       *echo.Echo
	controller Controller
	logger     *zap.Logger
	config     *Config
}

// New creates the operator HTTP server.
func New(controller Controller, logger *zap.Logger, cfg *Config) (*Server, error) {
	if controller == nil {
		return nil, fmt.Errorf("controller cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8750}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:       e,
		controller: controller,
		logger:     logger,
		config:     cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/workflows/:id", s.handleStatus)
	v1.POST("/workflows/:id/resume", s.handleResume)
	v1.POST("/workflows/:id/rollback", s.handleRollback)
	v1.POST("/workflows/:id/escalate", s.handleEscalate)
	v1.POST("/workflows/:id/gates/:gate", s.handleGateSignal)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// RollbackRequest is the request body for POST /api/v1/workflows/:id/rollback.
type RollbackRequest struct {
	ToPhase string `json:"to_phase"`
}

// EscalateRequest is the request body for POST /api/v1/workflows/:id/escalate.
type EscalateRequest struct {
	Phase  string `json:"phase"`
	Reason string `json:"reason"`
}

// GateSignalRequest is the request body for POST /api/v1/workflows/:id/gates/:gate.
type GateSignalRequest struct {
	Phase  string `json:"phase"`
	Passed bool   `json:"passed"`
}

// WorkflowResponse is the response body for state-changing operations.
type WorkflowResponse struct {
	WorkflowID   string `json:"workflow_id"`
	CurrentPhase string `json:"current_phase"`
	Completed    bool   `json:"completed"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	snap, err := s.controller.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleResume(c echo.Context) error {
	wf, err := s.controller.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, workflowResponse(wf))
}

func (s *Server) handleRollback(c echo.Context) error {
	var req RollbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	phase, err := workflow.ParsePhase(req.ToPhase)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	wf, err := s.controller.Rollback(c.Request().Context(), c.Param("id"), phase)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, workflowResponse(wf))
}

func (s *Server) handleEscalate(c echo.Context) error {
	var req EscalateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason field is required")
	}
	phase, err := workflow.ParsePhase(req.Phase)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.controller.ForceEscalate(c.Request().Context(), c.Param("id"), phase, req.Reason); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGateSignal(c echo.Context) error {
	var req GateSignalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	phase, err := workflow.ParsePhase(req.Phase)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.controller.SignalGate(c.Request().Context(), c.Param("id"), phase, c.Param("gate"), req.Passed); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// httpError maps domain errors to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrWorkflowLocked):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, checkpoint.ErrCorrupt),
		errors.Is(err, orchestrator.ErrPhaseImmutable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrGateNotDeclared),
		errors.Is(err, workflow.ErrUnknownPhase),
		errors.Is(err, workflow.ErrRollbackForward):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func workflowResponse(wf *workflow.Workflow) WorkflowResponse {
	return WorkflowResponse{
		WorkflowID:   wf.ID,
		CurrentPhase: string(wf.CurrentPhase),
		Completed:    wf.Completed,
	}
}

// Start begins listening. Blocks until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting operator server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down operator server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
