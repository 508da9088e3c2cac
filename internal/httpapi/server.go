// Package httpapi wraps the Orchestrator's webhook-driven transitions in an
// echo HTTP server. Every route is a thin adapter: decode the body, fill in
// whatever identifier the body omits from the query string, call into the
// Orchestrator, translate its error into a status code.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/swarmops/orchestrator/internal/config"
	"github.com/swarmops/orchestrator/internal/gateway"
	"github.com/swarmops/orchestrator/internal/logging"
	"github.com/swarmops/orchestrator/internal/orchestrator"
	"github.com/swarmops/orchestrator/internal/phase"
)

// Server serves the six inbound webhook routes spec'd for the orchestration
// core plus a health check.
type Server struct {
	echo         *echo.Echo
	orc          *orchestrator.Orchestrator
	logger       *logging.Logger
	cfg          *config.ServerConfig
	maxBodyBytes int64
	idempotency  *idempotencyStore
}

// NewServer constructs the webhook server. Every dependency is required;
// passing a nil orc or logger is a caller bug, not a runtime condition.
func NewServer(orc *orchestrator.Orchestrator, cfg *config.ServerConfig, logger *logging.Logger) (*Server, error) {
	if orc == nil {
		return nil, fmt.Errorf("httpapi: orchestrator is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("httpapi: logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &config.ServerConfig{Host: "0.0.0.0", Port: 8080, MaxBodyBytes: defaultMaxBodyBytes, IdempotencyTTLSeconds: 86400}
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
				"method", c.Request().Method,
				"uri", c.Request().RequestURI,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return err
		}
	})

	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}

	s := &Server{
		echo:         e,
		orc:          orc,
		logger:       logger,
		cfg:          cfg,
		maxBodyBytes: maxBodyBytes,
		idempotency:  newIdempotencyStore(time.Duration(cfg.IdempotencyTTLSeconds) * time.Second),
	}
	s.registerRoutes()
	return s, nil
}

// bind reads route's request body bounded by maxBodyBytes, checks it
// against the idempotency store, and decodes it into dst. It returns
// duplicate=true when this delivery's idempotency key has already been
// recorded, in which case dst is left unpopulated and the caller should
// acknowledge the request without re-dispatching to the orchestrator.
func (s *Server) bind(c echo.Context, route string, dst any) (duplicate bool, err error) {
	body, err := readBoundedBody(c.Response(), c.Request(), s.maxBodyBytes)
	if err != nil {
		status := http.StatusBadRequest
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
		}
		return false, echo.NewHTTPError(status, "invalid request body")
	}

	key, fingerprint := idempotencyKey(route, c.Request().Header.Get(deliveryIDHeader), body)
	if s.idempotency.checkAndSet(key, fingerprint) {
		return true, nil
	}

	if len(body) > 0 {
		if err := json.Unmarshal(body, dst); err != nil {
			return false, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	return false, nil
}

// bindBody reads and decodes route's request body without consulting the
// idempotency store. Use this for routes whose handler is itself idempotent
// (so deduping adds no safety) and that are expected to be called
// repeatedly with an identical body by a legitimate caller, such as a
// poller re-triggering dispatch. Deduping those by body fingerprint would
// silently swallow real, repeated calls instead of rejecting only replays.
func (s *Server) bindBody(c echo.Context, dst any) error {
	body, err := readBoundedBody(c.Response(), c.Request(), s.maxBodyBytes)
	if err != nil {
		status := http.StatusBadRequest
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
		}
		return echo.NewHTTPError(status, "invalid request body")
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, dst); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/worker-complete", s.handleWorkerComplete)
	s.echo.POST("/task-complete", s.handleTaskComplete)
	s.echo.POST("/review-result", s.handleReviewResult)
	s.echo.POST("/fix-complete", s.handleFixComplete)
	s.echo.POST("/spec-complete", s.handleSpecComplete)
	s.echo.POST("/orchestrate", s.handleOrchestrate)
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// acceptedResponse acknowledges a webhook without implying anything about
// the outcome of the work it triggered (the event bus is the place to
// observe that).
type acceptedResponse struct {
	Accepted bool `json:"accepted"`
}

func (s *Server) handleWorkerComplete(c echo.Context) error {
	var payload gateway.WorkerCompletePayload
	duplicate, err := s.bind(c, "worker-complete", &payload)
	if err != nil {
		return err
	}
	if duplicate {
		return c.JSON(http.StatusOK, acceptedResponse{Accepted: true})
	}
	if payload.RunID == "" {
		payload.RunID = c.QueryParam("runId")
	}
	if payload.RunID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "runId is required")
	}
	if payload.TaskID == "" {
		payload.TaskID = c.QueryParam("taskId")
	}
	if payload.StepOrder == 0 {
		if so := c.QueryParam("stepOrder"); so != "" {
			if parsed, err := strconv.Atoi(so); err == nil {
				payload.StepOrder = parsed
			}
		}
	}

	if err := s.orc.HandleWorkerComplete(c.Request().Context(), payload); err != nil {
		return s.handleErr(c, "worker-complete", err)
	}
	return c.JSON(http.StatusOK, acceptedResponse{Accepted: true})
}

// taskCompleteRequest is the /task-complete body. runId and phaseNumber are
// optional per the inbound contract; a dispatched worker's webhook URL
// always carries runId as a query parameter, mirroring /worker-complete.
type taskCompleteRequest struct {
	TaskID      string `json:"taskId"`
	RunID       string `json:"runId,omitempty"`
	PhaseNumber int    `json:"phaseNumber,omitempty"`
}

func (s *Server) handleTaskComplete(c echo.Context) error {
	var req taskCompleteRequest
	duplicate, err := s.bind(c, "task-complete", &req)
	if err != nil {
		return err
	}
	if duplicate {
		return c.JSON(http.StatusOK, acceptedResponse{Accepted: true})
	}
	if req.TaskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "taskId is required")
	}
	runID := req.RunID
	if runID == "" {
		runID = c.QueryParam("runId")
	}
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "runId is required (body or query)")
	}

	if err := s.orc.HandleTaskComplete(c.Request().Context(), runID, req.TaskID); err != nil {
		return s.handleErr(c, "task-complete", err)
	}
	return c.JSON(http.StatusOK, acceptedResponse{Accepted: true})
}

// reviewResultRequest is the /review-result body. Reviewer identity is not
// part of the inbound contract; it is recovered from the active review
// cycle's CurrentReviewer before the decision is applied.
type reviewResultRequest struct {
	Status      phase.ReviewDecision `json:"status"`
	RunID       string               `json:"runId"`
	PhaseNumber int                  `json:"phaseNumber"`
	Findings    []phase.Finding      `json:"findings,omitempty"`
	Summary     string               `json:"summary,omitempty"`
}

func (s *Server) handleReviewResult(c echo.Context) error {
	var req reviewResultRequest
	duplicate, err := s.bind(c, "review-result", &req)
	if err != nil {
		return err
	}
	if duplicate {
		return c.JSON(http.StatusOK, acceptedResponse{Accepted: true})
	}
	if req.RunID == "" {
		req.RunID = c.QueryParam("runId")
	}
	if req.RunID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "runId is required")
	}
	if req.Status != phase.DecisionApproved && req.Status != phase.DecisionRequestChanges {
		return echo.NewHTTPError(http.StatusBadRequest, "status must be approved or request_changes")
	}

	rc, err := s.orc.Reviews().Get(req.RunID, req.PhaseNumber)
	if err != nil {
		return s.handleErr(c, "review-result", err)
	}
	reviewer := rc.CurrentReviewer()

	if err := s.orc.HandleReviewResult(c.Request().Context(), req.RunID, reviewer, req.Status, req.Findings, req.Summary); err != nil {
		return s.handleErr(c, "review-result", err)
	}
	return c.JSON(http.StatusOK, acceptedResponse{Accepted: true})
}

// fixCompleteRequest is the /fix-complete body.
type fixCompleteRequest struct {
	IssuesFixed int    `json:"issuesFixed"`
	RunID       string `json:"runId,omitempty"`
	PhaseNumber int    `json:"phaseNumber,omitempty"`
}

func (s *Server) handleFixComplete(c echo.Context) error {
	var req fixCompleteRequest
	duplicate, err := s.bind(c, "fix-complete", &req)
	if err != nil {
		return err
	}
	if duplicate {
		return c.JSON(http.StatusOK, acceptedResponse{Accepted: true})
	}
	runID := req.RunID
	if runID == "" {
		runID = c.QueryParam("runId")
	}
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "runId is required (body or query)")
	}

	if err := s.orc.HandleFixComplete(c.Request().Context(), runID); err != nil {
		return s.handleErr(c, "fix-complete", err)
	}
	return c.JSON(http.StatusOK, acceptedResponse{Accepted: true})
}

// specCompleteRequest is the /spec-complete body. Neither field identifies
// the project; the caller is expected to carry it as a query parameter the
// same way a dispatched agent's webhook URL embeds runId elsewhere.
type specCompleteRequest struct {
	Summary string `json:"summary,omitempty"`
	Source  string `json:"source,omitempty"`
}

func (s *Server) handleSpecComplete(c echo.Context) error {
	var req specCompleteRequest
	duplicate, err := s.bind(c, "spec-complete", &req)
	if err != nil {
		return err
	}
	if duplicate {
		return c.JSON(http.StatusOK, acceptedResponse{Accepted: true})
	}
	project := c.QueryParam("project")
	if project == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project query parameter is required")
	}

	if err := s.orc.HandleSpecComplete(c.Request().Context(), project); err != nil {
		return s.handleErr(c, "spec-complete", err)
	}
	return c.JSON(http.StatusOK, acceptedResponse{Accepted: true})
}

// orchestrateRequest is the /orchestrate body. action is accepted for
// parity with the inbound contract but both start and continue resolve to
// the same idempotent Orchestrate call: it starts a run if none is active
// for the project, or re-dispatches the active run's current phase.
type orchestrateRequest struct {
	Action  string `json:"action"`
	Project string `json:"project,omitempty"`
}

func (s *Server) handleOrchestrate(c echo.Context) error {
	var req orchestrateRequest
	if err := s.bindBody(c, &req); err != nil {
		return err
	}
	project := req.Project
	if project == "" {
		project = c.QueryParam("project")
	}
	if project == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project is required (body or query)")
	}

	result, err := s.orc.Orchestrate(c.Request().Context(), project)
	if err != nil {
		return s.handleErr(c, "orchestrate", err)
	}
	return c.JSON(http.StatusOK, result)
}

// handleErr logs the underlying error and maps it to a 500; the orchestrator
// layer does not currently distinguish client-cause from server-cause
// failures, so every non-binding error surfaces as Internal Server Error.
func (s *Server) handleErr(c echo.Context, route string, err error) error {
	s.logger.Error("webhook handler failed", "route", route, "error", err.Error())
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// Start starts the HTTP server. Blocks until Shutdown is called or the
// listener fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("starting http server", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown gracefully drains in-flight requests before closing the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
