package proxy

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/engine"
	"github.com/promptgate/promptgate/pkg/policy"
	"github.com/promptgate/promptgate/pkg/stores"
	"github.com/promptgate/promptgate/pkg/telemetry"
)

// History is the read side of the evaluation record store.
type History interface {
	GetEvaluation(ctx context.Context, id, orgID string) (*engine.EvaluationResult, error)
	ListEvaluations(ctx context.Context, orgID string, limit, offset int) ([]*engine.EvaluationResult, error)
	Stats(ctx context.Context, orgID string) (*stores.Stats, error)
}

// Server exposes the guarded proxy and the management API over HTTP.
type Server struct {
	cfg            config.ServerConfig
	router         *gin.Engine
	svc            *engine.Service
	store          policy.Store
	history        History
	upstream       Upstream
	guard          *Guard
	guardResponses bool
	defaultOrg     string
	logger         zerolog.Logger
	metrics        *telemetry.Metrics
}

// ServerOptions wires the server's collaborators. History and
// Upstream may be nil; the corresponding endpoints then report
// unavailability.
type ServerOptions struct {
	Config         config.ServerConfig
	Service        *engine.Service
	Store          policy.Store
	History        History
	Upstream       Upstream
	Guard          *Guard
	GuardResponses bool
	DefaultOrg     string
	Logger         zerolog.Logger
	Metrics        *telemetry.Metrics
}

// NewServer builds the HTTP server and registers all routes.
func NewServer(opts ServerOptions) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:            opts.Config,
		router:         router,
		svc:            opts.Service,
		store:          opts.Store,
		history:        opts.History,
		upstream:       opts.Upstream,
		guard:          opts.Guard,
		guardResponses: opts.GuardResponses,
		defaultOrg:     opts.DefaultOrg,
		logger:         opts.Logger.With().Str("component", "server").Logger(),
		metrics:        opts.Metrics,
	}
	if s.defaultOrg == "" {
		s.defaultOrg = "default"
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.router.Group("/v1")
	{
		v1.POST("/chat/completions", s.handleChatCompletion)

		v1.POST("/evaluations", s.handleEvaluate)
		v1.GET("/evaluations", s.handleListEvaluations)
		v1.GET("/evaluations/:id", s.handleGetEvaluation)

		v1.GET("/policies", s.handleListPolicies)
		v1.POST("/policies", s.handleCreatePolicy)
		v1.GET("/policies/:id", s.handleGetPolicy)
		v1.PUT("/policies/:id", s.handleUpdatePolicy)
		v1.DELETE("/policies/:id", s.handleDeletePolicy)

		v1.GET("/stats", s.handleStats)
	}
}

// Run serves HTTP until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", s.cfg.ListenAddress).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownTimeout := s.cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info().Msg("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) organization(c *gin.Context) string {
	if org := c.GetHeader("X-Organization-ID"); org != "" {
		return org
	}
	return s.defaultOrg
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Chat completions

func (s *Server) handleChatCompletion(c *gin.Context) {
	start := time.Now()
	org := s.organization(c)

	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages must not be empty"})
		return
	}
	if req.Stream {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "streaming is not supported"})
		return
	}
	if s.upstream == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no upstream configured"})
		return
	}

	summary := &GuardSummary{}

	// Pre-request check over the flattened conversation.
	decision, result := s.guard.Check(c.Request.Context(), joinMessages(req.Messages), org, StageRequest)
	if result != nil {
		summary.RequestEvaluationID = result.ID
		summary.HasViolations = result.HasViolations
		summary.OverallScore = result.OverallScore
	}
	if decision == DecisionBlock {
		s.metrics.RecordProxyRequest("chat_completions", "blocked", time.Since(start))
		c.JSON(http.StatusForbidden, blockedBody(StageRequest, result))
		return
	}

	resp, err := s.upstream.Complete(c.Request.Context(), &req)
	if err != nil {
		s.logger.Error().Err(err).Msg("Upstream completion failed")
		s.metrics.RecordProxyRequest("chat_completions", "upstream_error", time.Since(start))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream request failed"})
		return
	}

	// Post-response check over the generated content.
	if s.guardResponses && len(resp.Choices) > 0 {
		content := resp.Choices[0].Message.Content
		decision, result := s.guard.Check(c.Request.Context(), content, org, StageResponse)
		if result != nil {
			summary.ResponseEvaluationID = result.ID
			summary.HasViolations = summary.HasViolations || result.HasViolations
			if result.OverallScore < summary.OverallScore || summary.RequestEvaluationID == "" {
				summary.OverallScore = result.OverallScore
			}
		}
		if decision == DecisionBlock {
			s.metrics.RecordProxyRequest("chat_completions", "blocked", time.Since(start))
			c.JSON(http.StatusForbidden, blockedBody(StageResponse, result))
			return
		}
	}

	resp.Guardrail = summary
	s.metrics.RecordProxyRequest("chat_completions", "success", time.Since(start))
	c.JSON(http.StatusOK, resp)
}

func blockedBody(stage string, result *engine.EvaluationResult) *BlockedError {
	body := &BlockedError{
		Error: "blocked by policy",
		Stage: stage,
	}
	if result == nil {
		return body
	}
	body.BlockedBy = result.BlockedBy
	body.EvaluationID = result.ID
	for _, r := range result.PolicyResults {
		if r.Violation {
			body.Violations = append(body.Violations, r)
		}
	}
	return body
}

// Evaluations

type evaluateRequest struct {
	Content   string            `json:"content"`
	PolicyIDs []string          `json:"policy_ids,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleEvaluate(c *gin.Context) {
	var body evaluateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	req := &engine.EvaluationRequest{
		Content:        body.Content,
		PolicyIDs:      body.PolicyIDs,
		OrganizationID: s.organization(c),
		Metadata:       body.Metadata,
	}

	result, err := s.svc.Evaluate(c.Request.Context(), req)
	if err != nil {
		var engErr *engine.EngineError
		if errors.As(err, &engErr) && engErr.Code == engine.ErrCodeValidation {
			c.JSON(http.StatusBadRequest, gin.H{"error": engErr.Message})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetEvaluation(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evaluation history is not enabled"})
		return
	}

	result, err := s.history.GetEvaluation(c.Request.Context(), c.Param("id"), s.organization(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleListEvaluations(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evaluation history is not enabled"})
		return
	}

	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	results, err := s.history.ListEvaluations(c.Request.Context(), s.organization(c), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluations": results, "limit": limit, "offset": offset})
}

// Policies

func (s *Server) handleListPolicies(c *gin.Context) {
	policies, err := s.store.List(c.Request.Context(), s.organization(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies})
}

func (s *Server) handleCreatePolicy(c *gin.Context) {
	var p policy.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid policy: " + err.Error()})
		return
	}
	if p.OrganizationID == "" {
		p.OrganizationID = s.organization(c)
	}

	if err := s.store.Create(c.Request.Context(), &p); err != nil {
		if errors.Is(err, policy.ErrInvalidConfig) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, &p)
}

func (s *Server) handleGetPolicy(c *gin.Context) {
	p, err := s.store.Get(c.Request.Context(), c.Param("id"), s.organization(c))
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(c *gin.Context) {
	var p policy.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid policy: " + err.Error()})
		return
	}
	p.ID = c.Param("id")
	if p.OrganizationID == "" {
		p.OrganizationID = s.organization(c)
	}

	if err := s.store.Update(c.Request.Context(), &p); err != nil {
		switch {
		case errors.Is(err, policy.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, policy.ErrTypeImmutable), errors.Is(err, policy.ErrInvalidConfig):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, &p)
}

func (s *Server) handleDeletePolicy(c *gin.Context) {
	if err := s.store.Delete(c.Request.Context(), c.Param("id"), s.organization(c)); err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// Stats

func (s *Server) handleStats(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evaluation history is not enabled"})
		return
	}

	stats, err := s.history.Stats(c.Request.Context(), s.organization(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
