package proxy

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"llamarun/internal/inference/scheduler"
	"llamarun/internal/logging"
	"llamarun/internal/observability"
)

// Server is the HTTP frontend wired over one scheduler instance and
// model catalog. It is deliberately thin: request validation,
// acquire/release, and body translation live in this package; model
// lifecycle lives entirely in scheduler.
type Server struct {
	scheduler *scheduler.Scheduler
	catalog   ModelCatalog
	cfg       Config
	logger    logging.Logger
	client    *http.Client
	engine    *gin.Engine

	// retrieval and tools are the router's (C8) optional hooks into
	// the chat-completions path; either may be nil, in which case that
	// stage is skipped entirely.
	retrieval RetrievalEnricher
	tools     ToolLoopRunner
	metrics   *observability.Metrics
}

// WithMetrics attaches the process's observability.Metrics instance,
// adding request-duration middleware and a /metrics scrape route. A
// nil value (or never calling this) leaves metrics recording as a
// no-op and skips registering the route.
func (s *Server) WithMetrics(m *observability.Metrics) *Server {
	s.metrics = m
	if m != nil {
		s.engine.GET("/metrics", gin.WrapH(m.Handler()))
	}
	return s
}

// WithRetrieval attaches the retrieval-enrichment hook (spec.md §4.6)
// to the chat-completions path. Returns s for chaining at construction
// time.
func (s *Server) WithRetrieval(e RetrievalEnricher) *Server {
	s.retrieval = e
	return s
}

// WithToolLoop attaches the tool-call agent loop hook (spec.md §4.7)
// to the chat-completions path. Returns s for chaining at
// construction time.
func (s *Server) WithToolLoop(t ToolLoopRunner) *Server {
	s.tools = t
	return s
}

// NewServer builds the proxy's gin engine and registers all routes.
func NewServer(sched *scheduler.Scheduler, catalog ModelCatalog, cfg Config, logger logging.Logger) *Server {
	s := &Server{
		scheduler: sched,
		catalog:   catalog,
		cfg:       cfg,
		logger:    logging.OrNop(logger),
		client:    &http.Client{Timeout: 0},
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())
	engine.Use(s.tracingMiddleware())
	engine.Use(s.metricsMiddleware())
	engine.Use(corsMiddleware(cfg))

	s.registerRoutes(engine)
	s.engine = engine
	return s
}

// Handler returns the underlying http.Handler for wiring into an
// http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func corsMiddleware(cfg Config) gin.HandlerFunc {
	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	return cors.New(corsCfg)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("proxy: %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// tracingMiddleware opens one span per request covering the full
// acquire -> forward -> respond path; scheduler.Acquire and the
// upstream forward both inherit this span via c.Request's context, so
// a collector sees the whole request lifecycle as a single trace.
func (s *Server) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx, span := observability.StartSpan(c.Request.Context(), "proxy."+route,
			attribute.String("http.method", c.Request.Method))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		var err error
		if status := c.Writer.Status(); status >= http.StatusInternalServerError {
			err = fmt.Errorf("proxy request failed with status %d", status)
		}
		observability.EndSpan(span, err)
	}
}

// metricsMiddleware records every request's route, status, and
// duration. s.metrics may be nil (metrics disabled or WithMetrics
// never called); every Metrics method is a nil-safe no-op.
func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		s.metrics.RecordHTTPRequest(c.Request.Context(), route, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) registerRoutes(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.GET("/models", s.handleListModels)
	v1.GET("/models/:id", s.handleGetModel)
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.POST("/completions", s.handleCompletions)
	v1.POST("/embeddings", s.handleEmbeddings)
	v1.POST("/responses", s.handleResponses)
	v1.POST("/images/generations", s.handleImagesNotImplemented)
	v1.POST("/images/edits", s.handleImagesNotImplemented)
}

func (s *Server) handleImagesNotImplemented(c *gin.Context) {
	writeNotImplemented(c, "image endpoints are not implemented")
}
