// Package api is the operator HTTP surface of the daemon: incident
// queries, manual triggers, cancellation, approval answers, intake
// control, readiness and Prometheus metrics.
//
// Routes under /v1 require an operator bearer token (see package auth)
// except POST /v1/approvals/:token, where the signed approval token is
// the credential. A bearer token on that route is optional and only names
// the approver.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/StricklySoft/selfheal/pkg/auth"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
	"github.com/StricklySoft/selfheal/pkg/lifecycle"
	"github.com/StricklySoft/selfheal/pkg/store"
)

// Incidents reads incidents and their ledgers.
type Incidents interface {
	Get(ctx context.Context, id string) (*incident.Incident, error)
	List(ctx context.Context, f store.Filter) ([]*incident.Incident, error)
	ListEntries(ctx context.Context, incidentID string) ([]*incident.LedgerEntry, error)
}

// Intake admits new failure events. *intake.Intake implements it.
type Intake interface {
	Submit(ctx context.Context, ev incident.Event) (*incident.Incident, error)
}

// Canceller is the engine's operator override.
type Canceller interface {
	Cancel(ctx context.Context, id, actor, reason string) (*incident.Incident, error)
}

// Approvals answers approval requests. *approval.Gate implements it.
type Approvals interface {
	Resolve(ctx context.Context, token string, approve bool, actor string) (*incident.ApprovalRequest, error)
	ResolveIncident(ctx context.Context, incidentID string, approve bool, actor string) (*incident.ApprovalRequest, error)
}

// Service is the daemon lifecycle. *lifecycle.Service implements it.
type Service interface {
	Health(ctx context.Context) error
	Info() lifecycle.Info
	Accepting() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Deps are the components the server fronts. All are required except
// Metrics, which defaults to the global Prometheus registry.
type Deps struct {
	Incidents Incidents
	Intake    Intake
	Engine    Canceller
	Approvals Approvals
	Service   Service
	Auth      *auth.Validator
	Metrics   prometheus.Gatherer
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server is the HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	router *gin.Engine
}

// New validates cfg and builds the router.
func New(cfg Config, deps Deps, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "api: invalid configuration")
	}
	if deps.Incidents == nil || deps.Intake == nil || deps.Engine == nil ||
		deps.Approvals == nil || deps.Service == nil || deps.Auth == nil {
		return nil, sserr.New(sserr.CodeValidation, "api: missing dependency")
	}
	if deps.Metrics == nil {
		deps.Metrics = prometheus.DefaultGatherer
	}
	s := &Server{cfg: cfg, deps: deps, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx ends, then shuts down within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api: listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return sserr.Wrap(err, sserr.CodeUnavailable, "api: server stopped")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return sserr.Wrap(err, sserr.CodeTimeout, "api: shutdown did not complete")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return sserr.Wrap(err, sserr.CodeInternal, "api: server failed")
	}
	s.logger.Info("api: stopped")
	return nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("selfheal-api"), s.accessLog(), s.limitBody())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/readyz", s.ready)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Metrics, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.POST("/approvals/:token", auth.Optional(s.deps.Auth, auth.PermResolveApprovals), s.resolveApproval)

	authed := v1.Group("", auth.Middleware(s.deps.Auth))
	{
		read := auth.Require(auth.PermReadIncidents)
		authed.GET("/info", read, s.info)
		authed.GET("/incidents", read, s.listIncidents)
		authed.GET("/incidents/:id", read, s.getIncident)

		trigger := auth.Require(auth.PermTriggerIncidents)
		authed.POST("/incidents", trigger, s.triggerIncident)
		authed.POST("/events", trigger, s.submitEvent)
		authed.POST("/events/glue", trigger, s.submitGlueEvent)

		authed.POST("/incidents/:id/cancel", auth.Require(auth.PermCancelIncidents), s.cancelIncident)
		authed.POST("/incidents/:id/approval", auth.Require(auth.PermResolveApprovals), s.answerApproval)

		admin := authed.Group("/admin/intake", auth.Require(auth.PermManageService))
		admin.POST("/pause", s.pauseIntake)
		admin.POST("/resume", s.resumeIntake)
	}
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(c.Request.Context(), level, "api: request",
			"method", c.Request.Method, "route", c.FullPath(), "status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
		c.Next()
	}
}

// fail writes err as {code, message, details} with its mapped status.
func (s *Server) fail(c *gin.Context, err error) {
	e := sserr.FromError(err)
	status := e.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error("api: request failed", "route", c.FullPath(), "error", err)
	}
	body := gin.H{"code": e.Code, "message": e.Message}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	c.AbortWithStatusJSON(status, body)
}
