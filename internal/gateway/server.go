// Package gateway is the inbound HTTP surface: it validates and
// normalizes client events, hands them to the state machine, and returns
// decision results inline.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/journeykit-dev/journeykit/pkg/journey"
	"github.com/journeykit-dev/journeykit/pkg/personalize"
	"github.com/journeykit-dev/journeykit/pkg/scarcity"
)

// Config holds gateway settings.
type Config struct {
	Port            int
	DecisionTimeout time.Duration
	RatePerSecond   float64
	RateBurst       int
	Debug           bool
}

// Server serves the journey API.
type Server struct {
	machine         *journey.Machine
	personalizer    *personalize.Engine
	triggers        *scarcity.Engine
	logger          *zap.Logger
	decisionTimeout time.Duration

	// onSessionStarted, when set, runs after a successful session start
	// with the identifiers the identity resolver scans on.
	// Used to kick off cross-device identity resolution.
	onSessionStarted func(sessionID, visitorID, fingerprint string)

	httpServer *http.Server
	cfg        Config
}

// OnSessionStarted registers the post-start hook.
func (s *Server) OnSessionStarted(fn func(sessionID, visitorID, fingerprint string)) {
	s.onSessionStarted = fn
}

// New creates the gateway server.
func New(cfg Config, machine *journey.Machine, personalizer *personalize.Engine, triggers *scarcity.Engine, logger *zap.Logger) *Server {
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = 500 * time.Millisecond
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		machine:         machine,
		personalizer:    personalizer,
		triggers:        triggers,
		logger:          logger,
		decisionTimeout: cfg.DecisionTimeout,
		cfg:             cfg,
	}
}

// Router builds the gin engine with all routes and middleware. Exposed
// separately from Start for httptest use.
func (s *Server) Router() *gin.Engine {
	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metricsMiddleware())
	r.Use(rateLimitMiddleware(NewRateLimiter(s.cfg.RatePerSecond, s.cfg.RateBurst)))

	j := r.Group("/journey")
	{
		j.POST("/sessions", s.startSession)
		j.GET("/sessions/:id", s.getSession)
		j.POST("/sessions/:id/touchpoints", s.recordTouchpoint)
		j.PUT("/sessions/:id/stage", s.changeStage)
		j.POST("/sessions/:id/conversions", s.recordConversion)
		j.POST("/personalization/:id/response", s.recordResponse)
	}
	return r
}

// Start begins serving and blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
