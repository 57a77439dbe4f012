package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/journeykit-dev/journeykit/pkg/journey"
	"github.com/journeykit-dev/journeykit/pkg/observability"
	"github.com/journeykit-dev/journeykit/pkg/personalize"
	"github.com/journeykit-dev/journeykit/pkg/scarcity"
)

// startSessionRequest is the POST /journey/sessions body.
type startSessionRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	VisitorID string `json:"visitorId"`
	Persona   struct {
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
	} `json:"persona"`
	Device struct {
		Type        string `json:"type" binding:"required"`
		Fingerprint string `json:"fingerprint"`
	} `json:"device"`
	Entry struct {
		Source   string `json:"source"`
		Campaign string `json:"campaign"`
	} `json:"entryPoint"`
	Returning bool `json:"returning"`
}

// touchpointRequest is the POST /journey/sessions/:id/touchpoints body.
type touchpointRequest struct {
	Seq         int64          `json:"seq" binding:"required"`
	Type        string         `json:"type" binding:"required"`
	Engagement  float64        `json:"engagement"`
	DurationMs  int64          `json:"durationMs"`
	ScrollDepth float64        `json:"scrollDepth"`
	Payload     map[string]any `json:"payload"`
}

// stageRequest is the PUT /journey/sessions/:id/stage body.
type stageRequest struct {
	Stage        string `json:"stage" binding:"required"`
	TriggerEvent string `json:"triggerEvent"`
	Metrics      struct {
		TimeOnPageMs     int64   `json:"time_on_page"`
		ScrollDepth      float64 `json:"scroll_depth"`
		InteractionCount int     `json:"interaction_count"`
	} `json:"engagementMetrics"`
}

// conversionRequest is the POST /journey/sessions/:id/conversions body.
type conversionRequest struct {
	Type        string         `json:"type" binding:"required"`
	Value       float64        `json:"value"`
	Currency    string         `json:"currency"`
	Attribution map[string]any `json:"attribution"`
}

// responseRequest is the POST /journey/personalization/:id/response body.
type responseRequest struct {
	Response   string `json:"response" binding:"required"`
	Attributed bool   `json:"attributed"`
}

type sessionView struct {
	SessionID             string  `json:"sessionId"`
	Stage                 string  `json:"stage"`
	Path                  string  `json:"journeyPath"`
	ConversionProbability float64 `json:"conversionProbability"`
	TouchpointCount       int64   `json:"touchpointCount"`
}

func viewOf(sess *journey.Session) sessionView {
	return sessionView{
		SessionID:             sess.ID,
		Stage:                 string(sess.Stage),
		Path:                  sess.Path,
		ConversionProbability: sess.ConversionProbability,
		TouchpointCount:       sess.TouchpointCount,
	}
}

// startSession creates the session and returns the initial content
// decision alongside the journey state.
func (s *Server) startSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		observability.CountError("validation")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
		return
	}

	sess, err := s.machine.StartSession(c.Request.Context(), journey.StartInput{
		SessionID: req.SessionID,
		VisitorID: req.VisitorID,
		Persona:   journey.Persona{Type: req.Persona.Type, Confidence: req.Persona.Confidence},
		Device:    journey.Device{Class: journey.DeviceClass(req.Device.Type), Fingerprint: req.Device.Fingerprint},
		Entry:     journey.EntryPoint{Source: req.Entry.Source, Campaign: req.Entry.Campaign},
		Returning: req.Returning,
	})
	if err != nil {
		s.writeError(c, sess, err)
		return
	}

	if s.onSessionStarted != nil && (sess.VisitorID != "" || sess.Device.Fingerprint != "") {
		// Identity resolution runs off the request path.
		go s.onSessionStarted(sess.ID, sess.VisitorID, sess.Device.Fingerprint)
	}

	decision, triggers := s.decide(c.Request.Context(), sess)
	c.JSON(http.StatusCreated, gin.H{
		"session":  viewOf(sess),
		"decision": decision,
		"triggers": triggers,
	})
}

// getSession is the point lookup clients use to resync.
func (s *Server) getSession(c *gin.Context) {
	sess, err := s.machine.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": viewOf(sess)})
}

// recordTouchpoint appends one touchpoint, idempotent on (session, seq).
func (s *Server) recordTouchpoint(c *gin.Context) {
	var req touchpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		observability.CountError("validation")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
		return
	}

	sessionID := c.Param("id")
	sess, err := s.machine.RecordTouchpoint(c.Request.Context(), sessionID, journey.Touchpoint{
		Seq:         req.Seq,
		Type:        journey.TouchpointType(req.Type),
		Engagement:  req.Engagement,
		Duration:    time.Duration(req.DurationMs) * time.Millisecond,
		ScrollDepth: req.ScrollDepth,
		Payload:     req.Payload,
	})
	switch {
	case errors.Is(err, journey.ErrDuplicateTouchpoint):
		// Replay of an applied sequence: answer as success, write nothing.
		c.JSON(http.StatusOK, gin.H{"session": viewOf(sess), "duplicate": true})
		return
	case err != nil:
		s.writeError(c, sess, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": viewOf(sess)})
}

// changeStage applies a client-requested stage transition and returns
// fresh recommendations for the new stage.
func (s *Server) changeStage(c *gin.Context) {
	var req stageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		observability.CountError("validation")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
		return
	}

	var metrics *journey.EngagementMetrics
	if req.Metrics.TimeOnPageMs > 0 || req.Metrics.ScrollDepth > 0 || req.Metrics.InteractionCount > 0 {
		metrics = &journey.EngagementMetrics{
			TimeOnPage:   time.Duration(req.Metrics.TimeOnPageMs) * time.Millisecond,
			ScrollDepth:  req.Metrics.ScrollDepth,
			Interactions: req.Metrics.InteractionCount,
		}
	}

	sessionID := c.Param("id")
	sess, err := s.machine.TransitionStage(c.Request.Context(), sessionID, journey.Stage(req.Stage), req.TriggerEvent, metrics)
	if err != nil {
		s.writeError(c, nil, err)
		return
	}

	decision, triggers := s.decide(c.Request.Context(), sess)
	c.JSON(http.StatusOK, gin.H{
		"session":  viewOf(sess),
		"decision": decision,
		"triggers": triggers,
	})
}

// recordConversion records the outcome and attributes the open
// personalization record.
func (s *Server) recordConversion(c *gin.Context) {
	var req conversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		observability.CountError("validation")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
		return
	}

	sessionID := c.Param("id")
	sess, err := s.machine.RecordConversion(c.Request.Context(), sessionID, &journey.Conversion{
		ID:          uuid.New().String(),
		Type:        req.Type,
		Value:       req.Value,
		Currency:    req.Currency,
		Attribution: req.Attribution,
	})
	if err != nil {
		s.writeError(c, nil, err)
		return
	}

	if err := s.personalizer.AttributeConversion(c.Request.Context(), sessionID); err != nil {
		observability.CountError("attribution")
		s.logger.Warn("conversion attribution failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"session": viewOf(sess)})
}

// recordResponse resolves a personalization record's outcome, once.
func (s *Server) recordResponse(c *gin.Context) {
	var req responseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		observability.CountError("validation")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
		return
	}

	rec, err := s.personalizer.RecordResponse(c.Request.Context(), c.Param("id"),
		personalize.Response(req.Response), req.Attributed)
	switch {
	case errors.Is(err, personalize.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	case errors.Is(err, personalize.ErrRecordFrozen):
		c.JSON(http.StatusConflict, gin.H{"error": "record already resolved"})
		return
	case err != nil:
		observability.CountError("validation")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

// decisionResult carries a decision computed off the request goroutine.
type decisionResult struct {
	decision *personalize.Decision
	triggers []scarcity.Trigger
}

// decide runs content selection and trigger evaluation under the hard
// decision timeout. On expiry the page gets the safe default: standard
// strategy, no triggers. Rendering never waits on us.
func (s *Server) decide(ctx context.Context, sess *journey.Session) (*personalize.Decision, []scarcity.Trigger) {
	dctx, cancel := context.WithTimeout(ctx, s.decisionTimeout)
	defer cancel()

	ch := make(chan decisionResult, 1)
	go func() {
		ch <- decisionResult{
			decision: s.personalizer.SelectContent(dctx, sess, personalize.SelectOptions{}),
			triggers: s.triggers.EvaluateTriggers(dctx, sess, sess.Stage),
		}
	}()

	select {
	case res := <-ch:
		if res.triggers == nil {
			res.triggers = []scarcity.Trigger{}
		}
		return res.decision, res.triggers
	case <-dctx.Done():
		observability.CountError("decision_timeout")
		observability.RecordDecision(personalize.StandardStrategy, "timeout", s.decisionTimeout)
		s.logger.Warn("decision timed out, serving safe default",
			zap.String("session_id", sess.ID))
		return personalize.SafeDefault(), []scarcity.Trigger{}
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Every path logs
// with the session id and causal event.
func (s *Server) writeError(c *gin.Context, sess *journey.Session, err error) {
	sessionID := c.Param("id")
	if sessionID == "" && sess != nil {
		sessionID = sess.ID
	}

	var verr *journey.ValidationError
	var terr *journey.InvalidTransitionError

	switch {
	case errors.As(err, &verr):
		observability.CountError("validation")
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})

	case errors.As(err, &terr):
		observability.CountError("invalid_transition")
		c.JSON(http.StatusConflict, gin.H{
			"error":        "invalid transition",
			"currentStage": string(terr.From),
			"allowed":      terr.Allowed,
		})

	case errors.Is(err, journey.ErrSessionNotFound):
		observability.CountError("not_found")
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})

	case errors.Is(err, journey.ErrOutOfOrderTouchpoint):
		observability.CountError("out_of_order")
		body := gin.H{"error": err.Error()}
		if sess != nil {
			body["session"] = viewOf(sess)
		}
		c.JSON(http.StatusUnprocessableEntity, body)

	case errors.Is(err, journey.ErrSessionTerminal):
		observability.CountError("terminal_session")
		c.JSON(http.StatusConflict, gin.H{"error": "session is in a terminal stage"})

	case errors.Is(err, journey.ErrStaleWrite):
		observability.CountError("stale_write_surfaced")
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent modification, retry"})

	case journey.IsTransient(err):
		observability.CountError("service_unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage temporarily unavailable"})

	default:
		observability.CountError("internal")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}

	s.logger.Error("request failed",
		zap.String("session_id", sessionID),
		zap.String("event", c.FullPath()),
		zap.Error(err))
}
