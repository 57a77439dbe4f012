package journey

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/journeykit-dev/journeykit/pkg/observability"
)

// lockStripes is the size of the per-session mutex array. Sessions hash
// onto a stripe, so operations on one session are serialized while
// unrelated sessions proceed in parallel.
const lockStripes = 256

// StageCriteria are the thresholds that advance a session out of a stage.
type StageCriteria struct {
	MinEngagement  float64
	MinDwell       time.Duration
	MinTouchpoints int
}

// MachineConfig tunes the state machine. Zero values fall back to
// DefaultMachineConfig.
type MachineConfig struct {
	// EngagementWeight is the EWMA weight given to the newest signal
	// when the conversion probability is recomputed.
	EngagementWeight float64
	// Advance maps stages to their forward-transition criteria.
	Advance map[Stage]StageCriteria
	// ReconsiderBelow sends decision back to consideration when recent
	// engagement drops under this score.
	ReconsiderBelow float64
	// IdleWindow is the inactivity timeout before the sweep abandons a
	// session.
	IdleWindow time.Duration
	// StorageRetries caps transient-storage retries.
	StorageRetries int
}

// DefaultMachineConfig returns the default tunables.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		EngagementWeight: 0.3,
		Advance: map[Stage]StageCriteria{
			StageAwareness:     {MinEngagement: 0.5, MinDwell: 10 * time.Second, MinTouchpoints: 3},
			StageConsideration: {MinEngagement: 0.6, MinDwell: 30 * time.Second, MinTouchpoints: 3},
			StageDecision:      {MinEngagement: 0.7, MinDwell: 20 * time.Second, MinTouchpoints: 2},
		},
		ReconsiderBelow: 0.2,
		IdleWindow:      30 * time.Minute,
		StorageRetries:  3,
	}
}

// Event is an asynchronous notification emitted by the engine for
// analytics and monitoring consumers.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sink receives engine events. Publishing is best-effort: the engine
// logs and counts failures but never fails the originating operation.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// StartInput carries everything known about a session at first contact.
type StartInput struct {
	SessionID string
	VisitorID string
	Persona   Persona
	Device    Device
	Entry     EntryPoint
	Returning bool
}

// pathRule maps entry context onto a journey path. Empty fields are
// wildcards; the first matching rule wins.
type pathRule struct {
	Device    DeviceClass
	Source    string
	Returning *bool
	Path      string
}

func boolPtr(b bool) *bool { return &b }

var pathRules = []pathRule{
	{Device: DeviceMobile, Source: "video-platform", Path: "fast-track"},
	{Device: DeviceDesktop, Source: "search", Path: "research-driven"},
	{Source: "email", Returning: boolPtr(true), Path: "returning-nurture"},
	{Source: "social", Path: "social-discovery"},
}

// DefaultPath is assigned when no path rule matches.
const DefaultPath = "standard"

// AssignPath resolves a journey path from entry context.
func AssignPath(device DeviceClass, source string, returning bool) string {
	for _, r := range pathRules {
		if r.Device != "" && r.Device != device {
			continue
		}
		if r.Source != "" && r.Source != source {
			continue
		}
		if r.Returning != nil && *r.Returning != returning {
			continue
		}
		return r.Path
	}
	return DefaultPath
}

// Machine owns all stage and conversion-probability mutation on sessions.
// It is safe for concurrent use; operations on the same session are
// serialized internally.
type Machine struct {
	store  Store
	cfg    MachineConfig
	logger *zap.Logger
	sink   Sink
	locks  [lockStripes]sync.Mutex
	now    func() time.Time
}

// NewMachine creates a state machine over the given store. sink may be
// nil to disable event publishing.
func NewMachine(store Store, cfg MachineConfig, logger *zap.Logger, sink Sink) *Machine {
	if cfg.EngagementWeight <= 0 || cfg.EngagementWeight >= 1 {
		cfg.EngagementWeight = DefaultMachineConfig().EngagementWeight
	}
	if cfg.Advance == nil {
		cfg.Advance = DefaultMachineConfig().Advance
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = DefaultMachineConfig().IdleWindow
	}
	if cfg.StorageRetries <= 0 {
		cfg.StorageRetries = DefaultMachineConfig().StorageRetries
	}
	if cfg.ReconsiderBelow <= 0 {
		cfg.ReconsiderBelow = DefaultMachineConfig().ReconsiderBelow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		store:  store,
		cfg:    cfg,
		logger: logger,
		sink:   sink,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Machine) lock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &m.locks[h.Sum32()%lockStripes]
}

// withRetry runs op, retrying transient storage errors with exponential
// backoff up to the configured attempt cap.
func (m *Machine) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < m.cfg.StorageRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt))) * 50 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = op()
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
	}
	observability.CountError("transient_exhausted")
	return lastErr
}

// StartSession creates a session, assigns its journey path from the rule
// table, and computes the initial conversion probability. Idempotent on
// session ID.
func (m *Machine) StartSession(ctx context.Context, in StartInput) (*Session, error) {
	if in.SessionID == "" {
		return nil, &ValidationError{Field: "sessionId", Reason: "required"}
	}
	if in.Persona.Confidence < 0 || in.Persona.Confidence > 1 {
		return nil, &ValidationError{Field: "persona.confidence", Reason: "must be in [0, 1]"}
	}
	if in.Device.Class == "" {
		return nil, &ValidationError{Field: "device.class", Reason: "required"}
	}

	now := m.now()
	sess := &Session{
		ID:                    in.SessionID,
		VisitorID:             in.VisitorID,
		Persona:               in.Persona,
		Device:                in.Device,
		Entry:                 in.Entry,
		Returning:             in.Returning,
		Stage:                 StageAwareness,
		ConversionProbability: initialProbability(in),
		Path:                  AssignPath(in.Device.Class, in.Entry.Source, in.Returning),
		StartedAt:             now,
		UpdatedAt:             now,
		StageEnteredAt:        now,
	}

	var created *Session
	err := m.withRetry(ctx, func() error {
		var err error
		created, err = m.store.CreateSession(ctx, sess)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("start session %s: %w", in.SessionID, err)
	}

	observability.RecordSessionStarted(created.Path)
	m.logger.Info("session started",
		zap.String("session_id", created.ID),
		zap.String("path", created.Path),
		zap.Float64("probability", created.ConversionProbability))
	return created, nil
}

// initialProbability scores a new session from entry features. The result
// always lands in the certainty window.
func initialProbability(in StartInput) float64 {
	p := 0.15 + 0.25*in.Persona.Confidence

	switch in.Device.Class {
	case DeviceDesktop:
		p += 0.08
	case DeviceMobile, DeviceTablet:
		p += 0.04
	}

	switch in.Entry.Source {
	case "email":
		p += 0.12
	case "video-platform":
		p += 0.1
	case "search":
		p += 0.08
	default:
		p += 0.03
	}

	if in.Returning {
		p += 0.05
	}
	return ClampProbability(p)
}

// RecordTouchpoint appends a touchpoint to a session, enforcing the
// gapless strictly-increasing sequence, then recomputes the conversion
// probability and applies any stage transition the configured criteria
// call for.
//
// A replayed sequence number returns ErrDuplicateTouchpoint with the
// current state; nothing is written twice.
func (m *Machine) RecordTouchpoint(ctx context.Context, sessionID string, tp Touchpoint) (*Session, error) {
	if tp.Engagement < 0 || tp.Engagement > 1 {
		return nil, &ValidationError{Field: "engagement", Reason: "must be in [0, 1]"}
	}
	if tp.Seq <= 0 {
		return nil, &ValidationError{Field: "seq", Reason: "must be positive"}
	}

	mu := m.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Stage.Terminal() {
		return sess, ErrSessionTerminal
	}

	switch {
	case tp.Seq <= sess.TouchpointCount:
		// At-least-once delivery replays are expected; report duplicate
		// with the current state.
		return sess, ErrDuplicateTouchpoint
	case tp.Seq > sess.TouchpointCount+1:
		return sess, fmt.Errorf("%w: got %d, want %d",
			ErrOutOfOrderTouchpoint, tp.Seq, sess.TouchpointCount+1)
	}

	tp.SessionID = sessionID
	if tp.RecordedAt.IsZero() {
		tp.RecordedAt = m.now()
	}

	if err := m.withRetry(ctx, func() error {
		return m.store.AppendTouchpoint(ctx, &tp)
	}); err != nil {
		return nil, fmt.Errorf("record touchpoint: %w", err)
	}

	sess.TouchpointCount = tp.Seq
	sess.UpdatedAt = m.now()
	sess.ConversionProbability = m.reweigh(sess.ConversionProbability, engagementSignal(&tp))

	if err := m.saveSession(ctx, sess); err != nil {
		return nil, err
	}
	observability.RecordTouchpoint(string(tp.Type))

	if tp.Type == TouchpointPageView {
		// Real aggregated counter behind social-proof triggers.
		if _, err := m.store.IncrProofCounter(ctx, "views", 1); err != nil {
			observability.CountError("proof_counter")
			m.logger.Warn("proof counter update failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	if next, trigger := m.evaluateAdvance(ctx, sess); next != "" {
		advanced, err := m.transitionLocked(ctx, sess, next, trigger, nil)
		if err != nil {
			// Criteria evaluation is best-effort; the touchpoint itself
			// is already durable.
			observability.CountError("auto_transition")
			m.logger.Warn("auto transition failed",
				zap.String("session_id", sessionID),
				zap.String("to", string(next)),
				zap.Error(err))
			return sess, nil
		}
		return advanced, nil
	}
	return sess, nil
}

// engagementSignal folds a touchpoint's raw signals into one score.
func engagementSignal(tp *Touchpoint) float64 {
	sig := tp.Engagement
	if tp.ScrollDepth > 0.8 {
		sig += 0.05
	}
	if tp.Duration > 2*time.Minute {
		sig += 0.05
	}
	if tp.Type == TouchpointExitIntent {
		sig -= 0.2
	}
	if sig < 0 {
		return 0
	}
	if sig > 1 {
		return 1
	}
	return sig
}

// reweigh applies the exponentially-weighted probability update: the
// newest signal shifts the estimate by the configured weight, so stale
// history decays geometrically.
func (m *Machine) reweigh(p, signal float64) float64 {
	w := m.cfg.EngagementWeight
	return ClampProbability((1-w)*p + w*signal)
}

// evaluateAdvance decides whether the session's recent engagement meets
// the forward criteria for its stage, or whether a decision-stage session
// should fall back to consideration. Returns the target stage and the
// trigger label, or "".
func (m *Machine) evaluateAdvance(ctx context.Context, sess *Session) (Stage, string) {
	criteria, ok := m.cfg.Advance[sess.Stage]
	if !ok {
		return "", ""
	}

	tps, err := m.store.Touchpoints(ctx, sess.ID)
	if err != nil {
		observability.CountError("advance_scan")
		m.logger.Warn("touchpoint scan failed",
			zap.String("session_id", sess.ID), zap.Error(err))
		return "", ""
	}

	// Only touchpoints observed in the current stage count.
	var inStage []*Touchpoint
	for _, tp := range tps {
		if tp.Type == TouchpointStageTransition {
			inStage = inStage[:0]
			continue
		}
		inStage = append(inStage, tp)
	}
	if len(inStage) == 0 {
		return "", ""
	}

	var sum float64
	for _, tp := range inStage {
		sum += tp.Engagement
	}
	avg := sum / float64(len(inStage))

	if sess.Stage == StageDecision && avg < m.cfg.ReconsiderBelow {
		return StageConsideration, "engagement_drop"
	}

	if len(inStage) < criteria.MinTouchpoints {
		return "", ""
	}
	if avg < criteria.MinEngagement {
		return "", ""
	}
	if m.now().Sub(sess.StageEnteredAt) < criteria.MinDwell {
		return "", ""
	}
	return NextForward(sess.Stage), "criteria_met"
}

// EngagementMetrics carries the client-observed engagement attached to
// an explicit stage transition request.
type EngagementMetrics struct {
	TimeOnPage   time.Duration
	ScrollDepth  float64
	Interactions int
}

// TransitionStage moves a session to newStage if the transition table
// allows it, recording a stage_transition touchpoint and recomputing the
// probability. Client-observed metrics, when present, sharpen the
// transition's engagement signal beyond the per-stage baseline.
// Returns *InvalidTransitionError when the move is illegal.
func (m *Machine) TransitionStage(ctx context.Context, sessionID string, newStage Stage, triggerEvent string, metrics *EngagementMetrics) (*Session, error) {
	if !newStage.Valid() {
		return nil, &ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", newStage)}
	}

	mu := m.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.transitionLocked(ctx, sess, newStage, triggerEvent, metrics)
}

// transitionLocked performs the transition. Caller holds the session's
// stripe lock.
func (m *Machine) transitionLocked(ctx context.Context, sess *Session, newStage Stage, triggerEvent string, metrics *EngagementMetrics) (*Session, error) {
	from := sess.Stage
	if !CanTransition(from, newStage) {
		return nil, &InvalidTransitionError{
			SessionID: sess.ID,
			From:      from,
			To:        newStage,
			Allowed:   AllowedTransitions(from),
		}
	}

	now := m.now()
	tp := &Touchpoint{
		SessionID:  sess.ID,
		Seq:        sess.TouchpointCount + 1,
		Type:       TouchpointStageTransition,
		Engagement: stageSignal(newStage),
		Payload: map[string]any{
			"from":    string(from),
			"to":      string(newStage),
			"trigger": triggerEvent,
		},
		RecordedAt: now,
	}
	if metrics != nil {
		tp.Duration = metrics.TimeOnPage
		tp.ScrollDepth = metrics.ScrollDepth
		if metrics.Interactions >= 3 {
			tp.Engagement += 0.05
		}
	}
	if err := m.withRetry(ctx, func() error {
		return m.store.AppendTouchpoint(ctx, tp)
	}); err != nil {
		return nil, fmt.Errorf("record transition: %w", err)
	}

	sess.TouchpointCount = tp.Seq
	sess.Stage = newStage
	sess.StageEnteredAt = now
	sess.UpdatedAt = now
	sess.ConversionProbability = m.reweigh(sess.ConversionProbability, engagementSignal(tp))
	if newStage.Terminal() {
		sess.EndedAt = now
	}

	if err := m.saveSession(ctx, sess); err != nil {
		return nil, err
	}

	observability.RecordTransition(string(from), string(newStage))
	m.logger.Info("stage transition",
		zap.String("session_id", sess.ID),
		zap.String("from", string(from)),
		zap.String("to", string(newStage)),
		zap.String("trigger", triggerEvent),
		zap.Float64("probability", sess.ConversionProbability))

	m.publish(ctx, Event{
		Type:      "stage_transition",
		SessionID: sess.ID,
		At:        now,
		Data: map[string]any{
			"from":        string(from),
			"to":          string(newStage),
			"trigger":     triggerEvent,
			"probability": sess.ConversionProbability,
		},
	})
	return sess, nil
}

// stageSignal is the engagement signal implied by entering a stage.
func stageSignal(s Stage) float64 {
	switch s {
	case StageConsideration:
		return 0.55
	case StageDecision:
		return 0.7
	case StageConversion:
		return 0.9
	case StageRetention:
		return 0.85
	case StageAbandoned:
		return 0.1
	}
	return 0.5
}

// RecordConversion appends a conversion outcome, drives the session into
// the conversion stage when reachable, and bumps the real purchase
// counter.
func (m *Machine) RecordConversion(ctx context.Context, sessionID string, conv *Conversion) (*Session, error) {
	if conv.Type == "" {
		return nil, &ValidationError{Field: "type", Reason: "required"}
	}
	if conv.Value < 0 {
		return nil, &ValidationError{Field: "value", Reason: "must be >= 0"}
	}

	mu := m.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	conv.SessionID = sessionID
	if conv.OccurredAt.IsZero() {
		conv.OccurredAt = m.now()
	}
	if err := m.withRetry(ctx, func() error {
		return m.store.AppendConversion(ctx, conv)
	}); err != nil {
		return nil, fmt.Errorf("record conversion: %w", err)
	}

	if _, err := m.store.IncrProofCounter(ctx, "purchases", 1); err != nil {
		observability.CountError("proof_counter")
		m.logger.Warn("proof counter update failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	if CanTransition(sess.Stage, StageConversion) {
		updated, err := m.transitionLocked(ctx, sess, StageConversion, "conversion:"+conv.Type, nil)
		if err == nil {
			sess = updated
		}
	}

	m.publish(ctx, Event{
		Type:      "conversion",
		SessionID: sessionID,
		At:        conv.OccurredAt,
		Data: map[string]any{
			"conversionType": conv.Type,
			"value":          conv.Value,
			"currency":       conv.Currency,
		},
	})
	return sess, nil
}

// SweepIdle moves sessions with no activity inside the idle window to
// abandoned. It acquires and releases each session's lock individually so
// the sweep never stalls live traffic, and stops early when ctx is done.
func (m *Machine) SweepIdle(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.IdleWindow)
	swept := 0

	for _, stage := range []Stage{StageAwareness, StageConsideration, StageDecision, StageConversion} {
		ids, err := m.store.SessionsByStage(ctx, stage)
		if err != nil {
			return swept, fmt.Errorf("sweep scan %s: %w", stage, err)
		}
		for _, id := range ids {
			select {
			case <-ctx.Done():
				return swept, ctx.Err()
			default:
			}

			mu := m.lock(id)
			mu.Lock()
			sess, err := m.loadSession(ctx, id)
			if err != nil {
				mu.Unlock()
				observability.CountError("sweep_load")
				m.logger.Warn("sweep load failed", zap.String("session_id", id), zap.Error(err))
				continue
			}
			if sess.Stage == stage && !sess.Stage.Terminal() && sess.UpdatedAt.Before(cutoff) {
				if _, err := m.transitionLocked(ctx, sess, StageAbandoned, "idle_timeout", nil); err != nil {
					observability.CountError("sweep_abandon")
					m.logger.Warn("sweep abandon failed", zap.String("session_id", id), zap.Error(err))
				} else {
					swept++
				}
			}
			mu.Unlock()
		}
	}
	return swept, nil
}

// GetSession is a read-only point lookup.
func (m *Machine) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return m.loadSession(ctx, sessionID)
}

// loadSession reads with transient retry.
func (m *Machine) loadSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess *Session
	err := m.withRetry(ctx, func() error {
		var err error
		sess, err = m.store.GetSession(ctx, sessionID)
		return err
	})
	return sess, err
}

// saveSession writes with the optimistic version check, retrying a stale
// write exactly once against a fresh read.
func (m *Machine) saveSession(ctx context.Context, sess *Session) error {
	err := m.withRetry(ctx, func() error {
		return m.store.UpdateSession(ctx, sess)
	})
	if !errors.Is(err, ErrStaleWrite) {
		return err
	}

	observability.CountError("stale_write")
	fresh, ferr := m.store.GetSession(ctx, sess.ID)
	if ferr != nil {
		return fmt.Errorf("stale write refresh: %w", ferr)
	}
	sess.Version = fresh.Version
	return m.store.UpdateSession(ctx, sess)
}

func (m *Machine) publish(ctx context.Context, ev Event) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Publish(ctx, ev); err != nil {
		observability.CountError("publish")
		m.logger.Warn("event publish failed",
			zap.String("session_id", ev.SessionID),
			zap.String("event", ev.Type),
			zap.Error(err))
	}
}
