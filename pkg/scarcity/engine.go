// Package scarcity evaluates urgency, social-proof and exclusivity
// triggers for a session. Evaluation is best-effort and non-blocking:
// any failure degrades to an empty trigger list, never an error surfaced
// to the page.
package scarcity

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/journeykit-dev/journeykit/pkg/journey"
	"github.com/journeykit-dev/journeykit/pkg/observability"
)

// TriggerType identifies a scarcity dimension.
type TriggerType string

const (
	TriggerSocialProof  TriggerType = "social_proof"
	TriggerTimePressure TriggerType = "time_pressure"
	TriggerExclusivity  TriggerType = "exclusivity"
)

// Timing hints when a trigger should be shown.
type Timing string

const (
	TimingImmediate  Timing = "immediate"
	TimingStageGated Timing = "stage_gated"
)

// Trigger is one prompt candidate. Template names a message template;
// final copy is a rendering concern downstream.
type Trigger struct {
	Type      TriggerType    `json:"type"`
	Template  string         `json:"template"`
	Intensity int            `json:"intensity"`
	Timing    Timing         `json:"timing"`
	Data      map[string]any `json:"data,omitempty"`
	// ExpiresAt is set for time-pressure triggers. It is the deadline
	// first issued for this session and never moves later.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Profile is a visitor's trigger sensitivity. The dimensions are
// independent booleans, not exclusive buckets.
type Profile struct {
	SocialProof  bool `json:"socialProof"`
	TimePressure bool `json:"timePressure"`
	Exclusivity  bool `json:"exclusivity"`
}

// ProfileFor derives a sensitivity profile from session context. Without
// richer modeling the persona label decides; unknown personas respond to
// social proof only.
func ProfileFor(sess *journey.Session) Profile {
	switch sess.Persona.Type {
	case "impulse-buyer":
		return Profile{SocialProof: true, TimePressure: true}
	case "bargain-hunter":
		return Profile{TimePressure: true, Exclusivity: true}
	case "status-seeker":
		return Profile{SocialProof: true, Exclusivity: true}
	case "researcher":
		return Profile{SocialProof: true}
	default:
		return Profile{SocialProof: true}
	}
}

// Config tunes the trigger engine.
type Config struct {
	// ProofMinimum suppresses social-proof triggers whose real counter
	// is below this value; a count of 3 viewers persuades nobody and
	// reads as fake. Zero turns suppression off.
	ProofMinimum int64
	// CountdownWindow is the deadline attached to a time-pressure
	// trigger when one is first issued for a session.
	CountdownWindow time.Duration
}

// Engine evaluates triggers against real aggregated counters.
type Engine struct {
	counters journey.Store
	expiry   journey.TriggerExpiryStore
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates a trigger engine. counters supplies the real proof
// counters; expiry persists first-issued countdown deadlines.
func NewEngine(counters journey.Store, expiry journey.TriggerExpiryStore, cfg Config, logger *zap.Logger) *Engine {
	if cfg.ProofMinimum < 0 {
		cfg.ProofMinimum = 10
	}
	if cfg.CountdownWindow <= 0 {
		cfg.CountdownWindow = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		counters: counters,
		expiry:   expiry,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// EvaluateTriggers returns at most one trigger per responsive dimension.
// It may return an empty list and never returns an error to the caller:
// failures are logged, counted, and treated as "no trigger".
func (e *Engine) EvaluateTriggers(ctx context.Context, sess *journey.Session, stage journey.Stage) []Trigger {
	start := e.now()
	defer func() { observability.RecordTriggerEvaluation(e.now().Sub(start)) }()

	profile := ProfileFor(sess)
	triggers := make([]Trigger, 0, 3)

	if profile.SocialProof {
		if t := e.socialProof(ctx, sess, stage); t != nil {
			triggers = append(triggers, *t)
		}
	}
	if profile.TimePressure {
		if t := e.timePressure(ctx, sess, stage); t != nil {
			triggers = append(triggers, *t)
		}
	}
	if profile.Exclusivity {
		if t := e.exclusivity(sess, stage); t != nil {
			triggers = append(triggers, *t)
		}
	}

	for _, t := range triggers {
		observability.RecordTrigger(string(t.Type))
	}
	return triggers
}

// socialProof emits a viewer/purchase-count trigger backed by the real
// aggregated counters. Counts below the configured minimum are
// suppressed rather than shown as misleadingly small numbers.
func (e *Engine) socialProof(ctx context.Context, sess *journey.Session, stage journey.Stage) *Trigger {
	counter := "views"
	template := "social_proof_viewers"
	if stage == journey.StageDecision {
		counter = "purchases"
		template = "social_proof_purchases"
	}

	n, err := e.counters.ProofCounter(ctx, counter)
	if err != nil {
		observability.CountError("proof_read")
		e.logger.Warn("proof counter read failed",
			zap.String("session_id", sess.ID),
			zap.String("counter", counter),
			zap.Error(err))
		return nil
	}
	if e.cfg.ProofMinimum > 0 && n < e.cfg.ProofMinimum {
		observability.RecordTriggerSuppressed(string(TriggerSocialProof), "below_minimum")
		return nil
	}

	return &Trigger{
		Type:      TriggerSocialProof,
		Template:  template,
		Intensity: intensityFor(stage),
		Timing:    TimingImmediate,
		Data:      map[string]any{"count": n},
	}
}

// timePressure emits a countdown trigger. The deadline is pinned on
// first issue per session, so a revisit can only ever see the same or an
// already-expired countdown, never a reset one.
func (e *Engine) timePressure(ctx context.Context, sess *journey.Session, stage journey.Stage) *Trigger {
	if stage != journey.StageDecision && stage != journey.StageConsideration {
		return nil
	}

	now := e.now()
	deadline, err := e.expiry.TriggerExpiry(ctx, sess.ID, string(TriggerTimePressure), now.Add(e.cfg.CountdownWindow))
	if err != nil {
		observability.CountError("trigger_expiry")
		e.logger.Warn("trigger expiry lookup failed",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return nil
	}
	if !deadline.After(now) {
		observability.RecordTriggerSuppressed(string(TriggerTimePressure), "expired")
		return nil
	}

	return &Trigger{
		Type:      TriggerTimePressure,
		Template:  "countdown_offer",
		Intensity: intensityFor(stage),
		Timing:    TimingStageGated,
		ExpiresAt: deadline,
	}
}

// exclusivity needs no external data; it keys off path and stage alone.
func (e *Engine) exclusivity(sess *journey.Session, stage journey.Stage) *Trigger {
	if stage != journey.StageDecision {
		return nil
	}
	template := "members_only_offer"
	if sess.Path == "returning-nurture" {
		template = "returning_exclusive"
	}
	return &Trigger{
		Type:      TriggerExclusivity,
		Template:  template,
		Intensity: 1,
		Timing:    TimingStageGated,
	}
}

func intensityFor(stage journey.Stage) int {
	switch stage {
	case journey.StageDecision:
		return 3
	case journey.StageConsideration:
		return 2
	default:
		return 1
	}
}
