// Package optimize runs the continuous re-scoring loop. On every tick it
// scans active sessions, looks for improvement opportunities, and applies
// the confident ones by directing the personalization or scarcity engine.
// The loop never mutates a session's stage itself; single-writer
// ownership stays with the state machine.
package optimize

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/journeykit-dev/journeykit/pkg/journey"
	"github.com/journeykit-dev/journeykit/pkg/observability"
	"github.com/journeykit-dev/journeykit/pkg/personalize"
	"github.com/journeykit-dev/journeykit/pkg/scarcity"
)

// Opportunity names a detected improvement.
const (
	OpportunityEngagement   = "engagement_improvement"
	OpportunityAcceleration = "conversion_acceleration"
)

// Config tunes the loop.
type Config struct {
	// Tick is the loop interval.
	Tick time.Duration
	// ConfidenceThreshold gates applying an opportunity.
	ConfidenceThreshold float64
	// LowEngagement marks sessions below this recent average as
	// engagement_improvement candidates.
	LowEngagement float64
	// AccelerateBelow marks decision-stage sessions below this
	// conversion probability as conversion_acceleration candidates.
	AccelerateBelow float64
}

// AppliedOptimization records one applied opportunity for audit.
type AppliedOptimization struct {
	SessionID      string    `json:"sessionId"`
	Opportunity    string    `json:"opportunity"`
	Confidence     float64   `json:"confidence"`
	ExpectedImpact float64   `json:"expectedImpact"`
	Strategy       string    `json:"strategy,omitempty"`
	Triggers       int       `json:"triggers,omitempty"`
	AppliedAt      time.Time `json:"appliedAt"`
}

// opportunity is an internal detection before the apply gate.
type opportunity struct {
	kind       string
	confidence float64
	impact     float64
}

// Loop is the background optimizer. It is cancellable and resumable:
// Pause skips ticks without losing schedule state.
type Loop struct {
	store        journey.Store
	personalizer *personalize.Engine
	triggers     *scarcity.Engine
	sink         journey.Sink
	cfg          Config
	logger       *zap.Logger

	cron    *cron.Cron
	entryID cron.EntryID
	paused  atomic.Bool
	runMu   sync.Mutex
	now     func() time.Time
}

// NewLoop creates the optimization loop. sink may be nil.
func NewLoop(store journey.Store, personalizer *personalize.Engine, triggers *scarcity.Engine, sink journey.Sink, cfg Config, logger *zap.Logger) *Loop {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	if cfg.LowEngagement <= 0 {
		cfg.LowEngagement = 0.3
	}
	if cfg.AccelerateBelow <= 0 {
		cfg.AccelerateBelow = 0.35
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		store:        store,
		personalizer: personalizer,
		triggers:     triggers,
		sink:         sink,
		cfg:          cfg,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the loop. The tick stops when ctx is cancelled or Stop
// is called.
func (l *Loop) Start(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.cron != nil {
		return fmt.Errorf("optimization loop already started")
	}

	l.cron = cron.New()
	id, err := l.cron.AddFunc(fmt.Sprintf("@every %s", l.cfg.Tick), func() {
		if l.paused.Load() {
			return
		}
		tickCtx, cancel := context.WithTimeout(ctx, l.cfg.Tick)
		defer cancel()
		if _, err := l.Tick(tickCtx); err != nil {
			observability.CountError("optimize_tick")
			l.logger.Warn("optimization tick failed", zap.Error(err))
		}
	})
	if err != nil {
		l.cron = nil
		return fmt.Errorf("schedule optimization loop: %w", err)
	}
	l.entryID = id
	l.cron.Start()

	go func() {
		<-ctx.Done()
		l.Stop()
	}()
	return nil
}

// Stop halts the schedule, waiting for an in-flight tick to finish.
func (l *Loop) Stop() {
	l.runMu.Lock()
	c := l.cron
	l.cron = nil
	l.runMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Pause suspends ticks without losing schedule state.
func (l *Loop) Pause() { l.paused.Store(true) }

// Resume re-enables ticks.
func (l *Loop) Resume() { l.paused.Store(false) }

// Tick scans the active stages and optimizes the batch.
func (l *Loop) Tick(ctx context.Context) ([]AppliedOptimization, error) {
	var active []string
	for _, stage := range []journey.Stage{journey.StageAwareness, journey.StageConsideration, journey.StageDecision} {
		ids, err := l.store.SessionsByStage(ctx, stage)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", stage, err)
		}
		active = append(active, ids...)
	}
	observability.SetActiveSessions(len(active))
	return l.OptimizeBatch(ctx, active)
}

// OptimizeBatch evaluates each session and applies the opportunities
// whose confidence clears the threshold. Sessions are handled one at a
// time; a failure on one session never blocks the rest.
func (l *Loop) OptimizeBatch(ctx context.Context, activeSessions []string) ([]AppliedOptimization, error) {
	applied := make([]AppliedOptimization, 0, len(activeSessions))

	for _, id := range activeSessions {
		select {
		case <-ctx.Done():
			return applied, ctx.Err()
		default:
		}

		opt, err := l.optimizeSession(ctx, id)
		if err != nil {
			observability.CountError("optimize_session")
			l.logger.Warn("session optimization failed",
				zap.String("session_id", id), zap.Error(err))
			continue
		}
		if opt != nil {
			applied = append(applied, *opt)
		}
	}
	return applied, nil
}

// optimizeSession detects and, if confident, applies the best
// opportunity for one session.
func (l *Loop) optimizeSession(ctx context.Context, sessionID string) (*AppliedOptimization, error) {
	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Stage.Terminal() || sess.Archived {
		return nil, nil
	}

	tps, err := l.store.Touchpoints(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	opp := l.detect(sess, tps)
	if opp == nil || opp.confidence < l.cfg.ConfidenceThreshold {
		return nil, nil
	}
	return l.apply(ctx, sess, opp)
}

// detect compares session metrics against the opportunity heuristics and
// returns the strongest match, or nil.
func (l *Loop) detect(sess *journey.Session, tps []*journey.Touchpoint) *opportunity {
	recent := recentEngagement(tps, 5)

	if sess.Stage == journey.StageDecision && sess.ConversionProbability < l.cfg.AccelerateBelow {
		conf := 0.7 + (l.cfg.AccelerateBelow - sess.ConversionProbability)
		if conf > 0.99 {
			conf = 0.99
		}
		return &opportunity{
			kind:       OpportunityAcceleration,
			confidence: conf,
			impact:     l.cfg.AccelerateBelow - sess.ConversionProbability + 0.05,
		}
	}

	if len(tps) > 0 && recent < l.cfg.LowEngagement {
		conf := 0.6 + (l.cfg.LowEngagement - recent)
		if conf > 0.99 {
			conf = 0.99
		}
		return &opportunity{
			kind:       OpportunityEngagement,
			confidence: conf,
			impact:     l.cfg.LowEngagement - recent,
		}
	}
	return nil
}

// apply invokes the relevant engine with an override directive and
// records the optimization for audit.
func (l *Loop) apply(ctx context.Context, sess *journey.Session, opp *opportunity) (*AppliedOptimization, error) {
	out := &AppliedOptimization{
		SessionID:      sess.ID,
		Opportunity:    opp.kind,
		Confidence:     opp.confidence,
		ExpectedImpact: opp.impact,
		AppliedAt:      l.now(),
	}

	switch opp.kind {
	case OpportunityAcceleration:
		decision := l.personalizer.SelectContent(ctx, sess, personalize.SelectOptions{
			OverrideStrategy: "instant-checkout",
		})
		out.Strategy = decision.Strategy
		out.Triggers = len(l.triggers.EvaluateTriggers(ctx, sess, sess.Stage))

	case OpportunityEngagement:
		decision := l.personalizer.SelectContent(ctx, sess, personalize.SelectOptions{
			OverrideStrategy: "re-engagement",
		})
		out.Strategy = decision.Strategy

	default:
		return nil, fmt.Errorf("unknown opportunity %q", opp.kind)
	}

	observability.RecordOptimization(opp.kind)
	l.logger.Info("optimization applied",
		zap.String("session_id", sess.ID),
		zap.String("opportunity", opp.kind),
		zap.Float64("confidence", opp.confidence),
		zap.Float64("expected_impact", opp.impact))

	if l.sink != nil {
		ev := journey.Event{
			Type:      "optimization_applied",
			SessionID: sess.ID,
			At:        out.AppliedAt,
			Data: map[string]any{
				"opportunity":    opp.kind,
				"confidence":     opp.confidence,
				"expectedImpact": opp.impact,
				"strategy":       out.Strategy,
			},
		}
		if err := l.sink.Publish(ctx, ev); err != nil {
			observability.CountError("publish")
			l.logger.Warn("optimization event publish failed",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	return out, nil
}

// recentEngagement averages the last n non-transition touchpoints.
func recentEngagement(tps []*journey.Touchpoint, n int) float64 {
	var sum float64
	count := 0
	for i := len(tps) - 1; i >= 0 && count < n; i-- {
		if tps[i].Type == journey.TouchpointStageTransition {
			continue
		}
		sum += tps[i].Engagement
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}
