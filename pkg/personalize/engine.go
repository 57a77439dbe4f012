package personalize

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/journeykit-dev/journeykit/pkg/journey"
	"github.com/journeykit-dev/journeykit/pkg/observability"
)

// Variant is one candidate piece of content a strategy can serve. It is
// content metadata only; rendering happens downstream.
type Variant struct {
	ID         string  `json:"id"`
	ContentRef string  `json:"contentRef"`
	Template   string  `json:"template"`
	BaseScore  float64 `json:"baseScore"`
}

// Decision is a selected variant plus the record that tracks its outcome.
type Decision struct {
	Strategy      string  `json:"strategy"`
	Variant       Variant `json:"variant"`
	RecordID      string  `json:"recordId,omitempty"`
	Confidence    float64 `json:"confidence"`
	ExpectedValue float64 `json:"expectedValue"`
	// Fallback is set when the decision degraded to the standard
	// strategy because of an error or timeout.
	Fallback bool `json:"fallback,omitempty"`
}

// generator produces the candidate variants for one strategy.
type generator func(sess *journey.Session) []Variant

// StandardStrategy is the always-present fallback. It never errors and is
// served whenever no table entry matches or decisioning degrades.
const StandardStrategy = "standard"

type strategyKey struct {
	Path  string
	Stage journey.Stage
}

// strategyTable maps (journey path, stage) onto a strategy name. Unknown
// combinations fall through to StandardStrategy.
var strategyTable = map[strategyKey]string{
	{"fast-track", journey.StageAwareness}:          "hook-replication",
	{"fast-track", journey.StageConsideration}:      "momentum",
	{"fast-track", journey.StageDecision}:           "instant-checkout",
	{"research-driven", journey.StageAwareness}:     "deep-dive",
	{"research-driven", journey.StageConsideration}: "comparison",
	{"research-driven", journey.StageDecision}:      "proof-points",
	{"returning-nurture", journey.StageAwareness}:   "welcome-back",
	{"returning-nurture", journey.StageDecision}:    "loyalty-offer",
	{"social-discovery", journey.StageAwareness}:    "community-voice",
	{"social-discovery", journey.StageConsideration}: "peer-stories",
}

// StrategyFor resolves the strategy for a (path, stage) pair.
func StrategyFor(path string, stage journey.Stage) string {
	if s, ok := strategyTable[strategyKey{path, stage}]; ok {
		return s
	}
	return StandardStrategy
}

var generators = map[string]generator{
	StandardStrategy: func(sess *journey.Session) []Variant {
		return []Variant{
			{ID: "std-hero", ContentRef: "content/std/hero", Template: "hero_default", BaseScore: 0.5},
			{ID: "std-grid", ContentRef: "content/std/grid", Template: "grid_default", BaseScore: 0.5},
		}
	},
	"hook-replication": func(sess *journey.Session) []Variant {
		return []Variant{
			{ID: "hook-video", ContentRef: "content/hook/video", Template: "hook_video", BaseScore: 0.65},
			{ID: "hook-headline", ContentRef: "content/hook/headline", Template: "hook_headline", BaseScore: 0.55},
			{ID: "hook-carousel", ContentRef: "content/hook/carousel", Template: "hook_carousel", BaseScore: 0.5},
		}
	},
	"momentum": func(sess *journey.Session) []Variant {
		return []Variant{
			{ID: "momentum-benefits", ContentRef: "content/momentum/benefits", Template: "benefit_stack", BaseScore: 0.6},
			{ID: "momentum-demo", ContentRef: "content/momentum/demo", Template: "inline_demo", BaseScore: 0.55},
		}
	},
	"instant-checkout": func(sess *journey.Session) []Variant {
		return []Variant{
			{ID: "checkout-one-tap", ContentRef: "content/checkout/one-tap", Template: "one_tap_cta", BaseScore: 0.7},
			{ID: "checkout-sticky", ContentRef: "content/checkout/sticky", Template: "sticky_cta", BaseScore: 0.6},
		}
	},
	"deep-dive": func(sess *journey.Session) []Variant {
		return []Variant{
			{ID: "dive-whitepaper", ContentRef: "content/dive/whitepaper", Template: "long_form", BaseScore: 0.55},
			{ID: "dive-specs", ContentRef: "content/dive/specs", Template: "spec_table", BaseScore: 0.5},
		}
	},
	"comparison": func(sess *journey.Session) []Variant {
		return []Variant{
			{ID: "compare-matrix", ContentRef: "content/compare/matrix", Template: "compare_matrix", BaseScore: 0.6},
			{ID: "compare-altvs", ContentRef: "content/compare/alternatives", Template: "alternatives", BaseScore: 0.55},
		}
	},
	"proof-points": func(sess *journey.Session) []Variant {
		return []Variant{
			{ID: "proof-cases", ContentRef: "content/proof/cases", Template: "case_studies", BaseScore: 0.65},
			{ID: "proof-reviews", ContentRef: "content/proof/reviews", Template: "review_wall", BaseScore: 0.6},
		}
	},
	"welcome-back": func(sess *journey.Session) []Variant {
		return []Variant{
			{ID: "wb-resume", ContentRef: "content/wb/resume", Template: "resume_journey", BaseScore: 0.6},
		}
	},
	"loyalty-offer": func(sess *journey.Session) []Variant {
		return []Variant{
			{ID: "loyal-discount", ContentRef: "content/loyal/discount", Template: "member_offer", BaseScore: 0.65},
			{ID: "loyal-early", ContentRef: "content/loyal/early-access", Template: "early_access", BaseScore: 0.55},
		}
	},
	"community-voice": func(sess *journey.Session) []Variant {
		return []Variant{
			{ID: "community-ugc", ContentRef: "content/community/ugc", Template: "ugc_wall", BaseScore: 0.55},
		}
	},
	"peer-stories": func(sess *journey.Session) []Variant {
		return []Variant{
			{ID: "peer-story", ContentRef: "content/peer/story", Template: "peer_story", BaseScore: 0.55},
			{ID: "peer-stats", ContentRef: "content/peer/stats", Template: "peer_stats", BaseScore: 0.5},
		}
	},
	// re-engagement is only reachable through an optimization override.
	"re-engagement": func(sess *journey.Session) []Variant {
		return []Variant{
			{ID: "reeng-highlight", ContentRef: "content/reeng/highlight", Template: "highlight_reel", BaseScore: 0.6},
			{ID: "reeng-question", ContentRef: "content/reeng/question", Template: "question_prompt", BaseScore: 0.5},
		}
	},
}

// SelectOptions adjusts a selection call.
type SelectOptions struct {
	// OverrideStrategy bypasses the strategy table, used by the
	// optimization loop's directives. Unknown names fall back to the
	// standard strategy.
	OverrideStrategy string
}

// Engine selects content variants and owns all PersonalizationRecord
// writes.
type Engine struct {
	records RecordStore
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine creates a personalization engine over a record store.
func NewEngine(records RecordStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		records: records,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SelectContent picks the variant with the highest expected value
// (performance prior x session conversion probability) for the session's
// strategy, persisting the decision record before returning it.
//
// Selection never fails: any error degrades to the standard strategy's
// first variant with Fallback set.
func (e *Engine) SelectContent(ctx context.Context, sess *journey.Session, opts SelectOptions) *Decision {
	start := e.now()

	strategy := opts.OverrideStrategy
	if strategy == "" {
		strategy = StrategyFor(sess.Path, sess.Stage)
	}
	gen, ok := generators[strategy]
	if !ok {
		strategy = StandardStrategy
		gen = generators[StandardStrategy]
	}

	decision, err := e.rank(ctx, sess, strategy, gen(sess))
	if err != nil {
		observability.CountError("personalize_rank")
		e.logger.Warn("variant ranking degraded to standard",
			zap.String("session_id", sess.ID),
			zap.String("strategy", strategy),
			zap.Error(err))
		decision = e.fallback(sess)
	}

	// Write-before-serve: persist the record so a later conversion can
	// be attributed even if the client never reports back.
	rec := &Record{
		ID:         uuid.New().String(),
		SessionID:  sess.ID,
		Strategy:   decision.Strategy,
		Variant:    decision.Variant.ID,
		ContentRef: decision.Variant.ContentRef,
		Response:   ResponseNone,
		Confidence: decision.Confidence,
		ServedAt:   e.now(),
	}
	if err := e.records.SaveRecord(ctx, rec); err != nil {
		observability.CountError("record_write")
		e.logger.Error("record write failed, serving unattributed",
			zap.String("session_id", sess.ID),
			zap.String("strategy", decision.Strategy),
			zap.Error(err))
	} else {
		decision.RecordID = rec.ID
	}

	outcome := "ok"
	if decision.Fallback {
		outcome = "fallback"
	}
	observability.RecordDecision(decision.Strategy, outcome, e.now().Sub(start))
	return decision
}

// rank scores candidates by expected value, breaking ties toward the
// least recently served variant so exploration never starves.
func (e *Engine) rank(ctx context.Context, sess *journey.Session, strategy string, candidates []Variant) (*Decision, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("strategy %s produced no candidates", strategy)
	}

	lastServed, err := e.records.LastServed(ctx, strategy)
	if err != nil {
		return nil, err
	}

	var (
		best   Variant
		bestEV = -1.0
		bestAt time.Time
		prior  float64
	)
	for _, v := range candidates {
		perf, err := e.records.GetPerformance(ctx, strategy, v.ID)
		if err != nil {
			return nil, err
		}
		ev := perf.Prior() * sess.ConversionProbability
		at := lastServed[v.ID]

		switch {
		case ev > bestEV:
			best, bestEV, bestAt, prior = v, ev, at, perf.Prior()
		case ev == bestEV && at.Before(bestAt):
			best, bestAt, prior = v, at, perf.Prior()
		}
	}

	return &Decision{
		Strategy:      strategy,
		Variant:       best,
		Confidence:    prior,
		ExpectedValue: bestEV,
	}, nil
}

// fallback returns the guaranteed standard decision.
func (e *Engine) fallback(sess *journey.Session) *Decision {
	v := generators[StandardStrategy](sess)[0]
	return &Decision{
		Strategy:      StandardStrategy,
		Variant:       v,
		Confidence:    0.5,
		ExpectedValue: 0.5 * sess.ConversionProbability,
		Fallback:      true,
	}
}

// SafeDefault is the decision served when selection cannot run at all,
// for instance on a decision-call timeout.
func SafeDefault() *Decision {
	return &Decision{
		Strategy: StandardStrategy,
		Variant: Variant{
			ID:         "std-hero",
			ContentRef: "content/std/hero",
			Template:   "hero_default",
			BaseScore:  0.5,
		},
		Confidence: 0.5,
		Fallback:   true,
	}
}

// RecordResponse resolves a served record's outcome exactly once.
func (e *Engine) RecordResponse(ctx context.Context, recordID string, resp Response, attributed bool) (*Record, error) {
	switch resp {
	case ResponsePositive, ResponseNegative, ResponseNeutral:
	default:
		return nil, fmt.Errorf("invalid response %q", resp)
	}
	return e.records.ResolveRecord(ctx, recordID, resp, attributed)
}

// AttributeConversion marks the session's most recent unresolved record
// as converted. A session with no open record is a no-op.
func (e *Engine) AttributeConversion(ctx context.Context, sessionID string) error {
	rec, err := e.records.OpenRecord(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	_, err = e.records.ResolveRecord(ctx, rec.ID, ResponsePositive, true)
	return err
}
