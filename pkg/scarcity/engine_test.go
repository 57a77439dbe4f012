package scarcity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/journeykit-dev/journeykit/pkg/journey"
)

func setupScarcity(t *testing.T) (*Engine, *journey.RedisStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store := journey.NewRedisStoreFromClient(client, "test:", 0)
	t.Cleanup(func() { _ = store.Close() })

	engine := NewEngine(store, store, Config{
		ProofMinimum:    10,
		CountdownWindow: 15 * time.Minute,
	}, nil)
	return engine, store
}

func sessionWith(persona string, stage journey.Stage) *journey.Session {
	return &journey.Session{
		ID:      "sess-1",
		Persona: journey.Persona{Type: persona, Confidence: 0.8},
		Stage:   stage,
		Path:    "standard",
	}
}

func TestProfileFor(t *testing.T) {
	cases := map[string]Profile{
		"impulse-buyer":  {SocialProof: true, TimePressure: true},
		"bargain-hunter": {TimePressure: true, Exclusivity: true},
		"status-seeker":  {SocialProof: true, Exclusivity: true},
		"researcher":     {SocialProof: true},
		"":               {SocialProof: true},
		"unknown-label":  {SocialProof: true},
	}
	for persona, want := range cases {
		got := ProfileFor(sessionWith(persona, journey.StageAwareness))
		assert.Equal(t, want, got, "persona %q", persona)
	}
}

func TestSocialProof_SuppressedBelowMinimum(t *testing.T) {
	engine, store := setupScarcity(t)
	ctx := context.Background()

	// Two viewers reads as fake; nothing should be shown.
	_, err := store.IncrProofCounter(ctx, "views", 2)
	require.NoError(t, err)

	sess := sessionWith("researcher", journey.StageAwareness)
	triggers := engine.EvaluateTriggers(ctx, sess, sess.Stage)
	assert.Empty(t, triggers)
}

func TestSocialProof_ZeroMinimumDisablesSuppression(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := journey.NewRedisStoreFromClient(client, "test:", 0)
	t.Cleanup(func() { _ = store.Close() })

	engine := NewEngine(store, store, Config{
		ProofMinimum:    0,
		CountdownWindow: 15 * time.Minute,
	}, nil)
	ctx := context.Background()

	_, err := store.IncrProofCounter(ctx, "views", 2)
	require.NoError(t, err)

	sess := sessionWith("researcher", journey.StageAwareness)
	triggers := engine.EvaluateTriggers(ctx, sess, sess.Stage)
	require.Len(t, triggers, 1)
	assert.Equal(t, TriggerSocialProof, triggers[0].Type)
	assert.Equal(t, int64(2), triggers[0].Data["count"])
}

func TestSocialProof_RealCounter(t *testing.T) {
	engine, store := setupScarcity(t)
	ctx := context.Background()

	_, err := store.IncrProofCounter(ctx, "views", 42)
	require.NoError(t, err)

	sess := sessionWith("researcher", journey.StageAwareness)
	triggers := engine.EvaluateTriggers(ctx, sess, sess.Stage)
	require.Len(t, triggers, 1)

	tr := triggers[0]
	assert.Equal(t, TriggerSocialProof, tr.Type)
	assert.Equal(t, "social_proof_viewers", tr.Template)
	assert.Equal(t, int64(42), tr.Data["count"], "shown count must be the real counter")
}

func TestSocialProof_PurchasesAtDecision(t *testing.T) {
	engine, store := setupScarcity(t)
	ctx := context.Background()

	_, err := store.IncrProofCounter(ctx, "purchases", 17)
	require.NoError(t, err)
	_, err = store.IncrProofCounter(ctx, "views", 500)
	require.NoError(t, err)

	sess := sessionWith("researcher", journey.StageDecision)
	triggers := engine.EvaluateTriggers(ctx, sess, sess.Stage)
	require.Len(t, triggers, 1)
	assert.Equal(t, "social_proof_purchases", triggers[0].Template)
	assert.Equal(t, int64(17), triggers[0].Data["count"])
	assert.Equal(t, 3, triggers[0].Intensity)
}

func TestTimePressure_DeadlineNeverResets(t *testing.T) {
	engine, _ := setupScarcity(t)
	ctx := context.Background()

	clock := time.Now().UTC()
	engine.now = func() time.Time { return clock }

	sess := sessionWith("bargain-hunter", journey.StageDecision)

	first := engine.EvaluateTriggers(ctx, sess, sess.Stage)
	var countdown *Trigger
	for i := range first {
		if first[i].Type == TriggerTimePressure {
			countdown = &first[i]
		}
	}
	require.NotNil(t, countdown)
	deadline := countdown.ExpiresAt

	// Re-evaluating later must return the original deadline, not a
	// fresh countdown.
	clock = clock.Add(5 * time.Minute)
	second := engine.EvaluateTriggers(ctx, sess, sess.Stage)
	for _, tr := range second {
		if tr.Type == TriggerTimePressure {
			assert.True(t, tr.ExpiresAt.Equal(deadline),
				"deadline moved from %v to %v", deadline, tr.ExpiresAt)
		}
	}

	// Once expired the trigger is suppressed entirely.
	clock = clock.Add(time.Hour)
	third := engine.EvaluateTriggers(ctx, sess, sess.Stage)
	for _, tr := range third {
		assert.NotEqual(t, TriggerTimePressure, tr.Type, "expired countdown reissued")
	}
}

func TestTimePressure_OnlyMidJourney(t *testing.T) {
	engine, _ := setupScarcity(t)
	ctx := context.Background()

	sess := sessionWith("bargain-hunter", journey.StageAwareness)
	triggers := engine.EvaluateTriggers(ctx, sess, sess.Stage)
	for _, tr := range triggers {
		assert.NotEqual(t, TriggerTimePressure, tr.Type)
	}
}

func TestExclusivity_DecisionStageOnly(t *testing.T) {
	engine, _ := setupScarcity(t)
	ctx := context.Background()

	sess := sessionWith("status-seeker", journey.StageConsideration)
	for _, tr := range engine.EvaluateTriggers(ctx, sess, sess.Stage) {
		assert.NotEqual(t, TriggerExclusivity, tr.Type)
	}

	sess = sessionWith("status-seeker", journey.StageDecision)
	triggers := engine.EvaluateTriggers(ctx, sess, sess.Stage)

	var found bool
	for _, tr := range triggers {
		if tr.Type == TriggerExclusivity {
			found = true
			assert.Equal(t, "members_only_offer", tr.Template)
			assert.Equal(t, TimingStageGated, tr.Timing)
		}
	}
	assert.True(t, found, "exclusivity should fire at decision")
}

func TestExclusivity_ReturningTemplate(t *testing.T) {
	engine, _ := setupScarcity(t)
	ctx := context.Background()

	sess := sessionWith("status-seeker", journey.StageDecision)
	sess.Path = "returning-nurture"

	triggers := engine.EvaluateTriggers(ctx, sess, sess.Stage)
	for _, tr := range triggers {
		if tr.Type == TriggerExclusivity {
			assert.Equal(t, "returning_exclusive", tr.Template)
		}
	}
}

func TestEvaluateTriggers_AtMostOnePerDimension(t *testing.T) {
	engine, store := setupScarcity(t)
	ctx := context.Background()

	_, err := store.IncrProofCounter(ctx, "purchases", 100)
	require.NoError(t, err)

	// impulse-buyer responds to social proof and time pressure; both can
	// fire at decision, exclusivity never (profile says no).
	sess := sessionWith("impulse-buyer", journey.StageDecision)
	triggers := engine.EvaluateTriggers(ctx, sess, sess.Stage)

	seen := map[TriggerType]int{}
	for _, tr := range triggers {
		seen[tr.Type]++
	}
	assert.LessOrEqual(t, len(triggers), 2)
	for typ, n := range seen {
		assert.Equal(t, 1, n, "dimension %s fired %d times", typ, n)
	}
	assert.Zero(t, seen[TriggerExclusivity])
}
