// Package journey maintains per-visitor journey state: sessions, their
// append-only touchpoint logs, and the stage machine that moves sessions
// from first contact through conversion. All mutation of a session's stage
// and conversion probability goes through the Machine; other components
// read sessions but never write them.
package journey

import (
	"time"
)

// Stage is a position in the customer journey.
type Stage string

const (
	StageAwareness     Stage = "awareness"
	StageConsideration Stage = "consideration"
	StageDecision      Stage = "decision"
	StageConversion    Stage = "conversion"
	StageRetention     Stage = "retention"
	// StageAbandoned is terminal. Sessions land here via the idle sweep,
	// never via a live client event.
	StageAbandoned Stage = "abandoned"
)

// Stages lists every stage in journey order, terminals last.
var Stages = []Stage{
	StageAwareness,
	StageConsideration,
	StageDecision,
	StageConversion,
	StageRetention,
	StageAbandoned,
}

// Terminal reports whether no further transitions leave this stage.
func (s Stage) Terminal() bool {
	return s == StageRetention || s == StageAbandoned
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if s == st {
			return true
		}
	}
	return false
}

// TouchpointType classifies a recorded interaction.
type TouchpointType string

const (
	TouchpointPageView        TouchpointType = "page_view"
	TouchpointInteraction     TouchpointType = "interaction"
	TouchpointExitIntent      TouchpointType = "exit_intent"
	TouchpointConversion      TouchpointType = "conversion"
	TouchpointStageTransition TouchpointType = "stage_transition"
)

// DeviceClass is the broad device category a session runs on.
type DeviceClass string

const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceDesktop DeviceClass = "desktop"
	DeviceTablet  DeviceClass = "tablet"
)

// Persona is the inferred visitor profile attached at session start.
type Persona struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Device describes the client surface a session originates from.
type Device struct {
	Class       DeviceClass `json:"class"`
	Fingerprint string      `json:"fingerprint,omitempty"`
}

// EntryPoint captures where a session came from.
type EntryPoint struct {
	Source   string `json:"source"`
	Campaign string `json:"campaign,omitempty"`
}

// Session is one browsing session's journey state.
//
// Stage and ConversionProbability are owned exclusively by the Machine.
// Version supports optimistic concurrency on updates: every successful
// write increments it, and writers must present the version they read.
type Session struct {
	ID        string     `json:"id"`
	VisitorID string     `json:"visitorId,omitempty"`
	Persona   Persona    `json:"persona"`
	Device    Device     `json:"device"`
	Entry     EntryPoint `json:"entry"`
	Returning bool       `json:"returning"`

	Stage Stage `json:"stage"`
	// ConversionProbability stays within [0.1, 0.9]; the engine is never
	// fully certain either way.
	ConversionProbability float64 `json:"conversionProbability"`
	// TouchpointCount is the sequence number of the last applied
	// touchpoint. Touchpoint sequences are gapless, so this doubles as
	// the high-water mark for ordering checks.
	TouchpointCount int64  `json:"touchpointCount"`
	Path            string `json:"path"`

	Version        int64     `json:"version"`
	StartedAt      time.Time `json:"startedAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	StageEnteredAt time.Time `json:"stageEnteredAt"`
	EndedAt        time.Time `json:"endedAt,omitempty"`
	Archived       bool      `json:"archived,omitempty"`
}

// Touchpoint is one observed interaction. Immutable once recorded.
type Touchpoint struct {
	SessionID string         `json:"sessionId"`
	Seq       int64          `json:"seq"`
	Type      TouchpointType `json:"type"`
	// Engagement is a normalized score in [0, 1].
	Engagement  float64        `json:"engagement"`
	Duration    time.Duration  `json:"duration"`
	ScrollDepth float64        `json:"scrollDepth"`
	Payload     map[string]any `json:"payload,omitempty"`
	RecordedAt  time.Time      `json:"recordedAt"`
}

// Conversion is a monetizable outcome tied to a session. Append-only.
type Conversion struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	Type        string         `json:"type"`
	Value       float64        `json:"value"`
	Currency    string         `json:"currency"`
	Attribution map[string]any `json:"attribution,omitempty"`
	OccurredAt  time.Time      `json:"occurredAt"`
}

// transitions is the stage transition table. decision -> consideration is
// the one backward edge (reconsideration); abandoned is reachable from
// every non-terminal stage.
var transitions = map[Stage][]Stage{
	StageAwareness:     {StageConsideration, StageAbandoned},
	StageConsideration: {StageDecision, StageAbandoned},
	StageDecision:      {StageConversion, StageConsideration, StageAbandoned},
	StageConversion:    {StageRetention, StageAbandoned},
	StageRetention:     {},
	StageAbandoned:     {},
}

// CanTransition reports whether to is reachable from from in one step.
func CanTransition(from, to Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the stages reachable from s.
func AllowedTransitions(s Stage) []Stage {
	out := make([]Stage, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// NextForward returns the next stage on the common forward path, or "" if
// s has no forward successor.
func NextForward(s Stage) Stage {
	switch s {
	case StageAwareness:
		return StageConsideration
	case StageConsideration:
		return StageDecision
	case StageDecision:
		return StageConversion
	case StageConversion:
		return StageRetention
	}
	return ""
}

// ClampProbability bounds p to the engine's certainty window [0.1, 0.9].
func ClampProbability(p float64) float64 {
	if p < 0.1 {
		return 0.1
	}
	if p > 0.9 {
		return 0.9
	}
	return p
}
