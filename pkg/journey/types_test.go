package journey

import (
	"testing"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Stage
		want     bool
	}{
		{StageAwareness, StageConsideration, true},
		{StageAwareness, StageAbandoned, true},
		{StageAwareness, StageDecision, false},
		{StageAwareness, StageConversion, false},
		{StageConsideration, StageDecision, true},
		{StageConsideration, StageAbandoned, true},
		{StageConsideration, StageAwareness, false},
		{StageDecision, StageConversion, true},
		{StageDecision, StageConsideration, true},
		{StageDecision, StageAbandoned, true},
		{StageDecision, StageAwareness, false},
		{StageConversion, StageRetention, true},
		{StageConversion, StageAbandoned, true},
		{StageConversion, StageDecision, false},
		{StageRetention, StageAwareness, false},
		{StageRetention, StageAbandoned, false},
		{StageAbandoned, StageAwareness, false},
		{StageAbandoned, StageConsideration, false},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStages(t *testing.T) {
	for _, s := range Stages {
		terminal := s == StageRetention || s == StageAbandoned
		if s.Terminal() != terminal {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), terminal)
		}
		if terminal && len(AllowedTransitions(s)) != 0 {
			t.Errorf("terminal stage %s has outgoing transitions %v", s, AllowedTransitions(s))
		}
	}
}

func TestStageValid(t *testing.T) {
	for _, s := range Stages {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Stage("checkout").Valid() {
		t.Error("unknown stage should not be valid")
	}
}

func TestNextForward(t *testing.T) {
	cases := map[Stage]Stage{
		StageAwareness:     StageConsideration,
		StageConsideration: StageDecision,
		StageDecision:      StageConversion,
		StageConversion:    StageRetention,
		StageRetention:     "",
		StageAbandoned:     "",
	}
	for from, want := range cases {
		if got := NextForward(from); got != want {
			t.Errorf("NextForward(%s) = %q, want %q", from, got, want)
		}
	}
}

func TestClampProbability(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{0.0, 0.1},
		{0.05, 0.1},
		{0.1, 0.1},
		{0.5, 0.5},
		{0.9, 0.9},
		{0.95, 0.9},
		{1.5, 0.9},
		{-1, 0.1},
	}
	for _, tc := range cases {
		if got := ClampProbability(tc.in); got != tc.want {
			t.Errorf("ClampProbability(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestAssignPath(t *testing.T) {
	cases := []struct {
		device    DeviceClass
		source    string
		returning bool
		want      string
	}{
		{DeviceMobile, "video-platform", false, "fast-track"},
		{DeviceMobile, "video-platform", true, "fast-track"},
		{DeviceDesktop, "search", false, "research-driven"},
		{DeviceMobile, "email", true, "returning-nurture"},
		{DeviceDesktop, "email", true, "returning-nurture"},
		{DeviceDesktop, "email", false, "standard"},
		{DeviceTablet, "social", false, "social-discovery"},
		{DeviceDesktop, "social", true, "social-discovery"},
		{DeviceDesktop, "video-platform", false, "standard"},
		{DeviceMobile, "search", false, "standard"},
		{DeviceTablet, "direct", false, "standard"},
	}

	for _, tc := range cases {
		got := AssignPath(tc.device, tc.source, tc.returning)
		if got != tc.want {
			t.Errorf("AssignPath(%s, %s, %v) = %q, want %q",
				tc.device, tc.source, tc.returning, got, tc.want)
		}
	}
}
