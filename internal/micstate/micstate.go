// Package micstate guards the call's audio-processing mode against redundant
// or too-frequent toggles. The model tends to issue the same toggle twice for
// a single utterance; the debounce window absorbs the second request.
package micstate

import (
	"errors"
	"fmt"
	"time"
)

type Mode string

const (
	ModeNearField Mode = "near_field"
	ModeFarField  Mode = "far_field"
)

const DebounceWindow = 2 * time.Second

var ErrInvalidMode = errors.New("invalid mic mode")

const (
	ReasonApplied    = "applied"
	ReasonAlreadySet = "already-set"
	ReasonDebounced  = "debounced"
)

// Counters tracks transitions per direction plus suppressed no-op requests.
type Counters struct {
	ToNearField int `json:"to_near_field"`
	ToFarField  int `json:"to_far_field"`
	Suppressed  int `json:"suppressed"`
	Debounced   int `json:"debounced"`
}

type Decision struct {
	Applied  bool     `json:"applied"`
	Reason   string   `json:"reason"`
	Mode     Mode     `json:"mode"`
	Counters Counters `json:"counters"`
}

// State holds the current audio-processing mode for one call. It is owned by
// that call's relay loop and needs no locking.
type State struct {
	mode         Mode
	window       time.Duration
	lastChangeAt time.Time
	counters     Counters
	apply        func(Mode)
}

// New returns a State starting in mode. The apply callback runs exactly when
// a request is accepted; nil is allowed.
func New(mode Mode, apply func(Mode)) *State {
	if mode == "" {
		mode = ModeNearField
	}
	return &State{mode: mode, window: DebounceWindow, apply: apply}
}

// SetWindow overrides the debounce window. Zero or negative keeps the default.
func (s *State) SetWindow(d time.Duration) {
	if d > 0 {
		s.window = d
	}
}

func (s *State) Mode() Mode { return s.mode }

func (s *State) CountersSnapshot() Counters { return s.counters }

// Request evaluates a mode-toggle request at time now. Decision rules, in
// order: same mode is a suppressed no-op; a request inside the debounce
// window is rejected; otherwise the change is applied.
func (s *State) Request(mode Mode, now time.Time) (Decision, error) {
	switch mode {
	case ModeNearField, ModeFarField:
	default:
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	if mode == s.mode {
		s.counters.Suppressed++
		return s.decision(false, ReasonAlreadySet), nil
	}
	if !s.lastChangeAt.IsZero() && now.Sub(s.lastChangeAt) < s.window {
		s.counters.Debounced++
		return s.decision(false, ReasonDebounced), nil
	}

	s.mode = mode
	s.lastChangeAt = now
	switch mode {
	case ModeNearField:
		s.counters.ToNearField++
	case ModeFarField:
		s.counters.ToFarField++
	}
	if s.apply != nil {
		s.apply(mode)
	}
	return s.decision(true, ReasonApplied), nil
}

func (s *State) decision(applied bool, reason string) Decision {
	return Decision{
		Applied:  applied,
		Reason:   reason,
		Mode:     s.mode,
		Counters: s.counters,
	}
}
