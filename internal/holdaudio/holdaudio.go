// Package holdaudio decides when filler audio plays into the call while a
// capability executes. Hold audio must never play over the model's real voice
// or over the caller, but a long-running capability should still feel
// attended-to across a brief interruption.
package holdaudio

import "time"

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseArmed     Phase = "armed"
	PhasePlaying   Phase = "playing"
	PhaseSuspended Phase = "suspended"
)

// StartTimer schedules fire after d and returns a cancel func. Production
// code passes an adapter over time.AfterFunc; tests drive fire directly.
type StartTimer func(d time.Duration, fire func()) (cancel func())

// AfterFuncTimer is the production StartTimer.
func AfterFuncTimer(d time.Duration, fire func()) (cancel func()) {
	t := time.AfterFunc(d, fire)
	return func() { t.Stop() }
}

// Machine is a single-call hold-audio state machine. It is not safe for
// concurrent use; the owning relay loop serializes all inputs, including the
// timer fire, which the relay re-enters through TimerFired.
type Machine struct {
	threshold   time.Duration
	startTimer  StartTimer
	onStart     func()
	onStop      func()
	phase       Phase
	cancelTimer func()
	timerGen    int

	pendingCapability bool
	speechActive      bool
}

func NewMachine(threshold time.Duration, startTimer StartTimer, onStart, onStop func()) *Machine {
	if threshold <= 0 {
		threshold = 1500 * time.Millisecond
	}
	if startTimer == nil {
		startTimer = AfterFuncTimer
	}
	return &Machine{
		threshold:  threshold,
		startTimer: startTimer,
		onStart:    onStart,
		onStop:     onStop,
		phase:      PhaseIdle,
	}
}

func (m *Machine) Phase() Phase { return m.phase }

// CapabilityStarted arms the start-threshold timer. A capability beginning
// while another is outstanding re-arms from idle only.
func (m *Machine) CapabilityStarted(fire func(gen int)) {
	m.pendingCapability = true
	if m.phase != PhaseIdle {
		return
	}
	m.phase = PhaseArmed
	m.timerGen++
	gen := m.timerGen
	m.cancelTimer = m.startTimer(m.threshold, func() { fire(gen) })
}

// TimerFired is re-entered by the relay loop when the armed timer fires. The
// generation guards against a stale fire racing a cancel.
func (m *Machine) TimerFired(gen int) {
	if m.phase != PhaseArmed || gen != m.timerGen {
		return
	}
	m.cancelTimer = nil
	if !m.pendingCapability || m.speechActive {
		m.phase = PhaseIdle
		return
	}
	m.phase = PhasePlaying
	if m.onStart != nil {
		m.onStart()
	}
}

func (m *Machine) CapabilityFinished() {
	m.pendingCapability = false
	switch m.phase {
	case PhaseArmed:
		m.stopTimer()
		m.phase = PhaseIdle
	case PhasePlaying:
		m.phase = PhaseIdle
		if m.onStop != nil {
			m.onStop()
		}
	case PhaseSuspended:
		m.phase = PhaseIdle
	}
}

// ModelAudioStarted stops hold audio unconditionally: the model's real voice
// always wins.
func (m *Machine) ModelAudioStarted() {
	switch m.phase {
	case PhaseArmed:
		m.stopTimer()
		m.phase = PhaseIdle
	case PhasePlaying:
		m.phase = PhaseIdle
		if m.onStop != nil {
			m.onStop()
		}
	case PhaseSuspended:
		m.phase = PhaseIdle
	}
}

// CallerSpeechStarted stops playback. If a capability is still pending the
// resume intent is recorded so playback comes back once the caller finishes.
func (m *Machine) CallerSpeechStarted() {
	m.speechActive = true
	switch m.phase {
	case PhaseArmed:
		m.stopTimer()
		m.phase = PhaseIdle
	case PhasePlaying:
		if m.pendingCapability {
			m.phase = PhaseSuspended
		} else {
			m.phase = PhaseIdle
		}
		if m.onStop != nil {
			m.onStop()
		}
	}
}

func (m *Machine) CallerSpeechEnded() {
	m.speechActive = false
	if m.phase == PhaseSuspended && m.pendingCapability {
		m.phase = PhasePlaying
		if m.onStart != nil {
			m.onStart()
		}
	}
}

// Reset tears the machine down on call end.
func (m *Machine) Reset() {
	m.stopTimer()
	if m.phase == PhasePlaying && m.onStop != nil {
		m.onStop()
	}
	m.phase = PhaseIdle
	m.pendingCapability = false
	m.speechActive = false
}

func (m *Machine) stopTimer() {
	if m.cancelTimer != nil {
		m.cancelTimer()
		m.cancelTimer = nil
	}
	m.timerGen++
}
