package holdaudio

import (
	"testing"
	"time"
)

// manualTimer captures the armed fire func so tests drive the threshold
// timer synchronously.
type manualTimer struct {
	fire      func()
	cancelled int
}

func (m *manualTimer) start(_ time.Duration, fire func()) func() {
	m.fire = fire
	return func() { m.cancelled++ }
}

type recorder struct {
	starts int
	stops  int
}

func newMachine(t *testing.T) (*Machine, *manualTimer, *recorder, *int) {
	t.Helper()
	mt := &manualTimer{}
	rec := &recorder{}
	var firedGen int
	m := NewMachine(time.Second, mt.start, func() { rec.starts++ }, func() { rec.stops++ })
	return m, mt, rec, &firedGen
}

func arm(m *Machine, firedGen *int) {
	m.CapabilityStarted(func(gen int) { *firedGen = gen })
}

func TestCapabilityFinishesBeforeThreshold(t *testing.T) {
	m, mt, rec, firedGen := newMachine(t)

	arm(m, firedGen)
	if m.Phase() != PhaseArmed {
		t.Fatalf("Phase = %v, want armed", m.Phase())
	}
	m.CapabilityFinished()
	if m.Phase() != PhaseIdle {
		t.Fatalf("Phase = %v, want idle", m.Phase())
	}
	if mt.cancelled != 1 {
		t.Fatalf("timer cancelled %d times, want 1", mt.cancelled)
	}
	if rec.starts != 0 {
		t.Fatalf("playback started %d times, want never", rec.starts)
	}
}

func TestTimerFireStartsPlayback(t *testing.T) {
	m, mt, rec, firedGen := newMachine(t)

	arm(m, firedGen)
	mt.fire()
	m.TimerFired(*firedGen)
	if m.Phase() != PhasePlaying {
		t.Fatalf("Phase = %v, want playing", m.Phase())
	}
	if rec.starts != 1 {
		t.Fatalf("starts = %d, want 1", rec.starts)
	}

	m.CapabilityFinished()
	if m.Phase() != PhaseIdle || rec.stops != 1 {
		t.Fatalf("Phase = %v stops = %d, want idle/1", m.Phase(), rec.stops)
	}
}

func TestStaleTimerFireIgnored(t *testing.T) {
	m, mt, rec, firedGen := newMachine(t)

	arm(m, firedGen)
	m.CapabilityFinished()
	mt.fire()
	m.TimerFired(*firedGen)
	if m.Phase() != PhaseIdle || rec.starts != 0 {
		t.Fatalf("stale fire changed state: phase=%v starts=%d", m.Phase(), rec.starts)
	}
}

func TestModelAudioCancelsArmed(t *testing.T) {
	m, _, rec, firedGen := newMachine(t)

	arm(m, firedGen)
	m.ModelAudioStarted()
	if m.Phase() != PhaseIdle {
		t.Fatalf("Phase = %v, want idle", m.Phase())
	}
	if rec.starts != 0 {
		t.Fatalf("starts = %d, want 0", rec.starts)
	}
}

func TestModelAudioStopsPlaying(t *testing.T) {
	m, mt, rec, firedGen := newMachine(t)

	arm(m, firedGen)
	mt.fire()
	m.TimerFired(*firedGen)
	m.ModelAudioStarted()
	if m.Phase() != PhaseIdle || rec.stops != 1 {
		t.Fatalf("Phase = %v stops = %d, want idle/1", m.Phase(), rec.stops)
	}
}

func TestCallerSpeechSuspendsWhilePending(t *testing.T) {
	m, mt, rec, firedGen := newMachine(t)

	arm(m, firedGen)
	mt.fire()
	m.TimerFired(*firedGen)

	m.CallerSpeechStarted()
	if m.Phase() != PhaseSuspended {
		t.Fatalf("Phase = %v, want suspended", m.Phase())
	}
	if rec.stops != 1 {
		t.Fatalf("stops = %d, want 1", rec.stops)
	}

	m.CallerSpeechEnded()
	if m.Phase() != PhasePlaying {
		t.Fatalf("Phase = %v, want playing resumed", m.Phase())
	}
	if rec.starts != 2 {
		t.Fatalf("starts = %d, want 2", rec.starts)
	}
}

func TestSuspendedCapabilityCompletes(t *testing.T) {
	m, mt, _, firedGen := newMachine(t)

	arm(m, firedGen)
	mt.fire()
	m.TimerFired(*firedGen)
	m.CallerSpeechStarted()
	m.CapabilityFinished()
	if m.Phase() != PhaseIdle {
		t.Fatalf("Phase = %v, want idle", m.Phase())
	}
	m.CallerSpeechEnded()
	if m.Phase() != PhaseIdle {
		t.Fatalf("Phase = %v, want idle after speech end with no pending capability", m.Phase())
	}
}

func TestSpeechActiveAtFireSuppressesPlayback(t *testing.T) {
	m, mt, rec, firedGen := newMachine(t)

	arm(m, firedGen)
	m.CallerSpeechStarted()
	if m.Phase() != PhaseIdle {
		t.Fatalf("Phase = %v, want idle (armed cancelled by speech)", m.Phase())
	}
	mt.fire()
	m.TimerFired(*firedGen)
	if rec.starts != 0 {
		t.Fatalf("starts = %d, want 0", rec.starts)
	}
}

func TestResetStopsPlayback(t *testing.T) {
	m, mt, rec, firedGen := newMachine(t)

	arm(m, firedGen)
	mt.fire()
	m.TimerFired(*firedGen)
	m.Reset()
	if m.Phase() != PhaseIdle || rec.stops != 1 {
		t.Fatalf("Phase = %v stops = %d, want idle/1", m.Phase(), rec.stops)
	}
}
