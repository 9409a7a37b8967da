package observability

import "testing"

func TestTurnStageWindowSnapshot(t *testing.T) {
	w := newTurnStageWindow(8)
	w.Observe("turn_request_to_first_audio", 500)
	w.Observe("turn_request_to_first_audio", 700)
	w.Observe("turn_request_to_first_audio", 900)
	w.ObserveIndicator("hold_audio_started")
	w.ObserveIndicator("hold_audio_started")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "turn_request_to_first_audio" {
		t.Fatalf("Stage = %q, want %q", s.Stage, "turn_request_to_first_audio")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1200 {
		t.Fatalf("TargetP95MS = %.2f, want 1200", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Name != "hold_audio_started" {
		t.Fatalf("Indicators[0].Name = %q, want %q", snap.Indicators[0].Name, "hold_audio_started")
	}
	if snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0].Count = %d, want %d", snap.Indicators[0].Count, 2)
	}
}

func TestTurnStageWindowWrapsRing(t *testing.T) {
	w := newTurnStageWindow(4)
	for i := 0; i < 6; i++ {
		w.Observe("turn_total", float64(100*(i+1)))
	}

	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want 4", s.Samples)
	}
	if s.LastMS != 600 {
		t.Fatalf("LastMS = %.2f, want 600", s.LastMS)
	}
}

func TestTurnStageWindowReset(t *testing.T) {
	w := newTurnStageWindow(4)
	w.Observe("turn_total", 100)
	w.ObserveIndicator("barge_in")
	w.Reset()

	snap := w.Snapshot()
	if len(snap.Stages) != 0 {
		t.Fatalf("len(Stages) = %d after reset, want 0", len(snap.Stages))
	}
	if len(snap.Indicators) != 0 {
		t.Fatalf("len(Indicators) = %d after reset, want 0", len(snap.Indicators))
	}
}
