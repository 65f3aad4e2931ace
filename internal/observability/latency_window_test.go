package observability

import (
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe(StageOpenToFirstAudio, 500*time.Millisecond)
	w.Observe(StageOpenToFirstAudio, 700*time.Millisecond)
	w.Observe(StageOpenToFirstAudio, 900*time.Millisecond)

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageOpenToFirstAudio {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageOpenToFirstAudio)
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
	if s.TargetP95MS != 1400 {
		t.Fatalf("TargetP95MS = %.2f, want 1400", s.TargetP95MS)
	}
}

func TestLatencyWindowWraps(t *testing.T) {
	w := NewLatencyWindow(4)
	for i := 0; i < 10; i++ {
		w.Observe(StageTurnTotal, time.Duration(i)*time.Second)
	}
	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	if got := snap.Stages[0].Samples; got != 4 {
		t.Fatalf("Samples = %d, want 4 (window size)", got)
	}
	if got := snap.Stages[0].LastMS; got != 9000 {
		t.Fatalf("LastMS = %.2f, want 9000", got)
	}
}
