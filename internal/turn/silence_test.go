package turn

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSilenceTimer_FiresOnceAfterDwell(t *testing.T) {
	t.Parallel()

	var fires atomic.Int32
	s := NewSilenceTimer(20*time.Millisecond, 100*time.Millisecond, 0.3, func() {
		fires.Add(1)
	})
	s.Start()

	time.Sleep(80 * time.Millisecond)
	if got := fires.Load(); got != 1 {
		t.Errorf("fires: want 1, got %d", got)
	}
	if s.Armed() {
		t.Error("timer still armed after fire")
	}
}

func TestSilenceTimer_RestartPostponesFire(t *testing.T) {
	t.Parallel()

	var fires atomic.Int32
	s := NewSilenceTimer(60*time.Millisecond, 200*time.Millisecond, 0.3, func() {
		fires.Add(1)
	})
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Start()
	time.Sleep(30 * time.Millisecond)

	// 60 ms have passed since the first arm, but only 30 since the re-arm.
	if got := fires.Load(); got != 0 {
		t.Fatalf("fires before dwell since re-arm: want 0, got %d", got)
	}
	time.Sleep(60 * time.Millisecond)
	if got := fires.Load(); got != 1 {
		t.Errorf("fires: want 1, got %d", got)
	}
}

func TestSilenceTimer_CancelDisarms(t *testing.T) {
	t.Parallel()

	var fires atomic.Int32
	s := NewSilenceTimer(20*time.Millisecond, 100*time.Millisecond, 0.3, func() {
		fires.Add(1)
	})
	s.Start()
	s.Cancel()

	time.Sleep(60 * time.Millisecond)
	if got := fires.Load(); got != 0 {
		t.Errorf("fires after cancel: want 0, got %d", got)
	}
}

func TestSilenceTimer_AdjustDebounce(t *testing.T) {
	t.Parallel()

	min := 400 * time.Millisecond
	max := 1200 * time.Millisecond
	s := NewSilenceTimer(min, max, 0.3, func() {})

	// High cancellation rate grows the dwell by 100 ms per update, capped.
	for i := 0; i < 20; i++ {
		s.AdjustDebounce(0.4)
		if d := s.Debounce(); d < min || d > max {
			t.Fatalf("debounce out of bounds: %v", d)
		}
	}
	if got := s.Debounce(); got != max {
		t.Errorf("debounce after sustained cancellations: want %v, got %v", max, got)
	}

	// Low rate shrinks it by 50 ms per update, floored.
	for i := 0; i < 40; i++ {
		s.AdjustDebounce(0.1)
	}
	if got := s.Debounce(); got != min {
		t.Errorf("debounce after calm stretch: want %v, got %v", min, got)
	}
}

func TestSilenceTimer_SetDebounceClamps(t *testing.T) {
	t.Parallel()

	s := NewSilenceTimer(400*time.Millisecond, 1200*time.Millisecond, 0.3, func() {})
	s.SetDebounce(5 * time.Second)
	if got := s.Debounce(); got != 1200*time.Millisecond {
		t.Errorf("SetDebounce above max: got %v", got)
	}
	s.SetDebounce(0)
	if got := s.Debounce(); got != 400*time.Millisecond {
		t.Errorf("SetDebounce below min: got %v", got)
	}
}
