package turn

import (
	"sync"
	"time"
)

// SilenceTimer is the adaptive end-of-utterance detector. Start (re)arms a
// single-shot countdown; every re-arm while running resets it, which is how
// continued partial transcripts postpone firing. AdjustDebounce tunes the
// dwell from the session's observed cancellation rate: trigger-happy
// sessions get a longer dwell, stable sessions drift back down.
type SilenceTimer struct {
	onFire func()

	mu         sync.Mutex
	timer      *time.Timer
	generation int
	armed      bool
	debounce   time.Duration
	min        time.Duration
	max        time.Duration
	threshold  float64
}

// Debounce adjustment step sizes.
const (
	debounceIncreaseStep = 100 * time.Millisecond
	debounceDecreaseStep = 50 * time.Millisecond
)

// NewSilenceTimer returns a disarmed timer with the dwell at min. onFire is
// invoked from a timer goroutine with no timer lock held, so it may call back
// into Start or Cancel.
func NewSilenceTimer(min, max time.Duration, threshold float64, onFire func()) *SilenceTimer {
	return &SilenceTimer{
		onFire:    onFire,
		debounce:  min,
		min:       min,
		max:       max,
		threshold: threshold,
	}
}

// Start arms the timer, or resets the countdown when already armed. The
// generation counter keeps a fire that raced with Cancel or a re-arm from
// being delivered.
func (s *SilenceTimer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	gen := s.generation
	s.armed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		s.fire(gen)
	})
}

// Cancel disarms the timer. Safe to call when not armed.
func (s *SilenceTimer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.armed = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Armed reports whether the timer is counting down.
func (s *SilenceTimer) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// Debounce returns the current dwell.
func (s *SilenceTimer) Debounce() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debounce
}

// SetDebounce overrides the dwell directly, clamped to [min, max]. Used by
// live settings updates.
func (s *SilenceTimer) SetDebounce(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debounce = clampDuration(d, s.min, s.max)
}

// SetThreshold overrides the cancellation-rate threshold.
func (s *SilenceTimer) SetThreshold(threshold float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = threshold
}

// AdjustDebounce updates the dwell from the observed cancellation rate:
// above the threshold the dwell grows by 100 ms up to max, otherwise it
// shrinks by 50 ms down to min.
func (s *SilenceTimer) AdjustDebounce(cancellationRate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancellationRate > s.threshold {
		s.debounce = clampDuration(s.debounce+debounceIncreaseStep, s.min, s.max)
	} else {
		s.debounce = clampDuration(s.debounce-debounceDecreaseStep, s.min, s.max)
	}
}

// fire delivers the callback unless the arm that scheduled it was superseded.
// The timer lock is released before onFire so the callback can re-arm.
func (s *SilenceTimer) fire(gen int) {
	s.mu.Lock()
	if gen != s.generation || !s.armed {
		s.mu.Unlock()
		return
	}
	s.armed = false
	s.mu.Unlock()
	s.onFire()
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
