package journal

import (
	"sync"
	"time"
)

// scheduler holds at most one pending timer. Scheduling again before
// the timer fires replaces it, which gives trailing-edge debounce when
// called repeatedly.
type scheduler struct {
	mu    sync.Mutex
	timer *time.Timer
}

// Schedule runs fn after d, cancelling any previously scheduled call.
func (s *scheduler) Schedule(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, fn)
}

// Cancel stops the pending call, if any, and reports whether one was
// pending.
func (s *scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return false
	}
	stopped := s.timer.Stop()
	s.timer = nil
	return stopped
}
