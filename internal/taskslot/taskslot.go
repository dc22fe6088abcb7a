// Package taskslot holds at most one pending task. Submitting while a task
// is pending replaces it, so a burst of requests collapses to the latest.
package taskslot

import "sync"

// Task is a unit of deferred work.
type Task func()

// Slot is a single-entry, last-submitted-wins task holder. Neither Submit
// nor Take ever blocks.
type Slot struct {
	mu      sync.Mutex
	task    Task
	evicted int64
}

// Submit stores task, discarding any pending task without running it.
// It reports whether a pending task was discarded.
func (s *Slot) Submit(task Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := s.task != nil
	if evicted {
		s.evicted++
	}
	s.task = task
	return evicted
}

// Take removes and returns the pending task, if any.
func (s *Slot) Take() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.task
	s.task = nil
	return t, t != nil
}

// RunPending takes the pending task and runs it on the calling goroutine.
// It reports whether a task ran.
func (s *Slot) RunPending() bool {
	t, ok := s.Take()
	if !ok {
		return false
	}
	t()
	return true
}

// Pending reports whether a task is waiting.
func (s *Slot) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task != nil
}

// Evicted returns how many tasks were discarded by later submissions.
func (s *Slot) Evicted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}
