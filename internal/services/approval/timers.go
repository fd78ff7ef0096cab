package approval

import (
	"sync"
	"time"

	"github.com/huangang/repoflow/internal/clock"
)

// timerKey identifies the deadline a timer enforces.
type timerKey struct {
	requestID string
	step      int
	level     int
}

type timerEntry struct {
	key   timerKey
	gen   uint64
	timer clock.Timer
}

// timerSet holds at most one pending deadline timer per request. Each timer
// carries a generation; a firing timer whose generation is no longer current
// was cancelled or replaced and must not act.
type timerSet struct {
	clk     clock.Clock
	mu      sync.Mutex
	nextGen uint64
	entries map[string]timerEntry
}

func newTimerSet(clk clock.Clock) *timerSet {
	return &timerSet{clk: clk, entries: make(map[string]timerEntry)}
}

// schedule replaces any timer of the request with one firing after d.
func (s *timerSet) schedule(key timerKey, d time.Duration, fire func(key timerKey, gen uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[key.requestID]; ok {
		old.timer.Stop()
	}
	s.nextGen++
	gen := s.nextGen
	// A timer that fires at once blocks in current() until the entry exists.
	t := s.clk.AfterFunc(d, func() { fire(key, gen) })
	s.entries[key.requestID] = timerEntry{key: key, gen: gen, timer: t}
}

// current reports whether gen is still the live timer for key.
func (s *timerSet) current(key timerKey, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key.requestID]
	return ok && e.gen == gen && e.key == key
}

// release forgets a timer that has fired, if it is still the live one.
func (s *timerSet) release(key timerKey, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key.requestID]; ok && e.gen == gen {
		delete(s.entries, key.requestID)
	}
}

// cancel stops the pending timer of a request.
func (s *timerSet) cancel(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[requestID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, requestID)
	return true
}

func (s *timerSet) has(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[requestID]
	return ok
}

func (s *timerSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// stopAll cancels every timer, used on shutdown.
func (s *timerSet) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
}
