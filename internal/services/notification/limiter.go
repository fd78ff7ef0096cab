package notification

import (
	"sync"
	"time"

	"github.com/huangang/repoflow/internal/clock"
)

// ChannelLimiter caps deliveries per channel over a sliding window. Channels
// without a configured limit are never throttled.
type ChannelLimiter struct {
	clk clock.Clock

	mu      sync.Mutex
	windows map[string]*slidingWindow
}

// slidingWindow keeps the times of the deliveries still inside the window,
// oldest first.
type slidingWindow struct {
	limit int
	span  time.Duration
	sent  []time.Time
}

func NewChannelLimiter(clk clock.Clock) *ChannelLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &ChannelLimiter{
		clk:     clk,
		windows: make(map[string]*slidingWindow),
	}
}

// SetLimit allows n deliveries per window on channel. n <= 0 removes the limit.
// Deliveries already counted stay counted under the new limit.
func (l *ChannelLimiter) SetLimit(channel string, n int, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || window <= 0 {
		delete(l.windows, channel)
		return
	}
	w := &slidingWindow{limit: n, span: window}
	if old := l.windows[channel]; old != nil {
		w.sent = old.sent
	}
	l.windows[channel] = w
}

// Allow counts one delivery on channel if the last window has room. When it
// is full it reports how long until a slot frees up, without counting.
func (l *ChannelLimiter) Allow(channel string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[channel]
	if w == nil {
		return true, 0
	}

	now := l.clk.Now()
	w.evict(now)
	if len(w.sent) < w.limit {
		w.sent = append(w.sent, now)
		return true, 0
	}
	// A slot frees up once the count drops below limit.
	return false, w.sent[len(w.sent)-w.limit].Add(w.span).Sub(now)
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.sent) && !w.sent[i].After(cutoff) {
		i++
	}
	w.sent = w.sent[i:]
}
