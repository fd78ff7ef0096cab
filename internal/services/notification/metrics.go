package notification

import (
	"sync"
	"time"
)

type ChannelMetrics struct {
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Pending   int64 `json:"pending"`
	Skipped   int64 `json:"skipped"`
	Cancelled int64 `json:"cancelled"`
}

// Metrics summarizes deliveries since the dispatcher started.
type Metrics struct {
	TotalSent         int64                     `json:"total_sent"`
	TotalFailed       int64                     `json:"total_failed"`
	TotalPending      int64                     `json:"total_pending"`
	TotalSkipped      int64                     `json:"total_skipped"`
	TotalCancelled    int64                     `json:"total_cancelled"`
	AverageDeliveryMs float64                   `json:"average_delivery_ms"`
	SuccessRate       float64                   `json:"success_rate"`
	Channels          map[string]ChannelMetrics `json:"channels"`
}

type recorder struct {
	mu            sync.Mutex
	channels      map[string]*ChannelMetrics
	deliveryTotal time.Duration
}

func newRecorder() *recorder {
	return &recorder{channels: make(map[string]*ChannelMetrics)}
}

func (r *recorder) channel(name string) *ChannelMetrics {
	m, ok := r.channels[name]
	if !ok {
		m = &ChannelMetrics{}
		r.channels[name] = m
	}
	return m
}

// settle moves one chain out of pending. Chains created by an earlier
// process are not in the counter.
func settle(m *ChannelMetrics) {
	if m.Pending > 0 {
		m.Pending--
	}
}

func (r *recorder) queued(channel string) {
	r.mu.Lock()
	r.channel(channel).Pending++
	r.mu.Unlock()
}

func (r *recorder) skipped(channel string) {
	r.mu.Lock()
	r.channel(channel).Skipped++
	r.mu.Unlock()
}

func (r *recorder) sent(channel string, took time.Duration) {
	r.mu.Lock()
	m := r.channel(channel)
	m.Sent++
	settle(m)
	r.deliveryTotal += took
	r.mu.Unlock()
}

func (r *recorder) failed(channel string) {
	r.mu.Lock()
	m := r.channel(channel)
	m.Failed++
	settle(m)
	r.mu.Unlock()
}

func (r *recorder) cancelled(channel string) {
	r.mu.Lock()
	m := r.channel(channel)
	m.Cancelled++
	settle(m)
	r.mu.Unlock()
}

func (r *recorder) snapshot() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Metrics{Channels: make(map[string]ChannelMetrics, len(r.channels))}
	for name, m := range r.channels {
		out.Channels[name] = *m
		out.TotalSent += m.Sent
		out.TotalFailed += m.Failed
		out.TotalPending += m.Pending
		out.TotalSkipped += m.Skipped
		out.TotalCancelled += m.Cancelled
	}
	if out.TotalSent > 0 {
		out.AverageDeliveryMs = float64(r.deliveryTotal.Milliseconds()) / float64(out.TotalSent)
	}
	if done := out.TotalSent + out.TotalFailed; done > 0 {
		out.SuccessRate = float64(out.TotalSent) / float64(done)
	}
	return out
}
