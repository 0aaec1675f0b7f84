package relay

import (
	"sync"
	"time"
)

const (
	// RateWindow is the sliding window both limits are measured over.
	RateWindow = time.Minute
	// MaxMessagesPerWindow caps total inbound messages per connection.
	MaxMessagesPerWindow = 240
	// MaxChatPerWindow caps chat messages per connection.
	MaxChatPerWindow = 20
)

// rateWindow is a sliding-window counter. Timestamps older than the
// window are pruned on every check.
type rateWindow struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	stamps []time.Time
}

func newRateWindow(limit int, window time.Duration) *rateWindow {
	return &rateWindow{limit: limit, window: window}
}

// allow records one event at now and reports whether it fits the
// window. Rejected events are not recorded.
func (w *rateWindow) allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	keep := w.stamps[:0]
	for _, t := range w.stamps {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	w.stamps = keep

	if len(w.stamps) >= w.limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}
