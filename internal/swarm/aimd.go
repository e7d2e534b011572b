package swarm

import (
	"sync"
	"time"
)

// Flush window tuning. Acks faster than fastAck widen the window by
// growthStep; any rejection halves it. Adjustments are spaced at least
// settle apart so one slow chunk does not whipsaw the window.
const (
	fastAck    = 100 * time.Millisecond
	settle     = 100 * time.Millisecond
	growthStep = 5
)

// Window sizes the in-flight chunk count for remote batch flushes,
// AIMD-style: additive increase while peer acks come back quickly,
// multiplicative decrease when a peer errors out or times out. It keeps
// a fast sender from burying a receiver that is still mid-compute.
type Window struct {
	mu       sync.Mutex
	size     int
	floor    int
	ceiling  int
	adjusted time.Time
}

func NewWindow(size, floor, ceiling int) *Window {
	return &Window{
		size:     size,
		floor:    floor,
		ceiling:  ceiling,
		adjusted: time.Now(),
	}
}

// Size returns the current in-flight chunk budget.
func (w *Window) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Observe feeds one flush outcome back into the window.
func (w *Window) Observe(ack time.Duration, rejected bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if now.Sub(w.adjusted) < settle {
		return
	}

	if rejected {
		w.size /= 2
		if w.size < w.floor {
			w.size = w.floor
		}
		w.adjusted = now
		return
	}

	if ack < fastAck {
		w.size += growthStep
		if w.size > w.ceiling {
			w.size = w.ceiling
		}
		w.adjusted = now
	}
}
