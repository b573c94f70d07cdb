package recorder

import (
	"slices"
	"sync"
)

// Fixed monitor policy.
const (
	// WindowSize is the number of most recent segments kept for the live manifest.
	WindowSize = 3
	// SignEvery is the number of productive monitor ticks between signatures.
	SignEvery = 3
	// WatchdogMisses is the number of consecutive empty ticks that force a stop.
	WatchdogMisses = 12
)

// window is the state shared between the monitor and readers of the live
// manifest. All fields are guarded by mu, which is never held across I/O.
type window struct {
	mu        sync.Mutex
	segments  []int
	lastKnown int
	signCount int
	misses    int
}

func newWindow(start int) *window {
	return &window{lastKnown: start - 1}
}

// reset empties the window and resumes discovery at start.
func (w *window) reset(start int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.segments = nil
	w.lastKnown = start - 1
	w.signCount = 0
	w.misses = 0
}

// next returns the first segment number not yet discovered.
func (w *window) next() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastKnown + 1
}

// tickResult describes what a monitor tick should do after updating the window.
type tickResult struct {
	sign      bool
	signIndex int
	misses    int
}

// record applies one monitor tick. found holds the segments discovered this
// tick in ascending order and may be empty.
func (w *window) record(found []int) tickResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(found) == 0 {
		w.misses++
		return tickResult{misses: w.misses}
	}

	for _, n := range found {
		if n <= w.lastKnown {
			continue
		}
		w.segments = append(w.segments, n)
		if len(w.segments) > WindowSize {
			w.segments = w.segments[len(w.segments)-WindowSize:]
		}
		w.lastKnown = n
	}
	w.misses = 0

	w.signCount++
	if w.signCount < SignEvery {
		return tickResult{}
	}
	w.signCount = 0
	return tickResult{sign: true, signIndex: w.lastKnown}
}

// snapshot returns a copy of the window, oldest first.
func (w *window) snapshot() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.segments)
}
