package orchestrator

import (
	"sync"
	"time"

	"github.com/dmitrijs2005/apptsync/internal/models"
)

// debouncer coalesces rapid calls per entity key into one call after the
// window has passed without another call.
type debouncer struct {
	mutex    sync.Mutex
	timers   map[models.Key]*time.Timer
	duration time.Duration
}

func newDebouncer(duration time.Duration) *debouncer {
	return &debouncer{
		timers:   make(map[models.Key]*time.Timer),
		duration: duration,
	}
}

// Debounce runs fn once the window for key has passed. A non-positive window
// runs fn right away on its own goroutine.
func (d *debouncer) Debounce(key models.Key, fn func()) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if timer, exists := d.timers[key]; exists {
		timer.Stop()
		delete(d.timers, key)
	}

	if d.duration <= 0 {
		go fn()
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(d.duration, func() {
		d.mutex.Lock()
		if d.timers[key] == timer {
			delete(d.timers, key)
		}
		d.mutex.Unlock()
		fn()
	})
	d.timers[key] = timer
}

// Cancel drops a pending call for key.
func (d *debouncer) Cancel(key models.Key) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if timer, exists := d.timers[key]; exists {
		timer.Stop()
		delete(d.timers, key)
	}
}

// Pending reports how many keys are waiting for their window to pass.
func (d *debouncer) Pending() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.timers)
}

// Clear cancels every pending call.
func (d *debouncer) Clear() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for key, timer := range d.timers {
		timer.Stop()
		delete(d.timers, key)
	}
}
