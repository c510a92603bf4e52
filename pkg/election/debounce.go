package election

import (
	"sync"
	"time"
)

// Debouncer runs fn once, delay after the most recent Trigger.
// Each Trigger cancels the pending run; a generation counter discards a
// timer that fired while being replaced.
type Debouncer struct {
	delay time.Duration
	fn    func()

	mutex      sync.Mutex
	timer      *time.Timer
	generation uint64
	stopped    bool
}

// NewDebouncer cria um agendador cancelável para fn
func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{delay: delay, fn: fn}
}

// Trigger (re)schedules fn to run delay from now.
func (d *Debouncer) Trigger() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.generation++
	gen := d.generation
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

// Stop cancels the pending run and ignores every later Trigger.
func (d *Debouncer) Stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.stopped = true
	d.cancelLocked()
}

// Pending reports whether a run is scheduled.
func (d *Debouncer) Pending() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.timer != nil
}

func (d *Debouncer) cancelLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.generation++
}

func (d *Debouncer) fire(gen uint64) {
	d.mutex.Lock()
	if gen != d.generation || d.stopped {
		d.mutex.Unlock()
		return
	}
	d.timer = nil
	d.mutex.Unlock()

	d.fn()
}
