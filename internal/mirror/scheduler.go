package mirror

import (
	"sort"
	"sync"
	"time"
)

// Debouncer coalesces repeated triggers per key into one trailing call.
// Every Trigger restarts the key's window; fn runs once the window passes
// without another Trigger for that key. fn runs on its own goroutine.
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	fn      func(key string)
	pending map[string]*pendingCall
	stopped bool
}

type pendingCall struct {
	timer *time.Timer
}

// NewDebouncer returns a debouncer that calls fn once a key has been quiet
// for window.
func NewDebouncer(window time.Duration, fn func(key string)) *Debouncer {
	return &Debouncer{
		window:  window,
		fn:      fn,
		pending: make(map[string]*pendingCall),
	}
}

// Trigger schedules fn(key), replacing any call already pending for key.
func (d *Debouncer) Trigger(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}
	p := &pendingCall{}
	// Held lock: fire cannot observe the map before p is stored.
	p.timer = time.AfterFunc(d.window, func() { d.fire(key, p) })
	d.pending[key] = p
}

func (d *Debouncer) fire(key string, p *pendingCall) {
	d.mu.Lock()
	if d.pending[key] != p {
		// Replaced or cancelled after the timer had already fired.
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()
	d.fn(key)
}

// Cancel drops the pending call for key. Reports whether one existed.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[key]
	if ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
	return ok
}

// CancelAll drops every pending call.
func (d *Debouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, k)
	}
}

// Pending returns the keys with a scheduled call, sorted.
func (d *Debouncer) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.pending))
	for k := range d.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stop cancels everything and ignores later triggers.
func (d *Debouncer) Stop() {
	d.CancelAll()
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}
