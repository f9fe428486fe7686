package presence

import "sync"

// Event is a UI-surface lifecycle transition.
type Event int

const (
	// Started means a surface became visible.
	Started Event = iota
	// Stopped means a surface left the screen.
	Stopped
)

// LifecycleSource delivers surface lifecycle events to registered observers
// and can report the actual current number of started surfaces, so a late
// subscriber does not have to assume a default state.
type LifecycleSource interface {
	Register(fn func(Event)) (unregister func())
	ActiveCount() int
}

// SurfaceTracker is the concrete LifecycleSource fed by the application's
// UI layer. SurfaceStarted/SurfaceStopped are called synchronously from
// lifecycle callbacks; observers must return quickly.
type SurfaceTracker struct {
	mu        sync.Mutex
	active    int
	nextID    int
	observers map[int]func(Event)
}

func NewSurfaceTracker() *SurfaceTracker {
	return &SurfaceTracker{observers: make(map[int]func(Event))}
}

func (t *SurfaceTracker) Register(fn func(Event)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.observers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

func (t *SurfaceTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *SurfaceTracker) SurfaceStarted() {
	t.notify(Started, +1)
}

func (t *SurfaceTracker) SurfaceStopped() {
	t.notify(Stopped, -1)
}

func (t *SurfaceTracker) notify(ev Event, delta int) {
	t.mu.Lock()
	t.active += delta
	if t.active < 0 {
		t.active = 0
	}
	fns := make([]func(Event), 0, len(t.observers))
	for _, fn := range t.observers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
