package presence

import (
	"context"
	"log/slog"
	"sync"
)

// Coordinator flips a user's presence in all their contexts as the app moves
// between foreground and background. It is a plain value owned by the
// composition root, not a singleton.
//
// Surface events arrive through a LifecycleSource. A re-entrant counter
// tracks concurrently started surfaces: navigating between two overlapping
// screens goes 1→2→1 and never touches the store. Only 0→1 fires the
// foreground branch and only →0 fires the background branch.
//
// At most one propagation job is in flight; starting a new one cancels the
// previous one first, so rapid foreground/background flapping converges to
// the last requested state instead of interleaving stale writes.
type Coordinator struct {
	store  Store
	source LifecycleSource
	log    *slog.Logger

	mu         sync.Mutex
	tracking   bool
	userID     string
	directory  ContextDirectory
	foreground int // started-surface counter
	unregister func()
	cancelJob  context.CancelFunc
	jobDone    chan struct{} // closed when the current job has fully retired
}

func NewCoordinator(store Store, source LifecycleSource, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{store: store, source: source, log: log}
}

// StartTracking begins propagating presence for userID, resolving contexts
// through dir. It reads the source's actual current state rather than
// assuming backgrounded, so starting mid-session immediately marks the user
// online. Repeated calls for the same user while tracking are a no-op.
func (c *Coordinator) StartTracking(userID string, dir ContextDirectory) {
	if blank(userID) {
		return
	}
	c.mu.Lock()
	if c.tracking && c.userID == userID {
		c.mu.Unlock()
		return
	}
	if c.tracking {
		previous := c.userID
		done := c.jobDone
		c.stopLocked()
		go func() {
			if done != nil {
				<-done
			}
			if err := c.store.SetOffline(context.Background(), previous); err != nil {
				c.log.Warn("Final offline write failed", "user", previous, "error", err)
			}
		}()
	}
	c.tracking = true
	c.userID = userID
	c.directory = dir
	c.unregister = c.source.Register(c.onEvent)
	c.foreground = c.source.ActiveCount()
	if c.foreground > 0 {
		c.launchOnlineLocked()
	}
	c.mu.Unlock()
	c.log.Info("Presence tracking started", "user", userID, "foregrounded", c.source.ActiveCount() > 0)
}

// StopTracking cancels any in-flight propagation, unregisters from the
// lifecycle source, clears state and then issues a final asynchronous
// SetOffline. State is cleared before the offline write goes out, so a
// surface event racing with logout cannot re-mark the user online.
func (c *Coordinator) StopTracking() {
	c.mu.Lock()
	if !c.tracking {
		c.mu.Unlock()
		return
	}
	userID := c.userID
	done := c.jobDone
	c.stopLocked()
	c.mu.Unlock()

	go func() {
		if done != nil {
			<-done // let the cancelled job retire first
		}
		if err := c.store.SetOffline(context.Background(), userID); err != nil {
			c.log.Warn("Final offline write failed", "user", userID, "error", err)
		}
	}()
	c.log.Info("Presence tracking stopped", "user", userID)
}

// stopLocked clears all tracking state. Caller holds c.mu.
func (c *Coordinator) stopLocked() {
	if c.cancelJob != nil {
		c.cancelJob()
		c.cancelJob = nil
	}
	if c.unregister != nil {
		c.unregister()
		c.unregister = nil
	}
	c.tracking = false
	c.userID = ""
	c.directory = nil
	c.foreground = 0
}

// onEvent runs synchronously inside lifecycle callbacks and must return
// immediately; all store I/O is dispatched as a cancellable job.
func (c *Coordinator) onEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tracking {
		return
	}
	switch ev {
	case Started:
		c.foreground++
		if c.foreground == 1 {
			c.launchOnlineLocked()
		}
	case Stopped:
		if c.foreground == 0 {
			return // unbalanced stop, nothing was started
		}
		c.foreground--
		if c.foreground == 0 {
			c.launchOfflineLocked()
		}
	}
}

// launchLocked replaces the in-flight job, cancelling the previous one so
// the last requested transition wins. The new job waits for the previous one
// to retire before touching the store, so writes land in request order even
// when a cancelled job was already past its cancellation check. Caller holds
// c.mu.
func (c *Coordinator) launchLocked(run func(ctx context.Context)) {
	if c.cancelJob != nil {
		c.cancelJob()
	}
	prevDone := c.jobDone
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancelJob = cancel
	c.jobDone = done
	go func() {
		defer cancel()
		defer close(done)
		if prevDone != nil {
			<-prevDone
		}
		if ctx.Err() != nil {
			return
		}
		run(ctx)
	}()
}

func (c *Coordinator) launchOnlineLocked() {
	userID := c.userID
	dir := c.directory
	c.launchLocked(func(ctx context.Context) {
		ids, err := dir.ContextIDs(ctx, userID)
		if err != nil {
			c.log.Warn("Context lookup failed, skipping online propagation", "user", userID, "error", err)
			return
		}
		if ctx.Err() != nil {
			return // superseded while fetching contexts
		}
		if err := c.store.SetOnline(ctx, userID, ids); err != nil {
			c.log.Warn("Online propagation failed", "user", userID, "error", err)
		}
	})
}

func (c *Coordinator) launchOfflineLocked() {
	userID := c.userID
	c.launchLocked(func(ctx context.Context) {
		if err := c.store.SetOffline(ctx, userID); err != nil {
			c.log.Warn("Offline propagation failed", "user", userID, "error", err)
		}
	})
}
