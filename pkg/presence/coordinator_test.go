package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore wraps LocalStore and records how many propagation calls the
// coordinator issued.
type countingStore struct {
	*LocalStore
	mu       sync.Mutex
	onlines  int
	offlines int
}

func newCountingStore() *countingStore {
	return &countingStore{LocalStore: NewLocalStore()}
}

func (s *countingStore) SetOnline(ctx context.Context, userID string, contextIDs []string) error {
	s.mu.Lock()
	s.onlines++
	s.mu.Unlock()
	return s.LocalStore.SetOnline(ctx, userID, contextIDs)
}

func (s *countingStore) SetOffline(ctx context.Context, userID string) error {
	s.mu.Lock()
	s.offlines++
	s.mu.Unlock()
	return s.LocalStore.SetOffline(ctx, userID)
}

func (s *countingStore) counts() (onlines, offlines int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlines, s.offlines
}

func staticDirectory(ids ...string) ContextDirectory {
	return DirectoryFunc(func(ctx context.Context, userID string) ([]string, error) {
		return ids, nil
	})
}

func online(s *countingStore, contextID, userID string) bool {
	return s.Entries(contextID)[userID].Online
}

func TestCoordinator_ForegroundMarksOnline(t *testing.T) {
	store := newCountingStore()
	tracker := NewSurfaceTracker()
	c := NewCoordinator(store, tracker, nil)

	c.StartTracking("u1", staticDirectory("g1", "g2"))
	tracker.SurfaceStarted()

	require.Eventually(t, func() bool {
		return online(store, "g1", "u1") && online(store, "g2", "u1")
	}, 3*time.Second, 5*time.Millisecond)
}

func TestCoordinator_StartWhileAlreadyForegrounded(t *testing.T) {
	store := newCountingStore()
	tracker := NewSurfaceTracker()
	tracker.SurfaceStarted() // app already visible before tracking begins
	c := NewCoordinator(store, tracker, nil)

	c.StartTracking("u1", staticDirectory("g1"))

	require.Eventually(t, func() bool {
		return online(store, "g1", "u1")
	}, 3*time.Second, 5*time.Millisecond)
}

func TestCoordinator_BackgroundMarksOffline(t *testing.T) {
	store := newCountingStore()
	tracker := NewSurfaceTracker()
	c := NewCoordinator(store, tracker, nil)

	c.StartTracking("u1", staticDirectory("g1"))
	tracker.SurfaceStarted()
	require.Eventually(t, func() bool {
		return online(store, "g1", "u1")
	}, 3*time.Second, 5*time.Millisecond)

	tracker.SurfaceStopped()
	require.Eventually(t, func() bool {
		return !online(store, "g1", "u1")
	}, 3*time.Second, 5*time.Millisecond)
}

func TestCoordinator_ReentrantSurfacesDoNotToggle(t *testing.T) {
	store := newCountingStore()
	tracker := NewSurfaceTracker()
	c := NewCoordinator(store, tracker, nil)

	c.StartTracking("u1", staticDirectory("g1"))
	tracker.SurfaceStarted()
	require.Eventually(t, func() bool {
		return online(store, "g1", "u1")
	}, 3*time.Second, 5*time.Millisecond)

	// Navigation overlap: second screen starts before the first stops.
	tracker.SurfaceStarted()
	tracker.SurfaceStopped()

	time.Sleep(50 * time.Millisecond)
	assert.True(t, online(store, "g1", "u1"), "user must stay online through navigation")
	_, offlines := store.counts()
	assert.Zero(t, offlines, "no offline propagation while a surface is still started")
}

func TestCoordinator_StartTrackingIdempotent(t *testing.T) {
	store := newCountingStore()
	tracker := NewSurfaceTracker()
	tracker.SurfaceStarted()
	c := NewCoordinator(store, tracker, nil)

	c.StartTracking("u1", staticDirectory("g1"))
	require.Eventually(t, func() bool {
		return online(store, "g1", "u1")
	}, 3*time.Second, 5*time.Millisecond)

	c.StartTracking("u1", staticDirectory("g1"))
	time.Sleep(50 * time.Millisecond)

	onlines, _ := store.counts()
	assert.Equal(t, 1, onlines, "repeated StartTracking for the same user must not re-propagate")
}

func TestCoordinator_StopTrackingIssuesFinalOffline(t *testing.T) {
	store := newCountingStore()
	tracker := NewSurfaceTracker()
	c := NewCoordinator(store, tracker, nil)

	c.StartTracking("u1", staticDirectory("g1"))
	tracker.SurfaceStarted()
	require.Eventually(t, func() bool {
		return online(store, "g1", "u1")
	}, 3*time.Second, 5*time.Millisecond)

	c.StopTracking()
	require.Eventually(t, func() bool {
		return !online(store, "g1", "u1")
	}, 3*time.Second, 5*time.Millisecond)

	// Tracking is over: surface events must be ignored now.
	tracker.SurfaceStarted()
	time.Sleep(50 * time.Millisecond)
	assert.False(t, online(store, "g1", "u1"), "event after StopTracking re-marked the user online")
}

func TestCoordinator_StopDuringPropagationLeavesOffline(t *testing.T) {
	store := newCountingStore()
	tracker := NewSurfaceTracker()
	tracker.SurfaceStarted()
	c := NewCoordinator(store, tracker, nil)

	release := make(chan struct{})
	slowDir := DirectoryFunc(func(ctx context.Context, userID string) ([]string, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return []string{"g1"}, nil
		}
	})

	c.StartTracking("u1", slowDir)
	c.StopTracking() // before the context fetch completes
	close(release)

	require.Eventually(t, func() bool {
		_, offlines := store.counts()
		return offlines > 0
	}, 3*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	onlines, _ := store.counts()
	assert.Zero(t, onlines, "cancelled online propagation must not reach the store")
	assert.False(t, online(store, "g1", "u1"), "last intent was offline")
}

func TestCoordinator_FlappingConvergesToLastState(t *testing.T) {
	store := newCountingStore()
	tracker := NewSurfaceTracker()
	c := NewCoordinator(store, tracker, nil)

	c.StartTracking("u1", staticDirectory("g1"))
	for i := 0; i < 5; i++ {
		tracker.SurfaceStarted()
		tracker.SurfaceStopped()
	}
	tracker.SurfaceStarted()

	require.Eventually(t, func() bool {
		return online(store, "g1", "u1")
	}, 3*time.Second, 5*time.Millisecond)
}

func TestCoordinator_DirectoryFailureIsSwallowed(t *testing.T) {
	store := newCountingStore()
	tracker := NewSurfaceTracker()
	c := NewCoordinator(store, tracker, nil)

	failing := DirectoryFunc(func(ctx context.Context, userID string) ([]string, error) {
		return nil, context.DeadlineExceeded
	})

	c.StartTracking("u1", failing)
	tracker.SurfaceStarted() // must not panic, must not write

	time.Sleep(50 * time.Millisecond)
	onlines, _ := store.counts()
	assert.Zero(t, onlines)
}

func TestCoordinator_BlankUserIgnored(t *testing.T) {
	store := newCountingStore()
	tracker := NewSurfaceTracker()
	c := NewCoordinator(store, tracker, nil)

	c.StartTracking("", staticDirectory("g1"))
	tracker.SurfaceStarted()

	time.Sleep(50 * time.Millisecond)
	onlines, offlines := store.counts()
	assert.Zero(t, onlines)
	assert.Zero(t, offlines)
}
