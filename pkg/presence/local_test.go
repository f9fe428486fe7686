package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recvMatching drains an observer channel until a value satisfies pred or the
// deadline passes. Intermediate values may be skipped (latest-wins channels).
func recvMatching[T any](t *testing.T, ch <-chan T, pred func(T) bool) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				t.Fatal("observer channel closed before expected value")
			}
			if pred(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for observer value")
		}
	}
}

func TestLocalStore_OnlineThenOffline(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	require.NoError(t, s.SetOnline(ctx, "u1", []string{"g1", "g2"}))
	for _, cid := range []string{"g1", "g2"} {
		entry, ok := s.Entries(cid)["u1"]
		require.True(t, ok, "entry missing in %s", cid)
		assert.True(t, entry.Online)
		assert.NotZero(t, entry.LastSeen)
	}

	require.NoError(t, s.SetOffline(ctx, "u1"))
	for _, cid := range []string{"g1", "g2"} {
		entry, ok := s.Entries(cid)["u1"]
		require.True(t, ok)
		assert.False(t, entry.Online, "still online in %s", cid)
	}
}

func TestLocalStore_SetOfflineIdempotent(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	require.NoError(t, s.SetOnline(ctx, "u1", []string{"g1"}))
	require.NoError(t, s.SetOffline(ctx, "u1"))
	first := s.Entries("g1")["u1"]

	require.NoError(t, s.SetOffline(ctx, "u1"))
	second := s.Entries("g1")["u1"]

	assert.Equal(t, first, second, "second SetOffline must be a no-op")
}

func TestLocalStore_SetOfflineUnknownUser(t *testing.T) {
	s := NewLocalStore()
	require.NoError(t, s.SetOffline(context.Background(), "ghost"))
	assert.Empty(t, s.Entries("g1"))
}

func TestLocalStore_BlankIDsAreNoOps(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	require.NoError(t, s.SetOnline(ctx, "", []string{"g1"}))
	require.NoError(t, s.SetOnline(ctx, "u1", []string{""}))
	require.NoError(t, s.SetOffline(ctx, ""))

	assert.Empty(t, s.Entries("g1"))
	assert.Empty(t, s.Entries(""))
}

func TestLocalStore_ObserveOnlineUserIDs(t *testing.T) {
	s := NewLocalStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.ObserveOnlineUserIDs(ctx, "g1", "other")
	require.NoError(t, err)

	require.NoError(t, s.SetOnline(context.Background(), "U", []string{"g1", "g2"}))
	recvMatching(t, ch, func(ids []string) bool {
		return len(ids) == 1 && ids[0] == "U"
	})

	require.NoError(t, s.SetOffline(context.Background(), "U"))
	recvMatching(t, ch, func(ids []string) bool {
		return len(ids) == 0
	})
}

func TestLocalStore_ObserveCountExcludesUser(t *testing.T) {
	s := NewLocalStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.SetOnline(context.Background(), "userA", []string{"g1"}))
	require.NoError(t, s.SetOnline(context.Background(), "userB", []string{"g1"}))

	ch, err := s.ObserveOnlineCount(ctx, "g1", "userA")
	require.NoError(t, err)
	recvMatching(t, ch, func(n int) bool { return n == 1 })
}

func TestLocalStore_ObserveBlankExcludeExcludesNobody(t *testing.T) {
	s := NewLocalStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.SetOnline(context.Background(), "userA", []string{"g1"}))
	require.NoError(t, s.SetOnline(context.Background(), "userB", []string{"g1"}))

	ch, err := s.ObserveOnlineCount(ctx, "g1", "")
	require.NoError(t, err)
	recvMatching(t, ch, func(n int) bool { return n == 2 })
}

func TestLocalStore_ObserveStopsOnCancel(t *testing.T) {
	s := NewLocalStore()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.ObserveOnlineCount(ctx, "g1", "")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond, "channel should close after cancellation")
}

func TestLocalStore_CleanupStalePresence(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	require.NoError(t, s.SetOnline(ctx, "stale", []string{"g1"}))

	s.now = func() time.Time { return base.Add(4 * time.Minute) }
	require.NoError(t, s.SetOnline(ctx, "fresh", []string{"g1"}))

	s.now = func() time.Time { return base.Add(6 * time.Minute) }
	require.NoError(t, s.CleanupStalePresence(ctx, 5*time.Minute))

	entries := s.Entries("g1")
	assert.False(t, entries["stale"].Online, "stale entry should be forced offline")
	assert.True(t, entries["fresh"].Online, "fresh entry must be untouched")
}

func TestLocalStore_IndexSelfHealsOnSetOnline(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	require.NoError(t, s.SetOnline(ctx, "u1", []string{"g1"}))
	require.NoError(t, s.SetOffline(ctx, "u1"))
	require.NoError(t, s.SetOnline(ctx, "u1", []string{"g2"}))
	require.NoError(t, s.SetOffline(ctx, "u1"))

	// g1 was written by an older session; the index still fans out to it.
	assert.False(t, s.Entries("g1")["u1"].Online)
	assert.False(t, s.Entries("g2")["u1"].Online)
}
