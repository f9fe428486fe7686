package presence

import (
	"context"
	"slices"
	"sync"
	"time"
)

// LocalStore is the in-memory Store used by tests and offline mode. It keeps
// a forward table (context → user → entry) and a reverse index
// (user → contexts) behind a single mutex so the two can never diverge, the
// same dual-index shape the realtime store persists. Every write rebuilds a
// full snapshot and broadcasts it, so observers always see a consistent
// table, never a half-updated one.
type LocalStore struct {
	mu      sync.Mutex
	table   map[string]map[string]Entry // context → user → entry
	index   map[string]map[string]bool  // user → contexts
	nextSub int
	subs    map[int]chan map[string]map[string]Entry
	now     func() time.Time
}

var _ Store = (*LocalStore)(nil)

func NewLocalStore() *LocalStore {
	return &LocalStore{
		table: make(map[string]map[string]Entry),
		index: make(map[string]map[string]bool),
		subs:  make(map[int]chan map[string]map[string]Entry),
		now:   time.Now,
	}
}

func (s *LocalStore) SetOnline(ctx context.Context, userID string, contextIDs []string) error {
	if blank(userID) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	changed := false
	now := s.now().UnixMilli()
	for _, cid := range contextIDs {
		if blank(cid) {
			continue
		}
		if s.table[cid] == nil {
			s.table[cid] = make(map[string]Entry)
		}
		s.table[cid][userID] = Entry{UserID: userID, Online: true, LastSeen: now}
		if s.index[userID] == nil {
			s.index[userID] = make(map[string]bool)
		}
		s.index[userID][cid] = true
		changed = true
	}
	s.broadcastLocked(changed)
	s.mu.Unlock()
	return nil
}

func (s *LocalStore) SetOffline(ctx context.Context, userID string) error {
	if blank(userID) {
		return nil
	}
	s.mu.Lock()
	changed := false
	now := s.now().UnixMilli()
	for cid := range s.index[userID] {
		entry, ok := s.table[cid][userID]
		if !ok || !entry.Online {
			continue
		}
		entry.Online = false
		entry.LastSeen = now
		s.table[cid][userID] = entry
		changed = true
	}
	s.broadcastLocked(changed)
	s.mu.Unlock()
	return nil
}

func (s *LocalStore) CleanupStalePresence(ctx context.Context, threshold time.Duration) error {
	s.mu.Lock()
	changed := false
	now := s.now().UnixMilli()
	cutoff := now - threshold.Milliseconds()
	for _, users := range s.table {
		for uid, entry := range users {
			if entry.Online && entry.LastSeen < cutoff {
				entry.Online = false
				users[uid] = entry
				changed = true
			}
		}
	}
	s.broadcastLocked(changed)
	s.mu.Unlock()
	return nil
}

func (s *LocalStore) ObserveOnlineCount(ctx context.Context, contextID, excludeUserID string) (<-chan int, error) {
	out := make(chan int, 1)
	if blank(contextID) {
		close(out)
		return out, nil
	}
	snapshots := s.subscribe()
	go func() {
		defer s.unsubscribe(snapshots)
		defer close(out)
		last := -1
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapshots.ch:
				n := len(OnlineIDs(snap[contextID], excludeUserID))
				if n != last {
					last = n
					sendLatest(out, n)
				}
			}
		}
	}()
	return out, nil
}

func (s *LocalStore) ObserveOnlineUserIDs(ctx context.Context, contextID, excludeUserID string) (<-chan []string, error) {
	out := make(chan []string, 1)
	if blank(contextID) {
		close(out)
		return out, nil
	}
	snapshots := s.subscribe()
	go func() {
		defer s.unsubscribe(snapshots)
		defer close(out)
		var last []string
		first := true
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapshots.ch:
				ids := OnlineIDs(snap[contextID], excludeUserID)
				if first || !slices.Equal(ids, last) {
					first = false
					last = ids
					sendLatest(out, ids)
				}
			}
		}
	}()
	return out, nil
}

// Entries returns a copy of a context's presence entries.
func (s *LocalStore) Entries(contextID string) map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]Entry, len(s.table[contextID]))
	for uid, e := range s.table[contextID] {
		cp[uid] = e
	}
	return cp
}

type subscription struct {
	id int
	ch chan map[string]map[string]Entry
}

// subscribe registers a snapshot channel primed with the current table.
func (s *LocalStore) subscribe() subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan map[string]map[string]Entry, 1)
	ch <- s.snapshotLocked()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	return subscription{id: id, ch: ch}
}

func (s *LocalStore) unsubscribe(sub subscription) {
	s.mu.Lock()
	delete(s.subs, sub.id)
	s.mu.Unlock()
}

// broadcastLocked replaces every subscriber's pending snapshot. Latest wins:
// a subscriber that has not drained yet just skips the intermediate state.
func (s *LocalStore) broadcastLocked(changed bool) {
	if !changed {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		sendLatest(ch, snap)
	}
}

// snapshotLocked deep-copies the table so subscribers never share mutable maps.
func (s *LocalStore) snapshotLocked() map[string]map[string]Entry {
	snap := make(map[string]map[string]Entry, len(s.table))
	for cid, users := range s.table {
		cp := make(map[string]Entry, len(users))
		for uid, e := range users {
			cp[uid] = e
		}
		snap[cid] = cp
	}
	return snap
}

// sendLatest delivers v on a capacity-1 channel, displacing any undelivered
// previous value.
func sendLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
