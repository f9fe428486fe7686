package presence

import (
	"context"
	"sort"
	"time"
)

// DefaultStaleThreshold is how old an online entry's lastSeen may be before
// CleanupStalePresence treats it as orphaned.
const DefaultStaleThreshold = 5 * time.Minute

// Store tracks which users are online in which contexts (group chats, event
// chats). Presence is advisory liveness metadata: implementations log and
// continue on partial failures rather than failing a whole call because one
// context could not be written.
//
// Observe channels emit the current value immediately on subscribe and then
// whenever the computed value changes. Emission is latest-wins: a slow reader
// never blocks a writer, it just skips intermediate values. Channels are
// closed only when the caller's context ends.
type Store interface {
	// SetOnline marks the user online in every given context. Contexts that
	// fail to write are skipped; the ones that succeed stay applied.
	SetOnline(ctx context.Context, userID string, contextIDs []string) error

	// SetOffline marks the user offline in every context recorded by the
	// user-context index. Idempotent; unknown users are a no-op.
	SetOffline(ctx context.Context, userID string) error

	// ObserveOnlineCount streams the number of online users in the context,
	// excluding excludeUserID. A blank exclude id excludes nobody.
	ObserveOnlineCount(ctx context.Context, contextID, excludeUserID string) (<-chan int, error)

	// ObserveOnlineUserIDs streams the ids of online users in the context,
	// excluding excludeUserID, sorted for stable comparison.
	ObserveOnlineUserIDs(ctx context.Context, contextID, excludeUserID string) (<-chan []string, error)

	// CleanupStalePresence forces offline every entry still marked online
	// whose lastSeen is older than threshold. This is the reconciliation
	// pass for entries whose disconnect lease never fired.
	CleanupStalePresence(ctx context.Context, threshold time.Duration) error
}

// OnlineIDs filters a context's entries down to the sorted online user ids.
// The exclude filter runs after the online filter so a blank exclude id
// degenerates to excluding nobody.
func OnlineIDs(entries map[string]Entry, excludeUserID string) []string {
	ids := make([]string, 0, len(entries))
	for uid, e := range entries {
		if !e.Online {
			continue
		}
		if uid == excludeUserID {
			continue
		}
		ids = append(ids, uid)
	}
	sort.Strings(ids)
	return ids
}
