package natsstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/SWENT-team09-2025/joinMe-sub011/pkg/presence"
)

// ReapDisconnected flips offline every entry still marked online whose lease
// has expired: the client vanished without a clean SetOffline. The offline
// write is a CAS on the entry's revision so that with several service
// replicas sweeping concurrently exactly one applies each correction.
// Returns the number of corrections applied.
func (s *Store) ReapDisconnected(ctx context.Context) (int, error) {
	corrected := 0
	err := s.scanOnline(ctx, func(key string, entry presence.Entry, rev uint64) {
		if _, err := s.leaseKV.Get(key); err == nil {
			return // lease alive, client is still heartbeating
		} else if !errors.Is(err, nats.ErrKeyNotFound) {
			s.log.Warn("Lease lookup failed during reap", "key", key, "error", err)
			return
		}
		if s.forceOffline(key, entry, rev) {
			corrected++
		}
	})
	return corrected, err
}

// CleanupStalePresence is the lastSeen-based backstop: it heals entries whose
// lease never got armed in the first place. Full scan, meant for a periodic
// background job, not a hot path.
func (s *Store) CleanupStalePresence(ctx context.Context, threshold time.Duration) error {
	if threshold <= 0 {
		threshold = s.cfg.StaleThreshold
	}
	cutoff := s.now().UnixMilli() - threshold.Milliseconds()
	return s.scanOnline(ctx, func(key string, entry presence.Entry, rev uint64) {
		if entry.LastSeen >= cutoff {
			return
		}
		if s.forceOffline(key, entry, rev) {
			s.log.Info("Healed stale presence entry", "key", key, "lastSeen", entry.LastSeen)
		}
	})
}

// scanOnline walks every online presence entry.
func (s *Store) scanOnline(ctx context.Context, fn func(key string, entry presence.Entry, rev uint64)) error {
	keys, err := s.presenceKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil
		}
		return err
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, rev, ok := s.getEntry(key)
		if !ok || !entry.Online {
			continue
		}
		fn(key, entry, rev)
	}
	return nil
}

// forceOffline CAS-writes an offline correction. A revision mismatch means
// another replica (or the user's own fresh write) got there first.
func (s *Store) forceOffline(key string, entry presence.Entry, rev uint64) bool {
	entry.Online = false
	entry.LastSeen = s.now().UnixMilli()
	data, _ := json.Marshal(entry)
	if _, err := s.presenceKV.Update(key, data, rev); err != nil {
		s.log.Debug("Offline correction lost CAS", "key", key, "error", err)
		return false
	}
	return true
}

// OnlineUserIDs is a one-shot read of a context's online users, for
// request/reply queries that do not need a live subscription.
func (s *Store) OnlineUserIDs(ctx context.Context, contextID, excludeUserID string) ([]string, error) {
	if contextID == "" {
		return nil, nil
	}
	w, err := s.presenceKV.Watch(contextID+".*", nats.IgnoreDeletes())
	if err != nil {
		return nil, err
	}
	defer w.Stop()

	table := make(map[string]presence.Entry)
	for kve := range w.Updates() {
		if kve == nil {
			break
		}
		_, uid, ok := splitPresenceKey(kve.Key())
		if !ok {
			continue
		}
		var entry presence.Entry
		if err := json.Unmarshal(kve.Value(), &entry); err != nil {
			continue
		}
		table[uid] = entry
	}
	return presence.OnlineIDs(table, excludeUserID), nil
}
