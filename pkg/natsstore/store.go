// Package natsstore is the production presence store, backed by NATS
// JetStream KV. Three buckets mirror the data model:
//
//	PRESENCE         {contextId}.{userId} → {userId, online, lastSeen}
//	USER_CONTEXTS    {userId}.{contextId} → true          (fan-out index)
//	PRESENCE_LEASES  {contextId}.{userId} → {owner, armedAt}   (TTL bucket)
//
// NATS has no server-side "write this value on disconnect" hook, so the
// armed-offline protocol is a lease: before an online entry goes live a lease
// key is written into a TTL bucket and heartbeated while the client stays up.
// If the client vanishes the lease expires, and ReapDisconnected flips the
// orphaned entry offline. Cancelling the hook is deleting the lease.
//
// Context ids may contain dots; user ids must not, so presence keys split on
// the last dot and index keys on the first.
package natsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/SWENT-team09-2025/joinMe-sub011/pkg/presence"
)

const (
	presenceBucket = "PRESENCE"
	indexBucket    = "USER_CONTEXTS"
	leaseBucket    = "PRESENCE_LEASES"
)

// Config tunes the store. Zero values take the defaults.
type Config struct {
	// StaleThreshold is the default age for CleanupStalePresence.
	StaleThreshold time.Duration
	// LeaseTTL is the TTL of the lease bucket; a client silent this long is
	// considered gone.
	LeaseTTL time.Duration
	// HeartbeatInterval is how often armed leases are refreshed.
	// Must be well under LeaseTTL.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = presence.DefaultStaleThreshold
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 45 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	return c
}

// leasePayload records which store instance armed a lease, for log forensics.
type leasePayload struct {
	Owner   string `json:"owner"`
	ArmedAt int64  `json:"armedAt"`
}

// Store implements presence.Store on JetStream KV.
type Store struct {
	log   *slog.Logger
	cfg   Config
	owner string
	now   func() time.Time

	presenceKV nats.KeyValue
	indexKV    nats.KeyValue
	leaseKV    nats.KeyValue

	mu    sync.Mutex
	armed map[string]bool // lease keys this client keeps alive

	stopHB context.CancelFunc
	hbDone chan struct{}
}

var _ presence.Store = (*Store)(nil)

// New creates the KV buckets if needed and starts the lease heartbeat.
// Call Close to stop it.
func New(js nats.JetStreamContext, cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	presenceKV, err := createBucket(js, &nats.KeyValueConfig{
		Bucket:  presenceBucket,
		History: 1,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, err
	}
	indexKV, err := createBucket(js, &nats.KeyValueConfig{
		Bucket:  indexBucket,
		History: 1,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, err
	}
	leaseKV, err := createBucket(js, &nats.KeyValueConfig{
		Bucket:  leaseBucket,
		History: 1,
		TTL:     cfg.LeaseTTL,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, err
	}

	s := &Store{
		log:        log,
		cfg:        cfg,
		owner:      uuid.NewString(),
		now:        time.Now,
		presenceKV: presenceKV,
		indexKV:    indexKV,
		leaseKV:    leaseKV,
		armed:      make(map[string]bool),
		hbDone:     make(chan struct{}),
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	s.stopHB = cancel
	go s.heartbeat(hbCtx)

	return s, nil
}

func createBucket(js nats.JetStreamContext, cfg *nats.KeyValueConfig) (nats.KeyValue, error) {
	kv, err := js.CreateKeyValue(cfg)
	if err != nil {
		return nil, fmt.Errorf("create KV bucket %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

// Close stops the heartbeat. Armed leases are left to expire so a closing
// client behaves like a vanished one unless SetOffline ran first.
func (s *Store) Close() {
	s.stopHB()
	<-s.hbDone
}

func (s *Store) SetOnline(ctx context.Context, userID string, contextIDs []string) error {
	if userID == "" {
		return nil
	}
	now := s.now().UnixMilli()
	entryData, err := json.Marshal(presence.Entry{UserID: userID, Online: true, LastSeen: now})
	if err != nil {
		return err
	}
	leaseData, _ := json.Marshal(leasePayload{Owner: s.owner, ArmedAt: now})

	for _, cid := range contextIDs {
		if cid == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err // stop issuing further writes; committed ones stand
		}
		key := presenceKey(cid, userID)

		// Lease first: if the client disappears between here and the online
		// write, the entry (once visible) has no live lease and gets reaped.
		if _, err := s.leaseKV.Put(key, leaseData); err != nil {
			s.log.Warn("Failed to arm disconnect lease, skipping context",
				"user", userID, "context", cid, "error", err)
			continue
		}
		if _, err := s.presenceKV.Put(key, entryData); err != nil {
			s.log.Warn("Failed to write online entry", "user", userID, "context", cid, "error", err)
			s.leaseKV.Delete(key) // nothing went live, disarm
			continue
		}
		if _, err := s.indexKV.Put(indexKey(userID, cid), []byte("true")); err != nil {
			// Entry is live but unindexed; CleanupStalePresence will still
			// find it on the full scan.
			s.log.Warn("Failed to write user-context index", "user", userID, "context", cid, "error", err)
		}

		s.mu.Lock()
		s.armed[key] = true
		s.mu.Unlock()
	}
	return nil
}

func (s *Store) SetOffline(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	cids, err := s.userContexts(userID)
	if err != nil {
		return fmt.Errorf("read user contexts: %w", err)
	}
	now := s.now().UnixMilli()

	for _, cid := range cids {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := presenceKey(cid, userID)

		// Cancel the armed lease so it cannot fire later, after the user has
		// gone offline cleanly and possibly come back under a new session.
		s.disarm(key)

		entry, _, ok := s.getEntry(key)
		if !ok || !entry.Online {
			continue // stale index or already offline, no-op
		}
		entry.Online = false
		entry.LastSeen = now
		data, _ := json.Marshal(entry)
		if _, err := s.presenceKV.Put(key, data); err != nil {
			s.log.Warn("Failed to write offline entry", "user", userID, "context", cid, "error", err)
		}
	}
	return nil
}

// ContextsOf returns the contexts the index currently records for a user.
// The index may lag reality (stale entries self-heal on the next SetOnline).
func (s *Store) ContextsOf(userID string) ([]string, error) {
	if userID == "" {
		return nil, nil
	}
	return s.userContexts(userID)
}

// userContexts reads USER_CONTEXTS/{userID} with a drained prefix watcher,
// never a full-bucket scan. This is the whole point of the index: going
// offline touches only the user's own contexts.
func (s *Store) userContexts(userID string) ([]string, error) {
	w, err := s.indexKV.Watch(userID+".>", nats.IgnoreDeletes())
	if err != nil {
		return nil, err
	}
	defer w.Stop()

	var cids []string
	for entry := range w.Updates() {
		if entry == nil {
			break // initial replay complete
		}
		if _, cid, ok := splitIndexKey(entry.Key()); ok {
			cids = append(cids, cid)
		}
	}
	return cids, nil
}

// disarm deletes a lease key and drops it from the heartbeat set.
func (s *Store) disarm(key string) {
	s.mu.Lock()
	delete(s.armed, key)
	s.mu.Unlock()
	if err := s.leaseKV.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		s.log.Debug("Lease delete failed", "key", key, "error", err)
	}
}

func (s *Store) getEntry(key string) (presence.Entry, uint64, bool) {
	kve, err := s.presenceKV.Get(key)
	if err != nil {
		return presence.Entry{}, 0, false
	}
	var entry presence.Entry
	if err := json.Unmarshal(kve.Value(), &entry); err != nil {
		s.log.Warn("Corrupt presence entry", "key", key, "error", err)
		return presence.Entry{}, 0, false
	}
	return entry, kve.Revision(), true
}

// heartbeat refreshes every armed lease and its entry's lastSeen, keeping
// live clients ahead of both the lease TTL and the staleness threshold.
func (s *Store) heartbeat(ctx context.Context) {
	defer close(s.hbDone)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshLeases()
		}
	}
}

func (s *Store) refreshLeases() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.armed))
	for key := range s.armed {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	if len(keys) == 0 {
		return
	}
	now := s.now().UnixMilli()
	leaseData, _ := json.Marshal(leasePayload{Owner: s.owner, ArmedAt: now})
	for _, key := range keys {
		s.mu.Lock()
		stillArmed := s.armed[key]
		s.mu.Unlock()
		if !stillArmed {
			continue // disarmed by SetOffline since the snapshot
		}
		if _, err := s.leaseKV.Put(key, leaseData); err != nil {
			s.log.Warn("Lease refresh failed", "key", key, "error", err)
			continue
		}
		cid, uid, ok := splitPresenceKey(key)
		if !ok {
			continue
		}
		data, _ := json.Marshal(presence.Entry{UserID: uid, Online: true, LastSeen: now})
		if _, err := s.presenceKV.Put(key, data); err != nil {
			s.log.Warn("lastSeen refresh failed", "user", uid, "context", cid, "error", err)
		}
	}
}

func presenceKey(contextID, userID string) string {
	return contextID + "." + userID
}

// splitPresenceKey splits {contextId}.{userId} on the last dot.
func splitPresenceKey(key string) (contextID, userID string, ok bool) {
	i := strings.LastIndex(key, ".")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

func indexKey(userID, contextID string) string {
	return userID + "." + contextID
}

// splitIndexKey splits {userId}.{contextId} on the first dot.
func splitIndexKey(key string) (userID, contextID string, ok bool) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
