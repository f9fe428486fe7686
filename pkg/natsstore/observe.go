package natsstore

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/nats-io/nats.go"

	"github.com/SWENT-team09-2025/joinMe-sub011/pkg/presence"
)

// ObserveOnlineCount streams the number of online users in the context,
// excluding excludeUserID. The underlying KV watcher is stopped when ctx
// ends; otherwise it would leak for the lifetime of the store.
func (s *Store) ObserveOnlineCount(ctx context.Context, contextID, excludeUserID string) (<-chan int, error) {
	out := make(chan int, 1)
	if contextID == "" {
		close(out)
		return out, nil
	}
	tables, err := s.observeContext(ctx, contextID)
	if err != nil {
		return nil, err
	}
	go func() {
		defer close(out)
		last := -1
		for table := range tables {
			n := len(presence.OnlineIDs(table, excludeUserID))
			if n != last {
				last = n
				sendLatest(out, n)
			}
		}
	}()
	return out, nil
}

// ObserveOnlineUserIDs is ObserveOnlineCount but emits the sorted ids.
func (s *Store) ObserveOnlineUserIDs(ctx context.Context, contextID, excludeUserID string) (<-chan []string, error) {
	out := make(chan []string, 1)
	if contextID == "" {
		close(out)
		return out, nil
	}
	tables, err := s.observeContext(ctx, contextID)
	if err != nil {
		return nil, err
	}
	go func() {
		defer close(out)
		var last []string
		first := true
		for table := range tables {
			ids := presence.OnlineIDs(table, excludeUserID)
			if first || !slices.Equal(ids, last) {
				first = false
				last = ids
				sendLatest(out, ids)
			}
		}
	}()
	return out, nil
}

// observeContext watches presence/{contextID} and emits a rebuilt user→entry
// table after the initial replay and then on every change. The channel closes
// when ctx ends.
func (s *Store) observeContext(ctx context.Context, contextID string) (<-chan map[string]presence.Entry, error) {
	w, err := s.presenceKV.Watch(contextID + ".*")
	if err != nil {
		return nil, err
	}
	out := make(chan map[string]presence.Entry, 1)
	go func() {
		defer w.Stop()
		defer close(out)
		table := make(map[string]presence.Entry)
		initialized := false
		for {
			select {
			case <-ctx.Done():
				return
			case kve, ok := <-w.Updates():
				if !ok {
					return
				}
				if kve == nil {
					// End of initial replay: first consistent view.
					initialized = true
					sendLatest(out, copyTable(table))
					continue
				}
				_, uid, keyOK := splitPresenceKey(kve.Key())
				if !keyOK {
					continue
				}
				switch kve.Operation() {
				case nats.KeyValuePut:
					var entry presence.Entry
					if err := json.Unmarshal(kve.Value(), &entry); err != nil {
						s.log.Warn("Corrupt presence entry in watch", "key", kve.Key(), "error", err)
						continue
					}
					table[uid] = entry
				case nats.KeyValueDelete, nats.KeyValuePurge:
					delete(table, uid)
				}
				if initialized {
					sendLatest(out, copyTable(table))
				}
			}
		}
	}()
	return out, nil
}

func copyTable(table map[string]presence.Entry) map[string]presence.Entry {
	cp := make(map[string]presence.Entry, len(table))
	for uid, e := range table {
		cp[uid] = e
	}
	return cp
}

// sendLatest delivers v on a capacity-1 channel, displacing any undelivered
// previous value so a slow reader never blocks the watcher.
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
