package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/SWENT-team09-2025/joinMe-sub011/pkg/natsstore"
	"github.com/SWENT-team09-2025/joinMe-sub011/pkg/otelhelper"
)

// OnlineRequest is the payload clients send to presence.online when the app
// comes to the foreground.
type OnlineRequest struct {
	UserId   string   `json:"userId"`
	Contexts []string `json:"contexts"`
}

// OfflineRequest is the payload clients send to presence.offline.
type OfflineRequest struct {
	UserId string `json:"userId"`
}

// ContextQuery is the optional request body for presence.context.> queries.
type ContextQuery struct {
	ExcludeUserId string `json:"excludeUserId,omitempty"`
}

// ChangedEvent is broadcast on presence.changed.{contextId} so interested
// subscribers can refresh without polling.
type ChangedEvent struct {
	UserId string `json:"userId"`
	Online bool   `json:"online"`
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		slog.Warn("Invalid duration env var, using default", "key", key, "value", v)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("presence-service")
	onlineCounter, _ := meter.Int64Counter("presence_online_total",
		metric.WithDescription("Total set-online requests"))
	offlineCounter, _ := meter.Int64Counter("presence_offline_total",
		metric.WithDescription("Total set-offline requests"))
	queryCounter, _ := meter.Int64Counter("presence_queries_total",
		metric.WithDescription("Total presence context queries"))
	queryDuration, _ := meter.Float64Histogram("presence_query_duration_seconds",
		metric.WithDescription("Duration of presence context queries"))
	reapCounter, _ := meter.Int64Counter("presence_reap_corrections_total",
		metric.WithDescription("Online entries flipped offline by lease reap"))

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "presence-service")
	natsPass := envOrDefault("NATS_PASS", "presence-service-secret")

	staleThreshold := envMillis("PRESENCE_STALE_THRESHOLD_MS", 300000*time.Millisecond)
	leaseTTL := envMillis("PRESENCE_LEASE_TTL_MS", 45*time.Second)
	reapInterval := envMillis("PRESENCE_REAP_INTERVAL_MS", leaseTTL)
	cleanupInterval := envMillis("PRESENCE_CLEANUP_INTERVAL_MS", staleThreshold)

	slog.Info("Starting Presence Service", "nats_url", natsURL,
		"stale_threshold", staleThreshold, "lease_ttl", leaseTTL)

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("presence-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected")
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}

	store, err := natsstore.New(js, natsstore.Config{
		StaleThreshold: staleThreshold,
		LeaseTTL:       leaseTTL,
	}, slog.Default())
	if err != nil {
		slog.Error("Failed to create presence store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("NATS KV buckets ready", "buckets", "PRESENCE, USER_CONTEXTS, PRESENCE_LEASES")

	publishChanged := func(ctx context.Context, userID string, online bool, contexts []string) {
		data, err := json.Marshal(ChangedEvent{UserId: userID, Online: online})
		if err != nil {
			return
		}
		for _, cid := range contexts {
			if cid == "" {
				continue
			}
			if err := otelhelper.TracedPublish(ctx, nc, "presence.changed."+cid, data); err != nil {
				slog.Warn("Failed to publish presence change", "context", cid, "error", err)
			}
		}
	}

	// presence.online — app came to the foreground with a resolved context list
	_, err = nc.QueueSubscribe("presence.online", "presence-workers", func(msg *nats.Msg) {
		var req OnlineRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserId == "" {
			return
		}
		if err := store.SetOnline(ctx, req.UserId, req.Contexts); err != nil {
			slog.Warn("Set online failed", "user", req.UserId, "error", err)
			return
		}
		onlineCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("user", req.UserId),
		))
		publishChanged(ctx, req.UserId, true, req.Contexts)
		slog.Debug("User online", "user", req.UserId, "contexts", len(req.Contexts))
	})
	if err != nil {
		slog.Error("Failed to subscribe to presence.online", "error", err)
		os.Exit(1)
	}

	// presence.offline — clean background/logout transition
	_, err = nc.QueueSubscribe("presence.offline", "presence-workers", func(msg *nats.Msg) {
		var req OfflineRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserId == "" {
			return
		}
		// Resolve the contexts before the index is consulted for the write,
		// so the change events cover everything the offline touched.
		contexts, err := store.ContextsOf(req.UserId)
		if err != nil {
			slog.Warn("Context lookup for offline fanout failed", "user", req.UserId, "error", err)
		}
		if err := store.SetOffline(ctx, req.UserId); err != nil {
			slog.Warn("Set offline failed", "user", req.UserId, "error", err)
			return
		}
		offlineCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("user", req.UserId),
		))
		publishChanged(ctx, req.UserId, false, contexts)
		slog.Debug("User offline", "user", req.UserId)
	})
	if err != nil {
		slog.Error("Failed to subscribe to presence.offline", "error", err)
		os.Exit(1)
	}

	// presence.context.{contextId} — request/reply for the online user ids.
	// '>' because context ids may contain dots.
	_, err = nc.Subscribe("presence.context.>", func(msg *nats.Msg) {
		start := time.Now()
		ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "presence context query")
		defer span.End()

		parts := strings.SplitN(msg.Subject, ".", 3)
		if len(parts) < 3 {
			msg.Respond([]byte("[]"))
			return
		}
		contextID := parts[2]
		span.SetAttributes(attribute.String("presence.context", contextID))

		var q ContextQuery
		if len(msg.Data) > 0 {
			json.Unmarshal(msg.Data, &q)
		}

		ids, err := store.OnlineUserIDs(ctx, contextID, q.ExcludeUserId)
		if err != nil {
			slog.ErrorContext(ctx, "Presence query failed", "context", contextID, "error", err)
			span.RecordError(err)
			msg.Respond([]byte("[]"))
			return
		}
		if ids == nil {
			ids = []string{}
		}
		data, err := json.Marshal(ids)
		if err != nil {
			msg.Respond([]byte("[]"))
			return
		}
		msg.Respond(data)

		attrs := metric.WithAttributes(attribute.String("context", contextID))
		queryCounter.Add(ctx, 1, attrs)
		queryDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		slog.DebugContext(ctx, "Served presence query", "context", contextID, "online", len(ids))
	})
	if err != nil {
		slog.Error("Failed to subscribe to presence.context.>", "error", err)
		os.Exit(1)
	}

	// Reconciliation loops: the lease reap catches vanished clients, the
	// stale cleanup is the lastSeen backstop for leases that never armed.
	loopCtx, stopLoops := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				n, err := store.ReapDisconnected(loopCtx)
				if err != nil {
					slog.Warn("Lease reap failed", "error", err)
					continue
				}
				if n > 0 {
					reapCounter.Add(context.Background(), int64(n))
					slog.Info("Reaped disconnected users", "corrections", n)
				}
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := store.CleanupStalePresence(loopCtx, staleThreshold); err != nil {
					slog.Warn("Stale presence cleanup failed", "error", err)
				}
			}
		}
	}()

	slog.Info("Presence service ready — listening for presence.online, presence.offline, presence.context.>")

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down presence service")
	stopLoops()
	nc.Drain()
	slog.Info("Presence service shutdown complete")
}
