package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mirrorkv/mirrorkv/internal/dispatch"
	"github.com/mirrorkv/mirrorkv/internal/model"
	"github.com/mirrorkv/mirrorkv/internal/offline"
)

func bridgeHarness(t *testing.T, addr string) (*RedisBridge, *FanOut, *fakeSender) {
	t.Helper()
	hub := NewHub()
	reg := NewRegistry()
	queue := offline.NewManager()
	fanout := NewFanOut(hub, reg, queue)

	now := time.Now().UTC()
	reg.Add(&model.Session{UserID: "u1", InstanceID: "dev-local", ConnectionID: "c1", ConnectedAt: now, LastActivity: now})
	queue.MarkSeen("u1", "dev-local")
	sender := &fakeSender{}
	hub.Register("c1", sender)
	hub.Join("c1", UserRoom("u1"))

	bridge := NewRedisBridge(redis.NewClient(&redis.Options{Addr: addr}))
	fanout.Bridge = bridge
	return bridge, fanout, sender
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func subscriberCount(t *testing.T, addr string) int64 {
	t.Helper()
	cli := redis.NewClient(&redis.Options{Addr: addr})
	defer cli.Close()
	return cli.PubSubNumSub(context.Background(), bridgeChannel).Val()[bridgeChannel]
}

func TestBridgeMirrorsEventsAcrossProcesses(t *testing.T) {
	srv := miniredis.RunT(t)

	// Two processes: A writes, B holds the user's live connection.
	bridgeA, fanoutA, senderA := bridgeHarness(t, srv.Addr())
	bridgeB, fanoutB, senderB := bridgeHarness(t, srv.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridgeA.Run(ctx, fanoutA)
	go bridgeB.Run(ctx, fanoutB)

	// Give both subscriptions a moment to attach.
	waitFor(t, func() bool { return subscriberCount(t, srv.Addr()) == 2 })

	e := syncedEvent("dev-remote")
	fanoutA.handleSynced(e, true)

	// B replays the mirrored event to its local connection.
	waitFor(t, func() bool { return senderB.count() == 1 })

	// A delivered locally once; its own mirrored copy is filtered by
	// origin, so the count stays at one.
	time.Sleep(50 * time.Millisecond)
	if senderA.count() != 1 {
		t.Errorf("origin process deliveries = %d, want 1", senderA.count())
	}
}

func TestBridgeReplayDoesNotEcho(t *testing.T) {
	srv := miniredis.RunT(t)
	bridgeA, fanoutA, senderA := bridgeHarness(t, srv.Addr())
	_, fanoutB, senderB := bridgeHarness(t, srv.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridgeA.Run(ctx, fanoutA)
	waitFor(t, func() bool { return subscriberCount(t, srv.Addr()) == 1 })

	// B's fan-out replays a remote event (local=false): it delivers to
	// B's own connections but must not re-publish to the bridge.
	fanoutB.handleRemoved(dispatch.ItemRemovedEvent{
		UserID:     "u1",
		InstanceID: "dev-remote",
		Key:        "settings",
		Timestamp:  time.Now().UnixMilli(),
	}, false)

	waitFor(t, func() bool { return senderB.count() == 1 })
	time.Sleep(50 * time.Millisecond)
	if senderA.count() != 0 {
		t.Errorf("replayed event echoed back onto the bridge: %d deliveries on A", senderA.count())
	}
}
