package realtime

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mirrorkv/mirrorkv/internal/dispatch"
)

// The in-memory hub only reaches connections owned by this process.
// When the engine runs as more than one process, committed events are
// mirrored over a Redis pub/sub channel so every process can fan out to
// its own connections. Single-process (no bridge) is the default mode.

const bridgeChannel = "mirrorkv:events"

type wireKind string

const (
	wireSynced  wireKind = "synced"
	wireRemoved wireKind = "removed"
	wireCleared wireKind = "cleared"
)

// wireEvent is the cross-process envelope. Origin identifies the
// publishing process so it can ignore its own messages on the way back.
type wireEvent struct {
	Kind    wireKind                      `json:"kind"`
	Origin  string                        `json:"origin,omitempty"`
	Synced  *dispatch.ItemSyncedEvent     `json:"synced,omitempty"`
	Removed *dispatch.ItemRemovedEvent    `json:"removed,omitempty"`
	Cleared *dispatch.StorageClearedEvent `json:"cleared,omitempty"`
}

// Broadcaster mirrors committed events to other processes.
type Broadcaster interface {
	Publish(e wireEvent)
}

// RedisBridge is the go-redis implementation of Broadcaster.
type RedisBridge struct {
	client    *redis.Client
	processID string
}

// NewRedisBridge connects the bridge to a Redis instance.
func NewRedisBridge(client *redis.Client) *RedisBridge {
	return &RedisBridge{client: client, processID: uuid.New().String()}
}

// Publish mirrors one event; failures are logged, never surfaced, since
// local delivery has already happened.
func (b *RedisBridge) Publish(e wireEvent) {
	e.Origin = b.processID
	raw, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Msg("bridge: failed to encode event")
		return
	}
	if err := b.client.Publish(context.Background(), bridgeChannel, raw).Err(); err != nil {
		log.Error().Err(err).Msg("bridge: failed to publish event")
	}
}

// Run subscribes to the bridge channel and replays remote events into
// the local fan-out until ctx is cancelled. Blocks; run on a goroutine.
func (b *RedisBridge) Run(ctx context.Context, fanout *FanOut) {
	sub := b.client.Subscribe(ctx, bridgeChannel)
	defer sub.Close()

	log.Info().Str("channel", bridgeChannel).Msg("redis fan-out bridge running")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var e wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				log.Warn().Err(err).Msg("bridge: malformed event, dropping")
				continue
			}
			if e.Origin == b.processID {
				continue
			}
			switch {
			case e.Kind == wireSynced && e.Synced != nil:
				fanout.handleSynced(*e.Synced, false)
			case e.Kind == wireRemoved && e.Removed != nil:
				fanout.handleRemoved(*e.Removed, false)
			case e.Kind == wireCleared && e.Cleared != nil:
				fanout.handleCleared(*e.Cleared, false)
			}
		}
	}
}
