package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mirrorkv/mirrorkv/internal/apperr"
	"github.com/mirrorkv/mirrorkv/internal/dispatch"
	"github.com/mirrorkv/mirrorkv/internal/metrics"
	"github.com/mirrorkv/mirrorkv/internal/model"
	"github.com/mirrorkv/mirrorkv/internal/offline"
	"github.com/mirrorkv/mirrorkv/internal/syncx"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// SocketServer terminates websocket connections on the /sync namespace.
// Admission has already happened in HTTP middleware by the time the
// handshake reaches Handle.
type SocketServer struct {
	Hub        *Hub
	Registry   *Registry
	Queue      *offline.Manager
	Dispatcher *dispatch.Dispatcher
}

// serverMessage is the wire shape of everything the server emits.
type serverMessage struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// clientMessage is the wire shape of everything the client emits.
type clientMessage struct {
	Type            string          `json:"type"`
	Key             string          `json:"key,omitempty"`
	Value           json.RawMessage `json:"value,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	Prefix          string          `json:"prefix,omitempty"`
	Keys            []string        `json:"keys,omitempty"`
	ExpectedVersion *int            `json:"expectedVersion,omitempty"`
	Since           int64           `json:"since,omitempty"`
}

// wsClient pumps outbound messages on a dedicated writer goroutine so a
// slow peer can never block fan-out; messages beyond the buffer are
// dropped and remain reachable via the offline queue on reconnect.
type wsClient struct {
	conn       *websocket.Conn
	send       chan serverMessage
	onActivity func()
}

func (c *wsClient) Send(event string, payload any) bool {
	return c.enqueue(serverMessage{Type: event, Payload: payload})
}

func (c *wsClient) SendError(err error) bool {
	return c.enqueue(serverMessage{Type: "error", Error: err.Error()})
}

// Close makes the read loop fail, which runs the connection's normal
// teardown path.
func (c *wsClient) Close() {
	c.conn.Close(websocket.StatusGoingAway, "inactive")
}

func (c *wsClient) enqueue(msg serverMessage) bool {
	msg.Timestamp = syncx.NowMs()
	select {
	case c.send <- msg:
		// Deliveries count as activity, so a receive-only connection
		// is not scavenged while it is still being fed.
		if c.onActivity != nil {
			c.onActivity()
		}
		return true
	default:
		return false
	}
}

func (c *wsClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Handle upgrades GET /sync. The handshake must carry userId and
// instanceId query parameters; otherwise the connection is dropped
// immediately.
func (s *SocketServer) Handle(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	instanceID := r.URL.Query().Get("instanceId")
	if userID == "" || instanceID == "" {
		http.Error(w, "userId and instanceId are required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("websocket accept failed")
		return
	}

	connID := uuid.New().String()
	logger := log.Ctx(r.Context()).With().
		Str("connectionId", connID).
		Str("userId", userID).
		Str("instanceId", instanceID).
		Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := &wsClient{
		conn:       conn,
		send:       make(chan serverMessage, sendBuffer),
		onActivity: func() { s.Registry.Touch(connID) },
	}
	go client.writeLoop(ctx)

	now := time.Now().UTC()
	s.Registry.Add(&model.Session{
		UserID:       userID,
		InstanceID:   instanceID,
		ConnectionID: connID,
		ConnectedAt:  now,
		LastActivity: now,
	})
	s.Queue.MarkSeen(userID, instanceID)
	metrics.LiveConnections.Inc()
	s.Hub.Register(connID, client)
	s.Hub.Join(connID, UserRoom(userID))
	s.Hub.Join(connID, InstanceRoom(instanceID))

	defer func() {
		s.Hub.Unregister(connID)
		s.Registry.Remove(connID)
		metrics.LiveConnections.Dec()
		conn.Close(websocket.StatusNormalClosure, "")
		logger.Info().Msg("connection closed")
	}()

	logger.Info().Msg("connection established")
	client.Send(EventStatus, map[string]any{"connected": true, "connectionId": connID})

	// Drain anything queued while this instance was offline, as a
	// single batch, then drop it from the queue.
	if pending := s.Queue.PendingUpdates(userID, instanceID, 0); len(pending) > 0 {
		client.Send(EventPending, map[string]any{"updates": pending, "count": len(pending)})
		s.Queue.ClearQueue(userID, instanceID)
		logger.Info().Int("count", len(pending)).Msg("delivered pending updates")
	}

	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		s.Registry.Touch(connID)
		s.dispatch(ctx, client, connID, userID, instanceID, msg)
	}
}

func (s *SocketServer) dispatch(ctx context.Context, client *wsClient, connID, userID, instanceID string, msg clientMessage) {
	switch msg.Type {
	case "sync:set":
		res, err := s.Dispatcher.SetItem(ctx, dispatch.SetItemCmd{
			UserID:          userID,
			InstanceID:      instanceID,
			Key:             msg.Key,
			Value:           msg.Value,
			Metadata:        msg.Metadata,
			ExpectedVersion: msg.ExpectedVersion,
		})
		s.reply(client, res, err)

	case "sync:remove":
		err := s.Dispatcher.RemoveItem(ctx, dispatch.RemoveItemCmd{
			UserID:     userID,
			InstanceID: instanceID,
			Key:        msg.Key,
		})
		s.reply(client, map[string]any{"removed": msg.Key}, err)

	case "sync:get":
		item, err := s.Dispatcher.GetItem(ctx, dispatch.GetItemQuery{UserID: userID, Key: msg.Key})
		if err == nil && item == nil {
			err = apperr.New(apperr.NotFound, "item not found")
		}
		s.reply(client, item, err)

	case "sync:getAll":
		items, err := s.Dispatcher.GetAllItems(ctx, dispatch.GetAllItemsQuery{UserID: userID, Prefix: msg.Prefix})
		s.reply(client, map[string]any{"items": items}, err)

	case "sync:subscribe":
		for _, key := range msg.Keys {
			s.Hub.Join(connID, KeyRoom(userID, key))
		}
		s.reply(client, map[string]any{"subscribed": msg.Keys}, nil)

	case "sync:unsubscribe":
		for _, key := range msg.Keys {
			s.Hub.Leave(connID, KeyRoom(userID, key))
		}
		s.reply(client, map[string]any{"unsubscribed": msg.Keys}, nil)

	default:
		s.reply(client, nil, apperr.Newf(apperr.Validation, "unknown message type %q", msg.Type))
	}
}

func (s *SocketServer) reply(client *wsClient, payload any, err error) {
	if err != nil {
		client.SendError(err)
		return
	}
	client.Send("response", payload)
}
