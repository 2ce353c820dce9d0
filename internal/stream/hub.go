package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const clientBuffer = 256

// Hub is the connection registry. Rooms are keyed by resource and fan out
// payloads to every member connection. With a redis client, room broadcasts
// are also relayed to hubs in other processes.
type Hub struct {
	redis  *redis.Client
	nodeID string
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[*Client]struct{}
}

type Client struct {
	ID     string
	UserID string
	Send   chan []byte
	rooms  map[string]struct{}
}

type relayMessage struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

func NewHub(redisClient *redis.Client, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		redis:   redisClient,
		nodeID:  uuid.NewString(),
		logger:  logger.With("component", "hub"),
		clients: map[string]*Client{},
		rooms:   map[string]map[*Client]struct{}{},
	}

	if redisClient != nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		h.done = make(chan struct{})
		ready := make(chan struct{})
		go h.subscribeRedis(ctx, ready)
		<-ready
	}
	return h
}

func (h *Hub) Register(userID string) *Client {
	client := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Send:   make(chan []byte, clientBuffer),
		rooms:  map[string]struct{}{},
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
	return client
}

// Unregister removes the client from every room and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	h.leaveAllLocked(client)
	delete(h.clients, client.ID)
	close(client.Send)
}

// Join adds a registered connection to room. It returns false for an
// unknown connection.
func (h *Hub) Join(room, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connID]
	if !ok {
		return false
	}
	if h.rooms[room] == nil {
		h.rooms[room] = map[*Client]struct{}{}
	}
	h.rooms[room][client] = struct{}{}
	client.rooms[room] = struct{}{}
	return true
}

func (h *Hub) LeaveRoom(room, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client, ok := h.clients[connID]; ok {
		h.leaveRoomLocked(room, client)
	}
}

// LeaveAll removes the connection from all its rooms and returns them.
func (h *Hub) LeaveAll(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connID]
	if !ok {
		return nil
	}
	return h.leaveAllLocked(client)
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) InRoom(room, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[connID]
	if !ok {
		return false
	}
	_, in := client.rooms[room]
	return in
}

// Send queues a payload for one connection. Full buffers drop the payload.
func (h *Hub) Send(connID string, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[connID]
	if !ok {
		return false
	}
	select {
	case client.Send <- payload:
		return true
	default:
		return false
	}
}

func (h *Hub) Broadcast(room string, payload []byte) {
	h.deliver(room, payload)

	if h.redis != nil {
		msg, err := json.Marshal(relayMessage{Origin: h.nodeID, Payload: payload})
		if err != nil {
			h.logger.Error("encode relay message failed", "room", room, "error", err)
			return
		}
		if err := h.redis.Publish(context.Background(), redisChannel(room), msg).Err(); err != nil {
			h.logger.Error("redis publish failed", "room", room, "error", err)
		}
	}
}

func (h *Hub) Close() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
}

func (h *Hub) deliver(room string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[room] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) leaveRoomLocked(room string, client *Client) {
	delete(client.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) leaveAllLocked(client *Client) []string {
	left := make([]string, 0, len(client.rooms))
	for room := range client.rooms {
		h.leaveRoomLocked(room, client)
		left = append(left, room)
	}
	return left
}

func (h *Hub) subscribeRedis(ctx context.Context, ready chan<- struct{}) {
	defer close(h.done)

	pubsub := h.redis.PSubscribe(ctx, redisChannel("*"))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		h.logger.Error("redis subscribe failed", "error", err)
	}
	close(ready)

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var relay relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &relay); err != nil || relay.Origin == h.nodeID {
				continue
			}
			if room := roomFromChannel(msg.Channel); room != "" {
				h.deliver(room, relay.Payload)
			}
		}
	}
}

func redisChannel(room string) string {
	return "tracking:" + room + ":broadcast"
}

func roomFromChannel(ch string) string {
	// tracking:{room}:broadcast
	const prefix = "tracking:"
	const suffix = ":broadcast"
	if len(ch) <= len(prefix)+len(suffix) || !strings.HasPrefix(ch, prefix) || !strings.HasSuffix(ch, suffix) {
		return ""
	}
	return ch[len(prefix) : len(ch)-len(suffix)]
}
