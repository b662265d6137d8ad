package sim

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// hub tracks live websocket clients and their room membership. Rooms are
// scoped per tenant so two restaurants never share a fanout path even if
// they pick the same room name.
type hub struct {
	logger *zap.Logger

	mu    sync.RWMutex
	rooms map[string]map[*wsClient]struct{}
}

type wsClient struct {
	conn   *websocket.Conn
	tenant string

	writeMu sync.Mutex
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		logger: logger,
		rooms:  make(map[string]map[*wsClient]struct{}),
	}
}

func roomKey(tenant, room string) string {
	return tenant + "/" + room
}

// join is idempotent; joining twice is the same as joining once.
func (h *hub) join(c *wsClient, room string) {
	key := roomKey(c.tenant, room)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[key] == nil {
		h.rooms[key] = make(map[*wsClient]struct{})
	}
	h.rooms[key][c] = struct{}{}
}

// drop removes the client from every room. Called when its connection
// dies — which is exactly why real clients must rejoin after reconnecting.
func (h *hub) drop(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, key)
		}
	}
}

// broadcast sends an event to every member of a tenant's room.
func (h *hub) broadcast(tenant, room, event string, payload any) {
	h.mu.RLock()
	members := make([]*wsClient, 0, 4)
	for c := range h.rooms[roomKey(tenant, room)] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		if err := c.send(event, payload); err != nil {
			h.logger.Debug("dropping unreachable room member",
				zap.String("room", room), zap.Error(err))
		}
	}
}

func (c *wsClient) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(wireFrame{Event: event, Data: data})
}

// wireFrame mirrors the client's envelope.
type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}
