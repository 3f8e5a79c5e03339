// Package live pushes new measurements to dashboards over WebSocket, isolated per organization.
package live

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-iot-hub/internal/metrics"
	"github.com/ponytojas/go-iot-hub/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Message types sent to clients.
const (
	TypeMeasurement = "measurement"
	TypeWelcome     = "welcome"
)

// Message is the envelope of every frame the hub sends.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// Client is one websocket connection.
type Client struct {
	ID        string
	orgID     *int64
	superuser bool
	conn      *websocket.Conn
	send      chan []byte
}

// Hub fans messages out to the connections of an organization. Superusers see every
// organization, including devices that belong to none.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[int64]map[*Client]bool
	all      map[*Client]bool
	buffer   int
	upgrader websocket.Upgrader
}

// NewHub creates a hub whose clients queue at most buffer frames before they are dropped.
func NewHub(buffer int, allowedOrigins []string) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		rooms:  map[int64]map[*Client]bool{},
		all:    map[*Client]bool{},
		buffer: buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

func newClient(u *models.User, conn *websocket.Conn, buffer int) *Client {
	return &Client{
		ID:        uuid.New().String(),
		orgID:     u.OrganizationID,
		superuser: u.IsSuperuser,
		conn:      conn,
		send:      make(chan []byte, buffer),
	}
}

// Register adds c to its room.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case c.superuser:
		h.all[c] = true
	case c.orgID != nil:
		room, ok := h.rooms[*c.orgID]
		if !ok {
			room = map[*Client]bool{}
			h.rooms[*c.orgID] = room
		}
		room[c] = true
	default:
		// Users without an organization receive nothing.
		return
	}
	metrics.LiveConnections.Inc()
	log.Info().Str("client", c.ID).Interface("organization_id", c.orgID).Msg("Live client connected")
}

// Unregister removes c and closes its send queue. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	removed := false
	if h.all[c] {
		delete(h.all, c)
		removed = true
	}
	if c.orgID != nil {
		if room, ok := h.rooms[*c.orgID]; ok && room[c] {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, *c.orgID)
			}
			removed = true
		}
	}
	if removed {
		close(c.send)
		metrics.LiveConnections.Dec()
		log.Info().Str("client", c.ID).Msg("Live client disconnected")
	}
}

// Broadcast delivers msg to the room of orgID and to superusers. Clients whose queue
// is full are dropped.
func (h *Hub) Broadcast(orgID *int64, msg Message) {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to encode live message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	targets := make([]*Client, 0, len(h.all))
	for c := range h.all {
		targets = append(targets, c)
	}
	if orgID != nil {
		for c := range h.rooms[*orgID] {
			targets = append(targets, c)
		}
	}
	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			log.Warn().Str("client", c.ID).Msg("Live client too slow, dropping")
			h.removeLocked(c)
		}
	}
}

// BroadcastMeasurement publishes a stored measurement to the device's organization.
func (h *Hub) BroadcastMeasurement(orgID *int64, m *models.Measurement) {
	h.Broadcast(orgID, Message{Type: TypeMeasurement, Data: m})
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.all)
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}

// ServeWS upgrades the request and streams messages for u until the connection ends.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, u *models.User) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := newClient(u, conn, h.buffer)
	welcome, _ := json.Marshal(Message{
		Type:      TypeWelcome,
		Data:      map[string]interface{}{"client_id": c.ID, "organization_id": u.OrganizationID},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	c.send <- welcome
	h.Register(c)

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards inbound frames and keeps the pong deadline fresh.
func (h *Hub) readPump(c *Client) {
	defer func() {
		h.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client", c.ID).Msg("WebSocket read error")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.Unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Unregister(c)
				return
			}
		}
	}
}
