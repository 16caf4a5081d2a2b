package game

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	log "github.com/sirupsen/logrus"
)

// Conn is the subset of the websocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// outQueueSize is the per-connection high-water mark. Ticks beyond it are
// dropped oldest-first; critical events beyond it disconnect the client.
const outQueueSize = 256

// WireMessage is the JSON frame for every socket message, both directions.
type WireMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func marshalWire(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WireMessage{Event: event, Data: raw})
}

// Client is one websocket connection of an authenticated user. A user may
// hold several.
type Client struct {
	hub    *Hub
	conn   Conn
	userID string

	out       chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// UserID returns the owner of the connection.
func (c *Client) UserID() string { return c.userID }

// writePump drains the outgoing queue onto the socket. One per client.
func (c *Client) writePump() {
	for {
		select {
		case msg := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.WithField("component", "hub").
					WithField("user_id", c.userID).
					Debugf("write error: %v", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueueTick is the best-effort path for multiplier ticks: when the queue
// is full, the oldest queued message is dropped to make room.
func (c *Client) enqueueTick(msg []byte) {
	for {
		select {
		case c.out <- msg:
			return
		case <-c.done:
			return
		default:
		}
		select {
		case <-c.out: // drop oldest
		default:
		}
	}
}

// enqueueCritical is the must-deliver path: wallet updates, acknowledgements
// and cash-out activations. Overflow disconnects the client rather than
// dropping the event.
func (c *Client) enqueueCritical(msg []byte) {
	select {
	case c.out <- msg:
	case <-c.done:
	default:
		log.WithField("component", "hub").
			WithField("user_id", c.userID).
			Warn("critical queue overflow, disconnecting client")
		c.close()
	}
}

// Send delivers a per-connection event on the critical path. The websocket
// handler uses it for request acknowledgements.
func (c *Client) Send(event string, data any) {
	msg, err := marshalWire(event, data)
	if err != nil {
		log.WithField("component", "hub").Errorf("marshal error: %v", err)
		return
	}
	c.enqueueCritical(msg)
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Hub owns every authenticated connection, the broadcast fan-out and the
// per-user rooms for targeted events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		rooms:   make(map[string]map[*Client]bool),
	}
}

// Register attaches an authenticated connection and joins the user's room.
func (h *Hub) Register(conn Conn, userID string) *Client {
	client := &Client{
		hub:    h,
		conn:   conn,
		userID: userID,
		out:    make(chan []byte, outQueueSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client] = true
	if h.rooms[userID] == nil {
		h.rooms[userID] = make(map[*Client]bool)
	}
	h.rooms[userID][client] = true
	total := len(h.clients)
	h.mu.Unlock()

	go client.writePump()

	log.WithField("component", "hub").
		WithField("user_id", userID).
		Infof("client connected (total: %d)", total)
	return client
}

// Unregister detaches a connection and closes it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		if room := h.rooms[client.userID]; room != nil {
			delete(room, client)
			if len(room) == 0 {
				delete(h.rooms, client.userID)
			}
		}
	}
	total := len(h.clients)
	h.mu.Unlock()

	client.close()
	log.WithField("component", "hub").
		WithField("user_id", client.userID).
		Infof("client disconnected (total: %d)", total)
}

// Broadcast sends an event to every connection on the critical path.
func (h *Hub) Broadcast(event string, data any) {
	h.fanOut(event, data, false)
}

// BroadcastTick sends a best-effort event to every connection; under
// backpressure the oldest queued messages are dropped per connection.
func (h *Hub) BroadcastTick(event string, data any) {
	h.fanOut(event, data, true)
}

func (h *Hub) fanOut(event string, data any, bestEffort bool) {
	msg, err := marshalWire(event, data)
	if err != nil {
		log.WithField("component", "hub").Errorf("marshal error: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if bestEffort {
			client.enqueueTick(msg)
		} else {
			client.enqueueCritical(msg)
		}
	}
}

// SendToUser delivers a targeted event to every connection in the user's
// room. Always critical: these are wallet updates and settlement results.
func (h *Hub) SendToUser(userID, event string, data any) {
	msg, err := marshalWire(event, data)
	if err != nil {
		log.WithField("component", "hub").Errorf("marshal error: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[userID] {
		client.enqueueCritical(msg)
	}
}

// ClientCount reports connected clients for the health endpoint.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ConsumeEngine translates engine events into wire broadcasts. Runs until
// the channel closes; the composition root starts it once.
func (h *Hub) ConsumeEngine(events <-chan Event) {
	for ev := range events {
		switch ev.Type {
		case Tick:
			h.BroadcastTick("gameState", payloadFromEvent(ev))
		case PhaseChanged, Crashed:
			h.Broadcast("gameState", payloadFromEvent(ev))
		case Aborted:
			// an aborted lock is a server fault, so the void carries the
			// system-error code alongside the cycle id
			h.Broadcast("cycleVoided", map[string]string{
				"cycleId": ev.Snapshot.CycleID.String(),
				"error":   "system-error",
			})
		}
	}
}
