package hub

import (
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"

	"github.com/pelusa-v/pelusa-mesh/internal/rendezvous"
)

// Client is one websocket connection to the hub.
type Client struct {
	Id       string
	Identity string // set by signIn
	Conn     ConnLike
	Send     chan []byte

	hub    *Hub
	mu     sync.Mutex
	subs   map[int64]func()
	closed bool
}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// NewClient wraps conn; the caller runs ReadPump and WritePump.
func NewClient(h *Hub, id string, conn ConnLike) *Client {
	return &Client{
		Id:   id,
		Conn: conn,
		Send: make(chan []byte, 64),
		hub:  h,
		subs: map[int64]func(){},
	}
}

func (c *Client) identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Identity
}

func (c *Client) ReadPump() {
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			c.hub.unregister(c)
			return
		}
		var req rendezvous.Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		resp := c.hub.handle(c, req)
		c.push(&resp)
	}
}

func (c *Client) WritePump() {
	for data := range c.Send {
		_ = c.Conn.WriteMessage(websocket.TextMessage, data)
	}
}

// push queues a frame. A client whose buffer is full is cut off: its
// snapshots carry change lists that cannot be skipped.
func (c *Client) push(resp *rendezvous.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- data:
	default:
		c.hub.metrics.SlowClientsTotal.Inc()
		c.hub.log.Warn().Str("client", c.Id).Str("identity", c.Identity).Msg("send buffer full, disconnecting")
		_ = c.Conn.Close()
	}
}

func (c *Client) addSub(id int64, cancel func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if prev, ok := c.subs[id]; ok {
		prev()
	}
	c.subs[id] = cancel
	return true
}

func (c *Client) dropSub(id int64) bool {
	c.mu.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// close cancels every subscription and ends WritePump. Safe to call twice.
func (c *Client) close() int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	c.closed = true
	subs := c.subs
	c.subs = map[int64]func(){}
	close(c.Send)
	c.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	return len(subs)
}
