package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-mesh/internal/logger"
)

// Client is a Store backed by a hub over one websocket connection. It does not
// reconnect; once the connection drops every call fails with ErrUnavailable
// and callers re-dial.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan Response
	subs    map[int64]*deliveryQueue
	closed  bool
	done    chan struct{}

	log zerolog.Logger
}

// Dial connects to a hub websocket endpoint such as ws://host:3000/api/ws.
func Dial(ctx context.Context, url string, log zerolog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, url, err)
	}
	c := &Client{
		conn:    conn,
		pending: map[int64]chan Response{},
		subs:    map[int64]*deliveryQueue{},
		done:    make(chan struct{}),
		log:     log,
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		var resp Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.Warn().Err(err).Msg("hub connection lost")
			}
			return
		}
		if resp.ID == 0 && resp.Sub != 0 {
			c.mu.Lock()
			q := c.subs[resp.Sub]
			c.mu.Unlock()
			if q != nil && resp.Snapshot != nil {
				q.push(*resp.Snapshot)
			}
			continue
		}
		c.mu.Lock()
		ch := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- resp
		}
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	close(c.done)
	c.closed = true
	for _, q := range c.subs {
		q.stop()
	}
	c.subs = map[int64]*deliveryQueue{}
	c.pending = map[int64]chan Response{}
}

func (c *Client) send(req Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	ch := make(chan Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Response{}, ErrUnavailable
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}

	if err := c.send(req); err != nil {
		forget()
		return Response{}, err
	}

	var (
		resp Response
		err  error
	)
	select {
	case resp = <-ch:
		err = errorFromWire(resp.Code, resp.Error)
	case <-ctx.Done():
		forget()
		err = ctx.Err()
	case <-c.done:
		err = ErrUnavailable
	}
	logger.LogStoreOp(c.log, req.Op, req.Path+req.Collection, time.Since(start), err)
	return resp, err
}

func encodeData(data any) (json.RawMessage, error) {
	fields, err := normalize(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// SignIn binds the connection to identity.
func (c *Client) SignIn(ctx context.Context, identity string) (string, error) {
	resp, err := c.call(ctx, Request{Op: "signIn", Identity: identity})
	if err != nil {
		return "", err
	}
	return resp.Identity, nil
}

func (c *Client) Add(ctx context.Context, collection string, data any) (string, error) {
	raw, err := encodeData(data)
	if err != nil {
		return "", err
	}
	resp, err := c.call(ctx, Request{Op: "add", Collection: collection, Data: raw})
	if err != nil {
		return "", err
	}
	return resp.DocID, nil
}

func (c *Client) Set(ctx context.Context, path string, data any, opts ...SetOption) error {
	raw, err := encodeData(data)
	if err != nil {
		return err
	}
	o := applySetOptions(opts)
	_, err = c.call(ctx, Request{Op: "set", Path: path, Data: raw, Merge: o.merge})
	return err
}

func (c *Client) Get(ctx context.Context, path string) (Document, error) {
	resp, err := c.call(ctx, Request{Op: "get", Path: path})
	if err != nil {
		return Document{}, err
	}
	if resp.Doc == nil {
		return Document{}, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return *resp.Doc, nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.call(ctx, Request{Op: "delete", Path: path})
	return err
}

func (c *Client) Query(ctx context.Context, q Query) ([]Document, error) {
	resp, err := c.call(ctx, Request{Op: "query", Query: &q})
	if err != nil {
		return nil, err
	}
	return resp.Docs, nil
}

func (c *Client) Increment(ctx context.Context, path, field string, delta int64) error {
	_, err := c.call(ctx, Request{Op: "increment", Path: path, Field: field, Delta: delta})
	return err
}

// Subscribe registers the delivery queue before asking the hub, so a push
// that races the acknowledgement is not lost.
func (c *Client) Subscribe(ctx context.Context, q Query, fn func(Snapshot)) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrUnavailable
	}
	c.nextID++
	subID := c.nextID
	queue := newDeliveryQueue(fn)
	c.subs[subID] = queue
	c.mu.Unlock()

	drop := func() {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
		queue.stop()
	}

	if _, err := c.call(ctx, Request{Op: "subscribe", Sub: subID, Query: &q}); err != nil {
		drop()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			drop()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _ = c.call(ctx, Request{Op: "unsubscribe", Sub: subID})
		})
	}, nil
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
