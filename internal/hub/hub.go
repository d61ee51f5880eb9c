// Package hub serves a rendezvous document store to websocket clients.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-mesh/internal/metrics"
	"github.com/pelusa-v/pelusa-mesh/internal/rendezvous"
)

type Hub struct {
	mu sync.RWMutex

	Clients map[string]*Client // id -> client

	RegisterChan   chan *Client
	UnregisterChan chan *Client
	done           chan struct{}

	store   rendezvous.Store
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates a hub over store. Run Start before accepting connections.
func New(store rendezvous.Store, m *metrics.Metrics, log zerolog.Logger) *Hub {
	if m == nil {
		m = metrics.New()
	}
	return &Hub{
		Clients:        map[string]*Client{},
		RegisterChan:   make(chan *Client),
		UnregisterChan: make(chan *Client),
		done:           make(chan struct{}),
		store:          store,
		metrics:        m,
		log:            log,
	}
}

// Store returns the document store the hub serves.
func (h *Hub) Store() rendezvous.Store {
	return h.store
}

// Connected clients, optionally excluding one identity.
type ClientJson struct {
	Id       string `json:"id"`
	Identity string `json:"identity"`
}

func (h *Hub) ListClients(exclude string) []ClientJson {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ClientJson, 0, len(h.Clients))
	for id, c := range h.Clients {
		ident := c.identity()
		if exclude != "" && (exclude == id || exclude == ident) {
			continue
		}
		out = append(out, ClientJson{Id: id, Identity: ident})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

func (h *Hub) Start(ctx context.Context) {
	uptime := time.NewTicker(10 * time.Second)
	defer uptime.Stop()
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			clients := h.Clients
			h.Clients = map[string]*Client{}
			h.mu.Unlock()
			for _, c := range clients {
				c.close()
				_ = c.Conn.Close()
			}
			return

		case client := <-h.RegisterChan:
			h.mu.Lock()
			h.Clients[client.Id] = client
			h.mu.Unlock()
			h.metrics.ClientsConnected.Inc()
			h.log.Info().Str("client", client.Id).Msg("client connected")

		case client := <-h.UnregisterChan:
			h.mu.Lock()
			_, known := h.Clients[client.Id]
			delete(h.Clients, client.Id)
			h.mu.Unlock()
			if !known {
				continue
			}
			subs := client.close()
			h.metrics.Subscriptions.Sub(float64(subs))
			h.metrics.ClientsConnected.Dec()
			h.log.Info().Str("client", client.Id).Str("identity", client.identity()).Msg("client disconnected")

		case <-uptime.C:
			h.metrics.UpdateUptime()
		}
	}
}

// Register hands c to the hub loop. It reports false once the hub stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.RegisterChan <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.UnregisterChan <- c:
	case <-h.done:
		c.close()
	}
}

var errSignInRequired = fmt.Errorf("%w: sign in first", rendezvous.ErrPermissionDenied)

// handle executes one request on behalf of c.
func (h *Hub) handle(c *Client, req rendezvous.Request) rendezvous.Response {
	start := time.Now()
	resp, err := h.dispatch(c, req)
	resp.ID = req.ID
	if err != nil {
		resp.Code = rendezvous.ErrorCode(err)
		resp.Error = err.Error()
	}
	status := "success"
	if err != nil {
		status = resp.Code
	}
	h.metrics.RecordStoreOp(req.Op, status, time.Since(start))
	return resp
}

func (h *Hub) dispatch(c *Client, req rendezvous.Request) (rendezvous.Response, error) {
	var resp rendezvous.Response
	ident := c.identity()
	ctx := context.Background()
	if ident != "" {
		ctx = rendezvous.WithCaller(ctx, ident)
	}
	needIdentity := func() error {
		if ident == "" {
			return errSignInRequired
		}
		return nil
	}
	data := func() (map[string]any, error) {
		if len(req.Data) == 0 {
			return map[string]any{}, nil
		}
		var m map[string]any
		if err := json.Unmarshal(req.Data, &m); err != nil {
			return nil, fmt.Errorf("%w: data: %v", rendezvous.ErrInvalidPath, err)
		}
		return m, nil
	}

	switch req.Op {
	case "signIn":
		id, err := h.store.SignIn(ctx, req.Identity)
		if err != nil {
			return resp, err
		}
		c.mu.Lock()
		c.Identity = id
		c.mu.Unlock()
		resp.Identity = id
		return resp, nil

	case "add":
		if err := needIdentity(); err != nil {
			return resp, err
		}
		fields, err := data()
		if err != nil {
			return resp, err
		}
		resp.DocID, err = h.store.Add(ctx, req.Collection, fields)
		return resp, err

	case "set":
		if err := needIdentity(); err != nil {
			return resp, err
		}
		fields, err := data()
		if err != nil {
			return resp, err
		}
		var opts []rendezvous.SetOption
		if req.Merge {
			opts = append(opts, rendezvous.Merge())
		}
		return resp, h.store.Set(ctx, req.Path, fields, opts...)

	case "get":
		doc, err := h.store.Get(ctx, req.Path)
		if err != nil {
			return resp, err
		}
		resp.Doc = &doc
		return resp, nil

	case "delete":
		if err := needIdentity(); err != nil {
			return resp, err
		}
		return resp, h.store.Delete(ctx, req.Path)

	case "query":
		if req.Query == nil {
			return resp, fmt.Errorf("%w: query required", rendezvous.ErrInvalidPath)
		}
		docs, err := h.store.Query(ctx, *req.Query)
		resp.Docs = docs
		return resp, err

	case "increment":
		if err := needIdentity(); err != nil {
			return resp, err
		}
		return resp, h.store.Increment(ctx, req.Path, req.Field, req.Delta)

	case "subscribe":
		if req.Query == nil || req.Sub == 0 {
			return resp, fmt.Errorf("%w: query and sub required", rendezvous.ErrInvalidPath)
		}
		subID := req.Sub
		cancel, err := h.store.Subscribe(ctx, *req.Query, func(s rendezvous.Snapshot) {
			c.push(&rendezvous.Response{Sub: subID, Snapshot: &s})
		})
		if err != nil {
			return resp, err
		}
		if !c.addSub(subID, cancel) {
			cancel()
			return resp, rendezvous.ErrUnavailable
		}
		h.metrics.Subscriptions.Inc()
		resp.Sub = subID
		return resp, nil

	case "unsubscribe":
		if c.dropSub(req.Sub) {
			h.metrics.Subscriptions.Dec()
		}
		return resp, nil
	}
	return resp, fmt.Errorf("%w: unknown op %q", rendezvous.ErrInvalidPath, req.Op)
}
