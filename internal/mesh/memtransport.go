package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

var (
	errNoRemoteDescription = errors.New("mesh: remote description not set")
	errChannelNotOpen      = errors.New("mesh: data channel not open")
	errConnClosed          = errors.New("mesh: connection closed")
)

// MemoryNetwork is an in-process Transport. Connections created from the same
// network link once an offer/answer exchange completes, then open their data
// channels. Callbacks run on a per-connection goroutine, in order.
type MemoryNetwork struct {
	mu    sync.Mutex
	conns map[string]*memConn
	next  int
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{conns: map[string]*memConn{}}
}

// Created returns how many connections were ever created.
func (n *MemoryNetwork) Created() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.next
}

func (n *MemoryNetwork) NewPeerConn() (PeerConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	c := &memConn{
		net:      n,
		id:       "mem" + strconv.Itoa(n.next),
		channels: map[string]*memChannel{},
		seen:     map[string]bool{},
	}
	n.conns[c.id] = c
	return c, nil
}

func (n *MemoryNetwork) lookup(id string) *memConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[id]
}

type memDesc struct {
	Type     string       `json:"type"`
	Conn     string       `json:"conn"`
	Channels []string     `json:"channels,omitempty"`
	Tracks   []MediaTrack `json:"tracks,omitempty"`
}

type memConn struct {
	net    *MemoryNetwork
	id     string
	events serial

	mu         sync.Mutex
	local      *memDesc
	remote     *memDesc
	peer       *memConn
	closed     bool
	channels   map[string]*memChannel
	tracks     []MediaTrack
	seen       map[string]bool // remote track ids already reported
	candidates int

	onDC    func(DataChannel)
	onCand  func(json.RawMessage)
	onState func(ConnState)
	onTrack func(RemoteTrack)
}

func (c *memConn) emit(fn func()) {
	c.events.push(fn)
}

func (c *memConn) CreateDataChannel(label string) (DataChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errConnClosed
	}
	ch := &memChannel{label: label, owner: c}
	c.channels[label] = ch
	return ch, nil
}

func (c *memConn) OnDataChannel(fn func(DataChannel)) {
	c.mu.Lock()
	c.onDC = fn
	c.mu.Unlock()
}

func (c *memConn) OnICECandidate(fn func(json.RawMessage)) {
	c.mu.Lock()
	c.onCand = fn
	c.mu.Unlock()
}

func (c *memConn) OnConnectionStateChange(fn func(ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *memConn) OnTrack(fn func(RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *memConn) describe(kind string) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errConnClosed
	}
	if kind == "answer" && c.remote == nil {
		c.mu.Unlock()
		return nil, errNoRemoteDescription
	}
	d := &memDesc{Type: kind, Conn: c.id, Tracks: append([]MediaTrack(nil), c.tracks...)}
	for label := range c.channels {
		d.Channels = append(d.Channels, label)
	}
	first := c.local == nil
	c.local = d
	onCand := c.onCand
	c.mu.Unlock()

	if first && onCand != nil {
		cand := json.RawMessage(fmt.Sprintf(`{"candidate":"memory %s"}`, c.id))
		c.emit(func() { onCand(cand) })
	}
	return json.Marshal(d)
}

func (c *memConn) CreateOffer() (json.RawMessage, error)  { return c.describe("offer") }
func (c *memConn) CreateAnswer() (json.RawMessage, error) { return c.describe("answer") }

func (c *memConn) SetRemoteDescription(raw json.RawMessage) error {
	var d memDesc
	if err := json.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("decode description: %w", err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errConnClosed
	}
	c.remote = &d
	var fresh []MediaTrack
	for _, t := range d.Tracks {
		if !c.seen[t.ID] {
			c.seen[t.ID] = true
			fresh = append(fresh, t)
		}
	}
	onTrack := c.onTrack
	linkable := d.Type == "answer" && c.local != nil && c.peer == nil
	c.mu.Unlock()

	if onTrack != nil {
		for _, t := range fresh {
			rt := RemoteTrack(t)
			c.emit(func() { onTrack(rt) })
		}
	}
	if linkable {
		if other := c.net.lookup(d.Conn); other != nil {
			link(c, other)
		}
	}
	return nil
}

// link pairs an offerer with its answerer and opens the offerer's channels.
func link(offerer, answerer *memConn) {
	offerer.mu.Lock()
	answerer.mu.Lock()
	if offerer.closed || answerer.closed || answerer.remote == nil || answerer.remote.Conn != offerer.id {
		answerer.mu.Unlock()
		offerer.mu.Unlock()
		return
	}
	offerer.peer = answerer
	answerer.peer = offerer
	var pairs [][2]*memChannel
	for label, ch := range offerer.channels {
		other := &memChannel{label: label, owner: answerer}
		ch.peer = other
		other.peer = ch
		answerer.channels[label] = other
		pairs = append(pairs, [2]*memChannel{ch, other})
	}
	onDC := answerer.onDC
	offState, ansState := offerer.onState, answerer.onState
	answerer.mu.Unlock()
	offerer.mu.Unlock()

	if offState != nil {
		offerer.emit(func() { offState(ConnConnected) })
	}
	if ansState != nil {
		answerer.emit(func() { ansState(ConnConnected) })
	}
	for _, p := range pairs {
		local, remote := p[0], p[1]
		if onDC != nil {
			answerer.emit(func() { onDC(remote) })
		}
		local.open()
		remote.open()
	}
}

func (c *memConn) AddICECandidate(raw json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if c.remote == nil {
		return errNoRemoteDescription
	}
	c.candidates++
	return nil
}

func (c *memConn) AddTrack(t MediaTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.tracks = append(c.tracks, t)
	return nil
}

func (c *memConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	peer := c.peer
	chans := make([]*memChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	onState := c.onState
	c.mu.Unlock()

	for _, ch := range chans {
		_ = ch.Close()
	}
	if onState != nil {
		c.emit(func() { onState(ConnClosed) })
	}
	if peer != nil {
		peer.mu.Lock()
		ps := peer.onState
		peer.mu.Unlock()
		if ps != nil {
			peer.emit(func() { ps(ConnDisconnected) })
		}
	}
	c.net.mu.Lock()
	delete(c.net.conns, c.id)
	c.net.mu.Unlock()
	return nil
}

type memChannel struct {
	label string
	owner *memConn

	mu        sync.Mutex
	peer      *memChannel
	isOpen    bool
	closed    bool
	onOpen    func()
	onMessage func(string)
	onClose   func()
}

func (ch *memChannel) Label() string { return ch.label }

func (ch *memChannel) OnOpen(fn func()) {
	ch.mu.Lock()
	ch.onOpen = fn
	open := ch.isOpen
	ch.mu.Unlock()
	if open {
		ch.owner.emit(fn)
	}
}

func (ch *memChannel) OnMessage(fn func(string)) {
	ch.mu.Lock()
	ch.onMessage = fn
	ch.mu.Unlock()
}

func (ch *memChannel) OnClose(fn func()) {
	ch.mu.Lock()
	ch.onClose = fn
	ch.mu.Unlock()
}

// open is queued on the owner's goroutine so a handler installed from an
// OnDataChannel callback sees it.
func (ch *memChannel) open() {
	ch.owner.emit(func() {
		ch.mu.Lock()
		if ch.closed || ch.isOpen {
			ch.mu.Unlock()
			return
		}
		ch.isOpen = true
		fn := ch.onOpen
		ch.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (ch *memChannel) SendText(text string) error {
	ch.mu.Lock()
	if !ch.isOpen || ch.closed {
		ch.mu.Unlock()
		return errChannelNotOpen
	}
	peer := ch.peer
	ch.mu.Unlock()

	peer.owner.emit(func() {
		peer.mu.Lock()
		fn := peer.onMessage
		closed := peer.closed
		peer.mu.Unlock()
		if fn != nil && !closed {
			fn(text)
		}
	})
	return nil
}

func (ch *memChannel) Close() error {
	ch.shut()
	ch.mu.Lock()
	peer := ch.peer
	ch.mu.Unlock()
	if peer != nil {
		peer.shut()
	}
	return nil
}

func (ch *memChannel) shut() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	wasOpen := ch.isOpen
	ch.isOpen = false
	fn := ch.onClose
	ch.mu.Unlock()
	if wasOpen && fn != nil {
		ch.owner.emit(fn)
	}
}
