// Package mesh keeps one direct connection per remote participant of a mesh
// room, negotiated through signals in the rendezvous store.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-mesh/internal/metrics"
	"github.com/pelusa-v/pelusa-mesh/internal/rendezvous"
)

var (
	ErrNotJoined = errors.New("mesh: not joined to a room")
	ErrClosed    = errors.New("mesh: manager closed")
)

const channelLabel = "chat"

type Options struct {
	Store     rendezvous.Store
	Identity  string
	Transport Transport

	// NegotiationTimeout closes a peer that is not open in time. Zero
	// disables it.
	NegotiationTimeout time.Duration

	OnMessage     func(from, text string)
	OnStateChange func(peer string, s State)
	OnTrack       func(peer string, t RemoteTrack)

	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

// Manager owns every connection of one mesh session. Create one per session
// and Disconnect it when done.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	roomID  string
	peers   map[string]*peer
	cancels []func()
	tracks  []MediaTrack
	closed  bool
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:  opts,
		log:   opts.Log.With().Str("identity", opts.Identity).Logger(),
		peers: map[string]*peer{},
	}
}

// RoomID returns the joined room, or "".
func (m *Manager) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

// JoinRoom registers the local participant and starts discovery. Signals are
// subscribed first so an early offer is not missed.
func (m *Manager) JoinRoom(ctx context.Context, roomID string) error {
	if m.opts.Store == nil || m.opts.Transport == nil {
		return rendezvous.ErrUnavailable
	}
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.roomID != "":
		m.mu.Unlock()
		return fmt.Errorf("mesh: already joined %s", m.roomID)
	}
	m.roomID = roomID
	m.mu.Unlock()

	store, me := m.opts.Store, m.opts.Identity
	cancelSignals, err := SubscribeSignalsFor(ctx, store, roomID, me, m.onSignal)
	if err != nil {
		m.resetJoin()
		return fmt.Errorf("subscribe signals: %w", err)
	}
	m.track(cancelSignals)

	err = store.Set(ctx, rendezvous.Doc(participantsPath(roomID), me), map[string]any{
		"identity": me,
		"joinedAt": rendezvous.ServerTimestamp,
	})
	if err != nil {
		m.resetJoin()
		return fmt.Errorf("register participant: %w", err)
	}

	cancelPeers, err := store.Subscribe(ctx, rendezvous.Query{Collection: participantsPath(roomID)}, m.onParticipants)
	if err != nil {
		m.resetJoin()
		return fmt.Errorf("subscribe participants: %w", err)
	}
	m.track(cancelPeers)
	m.log.Debug().Str("room", roomID).Msg("joined mesh room")
	return nil
}

func (m *Manager) track(cancel func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancels = append(m.cancels, cancel)
	m.mu.Unlock()
}

func (m *Manager) resetJoin() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	m.roomID = ""
	m.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (m *Manager) onParticipants(snap rendezvous.Snapshot) {
	for _, ch := range snap.Changes {
		id := ch.Doc.ID
		if id == m.opts.Identity {
			continue
		}
		switch ch.Kind {
		case rendezvous.Added:
			m.ConnectToPeer(id)
		case rendezvous.Removed:
			m.closePeer(id, "participant left")
		}
	}
}

// ConnectToPeer starts a connection to remote unless one already exists,
// in any state. The side that sorts first sends the offer.
func (m *Manager) ConnectToPeer(remote string) {
	p, created := m.ensurePeer(remote)
	if p == nil || !created {
		return
	}
	if p.initiator {
		p.work.push(func() { m.startOffer(p) })
	} else {
		p.work.push(func() { _, _ = m.ensureConn(p) })
	}
}

// ensurePeer returns the peer for remote, creating it in Discovered.
func (m *Manager) ensurePeer(remote string) (*peer, bool) {
	if remote == "" || remote == m.opts.Identity {
		return nil, false
	}
	m.mu.Lock()
	if m.closed || m.roomID == "" {
		m.mu.Unlock()
		return nil, false
	}
	if p, ok := m.peers[remote]; ok {
		m.mu.Unlock()
		return p, false
	}
	p := &peer{id: remote, initiator: Initiates(m.opts.Identity, remote), state: Discovered}
	m.peers[remote] = p
	m.mu.Unlock()

	m.opts.Metrics.RecordPeerState(Discovered.String(), false, false)
	m.log.Debug().Str("peer", remote).Bool("initiator", p.initiator).Msg("peer discovered")
	m.notifyState(remote, Discovered)
	return p, true
}

func (m *Manager) onSignal(sig Signal) {
	p, _ := m.ensurePeer(sig.From)
	if p == nil {
		return
	}
	p.work.push(func() {
		m.handleSignal(p, sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := consumeSignal(ctx, m.opts.Store, m.RoomID(), sig.ID); err != nil {
			m.log.Debug().Err(err).Str("signal", sig.ID).Msg("signal not consumed")
		}
	})
}

// Send broadcasts text to every open peer and returns how many accepted it.
// Peers that are not open do not get it later.
func (m *Manager) Send(text string) int {
	m.mu.Lock()
	targets := map[string]DataChannel{}
	for id, p := range m.peers {
		if p.state == Open && p.channel != nil {
			targets[id] = p.channel
		}
	}
	m.mu.Unlock()

	sent := 0
	for id, ch := range targets {
		if err := ch.SendText(text); err != nil {
			m.log.Debug().Err(err).Str("peer", id).Msg("send failed")
			continue
		}
		sent++
	}
	return sent
}

// ShareTracks adds tracks to every open connection and renegotiates. Peers
// opened later get them during their first negotiation.
func (m *Manager) ShareTracks(tracks ...MediaTrack) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.roomID == "" {
		m.mu.Unlock()
		return ErrNotJoined
	}
	m.tracks = append(m.tracks, tracks...)
	var open []*peer
	for _, p := range m.peers {
		if p.state == Open && p.conn != nil {
			open = append(open, p)
		}
	}
	m.mu.Unlock()

	for _, p := range open {
		p.work.push(func() { m.renegotiate(p, tracks) })
	}
	return nil
}

// PeerCount returns the number of connection entries, closed ones included.
func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// OpenCount returns the number of peers in Open.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.peers {
		if p.state == Open {
			n++
		}
	}
	return n
}

func (m *Manager) PeerState(remote string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[remote]
	if !ok {
		return 0, false
	}
	return p.state, true
}

// Peers lists remote identities, sorted.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Disconnect tears down every connection, cancels the subscriptions and
// removes the local participant. A room still waiting for a guest is closed.
// Calling it again does nothing.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	roomID := m.roomID
	cancels := m.cancels
	m.cancels = nil
	peers := m.peers
	m.peers = map[string]*peer{}
	var wasOpen []bool
	for _, p := range peers {
		wasOpen = append(wasOpen, p.state == Open)
		p.state = Closed
		p.stopTimer()
	}
	m.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	for _, p := range peers {
		if p.channel != nil {
			_ = p.channel.Close()
		}
		if p.conn != nil {
			_ = p.conn.Close()
		}
	}
	for _, open := range wasOpen {
		m.opts.Metrics.RecordPeerState(Closed.String(), false, open)
	}
	if roomID != "" && m.opts.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.opts.Store.Delete(ctx, rendezvous.Doc(participantsPath(roomID), m.opts.Identity)); err != nil {
			m.log.Debug().Err(err).Msg("participant not removed")
		}
		if err := releaseWaiting(ctx, m.opts.Store, roomID, m.opts.Identity); err != nil {
			m.log.Debug().Err(err).Msg("waiting room not released")
		}
	}
	m.log.Debug().Str("room", roomID).Int("peers", len(peers)).Msg("mesh disconnected")
}

func (m *Manager) notifyState(remote string, s State) {
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(remote, s)
	}
}
