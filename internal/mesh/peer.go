package mesh

import (
	"context"
	"encoding/json"
	"time"
)

// peer is the connection to one remote identity. Fields are guarded by the
// manager's mutex; transport calls for a peer run on its work queue and its
// signal writes on its out queue, so both stay in order per remote.
type peer struct {
	id        string
	initiator bool
	state     State

	conn    PeerConn
	channel DataChannel
	timer   *time.Timer

	localSent     bool
	pendingLocal  []json.RawMessage // candidates produced before our description went out
	remoteSet     bool
	pendingRemote []json.RawMessage // candidates received before the remote description

	work serial
	out  serial
}

func (p *peer) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// setState moves p forward. It reports false when next is not ahead of the
// current state.
func (m *Manager) setState(p *peer, next State) bool {
	m.mu.Lock()
	prev := p.state
	if next <= prev {
		m.mu.Unlock()
		return false
	}
	p.state = next
	if next == Open || next == Closed {
		p.stopTimer()
	}
	m.mu.Unlock()

	m.opts.Metrics.RecordPeerState(next.String(), next == Open, prev == Open)
	m.log.Debug().Str("peer", p.id).Str("from", prev.String()).Str("to", next.String()).Msg("peer state")
	m.notifyState(p.id, next)
	return true
}

// closePeer moves a peer to Closed and releases its transport. The entry
// stays so the same identity is not connected again.
func (m *Manager) closePeer(remote, reason string) {
	m.mu.Lock()
	p, ok := m.peers[remote]
	m.mu.Unlock()
	if !ok {
		return
	}
	if !m.setState(p, Closed) {
		return
	}
	m.log.Debug().Str("peer", remote).Str("reason", reason).Msg("peer closed")
	m.mu.Lock()
	conn, ch := p.conn, p.channel
	m.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) isClosed(p *peer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed || p.state == Closed
}

// ensureConn creates the transport for p on first use. Only p's work queue
// calls it.
func (m *Manager) ensureConn(p *peer) (PeerConn, error) {
	m.mu.Lock()
	if m.closed || p.state == Closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if p.conn != nil {
		conn := p.conn
		m.mu.Unlock()
		return conn, nil
	}
	m.mu.Unlock()

	conn, err := m.opts.Transport.NewPeerConn()
	if err != nil {
		m.log.Warn().Err(err).Str("peer", p.id).Msg("create connection")
		m.closePeer(p.id, "transport error")
		return nil, err
	}
	conn.OnICECandidate(func(c json.RawMessage) { m.onLocalCandidate(p, c) })
	conn.OnDataChannel(func(dc DataChannel) { m.attachChannel(p, dc) })
	conn.OnConnectionStateChange(func(s ConnState) {
		if s == ConnFailed || s == ConnClosed {
			m.closePeer(p.id, "connection "+string(s))
		}
	})
	conn.OnTrack(func(t RemoteTrack) {
		if m.opts.OnTrack != nil {
			m.opts.OnTrack(p.id, t)
		}
	})

	m.mu.Lock()
	if m.closed || p.state == Closed {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	p.conn = conn
	tracks := append([]MediaTrack(nil), m.tracks...)
	if d := m.opts.NegotiationTimeout; d > 0 {
		p.timer = time.AfterFunc(d, func() { m.negotiationExpired(p) })
	}
	m.mu.Unlock()

	for _, t := range tracks {
		if err := conn.AddTrack(t); err != nil {
			m.log.Warn().Err(err).Str("track", t.ID).Msg("add track")
		}
	}
	m.setState(p, Connecting)
	return conn, nil
}

func (m *Manager) negotiationExpired(p *peer) {
	m.mu.Lock()
	stuck := p.state == Connecting || p.state == Negotiating
	m.mu.Unlock()
	if stuck {
		m.log.Warn().Str("peer", p.id).Msg("negotiation timed out")
		m.closePeer(p.id, "negotiation timeout")
	}
}

func (m *Manager) startOffer(p *peer) {
	conn, err := m.ensureConn(p)
	if err != nil {
		return
	}
	dc, err := conn.CreateDataChannel(channelLabel)
	if err != nil {
		m.log.Warn().Err(err).Str("peer", p.id).Msg("create data channel")
		m.closePeer(p.id, "data channel error")
		return
	}
	m.attachChannel(p, dc)
	offer, err := conn.CreateOffer()
	if err != nil {
		m.log.Warn().Err(err).Str("peer", p.id).Msg("create offer")
		m.closePeer(p.id, "offer error")
		return
	}
	m.setState(p, Negotiating)
	m.sendDescription(p, KindOffer, offer)
}

func (m *Manager) renegotiate(p *peer, tracks []MediaTrack) {
	if m.isClosed(p) {
		return
	}
	m.mu.Lock()
	conn := p.conn
	m.mu.Unlock()
	for _, t := range tracks {
		if err := conn.AddTrack(t); err != nil {
			m.log.Warn().Err(err).Str("track", t.ID).Msg("add track")
		}
	}
	offer, err := conn.CreateOffer()
	if err != nil {
		m.log.Warn().Err(err).Str("peer", p.id).Msg("renegotiation offer")
		return
	}
	m.sendDescription(p, KindOffer, offer)
}

func (m *Manager) handleSignal(p *peer, sig Signal) {
	if m.isClosed(p) {
		return
	}
	switch sig.Kind {
	case KindOffer:
		conn, err := m.ensureConn(p)
		if err != nil {
			return
		}
		m.setState(p, Negotiating)
		if err := conn.SetRemoteDescription(sig.Payload); err != nil {
			m.log.Warn().Err(err).Str("peer", p.id).Msg("apply offer")
			m.closePeer(p.id, "bad offer")
			return
		}
		m.remoteApplied(p, conn)
		answer, err := conn.CreateAnswer()
		if err != nil {
			m.log.Warn().Err(err).Str("peer", p.id).Msg("create answer")
			m.closePeer(p.id, "answer error")
			return
		}
		m.sendDescription(p, KindAnswer, answer)

	case KindAnswer:
		m.mu.Lock()
		conn := p.conn
		m.mu.Unlock()
		if conn == nil {
			m.log.Debug().Str("peer", p.id).Msg("answer without offer")
			return
		}
		if err := conn.SetRemoteDescription(sig.Payload); err != nil {
			m.log.Warn().Err(err).Str("peer", p.id).Msg("apply answer")
			m.closePeer(p.id, "bad answer")
			return
		}
		m.remoteApplied(p, conn)

	case KindCandidate:
		conn, err := m.ensureConn(p)
		if err != nil {
			return
		}
		if !p.remoteSet {
			p.pendingRemote = append(p.pendingRemote, sig.Payload)
			return
		}
		if err := conn.AddICECandidate(sig.Payload); err != nil {
			m.log.Debug().Err(err).Str("peer", p.id).Msg("add candidate")
		}
	}
}

// remoteApplied flushes candidates that arrived ahead of the description.
func (m *Manager) remoteApplied(p *peer, conn PeerConn) {
	p.remoteSet = true
	pending := p.pendingRemote
	p.pendingRemote = nil
	for _, c := range pending {
		if err := conn.AddICECandidate(c); err != nil {
			m.log.Debug().Err(err).Str("peer", p.id).Msg("add queued candidate")
		}
	}
}

// sendDescription queues an offer or answer, then any candidates held back
// until it went out.
func (m *Manager) sendDescription(p *peer, kind Kind, desc json.RawMessage) {
	m.mu.Lock()
	m.queueSignalLocked(p, kind, desc)
	for _, c := range p.pendingLocal {
		m.queueSignalLocked(p, KindCandidate, c)
	}
	p.pendingLocal = nil
	p.localSent = true
	m.mu.Unlock()
}

func (m *Manager) onLocalCandidate(p *peer, c json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !p.localSent {
		p.pendingLocal = append(p.pendingLocal, c)
		return
	}
	m.queueSignalLocked(p, KindCandidate, c)
}

func (m *Manager) queueSignalLocked(p *peer, kind Kind, payload json.RawMessage) {
	roomID, me := m.roomID, m.opts.Identity
	p.out.push(func() {
		if m.isClosed(p) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := SendSignal(ctx, m.opts.Store, roomID, me, p.id, kind, payload)
		m.opts.Metrics.RecordSignal(string(kind), err)
		if err != nil {
			m.log.Warn().Err(err).Str("peer", p.id).Str("kind", string(kind)).Msg("signal send failed")
			m.closePeer(p.id, "signal send failed")
		}
	})
}

func (m *Manager) attachChannel(p *peer, dc DataChannel) {
	m.mu.Lock()
	if m.closed || p.state == Closed {
		m.mu.Unlock()
		_ = dc.Close()
		return
	}
	p.channel = dc
	m.mu.Unlock()

	dc.OnOpen(func() { m.setState(p, Open) })
	dc.OnMessage(func(text string) {
		if m.isClosed(p) {
			return
		}
		if m.opts.OnMessage != nil {
			m.opts.OnMessage(p.id, text)
		}
	})
	dc.OnClose(func() { m.closePeer(p.id, "channel closed") })
}
