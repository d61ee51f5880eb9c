package mesh

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// PionTransport opens WebRTC connections with pion.
type PionTransport struct {
	config webrtc.Configuration
}

// NewPionTransport uses iceServers (stun:/turn: URLs) for discovery.
func NewPionTransport(iceServers []string) *PionTransport {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &PionTransport{config: cfg}
}

func (t *PionTransport) NewPeerConn() (PeerConn, error) {
	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &pionConn{pc: pc}, nil
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &pionChannel{dc: dc}, nil
}

func (c *pionConn) OnDataChannel(fn func(DataChannel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionChannel{dc: dc})
	})
}

func (c *pionConn) OnICECandidate(fn func(json.RawMessage)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return // gathering complete
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		fn(b)
	})
}

func (c *pionConn) OnConnectionStateChange(fn func(ConnState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(ConnState(s.String()))
	})
}

func (c *pionConn) CreateOffer() (json.RawMessage, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (c *pionConn) CreateAnswer() (json.RawMessage, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (c *pionConn) SetRemoteDescription(desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("decode description: %w", err)
	}
	return c.pc.SetRemoteDescription(sd)
}

func (c *pionConn) AddICECandidate(candidate json.RawMessage) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &ci); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return c.pc.AddICECandidate(ci)
}

func (c *pionConn) AddTrack(t MediaTrack) error {
	mime := webrtc.MimeTypeOpus
	if t.Kind == "video" {
		mime = webrtc.MimeTypeVP8
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, t.ID, t.StreamID)
	if err != nil {
		return err
	}
	_, err = c.pc.AddTrack(track)
	return err
}

func (c *pionConn) OnTrack(fn func(RemoteTrack)) {
	c.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(RemoteTrack{ID: tr.ID(), StreamID: tr.StreamID(), Kind: tr.Kind().String()})
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (d *pionChannel) Label() string { return d.dc.Label() }
func (d *pionChannel) OnOpen(fn func()) { d.dc.OnOpen(fn) }
func (d *pionChannel) OnClose(fn func()) { d.dc.OnClose(fn) }
func (d *pionChannel) SendText(s string) error { return d.dc.SendText(s) }
func (d *pionChannel) Close() error { return d.dc.Close() }

func (d *pionChannel) OnMessage(fn func(string)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(string(msg.Data))
	})
}
