package mesh

import "encoding/json"

// Transport creates direct peer connections.
type Transport interface {
	NewPeerConn() (PeerConn, error)
}

// ConnState mirrors the transport's connection state names.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// PeerConn is the local end of one direct connection. Descriptions and
// candidates are opaque JSON carried by signals.
type PeerConn interface {
	CreateDataChannel(label string) (DataChannel, error)
	OnDataChannel(func(DataChannel))
	OnICECandidate(func(candidate json.RawMessage))
	OnConnectionStateChange(func(ConnState))

	// CreateOffer and CreateAnswer also install the result as the local
	// description.
	CreateOffer() (json.RawMessage, error)
	CreateAnswer() (json.RawMessage, error)
	SetRemoteDescription(desc json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error

	AddTrack(MediaTrack) error
	OnTrack(func(RemoteTrack))

	Close() error
}

// DataChannel carries text between two peers.
type DataChannel interface {
	Label() string
	OnOpen(func())
	OnMessage(func(text string))
	OnClose(func())
	SendText(text string) error
	Close() error
}

// MediaTrack describes a local track to share.
type MediaTrack struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"` // audio or video
}

// RemoteTrack is a track received from a peer.
type RemoteTrack struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"`
}
